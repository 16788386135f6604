package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/quantumshield/backend/internal/app/domain/analytics"
	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/domain/device"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

type fakeTelemetry struct {
	values []float64
}

func (f fakeTelemetry) ListTelemetry(_ context.Context, deviceID string, limit int) ([]device.Telemetry, error) {
	out := make([]device.Telemetry, 0, len(f.values))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range f.values {
		v := v
		out = append(out, device.Telemetry{ID: fmt.Sprintf("t-%d", i), DeviceID: deviceID, Value: &v, RecordedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	// a non-numeric reading is skipped
	out = append(out, device.Telemetry{ID: "text", DeviceID: deviceID})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeChain struct {
	blocks []chain.Block
}

func (f fakeChain) LatestBlock(context.Context) (chain.Block, error) {
	return f.blocks[len(f.blocks)-1], nil
}

func (f fakeChain) ListBlocks(_ context.Context, from uint64, limit int) ([]chain.Block, error) {
	var out []chain.Block
	for _, b := range f.blocks {
		if b.Height >= from && len(out) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakeValidators []chain.Validator

func (f fakeValidators) ListValidators(context.Context) ([]chain.Validator, error) {
	return f, nil
}

func TestDetectAnomalies(t *testing.T) {
	values := make([]float64, 0, 30)
	for i := 0; i < 29; i++ {
		values = append(values, 20+float64(i%3)*0.5)
	}
	values = append(values, 95)

	svc := New(memory.NewStore(), fakeTelemetry{values: values}, nil, nil, logger.NewNop())
	ctx := context.Background()

	report, err := svc.DetectAnomalies(ctx, "dev-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 30, report.Samples)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, "t-29", report.Anomalies[0].TelemetryID)
	assert.GreaterOrEqual(t, report.Anomalies[0].ZScore, AnomalyThreshold)
	assert.Equal(t, 1, report.Model.Version)
	assert.Equal(t, 30.0, report.Model.Parameters["n"])

	again, err := svc.DetectAnomalies(ctx, "dev-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Model.Version)

	models, err := svc.Models(ctx, "dev-1", domain.KindAnomaly)
	require.NoError(t, err)
	assert.Len(t, models, 2)
}

func TestInsufficientData(t *testing.T) {
	svc := New(memory.NewStore(), fakeTelemetry{values: []float64{1, 2}}, nil, nil, logger.NewNop())
	_, err := svc.DetectAnomalies(context.Background(), "dev-1", 10)
	require.ErrorIs(t, err, ErrInsufficientData)
	_, err = svc.Forecast(context.Background(), "dev-1", 10, 5)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestForecastLinearSeries(t *testing.T) {
	values := []float64{3, 5, 7, 9, 11}
	svc := New(memory.NewStore(), fakeTelemetry{values: values}, nil, nil, logger.NewNop())

	fc, err := svc.Forecast(context.Background(), "dev-1", 0, 2)
	require.NoError(t, err)
	assert.InDelta(t, 3, fc.Intercept, 1e-9)
	assert.InDelta(t, 2, fc.Slope, 1e-9)
	assert.InDelta(t, 1, fc.RSquared, 1e-9)
	require.Len(t, fc.Points, 2)
	assert.InDelta(t, 13, fc.Points[0].Value, 1e-9)
	assert.InDelta(t, 15, fc.Points[1].Value, 1e-9)
	assert.Equal(t, domain.KindForecast, fc.Model.Kind)

	_, err = svc.Forecast(context.Background(), "dev-1", 0, maxHorizon+1)
	require.Error(t, err)
}

func TestNetworkStats(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	blocks := []chain.Block{
		{Height: 0, Proposer: "node", Timestamp: base},
		{Height: 1, Proposer: "node", Timestamp: base.Add(10 * time.Second), GasUsed: 42000, Transactions: make([]chain.Transaction, 2)},
		{Height: 2, Proposer: "val", Timestamp: base.Add(20 * time.Second), GasUsed: 21000, Transactions: make([]chain.Transaction, 1)},
	}
	vals := fakeValidators{
		{Address: "val", Stake: 100, Active: true},
		{Address: "jailed", Stake: 100, Active: true, Jailed: true},
	}
	svc := New(memory.NewStore(), fakeTelemetry{}, fakeChain{blocks: blocks}, vals, logger.NewNop())

	stats, err := svc.NetworkStats(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Blocks)
	assert.Equal(t, 3, stats.Transactions)
	assert.InDelta(t, 1.5, stats.TxPerBlock, 1e-9)
	assert.InDelta(t, 31500, stats.AvgGasPerBlock, 1e-9)
	assert.InDelta(t, 10, stats.AvgBlockInterval, 1e-9)
	assert.Equal(t, 2, stats.DistinctProposers)
	assert.Equal(t, 1, stats.ActiveValidators)
}
