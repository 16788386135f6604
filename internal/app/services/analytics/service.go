// Package analytics fits simple statistical models over device telemetry
// and summarises chain activity.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	domain "github.com/quantumshield/backend/internal/app/domain/analytics"
	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/domain/device"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const (
	AnomalyThreshold = 3.0
	minSamples       = 3
	defaultWindow    = 100
	maxWindow        = 1000
	defaultHorizon   = 10
	maxHorizon       = 1000
)

// ErrInsufficientData is returned when fewer than three numeric readings exist.
var ErrInsufficientData = errors.New("insufficient numeric readings")

// TelemetrySource reads recent device readings.
type TelemetrySource interface {
	ListTelemetry(ctx context.Context, deviceID string, limit int) ([]device.Telemetry, error)
}

// ChainSource reads recent blocks and validators.
type ChainSource interface {
	LatestBlock(ctx context.Context) (chain.Block, error)
	ListBlocks(ctx context.Context, fromHeight uint64, limit int) ([]chain.Block, error)
}

// ValidatorSource lists validators.
type ValidatorSource interface {
	ListValidators(ctx context.Context) ([]chain.Validator, error)
}

// Service runs the analytics models.
type Service struct {
	store      storage.AnalyticsStore
	telemetry  TelemetrySource
	chain      ChainSource
	validators ValidatorSource
	log        *logger.Logger
	now        func() time.Time

	mu sync.Mutex
}

// New constructs the analytics service. chain and validators may be nil
// when network statistics are not needed.
func New(store storage.AnalyticsStore, telemetry TelemetrySource, chainSrc ChainSource, validators ValidatorSource, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("analytics")
	}
	return &Service{store: store, telemetry: telemetry, chain: chainSrc, validators: validators, log: log, now: time.Now}
}

// DetectAnomalies flags readings whose z-score magnitude reaches the
// threshold and persists the fitted mean and deviation.
func (s *Service) DetectAnomalies(ctx context.Context, deviceID string, window int) (domain.AnomalyReport, error) {
	readings, values, err := s.series(ctx, deviceID, window)
	if err != nil {
		return domain.AnomalyReport{}, err
	}
	mean, std := stat.MeanStdDev(values, nil)

	report := domain.AnomalyReport{
		DeviceID:  deviceID,
		Samples:   len(values),
		Mean:      mean,
		StdDev:    std,
		Threshold: AnomalyThreshold,
		Anomalies: []domain.Anomaly{},
	}
	if std > 0 {
		for i, v := range values {
			z := stat.StdScore(v, mean, std)
			if math.Abs(z) >= AnomalyThreshold {
				report.Anomalies = append(report.Anomalies, domain.Anomaly{
					TelemetryID: readings[i].ID,
					Value:       v,
					ZScore:      z,
					RecordedAt:  readings[i].RecordedAt,
				})
			}
		}
	}

	model, err := s.saveModel(ctx, deviceID, domain.KindAnomaly, len(values), map[string]float64{
		"mean":      mean,
		"stddev":    std,
		"n":         float64(len(values)),
		"threshold": AnomalyThreshold,
	})
	if err != nil {
		return domain.AnomalyReport{}, err
	}
	report.Model = model
	s.log.WithField("device_id", deviceID).WithField("anomalies", len(report.Anomalies)).Debug("anomaly scan complete")
	return report, nil
}

// Forecast fits value against reading index by least squares and projects
// horizon steps past the last reading.
func (s *Service) Forecast(ctx context.Context, deviceID string, window, horizon int) (domain.Forecast, error) {
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	if horizon > maxHorizon {
		return domain.Forecast{}, fmt.Errorf("horizon must be at most %d", maxHorizon)
	}
	_, ys, err := s.series(ctx, deviceID, window)
	if err != nil {
		return domain.Forecast{}, err
	}
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	intercept, slope := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, intercept, slope)
	if math.IsNaN(r2) {
		// constant series: the fit is exact
		r2 = 1
	}

	points := make([]domain.Point, horizon)
	last := float64(len(ys) - 1)
	for step := 1; step <= horizon; step++ {
		points[step-1] = domain.Point{Step: step, Value: intercept + slope*(last+float64(step))}
	}

	model, err := s.saveModel(ctx, deviceID, domain.KindForecast, len(ys), map[string]float64{
		"intercept": intercept,
		"slope":     slope,
		"r_squared": r2,
		"n":         float64(len(ys)),
	})
	if err != nil {
		return domain.Forecast{}, err
	}
	return domain.Forecast{
		DeviceID:  deviceID,
		Samples:   len(ys),
		Intercept: intercept,
		Slope:     slope,
		RSquared:  r2,
		Points:    points,
		Model:     model,
	}, nil
}

// Models lists persisted model versions for a device, optionally by kind.
func (s *Service) Models(ctx context.Context, deviceID, kind string) ([]domain.Model, error) {
	return s.store.ListModels(ctx, deviceID, kind)
}

// NetworkStats summarises the last n blocks.
func (s *Service) NetworkStats(ctx context.Context, n int) (domain.NetworkStats, error) {
	if s.chain == nil {
		return domain.NetworkStats{}, fmt.Errorf("chain source not configured")
	}
	if n <= 0 {
		n = defaultWindow
	}
	if n > 500 {
		n = 500
	}
	head, err := s.chain.LatestBlock(ctx)
	if err != nil {
		return domain.NetworkStats{}, err
	}
	var from uint64
	if head.Height+1 > uint64(n) {
		from = head.Height + 1 - uint64(n)
	}
	blocks, err := s.chain.ListBlocks(ctx, from, n)
	if err != nil {
		return domain.NetworkStats{}, err
	}

	var stats domain.NetworkStats
	stats.Blocks = len(blocks)
	gas := make([]float64, 0, len(blocks))
	proposers := map[string]struct{}{}
	for _, b := range blocks {
		stats.Transactions += len(b.Transactions)
		gas = append(gas, float64(b.GasUsed))
		proposers[b.Proposer] = struct{}{}
	}
	stats.DistinctProposers = len(proposers)
	if len(blocks) > 0 {
		stats.TxPerBlock = float64(stats.Transactions) / float64(len(blocks))
		stats.AvgGasPerBlock = stat.Mean(gas, nil)
	}
	if len(blocks) > 1 {
		span := blocks[len(blocks)-1].Timestamp.Sub(blocks[0].Timestamp)
		stats.AvgBlockInterval = span.Seconds() / float64(len(blocks)-1)
	}

	if s.validators != nil {
		vals, err := s.validators.ListValidators(ctx)
		if err != nil {
			return domain.NetworkStats{}, err
		}
		for _, v := range vals {
			if v.Eligible() {
				stats.ActiveValidators++
			}
		}
	}
	return stats, nil
}

// series returns the numeric readings of the latest window, oldest first.
func (s *Service) series(ctx context.Context, deviceID string, window int) ([]device.Telemetry, []float64, error) {
	if deviceID == "" {
		return nil, nil, fmt.Errorf("device id is required")
	}
	if window <= 0 {
		window = defaultWindow
	}
	if window > maxWindow {
		window = maxWindow
	}
	all, err := s.telemetry.ListTelemetry(ctx, deviceID, window)
	if err != nil {
		return nil, nil, err
	}
	readings := make([]device.Telemetry, 0, len(all))
	values := make([]float64, 0, len(all))
	for _, t := range all {
		if t.Value == nil || math.IsNaN(*t.Value) || math.IsInf(*t.Value, 0) {
			continue
		}
		readings = append(readings, t)
		values = append(values, *t.Value)
	}
	if len(values) < minSamples {
		return nil, nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(values), minSamples)
	}
	return readings, values, nil
}

func (s *Service) saveModel(ctx context.Context, deviceID, kind string, samples int, params map[string]float64) (domain.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.ListModels(ctx, deviceID, kind)
	if err != nil {
		return domain.Model{}, err
	}
	version := 1
	for _, m := range existing {
		if m.Version >= version {
			version = m.Version + 1
		}
	}
	now := s.now().UTC()
	return s.store.AddModel(ctx, domain.Model{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Kind:       kind,
		Version:    version,
		Samples:    samples,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}
