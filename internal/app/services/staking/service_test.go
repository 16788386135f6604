package staking

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
}

func (l *fakeLedger) Debit(_ context.Context, address string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[address] < amount {
		return fmt.Errorf("insufficient balance")
	}
	l.balances[address] -= amount
	return nil
}

func (l *fakeLedger) Credit(_ context.Context, address string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] += amount
	return nil
}

func newTestService() (*Service, *fakeLedger) {
	ledger := &fakeLedger{balances: map[string]uint64{"val-a": 50_000, "val-b": 50_000, "del-1": 20_000}}
	svc := New(memory.NewStore(), ledger, nil, Config{MinValidatorStake: 10_000, EpochReward: 1_000}, logger.NewNop())
	return svc, ledger
}

func TestRegisterValidator(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newTestService()

	_, err := svc.RegisterValidator(ctx, "val-a", 5_000, 0)
	require.ErrorIs(t, err, ErrBelowMinimum)
	_, err = svc.RegisterValidator(ctx, "val-a", 10_000, 20_000)
	require.Error(t, err)

	v, err := svc.RegisterValidator(ctx, "VAL-A", 10_000, 500)
	require.NoError(t, err)
	assert.Equal(t, "val-a", v.Address)
	assert.True(t, v.Active)
	assert.Equal(t, uint64(40_000), ledger.balances["val-a"])

	_, err = svc.RegisterValidator(ctx, "val-a", 10_000, 500)
	require.ErrorIs(t, err, storage.ErrConflict)

	_, err = svc.RegisterValidator(ctx, "poor", 10_000, 0)
	require.Error(t, err)
}

func TestUnstakeRules(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newTestService()
	_, err := svc.RegisterValidator(ctx, "val-a", 15_000, 0)
	require.NoError(t, err)

	_, err = svc.Unstake(ctx, "val-a", 10_000)
	require.ErrorIs(t, err, ErrBelowMinimum)

	v, err := svc.Unstake(ctx, "val-a", 5_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), v.Stake)
	assert.True(t, v.Active)

	v, err = svc.Unstake(ctx, "val-a", 10_000)
	require.NoError(t, err)
	assert.False(t, v.Active)
	assert.Equal(t, uint64(50_000), ledger.balances["val-a"])

	v, err = svc.AddStake(ctx, "val-a", 12_000)
	require.NoError(t, err)
	assert.True(t, v.Active)
}

func TestSlashJailsAndBurns(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	_, err := svc.RegisterValidator(ctx, "val-a", 20_000, 0)
	require.NoError(t, err)

	_, err = svc.Slash(ctx, "val-a", 1.5, "double sign")
	require.Error(t, err)

	v, err := svc.Slash(ctx, "val-a", 0.25, "double sign")
	require.NoError(t, err)
	assert.Equal(t, uint64(15_000), v.Stake)
	assert.Equal(t, uint64(5_000), v.SlashedTotal)
	assert.True(t, v.Jailed)
	assert.Equal(t, initialReputation-slashReputation, v.Reputation)

	eligible, err := svc.EligibleValidators(ctx)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	pool, err := svc.CreatePool(ctx, "p", "val-a")
	require.NoError(t, err)
	_, err = svc.Delegate(ctx, pool.ID, "del-1", 100)
	require.ErrorIs(t, err, ErrJailed)

	v, err = svc.Unjail(ctx, "val-a")
	require.NoError(t, err)
	assert.False(t, v.Jailed)
}

func TestRecordProposalCapsReputation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	_, err := svc.RegisterValidator(ctx, "val-a", 10_000, 0)
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		require.NoError(t, svc.RecordProposal(ctx, "val-a"))
	}
	v, err := svc.GetValidator(ctx, "val-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), v.BlocksProposed)
	assert.Equal(t, maxReputation, v.Reputation)
}

func TestDelegationFlow(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newTestService()
	_, err := svc.RegisterValidator(ctx, "val-a", 10_000, 0)
	require.NoError(t, err)
	pool, err := svc.CreatePool(ctx, "alpha", "val-a")
	require.NoError(t, err)

	_, err = svc.Delegate(ctx, pool.ID, "del-1", 8_000)
	require.NoError(t, err)
	_, err = svc.Delegate(ctx, pool.ID, "del-1", 2_000)
	require.NoError(t, err)

	pool, err = svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), pool.TotalDelegated)
	assert.Equal(t, 1, pool.Delegators)
	v, err := svc.GetValidator(ctx, "val-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), v.Weight())

	staked, err := svc.StakedBy(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), staked)

	_, err = svc.Undelegate(ctx, pool.ID, "del-1", 20_000)
	require.Error(t, err)
	_, err = svc.Undelegate(ctx, pool.ID, "del-1", 10_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), ledger.balances["del-1"])

	ds, err := svc.ListDelegations(ctx, pool.ID)
	require.NoError(t, err)
	assert.Empty(t, ds)
	pool, err = svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Delegators)
}

func TestDistributeRewards(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newTestService()
	_, err := svc.RegisterValidator(ctx, "val-a", 10_000, 1_000)
	require.NoError(t, err)
	_, err = svc.RegisterValidator(ctx, "val-b", 20_000, 0)
	require.NoError(t, err)
	pool, err := svc.CreatePool(ctx, "alpha", "val-a")
	require.NoError(t, err)
	_, err = svc.Delegate(ctx, pool.ID, "del-1", 10_000)
	require.NoError(t, err)

	report, err := svc.DistributeRewards(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), report.Distributed)
	assert.Equal(t, 2, report.Validators)
	assert.Equal(t, uint64(225), report.Payouts["del-1"])
	assert.Equal(t, uint64(275), report.Payouts["val-a"])
	assert.Equal(t, uint64(500), report.Payouts["val-b"])

	assert.Equal(t, uint64(10_000+225), ledger.balances["del-1"])
	d, err := svc.DelegationsOf(ctx, "del-1")
	require.NoError(t, err)
	require.Len(t, d, 1)
	assert.Equal(t, uint64(225), d[0].Rewards)
}

func TestMulDiv(t *testing.T) {
	assert.Equal(t, uint64(5), mulDiv(10, 1, 2))
	assert.Equal(t, uint64(1<<62), mulDiv(1<<62, 1<<62, 1<<62))
	assert.Zero(t, mulDiv(1, 1, 0))
}
