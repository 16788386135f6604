package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/quantumshield/backend/internal/app/domain/governance"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

type staticPower struct {
	power map[string]uint64
	total uint64
}

func (p *staticPower) VotingPower(_ context.Context, address string) (uint64, error) {
	return p.power[address], nil
}

func (p *staticPower) TotalPower(context.Context) (uint64, error) {
	return p.total, nil
}

func newTestService(t *testing.T, power *staticPower) (*Service, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := New(memory.NewStore(), power, nil, Config{VotingPeriod: time.Hour, Quorum: 0.2, Threshold: 0.5}, logger.NewNop())
	svc.now = func() time.Time { return now }
	return svc, &now
}

func TestCreateProposalRequiresPower(t *testing.T) {
	power := &staticPower{power: map[string]uint64{"alice": 10}, total: 100}
	svc, _ := newTestService(t, power)
	ctx := context.Background()

	_, err := svc.CreateProposal(ctx, CreateRequest{Title: "t", Proposer: "bob"})
	require.ErrorIs(t, err, ErrNoVotingPower)

	_, err = svc.CreateProposal(ctx, CreateRequest{Title: "t", Proposer: "alice", Kind: domain.KindParameter})
	require.Error(t, err)

	_, err = svc.CreateProposal(ctx, CreateRequest{Title: "t", Proposer: "alice", Kind: "coup"})
	require.Error(t, err)

	p, err := svc.CreateProposal(ctx, CreateRequest{Title: "Raise reward", Proposer: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, p.Status)
	assert.Equal(t, domain.KindText, p.Kind)
	assert.Equal(t, svc.now().Add(time.Hour), p.VotingEndsAt)
}

func TestCastVoteCapturesPower(t *testing.T) {
	power := &staticPower{power: map[string]uint64{"alice": 10, "bob": 30}, total: 100}
	svc, _ := newTestService(t, power)
	ctx := context.Background()

	p, err := svc.CreateProposal(ctx, CreateRequest{Title: "t", Proposer: "alice"})
	require.NoError(t, err)

	vote, err := svc.CastVote(ctx, p.ID, "bob", "YES")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), vote.Power)
	assert.Equal(t, domain.VoteID(p.ID, "bob"), vote.ID)

	_, err = svc.CastVote(ctx, p.ID, "bob", "no")
	require.ErrorIs(t, err, ErrAlreadyVoted)

	_, err = svc.CastVote(ctx, p.ID, "carol", "no")
	require.ErrorIs(t, err, ErrNoVotingPower)

	_, err = svc.CastVote(ctx, p.ID, "alice", "maybe")
	require.Error(t, err)

	// later balance changes do not touch the recorded tally
	power.power["bob"] = 1000
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), got.Tally.Yes)
	assert.Equal(t, 1, got.Tally.Voters)

	votes, err := svc.ListVotes(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 1)
}

func TestCastVoteAfterDeadline(t *testing.T) {
	power := &staticPower{power: map[string]uint64{"alice": 10}, total: 100}
	svc, now := newTestService(t, power)
	ctx := context.Background()

	p, err := svc.CreateProposal(ctx, CreateRequest{Title: "t", Proposer: "alice"})
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	_, err = svc.CastVote(ctx, p.ID, "alice", "yes")
	require.ErrorIs(t, err, ErrVotingClosed)
}

func TestTickOutcomes(t *testing.T) {
	power := &staticPower{power: map[string]uint64{"a": 15, "b": 10, "c": 40, "d": 5}, total: 100}
	svc, now := newTestService(t, power)
	ctx := context.Background()

	var applied map[string]string
	svc.RegisterExecutor(domain.KindParameter, func(_ context.Context, p domain.Proposal) error {
		applied = p.Payload
		return nil
	})
	svc.RegisterExecutor(domain.KindTreasury, func(context.Context, domain.Proposal) error {
		return errors.New("treasury empty")
	})

	param, err := svc.CreateProposal(ctx, CreateRequest{Title: "gas", Proposer: "a", Kind: domain.KindParameter, Payload: map[string]string{"gas_price": "2"}})
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, param.ID, "c", "yes")
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, param.ID, "b", "no")
	require.NoError(t, err)

	lowQuorum, err := svc.CreateProposal(ctx, CreateRequest{Title: "quiet", Proposer: "a"})
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, lowQuorum.ID, "d", "yes")
	require.NoError(t, err)

	failing, err := svc.CreateProposal(ctx, CreateRequest{Title: "spend", Proposer: "a", Kind: domain.KindTreasury, Payload: map[string]string{"to": "x", "amount": "1"}})
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, failing.ID, "c", "yes")
	require.NoError(t, err)

	empty, err := svc.CreateProposal(ctx, CreateRequest{Title: "ignored", Proposer: "a"})
	require.NoError(t, err)

	report, err := svc.Tick(ctx, *now)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Closed)

	report, err = svc.Tick(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, TickReport{Closed: 4, Passed: 2, Rejected: 1, Expired: 1, Executed: 1}, report)
	assert.Equal(t, map[string]string{"gas_price": "2"}, applied)

	got, _ := svc.Get(ctx, param.ID)
	assert.Equal(t, domain.StatusExecuted, got.Status)
	assert.Equal(t, uint64(100), got.TotalPowerAtEnd)
	require.NotNil(t, got.ClosedAt)

	got, _ = svc.Get(ctx, lowQuorum.ID)
	assert.Equal(t, domain.StatusRejected, got.Status)

	got, _ = svc.Get(ctx, failing.ID)
	assert.Equal(t, domain.StatusPassed, got.Status)
	assert.Equal(t, "treasury empty", got.ExecutionError)

	got, _ = svc.Get(ctx, empty.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)

	active, err := svc.List(ctx, domain.StatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}
