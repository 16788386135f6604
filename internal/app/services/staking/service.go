package staking

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const (
	maxReputation     = 100
	initialReputation = 50
	slashReputation   = 10
	bpsDenominator    = 10_000
)

var (
	// ErrBelowMinimum is returned when stake would fall under the validator minimum.
	ErrBelowMinimum = errors.New("stake below validator minimum")
	// ErrJailed is returned for operations a jailed validator may not perform.
	ErrJailed = errors.New("validator is jailed")
)

// Ledger moves native coins in and out of staking.
type Ledger interface {
	Debit(ctx context.Context, address string, amount uint64) error
	Credit(ctx context.Context, address string, amount uint64) error
}

// Config holds staking parameters.
type Config struct {
	MinValidatorStake uint64
	EpochReward       uint64
}

// RewardReport summarises one DistributeRewards run.
type RewardReport struct {
	Reward      uint64            `json:"reward"`
	Distributed uint64            `json:"distributed"`
	Validators  int               `json:"validators"`
	Payouts     map[string]uint64 `json:"payouts"`
	At          time.Time         `json:"at"`
}

// Service manages validators, stake pools and delegations.
type Service struct {
	store  storage.StakingStore
	ledger Ledger
	bus    events.Publisher
	cfg    Config
	log    *logger.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New constructs the staking service.
func New(store storage.StakingStore, ledger Ledger, bus events.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("staking")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Service{store: store, ledger: ledger, bus: bus, cfg: cfg, log: log, now: time.Now}
}

// RegisterValidator locks stake from address and activates it as a validator.
func (s *Service) RegisterValidator(ctx context.Context, address string, stake, commissionBps uint64) (chain.Validator, error) {
	address = normalize(address)
	if address == "" {
		return chain.Validator{}, fmt.Errorf("address is required")
	}
	if stake < s.cfg.MinValidatorStake {
		return chain.Validator{}, fmt.Errorf("%w: need %d", ErrBelowMinimum, s.cfg.MinValidatorStake)
	}
	if commissionBps > bpsDenominator {
		return chain.Validator{}, fmt.Errorf("commission must be at most %d bps", bpsDenominator)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetValidator(ctx, address); err == nil {
		return chain.Validator{}, fmt.Errorf("validator %s: %w", address, storage.ErrConflict)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return chain.Validator{}, err
	}
	if err := s.ledger.Debit(ctx, address, stake); err != nil {
		return chain.Validator{}, err
	}
	now := s.now().UTC()
	v, err := s.store.SaveValidator(ctx, chain.Validator{
		Address:       address,
		Stake:         stake,
		CommissionBps: commissionBps,
		Reputation:    initialReputation,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return chain.Validator{}, err
	}
	s.publish(ctx, "staking.validator_registered", v)
	s.log.WithField("validator", address).WithField("stake", stake).Info("validator registered")
	return v, nil
}

// AddStake locks more stake for a validator.
func (s *Service) AddStake(ctx context.Context, address string, amount uint64) (chain.Validator, error) {
	if amount == 0 {
		return chain.Validator{}, fmt.Errorf("amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetValidator(ctx, normalize(address))
	if err != nil {
		return chain.Validator{}, err
	}
	if err := s.ledger.Debit(ctx, v.Address, amount); err != nil {
		return chain.Validator{}, err
	}
	v.Stake += amount
	if !v.Active && !v.Jailed && v.Stake >= s.cfg.MinValidatorStake {
		v.Active = true
	}
	v.UpdatedAt = s.now().UTC()
	return s.store.SaveValidator(ctx, v)
}

// Unstake returns stake to the validator. An active validator may not drop
// below the minimum unless it withdraws everything, which deactivates it.
func (s *Service) Unstake(ctx context.Context, address string, amount uint64) (chain.Validator, error) {
	if amount == 0 {
		return chain.Validator{}, fmt.Errorf("amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetValidator(ctx, normalize(address))
	if err != nil {
		return chain.Validator{}, err
	}
	if amount > v.Stake {
		return chain.Validator{}, fmt.Errorf("cannot unstake %d, only %d staked", amount, v.Stake)
	}
	remaining := v.Stake - amount
	if v.Active && remaining > 0 && remaining < s.cfg.MinValidatorStake {
		return chain.Validator{}, fmt.Errorf("%w: withdraw everything to exit", ErrBelowMinimum)
	}
	v.Stake = remaining
	if remaining == 0 {
		v.Active = false
	}
	v.UpdatedAt = s.now().UTC()
	if v, err = s.store.SaveValidator(ctx, v); err != nil {
		return chain.Validator{}, err
	}
	if err := s.ledger.Credit(ctx, v.Address, amount); err != nil {
		return chain.Validator{}, err
	}
	if !v.Active {
		s.publish(ctx, "staking.validator_exited", v)
	}
	return v, nil
}

// Slash burns fraction of a validator's own stake and jails it.
func (s *Service) Slash(ctx context.Context, address string, fraction float64, reason string) (chain.Validator, error) {
	if fraction <= 0 || fraction > 1 {
		return chain.Validator{}, fmt.Errorf("fraction must be within (0,1]")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetValidator(ctx, normalize(address))
	if err != nil {
		return chain.Validator{}, err
	}
	burned := uint64(float64(v.Stake) * fraction)
	if burned > v.Stake {
		burned = v.Stake
	}
	now := s.now().UTC()
	v.Stake -= burned
	v.SlashedTotal += burned
	v.Jailed = true
	v.JailedAt = &now
	v.Reputation -= slashReputation
	if v.Reputation < 0 {
		v.Reputation = 0
	}
	v.UpdatedAt = now
	if v, err = s.store.SaveValidator(ctx, v); err != nil {
		return chain.Validator{}, err
	}
	s.publish(ctx, "staking.slashed", map[string]any{"validator": v.Address, "burned": burned, "reason": reason})
	s.log.WithField("validator", v.Address).WithField("burned", burned).WithField("reason", reason).Warn("validator slashed")
	return v, nil
}

// Unjail releases a jailed validator whose stake still meets the minimum.
func (s *Service) Unjail(ctx context.Context, address string) (chain.Validator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetValidator(ctx, normalize(address))
	if err != nil {
		return chain.Validator{}, err
	}
	if !v.Jailed {
		return v, nil
	}
	if v.Stake < s.cfg.MinValidatorStake {
		return chain.Validator{}, ErrBelowMinimum
	}
	v.Jailed = false
	v.JailedAt = nil
	v.Active = true
	v.UpdatedAt = s.now().UTC()
	return s.store.SaveValidator(ctx, v)
}

// GetValidator returns one validator.
func (s *Service) GetValidator(ctx context.Context, address string) (chain.Validator, error) {
	return s.store.GetValidator(ctx, normalize(address))
}

// ListValidators returns every validator.
func (s *Service) ListValidators(ctx context.Context) ([]chain.Validator, error) {
	return s.store.ListValidators(ctx)
}

// EligibleValidators returns validators that may propose blocks. It reads
// without taking the service lock.
func (s *Service) EligibleValidators(ctx context.Context) ([]chain.Validator, error) {
	all, err := s.store.ListValidators(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chain.Validator, 0, len(all))
	for _, v := range all {
		if v.Eligible() {
			out = append(out, v)
		}
	}
	return out, nil
}

// RecordProposal credits a validator for proposing a block.
func (s *Service) RecordProposal(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetValidator(ctx, address)
	if err != nil {
		return err
	}
	v.BlocksProposed++
	if v.Reputation < maxReputation {
		v.Reputation++
	}
	v.UpdatedAt = s.now().UTC()
	_, err = s.store.SaveValidator(ctx, v)
	return err
}

// CreatePool opens a stake pool delegating to validator.
func (s *Service) CreatePool(ctx context.Context, name, validator string) (chain.StakePool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chain.StakePool{}, fmt.Errorf("name is required")
	}
	if _, err := s.store.GetValidator(ctx, normalize(validator)); err != nil {
		return chain.StakePool{}, err
	}
	now := s.now().UTC()
	return s.store.SavePool(ctx, chain.StakePool{
		ID:        uuid.NewString(),
		Name:      name,
		Validator: normalize(validator),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// GetPool returns a stake pool.
func (s *Service) GetPool(ctx context.Context, id string) (chain.StakePool, error) {
	return s.store.GetPool(ctx, id)
}

// ListPools returns every stake pool.
func (s *Service) ListPools(ctx context.Context) ([]chain.StakePool, error) {
	return s.store.ListPools(ctx)
}

// Delegate locks amount from delegator into poolID.
func (s *Service) Delegate(ctx context.Context, poolID, delegator string, amount uint64) (chain.Delegation, error) {
	delegator = normalize(delegator)
	if delegator == "" {
		return chain.Delegation{}, fmt.Errorf("delegator is required")
	}
	if amount == 0 {
		return chain.Delegation{}, fmt.Errorf("amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return chain.Delegation{}, err
	}
	v, err := s.store.GetValidator(ctx, pool.Validator)
	if err != nil {
		return chain.Delegation{}, err
	}
	if v.Jailed {
		return chain.Delegation{}, ErrJailed
	}

	now := s.now().UTC()
	d, err := s.store.GetDelegation(ctx, poolID, delegator)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		d = chain.Delegation{PoolID: poolID, Delegator: delegator, CreatedAt: now}
		pool.Delegators++
	case err != nil:
		return chain.Delegation{}, err
	}
	if err := s.ledger.Debit(ctx, delegator, amount); err != nil {
		return chain.Delegation{}, err
	}

	d.Amount += amount
	d.UpdatedAt = now
	pool.TotalDelegated += amount
	pool.UpdatedAt = now
	v.Delegated += amount
	v.UpdatedAt = now

	if d, err = s.store.SaveDelegation(ctx, d); err != nil {
		return chain.Delegation{}, err
	}
	if _, err := s.store.SavePool(ctx, pool); err != nil {
		return chain.Delegation{}, err
	}
	if _, err := s.store.SaveValidator(ctx, v); err != nil {
		return chain.Delegation{}, err
	}
	s.publish(ctx, "staking.delegated", d)
	return d, nil
}

// Undelegate returns amount of a delegation to its owner.
func (s *Service) Undelegate(ctx context.Context, poolID, delegator string, amount uint64) (chain.Delegation, error) {
	delegator = normalize(delegator)
	if amount == 0 {
		return chain.Delegation{}, fmt.Errorf("amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return chain.Delegation{}, err
	}
	d, err := s.store.GetDelegation(ctx, poolID, delegator)
	if err != nil {
		return chain.Delegation{}, err
	}
	if amount > d.Amount {
		return chain.Delegation{}, fmt.Errorf("cannot undelegate %d, only %d delegated", amount, d.Amount)
	}
	v, err := s.store.GetValidator(ctx, pool.Validator)
	if err != nil {
		return chain.Delegation{}, err
	}

	now := s.now().UTC()
	d.Amount -= amount
	d.UpdatedAt = now
	pool.TotalDelegated -= amount
	pool.UpdatedAt = now
	if v.Delegated >= amount {
		v.Delegated -= amount
	} else {
		v.Delegated = 0
	}
	v.UpdatedAt = now

	if d.Amount == 0 {
		if err := s.store.DeleteDelegation(ctx, poolID, delegator); err != nil {
			return chain.Delegation{}, err
		}
		pool.Delegators--
	} else if d, err = s.store.SaveDelegation(ctx, d); err != nil {
		return chain.Delegation{}, err
	}
	if _, err := s.store.SavePool(ctx, pool); err != nil {
		return chain.Delegation{}, err
	}
	if _, err := s.store.SaveValidator(ctx, v); err != nil {
		return chain.Delegation{}, err
	}
	if err := s.ledger.Credit(ctx, delegator, amount); err != nil {
		return chain.Delegation{}, err
	}
	return d, nil
}

// ListDelegations returns the delegations of a pool.
func (s *Service) ListDelegations(ctx context.Context, poolID string) ([]chain.Delegation, error) {
	return s.store.ListDelegations(ctx, poolID)
}

// DelegationsOf returns every delegation held by delegator.
func (s *Service) DelegationsOf(ctx context.Context, delegator string) ([]chain.Delegation, error) {
	return s.store.ListDelegationsByDelegator(ctx, normalize(delegator))
}

// StakedBy sums the validator stake and delegations owned by address.
func (s *Service) StakedBy(ctx context.Context, address string) (uint64, error) {
	address = normalize(address)
	var total uint64
	v, err := s.store.GetValidator(ctx, address)
	switch {
	case err == nil:
		total += v.Stake
	case !errors.Is(err, storage.ErrNotFound):
		return 0, err
	}
	ds, err := s.store.ListDelegationsByDelegator(ctx, address)
	if err != nil {
		return 0, err
	}
	for _, d := range ds {
		total += d.Amount
	}
	return total, nil
}

// DistributeRewards splits reward across eligible validators by weight. The
// delegated part of each share pays the validator's commission and the rest
// is credited to delegators pro rata. Rounding dust goes to the validator.
func (s *Service) DistributeRewards(ctx context.Context, reward uint64) (RewardReport, error) {
	if reward == 0 {
		reward = s.cfg.EpochReward
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	report := RewardReport{Reward: reward, Payouts: map[string]uint64{}, At: s.now().UTC()}
	vals, err := s.EligibleValidators(ctx)
	if err != nil {
		return RewardReport{}, err
	}
	var total uint64
	for _, v := range vals {
		total += v.Weight()
	}
	if total == 0 || reward == 0 {
		return report, nil
	}

	pools, err := s.store.ListPools(ctx)
	if err != nil {
		return RewardReport{}, err
	}

	for _, v := range vals {
		share := mulDiv(reward, v.Weight(), total)
		if share == 0 {
			continue
		}
		delegatedShare := mulDiv(share, v.Delegated, v.Weight())
		commission := mulDiv(delegatedShare, v.CommissionBps, bpsDenominator)
		toDelegators := delegatedShare - commission

		var paid uint64
		if toDelegators > 0 && v.Delegated > 0 {
			for _, pool := range pools {
				if pool.Validator != v.Address {
					continue
				}
				ds, err := s.store.ListDelegations(ctx, pool.ID)
				if err != nil {
					return RewardReport{}, err
				}
				for _, d := range ds {
					cut := mulDiv(toDelegators, d.Amount, v.Delegated)
					if cut == 0 {
						continue
					}
					if err := s.ledger.Credit(ctx, d.Delegator, cut); err != nil {
						return RewardReport{}, err
					}
					d.Rewards += cut
					d.UpdatedAt = report.At
					if _, err := s.store.SaveDelegation(ctx, d); err != nil {
						return RewardReport{}, err
					}
					report.Payouts[d.Delegator] += cut
					paid += cut
				}
			}
		}

		own := share - paid
		if own > 0 {
			if err := s.ledger.Credit(ctx, v.Address, own); err != nil {
				return RewardReport{}, err
			}
		}
		v.RewardsEarned += own
		v.UpdatedAt = report.At
		if _, err := s.store.SaveValidator(ctx, v); err != nil {
			return RewardReport{}, err
		}
		report.Payouts[v.Address] += own
		report.Distributed += share
		report.Validators++
	}
	s.publish(ctx, "staking.rewards", report)
	s.log.WithField("distributed", report.Distributed).WithField("validators", report.Validators).Info("staking rewards distributed")
	return report, nil
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish staking event")
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// mulDiv returns a*b/c without intermediate overflow. c must be non-zero
// and the quotient must fit in 64 bits.
func mulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
