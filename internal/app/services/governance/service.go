package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/quantumshield/backend/internal/app/domain/governance"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

var (
	// ErrNoVotingPower is returned when an address holds no voting power.
	ErrNoVotingPower = errors.New("no voting power")
	// ErrAlreadyVoted is returned for a second ballot by the same voter.
	ErrAlreadyVoted = errors.New("already voted")
	// ErrVotingClosed is returned when voting on a closed or ended proposal.
	ErrVotingClosed = errors.New("voting is closed")
)

// PowerSource reports voting power.
type PowerSource interface {
	VotingPower(ctx context.Context, address string) (uint64, error)
	TotalPower(ctx context.Context) (uint64, error)
}

// Executor applies a passed proposal.
type Executor func(ctx context.Context, p domain.Proposal) error

// Config holds governance parameters.
type Config struct {
	VotingPeriod time.Duration
	Quorum       float64
	Threshold    float64
}

// CreateRequest describes a new proposal.
type CreateRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Proposer    string            `json:"proposer"`
	Kind        string            `json:"kind"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// TickReport summarises one Tick.
type TickReport struct {
	Closed   int `json:"closed"`
	Passed   int `json:"passed"`
	Rejected int `json:"rejected"`
	Expired  int `json:"expired"`
	Executed int `json:"executed"`
}

// Service runs proposal and voting lifecycles.
type Service struct {
	store storage.GovernanceStore
	power PowerSource
	bus   events.Publisher
	cfg   Config
	log   *logger.Logger
	now   func() time.Time

	mu        sync.Mutex
	executors map[string]Executor
}

// New constructs the governance service.
func New(store storage.GovernanceStore, power PowerSource, bus events.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("governance")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if cfg.VotingPeriod <= 0 {
		cfg.VotingPeriod = 72 * time.Hour
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	return &Service{store: store, power: power, bus: bus, cfg: cfg, log: log, now: time.Now, executors: map[string]Executor{}}
}

// RegisterExecutor installs the executor for a proposal kind.
func (s *Service) RegisterExecutor(kind string, fn Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[kind] = fn
}

// CreateProposal opens a proposal for voting.
func (s *Service) CreateProposal(ctx context.Context, req CreateRequest) (domain.Proposal, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Proposer = strings.ToLower(strings.TrimSpace(req.Proposer))
	if req.Kind == "" {
		req.Kind = domain.KindText
	}
	switch {
	case req.Title == "":
		return domain.Proposal{}, fmt.Errorf("title is required")
	case req.Proposer == "":
		return domain.Proposal{}, fmt.Errorf("proposer is required")
	}
	switch req.Kind {
	case domain.KindText:
	case domain.KindParameter, domain.KindTreasury:
		if len(req.Payload) == 0 {
			return domain.Proposal{}, fmt.Errorf("%s proposals require a payload", req.Kind)
		}
	default:
		return domain.Proposal{}, fmt.Errorf("unsupported proposal kind %q", req.Kind)
	}

	power, err := s.power.VotingPower(ctx, req.Proposer)
	if err != nil {
		return domain.Proposal{}, err
	}
	if power == 0 {
		return domain.Proposal{}, ErrNoVotingPower
	}

	now := s.now().UTC()
	p, err := s.store.SaveProposal(ctx, domain.Proposal{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Description:  strings.TrimSpace(req.Description),
		Proposer:     req.Proposer,
		Kind:         req.Kind,
		Payload:      req.Payload,
		Status:       domain.StatusActive,
		VotingEndsAt: now.Add(s.cfg.VotingPeriod),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	s.publish(ctx, "governance.proposal_created", p)
	s.log.WithField("proposal_id", p.ID).WithField("kind", p.Kind).Info("proposal created")
	return p, nil
}

// CastVote records a ballot. Voting power is captured now and never recomputed.
func (s *Service) CastVote(ctx context.Context, proposalID, voter, choice string) (domain.Vote, error) {
	voter = strings.ToLower(strings.TrimSpace(voter))
	choice = strings.ToLower(strings.TrimSpace(choice))
	if voter == "" {
		return domain.Vote{}, fmt.Errorf("voter is required")
	}
	switch choice {
	case domain.ChoiceYes, domain.ChoiceNo, domain.ChoiceAbstain:
	default:
		return domain.Vote{}, fmt.Errorf("choice must be yes, no or abstain")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Vote{}, err
	}
	now := s.now().UTC()
	if p.Status != domain.StatusActive || !now.Before(p.VotingEndsAt) {
		return domain.Vote{}, ErrVotingClosed
	}
	power, err := s.power.VotingPower(ctx, voter)
	if err != nil {
		return domain.Vote{}, err
	}
	if power == 0 {
		return domain.Vote{}, ErrNoVotingPower
	}

	vote, err := s.store.CreateVote(ctx, domain.Vote{
		ProposalID: p.ID,
		Voter:      voter,
		Choice:     choice,
		Power:      power,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if errors.Is(err, storage.ErrConflict) {
		return domain.Vote{}, ErrAlreadyVoted
	}
	if err != nil {
		return domain.Vote{}, err
	}

	switch choice {
	case domain.ChoiceYes:
		p.Tally.Yes += power
	case domain.ChoiceNo:
		p.Tally.No += power
	default:
		p.Tally.Abstain += power
	}
	p.Tally.Voters++
	p.UpdatedAt = now
	if _, err := s.store.SaveProposal(ctx, p); err != nil {
		return domain.Vote{}, err
	}
	s.publish(ctx, "governance.vote_cast", vote)
	return vote, nil
}

// Tick closes proposals whose voting period ended at or before now.
func (s *Service) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report TickReport
	active, err := s.store.ListProposals(ctx, domain.StatusActive)
	if err != nil {
		return report, err
	}
	var total uint64
	totalLoaded := false

	for _, p := range active {
		if now.Before(p.VotingEndsAt) {
			continue
		}
		if !totalLoaded {
			if total, err = s.power.TotalPower(ctx); err != nil {
				return report, err
			}
			totalLoaded = true
		}
		closedAt := now.UTC()
		p.ClosedAt = &closedAt
		p.TotalPowerAtEnd = total
		p.UpdatedAt = closedAt
		p.Status = s.decide(p.Tally, total)

		switch p.Status {
		case domain.StatusPassed:
			report.Passed++
			if exec, ok := s.executors[p.Kind]; ok {
				if err := exec(ctx, p); err != nil {
					p.ExecutionError = err.Error()
					s.log.WithError(err).WithField("proposal_id", p.ID).Warn("proposal execution failed")
				} else {
					p.Status = domain.StatusExecuted
					report.Executed++
				}
			}
		case domain.StatusRejected:
			report.Rejected++
		case domain.StatusExpired:
			report.Expired++
		}
		if _, err := s.store.SaveProposal(ctx, p); err != nil {
			return report, err
		}
		report.Closed++
		s.publish(ctx, "governance.proposal_"+p.Status, p)
	}
	if report.Closed > 0 {
		s.log.WithField("closed", report.Closed).WithField("passed", report.Passed).Info("governance tick")
	}
	return report, nil
}

// decide applies quorum then threshold. A proposal without ballots expires.
func (s *Service) decide(t domain.Tally, total uint64) string {
	if t.Voters == 0 {
		return domain.StatusExpired
	}
	if float64(t.Total()) < s.cfg.Quorum*float64(total) {
		return domain.StatusRejected
	}
	decisive := t.Yes + t.No
	if decisive == 0 || float64(t.Yes)/float64(decisive) < s.cfg.Threshold {
		return domain.StatusRejected
	}
	return domain.StatusPassed
}

// Get returns a proposal.
func (s *Service) Get(ctx context.Context, id string) (domain.Proposal, error) {
	return s.store.GetProposal(ctx, id)
}

// List returns proposals, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]domain.Proposal, error) {
	return s.store.ListProposals(ctx, status)
}

// ListVotes returns the ballots cast on a proposal.
func (s *Service) ListVotes(ctx context.Context, proposalID string) ([]domain.Vote, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return s.store.ListVotes(ctx, proposalID)
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish governance event")
	}
}
