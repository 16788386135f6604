// Package contracts deploys and executes script contracts in sandboxed goja
// runtimes with metered host calls.
package contracts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/quantumshield/backend/internal/app/domain/contract"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/metrics"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const (
	// DeployBaseGas and DeployGasPerByte price a deployment.
	DeployBaseGas    uint64 = 32000
	DeployGasPerByte uint64 = 200

	defaultGasLimit uint64 = 100_000
	maxCodeSize            = 64 * 1024
)

var (
	// ErrUnknownMethod is returned when a method is not in the contract ABI.
	ErrUnknownMethod = errors.New("unknown contract method")
	// ErrNoFunctions is returned when deployed code defines no callable function.
	ErrNoFunctions = errors.New("contract defines no functions")
)

// ExecuteRequest describes one method call.
type ExecuteRequest struct {
	ContractID string `json:"contract_id"`
	Caller     string `json:"caller"`
	Method     string `json:"method"`
	Args       []any  `json:"args,omitempty"`
	GasLimit   uint64 `json:"gas_limit,omitempty"`
}

// GasPayer charges deployment gas to the deployer's account and returns the
// fee taken.
type GasPayer interface {
	ChargeGas(ctx context.Context, address string, gas uint64) (uint64, error)
}

// Service deploys contracts and runs their methods.
type Service struct {
	store  storage.ContractStore
	payer  GasPayer
	bus    events.Publisher
	log    *logger.Logger
	budget time.Duration
	height func(context.Context) uint64
	now    func() time.Time

	mu sync.Mutex
}

// New constructs the contract service. budget bounds wall-clock time per run.
func New(store storage.ContractStore, bus events.Publisher, budget time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("contracts")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if budget <= 0 {
		budget = 250 * time.Millisecond
	}
	return &Service{
		store:  store,
		bus:    bus,
		log:    log,
		budget: budget,
		height: func(context.Context) uint64 { return 0 },
		now:    time.Now,
	}
}

// AttachHeight sets the source of ctx.block for calls made outside blocks.
func (s *Service) AttachHeight(fn func(context.Context) uint64) {
	if fn != nil {
		s.height = fn
	}
}

// AttachPayer sets the account deployments are charged to. Without one
// deployments are free.
func (s *Service) AttachPayer(p GasPayer) {
	s.payer = p
}

// DeployGas prices code of the given size.
func DeployGas(code string) uint64 {
	return DeployBaseGas + DeployGasPerByte*uint64(len(code))
}

// Deploy compiles code, runs its top level once to build initial state and
// derives the ABI from its top-level functions.
func (s *Service) Deploy(ctx context.Context, owner, name, code string) (contract.Contract, error) {
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	switch {
	case owner == "":
		return contract.Contract{}, fmt.Errorf("owner is required")
	case name == "":
		return contract.Contract{}, fmt.Errorf("name is required")
	case strings.TrimSpace(code) == "":
		return contract.Contract{}, fmt.Errorf("code is required")
	case len(code) > maxCodeSize:
		return contract.Contract{}, fmt.Errorf("code exceeds %d bytes", maxCodeSize)
	}

	prog, err := goja.Compile(name, code, true)
	if err != nil {
		return contract.Contract{}, fmt.Errorf("compile contract: %w", err)
	}
	id := uuid.NewString()
	sb := newSandbox(nil, id, owner, s.height(ctx), 0)
	if err := sb.load(prog, s.budget); err != nil {
		return contract.Contract{}, fmt.Errorf("initialise contract: %s", describe(err))
	}
	abi := sb.abi()
	if len(abi) == 0 {
		return contract.Contract{}, ErrNoFunctions
	}

	gas := DeployGas(code)
	var fee uint64
	if s.payer != nil {
		if fee, err = s.payer.ChargeGas(ctx, owner, gas); err != nil {
			return contract.Contract{}, fmt.Errorf("charge deploy gas: %w", err)
		}
	}

	sum := sha256.Sum256([]byte(code))
	now := s.now().UTC()
	c, err := s.store.SaveContract(ctx, contract.Contract{
		ID:        id,
		Owner:     owner,
		Name:      name,
		Code:      code,
		Bytecode:  hex.EncodeToString(sum[:]),
		ABI:       abi,
		State:     sb.state,
		DeployGas: gas,
		DeployFee: fee,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return contract.Contract{}, err
	}
	s.publish(ctx, "contract.deployed", map[string]any{"id": c.ID, "owner": c.Owner, "name": c.Name, "bytecode": c.Bytecode})
	s.log.WithField("contract_id", c.ID).WithField("methods", len(abi)).Info("contract deployed")
	return c, nil
}

// Execute runs a contract method. VM failures are reported in the returned
// Execution; the error is reserved for lookup and validation failures.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (contract.Execution, error) {
	return s.execute(ctx, req, s.height(ctx))
}

// ExecuteTx runs a method on behalf of a chain transaction and returns gas
// used. Any non-successful outcome is returned as an error.
func (s *Service) ExecuteTx(ctx context.Context, contractID, caller, method string, args []any, gasLimit, height uint64) (uint64, error) {
	exec, err := s.execute(ctx, ExecuteRequest{ContractID: contractID, Caller: caller, Method: method, Args: args, GasLimit: gasLimit}, height)
	if err != nil {
		return 0, err
	}
	if exec.Status != contract.StatusSuccess {
		return exec.GasUsed, fmt.Errorf("%s: %s", exec.Status, exec.Error)
	}
	return exec.GasUsed, nil
}

func (s *Service) execute(ctx context.Context, req ExecuteRequest, height uint64) (contract.Execution, error) {
	req.Method = strings.TrimSpace(req.Method)
	if req.Method == "" {
		return contract.Execution{}, fmt.Errorf("method is required")
	}
	if strings.TrimSpace(req.Caller) == "" {
		return contract.Execution{}, fmt.Errorf("caller is required")
	}
	if req.GasLimit == 0 {
		req.GasLimit = defaultGasLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.GetContract(ctx, req.ContractID)
	if err != nil {
		return contract.Execution{}, err
	}
	if !hasMethod(c.ABI, req.Method) {
		return contract.Execution{}, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
	}

	prog, err := goja.Compile(c.Name, c.Code, true)
	if err != nil {
		return contract.Execution{}, fmt.Errorf("compile contract: %w", err)
	}

	started := time.Now()
	sb := newSandbox(c.State, c.ID, req.Caller, height, req.GasLimit)
	sb.phase = phaseLoad
	var result any
	err = sb.load(prog, s.budget)
	if err == nil {
		result, err = sb.call(req.Method, req.Args, s.budget)
	}

	now := s.now().UTC()
	exec := contract.Execution{
		ID:          uuid.NewString(),
		ContractID:  c.ID,
		Caller:      req.Caller,
		Method:      req.Method,
		Args:        req.Args,
		Status:      contract.StatusSuccess,
		GasLimit:    req.GasLimit,
		GasUsed:     sb.gasUsed,
		BlockHeight: height,
		DurationMs:  time.Since(started).Milliseconds(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err != nil {
		exec.Status = classify(err)
		exec.Error = describe(err)
		if exec.Status == contract.StatusOutOfGas {
			exec.GasUsed = req.GasLimit
		}
	} else {
		exec.Result = result
		exec.Events = sb.events
		c.State = sb.state
		c.Executions++
		c.UpdatedAt = now
		if _, err := s.store.SaveContract(ctx, c); err != nil {
			return contract.Execution{}, err
		}
	}

	if exec, err = s.store.AddExecution(ctx, exec); err != nil {
		return contract.Execution{}, err
	}
	metrics.RecordContractExecution(exec.Status, exec.GasUsed)
	s.publish(ctx, "contract.executed", exec)
	return exec, nil
}

// Get returns a contract.
func (s *Service) Get(ctx context.Context, id string) (contract.Contract, error) {
	return s.store.GetContract(ctx, id)
}

// List returns contracts, optionally for one owner.
func (s *Service) List(ctx context.Context, owner string) ([]contract.Contract, error) {
	return s.store.ListContracts(ctx, owner)
}

// ListExecutions returns the newest executions of a contract.
func (s *Service) ListExecutions(ctx context.Context, contractID string, limit int) ([]contract.Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListExecutions(ctx, contractID, limit)
}

// State returns the committed key/value state of a contract.
func (s *Service) State(ctx context.Context, id string) (map[string]string, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State == nil {
		return map[string]string{}, nil
	}
	return c.State, nil
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish contract event")
	}
}

func hasMethod(abi []contract.Method, name string) bool {
	for _, m := range abi {
		if m.Name == name {
			return true
		}
	}
	return false
}
