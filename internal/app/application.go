package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	govdomain "github.com/quantumshield/backend/internal/app/domain/governance"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/keyvault"
	"github.com/quantumshield/backend/internal/app/services/analytics"
	"github.com/quantumshield/backend/internal/app/services/archive"
	"github.com/quantumshield/backend/internal/app/services/blockchain"
	"github.com/quantumshield/backend/internal/app/services/contracts"
	"github.com/quantumshield/backend/internal/app/services/defi"
	"github.com/quantumshield/backend/internal/app/services/devices"
	"github.com/quantumshield/backend/internal/app/services/governance"
	"github.com/quantumshield/backend/internal/app/services/marketplace"
	"github.com/quantumshield/backend/internal/app/services/pki"
	"github.com/quantumshield/backend/internal/app/services/pqcrypto"
	"github.com/quantumshield/backend/internal/app/services/security"
	"github.com/quantumshield/backend/internal/app/services/staking"
	"github.com/quantumshield/backend/internal/app/services/tokens"
	"github.com/quantumshield/backend/internal/app/services/webhooks"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/internal/app/system"
	"github.com/quantumshield/backend/internal/config"
	"github.com/quantumshield/backend/pkg/logger"
)

// Application ties domain services together and manages their lifecycle.
type Application struct {
	cfg       *config.Config
	log       *logger.Logger
	backend   storage.Backend
	manager   *system.Manager
	startedAt time.Time

	Bus      *events.Bus
	Jobs     *system.JobRunner
	Audience *Audience

	Security    *security.Service
	Devices     *devices.Service
	Chain       *blockchain.Service
	Staking     *staking.Service
	Contracts   *contracts.Service
	Governance  *governance.Service
	Tokens      *tokens.Service
	Marketplace *marketplace.Service
	DeFi        *defi.Service
	Analytics   *analytics.Service
	Crypto      *pqcrypto.Service
	Webhooks    *webhooks.Service
	PKI         *pki.Service
	Archive     *archive.Service
}

// New builds a fully initialised application over backend. A nil backend
// uses the in-memory store.
func New(cfg *config.Config, backend storage.Backend, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if backend == nil {
		backend = memory.New()
	}

	sealer, err := newSealer(cfg.Security.MasterKey, log)
	if err != nil {
		return nil, err
	}

	store := storage.NewStore(backend)
	bus := events.NewBus(log.Named("events"))

	securitySvc := security.New(store, bus, security.Config{
		JWTSecret:      cfg.Auth.JWTSecret,
		TokenTTL:       cfg.Auth.TokenTTL,
		MaxFailedLogin: cfg.Security.MaxFailedLogin,
		LockoutPeriod:  cfg.Security.LockoutPeriod,
		TOTPIssuer:     cfg.Security.TOTPIssuer,
	}, log.Named("security"))
	deviceSvc := devices.New(store, bus, log.Named("devices"))

	chainSvc := blockchain.New(store, sealer, bus, blockchain.Config{
		BlockGasLimit: cfg.Chain.BlockGasLimit,
		GasPrice:      cfg.Chain.GasPrice,
		BlockReward:   cfg.Chain.BlockReward,
		Premine:       cfg.Chain.Premine,
	}, log.Named("blockchain"))
	stakingSvc := staking.New(store, chainSvc, bus, staking.Config{
		MinValidatorStake: cfg.Chain.MinValidatorStk,
		EpochReward:       cfg.Chain.EpochReward,
	}, log.Named("staking"))
	contractSvc := contracts.New(store, bus, 0, log.Named("contracts"))
	chainSvc.AttachValidators(stakingSvc)
	chainSvc.AttachContracts(contractSvc)
	contractSvc.AttachPayer(chainSvc)

	tokenSvc := tokens.New(store, bus, log.Named("tokens"))
	governanceSvc := governance.New(store, governance.Power{Chain: chainSvc, Stake: stakingSvc, Assets: tokenSvc}, bus, governance.Config{
		VotingPeriod: cfg.Governance.VotingPeriod,
		Quorum:       cfg.Governance.Quorum,
		Threshold:    cfg.Governance.Threshold,
	}, log.Named("governance"))
	registerExecutors(governanceSvc, chainSvc)

	marketSvc := marketplace.New(store, tokenSvc, bus, marketplace.Config{}, log.Named("marketplace"))
	defiSvc := defi.New(store, tokenSvc, bus, log.Named("defi"))
	analyticsSvc := analytics.New(store, deviceSvc, chainSvc, stakingSvc, log.Named("analytics"))
	cryptoSvc := pqcrypto.New(store, sealer, log.Named("pqcrypto"))

	webhookSvc := webhooks.New(store, &http.Client{Timeout: cfg.Webhooks.Timeout}, webhooks.Config{Timeout: cfg.Webhooks.Timeout}, log.Named("webhooks"))
	audience := NewAudience(store)
	webhookSvc.AttachAudience(audience)
	pkiSvc := pki.New(store, deviceSvc, sealer, bus, pki.Config{}, log.Named("pki"))
	archiveSvc, err := archive.New(store, chainSvc, bus, log.Named("archive"))
	if err != nil {
		return nil, err
	}

	a := &Application{
		cfg:         cfg,
		log:         log,
		backend:     backend,
		manager:     system.NewManager(),
		Bus:         bus,
		Audience:    audience,
		Jobs:        system.NewJobRunner(0, log.Named("jobs")),
		Security:    securitySvc,
		Devices:     deviceSvc,
		Chain:       chainSvc,
		Staking:     stakingSvc,
		Contracts:   contractSvc,
		Governance:  governanceSvc,
		Tokens:      tokenSvc,
		Marketplace: marketSvc,
		DeFi:        defiSvc,
		Analytics:   analyticsSvc,
		Crypto:      cryptoSvc,
		Webhooks:    webhookSvc,
		PKI:         pkiSvc,
		Archive:     archiveSvc,
	}
	if err := a.registerJobs(cfg.Jobs, cfg.Devices); err != nil {
		return nil, err
	}

	for _, svc := range []system.Service{
		chainSvc,
		webhooks.NewDispatcher(webhookSvc, bus, log.Named("webhooks")),
		a.Jobs,
	} {
		if err := a.manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return a, nil
}

func newSealer(masterKey string, log *logger.Logger) (*keyvault.Sealer, error) {
	if masterKey == "" {
		log.Warn("QS_MASTER_KEY not set; using an ephemeral key, sealed secrets will not survive restart")
		return keyvault.NewEphemeral(), nil
	}
	key, err := keyvault.ParseMasterKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("parse master key: %w", err)
	}
	return keyvault.New(key)
}

// registerExecutors applies passed parameter and treasury proposals to the
// chain. Parameter payloads map parameter names to values; treasury
// payloads carry "to" and "amount".
func registerExecutors(gov *governance.Service, chain *blockchain.Service) {
	gov.RegisterExecutor(govdomain.KindParameter, func(_ context.Context, p govdomain.Proposal) error {
		for name, value := range p.Payload {
			if err := chain.SetParam(name, value); err != nil {
				return err
			}
		}
		return nil
	})
	gov.RegisterExecutor(govdomain.KindTreasury, func(ctx context.Context, p govdomain.Proposal) error {
		to := p.Payload["to"]
		if to == "" {
			return fmt.Errorf("treasury payload requires to")
		}
		amount, err := strconv.ParseUint(p.Payload["amount"], 10, 64)
		if err != nil || amount == 0 {
			return fmt.Errorf("treasury payload requires a positive amount")
		}
		_, err = chain.Fund(ctx, to, amount)
		return err
	})
}

// Config returns the configuration the application was built with.
func (a *Application) Config() *config.Config { return a.cfg }

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start seeds the configured admin account and begins all registered
// services.
func (a *Application) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	if err := a.Security.EnsureAdmin(ctx, a.cfg.Security.AdminUsername, a.cfg.Security.AdminPassword); err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	return a.manager.Start(ctx)
}

// Stop stops all services, then closes the bus and the storage backend.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if cerr := a.Bus.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := a.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Health reports process state and registered services.
func (a *Application) Health(ctx context.Context) system.HealthReport {
	return system.Health(ctx, a.startedAt, a.manager, a.Jobs)
}
