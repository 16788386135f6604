package storage

import (
	"context"
	"errors"

	"github.com/quantumshield/backend/internal/app/domain/analytics"
	"github.com/quantumshield/backend/internal/app/domain/archive"
	"github.com/quantumshield/backend/internal/app/domain/certificate"
	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/domain/contract"
	"github.com/quantumshield/backend/internal/app/domain/defi"
	"github.com/quantumshield/backend/internal/app/domain/device"
	"github.com/quantumshield/backend/internal/app/domain/governance"
	"github.com/quantumshield/backend/internal/app/domain/market"
	"github.com/quantumshield/backend/internal/app/domain/pqkey"
	"github.com/quantumshield/backend/internal/app/domain/security"
	"github.com/quantumshield/backend/internal/app/domain/token"
	"github.com/quantumshield/backend/internal/app/domain/webhook"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when inserting a document whose id already exists.
	ErrConflict = errors.New("storage: conflict")
	// ErrBackend wraps failures of the underlying driver.
	ErrBackend  = errors.New("storage: backend failure")
)

// Filter narrows a List call. Equals matches top-level JSON fields; After
// keeps documents whose id sorts after the given value.
type Filter struct {
	Equals  map[string]any
	After   string
	Limit   int
	Reverse bool
}

// Backend is a schemaless document store. Documents are JSON objects keyed
// by (collection, id) and listed in insertion order.
type Backend interface {
	Insert(ctx context.Context, collection, id string, doc []byte) error
	Put(ctx context.Context, collection, id string, doc []byte) error
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string, filter Filter) ([][]byte, error)
	Close() error
}

// SecurityStore persists users, API keys and security events.
type SecurityStore interface {
	CreateUser(ctx context.Context, user security.User) (security.User, error)
	UpdateUser(ctx context.Context, user security.User) (security.User, error)
	GetUser(ctx context.Context, id string) (security.User, error)
	GetUserByUsername(ctx context.Context, username string) (security.User, error)
	ListUsers(ctx context.Context) ([]security.User, error)

	SaveAPIKey(ctx context.Context, key security.APIKey) (security.APIKey, error)
	GetAPIKey(ctx context.Context, id string) (security.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (security.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]security.APIKey, error)

	AddSecurityEvent(ctx context.Context, evt security.Event) (security.Event, error)
	ListSecurityEvents(ctx context.Context, userID string, limit int) ([]security.Event, error)
}

// DeviceStore persists devices and their telemetry, commands, rules and alerts.
type DeviceStore interface {
	CreateDevice(ctx context.Context, dev device.Device) (device.Device, error)
	UpdateDevice(ctx context.Context, dev device.Device) (device.Device, error)
	GetDevice(ctx context.Context, id string) (device.Device, error)
	ListDevices(ctx context.Context, owner string) ([]device.Device, error)

	AddTelemetry(ctx context.Context, reading device.Telemetry) (device.Telemetry, error)
	ListTelemetry(ctx context.Context, deviceID string, limit int) ([]device.Telemetry, error)

	SaveCommand(ctx context.Context, cmd device.Command) (device.Command, error)
	GetCommand(ctx context.Context, id string) (device.Command, error)
	ListCommands(ctx context.Context, deviceID, status string) ([]device.Command, error)

	SaveRule(ctx context.Context, rule device.Rule) (device.Rule, error)
	ListRules(ctx context.Context, deviceID string) ([]device.Rule, error)
	DeleteRule(ctx context.Context, id string) error

	AddAlert(ctx context.Context, alert device.Alert) (device.Alert, error)
	ListAlerts(ctx context.Context, deviceID string, limit int) ([]device.Alert, error)
}

// ChainHead points at the latest block.
type ChainHead struct {
	ID     string `json:"id"`
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// ChainStore persists blocks, transactions, accounts and wallets.
type ChainStore interface {
	InsertBlock(ctx context.Context, block chain.Block) (chain.Block, error)
	GetBlock(ctx context.Context, height uint64) (chain.Block, error)
	ListBlocks(ctx context.Context, fromHeight uint64, limit int) ([]chain.Block, error)
	GetHead(ctx context.Context) (ChainHead, error)
	SaveHead(ctx context.Context, head ChainHead) error

	SaveTransaction(ctx context.Context, tx chain.Transaction) (chain.Transaction, error)
	GetTransaction(ctx context.Context, hash string) (chain.Transaction, error)
	ListTransactions(ctx context.Context, status string, limit int) ([]chain.Transaction, error)

	SaveAccount(ctx context.Context, acct chain.Account) (chain.Account, error)
	GetAccount(ctx context.Context, address string) (chain.Account, error)
	ListAccounts(ctx context.Context) ([]chain.Account, error)

	CreateWallet(ctx context.Context, wallet chain.Wallet, key chain.WalletKey) (chain.Wallet, error)
	GetWallet(ctx context.Context, address string) (chain.Wallet, error)
	ListWallets(ctx context.Context, owner string) ([]chain.Wallet, error)
	GetWalletKey(ctx context.Context, address string) (chain.WalletKey, error)
}

// StakingStore persists validators, stake pools and delegations.
type StakingStore interface {
	SaveValidator(ctx context.Context, v chain.Validator) (chain.Validator, error)
	GetValidator(ctx context.Context, address string) (chain.Validator, error)
	ListValidators(ctx context.Context) ([]chain.Validator, error)

	SavePool(ctx context.Context, pool chain.StakePool) (chain.StakePool, error)
	GetPool(ctx context.Context, id string) (chain.StakePool, error)
	ListPools(ctx context.Context) ([]chain.StakePool, error)

	SaveDelegation(ctx context.Context, d chain.Delegation) (chain.Delegation, error)
	GetDelegation(ctx context.Context, poolID, delegator string) (chain.Delegation, error)
	DeleteDelegation(ctx context.Context, poolID, delegator string) error
	ListDelegations(ctx context.Context, poolID string) ([]chain.Delegation, error)
	ListDelegationsByDelegator(ctx context.Context, delegator string) ([]chain.Delegation, error)
}

// ContractStore persists contracts and execution records.
type ContractStore interface {
	SaveContract(ctx context.Context, c contract.Contract) (contract.Contract, error)
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	ListContracts(ctx context.Context, owner string) ([]contract.Contract, error)

	AddExecution(ctx context.Context, exec contract.Execution) (contract.Execution, error)
	ListExecutions(ctx context.Context, contractID string, limit int) ([]contract.Execution, error)
}

// GovernanceStore persists proposals and votes.
type GovernanceStore interface {
	SaveProposal(ctx context.Context, p governance.Proposal) (governance.Proposal, error)
	GetProposal(ctx context.Context, id string) (governance.Proposal, error)
	ListProposals(ctx context.Context, status string) ([]governance.Proposal, error)

	CreateVote(ctx context.Context, v governance.Vote) (governance.Vote, error)
	ListVotes(ctx context.Context, proposalID string) ([]governance.Vote, error)
}

// TokenStore persists tokens, balances and the ledger.
type TokenStore interface {
	CreateToken(ctx context.Context, t token.Token) (token.Token, error)
	UpdateToken(ctx context.Context, t token.Token) (token.Token, error)
	GetToken(ctx context.Context, symbol string) (token.Token, error)
	ListTokens(ctx context.Context) ([]token.Token, error)

	SaveBalance(ctx context.Context, b token.Balance) (token.Balance, error)
	GetBalance(ctx context.Context, symbol, address string) (token.Balance, error)
	ListBalances(ctx context.Context, symbol string) ([]token.Balance, error)
	ListBalancesByAddress(ctx context.Context, address string) ([]token.Balance, error)

	AppendLedger(ctx context.Context, entry token.LedgerEntry) (token.LedgerEntry, error)
	ListLedger(ctx context.Context, symbol string, limit int) ([]token.LedgerEntry, error)
}

// MarketStore persists listings and trades.
type MarketStore interface {
	SaveListing(ctx context.Context, l market.Listing) (market.Listing, error)
	GetListing(ctx context.Context, id string) (market.Listing, error)
	ListListings(ctx context.Context, status string) ([]market.Listing, error)

	AddTrade(ctx context.Context, t market.Trade) (market.Trade, error)
	ListTrades(ctx context.Context, listingID string) ([]market.Trade, error)
}

// DeFiStore persists liquidity pools, positions and swaps.
type DeFiStore interface {
	CreateLiquidityPool(ctx context.Context, p defi.Pool) (defi.Pool, error)
	UpdateLiquidityPool(ctx context.Context, p defi.Pool) (defi.Pool, error)
	GetLiquidityPool(ctx context.Context, id string) (defi.Pool, error)
	ListLiquidityPools(ctx context.Context) ([]defi.Pool, error)

	SavePosition(ctx context.Context, p defi.Position) (defi.Position, error)
	GetPosition(ctx context.Context, poolID, provider string) (defi.Position, error)
	ListPositions(ctx context.Context, poolID string) ([]defi.Position, error)

	AddSwap(ctx context.Context, s defi.Swap) (defi.Swap, error)
	ListSwaps(ctx context.Context, poolID string, limit int) ([]defi.Swap, error)
}

// AnalyticsStore persists fitted models.
type AnalyticsStore interface {
	AddModel(ctx context.Context, m analytics.Model) (analytics.Model, error)
	ListModels(ctx context.Context, deviceID, kind string) ([]analytics.Model, error)
}

// KeyStore persists post-quantum key records.
type KeyStore interface {
	SaveKey(ctx context.Context, k pqkey.KeyRecord) (pqkey.KeyRecord, error)
	GetKey(ctx context.Context, id string) (pqkey.KeyRecord, error)
	ListKeys(ctx context.Context, owner string) ([]pqkey.KeyRecord, error)
}

// WebhookStore persists subscriptions and deliveries.
type WebhookStore interface {
	SaveSubscription(ctx context.Context, s webhook.Subscription) (webhook.Subscription, error)
	GetSubscription(ctx context.Context, id string) (webhook.Subscription, error)
	ListSubscriptions(ctx context.Context, owner string) ([]webhook.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	SaveDelivery(ctx context.Context, d webhook.Delivery) (webhook.Delivery, error)
	GetDelivery(ctx context.Context, id string) (webhook.Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]webhook.Delivery, error)
	ListDeliveriesByStatus(ctx context.Context, status string) ([]webhook.Delivery, error)
}

// CertificateStore persists issued certificates including the CA pair.
type CertificateStore interface {
	SaveCertificate(ctx context.Context, c certificate.Certificate) (certificate.Certificate, error)
	GetCertificate(ctx context.Context, serial string) (certificate.Certificate, error)
	ListCertificates(ctx context.Context, usage string) ([]certificate.Certificate, error)
	DeleteCertificate(ctx context.Context, serial string) error
}

// ArchiveStore persists compressed blocks and archive periods.
type ArchiveStore interface {
	SaveCompressedBlock(ctx context.Context, b archive.CompressedBlock) (archive.CompressedBlock, error)
	GetCompressedBlock(ctx context.Context, height uint64) (archive.CompressedBlock, error)
	ListCompressedBlocks(ctx context.Context, day string) ([]archive.CompressedBlock, error)
	LatestCompressedBlock(ctx context.Context) (archive.CompressedBlock, error)

	CreatePeriod(ctx context.Context, p archive.Period) (archive.Period, error)
	UpdatePeriod(ctx context.Context, p archive.Period) (archive.Period, error)
	GetPeriod(ctx context.Context, day string) (archive.Period, error)
	ListPeriods(ctx context.Context) ([]archive.Period, error)
}
