package storage

import (
	"context"
	"strings"

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

// Collection names shared by every backend.
const (
	CollectionUsers            = "users"
	CollectionAPIKeys          = "api_keys"
	CollectionSecurityEvents   = "security_events"
	CollectionDevices          = "devices"
	CollectionTelemetry        = "telemetry"
	CollectionCommands         = "device_commands"
	CollectionRules            = "device_rules"
	CollectionAlerts           = "device_alerts"
	CollectionBlocks           = "blocks"
	CollectionChainMeta        = "chain_meta"
	CollectionTransactions     = "transactions"
	CollectionAccounts         = "accounts"
	CollectionWallets          = "wallets"
	CollectionWalletKeys       = "wallet_keys"
	CollectionValidators       = "validators"
	CollectionStakePools       = "stake_pools"
	CollectionDelegations      = "delegations"
	CollectionContracts        = "contracts"
	CollectionExecutions       = "contract_executions"
	CollectionProposals        = "proposals"
	CollectionVotes            = "votes"
	CollectionTokens           = "tokens"
	CollectionBalances         = "token_balances"
	CollectionLedger           = "token_ledger"
	CollectionListings         = "listings"
	CollectionTrades           = "trades"
	CollectionLiquidityPools   = "liquidity_pools"
	CollectionPositions        = "liquidity_positions"
	CollectionSwaps            = "swaps"
	CollectionModels           = "analytics_models"
	CollectionKeys             = "pq_keys"
	CollectionSubscriptions    = "webhook_subscriptions"
	CollectionDeliveries       = "webhook_deliveries"
	CollectionCertificates     = "certificates"
	CollectionCompressedBlocks = "compressed_blocks"
	CollectionArchivePeriods   = "archive_periods"
)

const headID = "head"

// Store implements every typed store interface over a single Backend.
type Store struct {
	backend Backend

	users       collection[security.User]
	apiKeys     collection[security.APIKey]
	secEvents   collection[security.Event]
	devices     collection[device.Device]
	telemetry   collection[device.Telemetry]
	commands    collection[device.Command]
	rules       collection[device.Rule]
	alerts      collection[device.Alert]
	blocks      collection[chain.Block]
	chainMeta   collection[ChainHead]
	txs         collection[chain.Transaction]
	accounts    collection[chain.Account]
	wallets     collection[chain.Wallet]
	walletKeys  collection[chain.WalletKey]
	validators  collection[chain.Validator]
	stakePools  collection[chain.StakePool]
	delegations collection[chain.Delegation]
	contracts   collection[contract.Contract]
	executions  collection[contract.Execution]
	proposals   collection[governance.Proposal]
	votes       collection[governance.Vote]
	tokens      collection[token.Token]
	balances    collection[token.Balance]
	ledger      collection[token.LedgerEntry]
	listings    collection[market.Listing]
	trades      collection[market.Trade]
	lpPools     collection[defi.Pool]
	positions   collection[defi.Position]
	swaps       collection[defi.Swap]
	models      collection[analytics.Model]
	keys        collection[pqkey.KeyRecord]
	subs        collection[webhook.Subscription]
	deliveries  collection[webhook.Delivery]
	certs       collection[certificate.Certificate]
	compressed  collection[archive.CompressedBlock]
	periods     collection[archive.Period]
}

var (
	_ SecurityStore    = (*Store)(nil)
	_ DeviceStore      = (*Store)(nil)
	_ ChainStore       = (*Store)(nil)
	_ StakingStore     = (*Store)(nil)
	_ ContractStore    = (*Store)(nil)
	_ GovernanceStore  = (*Store)(nil)
	_ TokenStore       = (*Store)(nil)
	_ MarketStore      = (*Store)(nil)
	_ DeFiStore        = (*Store)(nil)
	_ AnalyticsStore   = (*Store)(nil)
	_ KeyStore         = (*Store)(nil)
	_ WebhookStore     = (*Store)(nil)
	_ CertificateStore = (*Store)(nil)
	_ ArchiveStore     = (*Store)(nil)
)

// NewStore wraps backend with the typed store interfaces.
func NewStore(backend Backend) *Store {
	return &Store{
		backend:     backend,
		users:       newCollection(backend, CollectionUsers, func(v security.User) string { return v.ID }),
		apiKeys:     newCollection(backend, CollectionAPIKeys, func(v security.APIKey) string { return v.ID }),
		secEvents:   newCollection(backend, CollectionSecurityEvents, func(v security.Event) string { return v.ID }),
		devices:     newCollection(backend, CollectionDevices, func(v device.Device) string { return v.ID }),
		telemetry:   newCollection(backend, CollectionTelemetry, func(v device.Telemetry) string { return v.ID }),
		commands:    newCollection(backend, CollectionCommands, func(v device.Command) string { return v.ID }),
		rules:       newCollection(backend, CollectionRules, func(v device.Rule) string { return v.ID }),
		alerts:      newCollection(backend, CollectionAlerts, func(v device.Alert) string { return v.ID }),
		blocks:      newCollection(backend, CollectionBlocks, func(v chain.Block) string { return v.ID }),
		chainMeta:   newCollection(backend, CollectionChainMeta, func(v ChainHead) string { return v.ID }),
		txs:         newCollection(backend, CollectionTransactions, func(v chain.Transaction) string { return v.ID }),
		accounts:    newCollection(backend, CollectionAccounts, func(v chain.Account) string { return v.ID }),
		wallets:     newCollection(backend, CollectionWallets, func(v chain.Wallet) string { return v.ID }),
		walletKeys:  newCollection(backend, CollectionWalletKeys, func(v chain.WalletKey) string { return v.ID }),
		validators:  newCollection(backend, CollectionValidators, func(v chain.Validator) string { return v.ID }),
		stakePools:  newCollection(backend, CollectionStakePools, func(v chain.StakePool) string { return v.ID }),
		delegations: newCollection(backend, CollectionDelegations, func(v chain.Delegation) string { return v.ID }),
		contracts:   newCollection(backend, CollectionContracts, func(v contract.Contract) string { return v.ID }),
		executions:  newCollection(backend, CollectionExecutions, func(v contract.Execution) string { return v.ID }),
		proposals:   newCollection(backend, CollectionProposals, func(v governance.Proposal) string { return v.ID }),
		votes:       newCollection(backend, CollectionVotes, func(v governance.Vote) string { return v.ID }),
		tokens:      newCollection(backend, CollectionTokens, func(v token.Token) string { return v.ID }),
		balances:    newCollection(backend, CollectionBalances, func(v token.Balance) string { return v.ID }),
		ledger:      newCollection(backend, CollectionLedger, func(v token.LedgerEntry) string { return v.ID }),
		listings:    newCollection(backend, CollectionListings, func(v market.Listing) string { return v.ID }),
		trades:      newCollection(backend, CollectionTrades, func(v market.Trade) string { return v.ID }),
		lpPools:     newCollection(backend, CollectionLiquidityPools, func(v defi.Pool) string { return v.ID }),
		positions:   newCollection(backend, CollectionPositions, func(v defi.Position) string { return v.ID }),
		swaps:       newCollection(backend, CollectionSwaps, func(v defi.Swap) string { return v.ID }),
		models:      newCollection(backend, CollectionModels, func(v analytics.Model) string { return v.ID }),
		keys:        newCollection(backend, CollectionKeys, func(v pqkey.KeyRecord) string { return v.ID }),
		subs:        newCollection(backend, CollectionSubscriptions, func(v webhook.Subscription) string { return v.ID }),
		deliveries:  newCollection(backend, CollectionDeliveries, func(v webhook.Delivery) string { return v.ID }),
		certs:       newCollection(backend, CollectionCertificates, func(v certificate.Certificate) string { return v.ID }),
		compressed:  newCollection(backend, CollectionCompressedBlocks, func(v archive.CompressedBlock) string { return v.ID }),
		periods:     newCollection(backend, CollectionArchivePeriods, func(v archive.Period) string { return v.ID }),
	}
}

// Backend exposes the underlying document backend.
func (s *Store) Backend() Backend { return s.backend }

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

// SecurityStore implementation ------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, user security.User) (security.User, error) {
	return s.users.insert(ctx, user)
}

func (s *Store) UpdateUser(ctx context.Context, user security.User) (security.User, error) {
	return s.users.update(ctx, user)
}

func (s *Store) GetUser(ctx context.Context, id string) (security.User, error) {
	return s.users.get(ctx, id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (security.User, error) {
	users, err := s.users.list(ctx, Filter{Equals: where("username", strings.ToLower(username)), Limit: 1})
	if err != nil {
		return security.User{}, err
	}
	if len(users) == 0 {
		return security.User{}, notFound(CollectionUsers, username)
	}
	return users[0], nil
}

func (s *Store) ListUsers(ctx context.Context) ([]security.User, error) {
	return s.users.list(ctx, Filter{})
}

func (s *Store) SaveAPIKey(ctx context.Context, key security.APIKey) (security.APIKey, error) {
	return s.apiKeys.put(ctx, key)
}

func (s *Store) GetAPIKey(ctx context.Context, id string) (security.APIKey, error) {
	return s.apiKeys.get(ctx, id)
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (security.APIKey, error) {
	keys, err := s.apiKeys.list(ctx, Filter{Equals: where("hash", hash), Limit: 1})
	if err != nil {
		return security.APIKey{}, err
	}
	if len(keys) == 0 {
		return security.APIKey{}, notFound(CollectionAPIKeys, "by hash")
	}
	return keys[0], nil
}

func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]security.APIKey, error) {
	return s.apiKeys.list(ctx, Filter{Equals: where("user_id", userID)})
}

func (s *Store) AddSecurityEvent(ctx context.Context, evt security.Event) (security.Event, error) {
	return s.secEvents.insert(ctx, evt)
}

func (s *Store) ListSecurityEvents(ctx context.Context, userID string, limit int) ([]security.Event, error) {
	return s.secEvents.latest(ctx, where("user_id", userID), limit)
}

// DeviceStore implementation --------------------------------------------------

func (s *Store) CreateDevice(ctx context.Context, dev device.Device) (device.Device, error) {
	return s.devices.insert(ctx, dev)
}

func (s *Store) UpdateDevice(ctx context.Context, dev device.Device) (device.Device, error) {
	return s.devices.update(ctx, dev)
}

func (s *Store) GetDevice(ctx context.Context, id string) (device.Device, error) {
	return s.devices.get(ctx, id)
}

func (s *Store) ListDevices(ctx context.Context, owner string) ([]device.Device, error) {
	return s.devices.list(ctx, Filter{Equals: where("owner", owner)})
}

func (s *Store) AddTelemetry(ctx context.Context, reading device.Telemetry) (device.Telemetry, error) {
	return s.telemetry.insert(ctx, reading)
}

func (s *Store) ListTelemetry(ctx context.Context, deviceID string, limit int) ([]device.Telemetry, error) {
	return s.telemetry.latest(ctx, where("device_id", deviceID), limit)
}

func (s *Store) SaveCommand(ctx context.Context, cmd device.Command) (device.Command, error) {
	return s.commands.put(ctx, cmd)
}

func (s *Store) GetCommand(ctx context.Context, id string) (device.Command, error) {
	return s.commands.get(ctx, id)
}

func (s *Store) ListCommands(ctx context.Context, deviceID, status string) ([]device.Command, error) {
	equals := map[string]any{"device_id": deviceID}
	if status != "" {
		equals["status"] = status
	}
	return s.commands.list(ctx, Filter{Equals: equals})
}

func (s *Store) SaveRule(ctx context.Context, rule device.Rule) (device.Rule, error) {
	return s.rules.put(ctx, rule)
}

func (s *Store) ListRules(ctx context.Context, deviceID string) ([]device.Rule, error) {
	return s.rules.list(ctx, Filter{Equals: where("device_id", deviceID)})
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.rules.delete(ctx, id)
}

func (s *Store) AddAlert(ctx context.Context, alert device.Alert) (device.Alert, error) {
	return s.alerts.insert(ctx, alert)
}

func (s *Store) ListAlerts(ctx context.Context, deviceID string, limit int) ([]device.Alert, error) {
	return s.alerts.latest(ctx, where("device_id", deviceID), limit)
}

// ChainStore implementation ---------------------------------------------------

func (s *Store) InsertBlock(ctx context.Context, block chain.Block) (chain.Block, error) {
	block.ID = chain.BlockID(block.Height)
	return s.blocks.insert(ctx, block)
}

func (s *Store) GetBlock(ctx context.Context, height uint64) (chain.Block, error) {
	return s.blocks.get(ctx, chain.BlockID(height))
}

func (s *Store) ListBlocks(ctx context.Context, fromHeight uint64, limit int) ([]chain.Block, error) {
	filter := Filter{Limit: limit}
	if fromHeight > 0 {
		filter.After = chain.BlockID(fromHeight - 1)
	}
	return s.blocks.list(ctx, filter)
}

func (s *Store) GetHead(ctx context.Context) (ChainHead, error) {
	return s.chainMeta.get(ctx, headID)
}

func (s *Store) SaveHead(ctx context.Context, head ChainHead) error {
	head.ID = headID
	_, err := s.chainMeta.put(ctx, head)
	return err
}

func (s *Store) SaveTransaction(ctx context.Context, tx chain.Transaction) (chain.Transaction, error) {
	tx.ID = tx.Hash
	return s.txs.put(ctx, tx)
}

func (s *Store) GetTransaction(ctx context.Context, hash string) (chain.Transaction, error) {
	return s.txs.get(ctx, hash)
}

func (s *Store) ListTransactions(ctx context.Context, status string, limit int) ([]chain.Transaction, error) {
	return s.txs.list(ctx, Filter{Equals: where("status", status), Limit: limit})
}

func (s *Store) SaveAccount(ctx context.Context, acct chain.Account) (chain.Account, error) {
	acct.ID = acct.Address
	return s.accounts.put(ctx, acct)
}

func (s *Store) GetAccount(ctx context.Context, address string) (chain.Account, error) {
	return s.accounts.get(ctx, address)
}

func (s *Store) ListAccounts(ctx context.Context) ([]chain.Account, error) {
	return s.accounts.list(ctx, Filter{})
}

func (s *Store) CreateWallet(ctx context.Context, wallet chain.Wallet, key chain.WalletKey) (chain.Wallet, error) {
	wallet.ID = wallet.Address
	key.ID = wallet.Address
	if _, err := s.walletKeys.insert(ctx, key); err != nil {
		return chain.Wallet{}, err
	}
	return s.wallets.insert(ctx, wallet)
}

func (s *Store) GetWallet(ctx context.Context, address string) (chain.Wallet, error) {
	return s.wallets.get(ctx, address)
}

func (s *Store) ListWallets(ctx context.Context, owner string) ([]chain.Wallet, error) {
	return s.wallets.list(ctx, Filter{Equals: where("owner", owner)})
}

func (s *Store) GetWalletKey(ctx context.Context, address string) (chain.WalletKey, error) {
	return s.walletKeys.get(ctx, address)
}

// StakingStore implementation -------------------------------------------------

func (s *Store) SaveValidator(ctx context.Context, v chain.Validator) (chain.Validator, error) {
	v.ID = v.Address
	return s.validators.put(ctx, v)
}

func (s *Store) GetValidator(ctx context.Context, address string) (chain.Validator, error) {
	return s.validators.get(ctx, address)
}

func (s *Store) ListValidators(ctx context.Context) ([]chain.Validator, error) {
	return s.validators.list(ctx, Filter{})
}

func (s *Store) SavePool(ctx context.Context, pool chain.StakePool) (chain.StakePool, error) {
	return s.stakePools.put(ctx, pool)
}

func (s *Store) GetPool(ctx context.Context, id string) (chain.StakePool, error) {
	return s.stakePools.get(ctx, id)
}

func (s *Store) ListPools(ctx context.Context) ([]chain.StakePool, error) {
	return s.stakePools.list(ctx, Filter{})
}

func (s *Store) SaveDelegation(ctx context.Context, d chain.Delegation) (chain.Delegation, error) {
	d.ID = chain.DelegationID(d.PoolID, d.Delegator)
	return s.delegations.put(ctx, d)
}

func (s *Store) GetDelegation(ctx context.Context, poolID, delegator string) (chain.Delegation, error) {
	return s.delegations.get(ctx, chain.DelegationID(poolID, delegator))
}

func (s *Store) DeleteDelegation(ctx context.Context, poolID, delegator string) error {
	return s.delegations.delete(ctx, chain.DelegationID(poolID, delegator))
}

func (s *Store) ListDelegations(ctx context.Context, poolID string) ([]chain.Delegation, error) {
	return s.delegations.list(ctx, Filter{Equals: where("pool_id", poolID)})
}

func (s *Store) ListDelegationsByDelegator(ctx context.Context, delegator string) ([]chain.Delegation, error) {
	return s.delegations.list(ctx, Filter{Equals: map[string]any{"delegator": delegator}})
}

// ContractStore implementation ------------------------------------------------

func (s *Store) SaveContract(ctx context.Context, c contract.Contract) (contract.Contract, error) {
	return s.contracts.put(ctx, c)
}

func (s *Store) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	return s.contracts.get(ctx, id)
}

func (s *Store) ListContracts(ctx context.Context, owner string) ([]contract.Contract, error) {
	return s.contracts.list(ctx, Filter{Equals: where("owner", owner)})
}

func (s *Store) AddExecution(ctx context.Context, exec contract.Execution) (contract.Execution, error) {
	return s.executions.insert(ctx, exec)
}

func (s *Store) ListExecutions(ctx context.Context, contractID string, limit int) ([]contract.Execution, error) {
	return s.executions.latest(ctx, where("contract_id", contractID), limit)
}

// GovernanceStore implementation ----------------------------------------------

func (s *Store) SaveProposal(ctx context.Context, p governance.Proposal) (governance.Proposal, error) {
	return s.proposals.put(ctx, p)
}

func (s *Store) GetProposal(ctx context.Context, id string) (governance.Proposal, error) {
	return s.proposals.get(ctx, id)
}

func (s *Store) ListProposals(ctx context.Context, status string) ([]governance.Proposal, error) {
	return s.proposals.list(ctx, Filter{Equals: where("status", status)})
}

func (s *Store) CreateVote(ctx context.Context, v governance.Vote) (governance.Vote, error) {
	v.ID = governance.VoteID(v.ProposalID, v.Voter)
	return s.votes.insert(ctx, v)
}

func (s *Store) ListVotes(ctx context.Context, proposalID string) ([]governance.Vote, error) {
	return s.votes.list(ctx, Filter{Equals: map[string]any{"proposal_id": proposalID}})
}

// TokenStore implementation ---------------------------------------------------

func (s *Store) CreateToken(ctx context.Context, t token.Token) (token.Token, error) {
	t.ID = t.Symbol
	return s.tokens.insert(ctx, t)
}

func (s *Store) UpdateToken(ctx context.Context, t token.Token) (token.Token, error) {
	t.ID = t.Symbol
	return s.tokens.update(ctx, t)
}

func (s *Store) GetToken(ctx context.Context, symbol string) (token.Token, error) {
	return s.tokens.get(ctx, symbol)
}

func (s *Store) ListTokens(ctx context.Context) ([]token.Token, error) {
	return s.tokens.list(ctx, Filter{})
}

func (s *Store) SaveBalance(ctx context.Context, b token.Balance) (token.Balance, error) {
	b.ID = token.BalanceID(b.Symbol, b.Address)
	return s.balances.put(ctx, b)
}

func (s *Store) GetBalance(ctx context.Context, symbol, address string) (token.Balance, error) {
	return s.balances.get(ctx, token.BalanceID(symbol, address))
}

func (s *Store) ListBalances(ctx context.Context, symbol string) ([]token.Balance, error) {
	return s.balances.list(ctx, Filter{Equals: where("symbol", symbol)})
}

func (s *Store) ListBalancesByAddress(ctx context.Context, address string) ([]token.Balance, error) {
	return s.balances.list(ctx, Filter{Equals: map[string]any{"address": address}})
}

func (s *Store) AppendLedger(ctx context.Context, entry token.LedgerEntry) (token.LedgerEntry, error) {
	return s.ledger.insert(ctx, entry)
}

func (s *Store) ListLedger(ctx context.Context, symbol string, limit int) ([]token.LedgerEntry, error) {
	return s.ledger.latest(ctx, where("symbol", symbol), limit)
}

// MarketStore implementation --------------------------------------------------

func (s *Store) SaveListing(ctx context.Context, l market.Listing) (market.Listing, error) {
	return s.listings.put(ctx, l)
}

func (s *Store) GetListing(ctx context.Context, id string) (market.Listing, error) {
	return s.listings.get(ctx, id)
}

func (s *Store) ListListings(ctx context.Context, status string) ([]market.Listing, error) {
	return s.listings.list(ctx, Filter{Equals: where("status", status)})
}

func (s *Store) AddTrade(ctx context.Context, t market.Trade) (market.Trade, error) {
	return s.trades.insert(ctx, t)
}

func (s *Store) ListTrades(ctx context.Context, listingID string) ([]market.Trade, error) {
	return s.trades.list(ctx, Filter{Equals: where("listing_id", listingID)})
}

// DeFiStore implementation ----------------------------------------------------

func (s *Store) CreateLiquidityPool(ctx context.Context, p defi.Pool) (defi.Pool, error) {
	return s.lpPools.insert(ctx, p)
}

func (s *Store) UpdateLiquidityPool(ctx context.Context, p defi.Pool) (defi.Pool, error) {
	return s.lpPools.update(ctx, p)
}

func (s *Store) GetLiquidityPool(ctx context.Context, id string) (defi.Pool, error) {
	return s.lpPools.get(ctx, id)
}

func (s *Store) ListLiquidityPools(ctx context.Context) ([]defi.Pool, error) {
	return s.lpPools.list(ctx, Filter{})
}

func (s *Store) SavePosition(ctx context.Context, p defi.Position) (defi.Position, error) {
	p.ID = defi.PositionID(p.PoolID, p.Provider)
	return s.positions.put(ctx, p)
}

func (s *Store) GetPosition(ctx context.Context, poolID, provider string) (defi.Position, error) {
	return s.positions.get(ctx, defi.PositionID(poolID, provider))
}

func (s *Store) ListPositions(ctx context.Context, poolID string) ([]defi.Position, error) {
	return s.positions.list(ctx, Filter{Equals: where("pool_id", poolID)})
}

func (s *Store) AddSwap(ctx context.Context, sw defi.Swap) (defi.Swap, error) {
	return s.swaps.insert(ctx, sw)
}

func (s *Store) ListSwaps(ctx context.Context, poolID string, limit int) ([]defi.Swap, error) {
	return s.swaps.latest(ctx, where("pool_id", poolID), limit)
}

// AnalyticsStore implementation -----------------------------------------------

func (s *Store) AddModel(ctx context.Context, m analytics.Model) (analytics.Model, error) {
	return s.models.insert(ctx, m)
}

func (s *Store) ListModels(ctx context.Context, deviceID, kind string) ([]analytics.Model, error) {
	equals := map[string]any{"device_id": deviceID}
	if kind != "" {
		equals["kind"] = kind
	}
	return s.models.list(ctx, Filter{Equals: equals})
}

// KeyStore implementation -----------------------------------------------------

func (s *Store) SaveKey(ctx context.Context, k pqkey.KeyRecord) (pqkey.KeyRecord, error) {
	return s.keys.put(ctx, k)
}

func (s *Store) GetKey(ctx context.Context, id string) (pqkey.KeyRecord, error) {
	return s.keys.get(ctx, id)
}

func (s *Store) ListKeys(ctx context.Context, owner string) ([]pqkey.KeyRecord, error) {
	return s.keys.list(ctx, Filter{Equals: where("owner", owner)})
}

// WebhookStore implementation -------------------------------------------------

func (s *Store) SaveSubscription(ctx context.Context, sub webhook.Subscription) (webhook.Subscription, error) {
	return s.subs.put(ctx, sub)
}

func (s *Store) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	return s.subs.get(ctx, id)
}

func (s *Store) ListSubscriptions(ctx context.Context, owner string) ([]webhook.Subscription, error) {
	return s.subs.list(ctx, Filter{Equals: where("owner", owner)})
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	return s.subs.delete(ctx, id)
}

func (s *Store) SaveDelivery(ctx context.Context, d webhook.Delivery) (webhook.Delivery, error) {
	return s.deliveries.put(ctx, d)
}

func (s *Store) GetDelivery(ctx context.Context, id string) (webhook.Delivery, error) {
	return s.deliveries.get(ctx, id)
}

func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]webhook.Delivery, error) {
	return s.deliveries.latest(ctx, where("subscription_id", subscriptionID), limit)
}

func (s *Store) ListDeliveriesByStatus(ctx context.Context, status string) ([]webhook.Delivery, error) {
	return s.deliveries.list(ctx, Filter{Equals: where("status", status)})
}

// CertificateStore implementation ---------------------------------------------

func (s *Store) SaveCertificate(ctx context.Context, c certificate.Certificate) (certificate.Certificate, error) {
	c.ID = c.Serial
	return s.certs.put(ctx, c)
}

func (s *Store) GetCertificate(ctx context.Context, serial string) (certificate.Certificate, error) {
	return s.certs.get(ctx, serial)
}

func (s *Store) ListCertificates(ctx context.Context, usage string) ([]certificate.Certificate, error) {
	return s.certs.list(ctx, Filter{Equals: where("usage", usage)})
}

func (s *Store) DeleteCertificate(ctx context.Context, serial string) error {
	return s.certs.delete(ctx, serial)
}

// ArchiveStore implementation -------------------------------------------------

func (s *Store) SaveCompressedBlock(ctx context.Context, b archive.CompressedBlock) (archive.CompressedBlock, error) {
	b.ID = chain.BlockID(b.Height)
	return s.compressed.put(ctx, b)
}

func (s *Store) GetCompressedBlock(ctx context.Context, height uint64) (archive.CompressedBlock, error) {
	return s.compressed.get(ctx, chain.BlockID(height))
}

func (s *Store) ListCompressedBlocks(ctx context.Context, day string) ([]archive.CompressedBlock, error) {
	return s.compressed.list(ctx, Filter{Equals: where("day", day)})
}

func (s *Store) LatestCompressedBlock(ctx context.Context) (archive.CompressedBlock, error) {
	items, err := s.compressed.list(ctx, Filter{Limit: 1, Reverse: true})
	if err != nil {
		return archive.CompressedBlock{}, err
	}
	if len(items) == 0 {
		return archive.CompressedBlock{}, notFound(CollectionCompressedBlocks, "latest")
	}
	return items[0], nil
}

func (s *Store) CreatePeriod(ctx context.Context, p archive.Period) (archive.Period, error) {
	p.ID = p.Day
	return s.periods.insert(ctx, p)
}

func (s *Store) UpdatePeriod(ctx context.Context, p archive.Period) (archive.Period, error) {
	p.ID = p.Day
	return s.periods.update(ctx, p)
}

func (s *Store) GetPeriod(ctx context.Context, day string) (archive.Period, error) {
	return s.periods.get(ctx, day)
}

func (s *Store) ListPeriods(ctx context.Context) ([]archive.Period, error) {
	return s.periods.list(ctx, Filter{})
}
