// Package blockchain runs the node's simulated chain: custodial Dilithium
// wallets, a mempool, block production and chain verification.
package blockchain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/keyvault"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const (
	// TransferGas is the intrinsic gas of every transaction.
	TransferGas uint64 = 21000
	// DataGasPerByte is charged for each byte of transaction data.
	DataGasPerByte uint64 = 16

	walletKeyPurpose = "wallet-key"
	nodeWalletOwner  = "system"
	nodeWalletLabel  = "node"
)

var (
	// ErrInsufficientBalance is returned when an account cannot cover a debit.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidNonce is returned when a transaction nonce is not the next expected one.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrInvalidSignature is returned when a transaction signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNotStarted is returned before Start has loaded the node key.
	ErrNotStarted = errors.New("blockchain not started")
)

// Config holds chain parameters. Governance may change them at runtime.
type Config struct {
	BlockGasLimit uint64
	GasPrice      uint64
	BlockReward   uint64
	Premine       uint64
}

// ValidatorSet supplies proposer candidates and records proposals.
type ValidatorSet interface {
	EligibleValidators(ctx context.Context) ([]chain.Validator, error)
	RecordProposal(ctx context.Context, address string) error
}

// ContractExecutor runs contract calls included in blocks and returns gas used.
type ContractExecutor interface {
	ExecuteTx(ctx context.Context, contractID, caller, method string, args []any, gasLimit, height uint64) (uint64, error)
}

// SubmitRequest describes a transaction to queue.
type SubmitRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Data      string `json:"data,omitempty"`
	GasLimit  uint64 `json:"gas_limit"`
	Signature string `json:"signature,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// ContractCall is the JSON carried in the data field of contract transactions.
type ContractCall struct {
	Method string `json:"method"`
	Args   []any  `json:"args,omitempty"`
}

// Service owns chain state. All balance mutations go through its mutex.
type Service struct {
	store  storage.ChainStore
	sealer *keyvault.Sealer
	bus    events.Publisher
	log    *logger.Logger
	now    func() time.Time

	mu         sync.Mutex
	cfg        Config
	node       keyPair
	started    bool
	validators ValidatorSet
	contracts  ContractExecutor
}

// New constructs the chain service.
func New(store storage.ChainStore, sealer *keyvault.Sealer, bus events.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("blockchain")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if sealer == nil {
		sealer = keyvault.NewEphemeral()
	}
	if cfg.BlockGasLimit == 0 {
		cfg.BlockGasLimit = 8_000_000
	}
	return &Service{store: store, sealer: sealer, bus: bus, cfg: cfg, log: log, now: time.Now}
}

// AttachValidators sets the proposer source. Without one the node proposes.
func (s *Service) AttachValidators(vs ValidatorSet) {
	s.mu.Lock()
	s.validators = vs
	s.mu.Unlock()
}

// AttachContracts sets the executor used for contract transactions.
func (s *Service) AttachContracts(ce ContractExecutor) {
	s.mu.Lock()
	s.contracts = ce
	s.mu.Unlock()
}

// Name implements system.Service.
func (s *Service) Name() string { return "blockchain" }

// Start loads or creates the node key and writes the genesis block.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	node, err := s.loadNodeKey(ctx)
	if err != nil {
		return err
	}
	s.node = node

	if _, err := s.store.GetHead(ctx); errors.Is(err, storage.ErrNotFound) {
		if err := s.writeGenesis(ctx); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("load chain head: %w", err)
	}
	s.started = true
	s.log.WithField("node", node.address()).Info("blockchain started")
	return nil
}

// Stop implements system.Service.
func (s *Service) Stop(context.Context) error { return nil }

func (s *Service) loadNodeKey(ctx context.Context) (keyPair, error) {
	wallets, err := s.store.ListWallets(ctx, nodeWalletOwner)
	if err != nil {
		return keyPair{}, err
	}
	for _, w := range wallets {
		if w.Label != nodeWalletLabel {
			continue
		}
		return s.walletKeyPair(ctx, w.Address)
	}
	kp, _, err := s.newWallet(ctx, nodeWalletOwner, nodeWalletLabel)
	return kp, err
}

func (s *Service) writeGenesis(ctx context.Context) error {
	now := s.now().UTC()
	addr := s.node.address()
	if s.cfg.Premine > 0 {
		if _, err := s.store.SaveAccount(ctx, chain.Account{Address: addr, Balance: s.cfg.Premine, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
	}
	genesis := chain.Block{
		Height:       0,
		PrevHash:     strings.Repeat("0", 64),
		MerkleRoot:   MerkleRoot(nil),
		Proposer:     addr,
		Timestamp:    now,
		Transactions: []chain.Transaction{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.seal(&genesis)
	if _, err := s.store.InsertBlock(ctx, genesis); err != nil {
		return fmt.Errorf("insert genesis: %w", err)
	}
	if err := s.store.SaveHead(ctx, storage.ChainHead{Height: 0, Hash: genesis.Hash}); err != nil {
		return err
	}
	s.log.WithField("premine", s.cfg.Premine).Info("genesis block written")
	return nil
}

// NodeAddress is the address of the node's signing key.
func (s *Service) NodeAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ""
	}
	return s.node.address()
}

// Params returns the current chain parameters.
func (s *Service) Params() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetParam updates a chain parameter by name.
func (s *Service) SetParam(name, value string) error {
	var v uint64
	if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &v); err != nil {
		return fmt.Errorf("parameter %s: value must be an unsigned integer", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "block_gas_limit":
		if v < TransferGas {
			return fmt.Errorf("block_gas_limit must be at least %d", TransferGas)
		}
		s.cfg.BlockGasLimit = v
	case "gas_price":
		s.cfg.GasPrice = v
	case "block_reward":
		s.cfg.BlockReward = v
	default:
		return fmt.Errorf("unknown chain parameter %q", name)
	}
	s.log.WithField("param", name).WithField("value", v).Info("chain parameter updated")
	return nil
}

// CreateWallet generates a custodial Dilithium3 key pair.
func (s *Service) CreateWallet(ctx context.Context, owner, label string) (chain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, wallet, err := s.newWallet(ctx, strings.TrimSpace(owner), strings.TrimSpace(label))
	if err != nil {
		return chain.Wallet{}, err
	}
	s.log.WithField("address", wallet.Address).Info("wallet created")
	return wallet, nil
}

func (s *Service) newWallet(ctx context.Context, owner, label string) (keyPair, chain.Wallet, error) {
	kp, err := generateKeyPair()
	if err != nil {
		return keyPair{}, chain.Wallet{}, err
	}
	raw, err := kp.priv.MarshalBinary()
	if err != nil {
		return keyPair{}, chain.Wallet{}, fmt.Errorf("encode private key: %w", err)
	}
	sealed, err := s.sealer.Seal(walletKeyPurpose, raw)
	if err != nil {
		return keyPair{}, chain.Wallet{}, err
	}
	now := s.now().UTC()
	wallet, err := s.store.CreateWallet(ctx, chain.Wallet{
		Address:   kp.address(),
		PublicKey: hex.EncodeToString(kp.pub.Bytes()),
		Owner:     owner,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}, chain.WalletKey{SealedKey: sealed, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return keyPair{}, chain.Wallet{}, err
	}
	return kp, wallet, nil
}

func (s *Service) walletKeyPair(ctx context.Context, address string) (keyPair, error) {
	key, err := s.store.GetWalletKey(ctx, address)
	if err != nil {
		return keyPair{}, err
	}
	raw, err := s.sealer.Open(walletKeyPurpose, key.SealedKey)
	if err != nil {
		return keyPair{}, fmt.Errorf("open wallet key %s: %w", address, err)
	}
	return parsePrivateKey(raw)
}

// GetWallet returns the public wallet record.
func (s *Service) GetWallet(ctx context.Context, address string) (chain.Wallet, error) {
	return s.store.GetWallet(ctx, address)
}

// ListWallets returns wallets, optionally for one owner.
func (s *Service) ListWallets(ctx context.Context, owner string) ([]chain.Wallet, error) {
	return s.store.ListWallets(ctx, owner)
}

// IntrinsicGas is the gas charged before any contract execution.
func IntrinsicGas(data string) uint64 {
	return TransferGas + DataGasPerByte*uint64(len(data))
}

// SubmitTransaction validates a transaction and queues it in the mempool.
// Without a signature the custodial key of the sender signs it.
func (s *Service) SubmitTransaction(ctx context.Context, req SubmitRequest) (chain.Transaction, error) {
	req.From = strings.ToLower(strings.TrimSpace(req.From))
	req.To = strings.TrimSpace(req.To)
	if req.Kind == "" {
		req.Kind = chain.KindTransfer
	}
	switch {
	case req.From == "":
		return chain.Transaction{}, fmt.Errorf("from is required")
	case req.To == "":
		return chain.Transaction{}, fmt.Errorf("to is required")
	case req.Kind != chain.KindTransfer && req.Kind != chain.KindContract:
		return chain.Transaction{}, fmt.Errorf("unsupported transaction kind %q", req.Kind)
	case req.Kind == chain.KindTransfer && req.Amount == 0:
		return chain.Transaction{}, fmt.Errorf("amount must be positive")
	case req.From == strings.ToLower(req.To):
		return chain.Transaction{}, fmt.Errorf("sender and recipient must differ")
	}
	if req.Kind == chain.KindContract {
		var call ContractCall
		if err := json.Unmarshal([]byte(req.Data), &call); err != nil || call.Method == "" {
			return chain.Transaction{}, fmt.Errorf("contract transactions carry {\"method\",\"args\"} data")
		}
	} else {
		req.To = strings.ToLower(req.To)
	}
	if req.GasLimit == 0 {
		req.GasLimit = IntrinsicGas(req.Data)
	}
	if req.GasLimit < IntrinsicGas(req.Data) {
		return chain.Transaction{}, fmt.Errorf("gas limit below intrinsic gas %d", IntrinsicGas(req.Data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return chain.Transaction{}, ErrNotStarted
	}
	if req.GasLimit > s.cfg.BlockGasLimit {
		return chain.Transaction{}, fmt.Errorf("gas limit exceeds block gas limit %d", s.cfg.BlockGasLimit)
	}

	acct, err := s.account(ctx, req.From)
	if err != nil {
		return chain.Transaction{}, err
	}
	if req.Nonce != acct.Nonce {
		return chain.Transaction{}, fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, acct.Nonce, req.Nonce)
	}
	maxFee := req.GasLimit * s.cfg.GasPrice
	if acct.Balance < req.Amount+maxFee {
		return chain.Transaction{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, req.Amount+maxFee, acct.Balance)
	}

	now := s.now().UTC()
	tx := chain.Transaction{
		Kind:        req.Kind,
		From:        req.From,
		To:          req.To,
		Amount:      req.Amount,
		Nonce:       req.Nonce,
		Data:        req.Data,
		GasLimit:    req.GasLimit,
		GasPrice:    s.cfg.GasPrice,
		Status:      chain.TxPending,
		SubmittedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx.Hash = TxHash(tx)
	digest, _ := hex.DecodeString(tx.Hash)

	if req.Signature != "" {
		wallet, err := s.store.GetWallet(ctx, req.From)
		if err != nil {
			return chain.Transaction{}, fmt.Errorf("%w: no public key for %s", ErrInvalidSignature, req.From)
		}
		if !verifySignature(wallet.PublicKey, digest, req.Signature) {
			return chain.Transaction{}, ErrInvalidSignature
		}
		tx.Signature = req.Signature
	} else {
		kp, err := s.walletKeyPair(ctx, req.From)
		if err != nil {
			return chain.Transaction{}, fmt.Errorf("%w: signature required for non-custodial sender", ErrInvalidSignature)
		}
		tx.Signature = kp.sign(digest)
	}

	acct.Nonce++
	acct.UpdatedAt = now
	if _, err := s.store.SaveAccount(ctx, acct); err != nil {
		return chain.Transaction{}, err
	}
	if tx, err = s.store.SaveTransaction(ctx, tx); err != nil {
		return chain.Transaction{}, err
	}
	s.publish(ctx, "tx.submitted", tx)
	return tx, nil
}

// SignDigest signs a transaction hash with a custodial wallet key. Clients
// use it to build externally signed submissions.
func (s *Service) SignDigest(ctx context.Context, address, txHash string) (string, error) {
	digest, err := hex.DecodeString(txHash)
	if err != nil {
		return "", fmt.Errorf("tx hash must be hex")
	}
	kp, err := s.walletKeyPair(ctx, address)
	if err != nil {
		return "", err
	}
	return kp.sign(digest), nil
}

// GetTransaction returns a transaction by hash.
func (s *Service) GetTransaction(ctx context.Context, hash string) (chain.Transaction, error) {
	return s.store.GetTransaction(ctx, strings.ToLower(strings.TrimSpace(hash)))
}

// ListTransactions returns transactions, optionally filtered by status.
func (s *Service) ListTransactions(ctx context.Context, status string, limit int) ([]chain.Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListTransactions(ctx, status, limit)
}

// Mempool returns pending transactions in submission order.
func (s *Service) Mempool(ctx context.Context) ([]chain.Transaction, error) {
	txs, err := s.store.ListTransactions(ctx, chain.TxPending, 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].SubmittedAt.Equal(txs[j].SubmittedAt) {
			return txs[i].SubmittedAt.Before(txs[j].SubmittedAt)
		}
		return txs[i].Hash < txs[j].Hash
	})
	return txs, nil
}

// Balance returns the account of address. Unknown addresses have a zero balance.
func (s *Service) Balance(ctx context.Context, address string) (chain.Account, error) {
	return s.account(ctx, strings.ToLower(strings.TrimSpace(address)))
}

// ListAccounts returns every known account.
func (s *Service) ListAccounts(ctx context.Context) ([]chain.Account, error) {
	return s.store.ListAccounts(ctx)
}

// Fund transfers amount from the node treasury to address outside a block.
func (s *Service) Fund(ctx context.Context, address string, amount uint64) (chain.Account, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return chain.Account{}, fmt.Errorf("address is required")
	}
	if amount == 0 {
		return chain.Account{}, fmt.Errorf("amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return chain.Account{}, ErrNotStarted
	}
	if err := s.debit(ctx, s.node.address(), amount); err != nil {
		return chain.Account{}, err
	}
	return s.credit(ctx, address, amount)
}

// ChargeGas debits gas at the current gas price from address and pays it to
// the node treasury. It returns the fee charged.
func (s *Service) ChargeGas(ctx context.Context, address string, gas uint64) (uint64, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0, ErrNotStarted
	}
	fee := gas * s.cfg.GasPrice
	if fee == 0 {
		return 0, nil
	}
	if err := s.debit(ctx, address, fee); err != nil {
		return 0, err
	}
	if _, err := s.credit(ctx, s.node.address(), fee); err != nil {
		return 0, err
	}
	return fee, nil
}

// Debit removes amount from address. Staking and other ledgers use it to
// lock native coins.
func (s *Service) Debit(ctx context.Context, address string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debit(ctx, strings.ToLower(address), amount)
}

// Credit adds amount to address.
func (s *Service) Credit(ctx context.Context, address string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.credit(ctx, strings.ToLower(address), amount)
	return err
}

func (s *Service) account(ctx context.Context, address string) (chain.Account, error) {
	acct, err := s.store.GetAccount(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		now := s.now().UTC()
		return chain.Account{Address: address, CreatedAt: now, UpdatedAt: now}, nil
	}
	return acct, err
}

func (s *Service) debit(ctx context.Context, address string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	acct, err := s.account(ctx, address)
	if err != nil {
		return err
	}
	if acct.Balance < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, address, acct.Balance, amount)
	}
	acct.Balance -= amount
	acct.UpdatedAt = s.now().UTC()
	_, err = s.store.SaveAccount(ctx, acct)
	return err
}

func (s *Service) credit(ctx context.Context, address string, amount uint64) (chain.Account, error) {
	acct, err := s.account(ctx, address)
	if err != nil {
		return chain.Account{}, err
	}
	acct.Balance += amount
	acct.UpdatedAt = s.now().UTC()
	return s.store.SaveAccount(ctx, acct)
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish chain event")
	}
}
