package chain

import (
	"fmt"
	"time"
)

// Transaction states.
const (
	TxPending = "pending"
	TxApplied = "applied"
	TxFailed  = "failed"
)

// Transaction kinds.
const (
	KindTransfer = "transfer"
	KindContract = "contract"
)

// Block is a sealed block with its transactions embedded.
type Block struct {
	ID           string        `json:"id"`
	Height       uint64        `json:"height"`
	Hash         string        `json:"hash"`
	PrevHash     string        `json:"prev_hash"`
	MerkleRoot   string        `json:"merkle_root"`
	Proposer     string        `json:"proposer"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	GasUsed      uint64        `json:"gas_used"`
	Fees         uint64        `json:"fees"`
	Reward       uint64        `json:"reward"`
	Signature    string        `json:"signature"`
	SignerKey    string        `json:"signer_key"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// BlockID formats a height as a sortable document id.
func BlockID(height uint64) string {
	return fmt.Sprintf("%020d", height)
}

// Transaction is a value transfer or contract call submitted to the mempool.
type Transaction struct {
	ID          string    `json:"id"`
	Hash        string    `json:"hash"`
	Kind        string    `json:"kind"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      uint64    `json:"amount"`
	Nonce       uint64    `json:"nonce"`
	Data        string    `json:"data,omitempty"`
	GasLimit    uint64    `json:"gas_limit"`
	GasPrice    uint64    `json:"gas_price"`
	GasUsed     uint64    `json:"gas_used"`
	Signature   string    `json:"signature,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	BlockHeight uint64    `json:"block_height"`
	SubmittedAt time.Time `json:"submitted_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Account is the on-chain balance and next expected nonce of an address.
type Account struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Balance   uint64    `json:"balance"`
	Nonce     uint64    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Wallet is the public half of a custodial Dilithium key pair.
type Wallet struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	PublicKey string    `json:"public_key"`
	Owner     string    `json:"owner,omitempty"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletKey holds a wallet private key sealed under the master key. It is
// stored apart from Wallet and never leaves the service.
type WalletKey struct {
	ID        string    `json:"id"`
	SealedKey string    `json:"sealed_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validator is a staked block proposer.
type Validator struct {
	ID             string     `json:"id"`
	Address        string     `json:"address"`
	Stake          uint64     `json:"stake"`
	Delegated      uint64     `json:"delegated"`
	CommissionBps  uint64     `json:"commission_bps"`
	Reputation     int        `json:"reputation"`
	Active         bool       `json:"active"`
	Jailed         bool       `json:"jailed"`
	JailedAt       *time.Time `json:"jailed_at,omitempty"`
	BlocksProposed uint64     `json:"blocks_proposed"`
	SlashedTotal   uint64     `json:"slashed_total"`
	RewardsEarned  uint64     `json:"rewards_earned"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Weight is the stake counted for proposer selection.
func (v Validator) Weight() uint64 {
	return v.Stake + v.Delegated
}

// Eligible reports whether the validator can propose blocks.
func (v Validator) Eligible() bool {
	return v.Active && !v.Jailed && v.Weight() > 0
}

// StakePool aggregates delegations toward one validator.
type StakePool struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Validator      string    `json:"validator"`
	TotalDelegated uint64    `json:"total_delegated"`
	Delegators     int       `json:"delegators"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Delegation is one delegator's stake in a pool.
type Delegation struct {
	ID        string    `json:"id"`
	PoolID    string    `json:"pool_id"`
	Delegator string    `json:"delegator"`
	Amount    uint64    `json:"amount"`
	Rewards   uint64    `json:"rewards"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DelegationID is the document id of a delegator's position in a pool.
func DelegationID(poolID, delegator string) string {
	return poolID + ":" + delegator
}
