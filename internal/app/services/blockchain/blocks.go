package blockchain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/metrics"
	"github.com/quantumshield/backend/internal/app/storage"
)

// VerifyReport is the outcome of VerifyChain.
type VerifyReport struct {
	Valid        bool    `json:"valid"`
	Blocks       uint64  `json:"blocks"`
	BrokenHeight *uint64 `json:"broken_height,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// SelectProposer returns the proposer for height.
func (s *Service) SelectProposer(ctx context.Context, height uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return "", ErrNotStarted
	}
	return s.selectProposer(ctx, height)
}

// selectProposer makes a stake-weighted draw over eligible validators sorted
// by address, using a ChaCha8 stream seeded with SHA-256(height).
func (s *Service) selectProposer(ctx context.Context, height uint64) (string, error) {
	if s.validators == nil {
		return s.node.address(), nil
	}
	vals, err := s.validators.EligibleValidators(ctx)
	if err != nil {
		return "", fmt.Errorf("load validators: %w", err)
	}
	candidates := vals[:0]
	var total uint64
	for _, v := range vals {
		if v.Eligible() {
			candidates = append(candidates, v)
			total += v.Weight()
		}
	}
	if total == 0 {
		return s.node.address(), nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Address < candidates[j].Address })

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	rng := rand.New(rand.NewChaCha8(sha256.Sum256(buf[:])))
	target := rng.Uint64N(total)

	var cumulative uint64
	for _, v := range candidates {
		cumulative += v.Weight()
		if target < cumulative {
			return v.Address, nil
		}
	}
	return candidates[len(candidates)-1].Address, nil
}

// ProduceIfPending produces a block only when the mempool is not empty.
func (s *Service) ProduceIfPending(ctx context.Context) (*chain.Block, error) {
	pending, err := s.Mempool(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	block, err := s.ProduceBlock(ctx)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// ProduceBlock seals the next block from pending transactions in submission
// order, up to the block gas limit.
func (s *Service) ProduceBlock(ctx context.Context) (chain.Block, error) {
	s.mu.Lock()
	block, validators, err := s.produceLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return chain.Block{}, err
	}

	if validators != nil && block.Proposer != s.NodeAddress() {
		if err := validators.RecordProposal(ctx, block.Proposer); err != nil {
			s.log.WithError(err).WithField("proposer", block.Proposer).Warn("record proposal")
		}
	}

	applied, failed := 0, 0
	for _, tx := range block.Transactions {
		if tx.Status == chain.TxApplied {
			applied++
		} else {
			failed++
		}
	}
	metrics.RecordBlock(applied, failed)
	s.publish(ctx, "block.produced", block)
	s.log.WithField("height", block.Height).
		WithField("txs", len(block.Transactions)).
		WithField("proposer", block.Proposer).
		Info("block produced")
	return block, nil
}

func (s *Service) produceLocked(ctx context.Context) (chain.Block, ValidatorSet, error) {
	if !s.started {
		return chain.Block{}, nil, ErrNotStarted
	}
	head, err := s.store.GetHead(ctx)
	if err != nil {
		return chain.Block{}, nil, fmt.Errorf("load chain head: %w", err)
	}
	height := head.Height + 1

	proposer, err := s.selectProposer(ctx, height)
	if err != nil {
		return chain.Block{}, nil, err
	}

	pending, err := s.Mempool(ctx)
	if err != nil {
		return chain.Block{}, nil, err
	}

	now := s.now().UTC()
	block := chain.Block{
		Height:       height,
		PrevHash:     head.Hash,
		Proposer:     proposer,
		Timestamp:    now,
		Reward:       s.cfg.BlockReward,
		Transactions: []chain.Transaction{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var reserved uint64
	for _, tx := range pending {
		if reserved+tx.GasLimit > s.cfg.BlockGasLimit {
			continue
		}
		reserved += tx.GasLimit
		fee, err := s.applyTx(ctx, &tx, height)
		if err != nil {
			return chain.Block{}, nil, err
		}
		block.GasUsed += tx.GasUsed
		block.Fees += fee
		block.Transactions = append(block.Transactions, tx)
	}

	if _, err := s.credit(ctx, proposer, block.Reward+block.Fees); err != nil {
		return chain.Block{}, nil, err
	}

	block.MerkleRoot = MerkleRoot(block.Transactions)
	s.seal(&block)
	if _, err := s.store.InsertBlock(ctx, block); err != nil {
		return chain.Block{}, nil, fmt.Errorf("insert block %d: %w", height, err)
	}
	if err := s.store.SaveHead(ctx, storage.ChainHead{Height: height, Hash: block.Hash}); err != nil {
		return chain.Block{}, nil, err
	}
	for _, tx := range block.Transactions {
		tx.UpdatedAt = now
		if _, err := s.store.SaveTransaction(ctx, tx); err != nil {
			return chain.Block{}, nil, err
		}
	}
	return block, s.validators, nil
}

// applyTx executes one transaction against account state and returns the fee
// charged. Failures are recorded on the transaction; gas is still charged.
func (s *Service) applyTx(ctx context.Context, tx *chain.Transaction, height uint64) (uint64, error) {
	tx.BlockHeight = height
	intrinsic := IntrinsicGas(tx.Data)
	gasUsed := intrinsic

	sender, err := s.account(ctx, tx.From)
	if err != nil {
		return 0, err
	}

	// Contract calls commit their own state, so the sender must cover the
	// full gas allowance and the amount before the call runs.
	required := tx.Amount + intrinsic*tx.GasPrice
	if tx.Kind == chain.KindContract {
		required = tx.Amount + tx.GasLimit*tx.GasPrice
	}

	var failure string
	if sender.Balance < required {
		failure = "insufficient balance"
	} else if tx.Kind == chain.KindContract {
		used, err := s.runContract(ctx, *tx, tx.GasLimit-intrinsic, height)
		gasUsed += used
		if err != nil {
			failure = err.Error()
		}
	}
	if gasUsed > tx.GasLimit {
		gasUsed = tx.GasLimit
	}

	fee := gasUsed * tx.GasPrice
	if fee > sender.Balance {
		fee = sender.Balance
		if failure == "" {
			failure = "insufficient balance for gas"
		}
	}
	sender.Balance -= fee
	if failure == "" && sender.Balance < tx.Amount {
		failure = "insufficient balance"
	}
	if failure == "" {
		sender.Balance -= tx.Amount
	}
	sender.UpdatedAt = s.now().UTC()
	if _, err := s.store.SaveAccount(ctx, sender); err != nil {
		return 0, err
	}
	if failure == "" && tx.Amount > 0 {
		if _, err := s.credit(ctx, tx.To, tx.Amount); err != nil {
			return 0, err
		}
	}

	tx.GasUsed = gasUsed
	if failure != "" {
		tx.Status = chain.TxFailed
		tx.Error = failure
	} else {
		tx.Status = chain.TxApplied
	}
	return fee, nil
}

func (s *Service) runContract(ctx context.Context, tx chain.Transaction, gasLimit, height uint64) (uint64, error) {
	if s.contracts == nil {
		return 0, errors.New("contract execution unavailable")
	}
	var call ContractCall
	if err := json.Unmarshal([]byte(tx.Data), &call); err != nil {
		return 0, fmt.Errorf("decode contract call: %w", err)
	}
	return s.contracts.ExecuteTx(ctx, tx.To, tx.From, call.Method, call.Args, gasLimit, height)
}

func (s *Service) seal(b *chain.Block) {
	b.ID = chain.BlockID(b.Height)
	b.SignerKey = hex.EncodeToString(s.node.pub.Bytes())
	b.Hash = BlockHash(*b)
	digest, _ := hex.DecodeString(b.Hash)
	b.Signature = s.node.sign(digest)
}

// GetBlock returns the block at height.
func (s *Service) GetBlock(ctx context.Context, height uint64) (chain.Block, error) {
	return s.store.GetBlock(ctx, height)
}

// LatestBlock returns the chain head block.
func (s *Service) LatestBlock(ctx context.Context) (chain.Block, error) {
	head, err := s.store.GetHead(ctx)
	if err != nil {
		return chain.Block{}, err
	}
	return s.store.GetBlock(ctx, head.Height)
}

// ListBlocks returns up to limit blocks starting at fromHeight.
func (s *Service) ListBlocks(ctx context.Context, fromHeight uint64, limit int) ([]chain.Block, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListBlocks(ctx, fromHeight, limit)
}

// VerifyChain recomputes hashes, merkle roots, links and signatures from
// genesis and reports the first broken height.
func (s *Service) VerifyChain(ctx context.Context) (VerifyReport, error) {
	const batch = 256
	report := VerifyReport{Valid: true}
	prevHash := strings.Repeat("0", 64)
	var next uint64

	for {
		blocks, err := s.store.ListBlocks(ctx, next, batch)
		if err != nil {
			return VerifyReport{}, err
		}
		for _, b := range blocks {
			if reason := checkBlock(b, next, prevHash); reason != "" {
				h := b.Height
				report.Valid = false
				report.BrokenHeight = &h
				report.Reason = reason
				return report, nil
			}
			prevHash = b.Hash
			next++
			report.Blocks++
		}
		if len(blocks) < batch {
			return report, nil
		}
		if err := ctx.Err(); err != nil {
			return VerifyReport{}, err
		}
	}
}

func checkBlock(b chain.Block, wantHeight uint64, prevHash string) string {
	if b.Height != wantHeight {
		return fmt.Sprintf("expected height %d, found %d", wantHeight, b.Height)
	}
	if b.PrevHash != prevHash {
		return "previous hash does not link"
	}
	for _, tx := range b.Transactions {
		if TxHash(tx) != tx.Hash {
			return fmt.Sprintf("transaction %s hash mismatch", tx.Hash)
		}
	}
	if MerkleRoot(b.Transactions) != b.MerkleRoot {
		return "merkle root mismatch"
	}
	if BlockHash(b) != b.Hash {
		return "block hash mismatch"
	}
	digest, err := hex.DecodeString(b.Hash)
	if err != nil || !verifySignature(b.SignerKey, digest, b.Signature) {
		return "invalid block signature"
	}
	return ""
}
