package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/keyvault"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

func startChain(t *testing.T, cfg Config) (*Service, *storage.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := New(store, nil, nil, cfg, logger.NewNop())
	require.NoError(t, svc.Start(context.Background()))
	return svc, store
}

func defaultConfig() Config {
	return Config{BlockGasLimit: 8_000_000, GasPrice: 1, BlockReward: 50, Premine: 1_000_000}
}

func TestGenesisAndPremine(t *testing.T) {
	ctx := context.Background()
	svc, _ := startChain(t, defaultConfig())

	genesis, err := svc.LatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), genesis.Height)
	assert.Equal(t, svc.NodeAddress(), genesis.Proposer)
	assert.Len(t, svc.NodeAddress(), 40)

	acct, err := svc.Balance(ctx, svc.NodeAddress())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), acct.Balance)

	// A second start is a no-op.
	require.NoError(t, svc.Start(ctx))

	report, err := svc.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, uint64(1), report.Blocks)
}

func TestRestartReusesNodeKey(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	sealer := newSealer(t)

	first := New(store, sealer, nil, defaultConfig(), logger.NewNop())
	require.NoError(t, first.Start(ctx))
	second := New(store, sealer, nil, defaultConfig(), logger.NewNop())
	require.NoError(t, second.Start(ctx))

	assert.Equal(t, first.NodeAddress(), second.NodeAddress())
	acct, err := second.Balance(ctx, second.NodeAddress())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), acct.Balance)
}

func TestTransferLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := startChain(t, defaultConfig())

	alice, err := svc.CreateWallet(ctx, "alice", "main")
	require.NoError(t, err)
	bob, err := svc.CreateWallet(ctx, "bob", "")
	require.NoError(t, err)
	_, err = svc.Fund(ctx, alice.Address, 100_000)
	require.NoError(t, err)

	_, err = svc.SubmitTransaction(ctx, SubmitRequest{From: alice.Address, To: bob.Address, Amount: 500, Nonce: 1})
	require.ErrorIs(t, err, ErrInvalidNonce)
	_, err = svc.SubmitTransaction(ctx, SubmitRequest{From: alice.Address, To: bob.Address, Amount: 1_000_000})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	tx, err := svc.SubmitTransaction(ctx, SubmitRequest{From: alice.Address, To: bob.Address, Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, chain.TxPending, tx.Status)
	assert.Equal(t, TxHash(tx), tx.Hash)
	assert.NotEmpty(t, tx.Signature)

	pool, err := svc.Mempool(ctx)
	require.NoError(t, err)
	require.Len(t, pool, 1)

	block, err := svc.ProduceBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), block.Height)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, chain.TxApplied, block.Transactions[0].Status)
	assert.Equal(t, TransferGas, block.GasUsed)
	assert.Equal(t, TransferGas, block.Fees)

	a, err := svc.Balance(ctx, alice.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000-500-21000), a.Balance)
	assert.Equal(t, uint64(1), a.Nonce)
	b, err := svc.Balance(ctx, bob.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), b.Balance)

	node, err := svc.Balance(ctx, svc.NodeAddress())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000-100_000+50+21000), node.Balance)

	stored, err := svc.GetTransaction(ctx, tx.Hash)
	require.NoError(t, err)
	assert.Equal(t, chain.TxApplied, stored.Status)
	assert.Equal(t, uint64(1), stored.BlockHeight)

	none, err := svc.ProduceIfPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	report, err := svc.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, uint64(2), report.Blocks)
}

func TestExternallySignedTransaction(t *testing.T) {
	ctx := context.Background()
	svc, _ := startChain(t, defaultConfig())
	alice, err := svc.CreateWallet(ctx, "alice", "")
	require.NoError(t, err)
	_, err = svc.Fund(ctx, alice.Address, 50_000)
	require.NoError(t, err)

	draft := chain.Transaction{Kind: chain.KindTransfer, From: alice.Address, To: "ab" + alice.Address[2:], Amount: 10, GasLimit: TransferGas, GasPrice: 1}
	hash := TxHash(draft)
	sig, err := svc.SignDigest(ctx, alice.Address, hash)
	require.NoError(t, err)

	_, err = svc.SubmitTransaction(ctx, SubmitRequest{From: alice.Address, To: draft.To, Amount: 10, GasLimit: TransferGas, Signature: flipFirst(sig)})
	require.ErrorIs(t, err, ErrInvalidSignature)

	tx, err := svc.SubmitTransaction(ctx, SubmitRequest{From: alice.Address, To: draft.To, Amount: 10, GasLimit: TransferGas, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, hash, tx.Hash)
	assert.Equal(t, sig, tx.Signature)

	_, err = svc.SubmitTransaction(ctx, SubmitRequest{From: "ffff" + alice.Address[4:], To: alice.Address, Amount: 1})
	require.Error(t, err)
}

func TestBlockGasLimitDefersTransactions(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.BlockGasLimit = 2 * TransferGas
	svc, _ := startChain(t, cfg)
	alice, err := svc.CreateWallet(ctx, "alice", "")
	require.NoError(t, err)
	_, err = svc.Fund(ctx, alice.Address, 500_000)
	require.NoError(t, err)

	for nonce := uint64(0); nonce < 3; nonce++ {
		_, err := svc.SubmitTransaction(ctx, SubmitRequest{From: alice.Address, To: svc.NodeAddress(), Amount: 1, Nonce: nonce})
		require.NoError(t, err)
	}

	block, err := svc.ProduceBlock(ctx)
	require.NoError(t, err)
	assert.Len(t, block.Transactions, 2)
	assert.Equal(t, uint64(0), block.Transactions[0].Nonce)

	pending, err := svc.Mempool(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(2), pending[0].Nonce)
}

func TestFailedTransactionStillPaysGas(t *testing.T) {
	ctx := context.Background()
	svc, _ := startChain(t, defaultConfig())
	alice, err := svc.CreateWallet(ctx, "alice", "")
	require.NoError(t, err)
	_, err = svc.Fund(ctx, alice.Address, 30_000)
	require.NoError(t, err)

	_, err = svc.SubmitTransaction(ctx, SubmitRequest{From: alice.Address, To: svc.NodeAddress(), Amount: 5_000})
	require.NoError(t, err)
	// Drain the account behind the mempool's back.
	require.NoError(t, svc.Debit(ctx, alice.Address, 8_000))

	block, err := svc.ProduceBlock(ctx)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, chain.TxFailed, block.Transactions[0].Status)
	assert.Equal(t, "insufficient balance", block.Transactions[0].Error)

	acct, err := svc.Balance(ctx, alice.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), acct.Balance)
}

type fakeValidators struct {
	vals     []chain.Validator
	proposed map[string]int
}

func (f *fakeValidators) EligibleValidators(context.Context) ([]chain.Validator, error) {
	out := make([]chain.Validator, len(f.vals))
	copy(out, f.vals)
	return out, nil
}

func (f *fakeValidators) RecordProposal(_ context.Context, address string) error {
	if f.proposed == nil {
		f.proposed = map[string]int{}
	}
	f.proposed[address]++
	return nil
}

func TestSelectProposerIsDeterministicAndWeighted(t *testing.T) {
	ctx := context.Background()
	svc, _ := startChain(t, defaultConfig())

	addr, err := svc.SelectProposer(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, svc.NodeAddress(), addr)

	vs := &fakeValidators{vals: []chain.Validator{
		{Address: "bbbb", Stake: 990, Active: true},
		{Address: "aaaa", Stake: 10, Active: true},
		{Address: "cccc", Stake: 5000, Active: true, Jailed: true},
	}}
	svc.AttachValidators(vs)

	counts := map[string]int{}
	for h := uint64(1); h <= 400; h++ {
		first, err := svc.SelectProposer(ctx, h)
		require.NoError(t, err)
		again, err := svc.SelectProposer(ctx, h)
		require.NoError(t, err)
		require.Equal(t, first, again)
		counts[first]++
	}
	assert.Zero(t, counts["cccc"])
	assert.Greater(t, counts["bbbb"], 350)

	block, err := svc.ProduceBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, vs.proposed[block.Proposer])
	reward, err := svc.Balance(ctx, block.Proposer)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), reward.Balance)
}

type fakeContracts struct {
	calls int
}

func (f *fakeContracts) ExecuteTx(_ context.Context, contractID, caller, method string, _ []any, gasLimit, height uint64) (uint64, error) {
	f.calls++
	if method == "boom" {
		return gasLimit + 1, errors.New("reverted")
	}
	return 120, nil
}

func TestContractTransaction(t *testing.T) {
	ctx := context.Background()
	svc, _ := startChain(t, defaultConfig())
	exec := &fakeContracts{}
	svc.AttachContracts(exec)
	alice, err := svc.CreateWallet(ctx, "alice", "")
	require.NoError(t, err)
	_, err = svc.Fund(ctx, alice.Address, 200_000)
	require.NoError(t, err)

	_, err = svc.SubmitTransaction(ctx, SubmitRequest{Kind: chain.KindContract, From: alice.Address, To: "contract-1", Data: "nope"})
	require.Error(t, err)

	data, _ := json.Marshal(ContractCall{Method: "inc", Args: []any{1}})
	tx, err := svc.SubmitTransaction(ctx, SubmitRequest{Kind: chain.KindContract, From: alice.Address, To: "contract-1", Data: string(data), GasLimit: 100_000})
	require.NoError(t, err)

	boom, _ := json.Marshal(ContractCall{Method: "boom"})
	_, err = svc.SubmitTransaction(ctx, SubmitRequest{Kind: chain.KindContract, From: alice.Address, To: "contract-1", Data: string(boom), GasLimit: 50_000, Nonce: 1})
	require.NoError(t, err)

	block, err := svc.ProduceBlock(ctx)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 2)
	assert.Equal(t, tx.Hash, block.Transactions[0].Hash)
	assert.Equal(t, chain.TxApplied, block.Transactions[0].Status)
	assert.Equal(t, IntrinsicGas(string(data))+120, block.Transactions[0].GasUsed)
	assert.Equal(t, chain.TxFailed, block.Transactions[1].Status)
	assert.Equal(t, "reverted", block.Transactions[1].Error)
	assert.Equal(t, uint64(50_000), block.Transactions[1].GasUsed)
	assert.Equal(t, 2, exec.calls)
}

func TestContractNotRunWhenAmountUncovered(t *testing.T) {
	ctx := context.Background()
	svc, _ := startChain(t, defaultConfig())
	exec := &fakeContracts{}
	svc.AttachContracts(exec)
	alice, err := svc.CreateWallet(ctx, "alice", "")
	require.NoError(t, err)
	_, err = svc.Fund(ctx, alice.Address, 200_000)
	require.NoError(t, err)

	data, _ := json.Marshal(ContractCall{Method: "inc"})
	_, err = svc.SubmitTransaction(ctx, SubmitRequest{Kind: chain.KindContract, From: alice.Address, To: "contract-1", Data: string(data), Amount: 90_000, GasLimit: 100_000})
	require.NoError(t, err)
	// Leaves enough for the gas allowance but not the amount.
	require.NoError(t, svc.Debit(ctx, alice.Address, 50_000))

	block, err := svc.ProduceBlock(ctx)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, chain.TxFailed, block.Transactions[0].Status)
	assert.Equal(t, "insufficient balance", block.Transactions[0].Error)
	assert.Zero(t, exec.calls)

	acct, err := svc.Balance(ctx, alice.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(150_000)-IntrinsicGas(string(data)), acct.Balance)
}

func TestChargeGasPaysTreasury(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.GasPrice = 2
	svc, _ := startChain(t, cfg)
	alice, err := svc.CreateWallet(ctx, "alice", "")
	require.NoError(t, err)
	_, err = svc.Fund(ctx, alice.Address, 1_000)
	require.NoError(t, err)

	fee, err := svc.ChargeGas(ctx, alice.Address, 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), fee)

	_, err = svc.ChargeGas(ctx, alice.Address, 300)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	acct, err := svc.Balance(ctx, alice.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), acct.Balance)
	treasury, err := svc.Balance(ctx, svc.NodeAddress())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000-1_000+600), treasury.Balance)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	svc, store := startChain(t, defaultConfig())
	for i := 0; i < 3; i++ {
		_, err := svc.ProduceBlock(ctx)
		require.NoError(t, err)
	}

	block, err := svc.GetBlock(ctx, 2)
	require.NoError(t, err)
	block.Reward = 1_000_000
	body, err := json.Marshal(block)
	require.NoError(t, err)
	require.NoError(t, store.Backend().Put(ctx, storage.CollectionBlocks, chain.BlockID(2), body))

	report, err := svc.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotNil(t, report.BrokenHeight)
	assert.Equal(t, uint64(2), *report.BrokenHeight)
	assert.Equal(t, "block hash mismatch", report.Reason)
}

func TestSetParam(t *testing.T) {
	svc, _ := startChain(t, defaultConfig())
	require.NoError(t, svc.SetParam("block_reward", "75"))
	assert.Equal(t, uint64(75), svc.Params().BlockReward)
	require.Error(t, svc.SetParam("block_reward", "-1"))
	require.Error(t, svc.SetParam("block_gas_limit", "10"))
	require.Error(t, svc.SetParam("difficulty", "3"))
}

func TestMerkleRoot(t *testing.T) {
	one := []chain.Transaction{{Hash: "aa"}}
	assert.Equal(t, "aa", MerkleRoot(one))

	three := []chain.Transaction{{Hash: "01"}, {Hash: "02"}, {Hash: "03"}}
	four := []chain.Transaction{{Hash: "01"}, {Hash: "02"}, {Hash: "03"}, {Hash: "03"}}
	assert.Equal(t, MerkleRoot(four), MerkleRoot(three))
	assert.NotEqual(t, MerkleRoot(three), MerkleRoot(three[:2]))
}

func newSealer(t *testing.T) *keyvault.Sealer {
	t.Helper()
	s, err := keyvault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return s
}

func flipFirst(sig string) string {
	if sig[0] == '0' {
		return "1" + sig[1:]
	}
	return "0" + sig[1:]
}
