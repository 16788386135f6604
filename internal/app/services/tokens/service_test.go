package tokens

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/quantumshield/backend/internal/app/domain/token"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

func newTestService() *Service {
	return New(memory.NewStore(), nil, logger.NewNop())
}

func TestCreateTokenValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	cases := []CreateRequest{
		{Symbol: "x", Name: "X", Owner: "alice"},
		{Symbol: "GOOD", Owner: "alice"},
		{Symbol: "GOOD", Name: "Good"},
		{Symbol: "GOOD", Name: "Good", Owner: "alice", Kind: "nft"},
		{Symbol: "GOOD", Name: "Good", Owner: "alice", Decimals: 19},
		{Symbol: "GOOD", Name: "Good", Owner: "alice", MaxSupply: 10, InitialSupply: 11},
	}
	for _, req := range cases {
		_, err := svc.CreateToken(ctx, req)
		assert.Error(t, err, "%+v", req)
	}

	tok, err := svc.CreateToken(ctx, CreateRequest{Symbol: " qsd ", Name: "Shield Dollar", Owner: "Alice", InitialSupply: 1000})
	require.NoError(t, err)
	assert.Equal(t, "QSD", tok.Symbol)
	assert.Equal(t, "alice", tok.Owner)
	assert.Equal(t, uint64(1000), tok.TotalSupply)
	assert.Equal(t, domain.KindFungible, tok.Kind)

	_, err = svc.CreateToken(ctx, CreateRequest{Symbol: "QSD", Name: "dup", Owner: "bob"})
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestMintBurnTransfer(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.CreateToken(ctx, CreateRequest{Symbol: "GEM", Name: "Gem", Owner: "alice", MaxSupply: 500})
	require.NoError(t, err)

	_, err = svc.Mint(ctx, "GEM", "bob", "bob", 10)
	require.ErrorIs(t, err, ErrNotOwner)

	tok, err := svc.Mint(ctx, "gem", "alice", "bob", 400)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), tok.TotalSupply)

	_, err = svc.Mint(ctx, "GEM", "alice", "bob", 101)
	require.ErrorIs(t, err, ErrMaxSupply)

	require.NoError(t, svc.Transfer(ctx, "GEM", "bob", "carol", 150))
	err = svc.Transfer(ctx, "GEM", "carol", "dave", 151)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Error(t, svc.Transfer(ctx, "GEM", "bob", "bob", 1))

	tok, err = svc.Burn(ctx, "GEM", "carol", 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(350), tok.TotalSupply)

	_, err = svc.Burn(ctx, "GEM", "carol", 101)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	bob, err := svc.BalanceOf(ctx, "GEM", "bob")
	require.NoError(t, err)
	carol, err := svc.BalanceOf(ctx, "GEM", "carol")
	require.NoError(t, err)
	assert.Equal(t, uint64(250), bob)
	assert.Equal(t, uint64(100), carol)

	holders, err := svc.Holders(ctx, "GEM")
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, "bob", holders[0].Address)

	ledger, err := svc.Ledger(ctx, "GEM", 0)
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	assert.Equal(t, domain.OpMint, ledger[0].Op)
	assert.Equal(t, domain.OpTransfer, ledger[1].Op)
	assert.Equal(t, domain.OpBurn, ledger[2].Op)
}

func TestSettleIsAllOrNothing(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.CreateToken(ctx, CreateRequest{Symbol: "AAA", Name: "A", Owner: "alice", InitialSupply: 100})
	require.NoError(t, err)
	_, err = svc.CreateToken(ctx, CreateRequest{Symbol: "BBB", Name: "B", Owner: "bob", InitialSupply: 100})
	require.NoError(t, err)

	// second leg overdraws alice once the first leg is counted
	err = svc.Settle(ctx, "swap",
		Leg{Symbol: "AAA", From: "alice", To: "bob", Amount: 60},
		Leg{Symbol: "AAA", From: "alice", To: "carol", Amount: 50},
	)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	bal, _ := svc.BalanceOf(ctx, "AAA", "alice")
	assert.Equal(t, uint64(100), bal)

	require.NoError(t, svc.Settle(ctx, "swap",
		Leg{Symbol: "AAA", From: "alice", To: "bob", Amount: 60},
		Leg{Symbol: "BBB", From: "bob", To: "alice", Amount: 30},
	))
	bal, _ = svc.BalanceOf(ctx, "BBB", "alice")
	assert.Equal(t, uint64(30), bal)
	bal, _ = svc.BalanceOf(ctx, "AAA", "bob")
	assert.Equal(t, uint64(60), bal)
}

func TestAssetBalance(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.CreateToken(ctx, CreateRequest{Symbol: "LAND", Name: "Land", Kind: domain.KindAsset, Owner: "alice", InitialSupply: 7})
	require.NoError(t, err)
	_, err = svc.CreateToken(ctx, CreateRequest{Symbol: "CASH", Name: "Cash", Owner: "alice", InitialSupply: 1000})
	require.NoError(t, err)

	assets, err := svc.AssetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), assets)

	supply, err := svc.AssetSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), supply)
}
