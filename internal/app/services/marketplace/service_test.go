package marketplace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/quantumshield/backend/internal/app/domain/market"
	"github.com/quantumshield/backend/internal/app/services/tokens"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

type fixture struct {
	market *Service
	tokens *tokens.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.NewStore()
	ledger := tokens.New(store, nil, logger.NewNop())
	ctx := context.Background()
	_, err := ledger.CreateToken(ctx, tokens.CreateRequest{Symbol: "LAND", Name: "Land", Kind: "asset", Owner: "seller", InitialSupply: 10})
	require.NoError(t, err)
	_, err = ledger.CreateToken(ctx, tokens.CreateRequest{Symbol: "QSD", Name: "Dollar", Owner: "buyer", InitialSupply: 100000})
	require.NoError(t, err)
	return fixture{market: New(store, ledger, nil, Config{}, logger.NewNop()), tokens: ledger}
}

func (f fixture) balance(t *testing.T, symbol, address string) uint64 {
	t.Helper()
	bal, err := f.tokens.BalanceOf(context.Background(), symbol, address)
	require.NoError(t, err)
	return bal
}

func TestListingPartialFillsAndFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	listing, err := f.market.CreateListing(ctx, ListingRequest{Seller: "seller", Symbol: "land", QuoteSymbol: "qsd", Quantity: 4, UnitPrice: 1000})
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultFeeBps), listing.FeeBps)
	assert.Equal(t, uint64(4), f.balance(t, "LAND", DefaultEscrow))
	assert.Equal(t, uint64(6), f.balance(t, "LAND", "seller"))

	trade, err := f.market.Buy(ctx, listing.ID, "buyer", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), trade.Total)
	assert.Equal(t, uint64(75), trade.Fee)
	assert.Equal(t, uint64(2925), f.balance(t, "QSD", "seller"))
	assert.Equal(t, uint64(75), f.balance(t, "QSD", DefaultTreasury))
	assert.Equal(t, uint64(97000), f.balance(t, "QSD", "buyer"))
	assert.Equal(t, uint64(3), f.balance(t, "LAND", "buyer"))

	_, err = f.market.Buy(ctx, listing.ID, "buyer", 2)
	require.ErrorIs(t, err, ErrOverfill)
	_, err = f.market.Buy(ctx, listing.ID, "seller", 1)
	require.Error(t, err)

	_, err = f.market.Buy(ctx, listing.ID, "buyer", 1)
	require.NoError(t, err)
	got, err := f.market.Get(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSold, got.Status)
	assert.Zero(t, got.Remaining)

	_, err = f.market.Buy(ctx, listing.ID, "buyer", 1)
	require.ErrorIs(t, err, ErrListingClosed)

	trades, err := f.market.Trades(ctx, listing.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestBuyWithoutFundsLeavesListingUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	listing, err := f.market.CreateListing(ctx, ListingRequest{Seller: "seller", Symbol: "LAND", QuoteSymbol: "QSD", Quantity: 2, UnitPrice: 1000})
	require.NoError(t, err)

	_, err = f.market.Buy(ctx, listing.ID, "pauper", 1)
	require.ErrorIs(t, err, tokens.ErrInsufficientBalance)

	got, _ := f.market.Get(ctx, listing.ID)
	assert.Equal(t, uint64(2), got.Remaining)
	assert.Equal(t, uint64(2), f.balance(t, "LAND", DefaultEscrow))
}

func TestCancelReturnsEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	listing, err := f.market.CreateListing(ctx, ListingRequest{Seller: "seller", Symbol: "LAND", QuoteSymbol: "QSD", Quantity: 5, UnitPrice: 10})
	require.NoError(t, err)
	_, err = f.market.Buy(ctx, listing.ID, "buyer", 2)
	require.NoError(t, err)

	_, err = f.market.Cancel(ctx, listing.ID, "buyer")
	require.ErrorIs(t, err, ErrNotSeller)

	cancelled, err := f.market.Cancel(ctx, listing.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, uint64(8), f.balance(t, "LAND", "seller"))
	assert.Zero(t, f.balance(t, "LAND", DefaultEscrow))

	open, err := f.market.List(ctx, domain.StatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCreateListingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.market.CreateListing(ctx, ListingRequest{Seller: "seller", Symbol: "LAND", QuoteSymbol: "LAND", Quantity: 1, UnitPrice: 1})
	require.Error(t, err)
	_, err = f.market.CreateListing(ctx, ListingRequest{Seller: "seller", Symbol: "LAND", QuoteSymbol: "QSD", Quantity: 11, UnitPrice: 1})
	require.ErrorIs(t, err, tokens.ErrInsufficientBalance)
}
