package defi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/quantumshield/backend/internal/app/domain/defi"
	"github.com/quantumshield/backend/internal/app/domain/token"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/services/tokens"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const (
	DefaultFeeBps = 30
	maxFeeBps     = 1000
)

var (
	ErrSlippage              = errors.New("output below minimum")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrUnknownToken          = errors.New("token is not part of the pool")
	ErrPoolOverflow          = errors.New("pool reserves or shares would overflow")
)

// Ledger is the token service surface the AMM needs.
type Ledger interface {
	GetToken(ctx context.Context, symbol string) (token.Token, error)
	Settle(ctx context.Context, memo string, legs ...tokens.Leg) error
}

// Quote is the result of pricing a swap.
type Quote struct {
	PoolID    string `json:"pool_id"`
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  uint64 `json:"amount_in"`
	AmountOut uint64 `json:"amount_out"`
	Fee       uint64 `json:"fee"`
}

// LiquidityResult reports the amounts moved by a liquidity change.
type LiquidityResult struct {
	Pool     domain.Pool     `json:"pool"`
	Shares   uint64          `json:"shares"`
	AmountA  uint64          `json:"amount_a"`
	AmountB  uint64          `json:"amount_b"`
	Position domain.Position `json:"position"`
}

// Service runs constant-product pools.
type Service struct {
	store  storage.DeFiStore
	ledger Ledger
	bus    events.Publisher
	log    *logger.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New constructs the AMM service.
func New(store storage.DeFiStore, ledger Ledger, bus events.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("defi")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Service{store: store, ledger: ledger, bus: bus, log: log, now: time.Now}
}

// CreatePool opens an empty pool for a token pair. The pair is stored in
// symbol order regardless of argument order.
func (s *Service) CreatePool(ctx context.Context, tokenA, tokenB string, feeBps uint64) (domain.Pool, error) {
	a, b := strings.ToUpper(strings.TrimSpace(tokenA)), strings.ToUpper(strings.TrimSpace(tokenB))
	if a == "" || b == "" {
		return domain.Pool{}, fmt.Errorf("both tokens are required")
	}
	if a == b {
		return domain.Pool{}, fmt.Errorf("pool tokens must differ")
	}
	if b < a {
		a, b = b, a
	}
	if feeBps == 0 {
		feeBps = DefaultFeeBps
	}
	if feeBps > maxFeeBps {
		return domain.Pool{}, fmt.Errorf("fee must be at most %d bps", maxFeeBps)
	}
	for _, sym := range []string{a, b} {
		if _, err := s.ledger.GetToken(ctx, sym); err != nil {
			return domain.Pool{}, err
		}
	}

	id := domain.PoolID(a, b)
	now := s.now().UTC()
	pool, err := s.store.CreateLiquidityPool(ctx, domain.Pool{
		ID:        id,
		TokenA:    a,
		TokenB:    b,
		FeeBps:    feeBps,
		Address:   "amm:" + strings.ToLower(id),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Pool{}, err
	}
	s.publish(ctx, "defi.pool_created", pool)
	return pool, nil
}

// Get returns a pool.
func (s *Service) Get(ctx context.Context, id string) (domain.Pool, error) {
	return s.store.GetLiquidityPool(ctx, strings.ToUpper(id))
}

// List returns every pool.
func (s *Service) List(ctx context.Context) ([]domain.Pool, error) {
	return s.store.ListLiquidityPools(ctx)
}

// Position returns a provider's share of a pool.
func (s *Service) Position(ctx context.Context, poolID, provider string) (domain.Position, error) {
	return s.store.GetPosition(ctx, strings.ToUpper(poolID), strings.ToLower(strings.TrimSpace(provider)))
}

// Positions lists every provider of a pool.
func (s *Service) Positions(ctx context.Context, poolID string) ([]domain.Position, error) {
	return s.store.ListPositions(ctx, strings.ToUpper(poolID))
}

// Swaps returns the most recent swaps against a pool.
func (s *Service) Swaps(ctx context.Context, poolID string, limit int) ([]domain.Swap, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListSwaps(ctx, strings.ToUpper(poolID), limit)
}

// AddLiquidity deposits both tokens. The first deposit mints sqrt(a*b)
// shares; later deposits mint the smaller proportional share and only take
// the amounts backing it.
func (s *Service) AddLiquidity(ctx context.Context, poolID, provider string, amountA, amountB uint64) (LiquidityResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return LiquidityResult{}, fmt.Errorf("provider is required")
	}
	if amountA == 0 || amountB == 0 {
		return LiquidityResult{}, fmt.Errorf("both amounts must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := s.store.GetLiquidityPool(ctx, strings.ToUpper(poolID))
	if err != nil {
		return LiquidityResult{}, err
	}

	var shares, usedA, usedB uint64
	if pool.TotalShares == 0 {
		root := new(big.Int).Sqrt(mul(amountA, amountB))
		if !root.IsUint64() || root.Uint64() == 0 {
			return LiquidityResult{}, ErrInsufficientLiquidity
		}
		shares, usedA, usedB = root.Uint64(), amountA, amountB
	} else {
		sa := div(mul(amountA, pool.TotalShares), pool.ReserveA)
		sb := div(mul(amountB, pool.TotalShares), pool.ReserveB)
		minted := sa
		if sb.Cmp(sa) < 0 {
			minted = sb
		}
		if minted.Sign() == 0 || !minted.IsUint64() {
			return LiquidityResult{}, ErrInsufficientLiquidity
		}
		shares = minted.Uint64()
		usedA = ceilDiv(mul(shares, pool.ReserveA), pool.TotalShares)
		usedB = ceilDiv(mul(shares, pool.ReserveB), pool.TotalShares)
	}

	if shares > math.MaxUint64-pool.TotalShares || usedA > math.MaxUint64-pool.ReserveA || usedB > math.MaxUint64-pool.ReserveB {
		return LiquidityResult{}, ErrPoolOverflow
	}

	if err := s.ledger.Settle(ctx, "add liquidity "+pool.ID,
		tokens.Leg{Symbol: pool.TokenA, From: provider, To: pool.Address, Amount: usedA},
		tokens.Leg{Symbol: pool.TokenB, From: provider, To: pool.Address, Amount: usedB},
	); err != nil {
		return LiquidityResult{}, err
	}

	now := s.now().UTC()
	pool.ReserveA += usedA
	pool.ReserveB += usedB
	pool.TotalShares += shares
	pool.UpdatedAt = now
	if pool, err = s.store.UpdateLiquidityPool(ctx, pool); err != nil {
		return LiquidityResult{}, err
	}
	pos, err := s.adjustPosition(ctx, pool.ID, provider, shares, false)
	if err != nil {
		return LiquidityResult{}, err
	}
	s.publish(ctx, "defi.liquidity_added", map[string]any{"pool_id": pool.ID, "provider": provider, "shares": shares})
	return LiquidityResult{Pool: pool, Shares: shares, AmountA: usedA, AmountB: usedB, Position: pos}, nil
}

// RemoveLiquidity burns shares and pays out the proportional reserves.
func (s *Service) RemoveLiquidity(ctx context.Context, poolID, provider string, shares uint64) (LiquidityResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if shares == 0 {
		return LiquidityResult{}, fmt.Errorf("shares must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := s.store.GetLiquidityPool(ctx, strings.ToUpper(poolID))
	if err != nil {
		return LiquidityResult{}, err
	}
	pos, err := s.store.GetPosition(ctx, pool.ID, provider)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && pos.Shares < shares) {
		return LiquidityResult{}, ErrInsufficientShares
	}
	if err != nil {
		return LiquidityResult{}, err
	}

	outA := div(mul(shares, pool.ReserveA), pool.TotalShares).Uint64()
	outB := div(mul(shares, pool.ReserveB), pool.TotalShares).Uint64()
	if err := s.ledger.Settle(ctx, "remove liquidity "+pool.ID,
		tokens.Leg{Symbol: pool.TokenA, From: pool.Address, To: provider, Amount: outA},
		tokens.Leg{Symbol: pool.TokenB, From: pool.Address, To: provider, Amount: outB},
	); err != nil {
		return LiquidityResult{}, err
	}

	pool.ReserveA -= outA
	pool.ReserveB -= outB
	pool.TotalShares -= shares
	pool.UpdatedAt = s.now().UTC()
	if pool, err = s.store.UpdateLiquidityPool(ctx, pool); err != nil {
		return LiquidityResult{}, err
	}
	if pos, err = s.adjustPosition(ctx, pool.ID, provider, shares, true); err != nil {
		return LiquidityResult{}, err
	}
	s.publish(ctx, "defi.liquidity_removed", map[string]any{"pool_id": pool.ID, "provider": provider, "shares": shares})
	return LiquidityResult{Pool: pool, Shares: shares, AmountA: outA, AmountB: outB, Position: pos}, nil
}

// Quote prices a swap without executing it.
func (s *Service) Quote(ctx context.Context, poolID, tokenIn string, amountIn uint64) (Quote, error) {
	pool, err := s.store.GetLiquidityPool(ctx, strings.ToUpper(poolID))
	if err != nil {
		return Quote{}, err
	}
	return quote(pool, strings.ToUpper(strings.TrimSpace(tokenIn)), amountIn)
}

// Swap trades amountIn of tokenIn for the other pool token, failing when
// the output would be below minOut.
func (s *Service) Swap(ctx context.Context, poolID, trader, tokenIn string, amountIn, minOut uint64) (domain.Swap, error) {
	trader = strings.ToLower(strings.TrimSpace(trader))
	if trader == "" {
		return domain.Swap{}, fmt.Errorf("trader is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := s.store.GetLiquidityPool(ctx, strings.ToUpper(poolID))
	if err != nil {
		return domain.Swap{}, err
	}
	q, err := quote(pool, strings.ToUpper(strings.TrimSpace(tokenIn)), amountIn)
	if err != nil {
		return domain.Swap{}, err
	}
	if q.AmountOut < minOut {
		return domain.Swap{}, fmt.Errorf("%w: got %d, want at least %d", ErrSlippage, q.AmountOut, minOut)
	}

	before := mul(pool.ReserveA, pool.ReserveB)
	if q.TokenIn == pool.TokenA {
		pool.ReserveA += amountIn
		pool.ReserveB -= q.AmountOut
	} else {
		pool.ReserveB += amountIn
		pool.ReserveA -= q.AmountOut
	}
	if mul(pool.ReserveA, pool.ReserveB).Cmp(before) < 0 {
		return domain.Swap{}, fmt.Errorf("swap would decrease pool invariant")
	}

	if err := s.ledger.Settle(ctx, "swap "+pool.ID,
		tokens.Leg{Symbol: q.TokenIn, From: trader, To: pool.Address, Amount: amountIn},
		tokens.Leg{Symbol: q.TokenOut, From: pool.Address, To: trader, Amount: q.AmountOut},
	); err != nil {
		return domain.Swap{}, err
	}

	now := s.now().UTC()
	pool.Volume += amountIn
	pool.UpdatedAt = now
	if _, err := s.store.UpdateLiquidityPool(ctx, pool); err != nil {
		return domain.Swap{}, err
	}
	swap, err := s.store.AddSwap(ctx, domain.Swap{
		ID:        uuid.NewString(),
		PoolID:    pool.ID,
		Trader:    trader,
		TokenIn:   q.TokenIn,
		TokenOut:  q.TokenOut,
		AmountIn:  amountIn,
		AmountOut: q.AmountOut,
		Fee:       q.Fee,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Swap{}, err
	}
	s.publish(ctx, "defi.swap", swap)
	return swap, nil
}

func quote(pool domain.Pool, tokenIn string, amountIn uint64) (Quote, error) {
	if amountIn == 0 {
		return Quote{}, fmt.Errorf("amount_in must be positive")
	}
	var reserveIn, reserveOut uint64
	var tokenOut string
	switch tokenIn {
	case pool.TokenA:
		reserveIn, reserveOut, tokenOut = pool.ReserveA, pool.ReserveB, pool.TokenB
	case pool.TokenB:
		reserveIn, reserveOut, tokenOut = pool.ReserveB, pool.ReserveA, pool.TokenA
	default:
		return Quote{}, ErrUnknownToken
	}
	if reserveIn == 0 || reserveOut == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	effective := div(mul(amountIn, 10000-pool.FeeBps), 10000)
	num := new(big.Int).Mul(new(big.Int).SetUint64(reserveOut), effective)
	den := new(big.Int).Add(new(big.Int).SetUint64(reserveIn), effective)
	out := new(big.Int).Quo(num, den).Uint64()
	if out == 0 || out >= reserveOut {
		return Quote{}, ErrInsufficientLiquidity
	}
	return Quote{
		PoolID:    pool.ID,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  amountIn,
		AmountOut: out,
		Fee:       amountIn - effective.Uint64(),
	}, nil
}

// adjustPosition mints shares to, or burns them from, a provider position.
func (s *Service) adjustPosition(ctx context.Context, poolID, provider string, shares uint64, burn bool) (domain.Position, error) {
	now := s.now().UTC()
	pos, err := s.store.GetPosition(ctx, poolID, provider)
	if errors.Is(err, storage.ErrNotFound) {
		pos = domain.Position{PoolID: poolID, Provider: provider, CreatedAt: now}
	} else if err != nil {
		return domain.Position{}, err
	}
	if burn {
		pos.Shares -= shares
	} else {
		pos.Shares += shares
	}
	pos.UpdatedAt = now
	return s.store.SavePosition(ctx, pos)
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish defi event")
	}
}

func mul(a, b uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
}

func div(x *big.Int, d uint64) *big.Int {
	return new(big.Int).Quo(x, new(big.Int).SetUint64(d))
}

func ceilDiv(x *big.Int, d uint64) uint64 {
	den := new(big.Int).SetUint64(d)
	q, r := new(big.Int).QuoRem(x, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Uint64()
}
