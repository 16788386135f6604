package defi

import "time"

// Pool is a constant-product market between two tokens. TokenA sorts
// before TokenB.
type Pool struct {
	ID          string    `json:"id"`
	TokenA      string    `json:"token_a"`
	TokenB      string    `json:"token_b"`
	ReserveA    uint64    `json:"reserve_a"`
	ReserveB    uint64    `json:"reserve_b"`
	TotalShares uint64    `json:"total_shares"`
	FeeBps      uint64    `json:"fee_bps"`
	Address     string    `json:"address"`
	Volume      uint64    `json:"volume"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PoolID derives the deterministic id for a token pair.
func PoolID(tokenA, tokenB string) string {
	return tokenA + "-" + tokenB
}

// Position is a liquidity provider's share of a pool.
type Position struct {
	ID        string    `json:"id"`
	PoolID    string    `json:"pool_id"`
	Provider  string    `json:"provider"`
	Shares    uint64    `json:"shares"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PositionID is the document id of a provider's position in a pool.
func PositionID(poolID, provider string) string {
	return poolID + ":" + provider
}

// Swap records an executed trade against a pool.
type Swap struct {
	ID        string    `json:"id"`
	PoolID    string    `json:"pool_id"`
	Trader    string    `json:"trader"`
	TokenIn   string    `json:"token_in"`
	TokenOut  string    `json:"token_out"`
	AmountIn  uint64    `json:"amount_in"`
	AmountOut uint64    `json:"amount_out"`
	Fee       uint64    `json:"fee"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
