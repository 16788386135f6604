package token

import "time"

// Token kinds.
const (
	KindFungible = "fungible"
	KindAsset    = "asset"
)

// Token is a named unit of account tracked in integer base units.
type Token struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Name        string    `json:"name"`
	Decimals    uint8     `json:"decimals"`
	Kind        string    `json:"kind"`
	Owner       string    `json:"owner"`
	TotalSupply uint64    `json:"total_supply"`
	MaxSupply   uint64    `json:"max_supply"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Balance is an address's holding of one token.
type Balance struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address"`
	Amount    uint64    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceID is the document id of an address's balance for symbol.
func BalanceID(symbol, address string) string {
	return symbol + ":" + address
}

// Ledger operations.
const (
	OpMint     = "mint"
	OpBurn     = "burn"
	OpTransfer = "transfer"
)

// LedgerEntry records one supply or balance movement.
type LedgerEntry struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Op        string    `json:"op"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    uint64    `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
