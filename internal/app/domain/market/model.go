package market

import "time"

// Listing statuses.
const (
	StatusOpen      = "open"
	StatusSold      = "sold"
	StatusCancelled = "cancelled"
)

// Listing offers a quantity of a token for sale against a quote token.
type Listing struct {
	ID          string    `json:"id"`
	Seller      string    `json:"seller"`
	Symbol      string    `json:"symbol"`
	QuoteSymbol string    `json:"quote_symbol"`
	Quantity    uint64    `json:"quantity"`
	Remaining   uint64    `json:"remaining"`
	UnitPrice   uint64    `json:"unit_price"`
	FeeBps      uint64    `json:"fee_bps"`
	Status      string    `json:"status"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Trade is a (possibly partial) fill of a listing.
type Trade struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listing_id"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Quantity  uint64    `json:"quantity"`
	Total     uint64    `json:"total"`
	Fee       uint64    `json:"fee"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
