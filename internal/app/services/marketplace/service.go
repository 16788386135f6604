package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/quantumshield/backend/internal/app/domain/market"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/services/tokens"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const (
	DefaultFeeBps   = 250
	DefaultEscrow   = "market-escrow"
	DefaultTreasury = "treasury"
)

var (
	ErrListingClosed = errors.New("listing is not open")
	ErrNotSeller     = errors.New("only the seller may cancel")
	ErrOverfill      = errors.New("quantity exceeds remaining")
)

// Ledger settles token movements atomically.
type Ledger interface {
	Settle(ctx context.Context, memo string, legs ...tokens.Leg) error
}

// Config holds marketplace settings.
type Config struct {
	FeeBps   uint64
	Escrow   string
	Treasury string
}

// ListingRequest describes a new listing.
type ListingRequest struct {
	Seller      string `json:"seller"`
	Symbol      string `json:"symbol"`
	QuoteSymbol string `json:"quote_symbol"`
	Quantity    uint64 `json:"quantity"`
	UnitPrice   uint64 `json:"unit_price"`
	Title       string `json:"title,omitempty"`
}

// Service runs an escrowed fixed-price marketplace.
type Service struct {
	store  storage.MarketStore
	ledger Ledger
	bus    events.Publisher
	cfg    Config
	log    *logger.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New constructs the marketplace.
func New(store storage.MarketStore, ledger Ledger, bus events.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("marketplace")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if cfg.FeeBps == 0 {
		cfg.FeeBps = DefaultFeeBps
	}
	if cfg.Escrow == "" {
		cfg.Escrow = DefaultEscrow
	}
	if cfg.Treasury == "" {
		cfg.Treasury = DefaultTreasury
	}
	return &Service{store: store, ledger: ledger, bus: bus, cfg: cfg, log: log, now: time.Now}
}

// CreateListing moves quantity from the seller into escrow and opens a listing.
func (s *Service) CreateListing(ctx context.Context, req ListingRequest) (domain.Listing, error) {
	req.Seller = strings.ToLower(strings.TrimSpace(req.Seller))
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.QuoteSymbol = strings.ToUpper(strings.TrimSpace(req.QuoteSymbol))
	switch {
	case req.Seller == "":
		return domain.Listing{}, fmt.Errorf("seller is required")
	case req.Symbol == "" || req.QuoteSymbol == "":
		return domain.Listing{}, fmt.Errorf("symbol and quote_symbol are required")
	case req.Symbol == req.QuoteSymbol:
		return domain.Listing{}, fmt.Errorf("symbol and quote_symbol must differ")
	case req.Quantity == 0:
		return domain.Listing{}, fmt.Errorf("quantity must be positive")
	case req.UnitPrice == 0:
		return domain.Listing{}, fmt.Errorf("unit_price must be positive")
	}
	if hi, _ := bits.Mul64(req.Quantity, req.UnitPrice); hi != 0 {
		return domain.Listing{}, fmt.Errorf("listing value overflows")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if err := s.ledger.Settle(ctx, "listing "+id, tokens.Leg{Symbol: req.Symbol, From: req.Seller, To: s.cfg.Escrow, Amount: req.Quantity}); err != nil {
		return domain.Listing{}, err
	}
	now := s.now().UTC()
	listing, err := s.store.SaveListing(ctx, domain.Listing{
		ID:          id,
		Seller:      req.Seller,
		Symbol:      req.Symbol,
		QuoteSymbol: req.QuoteSymbol,
		Quantity:    req.Quantity,
		Remaining:   req.Quantity,
		UnitPrice:   req.UnitPrice,
		FeeBps:      s.cfg.FeeBps,
		Status:      domain.StatusOpen,
		Title:       strings.TrimSpace(req.Title),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return domain.Listing{}, err
	}
	s.publish(ctx, "market.listed", listing)
	return listing, nil
}

// Buy fills quantity units of a listing. Partial fills leave it open.
func (s *Service) Buy(ctx context.Context, listingID, buyer string, quantity uint64) (domain.Trade, error) {
	buyer = strings.ToLower(strings.TrimSpace(buyer))
	if buyer == "" {
		return domain.Trade{}, fmt.Errorf("buyer is required")
	}
	if quantity == 0 {
		return domain.Trade{}, fmt.Errorf("quantity must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return domain.Trade{}, err
	}
	switch {
	case listing.Status != domain.StatusOpen:
		return domain.Trade{}, ErrListingClosed
	case buyer == listing.Seller:
		return domain.Trade{}, fmt.Errorf("seller cannot buy their own listing")
	case quantity > listing.Remaining:
		return domain.Trade{}, ErrOverfill
	}

	total := quantity * listing.UnitPrice
	fee := feeFor(total, listing.FeeBps)
	memo := "listing " + listing.ID
	if err := s.ledger.Settle(ctx, memo,
		tokens.Leg{Symbol: listing.QuoteSymbol, From: buyer, To: listing.Seller, Amount: total - fee},
		tokens.Leg{Symbol: listing.QuoteSymbol, From: buyer, To: s.cfg.Treasury, Amount: fee},
		tokens.Leg{Symbol: listing.Symbol, From: s.cfg.Escrow, To: buyer, Amount: quantity},
	); err != nil {
		return domain.Trade{}, err
	}

	now := s.now().UTC()
	listing.Remaining -= quantity
	if listing.Remaining == 0 {
		listing.Status = domain.StatusSold
	}
	listing.UpdatedAt = now
	if _, err := s.store.SaveListing(ctx, listing); err != nil {
		return domain.Trade{}, err
	}
	trade, err := s.store.AddTrade(ctx, domain.Trade{
		ID:        uuid.NewString(),
		ListingID: listing.ID,
		Buyer:     buyer,
		Seller:    listing.Seller,
		Quantity:  quantity,
		Total:     total,
		Fee:       fee,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Trade{}, err
	}
	s.publish(ctx, "market.trade", trade)
	if listing.Status == domain.StatusSold {
		s.publish(ctx, "market.sold", listing)
	}
	s.log.WithField("listing_id", listing.ID).WithField("quantity", quantity).Info("listing filled")
	return trade, nil
}

// Cancel closes an open listing and returns the remaining escrow to the seller.
func (s *Service) Cancel(ctx context.Context, listingID, seller string) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return domain.Listing{}, err
	}
	if listing.Seller != strings.ToLower(strings.TrimSpace(seller)) {
		return domain.Listing{}, ErrNotSeller
	}
	if listing.Status != domain.StatusOpen {
		return domain.Listing{}, ErrListingClosed
	}
	if listing.Remaining > 0 {
		if err := s.ledger.Settle(ctx, "cancel "+listing.ID, tokens.Leg{Symbol: listing.Symbol, From: s.cfg.Escrow, To: listing.Seller, Amount: listing.Remaining}); err != nil {
			return domain.Listing{}, err
		}
	}
	listing.Status = domain.StatusCancelled
	listing.UpdatedAt = s.now().UTC()
	if listing, err = s.store.SaveListing(ctx, listing); err != nil {
		return domain.Listing{}, err
	}
	s.publish(ctx, "market.cancelled", listing)
	return listing, nil
}

// Get returns a listing.
func (s *Service) Get(ctx context.Context, id string) (domain.Listing, error) {
	return s.store.GetListing(ctx, id)
}

// List returns listings, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]domain.Listing, error) {
	return s.store.ListListings(ctx, status)
}

// Trades returns the fills of a listing.
func (s *Service) Trades(ctx context.Context, listingID string) ([]domain.Trade, error) {
	return s.store.ListTrades(ctx, listingID)
}

func feeFor(total, bps uint64) uint64 {
	hi, lo := bits.Mul64(total, bps)
	fee, _ := bits.Div64(hi, lo, 10000)
	return fee
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish market event")
	}
}
