package tokens

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/quantumshield/backend/internal/app/domain/token"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrNotOwner            = errors.New("only the token owner may mint")
	ErrMaxSupply           = errors.New("mint exceeds max supply")
)

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// CreateRequest describes a new token.
type CreateRequest struct {
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	Decimals      uint8  `json:"decimals"`
	Kind          string `json:"kind"`
	Owner         string `json:"owner"`
	MaxSupply     uint64 `json:"max_supply"`
	InitialSupply uint64 `json:"initial_supply"`
}

// Leg is one movement inside a Settle call.
type Leg struct {
	Symbol string
	From   string
	To     string
	Amount uint64
}

// Service maintains token supply and balances.
type Service struct {
	store storage.TokenStore
	bus   events.Publisher
	log   *logger.Logger
	now   func() time.Time

	mu sync.Mutex
}

// New constructs the token service.
func New(store storage.TokenStore, bus events.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tokens")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Service{store: store, bus: bus, log: log, now: time.Now}
}

// CreateToken registers a token and mints the initial supply to the owner.
func (s *Service) CreateToken(ctx context.Context, req CreateRequest) (domain.Token, error) {
	symbol := normalizeSymbol(req.Symbol)
	owner := normalizeAddress(req.Owner)
	if req.Kind == "" {
		req.Kind = domain.KindFungible
	}
	switch {
	case !symbolPattern.MatchString(symbol):
		return domain.Token{}, fmt.Errorf("symbol must be 2-10 letters or digits starting with a letter")
	case strings.TrimSpace(req.Name) == "":
		return domain.Token{}, fmt.Errorf("name is required")
	case owner == "":
		return domain.Token{}, fmt.Errorf("owner is required")
	case req.Decimals > 18:
		return domain.Token{}, fmt.Errorf("decimals must be at most 18")
	case req.Kind != domain.KindFungible && req.Kind != domain.KindAsset:
		return domain.Token{}, fmt.Errorf("kind must be fungible or asset")
	case req.MaxSupply > 0 && req.InitialSupply > req.MaxSupply:
		return domain.Token{}, ErrMaxSupply
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	tok, err := s.store.CreateToken(ctx, domain.Token{
		Symbol:    symbol,
		Name:      strings.TrimSpace(req.Name),
		Decimals:  req.Decimals,
		Kind:      req.Kind,
		Owner:     owner,
		MaxSupply: req.MaxSupply,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Token{}, err
	}
	if req.InitialSupply > 0 {
		if tok, err = s.mintLocked(ctx, tok, owner, req.InitialSupply, "initial supply"); err != nil {
			return domain.Token{}, err
		}
	}
	s.publish(ctx, "token.created", tok)
	s.log.WithField("symbol", tok.Symbol).WithField("kind", tok.Kind).Info("token created")
	return tok, nil
}

// GetToken returns a token by symbol.
func (s *Service) GetToken(ctx context.Context, symbol string) (domain.Token, error) {
	return s.store.GetToken(ctx, normalizeSymbol(symbol))
}

// ListTokens returns every token.
func (s *Service) ListTokens(ctx context.Context) ([]domain.Token, error) {
	return s.store.ListTokens(ctx)
}

// Mint creates new supply. Only the owner may mint.
func (s *Service) Mint(ctx context.Context, symbol, caller, to string, amount uint64) (domain.Token, error) {
	if amount == 0 {
		return domain.Token{}, fmt.Errorf("amount must be positive")
	}
	to = normalizeAddress(to)
	if to == "" {
		return domain.Token{}, fmt.Errorf("recipient is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.store.GetToken(ctx, normalizeSymbol(symbol))
	if err != nil {
		return domain.Token{}, err
	}
	if normalizeAddress(caller) != tok.Owner {
		return domain.Token{}, ErrNotOwner
	}
	if tok, err = s.mintLocked(ctx, tok, to, amount, ""); err != nil {
		return domain.Token{}, err
	}
	s.publish(ctx, "token.minted", map[string]any{"symbol": tok.Symbol, "to": to, "amount": amount})
	return tok, nil
}

func (s *Service) mintLocked(ctx context.Context, tok domain.Token, to string, amount uint64, memo string) (domain.Token, error) {
	supply := tok.TotalSupply + amount
	if supply < tok.TotalSupply || (tok.MaxSupply > 0 && supply > tok.MaxSupply) {
		return domain.Token{}, ErrMaxSupply
	}
	bal, err := s.balance(ctx, tok, to)
	if err != nil {
		return domain.Token{}, err
	}
	bal.Amount += amount
	if err := s.saveBalance(ctx, bal); err != nil {
		return domain.Token{}, err
	}
	tok.TotalSupply = supply
	tok.UpdatedAt = s.now().UTC()
	if tok, err = s.store.UpdateToken(ctx, tok); err != nil {
		return domain.Token{}, err
	}
	return tok, s.appendLedger(ctx, tok.Symbol, domain.OpMint, "", to, amount, memo)
}

// Burn destroys amount from the holder's balance.
func (s *Service) Burn(ctx context.Context, symbol, from string, amount uint64) (domain.Token, error) {
	if amount == 0 {
		return domain.Token{}, fmt.Errorf("amount must be positive")
	}
	from = normalizeAddress(from)

	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.store.GetToken(ctx, normalizeSymbol(symbol))
	if err != nil {
		return domain.Token{}, err
	}
	bal, err := s.balance(ctx, tok, from)
	if err != nil {
		return domain.Token{}, err
	}
	if bal.Amount < amount {
		return domain.Token{}, ErrInsufficientBalance
	}
	bal.Amount -= amount
	if err := s.saveBalance(ctx, bal); err != nil {
		return domain.Token{}, err
	}
	tok.TotalSupply -= amount
	tok.UpdatedAt = s.now().UTC()
	if tok, err = s.store.UpdateToken(ctx, tok); err != nil {
		return domain.Token{}, err
	}
	if err := s.appendLedger(ctx, tok.Symbol, domain.OpBurn, from, "", amount, ""); err != nil {
		return domain.Token{}, err
	}
	s.publish(ctx, "token.burned", map[string]any{"symbol": tok.Symbol, "from": from, "amount": amount})
	return tok, nil
}

// Transfer moves amount between holders.
func (s *Service) Transfer(ctx context.Context, symbol, from, to string, amount uint64) error {
	return s.Settle(ctx, "", Leg{Symbol: symbol, From: from, To: to, Amount: amount})
}

// Settle applies every leg or none. Balances are checked cumulatively
// across legs before anything is written.
func (s *Service) Settle(ctx context.Context, memo string, legs ...Leg) error {
	if len(legs) == 0 {
		return fmt.Errorf("at least one leg is required")
	}
	for i := range legs {
		legs[i].Symbol = normalizeSymbol(legs[i].Symbol)
		legs[i].From = normalizeAddress(legs[i].From)
		legs[i].To = normalizeAddress(legs[i].To)
		switch {
		case legs[i].From == "" || legs[i].To == "":
			return fmt.Errorf("sender and recipient are required")
		case legs[i].From == legs[i].To:
			return fmt.Errorf("sender and recipient must differ")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := map[string]domain.Token{}
	balances := map[string]*domain.Balance{}
	load := func(symbol, address string) (*domain.Balance, error) {
		key := domain.BalanceID(symbol, address)
		if b, ok := balances[key]; ok {
			return b, nil
		}
		tok, ok := tokens[symbol]
		if !ok {
			var err error
			if tok, err = s.store.GetToken(ctx, symbol); err != nil {
				return nil, err
			}
			tokens[symbol] = tok
		}
		b, err := s.balance(ctx, tok, address)
		if err != nil {
			return nil, err
		}
		balances[key] = &b
		return &b, nil
	}

	for _, leg := range legs {
		if leg.Amount == 0 {
			continue
		}
		src, err := load(leg.Symbol, leg.From)
		if err != nil {
			return err
		}
		dst, err := load(leg.Symbol, leg.To)
		if err != nil {
			return err
		}
		if src.Amount < leg.Amount {
			return fmt.Errorf("%s: %w", leg.Symbol, ErrInsufficientBalance)
		}
		src.Amount -= leg.Amount
		dst.Amount += leg.Amount
	}

	for _, b := range balances {
		if err := s.saveBalance(ctx, *b); err != nil {
			return err
		}
	}
	for _, leg := range legs {
		if leg.Amount == 0 {
			continue
		}
		if err := s.appendLedger(ctx, leg.Symbol, domain.OpTransfer, leg.From, leg.To, leg.Amount, memo); err != nil {
			return err
		}
		s.publish(ctx, "token.transferred", map[string]any{"symbol": leg.Symbol, "from": leg.From, "to": leg.To, "amount": leg.Amount})
	}
	return nil
}

// BalanceOf returns an address's holding of symbol.
func (s *Service) BalanceOf(ctx context.Context, symbol, address string) (uint64, error) {
	tok, err := s.store.GetToken(ctx, normalizeSymbol(symbol))
	if err != nil {
		return 0, err
	}
	bal, err := s.balance(ctx, tok, normalizeAddress(address))
	if err != nil {
		return 0, err
	}
	return bal.Amount, nil
}

// Holders returns the non-zero balances of symbol, largest first.
func (s *Service) Holders(ctx context.Context, symbol string) ([]domain.Balance, error) {
	tok, err := s.store.GetToken(ctx, normalizeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListBalances(ctx, tok.Symbol)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if b.Amount > 0 {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// Ledger returns the most recent ledger entries for symbol.
func (s *Service) Ledger(ctx context.Context, symbol string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListLedger(ctx, normalizeSymbol(symbol), limit)
}

// AssetBalance sums an address's holdings of asset-kind tokens.
func (s *Service) AssetBalance(ctx context.Context, address string) (uint64, error) {
	balances, err := s.store.ListBalancesByAddress(ctx, normalizeAddress(address))
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, b := range balances {
		if b.Kind == domain.KindAsset {
			total += b.Amount
		}
	}
	return total, nil
}

// AssetSupply sums the supply of every asset-kind token.
func (s *Service) AssetSupply(ctx context.Context) (uint64, error) {
	all, err := s.store.ListTokens(ctx)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, t := range all {
		if t.Kind == domain.KindAsset {
			total += t.TotalSupply
		}
	}
	return total, nil
}

func (s *Service) balance(ctx context.Context, tok domain.Token, address string) (domain.Balance, error) {
	bal, err := s.store.GetBalance(ctx, tok.Symbol, address)
	if errors.Is(err, storage.ErrNotFound) {
		now := s.now().UTC()
		return domain.Balance{Symbol: tok.Symbol, Kind: tok.Kind, Address: address, CreatedAt: now}, nil
	}
	return bal, err
}

func (s *Service) saveBalance(ctx context.Context, b domain.Balance) error {
	b.UpdatedAt = s.now().UTC()
	_, err := s.store.SaveBalance(ctx, b)
	return err
}

func (s *Service) appendLedger(ctx context.Context, symbol, op, from, to string, amount uint64, memo string) error {
	now := s.now().UTC()
	_, err := s.store.AppendLedger(ctx, domain.LedgerEntry{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Op:        op,
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return err
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish token event")
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
