package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/app/services/marketplace"
	"github.com/quantumshield/backend/internal/app/services/tokens"
)

func (h *handler) economyRoutes(r *mux.Router) {
	r.HandleFunc("/tokens", h.createToken).Methods(http.MethodPost)
	r.HandleFunc("/tokens", h.listTokens).Methods(http.MethodGet)
	r.HandleFunc("/tokens/{symbol}", h.getToken).Methods(http.MethodGet)
	r.HandleFunc("/tokens/{symbol}/mint", h.mint).Methods(http.MethodPost)
	r.HandleFunc("/tokens/{symbol}/burn", h.burn).Methods(http.MethodPost)
	r.HandleFunc("/tokens/{symbol}/transfer", h.transferToken).Methods(http.MethodPost)
	r.HandleFunc("/tokens/{symbol}/balances/{address}", h.tokenBalance).Methods(http.MethodGet)
	r.HandleFunc("/tokens/{symbol}/holders", h.holders).Methods(http.MethodGet)
	r.HandleFunc("/tokens/{symbol}/ledger", h.tokenLedger).Methods(http.MethodGet)
}

func (h *handler) marketplaceRoutes(r *mux.Router) {
	r.HandleFunc("/listings", h.createListing).Methods(http.MethodPost)
	r.HandleFunc("/listings", h.listListings).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id}", h.getListing).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id}/buy", h.buy).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}/cancel", h.cancelListing).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}/trades", h.trades).Methods(http.MethodGet)
}

func (h *handler) createToken(w http.ResponseWriter, r *http.Request) {
	var req tokens.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "owner", req.Owner); err != nil {
		fail(w, err)
		return
	}
	t, err := h.app.Tokens.CreateToken(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *handler) listTokens(w http.ResponseWriter, r *http.Request) {
	ts, err := h.app.Tokens.ListTokens(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *handler) getToken(w http.ResponseWriter, r *http.Request) {
	t, err := h.app.Tokens.GetToken(r.Context(), pathVar(r, "symbol"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type tokenMovement struct {
	Caller string `json:"caller,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount uint64 `json:"amount"`
}

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	var req tokenMovement
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "caller", req.Caller); err != nil {
		fail(w, err)
		return
	}
	t, err := h.app.Tokens.Mint(r.Context(), pathVar(r, "symbol"), req.Caller, req.To, req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) burn(w http.ResponseWriter, r *http.Request) {
	var req tokenMovement
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "from", req.From); err != nil {
		fail(w, err)
		return
	}
	t, err := h.app.Tokens.Burn(r.Context(), pathVar(r, "symbol"), req.From, req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) transferToken(w http.ResponseWriter, r *http.Request) {
	var req tokenMovement
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "from", req.From); err != nil {
		fail(w, err)
		return
	}
	symbol := pathVar(r, "symbol")
	if err := h.app.Tokens.Transfer(r.Context(), symbol, req.From, req.To, req.Amount); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "from": req.From, "to": req.To, "amount": req.Amount})
}

func (h *handler) tokenBalance(w http.ResponseWriter, r *http.Request) {
	symbol, address := pathVar(r, "symbol"), pathVar(r, "address")
	bal, err := h.app.Tokens.BalanceOf(r.Context(), symbol, address)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "address": address, "balance": bal})
}

func (h *handler) holders(w http.ResponseWriter, r *http.Request) {
	bals, err := h.app.Tokens.Holders(r.Context(), pathVar(r, "symbol"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bals)
}

func (h *handler) tokenLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := h.app.Tokens.Ledger(r.Context(), pathVar(r, "symbol"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) createListing(w http.ResponseWriter, r *http.Request) {
	var req marketplace.ListingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "seller", req.Seller); err != nil {
		fail(w, err)
		return
	}
	l, err := h.app.Marketplace.CreateListing(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *handler) listListings(w http.ResponseWriter, r *http.Request) {
	ls, err := h.app.Marketplace.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (h *handler) getListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.app.Marketplace.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) buy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Buyer    string `json:"buyer"`
		Quantity uint64 `json:"quantity"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "buyer", req.Buyer); err != nil {
		fail(w, err)
		return
	}
	trade, err := h.app.Marketplace.Buy(r.Context(), pathVar(r, "id"), req.Buyer, req.Quantity)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

func (h *handler) cancelListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seller string `json:"seller"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "seller", req.Seller); err != nil {
		fail(w, err)
		return
	}
	l, err := h.app.Marketplace.Cancel(r.Context(), pathVar(r, "id"), req.Seller)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) trades(w http.ResponseWriter, r *http.Request) {
	ts, err := h.app.Marketplace.Trades(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}
