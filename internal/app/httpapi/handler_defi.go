package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (h *handler) defiRoutes(r *mux.Router) {
	r.HandleFunc("/pools", h.createAMMPool).Methods(http.MethodPost)
	r.HandleFunc("/pools", h.listAMMPools).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}", h.getAMMPool).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}/liquidity", h.addLiquidity).Methods(http.MethodPost)
	r.HandleFunc("/pools/{id}/liquidity/remove", h.removeLiquidity).Methods(http.MethodPost)
	r.HandleFunc("/pools/{id}/positions", h.positions).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}/positions/{provider}", h.position).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}/quote", h.quote).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}/swap", h.swap).Methods(http.MethodPost)
	r.HandleFunc("/pools/{id}/swaps", h.swaps).Methods(http.MethodGet)
}

func (h *handler) createAMMPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenA string `json:"token_a"`
		TokenB string `json:"token_b"`
		FeeBps uint64 `json:"fee_bps"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pool, err := h.app.DeFi.CreatePool(r.Context(), req.TokenA, req.TokenB, req.FeeBps)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (h *handler) listAMMPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.app.DeFi.List(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (h *handler) getAMMPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.app.DeFi.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (h *handler) addLiquidity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		AmountA  uint64 `json:"amount_a"`
		AmountB  uint64 `json:"amount_b"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "provider", req.Provider); err != nil {
		fail(w, err)
		return
	}
	res, err := h.app.DeFi.AddLiquidity(r.Context(), pathVar(r, "id"), req.Provider, req.AmountA, req.AmountB)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) removeLiquidity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Shares   uint64 `json:"shares"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "provider", req.Provider); err != nil {
		fail(w, err)
		return
	}
	res, err := h.app.DeFi.RemoveLiquidity(r.Context(), pathVar(r, "id"), req.Provider, req.Shares)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) positions(w http.ResponseWriter, r *http.Request) {
	ps, err := h.app.DeFi.Positions(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *handler) position(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.DeFi.Position(r.Context(), pathVar(r, "id"), pathVar(r, "provider"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) quote(w http.ResponseWriter, r *http.Request) {
	amount, err := parseUint(r.URL.Query().Get("amount_in"), "amount_in")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := h.app.DeFi.Quote(r.Context(), pathVar(r, "id"), r.URL.Query().Get("token_in"), amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) swap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trader   string `json:"trader"`
		TokenIn  string `json:"token_in"`
		AmountIn uint64 `json:"amount_in"`
		MinOut   uint64 `json:"min_out"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "trader", req.Trader); err != nil {
		fail(w, err)
		return
	}
	s, err := h.app.DeFi.Swap(r.Context(), pathVar(r, "id"), req.Trader, req.TokenIn, req.AmountIn, req.MinOut)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) swaps(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ss, err := h.app.DeFi.Swaps(r.Context(), pathVar(r, "id"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ss)
}
