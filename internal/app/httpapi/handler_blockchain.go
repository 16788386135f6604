package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/app/services/blockchain"
	"github.com/quantumshield/backend/internal/middleware"
)

func (h *handler) blockchainRoutes(r *mux.Router) {
	r.HandleFunc("/wallets", h.createWallet).Methods(http.MethodPost)
	r.HandleFunc("/wallets", h.listWallets).Methods(http.MethodGet)
	r.HandleFunc("/wallets/{address}", h.getWallet).Methods(http.MethodGet)
	r.HandleFunc("/wallets/{address}/sign", h.signDigest).Methods(http.MethodPost)
	r.HandleFunc("/transactions", h.submitTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions", h.listTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{hash}", h.getTransaction).Methods(http.MethodGet)
	r.HandleFunc("/mempool", h.mempool).Methods(http.MethodGet)
	r.HandleFunc("/blocks", h.listBlocks).Methods(http.MethodGet)
	r.HandleFunc("/blocks/latest", h.latestBlock).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{height:[0-9]+}", h.getBlock).Methods(http.MethodGet)
	r.HandleFunc("/balances/{address}", h.balance).Methods(http.MethodGet)
	r.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	r.HandleFunc("/params", h.chainParams).Methods(http.MethodGet)
	r.HandleFunc("/verify", h.verifyChain).Methods(http.MethodGet)
	r.Handle("/produce", admin(h.produceBlock)).Methods(http.MethodPost)
	r.Handle("/fund", admin(h.fund)).Methods(http.MethodPost)
}

func (h *handler) createWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	wallet, err := h.app.Chain.CreateWallet(r.Context(), principal(r).UserID, req.Label)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// listWallets shows the caller's wallets; admins may pass owner.
func (h *handler) listWallets(w http.ResponseWriter, r *http.Request) {
	owner := principal(r).UserID
	if q := r.URL.Query().Get("owner"); q != "" && principal(r).Role == middleware.RoleAdmin {
		owner = q
	}
	wallets, err := h.app.Chain.ListWallets(r.Context(), owner)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallets)
}

func (h *handler) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.app.Chain.GetWallet(r.Context(), pathVar(r, "address"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *handler) signDigest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	address := pathVar(r, "address")
	wallet, err := h.app.Chain.GetWallet(r.Context(), address)
	if err != nil {
		fail(w, err)
		return
	}
	if p := principal(r); wallet.Owner != p.UserID && p.Role != middleware.RoleAdmin {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	sig, err := h.app.Chain.SignDigest(r.Context(), address, req.TxHash)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": sig, "public_key": wallet.PublicKey})
}

func (h *handler) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var req blockchain.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "from", req.From); err != nil {
		fail(w, err)
		return
	}
	tx, err := h.app.Chain.SubmitTransaction(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txs, err := h.app.Chain.ListTransactions(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Chain.GetTransaction(r.Context(), pathVar(r, "hash"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) mempool(w http.ResponseWriter, r *http.Request) {
	txs, err := h.app.Chain.Mempool(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *handler) listBlocks(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	blocks, err := h.app.Chain.ListBlocks(r.Context(), uint64(from), limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (h *handler) latestBlock(w http.ResponseWriter, r *http.Request) {
	block, err := h.app.Chain.LatestBlock(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (h *handler) getBlock(w http.ResponseWriter, r *http.Request) {
	height, err := parseUint(pathVar(r, "height"), "height")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	block, err := h.app.Chain.GetBlock(r.Context(), height)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Chain.Balance(r.Context(), pathVar(r, "address"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.app.Chain.ListAccounts(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (h *handler) chainParams(w http.ResponseWriter, r *http.Request) {
	p := h.app.Chain.Params()
	writeJSON(w, http.StatusOK, map[string]any{
		"block_gas_limit": p.BlockGasLimit,
		"gas_price":       p.GasPrice,
		"block_reward":    p.BlockReward,
		"node_address":    h.app.Chain.NodeAddress(),
	})
}

func (h *handler) verifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Chain.VerifyChain(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) produceBlock(w http.ResponseWriter, r *http.Request) {
	block, err := h.app.Chain.ProduceBlock(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, block)
}

func (h *handler) fund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Amount  uint64 `json:"amount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := h.app.Chain.Fund(r.Context(), req.Address, req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
