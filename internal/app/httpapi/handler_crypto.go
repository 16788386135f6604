package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/app/domain/pqkey"
	"github.com/quantumshield/backend/internal/app/services/pqcrypto"
	"github.com/quantumshield/backend/internal/middleware"
)

// Messages and plaintexts travel as UTF-8 strings; ciphertexts and keys are
// base64 as produced by the crypto service.
func (h *handler) cryptoRoutes(r *mux.Router) {
	r.HandleFunc("/kem/generate", h.kemGenerate).Methods(http.MethodPost)
	r.HandleFunc("/kem/encapsulate", h.kemEncapsulate).Methods(http.MethodPost)
	r.HandleFunc("/kem/decapsulate", h.kemDecapsulate).Methods(http.MethodPost)
	r.HandleFunc("/signatures/generate", h.sigGenerate).Methods(http.MethodPost)
	r.HandleFunc("/signatures/sign", h.sigSign).Methods(http.MethodPost)
	r.HandleFunc("/signatures/verify", h.sigVerify).Methods(http.MethodPost)
	r.HandleFunc("/seal", h.seal).Methods(http.MethodPost)
	r.HandleFunc("/open", h.open).Methods(http.MethodPost)
	r.HandleFunc("/commitments", h.commit).Methods(http.MethodPost)
	r.HandleFunc("/commitments/verify", h.verifyCommitment).Methods(http.MethodPost)
	r.HandleFunc("/keys", h.storeKey).Methods(http.MethodPost)
	r.HandleFunc("/keys", h.listKeys).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}", h.getKey).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}/sign", h.signWithKey).Methods(http.MethodPost)
	r.HandleFunc("/keys/{id}/open", h.openWithKey).Methods(http.MethodPost)
}

type cryptoRequest struct {
	PublicKey  string             `json:"public_key,omitempty"`
	PrivateKey string             `json:"private_key,omitempty"`
	Ciphertext string             `json:"ciphertext,omitempty"`
	Message    string             `json:"message,omitempty"`
	Signature  string             `json:"signature,omitempty"`
	Envelope   *pqcrypto.Envelope `json:"envelope,omitempty"`
}

func (h *handler) kemGenerate(w http.ResponseWriter, _ *http.Request) {
	kp, err := h.app.Crypto.GenerateKEMKeyPair()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kp)
}

func (h *handler) kemEncapsulate(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	enc, err := h.app.Crypto.Encapsulate(req.PublicKey)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enc)
}

func (h *handler) kemDecapsulate(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	secret, err := h.app.Crypto.Decapsulate(req.PrivateKey, req.Ciphertext)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shared_secret": secret})
}

func (h *handler) sigGenerate(w http.ResponseWriter, _ *http.Request) {
	kp, err := h.app.Crypto.GenerateSigningKeyPair()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kp)
}

func (h *handler) sigSign(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := h.app.Crypto.Sign(req.PrivateKey, []byte(req.Message))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": sig})
}

func (h *handler) sigVerify(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := h.app.Crypto.Verify(req.PublicKey, []byte(req.Message), req.Signature)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (h *handler) seal(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	env, err := h.app.Crypto.Seal(req.PublicKey, []byte(req.Message))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *handler) open(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Envelope == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("envelope is required"))
		return
	}
	msg, err := h.app.Crypto.Open(req.PrivateKey, *req.Envelope)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": string(msg)})
}

func (h *handler) commit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := h.app.Crypto.Commit([]byte(req.Value))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) verifyCommitment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value      string `json:"value"`
		Commitment string `json:"commitment"`
		Nonce      string `json:"nonce"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok := h.app.Crypto.VerifyCommitment([]byte(req.Value), pqcrypto.Commitment{Commitment: req.Commitment, Nonce: req.Nonce})
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (h *handler) storeKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.app.Crypto.StoreKeyPair(r.Context(), principal(r).UserID, req.Kind)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) listKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := h.app.Crypto.ListKeys(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) getKey(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedKey(r)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) signWithKey(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := h.ownedKey(r); err != nil {
		fail(w, err)
		return
	}
	sig, err := h.app.Crypto.SignWith(r.Context(), pathVar(r, "id"), []byte(req.Message))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": sig})
}

func (h *handler) openWithKey(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Envelope == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("envelope is required"))
		return
	}
	if _, err := h.ownedKey(r); err != nil {
		fail(w, err)
		return
	}
	msg, err := h.app.Crypto.OpenWith(r.Context(), pathVar(r, "id"), *req.Envelope)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": string(msg)})
}

func (h *handler) ownedKey(r *http.Request) (pqkey.PublicKeyRecord, error) {
	rec, err := h.app.Crypto.GetKey(r.Context(), pathVar(r, "id"))
	if err != nil {
		return pqkey.PublicKeyRecord{}, err
	}
	if p := principal(r); rec.Owner != p.UserID && p.Role != middleware.RoleAdmin {
		return pqkey.PublicKeyRecord{}, errForbidden
	}
	return rec, nil
}
