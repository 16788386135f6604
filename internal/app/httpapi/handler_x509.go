package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/app/services/pki"
)

func (h *handler) x509Routes(r *mux.Router) {
	r.Handle("/bootstrap", admin(h.bootstrapCA)).Methods(http.MethodPost)
	r.HandleFunc("/certificates", h.issueCertificate).Methods(http.MethodPost)
	r.HandleFunc("/certificates", h.listCertificates).Methods(http.MethodGet)
	r.HandleFunc("/certificates/expiring", h.expiringCertificates).Methods(http.MethodGet)
	r.HandleFunc("/certificates/{serial}", h.getCertificate).Methods(http.MethodGet)
	r.Handle("/certificates/{serial}/revoke", admin(h.revokeCertificate)).Methods(http.MethodPost)
	r.Handle("/certificates/{serial}/pem", admin(h.exportPEM)).Methods(http.MethodGet)
	r.Handle("/certificates/{serial}/pkcs12", admin(h.exportPKCS12)).Methods(http.MethodPost)
	r.HandleFunc("/crl", h.crl).Methods(http.MethodGet)
	r.HandleFunc("/verify", h.verifyCertificate).Methods(http.MethodPost)
}

func (h *handler) bootstrapCA(w http.ResponseWriter, r *http.Request) {
	root, intermediate, err := h.app.PKI.Bootstrap(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"root": root, "intermediate": intermediate})
}

func (h *handler) issueCertificate(w http.ResponseWriter, r *http.Request) {
	var req pki.IssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cert, err := h.app.PKI.Issue(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cert)
}

func (h *handler) listCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.app.PKI.List(r.Context(), r.URL.Query().Get("usage"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certs)
}

func (h *handler) expiringCertificates(w http.ResponseWriter, r *http.Request) {
	within := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("within"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("within must be a positive duration"))
			return
		}
		within = d
	}
	certs, err := h.app.PKI.ExpiringWithin(r.Context(), within)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certs)
}

func (h *handler) getCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.app.PKI.Get(r.Context(), pathVar(r, "serial"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (h *handler) revokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cert, err := h.app.PKI.Revoke(r.Context(), pathVar(r, "serial"), req.Reason)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (h *handler) exportPEM(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.app.PKI.ExportPEM(r.Context(), pathVar(r, "serial"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *handler) exportPKCS12(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	serial := pathVar(r, "serial")
	data, err := h.app.PKI.ExportPKCS12(r.Context(), serial, req.Password)
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", serial+".p12"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handler) crl(w http.ResponseWriter, r *http.Request) {
	der, err := h.app.PKI.CRL(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(der)
}

func (h *handler) verifyCertificate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Certificate string `json:"certificate"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.PKI.Verify(r.Context(), req.Certificate)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
