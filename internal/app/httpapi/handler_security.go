package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/middleware"
)

func (h *handler) authRoutes(r *mux.Router) {
	r.HandleFunc("/auth/register", h.register).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", h.me).Methods(http.MethodGet)
}

func (h *handler) securityRoutes(r *mux.Router) {
	r.HandleFunc("/2fa/enroll", h.enrollTOTP).Methods(http.MethodPost)
	r.HandleFunc("/2fa/confirm", h.confirmTOTP).Methods(http.MethodPost)
	r.HandleFunc("/2fa/disable", h.disableTOTP).Methods(http.MethodPost)
	r.HandleFunc("/api-keys", h.createAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/api-keys", h.listAPIKeys).Methods(http.MethodGet)
	r.HandleFunc("/api-keys/{id}", h.revokeAPIKey).Methods(http.MethodDelete)
	r.HandleFunc("/events", h.securityEvents).Methods(http.MethodGet)
	r.Handle("/users", admin(h.listUsers)).Methods(http.MethodGet)
	r.Handle("/compliance", admin(h.compliance)).Methods(http.MethodGet)
	r.Handle("/audit", admin(h.auditEntries)).Methods(http.MethodGet)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	OTP      string `json:"otp,omitempty"`
}

// register creates a user-role account; elevated roles come from the
// configured admin or an admin caller.
func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.app.Security.Register(r.Context(), req.Username, req.Password, "")
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user.Public())
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, user, err := h.app.Security.Login(r.Context(), req.Username, req.Password, req.OTP)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"user":       user.Public(),
	})
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.Method == middleware.MethodStaticToken {
		writeJSON(w, http.StatusOK, p)
		return
	}
	user, err := h.app.Security.GetUser(r.Context(), p.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Public())
}

func (h *handler) enrollTOTP(w http.ResponseWriter, r *http.Request) {
	secret, url, err := h.app.Security.EnrollTOTP(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret, "otpauth_url": url})
}

type otpRequest struct {
	Code string `json:"code"`
}

func (h *handler) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Security.ConfirmTOTP(r.Context(), principal(r).UserID, req.Code); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"two_factor_enabled": true})
}

func (h *handler) disableTOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Security.DisableTOTP(r.Context(), principal(r).UserID, req.Code); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"two_factor_enabled": false})
}

func (h *handler) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	plain, key, err := h.app.Security.CreateAPIKey(r.Context(), principal(r).UserID, req.Name)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": plain, "api_key": key})
}

func (h *handler) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.app.Security.ListAPIKeys(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *handler) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Security.RevokeAPIKey(r.Context(), principal(r).UserID, pathVar(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// securityEvents lists the caller's events; admins may pass user_id or
// omit it to see every user.
func (h *handler) securityEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p := principal(r)
	userID := p.UserID
	if p.Role == middleware.RoleAdmin {
		userID = r.URL.Query().Get("user_id")
	}
	evts, err := h.app.Security.ListEvents(r.Context(), userID, limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func (h *handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.app.Security.ListUsers(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]any, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) compliance(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Security.ComplianceReport(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.recent(limit, r.URL.Query().Get("user_id")))
}
