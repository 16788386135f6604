package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/app/services/webhooks"
	"github.com/quantumshield/backend/internal/middleware"
)

func (h *handler) webhookRoutes(r *mux.Router) {
	r.HandleFunc("", h.createWebhook).Methods(http.MethodPost)
	r.HandleFunc("", h.listWebhooks).Methods(http.MethodGet)
	r.HandleFunc("/{id}", h.getWebhook).Methods(http.MethodGet)
	r.HandleFunc("/{id}", h.updateWebhook).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/{id}", h.deleteWebhook).Methods(http.MethodDelete)
	r.HandleFunc("/{id}/deliveries", h.webhookDeliveries).Methods(http.MethodGet)
	r.HandleFunc("/{id}/test", h.testWebhook).Methods(http.MethodPost)
}

func (h *handler) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhooks.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Owner = principal(r).UserID
	sub, err := h.app.Webhooks.Create(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	owner := principal(r).UserID
	if principal(r).Role == middleware.RoleAdmin {
		owner = r.URL.Query().Get("owner")
	}
	subs, err := h.app.Webhooks.List(r.Context(), owner)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *handler) getWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.ownsWebhook(r); err != nil {
		fail(w, err)
		return
	}
	sub, err := h.app.Webhooks.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *handler) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhooks.UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ownsWebhook(r); err != nil {
		fail(w, err)
		return
	}
	sub, err := h.app.Webhooks.Update(r.Context(), pathVar(r, "id"), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *handler) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.ownsWebhook(r); err != nil {
		fail(w, err)
		return
	}
	if err := h.app.Webhooks.Delete(r.Context(), pathVar(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) webhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ownsWebhook(r); err != nil {
		fail(w, err)
		return
	}
	ds, err := h.app.Webhooks.Deliveries(r.Context(), pathVar(r, "id"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *handler) testWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.ownsWebhook(r); err != nil {
		fail(w, err)
		return
	}
	d, err := h.app.Webhooks.Test(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) ownsWebhook(r *http.Request) error {
	sub, err := h.app.Webhooks.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		return err
	}
	if p := principal(r); sub.Owner != p.UserID && p.Role != middleware.RoleAdmin {
		return errForbidden
	}
	return nil
}
