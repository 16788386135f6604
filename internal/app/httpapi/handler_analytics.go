package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (h *handler) analyticsRoutes(r *mux.Router) {
	r.HandleFunc("/devices/{id}/anomalies", h.anomalies).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/forecast", h.forecast).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/models", h.models).Methods(http.MethodGet)
	r.HandleFunc("/network", h.networkStats).Methods(http.MethodGet)
}

func (h *handler) anomalies(w http.ResponseWriter, r *http.Request) {
	window, err := queryInt(r, "window", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := h.app.Analytics.DetectAnomalies(r.Context(), pathVar(r, "id"), window)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) forecast(w http.ResponseWriter, r *http.Request) {
	window, err := queryInt(r, "window", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	horizon, err := queryInt(r, "horizon", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fc, err := h.app.Analytics.Forecast(r.Context(), pathVar(r, "id"), window, horizon)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (h *handler) models(w http.ResponseWriter, r *http.Request) {
	ms, err := h.app.Analytics.Models(r.Context(), pathVar(r, "id"), r.URL.Query().Get("kind"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *handler) networkStats(w http.ResponseWriter, r *http.Request) {
	blocks, err := queryInt(r, "blocks", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := h.app.Analytics.NetworkStats(r.Context(), blocks)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
