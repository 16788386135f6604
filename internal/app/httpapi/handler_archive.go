package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

func (h *handler) archiveRoutes(r *mux.Router) {
	r.HandleFunc("/stats", h.archiveStats).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{height:[0-9]+}", h.archivedBlock).Methods(http.MethodGet)
	r.HandleFunc("/periods", h.archivePeriods).Methods(http.MethodGet)
	r.Handle("/compress", admin(h.compressBlocks)).Methods(http.MethodPost)
	r.Handle("/periods/{day}", admin(h.archivePeriod)).Methods(http.MethodPost)
}

func (h *handler) archiveStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Archive.Stats(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) archivedBlock(w http.ResponseWriter, r *http.Request) {
	height, err := parseUint(pathVar(r, "height"), "height")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	block, err := h.app.Archive.Decompress(r.Context(), height)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (h *handler) archivePeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.app.Archive.Periods(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, periods)
}

func (h *handler) compressBlocks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThan string `json:"older_than"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var olderThan time.Duration
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("older_than must be a non-negative duration"))
			return
		}
		olderThan = d
	}
	report, err := h.app.Archive.CompressBlocks(r.Context(), olderThan)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) archivePeriod(w http.ResponseWriter, r *http.Request) {
	period, err := h.app.Archive.ArchivePeriod(r.Context(), pathVar(r, "day"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, period)
}
