package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (h *handler) systemRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/jobs", admin(h.listJobs)).Methods(http.MethodGet)
	r.Handle("/jobs/{name}/run", admin(h.runJob)).Methods(http.MethodPost)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Health(r.Context()))
}

func (h *handler) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Jobs.Jobs())
}

func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	name := pathVar(r, "name")
	if err := h.app.Jobs.RunNow(r.Context(), name); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
}
