package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/app/domain/device"
	"github.com/quantumshield/backend/internal/app/services/devices"
)

func (h *handler) deviceRoutes(r *mux.Router) {
	r.HandleFunc("", h.registerDevice).Methods(http.MethodPost)
	r.HandleFunc("", h.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/{id}", h.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/{id}", h.updateDevice).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/{id}", h.decommissionDevice).Methods(http.MethodDelete)
	r.HandleFunc("/{id}/heartbeat", h.heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/{id}/telemetry", h.ingestTelemetry).Methods(http.MethodPost)
	r.HandleFunc("/{id}/telemetry", h.listTelemetry).Methods(http.MethodGet)
	r.HandleFunc("/{id}/commands", h.queueCommand).Methods(http.MethodPost)
	r.HandleFunc("/{id}/commands", h.pendingCommands).Methods(http.MethodGet)
	r.HandleFunc("/{id}/commands/{command}/ack", h.ackCommand).Methods(http.MethodPost)
	r.HandleFunc("/{id}/rules", h.addRule).Methods(http.MethodPost)
	r.HandleFunc("/{id}/rules", h.listRules).Methods(http.MethodGet)
	r.HandleFunc("/{id}/alerts", h.listAlerts).Methods(http.MethodGet)
}

func (h *handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner    string            `json:"owner"`
		Name     string            `json:"name"`
		Type     string            `json:"type"`
		Firmware string            `json:"firmware"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Owner == "" {
		req.Owner = principal(r).UserID
	}
	dev, err := h.app.Devices.Register(r.Context(), device.Device{
		Owner:    req.Owner,
		Name:     req.Name,
		Type:     req.Type,
		Firmware: req.Firmware,
		Metadata: req.Metadata,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := h.app.Devices.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devs)
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := h.app.Devices.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (h *handler) updateDevice(w http.ResponseWriter, r *http.Request) {
	var upd devices.Update
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dev, err := h.app.Devices.Update(r.Context(), pathVar(r, "id"), upd)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (h *handler) decommissionDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := h.app.Devices.Decommission(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	dev, err := h.app.Devices.Heartbeat(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (h *handler) ingestTelemetry(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reading, alerts, err := h.app.Devices.IngestTelemetry(r.Context(), pathVar(r, "id"), payload)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"telemetry": reading, "alerts": alerts})
}

func (h *handler) listTelemetry(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	readings, err := h.app.Devices.ListTelemetry(r.Context(), pathVar(r, "id"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *handler) queueCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := h.app.Devices.QueueCommand(r.Context(), pathVar(r, "id"), req.Name, req.Args)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (h *handler) pendingCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.app.Devices.PendingCommands(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (h *handler) ackCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result map[string]any `json:"result"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	cmd, err := h.app.Devices.AckCommand(r.Context(), pathVar(r, "id"), pathVar(r, "command"), req.Result)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *handler) addRule(w http.ResponseWriter, r *http.Request) {
	var rule device.Rule
	if err := decodeJSON(w, r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	saved, err := h.app.Devices.AddRule(r.Context(), pathVar(r, "id"), rule)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.app.Devices.ListRules(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	alerts, err := h.app.Devices.ListAlerts(r.Context(), pathVar(r, "id"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}
