// Package api provides the HTTP interface for inspecting and commanding device links.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/service"
	"github.com/rs/zerolog"
)

// Registry is the view of the link manager the API needs.
type Registry interface {
	Snapshots() []service.LinkSnapshot
	Snapshot(deviceID string) (service.LinkSnapshot, bool)
	Enqueue(deviceID string, cmd domain.Command) error
	Reconnect(deviceID string) error
}

// CommandAccepted is the body returned for a queued command.
type CommandAccepted struct {
	RequestID string `json:"request_id"`
	DeviceID  string `json:"device_id"`
	Command   string `json:"command"`
}

type errorBody struct {
	Error string `json:"error"`
}

// APIHandler provides the device HTTP handlers.
type APIHandler struct {
	registry Registry
	logger   zerolog.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(registry Registry, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		registry: registry,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// GetDevicesHandler returns every device link.
func (h *APIHandler) GetDevicesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.Snapshots())
}

// GetDeviceHandler returns one device link.
func (h *APIHandler) GetDeviceHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := h.registry.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// CommandHandler queues a command using the same payload grammar as the MQTT bridge.
func (h *APIHandler) CommandHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd, err := domain.ParseCommand(body)
	if err != nil {
		h.logger.Warn().Err(err).Str("device_id", id).Msg("Rejected command payload")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd.RequestID = uuid.NewString()
	cmd.Source = "http"

	if err := h.registry.Enqueue(id, cmd); err != nil {
		h.writeEnqueueError(w, id, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, CommandAccepted{
		RequestID: cmd.RequestID,
		DeviceID:  id,
		Command:   cmd.String(),
	})
}

// ReconnectHandler queues a manual reconnect, resetting an exhausted retry budget.
func (h *APIHandler) ReconnectHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Reconnect(id); err != nil {
		h.writeEnqueueError(w, id, err)
		return
	}
	h.logger.Info().Str("device_id", id).Msg("Manual reconnect requested")
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnect queued"})
}

func (h *APIHandler) writeEnqueueError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, domain.ErrLinkClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("device_id", id).Msg("Failed to queue command")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
