package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"droidfleet-cloud/internal/auth"
	commandsapp "droidfleet-cloud/internal/commands/application"
	commands "droidfleet-cloud/internal/commands/domain"
)

const devicePrefix = "/device/v1/commands"

// DeviceHandler serves the polling API used by Android devices. The device id
// always comes from the authenticated token.
type DeviceHandler struct {
	service *commandsapp.Service
	logger  *log.Logger
}

// NewDeviceHandler constructs a device handler.
func NewDeviceHandler(service *commandsapp.Service, logger *log.Logger) (*DeviceHandler, error) {
	if service == nil {
		return nil, errors.New("device handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DeviceHandler{service: service, logger: logger}, nil
}

type pollResponse struct {
	Commands []commands.Command `json:"commands"`
}

// ServeHTTP routes /device/v1/commands/poll and /device/v1/commands/{id}/ack.
func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := auth.DeviceIDFromContext(r.Context())
	if deviceID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, devicePrefix), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] == "poll":
		h.handlePoll(w, r, deviceID)
	case len(parts) == 2 && parts[0] != "" && parts[1] == "ack":
		h.handleAck(w, r, deviceID, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *DeviceHandler) handlePoll(w http.ResponseWriter, r *http.Request, deviceID string) {
	defer r.Body.Close()
	var req struct {
		Limit int `json:"limit"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	claimed, err := h.service.ClaimBatch(r.Context(), deviceID, req.Limit)
	if err != nil {
		h.logger.Printf("command poll error: device=%s err=%v", deviceID, err)
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Commands: claimed})
}

func (h *DeviceHandler) handleAck(w http.ResponseWriter, r *http.Request, deviceID, commandID string) {
	defer r.Body.Close()
	var req struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cmd, err := h.service.Acknowledge(r.Context(), commandsapp.AckRequest{
		CommandID: commandID,
		DeviceID:  deviceID,
		Success:   req.Success,
		Result:    req.Result,
		Error:     req.Error,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}
