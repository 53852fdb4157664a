package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"droidfleet-cloud/internal/audit"
	provisioning "droidfleet-cloud/internal/provisioning/application"
)

const devicesPrefix = "/api/v1/devices"

// Handler serves device enrollment endpoints.
type Handler struct {
	service     *provisioning.Service
	auditLogger audit.Logger
	logger      *log.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(service *provisioning.Service, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("devices handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, auditLogger: auditLogger, logger: logger}, nil
}

// ServeHTTP routes /api/v1/devices, /api/v1/devices/{id} and /api/v1/devices/{id}/token.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, devicesPrefix), "/")
	parts := strings.Split(path, "/")
	switch {
	case path == "" && r.Method == http.MethodGet:
		h.handleList(w, r)
	case path == "" && r.Method == http.MethodPost:
		h.handleRegister(w, r)
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "token" && r.Method == http.MethodPost:
		h.handleToken(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req provisioning.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	resp, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.respondError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
	h.logAudit(r, resp.Device.ID, map[string]any{"model": resp.Device.Model, "app_version": resp.Device.AppVersion})
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request, deviceID string) {
	resp, err := h.service.IssueToken(r.Context(), deviceID)
	if err != nil {
		h.respondError(w, "token", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	h.logAudit(r, deviceID, map[string]any{"rotated": true})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, deviceID string) {
	device, err := h.service.Get(r.Context(), deviceID)
	if err != nil {
		h.respondError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = value
	}
	devices, err := h.service.List(r.Context(), limit)
	if err != nil {
		h.respondError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, provisioning.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, provisioning.ErrDeviceNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
	default:
		h.logger.Printf("device %s error: err=%v", op, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) logAudit(r *http.Request, deviceID string, fields map[string]any) {
	if h.auditLogger == nil {
		return
	}
	entry := audit.FromRequest(r, audit.ActionDeviceRegister, "device", deviceID, deviceID, fields)
	if err := h.auditLogger.Log(r.Context(), entry); err != nil {
		h.logger.Printf("audit log error: action=%s device=%s err=%v", audit.ActionDeviceRegister, deviceID, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
