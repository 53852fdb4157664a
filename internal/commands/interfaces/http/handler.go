package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"droidfleet-cloud/internal/audit"
	commandsapp "droidfleet-cloud/internal/commands/application"
	commands "droidfleet-cloud/internal/commands/domain"
)

const operatorPrefix = "/api/v1/commands"

// Handler provides operator command endpoints.
type Handler struct {
	service     *commandsapp.Service
	auditLogger audit.Logger
	logger      *log.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(service *commandsapp.Service, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, auditLogger: auditLogger, logger: logger}, nil
}

// ServeHTTP routes /api/v1/commands and /api/v1/commands/{id}[/cancel|/retry].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, operatorPrefix), "/")
	if path == "" {
		switch r.Method {
		case http.MethodPost:
			h.handleEnqueue(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	parts := strings.Split(path, "/")
	commandID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, commandID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		h.handleCancel(w, r, commandID)
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		h.handleRetry(w, r, commandID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req commandsapp.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cmd, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
	h.logAudit(r, audit.ActionCommandEnqueue, cmd, map[string]any{
		"command_type": cmd.CommandType,
		"priority":     cmd.Priority,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := commands.ListFilter{DeviceID: query.Get("device_id")}
	if filter.DeviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	if raw := query.Get("status"); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			status, ok := commands.ParseStatus(strings.TrimSpace(value))
			if !ok {
				http.Error(w, "invalid status", http.StatusBadRequest)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.ListCommands(r.Context(), filter)
	if err != nil {
		h.logger.Printf("command list error: device=%s err=%v", filter.DeviceID, err)
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, commandID string) {
	cmd, err := h.service.GetStatus(r.Context(), commandID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, commandID string) {
	defer r.Body.Close()
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	cmd, err := h.service.Cancel(r.Context(), commandID, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
	h.logAudit(r, audit.ActionCommandCancel, cmd, map[string]any{"reason": req.Reason})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request, commandID string) {
	successor, err := h.service.Retry(r.Context(), commandID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, successor)
	h.logAudit(r, audit.ActionCommandRetry, successor, map[string]any{"retry_of": commandID})
}

func (h *Handler) logAudit(r *http.Request, action string, cmd *commands.Command, fields map[string]any) {
	if h.auditLogger == nil || cmd == nil {
		return
	}
	entry := audit.FromRequest(r, action, "command", cmd.ID, cmd.DeviceID, fields)
	if err := h.auditLogger.Log(r.Context(), entry); err != nil {
		h.logger.Printf("audit log error: action=%s command=%s err=%v", action, cmd.ID, err)
	}
}
