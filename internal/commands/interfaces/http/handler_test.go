package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"droidfleet-cloud/internal/audit"
	"droidfleet-cloud/internal/auth"
	commandsapp "droidfleet-cloud/internal/commands/application"
	commands "droidfleet-cloud/internal/commands/domain"
	commandsmemory "droidfleet-cloud/internal/commands/infrastructure/memory"
	"droidfleet-cloud/internal/eventing"
	masterdata "droidfleet-cloud/internal/masterdata/domain"
	masterdatamemory "droidfleet-cloud/internal/masterdata/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("handler-secret")

type fixture struct {
	service *commandsapp.Service
	audit   *audit.MemoryLog
	server  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	repo := commandsmemory.NewCommandRepository()
	devices := masterdatamemory.NewDeviceRepository(masterdata.Device{ID: "phone-1"}, masterdata.Device{ID: "phone-2"})
	service, err := commandsapp.NewService(repo, devices, eventing.NewPublisher(nil, nil, eventing.NewInMemoryBus()),
		commandsapp.WithLogger(quiet))
	require.NoError(t, err)

	auditLog := audit.NewMemoryLog()
	operator, err := NewHandler(service, auditLog, quiet)
	require.NoError(t, err)
	device, err := NewDeviceHandler(service, quiet)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/commands", operator)
	mux.Handle("/api/v1/commands/", operator)
	mux.Handle("/device/v1/commands/", device)
	mw := auth.NewMiddleware(testSecret, auth.NewDefaultPolicy(nil, nil))
	return &fixture{service: service, audit: auditLog, server: mw.Wrap(mux)}
}

func (f *fixture) do(t *testing.T, method, path, subject string, role auth.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	token, err := auth.IssueJWT(testSecret, subject, role, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	f.server.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func TestOperatorEnqueueAndDevicePollAck(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/commands", "op-1", auth.RoleOperator, map[string]any{
		"device_id":    "phone-1",
		"command_type": "get_location",
		"priority":     "high",
		"requires_ack": true,
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	created := decode[commands.Command](t, resp)
	assert.Equal(t, commands.StatusPending, created.Status)
	assert.Equal(t, "op-1", created.Metadata.QueuedBy)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCommandEnqueue, entries[0].Action)
	assert.Equal(t, "phone-1", entries[0].DeviceID)

	resp = f.do(t, http.MethodPost, "/device/v1/commands/poll", "phone-1", auth.RoleDevice, map[string]int{"limit": 5})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	poll := decode[pollResponse](t, resp)
	require.Len(t, poll.Commands, 1)
	assert.Equal(t, created.ID, poll.Commands[0].ID)
	assert.Equal(t, commands.StatusInProgress, poll.Commands[0].Status)

	resp = f.do(t, http.MethodPost, "/device/v1/commands/"+created.ID+"/ack", "phone-1", auth.RoleDevice, map[string]any{
		"success": true,
		"result":  map[string]float64{"lat": 52.1, "lon": 4.3},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	acked := decode[commands.Command](t, resp)
	assert.Equal(t, commands.StatusCompleted, acked.Status)

	resp = f.do(t, http.MethodPost, "/device/v1/commands/"+created.ID+"/ack", "phone-1", auth.RoleDevice, map[string]any{"success": true})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "completed", decode[errorBody](t, resp).Status)

	resp = f.do(t, http.MethodGet, "/api/v1/commands/"+created.ID, "viewer-1", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"lat":52.1,"lon":4.3}`, string(decode[commands.Command](t, resp).Result))
}

func TestDeviceAckForeignCommandIsNotFound(t *testing.T) {
	f := newFixture(t)
	cmd, err := f.service.Enqueue(context.Background(), commandsapp.EnqueueRequest{DeviceID: "phone-1", CommandType: "vibrate"})
	require.NoError(t, err)
	_, err = f.service.ClaimBatch(context.Background(), "phone-1", 1)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/device/v1/commands/"+cmd.ID+"/ack", "phone-2", auth.RoleDevice, map[string]any{"success": true})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestOperatorErrors(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/commands", "op-1", auth.RoleOperator, map[string]any{
		"device_id":    "nobody",
		"command_type": "vibrate",
	})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/commands", "op-1", auth.RoleOperator, map[string]any{
		"device_id":    "phone-1",
		"command_type": "vibrate",
		"priority":     "asap",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(t, http.MethodGet, "/api/v1/commands/missing", "op-1", auth.RoleOperator, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.do(t, http.MethodGet, "/api/v1/commands", "op-1", auth.RoleOperator, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(t, http.MethodGet, "/api/v1/commands?device_id=phone-1&status=bogus", "op-1", auth.RoleOperator, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestOperatorCancelAfterClaimConflicts(t *testing.T) {
	f := newFixture(t)
	pending, err := f.service.Enqueue(context.Background(), commandsapp.EnqueueRequest{DeviceID: "phone-1", CommandType: "reboot"})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/v1/commands/"+pending.ID+"/cancel", "op-9", auth.RoleOperator, map[string]string{"reason": "typo"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	cancelled := decode[commands.Command](t, resp)
	assert.Equal(t, commands.StatusCancelled, cancelled.Status)
	assert.Equal(t, "op-9", cancelled.Metadata.CancelledBy)

	claimed, err := f.service.Enqueue(context.Background(), commandsapp.EnqueueRequest{DeviceID: "phone-1", CommandType: "reboot"})
	require.NoError(t, err)
	_, err = f.service.ClaimBatch(context.Background(), "phone-1", 1)
	require.NoError(t, err)

	resp = f.do(t, http.MethodPost, "/api/v1/commands/"+claimed.ID+"/cancel", "op-9", auth.RoleOperator, nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "in_progress", decode[errorBody](t, resp).Status)
}

func TestOperatorRetryAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd, err := f.service.Enqueue(ctx, commandsapp.EnqueueRequest{DeviceID: "phone-1", CommandType: "sync_sms"})
	require.NoError(t, err)
	_, err = f.service.ClaimBatch(ctx, "phone-1", 1)
	require.NoError(t, err)
	_, err = f.service.Acknowledge(ctx, commandsapp.AckRequest{CommandID: cmd.ID, Error: "offline"})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/retry", "op-1", auth.RoleOperator, nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	successor := decode[commands.Command](t, resp)
	assert.Equal(t, cmd.ID, successor.Metadata.RetryOf)

	resp = f.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/retry", "op-1", auth.RoleOperator, nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = f.do(t, http.MethodGet, "/api/v1/commands?device_id=phone-1&status=pending,retried&limit=10", "viewer-1", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	list := decode[[]commands.Command](t, resp)
	require.Len(t, list, 2)
	assert.Equal(t, successor.ID, list[0].ID)
	assert.Equal(t, cmd.ID, list[1].ID)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(commands.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, statusFor(commands.ErrDeviceNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(&commands.InvalidTransitionError{From: commands.StatusCompleted}))
	assert.Equal(t, http.StatusConflict, statusFor(commands.ErrDuplicateID))
	assert.Equal(t, http.StatusBadRequest, statusFor(commands.ErrValidation))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
