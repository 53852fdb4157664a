package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"droidfleet-cloud/internal/auth"
	commands "droidfleet-cloud/internal/commands/domain"
	commandsinterfaces "droidfleet-cloud/internal/commands/interfaces"
	"droidfleet-cloud/internal/config"
	"droidfleet-cloud/internal/push"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWaker struct {
	sent []push.WakeMessage
}

func (w *recordingWaker) Channel() string { return "test" }

func (w *recordingWaker) Wake(_ context.Context, msg push.WakeMessage) error {
	w.sent = append(w.sent, msg)
	return nil
}

func memoryConfig() config.Config {
	c := config.Default()
	c.Store = config.StoreMemory
	c.JWTSecret = "serve-test-secret"
	return c
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestMemoryStackEndToEnd(t *testing.T) {
	c := memoryConfig()
	a, err := buildApp(context.Background(), c)
	require.NoError(t, err)
	defer a.close()

	waker := &recordingWaker{}
	consumer, err := commandsinterfaces.NewWakeConsumer(waker, a.service, logger)
	require.NoError(t, err)
	consumer.Register(a.bus, a.processed)

	h, err := buildHTTPHandler(a, c)
	require.NoError(t, err)

	resp := call(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	resp = call(t, h, http.MethodGet, "/api/v1/commands?device_id=x", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	admin, err := auth.IssueJWT([]byte(c.JWTSecret), "root", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	resp = call(t, h, http.MethodPost, "/api/v1/devices", admin, map[string]string{"id": "tablet-3", "name": "Kiosk"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var registered struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &registered))

	resp = call(t, h, http.MethodPost, "/api/v1/commands", admin, map[string]any{
		"device_id":    "tablet-3",
		"command_type": "take_screenshot",
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var created commands.Command
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	relayed, err := a.dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, relayed)
	require.Len(t, waker.sent, 1)
	assert.Equal(t, created.ID, waker.sent[0].CommandID)

	queued, err := a.service.GetStatus(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusQueued, queued.Status)

	resp = call(t, h, http.MethodPost, "/device/v1/commands/poll", registered.Token, map[string]int{"limit": 10})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var poll struct {
		Commands []commands.Command `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &poll))
	require.Len(t, poll.Commands, 1)
	assert.Equal(t, created.ID, poll.Commands[0].ID)

	resp = call(t, h, http.MethodPost, "/device/v1/commands/"+created.ID+"/ack", registered.Token, map[string]any{"success": true})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	stranger, err := auth.IssueJWT([]byte(c.JWTSecret), "unregistered", auth.RoleDevice, time.Hour)
	require.NoError(t, err)
	resp = call(t, h, http.MethodPost, "/device/v1/commands/poll", stranger, map[string]int{"limit": 1})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = call(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestBuildWakerSelection(t *testing.T) {
	c := memoryConfig()
	waker, closeFn, err := buildWaker(c)
	require.NoError(t, err)
	assert.Nil(t, waker)
	closeFn()

	c.Wake.Channel = config.WakeWebhook
	c.Wake.WebhookURL = "http://relay.invalid/wake"
	waker, closeFn, err = buildWaker(c)
	require.NoError(t, err)
	require.NotNil(t, waker)
	assert.Equal(t, "webhook", waker.Channel())
	closeFn()
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	var logged bytes.Buffer
	prev := logger.Writer()
	logger.SetOutput(&logged)
	defer logger.SetOutput(prev)

	h := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), logger)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, resp.Code)
	assert.Contains(t, logged.String(), "http GET /x 418")
}
