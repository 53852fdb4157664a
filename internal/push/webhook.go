package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// WebhookWaker posts wake hints to a relay (for example an FCM gateway).
type WebhookWaker struct {
	url    string
	client *http.Client
}

// NewWebhookWaker constructs a webhook waker.
func NewWebhookWaker(url string) *WebhookWaker {
	return &WebhookWaker{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Channel implements Waker.
func (w *WebhookWaker) Channel() string {
	return "webhook"
}

// Wake posts msg as JSON; any non-2xx response is an error.
func (w *WebhookWaker) Wake(ctx context.Context, msg WakeMessage) error {
	if w == nil || w.url == "" {
		return errors.New("webhook waker: empty url")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook waker: status %d", resp.StatusCode)
	}
	return nil
}
