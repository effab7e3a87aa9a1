package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Webhook POSTs {"channel", "message", "sent_at"} as JSON. 5xx responses and
// transport errors are retried a few times; 4xx responses are not.
type Webhook struct {
	URL       string
	Client    *http.Client
	MaxTries  uint
	RetryBase time.Duration
	now       func() time.Time
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		URL:       url,
		Client:    &http.Client{Timeout: timeout},
		MaxTries:  3,
		RetryBase: 500 * time.Millisecond,
		now:       time.Now,
	}
}

type webhookPayload struct {
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

func (w *Webhook) Notify(ctx context.Context, channel, message string) error {
	body, err := json.Marshal(webhookPayload{Channel: channel, Message: message, SentAt: w.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.RetryBase
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.post(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(w.MaxTries))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", channel, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: %s", resp.Status)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("rejected: %s", resp.Status))
	}
	return nil
}
