package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pushi/internal/repository"
	"pushi/pkg/logging"
)

// Webhook delivers events as JSON POSTs to subscribed URLs.
type Webhook struct {
	base
	client *http.Client
}

// NewWebhook creates the webhook adapter.
func NewWebhook(repo repository.Repository, resolver Resolver, logger logging.Logger) *Webhook {
	return &Webhook{
		base: newBase("webhook", repo, resolver, logger),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts the envelope to every URL subscribed to the channel or one of
// its aliases. Individual endpoint failures are logged and do not stop the
// remaining deliveries.
func (w *Webhook) Send(ctx context.Context, appID, ch string, envelope map[string]interface{}) error {
	targets := w.targets(appID, ch)
	if len(targets) == 0 {
		return nil
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var failed int
	for url := range targets {
		if err := w.post(ctx, url, body); err != nil {
			failed++
			w.logger.WithError(err).WithField("url", url).Warn("Webhook delivery failed")
		}
	}
	if failed == len(targets) {
		return fmt.Errorf("all %d webhook deliveries failed", failed)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
