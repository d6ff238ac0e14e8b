package adapters

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"

	"pushi/internal/repository"
	"pushi/pkg/logging"
)

// APN delivers events as Apple push notifications. Each app brings its own
// PEM certificate and key; clients are cached per app because building the
// TLS configuration is not free.
type APN struct {
	base

	mu      sync.Mutex
	clients map[string]*apns2.Client
}

// NewAPN creates the APN adapter.
func NewAPN(repo repository.Repository, resolver Resolver, logger logging.Logger) *APN {
	return &APN{
		base:    newBase("apn", repo, resolver, logger),
		clients: make(map[string]*apns2.Client),
	}
}

// Send pushes the event to every subscribed device token. Tokens that the
// gateway reports as unregistered are pruned.
func (a *APN) Send(ctx context.Context, appID, ch string, envelope map[string]interface{}) error {
	targets := a.targets(appID, ch)
	if len(targets) == 0 {
		return nil
	}

	client, err := a.client(appID)
	if err != nil {
		return err
	}

	event, _ := envelope["event"].(string)
	data, _ := envelope["data"].(string)

	body := payload.NewPayload().
		Alert(data).
		Custom("channel", ch).
		Custom("event", event)

	var failed int
	for token, extras := range targets {
		notification := &apns2.Notification{
			DeviceToken: token,
			Topic:       extras["topic"],
			Payload:     body,
		}

		resp, err := client.PushWithContext(ctx, notification)
		if err != nil {
			failed++
			a.logger.WithError(err).Warn("APN delivery failed")
			continue
		}
		if resp.Reason == apns2.ReasonUnregistered || resp.Reason == apns2.ReasonBadDeviceToken {
			if err := a.Unsubscribe(ctx, appID, token, ""); err != nil {
				a.logger.WithError(err).Warn("Failed to prune dead device token")
			}
			continue
		}
		if !resp.Sent() {
			failed++
			a.logger.WithFields(logging.Fields{
				"status": resp.StatusCode,
				"reason": resp.Reason,
			}).Warn("APN delivery rejected")
		}
	}
	if failed == len(targets) && failed > 0 {
		return fmt.Errorf("all %d apn deliveries failed", failed)
	}
	return nil
}

// client returns the cached APN client for the app, building it from the
// app's PEM certificate and key files on first use.
func (a *APN) client(appID string) (*apns2.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if client, ok := a.clients[appID]; ok {
		return client, nil
	}

	app, err := a.resolver.AppByID(appID)
	if err != nil {
		return nil, err
	}
	if app.APNCer == "" || app.APNKey == "" {
		return nil, fmt.Errorf("app %s has no apn certificate", appID)
	}

	cer, err := os.ReadFile(app.APNCer)
	if err != nil {
		return nil, fmt.Errorf("read apn certificate: %w", err)
	}
	key, err := os.ReadFile(app.APNKey)
	if err != nil {
		return nil, fmt.Errorf("read apn key: %w", err)
	}

	cert, err := certificate.FromPemBytes(append(cer, key...), "")
	if err != nil {
		return nil, fmt.Errorf("load apn certificate: %w", err)
	}

	client := apns2.NewClient(cert).Production()
	a.clients[appID] = client
	return client, nil
}

// Invalidate drops the cached client, e.g. after the app's certificate
// changed.
func (a *APN) Invalidate(appID string) {
	a.mu.Lock()
	delete(a.clients, appID)
	a.mu.Unlock()
}
