package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"pushi/internal/repository"
	"pushi/pkg/logging"
)

// WebPush delivers events through the Web Push protocol. The subscription
// target is the serialized browser subscription (endpoint plus p256dh and
// auth keys); the app record carries the VAPID private key and the contact
// email.
type WebPush struct {
	base
}

// NewWebPush creates the Web Push adapter.
func NewWebPush(repo repository.Repository, resolver Resolver, logger logging.Logger) *WebPush {
	return &WebPush{base: newBase("webpush", repo, resolver, logger)}
}

// Send pushes the envelope to every subscribed endpoint. Endpoints that
// answer 404 or 410 are gone for good and their subscription records are
// pruned.
func (w *WebPush) Send(ctx context.Context, appID, ch string, envelope map[string]interface{}) error {
	targets := w.targets(appID, ch)
	if len(targets) == 0 {
		return nil
	}

	app, err := w.resolver.AppByID(appID)
	if err != nil {
		return err
	}
	if app.VapidKey == "" || app.VapidEmail == "" {
		return fmt.Errorf("app %s has no vapid credentials", appID)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	options := &webpush.Options{
		Subscriber:      Mailto(app.VapidEmail),
		VAPIDPrivateKey: app.VapidKey,
		TTL:             60,
	}

	var failed int
	for target := range targets {
		sub, err := parseSubscription(target)
		if err != nil {
			failed++
			w.logger.WithError(err).Warn("Invalid web push subscription record")
			continue
		}

		resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, options)
		if err != nil {
			failed++
			w.logger.WithError(err).WithField("endpoint", sub.Endpoint).Warn("Web push delivery failed")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			// The push service dropped the subscription; forget it.
			if err := w.Unsubscribe(ctx, appID, target, ""); err != nil {
				w.logger.WithError(err).Warn("Failed to prune dead web push subscription")
			}
			continue
		}
		if resp.StatusCode >= 300 {
			failed++
			w.logger.WithFields(logging.Fields{
				"endpoint": sub.Endpoint,
				"status":   resp.StatusCode,
			}).Warn("Web push delivery rejected")
		}
	}
	if failed == len(targets) && failed > 0 {
		return fmt.Errorf("all %d web push deliveries failed", failed)
	}
	return nil
}

// Mailto normalizes a contact address into the mailto: form VAPID expects.
func Mailto(email string) string {
	if strings.HasPrefix(email, "mailto:") {
		return email
	}
	return "mailto:" + email
}

func parseSubscription(target string) (*webpush.Subscription, error) {
	var raw struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.Unmarshal([]byte(target), &raw); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}
	if raw.Endpoint == "" {
		return nil, fmt.Errorf("subscription has no endpoint")
	}
	return &webpush.Subscription{
		Endpoint: raw.Endpoint,
		Keys: webpush.Keys{
			P256dh: raw.Keys.P256dh,
			Auth:   raw.Keys.Auth,
		},
	}, nil
}
