package adapters

import (
	"context"
	"fmt"

	"pushi/internal/repository"
	"pushi/pkg/email"
	"pushi/pkg/logging"
)

// Email delivers events as plain text mail to subscribed addresses. The
// SMTP configuration resolves per app: the app's smtp_url wins over the
// global SMTP_URL, which wins over the individual SMTP_* variables.
type Email struct {
	base
}

// NewEmail creates the email adapter.
func NewEmail(repo repository.Repository, resolver Resolver, logger logging.Logger) *Email {
	return &Email{base: newBase("email", repo, resolver, logger)}
}

// Send mails the event to every subscribed address. The envelope may carry
// "subject" and "body" overrides; otherwise the subject is derived from the
// event name and the body is a readable channel/event/data block.
func (e *Email) Send(ctx context.Context, appID, ch string, envelope map[string]interface{}) error {
	targets := e.targets(appID, ch)
	if len(targets) == 0 {
		return nil
	}

	app, err := e.resolver.AppByID(appID)
	if err != nil {
		return err
	}
	cfg, err := email.Resolve(app.SMTPURL)
	if err != nil {
		return fmt.Errorf("resolve smtp config: %w", err)
	}
	sender := email.NewSender(cfg)
	if !sender.Configured() {
		return fmt.Errorf("no smtp configuration for app %s", appID)
	}

	subject, body := render(ch, envelope)

	var failed int
	for addr := range targets {
		if err := sender.SendMail(ctx, addr, subject, body); err != nil {
			failed++
			e.logger.WithError(err).WithField("to", addr).Warn("Email delivery failed")
		}
	}
	if failed == len(targets) {
		return fmt.Errorf("all %d email deliveries failed", failed)
	}
	return nil
}

func render(ch string, envelope map[string]interface{}) (subject, body string) {
	event, _ := envelope["event"].(string)
	data, _ := envelope["data"].(string)

	subject = fmt.Sprintf("[Pushi] %s", event)
	if s, ok := envelope["subject"].(string); ok && s != "" {
		subject = s
	}

	body = fmt.Sprintf("channel: %s\r\nevent: %s\r\n\r\n%s\r\n", ch, event, data)
	if b, ok := envelope["body"].(string); ok && b != "" {
		body = b
	}
	return subject, body
}
