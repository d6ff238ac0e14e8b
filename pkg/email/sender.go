package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"net/url"
	"strings"

	"pushi/pkg/config"
)

// Config holds the SMTP connection settings used to deliver a message.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	StartTLS bool
	Implicit bool
	// Sender is the SMTP envelope sender (MAIL FROM), a raw mailbox address.
	Sender string
}

// ParseURL parses an smtp:// or smtps:// URL into a Config. The sender
// address may be carried in the "sender" query parameter.
func ParseURL(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse smtp url: %w", err)
	}

	var cfg Config
	switch u.Scheme {
	case "smtp":
		cfg.Port = "587"
		cfg.StartTLS = true
	case "smtps":
		cfg.Port = "465"
		cfg.Implicit = true
	default:
		return Config{}, fmt.Errorf("unsupported smtp scheme %q", u.Scheme)
	}

	cfg.Host = u.Hostname()
	if cfg.Host == "" {
		return Config{}, fmt.Errorf("smtp url %q has no host", raw)
	}
	if port := u.Port(); port != "" {
		cfg.Port = port
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	cfg.Sender = u.Query().Get("sender")

	return cfg, nil
}

// FromEnv builds a Config from individual SMTP_* environment variables.
func FromEnv() Config {
	return Config{
		Host:     config.GetEnv("SMTP_HOST", ""),
		Port:     config.GetEnv("SMTP_PORT", "587"),
		User:     config.GetEnv("SMTP_USER", ""),
		Password: config.GetEnv("SMTP_PASSWORD", ""),
		StartTLS: config.GetEnvBool("SMTP_STARTTLS", false),
		Sender:   config.GetEnv("SMTP_SENDER", ""),
	}
}

// Resolve picks the effective SMTP configuration: a per-app URL wins over
// the global SMTP_URL, which wins over the individual SMTP_* variables.
func Resolve(appURL string) (Config, error) {
	if appURL != "" {
		return ParseURL(appURL)
	}
	if globalURL := config.GetEnv("SMTP_URL", ""); globalURL != "" {
		return ParseURL(globalURL)
	}
	return FromEnv(), nil
}

// Sender delivers plain text messages over SMTP.
type Sender struct {
	config Config
}

func NewSender(cfg Config) *Sender {
	return &Sender{config: cfg}
}

// Configured reports whether the sender has enough configuration to
// deliver mail. Both a host and an envelope sender are required.
func (s *Sender) Configured() bool {
	return s.config.Host != "" && s.config.Sender != ""
}

// SendMail delivers a single message. The context bounds the whole SMTP
// conversation via the dial step.
func (s *Sender) SendMail(ctx context.Context, to, subject, body string) error {
	if !s.Configured() {
		return fmt.Errorf("smtp sender not configured")
	}

	addr := fmt.Sprintf("%s:%s", s.config.Host, s.config.Port)

	to = sanitizeHeader(to)
	subject = sanitizeHeader(subject)

	msg := []string{
		fmt.Sprintf("From: %s", sanitizeHeader(s.config.Sender)),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}

	payload := []byte(strings.Join(msg, "\r\n"))

	c, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = c.Close() }()

	if s.config.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if s.config.User != "" && s.config.Password != "" {
		auth := smtp.PlainAuth("", s.config.User, s.config.Password, s.config.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(s.config.Sender); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return c.Quit()
}

func (s *Sender) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	var d dialer
	conn, err := d.DialContext(ctx, addr, s.config.Implicit, s.config.Host)
	if err != nil {
		return nil, err
	}
	return smtp.NewClient(conn, s.config.Host)
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
