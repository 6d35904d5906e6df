package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mail "gopkg.in/mail.v2"

	"notifyd/pkg/httpclient"
)

// ErrDisabled is returned by the none transport.
var ErrDisabled = errors.New("mailer: email delivery disabled")

// TransportConfig selects and configures a Transport.
type TransportConfig struct {
	Driver string

	ResendAPIKey  string
	ResendBaseURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
}

// NewTransport builds the configured transport. An empty driver means none.
func NewTransport(cfg TransportConfig) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "resend":
		if cfg.ResendAPIKey == "" {
			return nil, errors.New("mailer: resend api key is required")
		}
		return NewResend(cfg.ResendBaseURL, cfg.ResendAPIKey), nil
	case "smtp":
		if cfg.SMTPHost == "" {
			return nil, errors.New("mailer: smtp host is required")
		}
		return NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword), nil
	case "", "none":
		return None{}, nil
	default:
		return nil, fmt.Errorf("mailer: unknown driver %q", cfg.Driver)
	}
}

const DefaultResendBaseURL = "https://api.resend.com"

// Resend posts to the Resend HTTP API.
type Resend struct {
	client *httpclient.Client
}

func NewResend(baseURL, apiKey string) *Resend {
	if baseURL == "" {
		baseURL = DefaultResendBaseURL
	}
	// The dispatcher bounds each call; this is only a backstop.
	return &Resend{client: httpclient.New(baseURL,
		httpclient.WithTimeout(30*time.Second),
		httpclient.WithHeader("Authorization", "Bearer "+apiKey),
	)}
}

func (*Resend) Name() string { return "resend" }

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID string `json:"id"`
}

func (r *Resend) Send(ctx context.Context, m Mail) (string, error) {
	var out resendResponse
	err := r.client.PostJSON(ctx, "/emails", resendRequest{From: m.From, To: []string{m.To}, Subject: m.Subject, HTML: m.HTML}, &out)
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("resend: response carried no message id")
	}
	return out.ID, nil
}

// SMTP delivers through a mail server with gopkg.in/mail.v2.
type SMTP struct {
	dialer *mail.Dialer
}

func NewSMTP(host string, port int, username, password string) *SMTP {
	if port <= 0 {
		port = 587
	}
	d := mail.NewDialer(host, port, username, password)
	return &SMTP{dialer: d}
}

func (*SMTP) Name() string { return "smtp" }

// Send runs the blocking dial in a goroutine so ctx bounds the wait. A
// message abandoned on timeout may still be delivered by the server.
func (s *SMTP) Send(ctx context.Context, m Mail) (string, error) {
	id := uuid.NewString()
	msg := mail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", m.Subject)
	msg.SetHeader("Message-ID", "<"+id+"@notifyd>")
	msg.SetBody("text/html", m.HTML)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp: %w", err)
		}
		return id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("smtp: %w", ctx.Err())
	}
}

// None refuses every message. It counts as a failure for the breaker, so an
// unconfigured mailer ends up open and quiet.
type None struct{}

func (None) Name() string { return "none" }

func (None) Send(context.Context, Mail) (string, error) { return "", ErrDisabled }
