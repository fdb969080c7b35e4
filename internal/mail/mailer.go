// Package mail delivers verification and password reset codes.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"consultchat/internal/config"

	gomail "github.com/wneessen/go-mail"
)

// Sender delivers a plain text email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPSender sends through an authenticated SMTP server with mandatory TLS.
type SMTPSender struct {
	cfg config.EmailConfig
}

// NewSMTPSender validates the SMTP settings.
func NewSMTPSender(cfg config.EmailConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address required")
	}
	return &SMTPSender{cfg: cfg}, nil
}

// Send dials the server, delivers one message and disconnects.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	msg, err := buildMessage(s.cfg.From, to, subject, body)
	if err != nil {
		return err
	}
	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTLSPolicy(gomail.TLSMandatory),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)
	return msg, nil
}

// LogSender writes messages to the log instead of sending them. Used when no
// SMTP server is configured.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Send(_ context.Context, to, subject, body string) error {
	if s.Log != nil {
		s.Log.Info("mail not sent, smtp disabled", "to", to, "subject", subject, "body", body)
	}
	return nil
}
