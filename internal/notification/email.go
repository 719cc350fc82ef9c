package notification

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// EmailSender delivers one email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, text, html string) error
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
}

// SMTPSender sends multipart (text + HTML) email through an SMTP relay.
type SMTPSender struct {
	config SMTPConfig
	send   func(...*gomail.Message) error
}

func NewSMTPSender(config SMTPConfig) *SMTPSender {
	d := gomail.NewDialer(config.Host, config.Port, config.Username, config.Password)
	return &SMTPSender{config: config, send: d.DialAndSend}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, text, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	if s.config.FromName != "" {
		m.SetAddressHeader("From", s.config.FromAddress, s.config.FromName)
	} else {
		m.SetHeader("From", s.config.FromAddress)
	}
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", html)

	// gomail takes no context. A send still running at the deadline is
	// abandoned so the worker can move on; its goroutine ends with the SMTP
	// conversation.
	done := make(chan error, 1)
	go func() { done <- s.send(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to send email: %w", ctx.Err())
	}
}
