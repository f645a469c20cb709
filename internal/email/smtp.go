package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// SMTPSender sends email via an SMTP relay.
type SMTPSender struct {
	host     string
	port     int
	secure   bool // implicit TLS instead of STARTTLS
	username string
	password string
	from     string
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(host string, port int, secure bool, username, password, from string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		secure:   secure,
		username: username,
		password: password,
		from:     from,
	}
}

// stripCRLF removes header-injection characters from header values.
func stripCRLF(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// buildMessage assembles the RFC 5322 message. Every header value is
// sanitized against CRLF injection; the body is passed through as-is
// (the notifier already caps it).
func (s *SMTPSender) buildMessage(to, subject, body string) []byte {
	var b strings.Builder
	for _, header := range [][2]string{
		{"From", s.from},
		{"To", to},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
	} {
		b.WriteString(header[0])
		b.WriteString(": ")
		b.WriteString(stripCRLF(header[1]))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func (s *SMTPSender) auth() smtp.Auth {
	if s.username == "" {
		return nil
	}
	return smtp.PlainAuth("", s.username, s.password, s.host)
}

// Send delivers a plain-text email. With secure set, the connection is
// opened with implicit TLS and honors ctx cancellation; otherwise
// STARTTLS is negotiated by smtp.SendMail when the relay offers it.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	msg := s.buildMessage(to, subject, body)

	if s.secure {
		return s.sendImplicitTLS(ctx, addr, to, msg)
	}
	return smtp.SendMail(addr, s.auth(), s.from, []string{to}, msg)
}

func (s *SMTPSender) sendImplicitTLS(ctx context.Context, addr, to string, msg []byte) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    &tls.Config{ServerName: s.host},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer client.Close()

	if auth := s.auth(); auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp close message: %w", err)
	}
	return client.Quit()
}
