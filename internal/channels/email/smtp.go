package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const smtpDialTimeout = 30 * time.Second

// sendMail connects to the SMTP server, authenticates, and delivers a
// complete RFC 5322 message. Connections are ephemeral. Port 465 uses
// implicit TLS; anything else connects plain and upgrades via STARTTLS.
func sendMail(ctx context.Context, server, username, password, from, to string, msg []byte) error {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return fmt.Errorf("parse SMTP server %q: %w", server, err)
	}

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	if port == "465" {
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", server, &tls.Config{ServerName: host})
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", server, dialErr)
		}
		client, err = smtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", server, err)
		}
	} else {
		conn, dialErr := dialer.DialContext(ctx, "tcp", server)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", server, dialErr)
		}
		client, err = smtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", server, err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if port != "465" {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if username != "" && password != "" {
		auth := smtp.PlainAuth("", username, password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(extractAddress(from)); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(extractAddress(to)); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", to, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}

// extractAddress pulls the bare address out of "Name <addr>" forms.
func extractAddress(s string) string {
	if end := strings.LastIndexByte(s, '>'); end > 0 {
		if start := strings.LastIndexByte(s[:end], '<'); start >= 0 {
			return s[start+1 : end]
		}
	}
	return s
}
