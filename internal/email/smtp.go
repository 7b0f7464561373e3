package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// SMTPTransport delivers messages over SMTP using the sending
// account's own server settings. Connections are ephemeral.
type SMTPTransport struct{}

// Deliver composes the MIME message and hands it to the account's
// SMTP server.
func (SMTPTransport) Deliver(ctx context.Context, out *Outbound) error {
	from := out.Account.Address
	if out.Account.DisplayName != "" {
		from = fmt.Sprintf("%s <%s>", out.Account.DisplayName, out.Account.Address)
	}

	msg, err := ComposeMessage(ComposeOptions{
		From:      from,
		To:        out.To,
		Cc:        out.Cc,
		Bcc:       out.Bcc,
		Subject:   out.Subject,
		HTMLBody:  out.HTMLBody,
		PlainBody: out.PlainBody,
	})
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	recipients := collectRecipients(out.To, out.Cc, out.Bcc)
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	return sendMail(ctx, out.Account, out.Account.Address, recipients, msg)
}

// sendMail connects to the SMTP server, authenticates, and delivers
// the given message. The msg parameter should be a complete RFC 5322
// message. The context controls the deadline for the whole send.
func sendMail(ctx context.Context, acct Account, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(acct.SMTPHost, fmt.Sprintf("%d", acct.SMTPPort))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}

	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	var err error

	if !acct.StartTLS {
		// Implicit TLS (port 465): connect over TLS from the start.
		tlsCfg := &tls.Config{ServerName: acct.SMTPHost}
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, acct.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	} else {
		// STARTTLS (port 587): connect plain, then upgrade.
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, acct.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	if acct.StartTLS {
		tlsCfg := &tls.Config{ServerName: acct.SMTPHost}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if acct.SMTPUsername != "" && acct.SMTPPassword != "" {
		auth := smtp.PlainAuth("", acct.SMTPUsername, acct.SMTPPassword, acct.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}

	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
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

// extractAddress extracts the bare email address from a string that
// may be in "Name <addr>" or just "addr" format.
func extractAddress(s string) string {
	if idx := len(s) - 1; idx > 0 && s[idx] == '>' {
		if start := lastIndexByte(s, '<'); start >= 0 {
			return s[start+1 : idx]
		}
	}
	return s
}

// lastIndexByte returns the index of the last occurrence of c in s, or -1.
func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// collectRecipients gathers all unique bare email addresses from the
// To, Cc, and Bcc fields for SMTP RCPT TO commands.
func collectRecipients(to, cc, bcc []string) []string {
	seen := make(map[string]bool)
	var result []string

	for _, lists := range [][]string{to, cc, bcc} {
		for _, addr := range lists {
			bare := extractAddress(addr)
			if bare != "" && !seen[bare] {
				seen[bare] = true
				result = append(result, bare)
			}
		}
	}

	return result
}
