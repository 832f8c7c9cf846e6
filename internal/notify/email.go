package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/util"
)

const maxEmailConnections = 10

// Email sends plain text alerts over SMTP.
type Email struct {
	addr     string
	host     string
	from     string
	to       []string
	username string
	password string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail creates an SMTP notifier.
func NewEmail(cfg util.EmailConfig) *Email {
	var to []string
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return &Email{
		addr:     net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.Port)),
		host:     cfg.Server,
		from:     cfg.From,
		to:       to,
		username: cfg.Username,
		password: cfg.Password,
		send:     smtp.SendMail,
	}
}

func (e *Email) Name() string { return "email" }

// Notify mails new threats. Updates of known threats are not mailed.
func (e *Email) Notify(ctx context.Context, ev model.ThreatEvent) error {
	if !ev.IsNew {
		return nil
	}
	if len(e.to) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}

	done := make(chan error, 1)
	go func() {
		done <- e.send(e.addr, auth, e.from, e.to, e.message(ev))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(ev model.ThreatEvent) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: Firewall Alert: Potential Threat from %s\r\n", ev.IP)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	fmt.Fprintf(&b, "IP Address:     %s\r\n", ev.IP)
	fmt.Fprintf(&b, "Threat Level:   %s\r\n", ev.ThreatLevel)
	fmt.Fprintf(&b, "Abuse Score:    %d%%\r\n", ev.Score)
	fmt.Fprintf(&b, "Total Reports:  %d\r\n", ev.Reports)
	fmt.Fprintf(&b, "Country:        %s\r\n", ev.Country)

	if len(ev.Connections) > 0 {
		b.WriteString("\r\nConnection attempts:\r\n")
		for i, c := range ev.Connections {
			if i == maxEmailConnections {
				fmt.Fprintf(&b, "  and %d more\r\n", len(ev.Connections)-maxEmailConnections)
				break
			}
			fmt.Fprintf(&b, "  %s\r\n", c)
		}
	}
	fmt.Fprintf(&b, "\r\nDetails: https://www.abuseipdb.com/check/%s\r\n", ev.IP)
	return []byte(b.String())
}
