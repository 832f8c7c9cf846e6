package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/util"
)

const userAgent = "abusewatch/1.0"

// Ntfy posts threat events to an ntfy topic.
type Ntfy struct {
	url              string
	token            string
	priority         int
	notifyMalicious  bool
	notifySuspicious bool
	includeDetails   bool
	aliasEnabled     bool
	aliasSuspicious  bool
	http             *http.Client
}

// NewNtfy creates an ntfy notifier. Alias settings only shape the action line.
func NewNtfy(cfg util.NtfyConfig, alias util.AliasConfig) *Ntfy {
	server := cfg.Server
	if !strings.HasSuffix(server, "/") {
		server += "/"
	}
	return &Ntfy{
		url:              server + cfg.Topic,
		token:            cfg.Token,
		priority:         clampPriority(cfg.Priority),
		notifyMalicious:  cfg.NotifyMalicious,
		notifySuspicious: cfg.NotifySuspicious,
		includeDetails:   cfg.IncludeConnectionDetails,
		aliasEnabled:     alias.Enabled,
		aliasSuspicious:  alias.IncludeSuspicious,
		http:             &http.Client{Timeout: 10 * time.Second},
	}
}

func clampPriority(p int) int {
	if p == 0 {
		return 3
	}
	return max(1, min(5, p))
}

func (n *Ntfy) Name() string { return "ntfy" }

// Wants reports whether events of level are delivered.
func (n *Ntfy) Wants(level model.ThreatLevel) bool {
	switch level {
	case model.LevelMalicious:
		return n.notifyMalicious
	case model.LevelSuspicious:
		return n.notifySuspicious
	}
	return false
}

// Notify sends ev unless its level is filtered out.
func (n *Ntfy) Notify(ctx context.Context, ev model.ThreatEvent) error {
	if !n.Wants(ev.ThreatLevel) {
		return nil
	}
	status := "UPDATED"
	if ev.IsNew {
		status = "NEW"
	}
	title := fmt.Sprintf("%s %s IP Detected", status, strings.ToUpper(ev.ThreatLevel.String()))
	return n.post(ctx, title, "warning,security,firewall", "https://www.abuseipdb.com/check/"+ev.IP, n.message(ev))
}

func (n *Ntfy) message(ev model.ThreatEvent) string {
	country := ev.Country
	if country == "" {
		country = "Unknown"
	}
	if flag := countryFlag(country); flag != "" {
		country += " " + flag
	}

	lines := []string{
		"Host: " + ev.IP,
		fmt.Sprintf("Threat Level: %s (%d%%)", strings.ToUpper(ev.ThreatLevel.String()), ev.Score),
		"Country: " + country,
		"Action: " + n.action(ev.ThreatLevel),
	}
	if n.includeDetails {
		if summary := ConnectionSummary(ev.Connections); summary != "" {
			lines = append(lines, "Connection: "+summary)
		}
	}
	return strings.Join(lines, "\n")
}

func (n *Ntfy) action(level model.ThreatLevel) string {
	switch {
	case level == model.LevelMalicious && n.aliasEnabled:
		return "Added to firewall alias"
	case level == model.LevelMalicious:
		return "Detected (alias disabled)"
	case n.aliasEnabled && n.aliasSuspicious:
		return "Added to firewall alias"
	}
	return "Monitored (not blocked)"
}

// Test sends a configuration test message.
func (n *Ntfy) Test(ctx context.Context) error {
	body := fmt.Sprintf("This is a test notification from abusewatch\nURL: %s\nPriority: %d", n.url, n.priority)
	return n.post(ctx, "abusewatch test notification", "test,security", "", body)
}

func (n *Ntfy) post(ctx context.Context, title, tags, click, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ntfy request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Title", title)
	req.Header.Set("Priority", strconv.Itoa(n.priority))
	req.Header.Set("Tags", tags)
	if click != "" {
		req.Header.Set("Click", click)
	}
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to ntfy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ntfy returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
