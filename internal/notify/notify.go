// Package notify delivers threat events to push/email channels and publishes
// flagged hosts to firewall aliases.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/user/abusewatch/internal/logparser"
	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const sendTimeout = 15 * time.Second

// Notifier sends one threat event to a channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev model.ThreatEvent) error
}

// AliasSink replaces the contents of a firewall alias with ips.
type AliasSink interface {
	Name() string
	Sync(ctx context.Context, ips []string) error
}

// Dispatcher fans events out to notifiers and alias sinks in the
// background. Failures are logged and never reach the caller.
type Dispatcher struct {
	notifiers []Notifier
	sinks     []AliasSink
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(notifiers []Notifier, sinks []AliasSink) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, sinks: sinks}
}

// FromConfig builds a dispatcher with every enabled channel.
func FromConfig(cfg *util.Config) *Dispatcher {
	var notifiers []Notifier
	if cfg.Ntfy.Enabled {
		notifiers = append(notifiers, NewNtfy(cfg.Ntfy, cfg.Alias))
	}
	if cfg.Email.Enabled {
		notifiers = append(notifiers, NewEmail(cfg.Email))
	}
	return NewDispatcher(notifiers, Sinks(cfg))
}

// Sinks returns the enabled alias sinks.
func Sinks(cfg *util.Config) []AliasSink {
	if !cfg.Alias.Enabled {
		return nil
	}
	var sinks []AliasSink
	if cfg.Alias.OPNsenseKey != "" {
		sinks = append(sinks, NewOPNsenseAlias(cfg.Alias))
	}
	if cfg.Alias.NftEnabled {
		sinks = append(sinks, NewNftSet(cfg.Alias.NftTable, cfg.Alias.NftSet))
	}
	return sinks
}

// HasSinks reports whether any alias sink is configured.
func (d *Dispatcher) HasSinks() bool {
	return len(d.sinks) > 0
}

// Dispatch sends ev to every notifier.
func (d *Dispatcher) Dispatch(ev model.ThreatEvent) {
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := n.Notify(ctx, ev); err != nil {
				log.Warn().Err(err).Str("channel", n.Name()).Str("ip", ev.IP).Msg("Notification failed")
				return
			}
			log.Debug().Str("channel", n.Name()).Str("ip", ev.IP).Msg("Notification sent")
		}(n)
	}
}

// SyncAliases publishes ips to every alias sink.
func (d *Dispatcher) SyncAliases(ips []string) {
	for _, s := range d.sinks {
		d.wg.Add(1)
		go func(s AliasSink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := s.Sync(ctx, ips); err != nil {
				log.Warn().Err(err).Str("sink", s.Name()).Msg("Alias sync failed")
				return
			}
			log.Info().Str("sink", s.Name()).Int("hosts", len(ips)).Msg("Alias synced")
		}(s)
	}
}

// SyncNow publishes ips synchronously and returns the first failure.
func (d *Dispatcher) SyncNow(ctx context.Context, ips []string) error {
	var firstErr error
	for _, s := range d.sinks {
		if err := s.Sync(ctx, ips); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return firstErr
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ConnectionSummary condenses connection strings into the target host and
// the first three destination ports.
func ConnectionSummary(conns []string) string {
	ports := logparser.DestinationPorts(conns)

	targets := make(map[string]struct{})
	for _, c := range conns {
		_, dst, ok := strings.Cut(c, " accessing ")
		if !ok {
			continue
		}
		if i := strings.LastIndex(dst, ":"); i > 0 {
			targets[dst[:i]] = struct{}{}
		}
	}
	hosts := make([]string, 0, len(targets))
	for h := range targets {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	var portInfo string
	if len(ports) > 0 {
		shown := ports
		if len(shown) > 3 {
			shown = shown[:3]
		}
		parts := make([]string, len(shown))
		for i, p := range shown {
			parts[i] = "Port " + p
		}
		portInfo = strings.Join(parts, ", ")
		if len(ports) > 3 {
			portInfo += fmt.Sprintf(" (+%d more)", len(ports)-3)
		}
	}

	switch {
	case len(hosts) > 0 && portInfo != "":
		return fmt.Sprintf("to %s (%s)", hosts[0], portInfo)
	case portInfo != "":
		return portInfo
	case len(hosts) > 0:
		return "to " + hosts[0]
	}
	return ""
}

// countryFlag returns the regional indicator pair for a two letter code.
func countryFlag(code string) string {
	if len(code) != 2 {
		return ""
	}
	code = strings.ToUpper(code)
	var b strings.Builder
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ""
		}
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String()
}
