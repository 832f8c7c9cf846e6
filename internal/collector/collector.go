// Package collector turns the firewall log tail into a window of external
// hosts and the connections they made.
package collector

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/user/abusewatch/internal/logparser"
	"github.com/user/abusewatch/internal/metrics"
	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/util"
)

const recentSize = 200

// Collector polls a LineSource through the parser.
type Collector struct {
	source LineSource
	lines  int
	window *Window

	mu     sync.Mutex
	parser *logparser.Parser
	recent []model.ConnectionEvent
}

// New creates a collector reading lines lines per poll.
func New(source LineSource, parser *logparser.Parser, lines int) *Collector {
	return &Collector{
		source: source,
		lines:  lines,
		parser: parser,
		window: NewWindow(),
	}
}

// NewSource builds the line source selected by cfg.
func NewSource(cfg *util.Config) (LineSource, error) {
	switch cfg.LogSource {
	case "follow":
		return NewFollowSource(cfg.FirewallLog, cfg.TailLines)
	case "", "tail":
		return NewTailSource(cfg.FirewallLog), nil
	default:
		return nil, fmt.Errorf("unknown log source %q", cfg.LogSource)
	}
}

// FromConfig builds a collector with the configured source and parser.
func FromConfig(cfg *util.Config, lines int) (*Collector, error) {
	src, err := NewSource(cfg)
	if err != nil {
		return nil, err
	}
	return New(src, logparser.New(cfg), lines), nil
}

// SetParser swaps the parser, used after a config reload.
func (c *Collector) SetParser(p *logparser.Parser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parser = p
}

// Window returns the accumulated window.
func (c *Collector) Window() *Window {
	return c.window
}

// Poll reads the tail once. It returns the hosts seen in this poll and
// merges them into the accumulated window.
func (c *Collector) Poll(ctx context.Context) (*Window, error) {
	lines, err := c.source.Lines(ctx, c.lines)
	if err != nil {
		return nil, fmt.Errorf("failed to read firewall log: %w", err)
	}

	c.mu.Lock()
	parser := c.parser
	c.mu.Unlock()

	seen := NewWindow()
	var events []model.ConnectionEvent
	for _, line := range lines {
		ev, ok := parser.Parse(line)
		if !ok {
			continue
		}
		seen.Add(ev.ExternalIP, logparser.ConnectionString(ev))
		events = append(events, *ev)
	}

	metrics.LinesRead.Add(float64(len(lines)))
	metrics.EventsAccepted.Add(float64(len(events)))

	c.window.Merge(seen)
	c.remember(events)
	metrics.WindowHosts.Set(float64(c.window.Len()))

	if len(events) > 0 {
		log.Debug().Int("lines", len(lines)).Int("events", len(events)).Int("hosts", seen.Len()).Msg("Poll complete")
	}
	return seen, nil
}

func (c *Collector) remember(events []model.ConnectionEvent) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, events...)
	if over := len(c.recent) - recentSize; over > 0 {
		c.recent = append(c.recent[:0], c.recent[over:]...)
	}
}

// Recent returns up to limit of the last accepted events, newest first.
func (c *Collector) Recent(limit int) []model.ConnectionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.recent) {
		limit = len(c.recent)
	}
	out := make([]model.ConnectionEvent, 0, limit)
	for i := len(c.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.recent[i])
	}
	return out
}

// Close releases the line source.
func (c *Collector) Close() error {
	return c.source.Close()
}
