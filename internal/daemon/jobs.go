package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/abusewatch/internal/collector"
	"github.com/user/abusewatch/internal/logparser"
	"github.com/user/abusewatch/internal/reputation"
	"github.com/user/abusewatch/internal/util"
)

const (
	jobPoll  = "poll"
	jobBatch = "batch"

	defaultRateLimitHold = 15 * time.Minute
)

// registerJobs registers the poll and batch jobs with the scheduler.
func (d *Daemon) registerJobs() {
	d.scheduler.AddJob(&Job{
		Name:     jobPoll,
		Interval: d.config.PollInterval,
		Run:      d.runPoll,
	})

	d.scheduler.AddJob(&Job{
		Name:     jobBatch,
		Interval: d.config.BatchInterval,
		Run:      d.runBatch,
	})
}

func (d *Daemon) runPoll(ctx context.Context) error {
	d.mu.Lock()
	d.polls++
	polls := d.polls
	d.mu.Unlock()

	if d.reloadDue(polls) {
		d.reload()
	}

	seen, err := d.collector.Poll(ctx)
	if err != nil {
		return err
	}

	util.Debug("Poll %d: %d hosts seen, %d in window", polls, seen.Len(), d.collector.Window().Len())
	return nil
}

func (d *Daemon) reloadDue(polls int) bool {
	if d.loader == nil {
		return false
	}
	every := d.GetConfig().ReloadEveryPolls
	return d.loader.Changed() || (every > 0 && polls%every == 0)
}

// reload re-reads the config file and rebuilds the parser, client,
// processor and dispatcher. A file that cannot be read keeps the current
// settings.
func (d *Daemon) reload() {
	cfg, err := d.loader.Load()
	if err != nil {
		util.Error("Config reload failed, keeping current settings: %v", err)
		return
	}

	old := d.GetConfig()
	if cfg.FirewallLog != old.FirewallLog || cfg.LogSource != old.LogSource {
		util.Warn("Firewall log source changed, restart to apply")
	}
	if cfg.LogLevel != old.LogLevel {
		util.SetLevel(cfg.LogLevel)
	}

	d.collector.SetParser(logparser.New(cfg))

	d.mu.Lock()
	d.apply(cfg)
	d.mu.Unlock()

	d.scheduler.SetInterval(jobPoll, cfg.PollInterval)
	d.scheduler.SetInterval(jobBatch, cfg.BatchInterval)
	util.Debug("Configuration reloaded")
}

func (d *Daemon) runBatch(ctx context.Context) error {
	d.mu.RLock()
	cfgErr := d.configErr
	proc := d.processor
	d.mu.RUnlock()

	if cfgErr != nil {
		return fmt.Errorf("batch blocked by invalid configuration: %w", cfgErr)
	}

	window := d.collector.Window()
	snap := window.Drain()
	if len(snap) == 0 {
		return nil
	}

	res, err := proc.ProcessBatch(ctx, snap)

	d.mu.Lock()
	d.batches++
	d.lastBatch = res
	d.mu.Unlock()
	d.writeStatus()

	if err == nil {
		if len(res.Retry) > 0 {
			requeue(window, snap.Only(res.Retry))
			util.Debug("Requeued %d hosts after transient errors", len(res.Retry))
		}
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}

	// the window is only cleared by a batch that completes; checked hosts
	// are filtered by recency next time
	requeue(window, snap)

	var re *reputation.Error
	if errors.As(err, &re) {
		switch re.Kind {
		case reputation.KindRateLimited:
			hold := re.RetryAfter
			if hold <= 0 {
				hold = defaultRateLimitHold
			}
			d.scheduler.Hold(jobBatch, time.Now().Add(hold))
			util.Warn("Rate limited, batches paused for %s", hold)
		case reputation.KindAuthenticationFailed, reputation.KindConfigInvalid:
			d.mu.Lock()
			d.configErr = err
			d.mu.Unlock()
			util.Error("Batches blocked until the configuration is fixed: %v", err)
		}
	}
	return err
}

func requeue(w *collector.Window, snap collector.Snapshot) {
	for _, h := range snap {
		for _, conn := range h.Connections {
			w.Add(h.IP, conn)
		}
	}
}

func (d *Daemon) writeStatus() {
	if err := WriteStatusFile(d.GetConfig().DataDir, d.GetStatus()); err != nil {
		util.Warn("Failed to write status file: %v", err)
	}
}
