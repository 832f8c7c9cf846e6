// Package daemon provides the background service: a poll job feeding the
// collection window and a batch job checking it.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/user/abusewatch/internal/batch"
	"github.com/user/abusewatch/internal/collector"
	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/notify"
	"github.com/user/abusewatch/internal/reputation"
	"github.com/user/abusewatch/internal/storage"
	"github.com/user/abusewatch/internal/util"
)

// State is the daemon lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Daemon manages the background service.
type Daemon struct {
	loader    *util.Loader
	config    *util.Config
	store     *storage.Store
	collector *collector.Collector
	client    *reputation.Client
	dispatch  *notify.Dispatcher
	processor *batch.Processor
	scheduler *Scheduler

	pidFile   string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	state     State
	startTime time.Time
	mu        sync.RWMutex
	stopOnce  sync.Once

	// written by the scheduler goroutine under mu
	polls     int
	configErr error
	lastBatch *model.BatchResult
	batches   int
}

// New creates a new daemon instance. The loader is kept for periodic
// reloads; cfg is the configuration it produced.
func New(loader *util.Loader, cfg *util.Config) (*Daemon, error) {
	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	col, err := collector.FromConfig(cfg, cfg.TailLines)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open firewall log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		loader:    loader,
		config:    cfg,
		store:     storage.NewStore(db),
		collector: col,
		pidFile:   filepath.Join(cfg.DataDir, pidFileName),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.apply(cfg)

	d.scheduler = NewScheduler(ctx, tickFor(cfg))
	d.registerJobs()

	return d, nil
}

func tickFor(cfg *util.Config) time.Duration {
	tick := min(cfg.PollInterval, cfg.BatchInterval) / 4
	return max(tick, 50*time.Millisecond)
}

// apply builds the config-dependent components. An invalid config blocks
// batches until a later reload fixes it. The client, and with it the request
// throttle, survives reloads that leave the reputation settings alone.
func (d *Daemon) apply(cfg *util.Config) {
	if d.client == nil || d.config == nil || d.config.Reputation != cfg.Reputation {
		d.client = reputation.NewClient(cfg.Reputation)
	}
	d.config = cfg
	d.dispatch = notify.FromConfig(cfg)
	d.processor = batch.NewProcessor(cfg, d.store, d.client, d.dispatch)

	d.configErr = cfg.Validate()
	if d.configErr == nil {
		d.configErr = d.client.Validate()
	}
	if d.configErr != nil {
		util.Error("Invalid configuration, batches are blocked: %v", d.configErr)
	}
}

// Start starts the daemon.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.state != StateStopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.state = StateRunning
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.writePIDFile(); err != nil {
		d.setState(StateStopped)
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	util.Info("Daemon starting...")

	if d.loader != nil {
		if err := d.loader.Watch(); err != nil {
			util.Warn("Config hot reload disabled: %v", err)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scheduler.Run()
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handleSignals()
	}()

	util.Info("Daemon started with PID %d", os.Getpid())
	return nil
}

// Wait waits for the daemon to finish.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// Stop drains the daemon: no new job starts, the running one completes.
// It is safe to call after a signal already started the drain.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return nil
	}
	d.state = StateDraining
	d.mu.Unlock()

	var err error
	d.stopOnce.Do(func() {
		util.Info("Daemon draining...")
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Info("Daemon stopped gracefully")
		case <-time.After(30 * time.Second):
			util.Warn("Daemon stop timed out")
		}

		d.mu.RLock()
		dispatch := d.dispatch
		d.mu.RUnlock()
		dispatch.Wait()
		d.collector.Close()
		if d.loader != nil {
			d.loader.Close()
		}
		d.setState(StateStopped)
		d.writeStatus()
		d.removePIDFile()
		err = d.store.Close()
	})
	return err
}

// handleSignals starts the drain on SIGINT or SIGTERM. The scheduler
// returning ends Wait; the caller then completes it with Stop.
func (d *Daemon) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		util.Info("Received signal: %v", sig)
		d.setState(StateDraining)
		d.cancel()
	case <-d.ctx.Done():
	}
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Daemon) writePIDFile() error {
	if err := util.EnsureDir(filepath.Dir(d.pidFile)); err != nil {
		return err
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (d *Daemon) removePIDFile() {
	os.Remove(d.pidFile)
}

// State returns the lifecycle state.
func (d *Daemon) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// IsRunning returns whether the daemon is running.
func (d *Daemon) IsRunning() bool {
	return d.State() == StateRunning
}

// GetStatus returns the daemon status.
func (d *Daemon) GetStatus() *DaemonStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := &DaemonStatus{
		State:       d.state.String(),
		PID:         os.Getpid(),
		StartTime:   d.startTime,
		Uptime:      time.Since(d.startTime),
		Polls:       d.polls,
		Batches:     d.batches,
		WindowHosts: d.collector.Window().Len(),
		LastBatch:   d.lastBatch,
		Jobs:        d.scheduler.GetJobStatuses(),
	}
	if d.configErr != nil {
		st.ConfigError = d.configErr.Error()
	}
	return st
}

// DaemonStatus holds the current daemon status.
type DaemonStatus struct {
	State       string
	PID         int
	StartTime   time.Time
	Uptime      time.Duration
	Polls       int
	Batches     int
	WindowHosts int
	ConfigError string
	LastBatch   *model.BatchResult
	Jobs        []JobStatus
}

// GetStore returns the store.
func (d *Daemon) GetStore() *storage.Store {
	return d.store
}

// GetClient returns the reputation client batches currently use.
func (d *Daemon) GetClient() *reputation.Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client
}

// GetConfig returns the configuration.
func (d *Daemon) GetConfig() *util.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetContext returns the daemon context.
func (d *Daemon) GetContext() context.Context {
	return d.ctx
}
