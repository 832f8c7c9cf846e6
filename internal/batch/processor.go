// Package batch checks drained collection windows against the reputation
// service and records the outcome.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/abusewatch/internal/collector"
	"github.com/user/abusewatch/internal/logparser"
	"github.com/user/abusewatch/internal/metrics"
	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/reputation"
	"github.com/user/abusewatch/internal/storage"
	"github.com/user/abusewatch/internal/util"
)

// ErrQuotaExhausted is returned by CheckHost when no checks are left today.
var ErrQuotaExhausted = errors.New("daily check limit reached")

// Checker looks up the reputation of one IP.
type Checker interface {
	Check(ctx context.Context, ip string) (*reputation.Report, error)
}

// Dispatcher receives threat events and alias updates. Delivery is
// asynchronous and never fails the batch.
type Dispatcher interface {
	Dispatch(ev model.ThreatEvent)
	SyncAliases(ips []string)
	HasSinks() bool
}

// Processor runs batches. It is not safe for concurrent use; the daemon
// runs one batch at a time.
type Processor struct {
	cfg      *util.Config
	store    *storage.Store
	checker  Checker
	dispatch Dispatcher
	now      func() time.Time
}

// NewProcessor creates a processor. dispatch may be nil.
func NewProcessor(cfg *util.Config, store *storage.Store, checker Checker, dispatch Dispatcher) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    store,
		checker:  checker,
		dispatch: dispatch,
		now:      cfg.Now,
	}
}

type outcome struct {
	result  model.CheckResult
	report  *reputation.Report
	conns   []string
	isNew   bool
	skipped bool // marked safe, no event
}

// ProcessBatch checks the hosts in snap that are due and fit in today's
// quota. A fatal reputation error stops the batch and is returned with the
// partial result.
func (p *Processor) ProcessBatch(ctx context.Context, snap collector.Snapshot) (*model.BatchResult, error) {
	start := time.Now()
	res := &model.BatchResult{ID: uuid.NewString(), Candidates: len(snap)}
	logger := log.With().Str("batch", res.ID).Logger()
	defer func() {
		res.Duration = time.Since(start)
		metrics.BatchDuration.Observe(res.Duration.Seconds())
	}()

	if len(snap) == 0 {
		return res, nil
	}
	now := p.now()
	limit := p.cfg.DailyCheckLimit

	if reset, err := p.store.Quota.ResetIfNeeded(now); err != nil {
		return res, fmt.Errorf("failed to reset quota: %w", err)
	} else if reset {
		logger.Info().Str("date", now.Format("2006-01-02")).Msg("Daily quota reset")
	}

	status, err := p.store.Quota.Status(now, limit)
	if err != nil {
		return res, fmt.Errorf("failed to read quota: %w", err)
	}
	if status.Remaining == 0 {
		res.Skipped = len(snap)
		logger.Warn().Int("hosts", len(snap)).Int("limit", limit).Msg("Daily check limit reached, skipping batch")
		return res, nil
	}

	due, err := p.store.Hosts.NeedingCheck(snap.IPs(), p.cfg.CheckFrequency, now)
	if err != nil {
		return res, fmt.Errorf("failed to filter recent hosts: %w", err)
	}
	res.Skipped = len(snap) - len(due)
	if len(due) == 0 {
		logger.Debug().Int("hosts", len(snap)).Msg("All hosts checked recently")
		return res, nil
	}

	rsv, err := p.store.Quota.Reserve(now, limit, len(due))
	if err != nil {
		return res, fmt.Errorf("failed to reserve quota: %w", err)
	}
	res.Skipped += len(due) - rsv.Granted
	due = due[:rsv.Granted]

	var (
		used     int
		fatal    error
		outcomes []outcome
		conns    = snap.Index()
	)
	for _, ip := range due {
		if err := ctx.Err(); err != nil {
			fatal = err
			res.Aborted = true
			break
		}

		out, err := p.checkOne(ctx, ip, conns[ip])
		if billable(err) {
			used++
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				fatal = err
				res.Aborted = true
				break
			}
			if reputation.IsFatal(err) {
				logger.Error().Err(err).Str("ip", ip).Msg("Aborting batch")
				fatal = err
				res.Aborted = true
				break
			}
			logger.Warn().Err(err).Str("ip", ip).Msg("Check failed")
			res.Errors++
			if reputation.IsRetryable(err) {
				res.Retry = append(res.Retry, ip)
			}
			continue
		}

		res.Checked++
		if out.result.ThreatLevel.IsThreat() {
			res.ThreatsDetected++
			if out.isNew {
				res.NewThreats++
			}
		}
		outcomes = append(outcomes, out)
	}
	// hosts left unchecked by an abort
	res.Skipped += len(due) - res.Checked - res.Errors

	if err := p.store.Quota.RecordQuotaUse(rsv, used, now); err != nil {
		logger.Warn().Err(err).Msg("Failed to settle quota")
	}
	metrics.QuotaRemaining.Set(float64(rsv.Remaining + rsv.Granted - used))

	p.publish(outcomes, res.NewThreats > 0, logger)

	logger.Info().
		Int("candidates", res.Candidates).
		Int("checked", res.Checked).
		Int("threats", res.ThreatsDetected).
		Int("new", res.NewThreats).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Bool("aborted", res.Aborted).
		Msg("Batch complete")

	return res, fatal
}

// CheckHost checks one host immediately, ignoring the recency gate but not
// the daily quota.
func (p *Processor) CheckHost(ctx context.Context, ip string, conns []string) (*model.CheckResult, *reputation.Report, bool, error) {
	now := p.now()
	if _, err := p.store.Quota.ResetIfNeeded(now); err != nil {
		return nil, nil, false, fmt.Errorf("failed to reset quota: %w", err)
	}
	rsv, err := p.store.Quota.Reserve(now, p.cfg.DailyCheckLimit, 1)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if rsv.Granted == 0 {
		return nil, nil, false, ErrQuotaExhausted
	}

	out, err := p.checkOne(ctx, ip, conns)
	used := 0
	if billable(err) {
		used = 1
	}
	if qerr := p.store.Quota.RecordQuotaUse(rsv, used, now); qerr != nil {
		log.Warn().Err(qerr).Msg("Failed to settle quota")
	}
	if err != nil {
		return nil, nil, false, err
	}

	p.publish([]outcome{out}, out.isNew && out.result.ThreatLevel.IsThreat(), log.Logger)
	return &out.result, out.report, out.isNew, nil
}

func (p *Processor) checkOne(ctx context.Context, ip string, conns []string) (outcome, error) {
	rep, err := p.checker.Check(ctx, ip)
	if err != nil {
		if kind, ok := reputation.KindOf(err); ok {
			metrics.APIErrors.WithLabelValues(kind.String()).Inc()
		}
		return outcome{}, err
	}

	level := reputation.Classify(rep.Score, p.cfg.SuspiciousThreshold, p.cfg.MaliciousThreshold)
	result := model.CheckResult{
		IP:          ip,
		Score:       rep.Score,
		Reports:     rep.TotalReports,
		Categories:  rep.Categories,
		Country:     rep.CountryCode,
		ThreatLevel: level,
		Ports:       strings.Join(logparser.DestinationPorts(conns), ","),
		CheckedAt:   p.now(),
	}

	rec, err := p.store.RecordCheck(result)
	if err != nil {
		return outcome{}, fmt.Errorf("failed to record check for %s: %w", ip, err)
	}
	metrics.Checks.WithLabelValues(level.String()).Inc()

	out := outcome{
		result:  result,
		report:  rep,
		conns:   conns,
		isNew:   level.IsThreat() && !rec.WasThreat,
		skipped: rec.MarkedSafe,
	}
	if out.isNew {
		metrics.NewThreats.Inc()
		log.Warn().Str("ip", ip).Int("score", rep.Score).Str("level", level.String()).
			Str("country", rep.CountryCode).Msg("New threat detected")
	}
	return out, nil
}

func (p *Processor) publish(outcomes []outcome, syncAliases bool, logger zerolog.Logger) {
	if p.dispatch == nil {
		return
	}
	for _, o := range outcomes {
		if !o.result.ThreatLevel.IsThreat() || o.skipped {
			continue
		}
		p.dispatch.Dispatch(model.ThreatEvent{
			IP:          o.result.IP,
			Score:       o.result.Score,
			Reports:     o.result.Reports,
			ThreatLevel: o.result.ThreatLevel,
			Country:     o.result.Country,
			Connections: o.conns,
			IsNew:       o.isNew,
		})
	}

	if !syncAliases || !p.dispatch.HasSinks() {
		return
	}
	ips, err := p.store.Threats.Flagged(p.cfg.Alias.IncludeSuspicious, p.cfg.Alias.MaxRecentHosts)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list flagged hosts")
		return
	}
	p.dispatch.SyncAliases(ips)
}

// billable reports whether a finished check counted against the API quota.
// Requests rejected before being served are not counted.
func billable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var re *reputation.Error
		if !errors.As(err, &re) {
			return false
		}
	}
	kind, ok := reputation.KindOf(err)
	if !ok {
		// storage failure after a successful lookup
		return true
	}
	switch kind {
	case reputation.KindConfigInvalid, reputation.KindAuthenticationFailed, reputation.KindRateLimited:
		return false
	}
	return true
}
