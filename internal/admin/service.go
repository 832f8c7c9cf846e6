// Package admin is the operator surface shared by the CLI, the web API and
// the dashboard. Every call reports its outcome as a Result.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/user/abusewatch/internal/batch"
	"github.com/user/abusewatch/internal/collector"
	"github.com/user/abusewatch/internal/logparser"
	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/notify"
	"github.com/user/abusewatch/internal/report"
	"github.com/user/abusewatch/internal/reputation"
	"github.com/user/abusewatch/internal/storage"
	"github.com/user/abusewatch/internal/util"
)

// Status discriminates a Result.
type Status string

const (
	StatusOK       Status = "ok"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
	StatusLimited  Status = "limited"
	StatusNotFound Status = "not-found"
)

// Result is the outcome of an admin call.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

func ok(data any, format string, args ...any) Result {
	return Result{Status: StatusOK, Message: fmt.Sprintf(format, args...), Data: data}
}

func fail(status Status, format string, args ...any) Result {
	return Result{Status: status, Message: fmt.Sprintf(format, args...)}
}

// CheckView is the result of a manual check.
type CheckView struct {
	IP             string   `json:"ip"`
	Score          int      `json:"score"`
	ThreatLevel    string   `json:"threat_level"`
	Reports        int      `json:"reports"`
	Country        string   `json:"country"`
	ISP            string   `json:"isp,omitempty"`
	Domain         string   `json:"domain,omitempty"`
	UsageType      string   `json:"usage_type,omitempty"`
	IsTor          bool     `json:"is_tor"`
	LastReportedAt string   `json:"last_reported_at,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	IsNew          bool     `json:"is_new_threat"`
}

// ExportView is an export payload.
type ExportView struct {
	Format   string `json:"format"`
	Filename string `json:"filename"`
	Count    int    `json:"count"`
	Content  string `json:"content"`
}

// Service implements the operator actions on top of one store.
type Service struct {
	config    *util.Config
	store     *storage.Store
	client    func() *reputation.Client
	dispatch  *notify.Dispatcher
	processor *batch.Processor
	reports   *report.Generator
	parser    *logparser.Parser
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClient makes the service look hosts up through the client returned by
// current, so it shares the request throttle of a running daemon.
func WithClient(current func() *reputation.Client) Option {
	return func(s *Service) {
		s.client = current
	}
}

// sharedChecker resolves the client on every lookup; a config reload may
// replace it.
type sharedChecker func() *reputation.Client

func (f sharedChecker) Check(ctx context.Context, ip string) (*reputation.Report, error) {
	return f().Check(ctx, ip)
}

// New wires a service from cfg.
func New(cfg *util.Config, store *storage.Store, opts ...Option) *Service {
	own := reputation.NewClient(cfg.Reputation)
	s := &Service{
		config:   cfg,
		store:    store,
		client:   func() *reputation.Client { return own },
		dispatch: notify.FromConfig(cfg),
		reports:  report.NewGenerator(store, cfg),
		parser:   logparser.New(cfg),
		now:      cfg.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.processor = batch.NewProcessor(cfg, store, sharedChecker(s.client), s.dispatch)
	return s
}

// Wait blocks until notifications started by the service are delivered.
func (s *Service) Wait() {
	s.dispatch.Wait()
}

// Stats returns the dashboard summary.
func (s *Service) Stats() Result {
	sum, err := s.store.Stats.Summary(s.now(), s.config.DailyCheckLimit, s.config.Alias.IncludeSuspicious)
	if err != nil {
		return fail(StatusError, "Failed to load statistics: %v", err)
	}
	return ok(sum, "")
}

// Threats lists threat records.
func (s *Service) Threats(opts model.ListOptions) Result {
	page, err := s.store.Threats.List(opts)
	if err != nil {
		return fail(StatusError, "Failed to list threats: %v", err)
	}
	return ok(page, "")
}

// Hosts lists checked hosts.
func (s *Service) Hosts(opts model.ListOptions) Result {
	page, err := s.store.Hosts.List(opts)
	if err != nil {
		return fail(StatusError, "Failed to list hosts: %v", err)
	}
	return ok(page, "")
}

// MarkSafe flags a threat as a false positive and republishes the alias.
func (s *Service) MarkSafe(ctx context.Context, ip, actor string) Result {
	addr, res, valid := s.parseIP(ip)
	if !valid {
		return res
	}
	err := s.store.Threats.MarkSafe(addr, actor, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return fail(StatusNotFound, "%s is not a recorded threat", addr)
	}
	if err != nil {
		return fail(StatusError, "Failed to mark %s safe: %v", addr, err)
	}
	return ok(nil, "%s marked safe%s", addr, s.resync(ctx))
}

// UnmarkSafe clears the marked-safe flag.
func (s *Service) UnmarkSafe(ctx context.Context, ip string) Result {
	addr, res, valid := s.parseIP(ip)
	if !valid {
		return res
	}
	err := s.store.Threats.UnmarkSafe(addr)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(StatusNotFound, "%s is not a recorded threat", addr)
	}
	if err != nil {
		return fail(StatusError, "Failed to unmark %s: %v", addr, err)
	}
	return ok(nil, "%s is no longer marked safe%s", addr, s.resync(ctx))
}

// RemoveHost deletes the threat record of ip. Its check history is kept.
func (s *Service) RemoveHost(ctx context.Context, ip string) Result {
	addr, res, valid := s.parseIP(ip)
	if !valid {
		return res
	}
	removed, err := s.store.RemoveHost(addr)
	if err != nil {
		return fail(StatusError, "Failed to remove %s: %v", addr, err)
	}
	if !removed {
		return fail(StatusNotFound, "%s is not a recorded threat", addr)
	}
	return ok(nil, "%s removed%s", addr, s.resync(ctx))
}

// CheckIP checks one address now. It counts against the daily quota but
// ignores when the host was last checked.
func (s *Service) CheckIP(ctx context.Context, ip string) Result {
	addr, res, valid := s.parseIP(ip)
	if !valid {
		return res
	}
	if a := netip.MustParseAddr(addr); !s.parser.IsExternal(a) {
		return fail(StatusError, "%s is not a public address", addr)
	}

	result, rep, isNew, err := s.processor.CheckHost(ctx, addr, nil)
	if errors.Is(err, batch.ErrQuotaExhausted) {
		return fail(StatusLimited, "Daily check limit of %d reached", s.config.DailyCheckLimit)
	}
	if kind, isRep := reputation.KindOf(err); isRep && kind == reputation.KindRateLimited {
		return fail(StatusLimited, "Rate limited by the reputation service: %v", err)
	}
	if err != nil {
		return fail(StatusError, "Check failed: %v", err)
	}

	view := CheckView{
		IP:             result.IP,
		Score:          result.Score,
		ThreatLevel:    result.ThreatLevel.String(),
		Reports:        result.Reports,
		Country:        result.Country,
		ISP:            rep.ISP,
		Domain:         rep.Domain,
		UsageType:      rep.UsageType,
		IsTor:          rep.IsTor,
		LastReportedAt: rep.LastReportedAt,
		Categories:     reputation.CategoryNames(rep.Categories),
		IsNew:          isNew,
	}
	return ok(view, "%s is %s (%d%%)", addr, view.ThreatLevel, view.Score)
}

// RunBatch reads the long log tail once and runs a single batch over it.
func (s *Service) RunBatch(ctx context.Context) Result {
	col := collector.New(collector.NewTailSource(s.config.FirewallLog), s.parser, s.config.FullTailLines)
	defer col.Close()

	if _, err := col.Poll(ctx); err != nil {
		return fail(StatusError, "Failed to read firewall log: %v", err)
	}
	snap := col.Window().Drain()
	if len(snap) == 0 {
		return ok(&model.BatchResult{}, "No external hosts in the last %d log lines", s.config.FullTailLines)
	}

	res, err := s.processor.ProcessBatch(ctx, snap)
	if err != nil {
		if kind, isRep := reputation.KindOf(err); isRep && kind == reputation.KindRateLimited {
			return Result{Status: StatusLimited, Message: err.Error(), Data: res}
		}
		return Result{Status: StatusError, Message: err.Error(), Data: res}
	}
	if res.Checked == 0 && res.Skipped > 0 {
		return Result{Status: StatusLimited, Message: fmt.Sprintf("%d hosts skipped (recently checked or over quota)", res.Skipped), Data: res}
	}
	return ok(res, "Checked %d hosts, %d threats (%d new)", res.Checked, res.ThreatsDetected, res.NewThreats)
}

// TestAPI looks up a well-known address to prove the key works.
func (s *Service) TestAPI(ctx context.Context) Result {
	client := s.client()
	if err := client.Validate(); err != nil {
		return fail(StatusDisabled, "%v", err)
	}
	rep, err := client.TestConnection(ctx)
	if err != nil {
		if kind, isRep := reputation.KindOf(err); isRep && kind == reputation.KindRateLimited {
			return fail(StatusLimited, "%v", err)
		}
		return fail(StatusError, "API test failed: %v", err)
	}
	return ok(rep, "API key is valid")
}

// TestNtfy sends a test notification.
func (s *Service) TestNtfy(ctx context.Context) Result {
	if !s.config.Ntfy.Enabled {
		return fail(StatusDisabled, "ntfy notifications are disabled")
	}
	if err := notify.NewNtfy(s.config.Ntfy, s.config.Alias).Test(ctx); err != nil {
		return fail(StatusError, "ntfy test failed: %v", err)
	}
	return ok(nil, "Test notification sent to %s", s.config.Ntfy.Topic)
}

// SyncAlias publishes the current flagged set to every alias sink.
func (s *Service) SyncAlias(ctx context.Context) Result {
	if !s.dispatch.HasSinks() {
		return fail(StatusDisabled, "No firewall alias is configured")
	}
	ips, err := s.store.Threats.Flagged(s.config.Alias.IncludeSuspicious, s.config.Alias.MaxRecentHosts)
	if err != nil {
		return fail(StatusError, "Failed to list flagged hosts: %v", err)
	}
	if err := s.dispatch.SyncNow(ctx, ips); err != nil {
		return fail(StatusError, "Alias sync failed: %v", err)
	}
	return ok(ips, "Alias %s updated with %d hosts", s.config.Alias.Name, len(ips))
}

// Export renders threats in the requested format.
func (s *Service) Export(opts model.ExportOptions) Result {
	out, data, err := s.reports.Export(opts)
	if errors.Is(err, report.ErrUnsupportedFormat) {
		return fail(StatusError, "%v", err)
	}
	if err != nil {
		return fail(StatusError, "Export failed: %v", err)
	}
	view := ExportView{
		Format:   data.Format,
		Filename: report.Filename(data.Format, data.GeneratedAt),
		Count:    len(data.Threats),
		Content:  string(out),
	}
	return ok(view, "Exported %d threats", view.Count)
}

// ExportToFile writes an export to opts.OutputPath, or under the data
// directory when no path is given. Data is the written path.
func (s *Service) ExportToFile(opts model.ExportOptions) Result {
	path, data, err := s.reports.WriteFile(opts)
	if errors.Is(err, report.ErrUnsupportedFormat) {
		return fail(StatusError, "%v", err)
	}
	if err != nil {
		return fail(StatusError, "Export failed: %v", err)
	}
	return ok(path, "Exported %d threats to %s", len(data.Threats), path)
}

// RecentConnections parses the long log tail and returns the newest
// accepted external connections first.
func (s *Service) RecentConnections(ctx context.Context, limit int) Result {
	if limit <= 0 {
		limit = 50
	}
	col := collector.New(collector.NewTailSource(s.config.FirewallLog), s.parser, s.config.FullTailLines)
	defer col.Close()

	if _, err := col.Poll(ctx); err != nil {
		return fail(StatusError, "Failed to read firewall log: %v", err)
	}
	events := col.Recent(limit)
	return ok(events, "%d connections", len(events))
}

func (s *Service) parseIP(ip string) (string, Result, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fail(StatusError, "Invalid IP address: %q", ip), false
	}
	return addr.Unmap().String(), Result{}, true
}

// resync republishes the alias after an operator change and returns a
// message suffix describing the outcome.
func (s *Service) resync(ctx context.Context) string {
	if !s.dispatch.HasSinks() {
		return ""
	}
	if r := s.SyncAlias(ctx); !r.OK() {
		return "; " + r.Message
	}
	return "; alias updated"
}
