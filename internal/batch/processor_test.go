package batch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/abusewatch/internal/collector"
	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/reputation"
	"github.com/user/abusewatch/internal/storage"
	"github.com/user/abusewatch/internal/util"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeChecker struct {
	mu     sync.Mutex
	scores map[string]int
	errs   map[string]error
	calls  []string
}

func (f *fakeChecker) Check(ctx context.Context, ip string) (*reputation.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ip)
	if err, ok := f.errs[ip]; ok {
		return nil, err
	}
	return &reputation.Report{IP: ip, Score: f.scores[ip], TotalReports: 3, CountryCode: "CN", Categories: []int{18}}, nil
}

type fakeDispatch struct {
	events []model.ThreatEvent
	synced [][]string
	sinks  bool
}

func (f *fakeDispatch) Dispatch(ev model.ThreatEvent) { f.events = append(f.events, ev) }
func (f *fakeDispatch) SyncAliases(ips []string)      { f.synced = append(f.synced, ips) }
func (f *fakeDispatch) HasSinks() bool                { return f.sinks }

type fixture struct {
	cfg      *util.Config
	store    *storage.Store
	checker  *fakeChecker
	dispatch *fakeDispatch
	proc     *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := util.DefaultConfig()
	cfg.DataDir = t.TempDir()

	f := &fixture{
		cfg:      cfg,
		store:    storage.NewStore(db),
		checker:  &fakeChecker{scores: map[string]int{}, errs: map[string]error{}},
		dispatch: &fakeDispatch{sinks: true},
	}
	f.proc = NewProcessor(cfg, f.store, f.checker, f.dispatch)
	f.proc.now = func() time.Time { return now }
	return f
}

func snapshot(ips ...string) collector.Snapshot {
	snap := make(collector.Snapshot, 0, len(ips))
	for _, ip := range ips {
		snap = append(snap, collector.HostConnections{
			IP:          ip,
			Connections: []string{ip + ":54321 accessing 192.168.1.10:443", ip + ":54322 accessing 192.168.1.10:22"},
		})
	}
	return snap
}

func TestProcessBatchNewMaliciousHost(t *testing.T) {
	f := newFixture(t)
	f.checker.scores["203.0.113.5"] = 85

	res, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.5"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.ThreatsDetected)
	assert.Equal(t, 1, res.NewThreats)
	assert.Equal(t, 0, res.Skipped)

	host, err := f.store.Hosts.Get("203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, model.LevelMalicious, host.ThreatLevel)
	assert.Equal(t, "22,443", host.DestinationPort)

	rec, err := f.store.Threats.Get("203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, 85, rec.AbuseScore)
	assert.Equal(t, "18", rec.Categories)

	require.Len(t, f.dispatch.events, 1)
	ev := f.dispatch.events[0]
	assert.True(t, ev.IsNew)
	assert.Equal(t, model.LevelMalicious, ev.ThreatLevel)
	assert.Len(t, ev.Connections, 2)
	assert.Equal(t, [][]string{{"203.0.113.5"}}, f.dispatch.synced)

	st, err := f.store.Quota.Status(now, f.cfg.DailyCheckLimit)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Used)
}

func TestProcessBatchQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	f.cfg.DailyCheckLimit = 2
	rsv, err := f.store.Quota.Reserve(now, 2, 2)
	require.NoError(t, err)
	require.NoError(t, f.store.Quota.RecordQuotaUse(rsv, 2, now))

	res, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.1", "203.0.113.2", "203.0.113.3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 0, res.Checked)
	assert.Empty(t, f.checker.calls)
}

func TestProcessBatchQuotaPartial(t *testing.T) {
	f := newFixture(t)
	f.cfg.DailyCheckLimit = 2

	res, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.1", "203.0.113.2", "203.0.113.3"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"203.0.113.1", "203.0.113.2"}, f.checker.calls)

	st, err := f.store.Quota.Status(now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Used)
}

func TestProcessBatchRecencyFilter(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.RecordCheck(model.CheckResult{IP: "203.0.113.5", ThreatLevel: model.LevelSafe, CheckedAt: now.Add(-3 * 24 * time.Hour)})
	require.NoError(t, err)
	_, err = f.store.RecordCheck(model.CheckResult{IP: "203.0.113.6", ThreatLevel: model.LevelSafe, CheckedAt: now.Add(-8 * 24 * time.Hour)})
	require.NoError(t, err)

	res, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.5", "203.0.113.6"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, []string{"203.0.113.6"}, f.checker.calls)

	host, err := f.store.Hosts.Get("203.0.113.6")
	require.NoError(t, err)
	assert.Equal(t, 2, host.CheckCount)
}

func TestProcessBatchFatalAbort(t *testing.T) {
	f := newFixture(t)
	f.checker.errs["203.0.113.2"] = &reputation.Error{Kind: reputation.KindAuthenticationFailed, IP: "203.0.113.2", StatusCode: 401}

	res, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.1", "203.0.113.2", "203.0.113.3"))
	require.Error(t, err)
	assert.True(t, reputation.IsFatal(err))
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"203.0.113.1", "203.0.113.2"}, f.checker.calls)

	// the completed check is kept, the rejected request is released
	_, err = f.store.Hosts.Get("203.0.113.1")
	require.NoError(t, err)
	st, err := f.store.Quota.Status(now, f.cfg.DailyCheckLimit)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Used)
}

func TestProcessBatchNonFatalErrorsContinue(t *testing.T) {
	f := newFixture(t)
	f.checker.errs["203.0.113.1"] = &reputation.Error{Kind: reputation.KindTimeout, IP: "203.0.113.1"}
	f.checker.scores["203.0.113.2"] = 50

	res, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.1", "203.0.113.2"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.ThreatsDetected)
	assert.False(t, res.Aborted)

	// a failed host stays due
	_, err = f.store.Hosts.Get("203.0.113.1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessBatchUpdatedThreatNotNew(t *testing.T) {
	f := newFixture(t)
	f.cfg.CheckFrequency = 1
	f.checker.scores["203.0.113.5"] = 90

	_, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.5"))
	require.NoError(t, err)

	f.proc.now = func() time.Time { return now.Add(48 * time.Hour) }
	res, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.5"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ThreatsDetected)
	assert.Equal(t, 0, res.NewThreats)
	require.Len(t, f.dispatch.events, 2)
	assert.False(t, f.dispatch.events[1].IsNew)
	assert.Len(t, f.dispatch.synced, 1, "aliases sync only on new threats")
}

func TestProcessBatchMarkedSafeNotDispatched(t *testing.T) {
	f := newFixture(t)
	f.cfg.CheckFrequency = 1
	f.checker.scores["203.0.113.5"] = 90

	_, err := f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.5"))
	require.NoError(t, err)
	require.NoError(t, f.store.Threats.MarkSafe("203.0.113.5", "ops", now))

	f.proc.now = func() time.Time { return now.Add(48 * time.Hour) }
	_, err = f.proc.ProcessBatch(context.Background(), snapshot("203.0.113.5"))
	require.NoError(t, err)
	assert.Len(t, f.dispatch.events, 1)

	rec, err := f.store.Threats.Get("203.0.113.5")
	require.NoError(t, err)
	assert.True(t, rec.MarkedSafe)
}

func TestProcessBatchCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.proc.ProcessBatch(ctx, snapshot("203.0.113.1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Aborted)
	assert.Empty(t, f.checker.calls)

	st, err := f.store.Quota.Status(now, f.cfg.DailyCheckLimit)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Used)
}

func TestProcessBatchEmpty(t *testing.T) {
	f := newFixture(t)
	res, err := f.proc.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
}

func TestCheckHost(t *testing.T) {
	f := newFixture(t)
	f.cfg.DailyCheckLimit = 1
	f.checker.scores["203.0.113.5"] = 75

	res, rep, isNew, err := f.proc.CheckHost(context.Background(), "203.0.113.5", nil)
	require.NoError(t, err)
	assert.Equal(t, model.LevelMalicious, res.ThreatLevel)
	assert.Equal(t, 75, rep.Score)
	assert.True(t, isNew)

	_, _, _, err = f.proc.CheckHost(context.Background(), "203.0.113.5", nil)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestProcessBatchReturnsRetryableHosts(t *testing.T) {
	f := newFixture(t)
	f.checker.errs["203.0.113.1"] = &reputation.Error{Kind: reputation.KindTimeout, IP: "203.0.113.1"}
	f.checker.errs["203.0.113.2"] = &reputation.Error{Kind: reputation.KindConnectionFailed, IP: "203.0.113.2"}
	f.checker.errs["203.0.113.3"] = &reputation.Error{Kind: reputation.KindValidation, IP: "203.0.113.3"}
	f.checker.scores["203.0.113.4"] = 10

	snap := snapshot("203.0.113.1", "203.0.113.2", "203.0.113.3", "203.0.113.4")
	res, err := f.proc.ProcessBatch(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Errors)
	assert.Equal(t, []string{"203.0.113.1", "203.0.113.2"}, res.Retry)

	// the service recovers: the retried hosts are still due
	delete(f.checker.errs, "203.0.113.1")
	delete(f.checker.errs, "203.0.113.2")
	res, err = f.proc.ProcessBatch(context.Background(), snap.Only(res.Retry))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Empty(t, res.Retry)
}
