package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/abusewatch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func result(ip string, score int, level model.ThreatLevel, at time.Time) model.CheckResult {
	return model.CheckResult{
		IP:          ip,
		Score:       score,
		Reports:     score / 2,
		Categories:  []int{14, 18},
		Country:     "NL",
		ThreatLevel: level,
		Ports:       "22",
		CheckedAt:   at,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "abusewatch.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, path, db.Path())
}

func TestRecordCheckSafeHost(t *testing.T) {
	s := newTestStore(t)

	out, err := s.RecordCheck(result("198.51.100.1", 0, model.LevelSafe, t0))
	require.NoError(t, err)
	assert.False(t, out.WasThreat)

	h, err := s.Hosts.Get("198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.CheckCount)
	assert.Equal(t, model.LevelSafe, h.ThreatLevel)
	assert.Equal(t, "22", h.DestinationPort)

	_, err = s.Threats.Get("198.51.100.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordCheckIncrementsCount(t *testing.T) {
	s := newTestStore(t)
	ip := "198.51.100.2"

	_, err := s.RecordCheck(result(ip, 0, model.LevelSafe, t0))
	require.NoError(t, err)

	second := result(ip, 0, model.LevelSafe, t0.Add(8*24*time.Hour))
	second.Ports = ""
	_, err = s.RecordCheck(second)
	require.NoError(t, err)

	h, err := s.Hosts.Get(ip)
	require.NoError(t, err)
	assert.Equal(t, 2, h.CheckCount)
	assert.True(t, h.FirstSeen.Equal(t0))
	assert.True(t, h.LastChecked.Equal(t0.Add(8*24*time.Hour)))
	assert.Equal(t, "22", h.DestinationPort, "empty ports keep the previous value")
}

func TestRecordCheckThreatLifecycle(t *testing.T) {
	s := newTestStore(t)
	ip := "203.0.113.9"

	out, err := s.RecordCheck(result(ip, 85, model.LevelMalicious, t0))
	require.NoError(t, err)
	assert.False(t, out.WasThreat)

	rec, err := s.Threats.Get(ip)
	require.NoError(t, err)
	assert.Equal(t, 85, rec.AbuseScore)
	assert.Equal(t, "14,18", rec.Categories)
	assert.Equal(t, "22", rec.DestinationPort)
	assert.Equal(t, 1, rec.CheckCount)

	out, err = s.RecordCheck(result(ip, 10, model.LevelSafe, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, out.WasThreat)
	assert.True(t, out.Removed)

	_, err = s.Threats.Get(ip)
	assert.ErrorIs(t, err, ErrNotFound)

	h, err := s.Hosts.Get(ip)
	require.NoError(t, err)
	assert.Equal(t, model.LevelSafe, h.ThreatLevel)
}

func TestMarkSafeSurvivesRecheck(t *testing.T) {
	s := newTestStore(t)
	ip := "203.0.113.10"

	_, err := s.RecordCheck(result(ip, 90, model.LevelMalicious, t0))
	require.NoError(t, err)
	require.NoError(t, s.Threats.MarkSafe(ip, "", t0))

	out, err := s.RecordCheck(result(ip, 95, model.LevelMalicious, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, out.MarkedSafe)

	rec, err := s.Threats.Get(ip)
	require.NoError(t, err)
	assert.True(t, rec.MarkedSafe)
	assert.Equal(t, "admin", rec.MarkedSafeBy)
	require.NotNil(t, rec.MarkedSafeDate)
	assert.Equal(t, 95, rec.AbuseScore)

	// reclassified as safe: the override keeps the row
	out, err = s.RecordCheck(result(ip, 0, model.LevelSafe, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.False(t, out.Removed)
	rec, err = s.Threats.Get(ip)
	require.NoError(t, err)
	assert.True(t, rec.MarkedSafe)
	assert.Equal(t, model.LevelSafe, rec.ThreatLevel)

	flagged, err := s.Threats.Flagged(true, 0)
	require.NoError(t, err)
	assert.NotContains(t, flagged, ip)

	require.NoError(t, s.Threats.UnmarkSafe(ip))
	rec, err = s.Threats.Get(ip)
	require.NoError(t, err)
	assert.False(t, rec.MarkedSafe)
	assert.Empty(t, rec.MarkedSafeBy)
	assert.Nil(t, rec.MarkedSafeDate)
}

func TestMarkSafeUnknownIP(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.Threats.MarkSafe("203.0.113.99", "ops", t0), ErrNotFound)
	assert.ErrorIs(t, s.Threats.UnmarkSafe("203.0.113.99"), ErrNotFound)
}

func TestFlaggedFilters(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecordCheck(result("203.0.113.1", 90, model.LevelMalicious, t0))
	require.NoError(t, err)
	_, err = s.RecordCheck(result("203.0.113.2", 40, model.LevelSuspicious, t0.Add(time.Minute)))
	require.NoError(t, err)
	_, err = s.RecordCheck(result("203.0.113.3", 80, model.LevelMalicious, t0.Add(2*time.Minute)))
	require.NoError(t, err)

	ips, err := s.Threats.Flagged(false, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.3", "203.0.113.1"}, ips)

	ips, err = s.Threats.Flagged(true, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.3", "203.0.113.2"}, ips)
}

func TestNeedingCheck(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecordCheck(result("198.51.100.1", 0, model.LevelSafe, t0))
	require.NoError(t, err)
	_, err = s.RecordCheck(result("198.51.100.2", 0, model.LevelSafe, t0.Add(-8*24*time.Hour)))
	require.NoError(t, err)

	got, err := s.Hosts.NeedingCheck([]string{"198.51.100.9", "198.51.100.1", "198.51.100.2"}, 7, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.9", "198.51.100.2"}, got)

	got, err = s.Hosts.NeedingCheck(nil, 7, t0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemoveHost(t *testing.T) {
	s := newTestStore(t)
	ip := "203.0.113.20"
	for i := 0; i < 2; i++ {
		_, err := s.RecordCheck(result(ip, 90, model.LevelMalicious, t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	removed, err := s.RemoveHost(ip)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = s.Threats.Get(ip)
	assert.ErrorIs(t, err, ErrNotFound)

	host, err := s.Hosts.Get(ip)
	require.NoError(t, err, "the checked host row is never deleted")
	assert.Equal(t, 2, host.CheckCount)

	removed, err = s.RemoveHost(ip)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.RecordCheck(result(ip, 0, model.LevelSafe, t0.Add(3*time.Hour)))
	require.NoError(t, err)
	host, err = s.Hosts.Get(ip)
	require.NoError(t, err)
	assert.Equal(t, 3, host.CheckCount)
}

func TestListPagination(t *testing.T) {
	s := newTestStore(t)
	for i, ip := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3", "198.51.100.4", "198.51.100.5"} {
		_, err := s.RecordCheck(result(ip, 90, model.LevelMalicious, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Threats.MarkSafe("203.0.113.1", "ops", t0))

	page, err := s.Threats.List(model.ListOptions{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "198.51.100.5", page.Items[0].IP)

	page, err = s.Threats.List(model.ListOptions{Page: 1, Limit: 10, IncludeMarkedSafe: true, Search: "203.0.113"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	hosts, err := s.Hosts.List(model.ListOptions{Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, hosts.Total)
	require.Len(t, hosts.Items, 1)
	assert.Equal(t, "203.0.113.1", hosts.Items[0].IP)
}

func TestSummary(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecordCheck(result("203.0.113.1", 90, model.LevelMalicious, t0))
	require.NoError(t, err)
	sus := result("203.0.113.2", 40, model.LevelSuspicious, t0)
	sus.Country = "US"
	sus.Ports = "22,443"
	_, err = s.RecordCheck(sus)
	require.NoError(t, err)
	_, err = s.RecordCheck(result("198.51.100.1", 0, model.LevelSafe, t0))
	require.NoError(t, err)

	res, err := s.Quota.Reserve(t0, 1000, 3)
	require.NoError(t, err)
	require.NoError(t, s.Quota.RecordQuotaUse(res, 3, t0))

	sum, err := s.Stats.Summary(t0, 1000, false)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalIPs)
	assert.Equal(t, 1, sum.TotalThreats)
	assert.Equal(t, 1, sum.MaliciousCount)
	assert.Equal(t, 1, sum.SuspiciousCount)
	assert.Equal(t, 3, sum.TotalChecks)
	assert.Equal(t, 3, sum.Quota.Used)
	assert.Equal(t, 997, sum.Quota.Remaining)
	assert.Equal(t, t0.Format(time.RFC3339), sum.LastCheck)
	require.NotEmpty(t, sum.TopPorts)
	assert.Equal(t, model.Count{Key: "22", Count: 2}, sum.TopPorts[0])

	sum, err = s.Stats.Summary(t0, 1000, true)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalThreats)
}

func TestCategoriesRoundTrip(t *testing.T) {
	assert.Equal(t, "", JoinCategories(nil))
	assert.Equal(t, []int{4, 18}, SplitCategories(JoinCategories([]int{4, 18})))
	assert.Equal(t, []int{4}, SplitCategories("4,x,"))
}
