package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/reputation"
	"github.com/user/abusewatch/internal/storage"
	"github.com/user/abusewatch/internal/util"
)

const header = `<134>1 2024-01-15T10:30:45+00:00 OPNsense.localdomain filterlog 61573 - [meta sequenceId="4"] `

func tcpLine(src, dport string) string {
	fields := []string{
		"96", "", "", "fae559338f65e11c53669fc3642c93c2", "igb0", "match", "pass", "in", "4",
		"0x0", "", "64", "12345", "0", "DF", "6", "tcp", "60", src, "192.168.1.10",
		"54321", dport, "0", "S", "123456789", "", "64240", "", "mss",
	}
	return header + strings.Join(fields, ",")
}

func jsonDecode(r *http.Request, v any) error {
	return jsoniter.NewDecoder(r.Body).Decode(v)
}

type fixture struct {
	svc   *Service
	store *storage.Store
	cfg   *util.Config
	calls *atomic.Int32
}

func newFixture(t *testing.T, mutate func(*util.Config)) *fixture {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		ip := r.URL.Query().Get("ipAddress")
		score := 0
		if strings.HasPrefix(ip, "203.0.113.") {
			score = 95
		}
		fmt.Fprintf(w, `{"data":{"ipAddress":%q,"abuseConfidenceScore":%d,"countryCode":"NL","isp":"Example BV","isTor":false,"totalReports":12,"reports":[{"categories":[18,22]}]}}`, ip, score)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	logPath := filepath.Join(dir, "latest.log")
	require.NoError(t, os.WriteFile(logPath, []byte(strings.Join([]string{
		tcpLine("203.0.113.5", "22"),
		tcpLine("198.51.100.7", "443"),
		tcpLine("203.0.113.5", "80"),
	}, "\n")+"\n"), 0644))

	cfg := util.DefaultConfig()
	cfg.DataDir = dir
	cfg.FirewallLog = logPath
	cfg.Reputation.APIKey = "test-key"
	cfg.Reputation.Endpoint = srv.URL
	cfg.Reputation.MinRequestInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	db, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewStore(db)

	svc := New(cfg, store)
	t.Cleanup(svc.Wait)
	return &fixture{svc: svc, store: store, cfg: cfg, calls: &calls}
}

func TestCheckIP(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res := f.svc.CheckIP(ctx, "203.0.113.9")
	require.Equal(t, StatusOK, res.Status, res.Message)
	view := res.Data.(CheckView)
	assert.Equal(t, "malicious", view.ThreatLevel)
	assert.Equal(t, 95, view.Score)
	assert.Equal(t, "Example BV", view.ISP)
	assert.True(t, view.IsNew)
	assert.Contains(t, view.Categories, "SSH")

	_, err := f.store.Threats.Get("203.0.113.9")
	assert.NoError(t, err)
}

func TestWithClientSharesThrottle(t *testing.T) {
	f := newFixture(t, nil)
	var shared atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		shared.Add(1)
		fmt.Fprintf(w, `{"data":{"ipAddress":%q,"abuseConfidenceScore":0,"countryCode":"NL","totalReports":0,"reports":[]}}`, r.URL.Query().Get("ipAddress"))
	}))
	t.Cleanup(srv.Close)

	client := reputation.NewClient(util.ReputationConfig{
		APIKey:             "daemon-key",
		Endpoint:           srv.URL,
		MinRequestInterval: 300 * time.Millisecond,
	})
	svc := New(f.cfg, f.store, WithClient(func() *reputation.Client { return client }))
	t.Cleanup(svc.Wait)
	ctx := context.Background()

	_, err := client.Check(ctx, "198.51.100.1")
	require.NoError(t, err)
	start := time.Now()
	res := svc.CheckIP(ctx, "198.51.100.2")
	require.True(t, res.OK(), res.Message)

	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "the lookup waits for the daemon's last request")
	assert.Equal(t, int32(2), shared.Load())
	assert.Equal(t, int32(0), f.calls.Load(), "no private client is used")
	assert.True(t, svc.TestAPI(ctx).OK())
	assert.Equal(t, int32(3), shared.Load())
}

func TestCheckIPRejects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		ip   string
	}{
		{"garbage", "not-an-ip"},
		{"private", "192.168.1.10"},
		{"loopback", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.svc.CheckIP(ctx, tt.ip)
			assert.Equal(t, StatusError, res.Status)
		})
	}
	assert.Zero(t, f.calls.Load())
}

func TestCheckIPLimited(t *testing.T) {
	f := newFixture(t, func(c *util.Config) { c.DailyCheckLimit = 1 })
	ctx := context.Background()

	require.True(t, f.svc.CheckIP(ctx, "203.0.113.9").OK())
	res := f.svc.CheckIP(ctx, "203.0.113.10")
	assert.Equal(t, StatusLimited, res.Status)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestMarkSafeFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.Equal(t, StatusNotFound, f.svc.MarkSafe(ctx, "203.0.113.9", "ops").Status)
	assert.Equal(t, StatusError, f.svc.MarkSafe(ctx, "nope", "ops").Status)

	require.True(t, f.svc.CheckIP(ctx, "203.0.113.9").OK())
	res := f.svc.MarkSafe(ctx, "203.0.113.9", "ops")
	require.True(t, res.OK(), res.Message)

	rec, err := f.store.Threats.Get("203.0.113.9")
	require.NoError(t, err)
	assert.True(t, rec.MarkedSafe)
	assert.Equal(t, "ops", rec.MarkedSafeBy)

	require.True(t, f.svc.UnmarkSafe(ctx, "203.0.113.9").OK())
	rec, err = f.store.Threats.Get("203.0.113.9")
	require.NoError(t, err)
	assert.False(t, rec.MarkedSafe)
}

func TestRemoveHost(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.Equal(t, StatusNotFound, f.svc.RemoveHost(ctx, "203.0.113.9").Status)
	require.True(t, f.svc.CheckIP(ctx, "203.0.113.9").OK())
	require.True(t, f.svc.RemoveHost(ctx, "203.0.113.9").OK())

	_, err := f.store.Threats.Get("203.0.113.9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	host, err := f.store.Hosts.Get("203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, 1, host.CheckCount)
	assert.Equal(t, StatusNotFound, f.svc.RemoveHost(ctx, "203.0.113.9").Status)
}

func TestStatsAndListings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.svc.CheckIP(ctx, "203.0.113.9").OK())
	require.True(t, f.svc.CheckIP(ctx, "198.51.100.7").OK())

	res := f.svc.Stats()
	require.True(t, res.OK())
	sum := res.Data.(*model.Summary)
	assert.Equal(t, 2, sum.TotalIPs)
	assert.Equal(t, 1, sum.MaliciousCount)
	assert.Equal(t, 2, sum.Quota.Used)

	res = f.svc.Threats(model.ListOptions{})
	require.True(t, res.OK())
	assert.Len(t, res.Data.(model.Page[model.ThreatRecord]).Items, 1)

	res = f.svc.Hosts(model.ListOptions{Search: "198.51"})
	require.True(t, res.OK())
	assert.Len(t, res.Data.(model.Page[model.CheckedHost]).Items, 1)
}

func TestRunBatch(t *testing.T) {
	f := newFixture(t, nil)

	res := f.svc.RunBatch(context.Background())
	require.True(t, res.OK(), res.Message)
	br := res.Data.(*model.BatchResult)
	assert.Equal(t, 2, br.Checked)
	assert.Equal(t, 1, br.NewThreats)

	// everything is fresh now
	res = f.svc.RunBatch(context.Background())
	assert.Equal(t, StatusLimited, res.Status)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestRecentConnections(t *testing.T) {
	f := newFixture(t, nil)

	res := f.svc.RecentConnections(context.Background(), 2)
	require.True(t, res.OK())
	events := res.Data.([]model.ConnectionEvent)
	require.Len(t, events, 2)
	assert.Equal(t, "203.0.113.5", events[0].ExternalIP)
	assert.Equal(t, "80", events[0].InternalPort)
}

func TestDisabledFeatures(t *testing.T) {
	f := newFixture(t, func(c *util.Config) { c.Reputation.APIKey = util.PlaceholderAPIKey })
	ctx := context.Background()

	assert.Equal(t, StatusDisabled, f.svc.TestAPI(ctx).Status)
	assert.Equal(t, StatusDisabled, f.svc.TestNtfy(ctx).Status)
	assert.Equal(t, StatusDisabled, f.svc.SyncAlias(ctx).Status)
	assert.Zero(t, f.calls.Load())
}

func TestTestAPI(t *testing.T) {
	f := newFixture(t, nil)
	res := f.svc.TestAPI(context.Background())
	require.True(t, res.OK(), res.Message)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestSyncAliasOPNsense(t *testing.T) {
	var content atomic.Value
	opn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "getAliasUUID"):
			w.Write([]byte(`{"uuid":"u1"}`))
		case strings.Contains(r.URL.Path, "setItem"):
			var body struct {
				Alias struct {
					Content string `json:"content"`
				} `json:"alias"`
			}
			assert.NoError(t, jsonDecode(r, &body))
			content.Store(body.Alias.Content)
			w.Write([]byte(`{"result":"saved"}`))
		default:
			w.Write([]byte(`{"status":"ok"}`))
		}
	}))
	defer opn.Close()

	f := newFixture(t, func(c *util.Config) {
		c.Alias.Enabled = true
		c.Alias.OPNsenseURL = opn.URL
		c.Alias.OPNsenseKey = "k"
		c.Alias.OPNsenseSecret = "s"
	})
	ctx := context.Background()
	require.True(t, f.svc.CheckIP(ctx, "203.0.113.9").OK())
	f.svc.Wait()

	res := f.svc.SyncAlias(ctx)
	require.True(t, res.OK(), res.Message)
	assert.Equal(t, []string{"203.0.113.9"}, res.Data)
	assert.Equal(t, "203.0.113.9", content.Load())
}

func TestExport(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.svc.CheckIP(context.Background(), "203.0.113.9").OK())

	res := f.svc.Export(model.ExportOptions{Format: "txt"})
	require.True(t, res.OK())
	view := res.Data.(ExportView)
	assert.Equal(t, 1, view.Count)
	assert.True(t, strings.HasSuffix(view.Filename, ".txt"))
	assert.Contains(t, view.Content, "203.0.113.9\n")

	assert.Equal(t, StatusError, f.svc.Export(model.ExportOptions{Format: "xml"}).Status)
}

func TestExportToFile(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.svc.CheckIP(context.Background(), "203.0.113.9").OK())

	out := filepath.Join(t.TempDir(), "threats.csv")
	res := f.svc.ExportToFile(model.ExportOptions{Format: "csv", OutputPath: out})
	require.True(t, res.OK(), res.Message)
	assert.Equal(t, out, res.Data)

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(body), "203.0.113.9,95,malicious")
}

