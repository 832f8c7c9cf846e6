//go:build unix

package daemon

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/storage"
)

func TestSignalDrainsInFlightBatch(t *testing.T) {
	// keep SIGTERM from killing the test binary whatever the timing
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGTERM)
	defer signal.Stop(guard)

	entered := make(chan string, 4)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("ipAddress")
		entered <- ip
		<-release
		fmt.Fprintf(w, `{"data":{"ipAddress":%q,"abuseConfidenceScore":90,"countryCode":"CN","totalReports":7,"reports":[]}}`, ip)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(unblock)

	cfg := testConfig(t, srv.URL)
	cfg.PollInterval = 50 * time.Millisecond
	cfg.BatchInterval = 100 * time.Millisecond
	d, err := New(nil, cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	var inFlight string
	select {
	case inFlight = <-entered:
	case <-time.After(5 * time.Second):
		d.Stop()
		t.Fatal("batch never reached the reputation service")
	}

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	assert.Eventually(t, func() bool { return d.State() == StateDraining }, 2*time.Second, 10*time.Millisecond)

	unblock()
	d.Wait()
	require.NoError(t, d.Stop())
	assert.Equal(t, StateStopped, d.State())
	assert.Len(t, entered, 0, "no new check starts while draining")

	sf, err := ReadStatusFile(cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, "stopped", sf.State)
	require.NotNil(t, sf.LastBatch)
	assert.Equal(t, 1, sf.LastBatch.Checked)
	assert.True(t, sf.LastBatch.Aborted)

	// the in-flight check finished and was recorded before the exit
	db, err := storage.Open(cfg.DBPath())
	require.NoError(t, err)
	defer db.Close()
	rec, err := storage.NewStore(db).Threats.Get(inFlight)
	require.NoError(t, err)
	assert.Equal(t, model.LevelMalicious, rec.ThreatLevel)
}
