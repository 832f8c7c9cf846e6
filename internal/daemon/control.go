package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/user/abusewatch/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	pidFileName    = "abusewatch.pid"
	statusFileName = "status.json"
)

// CheckRunning checks if the daemon is already running.
func CheckRunning(dataDir string) (bool, int) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFileName))
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}

	if !processAlive(pid) {
		return false, 0
	}
	return true, pid
}

// SendStop asks the running daemon to drain and exit.
func SendStop(dataDir string) error {
	running, pid := CheckRunning(dataDir)
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	if err := terminate(pid); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	return nil
}

// StatusFile holds serialized daemon status.
type StatusFile struct {
	State       string             `json:"state"`
	PID         int                `json:"pid"`
	StartTime   string             `json:"start_time"`
	Uptime      string             `json:"uptime"`
	UpdatedAt   string             `json:"updated_at"`
	Polls       int                `json:"polls"`
	Batches     int                `json:"batches"`
	WindowHosts int                `json:"window_hosts"`
	ConfigError string             `json:"config_error,omitempty"`
	LastBatch   *model.BatchResult `json:"last_batch,omitempty"`
	Jobs        []JobStatus        `json:"jobs"`
}

// WriteStatusFile writes the daemon status to a file.
func WriteStatusFile(dataDir string, status *DaemonStatus) error {
	sf := StatusFile{
		State:       status.State,
		PID:         status.PID,
		StartTime:   status.StartTime.Format(time.DateTime),
		Uptime:      status.Uptime.Round(time.Second).String(),
		UpdatedAt:   time.Now().Format(time.DateTime),
		Polls:       status.Polls,
		Batches:     status.Batches,
		WindowHosts: status.WindowHosts,
		ConfigError: status.ConfigError,
		LastBatch:   status.LastBatch,
		Jobs:        status.Jobs,
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}

	// rename so readers never see a partial file
	tmp := filepath.Join(dataDir, statusFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dataDir, statusFileName))
}

// ReadStatusFile reads the daemon status from a file.
func ReadStatusFile(dataDir string) (*StatusFile, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, statusFileName))
	if err != nil {
		return nil, err
	}

	var sf StatusFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, err
	}

	return &sf, nil
}
