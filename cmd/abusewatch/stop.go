package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/daemon"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the abusewatch daemon",
	Long: `Stop the running abusewatch daemon. The daemon drains: a batch in flight
finishes its current host and records what it checked before exiting.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 40*time.Second,
		"How long to wait for the daemon to drain")
}

func runStop(cmd *cobra.Command, args []string) error {
	running, pid := daemon.CheckRunning(cfg.DataDir)
	if !running {
		fmt.Println("Daemon is not running")
		return nil
	}

	fmt.Printf("Draining daemon (PID %d)...\n", pid)
	if err := daemon.SendStop(cfg.DataDir); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(250 * time.Millisecond)
		if running, _ := daemon.CheckRunning(cfg.DataDir); running {
			continue
		}
		fmt.Println(okStyle.Render("Daemon stopped"))
		if sf, err := daemon.ReadStatusFile(cfg.DataDir); err == nil {
			label("Polls:", fmt.Sprint(sf.Polls))
			label("Batches:", fmt.Sprint(sf.Batches))
			if sf.WindowHosts > 0 {
				label("Unchecked:", fmt.Sprintf("%d hosts left in the window", sf.WindowHosts))
			}
		}
		return nil
	}

	return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, stopTimeout)
}
