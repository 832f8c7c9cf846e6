package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/admin"
	"github.com/user/abusewatch/internal/daemon"
	"github.com/user/abusewatch/internal/util"
	"github.com/user/abusewatch/internal/web"
)

var (
	foreground   bool
	withWeb      bool
	startWebPort int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the abusewatch daemon",
	Long:  "Start the abusewatch daemon in the background to follow the firewall log.",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false,
		"Run in foreground instead of daemonizing")
	startCmd.Flags().BoolVar(&withWeb, "with-web", false,
		"Also start the web API server")
	startCmd.Flags().IntVar(&startWebPort, "web-port", 0,
		"Port for web server (default from config)")
}

func runStart(cmd *cobra.Command, args []string) error {
	running, pid := daemon.CheckRunning(cfg.DataDir)
	if running {
		fmt.Printf("Daemon is already running (PID %d)\n", pid)
		return nil
	}

	if startWebPort == 0 {
		startWebPort = cfg.WebPort
	}

	if foreground {
		return runForeground()
	}

	return runDetached()
}

func runForeground() error {
	fmt.Println("Starting abusewatch in foreground mode...")

	d, err := daemon.New(loader, cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if withWeb {
		srv := web.NewServer(admin.New(cfg, d.GetStore(), admin.WithClient(d.GetClient)), cfg, startWebPort)
		go func() {
			fmt.Printf("Web API: http://localhost:%d\n", startWebPort)
			if err := srv.Start(); err != nil {
				util.Error("Web server error: %v", err)
			}
		}()
		defer srv.Stop()
	}

	fmt.Println("abusewatch daemon started. Press Ctrl+C to stop.")

	d.Wait()
	return d.Stop()
}

// detachArgs rebuilds the command line for the background child.
func detachArgs() []string {
	args := []string{"start", "--foreground"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if withWeb {
		args = append(args, "--with-web", "--web-port", fmt.Sprintf("%d", startWebPort))
	}
	return args
}
