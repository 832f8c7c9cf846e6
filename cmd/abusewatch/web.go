package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/web"
)

var webPort int

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Start the web API and dashboard",
	Long: `Start a lightweight web server over the abusewatch database.

The server provides:
- A JSON API for threats, hosts, statistics and exports
- Operator actions (check, mark safe, remove, alias sync)
- A small HTML dashboard and Prometheus metrics

Examples:
  abusewatch web
  abusewatch web --port 8080`,
	RunE: runWeb,
}

func init() {
	webCmd.Flags().IntVarP(&webPort, "port", "p", 0, "Web server port (default from config)")
}

func runWeb(cmd *cobra.Command, args []string) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	if webPort == 0 {
		webPort = cfg.WebPort
	}

	fmt.Printf("Starting web server on http://localhost:%d\n", webPort)
	fmt.Println("Press Ctrl+C to stop")

	return web.NewServer(svc, cfg, webPort).Start()
}
