package main

import (
	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/tui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Launch the terminal dashboard",
	Long: `Launch an interactive terminal dashboard.

The dashboard shows:
- Daemon state and today's quota
- Threat counts and top countries
- The threats table

Use arrow keys to select, 's' to mark or unmark safe, 'q' to quit.`,
	RunE: runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	return tui.NewApp(svc, cfg).Run()
}
