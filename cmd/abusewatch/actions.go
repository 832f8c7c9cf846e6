package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/admin"
)

var (
	checkFull bool
	markedBy  string
)

var checkCmd = &cobra.Command{
	Use:   "check [ip]",
	Short: "Check an IP now, or run one batch over the log tail",
	Long: `Check a single address against AbuseIPDB, or with --full read the
long log tail and run one batch over it. Both count against the daily quota.

Examples:
  abusewatch check 203.0.113.5
  abusewatch check --full`,
	Args: func(cmd *cobra.Command, args []string) error {
		if checkFull {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runCheck,
}

var markSafeCmd = &cobra.Command{
	Use:   "mark-safe <ip>",
	Short: "Mark a threat as a false positive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(svc *admin.Service) admin.Result {
			return svc.MarkSafe(context.Background(), args[0], markedBy)
		})
	},
}

var unmarkSafeCmd = &cobra.Command{
	Use:   "unmark-safe <ip>",
	Short: "Clear the marked-safe flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(svc *admin.Service) admin.Result {
			return svc.UnmarkSafe(context.Background(), args[0])
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <ip>",
	Short: "Remove a threat record",
	Long:  "Remove a threat record. The host's check history is kept, so it is not looked up again before the recheck interval.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(svc *admin.Service) admin.Result {
			return svc.RemoveHost(context.Background(), args[0])
		})
	},
}

var testAPICmd = &cobra.Command{
	Use:   "test-api",
	Short: "Verify the AbuseIPDB API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(svc *admin.Service) admin.Result {
			return svc.TestAPI(context.Background())
		})
	},
}

var testNtfyCmd = &cobra.Command{
	Use:   "test-ntfy",
	Short: "Send a test ntfy notification",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(svc *admin.Service) admin.Result {
			return svc.TestNtfy(context.Background())
		})
	},
}

var aliasCmd = &cobra.Command{
	Use:   "alias",
	Short: "Manage the firewall alias",
}

var aliasSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Publish the flagged hosts to every configured alias",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(svc *admin.Service) admin.Result {
			return svc.SyncAlias(context.Background())
		})
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkFull, "full", false, "Run one batch over the long log tail")
	markSafeCmd.Flags().StringVar(&markedBy, "by", currentUser(), "Who marked the host safe")
	aliasCmd.AddCommand(aliasSyncCmd)
}

// withService runs one admin call and reports its outcome.
func withService(call func(*admin.Service) admin.Result) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()
	return report(call(svc))
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func runCheck(cmd *cobra.Command, args []string) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	if checkFull {
		fmt.Printf("Checking hosts from the last %d log lines...\n", cfg.FullTailLines)
		return report(svc.RunBatch(context.Background()))
	}

	res := svc.CheckIP(context.Background(), args[0])
	if err := report(res); err != nil {
		return err
	}

	v := res.Data.(admin.CheckView)
	fmt.Println()
	label("Score:", strconv.Itoa(v.Score)+"%")
	label("Level:", v.ThreatLevel)
	label("Reports:", strconv.Itoa(v.Reports))
	label("Country:", v.Country)
	if v.ISP != "" {
		label("ISP:", v.ISP)
	}
	if v.Domain != "" {
		label("Domain:", v.Domain)
	}
	if v.UsageType != "" {
		label("Usage:", v.UsageType)
	}
	if v.IsTor {
		label("Tor:", "yes")
	}
	if v.LastReportedAt != "" {
		label("Reported:", v.LastReportedAt)
	}
	if len(v.Categories) > 0 {
		label("Categories:", strings.Join(v.Categories, ", "))
	}
	if v.IsNew {
		fmt.Println(warnStyle.Render("\nNew threat recorded"))
	}
	return nil
}
