package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/daemon"
	"github.com/user/abusewatch/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  "Show the current state of the abusewatch daemon and its scheduled jobs.",
	RunE:  runStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show threat statistics",
	RunE:  runStats,
}

func runStatus(cmd *cobra.Command, args []string) error {
	running, pid := daemon.CheckRunning(cfg.DataDir)

	fmt.Println(titleStyle.Render("abusewatch Status"))

	fmt.Print(labelStyle.Render("Daemon: "))
	if running {
		fmt.Println(okStyle.Render(fmt.Sprintf("Running (PID %d)", pid)))
	} else {
		fmt.Println(failStyle.Render("Stopped"))
	}

	sf, err := daemon.ReadStatusFile(cfg.DataDir)
	if err != nil {
		return nil
	}

	label("State:", sf.State)
	label("Started:", sf.StartTime)
	label("Uptime:", sf.Uptime)
	label("Updated:", sf.UpdatedAt)
	label("Polls:", strconv.Itoa(sf.Polls))
	label("Batches:", strconv.Itoa(sf.Batches))
	label("Window:", fmt.Sprintf("%d hosts pending", sf.WindowHosts))
	if sf.ConfigError != "" {
		fmt.Printf("  %s %s\n", labelStyle.Render("Config:"), failStyle.Render(sf.ConfigError))
	}

	if b := sf.LastBatch; b != nil {
		fmt.Println()
		fmt.Println(titleStyle.Render("Last Batch"))
		label("Checked:", fmt.Sprintf("%d of %d candidates", b.Checked, b.Candidates))
		label("Threats:", fmt.Sprintf("%d (%d new)", b.ThreatsDetected, b.NewThreats))
		label("Skipped:", strconv.Itoa(b.Skipped))
		label("Errors:", strconv.Itoa(b.Errors))
		label("Duration:", b.Duration.String())
	}

	if len(sf.Jobs) > 0 {
		fmt.Println()
		fmt.Println(titleStyle.Render("Jobs"))

		for _, job := range sf.Jobs {
			statusStr := "idle"
			if job.Running {
				statusStr = "running"
			}
			fmt.Printf("  %s: %s (every %s, last: %s, next: %s, errors: %d)\n",
				labelStyle.Render(job.Name),
				valueStyle.Render(statusStr),
				job.Interval,
				job.LastRun.Local().Format("15:04:05"),
				job.NextRun.Local().Format("15:04:05"),
				job.ErrorCount)
			if job.LastError != "" {
				fmt.Printf("    %s\n", failStyle.Render(job.LastError))
			}
		}
	}

	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	res := svc.Stats()
	if !res.OK() {
		return report(res)
	}
	sum := res.Data.(*model.Summary)

	fmt.Println(titleStyle.Render("Threat Statistics"))
	label("Hosts checked:", strconv.Itoa(sum.TotalIPs))
	label("Total checks:", strconv.Itoa(sum.TotalChecks))
	label("Threats:", strconv.Itoa(sum.TotalThreats))
	label("Malicious:", strconv.Itoa(sum.MaliciousCount))
	label("Suspicious:", strconv.Itoa(sum.SuspiciousCount))
	label("Marked safe:", strconv.Itoa(sum.MarkedSafeCount))
	lastCheck := sum.LastCheck
	if lastCheck == "" {
		lastCheck = "never"
	}
	label("Last check:", lastCheck)
	label("Quota today:", fmt.Sprintf("%d/%d used, %d remaining", sum.Quota.Used, sum.Quota.Limit, sum.Quota.Remaining))

	printCounts("Top Countries", sum.TopCountries)
	printCounts("Top Ports", sum.TopPorts)
	return nil
}
