package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"

	"github.com/user/abusewatch/internal/admin"
	"github.com/user/abusewatch/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// report prints the result message and turns anything but ok into an
// error so the process exits non-zero.
func report(res admin.Result) error {
	switch res.Status {
	case admin.StatusOK:
		if res.Message != "" {
			fmt.Println(okStyle.Render("✓ ") + res.Message)
		}
		return nil
	case admin.StatusDisabled, admin.StatusLimited:
		fmt.Println(warnStyle.Render("! ") + res.Message)
	default:
		fmt.Println(failStyle.Render("✗ ") + res.Message)
	}
	return errors.New(string(res.Status))
}

func label(name, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(name), valueStyle.Render(value))
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	return table
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func printThreats(threats []model.ThreatRecord) {
	table := newTable("IP", "Score", "Level", "Reports", "Country", "Ports", "Last Seen", "Safe")
	for _, t := range threats {
		safe := ""
		if t.MarkedSafe {
			safe = t.MarkedSafeBy
			if safe == "" {
				safe = "yes"
			}
		}
		table.Append([]string{
			t.IP,
			strconv.Itoa(t.AbuseScore) + "%",
			t.ThreatLevel.String(),
			strconv.Itoa(t.Reports),
			t.Country,
			t.DestinationPort,
			formatTime(t.LastSeen),
			safe,
		})
	}
	table.Render()
}

func printHosts(hosts []model.CheckedHost) {
	table := newTable("IP", "Level", "Country", "Ports", "Checks", "First Seen", "Last Checked")
	for _, h := range hosts {
		table.Append([]string{
			h.IP,
			h.ThreatLevel.String(),
			h.Country,
			h.DestinationPort,
			strconv.Itoa(h.CheckCount),
			formatTime(h.FirstSeen),
			formatTime(h.LastChecked),
		})
	}
	table.Render()
}

func printConnections(events []model.ConnectionEvent) {
	table := newTable("Time", "External", "Port", "Internal", "Port", "Proto", "Iface")
	for _, e := range events {
		table.Append([]string{
			e.Timestamp.Local().Format("15:04:05"),
			e.ExternalIP,
			e.ExternalPort,
			e.InternalIP,
			e.InternalPort,
			e.Protocol,
			e.Interface,
		})
	}
	table.Render()
}

func printCounts(title string, counts []model.Count) {
	if len(counts) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(titleStyle.Render(title))
	table := newTable("Key", "Count")
	for _, c := range counts {
		key := c.Key
		if key == "" {
			key = "Unknown"
		}
		table.Append([]string{key, strconv.Itoa(c.Count)})
	}
	table.Render()
}

func pageFooter(page, pages, total int) {
	if pages > 1 {
		fmt.Printf("\nPage %d of %d (%d total)\n", page, pages, total)
	} else {
		fmt.Printf("\n%d total\n", total)
	}
}
