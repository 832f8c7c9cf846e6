package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"

	"github.com/user/abusewatch/internal/daemon"
	amodel "github.com/user/abusewatch/internal/model"
)

// DashboardData holds data for the dashboard view.
type DashboardData struct {
	DaemonRunning bool
	Daemon        *daemon.StatusFile
	Summary       *amodel.Summary
	Threats       []amodel.ThreatRecord
}

var threatColumns = []table.Column{
	{Title: "IP", Width: 39},
	{Title: "Score", Width: 6},
	{Title: "Level", Width: 11},
	{Title: "Country", Width: 8},
	{Title: "Ports", Width: 18},
	{Title: "Last Seen", Width: 16},
	{Title: "Safe", Width: 5},
}

func newThreatTable() table.Model {
	t := table.New(
		table.WithColumns(threatColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = TableHeaderStyle
	s.Selected = s.Selected.Foreground(lipglossWhite).Background(Primary).Bold(false)
	t.SetStyles(s)
	return t
}

func threatRows(threats []amodel.ThreatRecord) []table.Row {
	rows := make([]table.Row, 0, len(threats))
	for _, t := range threats {
		safe := ""
		if t.MarkedSafe {
			safe = "yes"
		}
		ports := t.DestinationPort
		if len(ports) > 18 {
			ports = ports[:15] + "..."
		}
		rows = append(rows, table.Row{
			t.IP,
			strconv.Itoa(t.AbuseScore) + "%",
			t.ThreatLevel.String(),
			t.Country,
			ports,
			t.LastSeen.Local().Format("2006-01-02 15:04"),
			safe,
		})
	}
	return rows
}

// Dashboard is the main dashboard view.
type Dashboard struct {
	data   *DashboardData
	width  int
	height int
}

// NewDashboard creates a new dashboard.
func NewDashboard(msg dataMsg, width, height int) *Dashboard {
	return &Dashboard{
		data:   msg.Data,
		width:  width,
		height: height,
	}
}

// SetSize updates the dashboard size.
func (d *Dashboard) SetSize(width, height int) {
	d.width = width
	d.height = height
}

// View renders the dashboard around the threats table.
func (d *Dashboard) View(threatTable string, showSafe bool, status string) string {
	var sb strings.Builder

	sb.WriteString(HeaderStyle.Width(d.width).Render("🛡  abusewatch"))
	sb.WriteString("\n\n")

	sb.WriteString(d.renderStatsSection())
	sb.WriteString("\n")

	title := "🚨 Threats"
	if showSafe {
		title += " (including marked safe)"
	}
	sb.WriteString(SectionStyle.Width(d.sectionWidth()).Render(
		SectionTitleStyle.Render(title) + "\n" + d.threatsContent(threatTable)))
	sb.WriteString("\n")

	if status != "" {
		sb.WriteString(DimStyle.Render(status))
		sb.WriteString("\n")
	}
	sb.WriteString(HelpStyle.Render("↑/↓ select • 's' mark/unmark safe • 'a' show marked safe • 'r' refresh • 'q' quit"))

	return sb.String()
}

func (d *Dashboard) sectionWidth() int {
	return max(d.width-4, 40)
}

func (d *Dashboard) threatsContent(threatTable string) string {
	if len(d.data.Threats) == 0 {
		return DimStyle.Render("No threats recorded")
	}
	return threatTable
}

func (d *Dashboard) renderStatsSection() string {
	s := d.data.Summary

	daemonState := RenderStatus(d.data.DaemonRunning, "running", "stopped")
	if d.data.DaemonRunning && d.data.Daemon != nil && d.data.Daemon.ConfigError != "" {
		daemonState = WarningStyle.Render("! config error: " + d.data.Daemon.ConfigError)
	}

	lastCheck := s.LastCheck
	if lastCheck == "" {
		lastCheck = "never"
	}

	left := fmt.Sprintf(
		"%s %s\n%s %s\n%s %s\n%s %s",
		LabelStyle.Render("Daemon:"),
		daemonState,
		LabelStyle.Render("Hosts:"),
		ValueStyle.Render(strconv.Itoa(s.TotalIPs)),
		LabelStyle.Render("Malicious:"),
		LevelStyle(amodel.LevelMalicious).Render(strconv.Itoa(s.MaliciousCount)),
		LabelStyle.Render("Suspicious:"),
		LevelStyle(amodel.LevelSuspicious).Render(strconv.Itoa(s.SuspiciousCount)),
	)

	right := fmt.Sprintf(
		"%s %s\n%s %s %d/%d\n%s %s\n%s %s",
		LabelStyle.Render("Marked safe:"),
		LevelStyle(amodel.LevelSafe).Render(strconv.Itoa(s.MarkedSafeCount)),
		LabelStyle.Render("Quota:"),
		RenderBar(s.Quota.Used, s.Quota.Limit, 20), s.Quota.Used, s.Quota.Limit,
		LabelStyle.Render("Last check:"),
		ValueStyle.Render(lastCheck),
		LabelStyle.Render("Top country:"),
		ValueStyle.Render(topKey(s.TopCountries)),
	)

	return SectionStyle.Width(d.sectionWidth()).Render(
		SectionTitleStyle.Render("📊 Statistics") + "\n" + joinColumns(left, right))
}

func topKey(counts []amodel.Count) string {
	if len(counts) == 0 {
		return "-"
	}
	return fmt.Sprintf("%s (%d)", counts[0].Key, counts[0].Count)
}
