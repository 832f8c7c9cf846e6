package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	amodel "github.com/user/abusewatch/internal/model"
)

var (
	// Colors
	Primary   = lipgloss.Color("203")
	Secondary = lipgloss.Color("111")
	Subtle    = lipgloss.Color("241")
	Success   = lipgloss.Color("46")
	Warning   = lipgloss.Color("214")
	Error     = lipgloss.Color("196")

	lipglossWhite = lipgloss.Color("15")

	// Header styles
	HeaderStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipglossWhite).
		Background(Primary).
		Padding(0, 2).
		Align(lipgloss.Center)

	// Section styles
	SectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Subtle).
		Padding(1, 2).
		MarginBottom(1)

	SectionTitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	// Label and value styles
	LabelStyle = lipgloss.NewStyle().
		Foreground(Subtle).
		Width(14)

	ValueStyle = lipgloss.NewStyle().
		Foreground(Secondary).
		Bold(true)

	// Status styles
	SuccessStyle = lipgloss.NewStyle().
		Foreground(Success)

	WarningStyle = lipgloss.NewStyle().
		Foreground(Warning)

	ErrorStyle = lipgloss.NewStyle().
		Foreground(Error).
		Bold(true)

	// Dim style
	DimStyle = lipgloss.NewStyle().
		Foreground(Subtle).
		Italic(true)

	// Help style
	HelpStyle = lipgloss.NewStyle().
		Foreground(Subtle).
		MarginTop(1)

	// Loading style
	LoadingStyle = lipgloss.NewStyle().
		Foreground(Primary).
		Padding(2, 4)

	// Table styles
	TableHeaderStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipglossWhite).
		Background(Subtle).
		Padding(0, 1)
)

// LevelStyle colors a threat level.
func LevelStyle(level amodel.ThreatLevel) lipgloss.Style {
	switch level {
	case amodel.LevelMalicious:
		return ErrorStyle
	case amodel.LevelSuspicious:
		return WarningStyle
	default:
		return SuccessStyle
	}
}

// RenderStatus returns a styled status indicator.
func RenderStatus(ok bool, okText, failText string) string {
	if ok {
		return SuccessStyle.Render("✓ " + okText)
	}
	return ErrorStyle.Render("✗ " + failText)
}

// RenderBar renders a usage bar that turns amber at 80% and red when full.
func RenderBar(value, limit, width int) string {
	if limit <= 0 {
		limit = 1
	}

	filled := int(float64(value) / float64(limit) * float64(width))
	filled = min(max(filled, 0), width)

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	color := Success
	if value*5 >= limit*4 {
		color = Warning
	}
	if value >= limit {
		color = Error
	}
	return lipgloss.NewStyle().Foreground(color).Render(bar)
}

// joinColumns places two blocks side by side.
func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, lipgloss.NewStyle().Width(36).Render(left), right)
}
