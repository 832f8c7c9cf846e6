// Package tui provides a terminal user interface.
package tui

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/user/abusewatch/internal/admin"
	"github.com/user/abusewatch/internal/daemon"
	amodel "github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/util"
)

const refreshEvery = 10 * time.Second

// App is the main TUI application.
type App struct {
	svc    *admin.Service
	config *util.Config
}

// NewApp creates a new TUI application.
func NewApp(svc *admin.Service, cfg *util.Config) *App {
	return &App{
		svc:    svc,
		config: cfg,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(newModel(a.svc, a.config), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// model is the main bubbletea model.
type model struct {
	svc       *admin.Service
	config    *util.Config
	dashboard *Dashboard
	table     table.Model
	spinner   spinner.Model
	showSafe  bool
	ready     bool
	width     int
	height    int
	status    string
	err       error
}

func newModel(svc *admin.Service, cfg *util.Config) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(Primary)

	return model{
		svc:     svc,
		config:  cfg,
		spinner: s,
		table:   newThreatTable(),
	}
}

// Init initializes the model.
func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		loadData(m.svc, m.config, m.showSafe),
		tick(),
	)
}

// Update handles messages.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, loadData(m.svc, m.config, m.showSafe)
		case "a":
			m.showSafe = !m.showSafe
			return m, loadData(m.svc, m.config, m.showSafe)
		case "s":
			if cmd := m.toggleSelected(); cmd != nil {
				return m, cmd
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(msg.Width-4, 40))
		m.table.SetHeight(max(msg.Height-18, 5))
		if m.dashboard != nil {
			m.dashboard.SetSize(msg.Width, msg.Height)
		}
		return m, nil

	case dataMsg:
		m.ready = true
		m.err = nil
		m.dashboard = NewDashboard(msg, m.width, m.height)
		m.table.SetRows(threatRows(msg.Data.Threats))
		return m, nil

	case actionMsg:
		m.status = msg.message
		return m, loadData(m.svc, m.config, m.showSafe)

	case tickMsg:
		return m, tea.Batch(loadData(m.svc, m.config, m.showSafe), tick())

	case errMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// toggleSelected flips the marked-safe flag of the highlighted threat.
func (m model) toggleSelected() tea.Cmd {
	row := m.table.SelectedRow()
	if len(row) < len(threatColumns) {
		return nil
	}
	ip, marked := row[0], row[len(row)-1] != ""
	svc := m.svc
	return func() tea.Msg {
		var res admin.Result
		if marked {
			res = svc.UnmarkSafe(context.Background(), ip)
		} else {
			res = svc.MarkSafe(context.Background(), ip, "tui")
		}
		return actionMsg{message: res.Message}
	}
}

// View renders the UI.
func (m model) View() string {
	if m.err != nil {
		return ErrorStyle.Render("Error: " + m.err.Error())
	}

	if !m.ready {
		return LoadingStyle.Render(m.spinner.View() + " Loading...")
	}

	return m.dashboard.View(m.table.View(), m.showSafe, m.status)
}

// Messages
type dataMsg struct {
	Data *DashboardData
}

type actionMsg struct {
	message string
}

type tickMsg time.Time

type errMsg struct {
	err error
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func loadData(svc *admin.Service, cfg *util.Config, showSafe bool) tea.Cmd {
	return func() tea.Msg {
		data, err := fetchDashboardData(svc, cfg, showSafe)
		if err != nil {
			return errMsg{err}
		}
		return dataMsg{Data: data}
	}
}

func fetchDashboardData(svc *admin.Service, cfg *util.Config, showSafe bool) (*DashboardData, error) {
	data := &DashboardData{}

	data.DaemonRunning, _ = daemon.CheckRunning(cfg.DataDir)
	if sf, err := daemon.ReadStatusFile(cfg.DataDir); err == nil {
		data.Daemon = sf
	}

	res := svc.Stats()
	if !res.OK() {
		return nil, resultError(res)
	}
	data.Summary = res.Data.(*amodel.Summary)

	res = svc.Threats(amodel.ListOptions{Limit: 200, IncludeMarkedSafe: showSafe})
	if !res.OK() {
		return nil, resultError(res)
	}
	data.Threats = res.Data.(amodel.Page[amodel.ThreatRecord]).Items

	return data, nil
}

func resultError(res admin.Result) error {
	return errors.New(res.Message)
}
