// Package tui is a terminal dashboard for following test runs live.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"behaviorbench/internal/api"
	"behaviorbench/internal/client"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/models"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	maxLogLines    = 200
	requestTimeout = 5 * time.Second
	logHeight      = 12
)

// API is the part of the HTTP client the dashboard needs.
type API interface {
	ListRuns(ctx context.Context) ([]models.TestRun, error)
	Run(ctx context.Context, id string) (*api.RunSnapshot, error)
	StopRun(ctx context.Context, id string) error
	CancelRun(ctx context.Context, id string) error
}

type view int

const (
	viewRuns view = iota
	viewRun
)

// FrameMsg delivers one event from the stream.
type FrameMsg client.Frame

// ConnMsg reports a change of the stream connection.
type ConnMsg struct {
	State eventbus.ConnState
	Err   error
}

// RefreshMsg asks for the current data to be fetched again, typically after
// the stream reconnected.
type RefreshMsg struct{}

type runsMsg []models.TestRun

type snapshotMsg struct {
	snap *api.RunSnapshot
}

type noticeMsg string

type errMsg struct {
	err error
}

// Model is the dashboard state.
type Model struct {
	api     API
	spinner spinner.Model
	runs    table.Model
	agents  table.Model
	log     viewport.Model

	current view
	runList []models.TestRun
	run     *models.TestRun
	agentBy map[string]*models.AgentInstance
	order   []string
	lines   []string

	conn   eventbus.ConnState
	notice string
	err    error
	width  int
}

// New creates the dashboard. When runID is set it opens on that run.
func New(a API, runID string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	runs := table.New(
		table.WithColumns([]table.Column{
			{Title: "Run", Width: 36},
			{Title: "Scenario", Width: 20},
			{Title: "Model", Width: 16},
			{Title: "Status", Width: 14},
			{Title: "Agents", Width: 6},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	agents := table.New(
		table.WithColumns([]table.Column{
			{Title: "Agent", Width: 20},
			{Title: "Profile", Width: 18},
			{Title: "Status", Width: 12},
			{Title: "Bot", Width: 12},
			{Title: "Actions", Width: 8},
		}),
		table.WithHeight(6),
	)

	m := Model{
		api:     a,
		spinner: s,
		runs:    runs,
		agents:  agents,
		log:     viewport.New(100, logHeight),
		agentBy: make(map[string]*models.AgentInstance),
		width:   100,
	}
	if runID != "" {
		m.current = viewRun
		m.run = &models.TestRun{ID: runID}
	}
	return m
}

// Init starts the spinner and the first fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh())
}

func (m Model) refresh() tea.Cmd {
	if m.current == viewRun && m.run != nil {
		return fetchRun(m.api, m.run.ID)
	}
	return fetchRuns(m.api)
}

// Update handles input, stream frames and fetch results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.log.Width = msg.Width - 4

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case runsMsg:
		m.err = nil
		m.runList = msg
		rows := make([]table.Row, 0, len(msg))
		for _, r := range msg {
			rows = append(rows, table.Row{r.ID, string(r.Scenario), r.TargetModel, string(r.Status), fmt.Sprint(len(r.Profiles))})
		}
		m.runs.SetRows(rows)

	case snapshotMsg:
		m.err = nil
		m.applySnapshot(msg.snap)

	case FrameMsg:
		return m.handleFrame(client.Frame(msg))

	case ConnMsg:
		m.conn = msg.State
		if msg.Err != nil && msg.State != eventbus.StateConnected {
			m.err = msg.Err
		}

	case RefreshMsg:
		return m, m.refresh()

	case noticeMsg:
		m.notice = string(msg)
		return m, m.refresh()

	case errMsg:
		m.err = msg.err
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "r":
		return m, m.refresh()
	}

	var cmd tea.Cmd
	switch m.current {
	case viewRuns:
		if msg.String() == "enter" {
			row := m.runs.SelectedRow()
			if row == nil {
				return m, nil
			}
			m.openRun(row[0])
			return m, fetchRun(m.api, row[0])
		}
		m.runs, cmd = m.runs.Update(msg)
	case viewRun:
		switch msg.String() {
		case "esc":
			m.current = viewRuns
			m.run = nil
			return m, fetchRuns(m.api)
		case "s":
			return m, control(m.api.StopRun, m.run.ID, "stop")
		case "x":
			return m, control(m.api.CancelRun, m.run.ID, "cancel")
		}
		m.log, cmd = m.log.Update(msg)
	}
	return m, cmd
}

func (m *Model) openRun(id string) {
	m.current = viewRun
	m.run = &models.TestRun{ID: id}
	m.agentBy = make(map[string]*models.AgentInstance)
	m.order = nil
	m.lines = nil
	m.notice = ""
	m.log.SetContent("")
}

func (m *Model) applySnapshot(snap *api.RunSnapshot) {
	if snap == nil || snap.Run == nil {
		return
	}
	if m.run != nil && m.run.ID != snap.Run.ID {
		return
	}
	m.current = viewRun
	run := *snap.Run
	m.run = &run
	m.agentBy = make(map[string]*models.AgentInstance, len(snap.Agents))
	m.order = make([]string, 0, len(snap.Agents))
	for i := range snap.Agents {
		a := snap.Agents[i]
		m.agentBy[a.ID] = &a
		m.order = append(m.order, a.ID)
	}
	m.syncAgents()
}

func (m *Model) syncAgents() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		a := m.agentBy[id]
		rows = append(rows, table.Row{a.Name, string(a.Profile), string(a.Status), string(a.BotStatus), fmt.Sprint(a.ActionCount)})
	}
	m.agents.SetRows(rows)
}

func (m Model) handleFrame(f client.Frame) (tea.Model, tea.Cmd) {
	if m.current == viewRuns {
		if f.Type == eventbus.TypeRunStatus {
			return m, fetchRuns(m.api)
		}
		return m, nil
	}
	if m.run == nil || f.RunID != m.run.ID {
		return m, nil
	}

	var (
		line  string
		fetch bool
	)
	switch f.Type {
	case eventbus.TypeRunStatus:
		var p eventbus.RunStatusPayload
		if f.Decode(&p) != nil {
			return m, nil
		}
		m.run.Status = p.Status
		m.run.FailureReason = p.Reason
		line = runStatusStyle(p.Status).Render(fmt.Sprintf("%s -> %s", p.Previous, p.Status))
		if p.Reason != "" {
			line += " " + subtleStyle.Render(p.Reason)
		}
		fetch = true
	case eventbus.TypeAgentStatus:
		var p eventbus.AgentStatusPayload
		if f.Decode(&p) != nil {
			return m, nil
		}
		if a, ok := m.agentBy[f.EntityID]; ok {
			a.Status = p.Status
		} else {
			fetch = true
		}
		line = fmt.Sprintf("%s %s", m.agentName(f.EntityID), agentStatusStyle(p.Status).Render(string(p.Status)))
		if p.Error != "" {
			line += " " + errorStyle.Render(p.Error)
		}
	case eventbus.TypeBotStatus:
		var p eventbus.BotStatusPayload
		if f.Decode(&p) != nil {
			return m, nil
		}
		if a, ok := m.agentBy[f.EntityID]; ok {
			a.BotStatus = p.Status
		}
		line = fmt.Sprintf("%s bot %s", m.agentName(f.EntityID), p.Status)
	case eventbus.TypeAction:
		var p eventbus.ActionPayload
		if f.Decode(&p) != nil {
			return m, nil
		}
		if a, ok := m.agentBy[f.EntityID]; ok {
			a.ActionCount++
		}
		outcome := okStyle.Render("ok")
		if !p.Action.Success {
			outcome = errorStyle.Render("failed")
		}
		line = fmt.Sprintf("%s %s %s", m.agentName(f.EntityID), p.Action.Type, outcome)
	default:
		return m, nil
	}

	m.syncAgents()
	m.appendLine(f, line)
	if fetch {
		return m, fetchRun(m.api, m.run.ID)
	}
	return m, nil
}

func (m *Model) agentName(id string) string {
	if a, ok := m.agentBy[id]; ok && a.Name != "" {
		return a.Name
	}
	return id
}

func (m *Model) appendLine(f client.Frame, line string) {
	ts := f.Timestamp.Local().Format("15:04:05")
	m.lines = append(m.lines, fmt.Sprintf("%s %s %s",
		eventTimeStyle.Render(ts), eventTypeStyle.Render(string(f.Type)), line))
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

// View renders the current screen.
func (m Model) View() string {
	var b strings.Builder

	switch m.current {
	case viewRuns:
		b.WriteString(titleStyle.Render("Test Runs") + "\n\n")
		if len(m.runList) == 0 {
			b.WriteString(subtleStyle.Render("No runs yet.") + "\n")
		} else {
			b.WriteString(m.runs.View() + "\n")
		}
		b.WriteString(subtleStyle.Render("\nenter open • r refresh • q quit"))
	case viewRun:
		b.WriteString(m.runHeader() + "\n\n")
		b.WriteString(paneStyle.Render(m.agents.View()) + "\n")
		b.WriteString(m.log.View() + "\n")
		b.WriteString(subtleStyle.Render("s stop • x cancel • r refresh • esc back • q quit"))
	}

	b.WriteString("\n" + m.footer())
	return docStyle.Render(b.String())
}

func (m Model) runHeader() string {
	if m.run == nil {
		return titleStyle.Render("Run")
	}
	header := titleStyle.Render("Run "+m.run.ID) + " "
	if m.run.Status == "" {
		return header + m.spinner.View() + " loading"
	}
	status := runStatusStyle(m.run.Status).Render(string(m.run.Status))
	if !m.run.Status.Terminal() {
		status = m.spinner.View() + " " + status
	}
	header += status
	if m.run.TargetModel != "" {
		header += subtleStyle.Render(fmt.Sprintf("  %s against %s", m.run.Scenario, m.run.TargetModel))
	}
	if m.run.FailureReason != "" {
		header += "\n" + errorStyle.Render(m.run.FailureReason)
	}
	return header
}

func (m Model) footer() string {
	var parts []string
	switch m.conn {
	case eventbus.StateConnected:
		parts = append(parts, okStyle.Render("live"))
	case "":
	default:
		parts = append(parts, warnStyle.Render(string(m.conn)))
	}
	if m.notice != "" {
		parts = append(parts, infoStyle.Render(m.notice))
	}
	if m.err != nil {
		parts = append(parts, errorStyle.Render(m.err.Error()))
	}
	return strings.Join(parts, " • ")
}

// Commands

func fetchRuns(a API) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		runs, err := a.ListRuns(ctx)
		if err != nil {
			return errMsg{fmt.Errorf("fetching runs: %w", err)}
		}
		return runsMsg(runs)
	}
}

func fetchRun(a API, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap, err := a.Run(ctx, id)
		if err != nil {
			return errMsg{fmt.Errorf("fetching run %s: %w", id, err)}
		}
		return snapshotMsg{snap: snap}
	}
}

func control(apply func(context.Context, string) error, id, verb string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := apply(ctx, id); err != nil {
			return errMsg{fmt.Errorf("%s %s: %w", verb, id, err)}
		}
		return noticeMsg(verb + " requested")
	}
}
