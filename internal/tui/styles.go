package tui

import (
	"behaviorbench/internal/models"

	"github.com/charmbracelet/lipgloss"
)

// Styling
var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	eventTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	eventTypeStyle = lipgloss.NewStyle().Width(14).Bold(true)
)

func runStatusStyle(s models.RunStatus) lipgloss.Style {
	switch s {
	case models.RunCompleted:
		return okStyle
	case models.RunFailed, models.RunCancelled:
		return errorStyle
	case models.RunExecuting:
		return infoStyle
	default:
		return warnStyle
	}
}

func agentStatusStyle(s models.AgentStatus) lipgloss.Style {
	switch s {
	case models.AgentActive:
		return okStyle
	case models.AgentError:
		return errorStyle
	case models.AgentPaused, models.AgentSpawning:
		return warnStyle
	default:
		return subtleStyle
	}
}
