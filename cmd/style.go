package cmd

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/samsaffron/toolrelay/internal/mcp"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func stdoutIsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// render applies style only when writing to a terminal.
func render(style lipgloss.Style, s string) string {
	if !stdoutIsTTY() {
		return s
	}
	return style.Render(s)
}

func stateStyle(state mcp.ServerState) lipgloss.Style {
	switch state {
	case mcp.StateConnected:
		return okStyle
	case mcp.StateConnecting:
		return warnStyle
	case mcp.StateError:
		return errStyle
	default:
		return mutedStyle
	}
}
