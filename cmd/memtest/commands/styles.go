package commands

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE")).
			Border(lipgloss.DoubleBorder(), false, false, true, false).
			BorderForeground(lipgloss.Color("#7B68EE"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D4FF")).
			Width(14)

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7FFF00")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)
)

// field renders an aligned "key value" line
func field(key string, value any) string {
	return keyStyle.Render(key) + " " + fmt.Sprint(value) + "\n"
}
