// Package watch implements `cellhost watch`, a live view of the signal
// stream and per-cell activity of a running host.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles of the watch TUI.
type Theme struct {
	Healthy lipgloss.Style
	Failed  lipgloss.Style

	// Signal kinds.
	Trace lipgloss.Style
	User  lipgloss.Style

	Panel lipgloss.Style
	Title lipgloss.Style
	Muted lipgloss.Style
	Cell  lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	fg := func(hex string) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(hex))
	}
	accent := lipgloss.Color("#2AA198")

	return Theme{
		Healthy:  fg("#859900").Bold(true),
		Failed:   fg("#DC322F").Bold(true),
		Trace:    fg("#B58900"),
		User:     fg("#6C71C4"),
		Panel:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent),
		Title:    fg("#FDF6E3").Bold(true).Padding(0, 1),
		Muted:    fg("#839496"),
		Cell:     fg("#268BD2"),
		PulseOn:  lipgloss.NewStyle().Foreground(accent),
		PulseOff: fg("#586E75"),
	}
}
