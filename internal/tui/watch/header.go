package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks host health from /healthz polling.
type HealthState struct {
	Status          string
	UptimeSeconds   int64
	Cells           int
	PendingTriggers int
	Connected       bool
	LastCheck       time.Time
}

func renderHeader(health HealthState, ticker Ticker, pulse Pulse, seen int64, theme Theme, width int) string {
	innerWidth := width - 4
	now := time.Now()

	statusText := theme.Healthy.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.Failed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.Failed.Render("DEGRADED")
	}

	lastSignal := "never"
	if !pulse.Last().IsZero() {
		lastSignal = fmt.Sprintf("%s ago", now.Sub(pulse.Last()).Round(time.Second))
	}

	clock := theme.Muted.Render(now.Format("15:04:05"))
	title := fmt.Sprintf(" CELLHOST WATCH %s", theme.Cell.Render(ticker.Current()))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  cells: %d  pending triggers: %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Cells,
		health.PendingTriggers,
	)
	activityLine := fmt.Sprintf(" Signals: %d  last: %s %s", seen, lastSignal, pulse.Render(theme, now))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Panel.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
