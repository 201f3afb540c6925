package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cellhost/internal/signal"
)

const maxLog = 200

// lineFormatter renders one signal as a log line.
type lineFormatter struct {
	theme Theme
	names map[string]string
	out   string
}

func (f *lineFormatter) cell(id string) string {
	if n, ok := f.names[id]; ok {
		return n
	}
	return shortID(id)
}

func (f *lineFormatter) VisitTrace(t signal.Trace) error {
	desc := t.Workflow
	if t.Zome != "" {
		desc += " " + t.Zome + "." + t.Fn
	}
	if t.Subject != "" {
		desc += " " + t.Subject
	}
	if t.Detail != "" {
		desc += " " + f.theme.Failed.Render(t.Detail)
	}
	f.out = fmt.Sprintf("%s %s %s", f.theme.Trace.Render("trace"), f.theme.Cell.Render(f.cell(t.CellID.String())), desc)
	return nil
}

func (f *lineFormatter) VisitUser(u signal.User) error {
	payload := string(u.Payload)
	if len(payload) > 80 {
		payload = payload[:80] + "..."
	}
	f.out = fmt.Sprintf("%s %s %s %s", f.theme.User.Render("user "), f.theme.Cell.Render(f.cell(u.CellID.String())), u.Zome, payload)
	return nil
}

func formatSignal(env signal.Envelope, theme Theme, names map[string]string) string {
	f := &lineFormatter{theme: theme, names: names}
	if err := env.Signal.Accept(f); err != nil {
		return err.Error()
	}
	ts := theme.Muted.Render(env.At.Local().Format("15:04:05.000"))
	return fmt.Sprintf("%s %s %s", ts, theme.Muted.Render(fmt.Sprintf("#%-5d", env.ID)), f.out)
}

func renderSignalLines(log []signal.Envelope, theme Theme, names map[string]string) string {
	if len(log) == 0 {
		return theme.Muted.Render("  Waiting for signals...")
	}
	lines := make([]string, 0, len(log))
	for _, env := range log {
		lines = append(lines, formatSignal(env, theme, names))
	}
	return strings.Join(lines, "\n")
}

func renderSignalStream(vp viewport.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("SIGNALS"),
		vp.View(),
	)
	return theme.Panel.Width(width - 4).Render(content)
}
