package watch

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cellhost/internal/signal"
)

// CellState aggregates the signals seen for one cell.
type CellState struct {
	ID           string
	Name         string
	Traces       int
	UserSignals  int
	LastWorkflow string
	LastFn       string
	LastElapsed  time.Duration
	LastSeen     time.Time
}

// cellTracker folds signals into per-cell state.
type cellTracker struct {
	cells map[string]*CellState
	at    time.Time
}

func (c *cellTracker) state(id string) *CellState {
	s, ok := c.cells[id]
	if !ok {
		s = &CellState{ID: id}
		c.cells[id] = s
	}
	s.LastSeen = c.at
	return s
}

func (c *cellTracker) VisitTrace(t signal.Trace) error {
	s := c.state(t.CellID.String())
	s.Traces++
	s.LastWorkflow = t.Workflow
	s.LastFn = ""
	if t.Zome != "" {
		s.LastFn = t.Zome + "." + t.Fn
	}
	s.LastElapsed = t.Elapsed
	return nil
}

func (c *cellTracker) VisitUser(u signal.User) error {
	c.state(u.CellID.String()).UserSignals++
	return nil
}

func updateCellState(cells map[string]*CellState, env signal.Envelope) {
	_ = env.Signal.Accept(&cellTracker{cells: cells, at: env.At})
}

func sortedCells(cells map[string]*CellState) []*CellState {
	out := make([]*CellState, 0, len(cells))
	for _, c := range cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

func newCellTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Cell", Width: 20},
			{Title: "Traces", Width: 7},
			{Title: "User", Width: 6},
			{Title: "Last", Width: 28},
			{Title: "Took", Width: 9},
		}),
		table.WithHeight(6),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	t.SetStyles(s)
	return t
}

func cellRows(cells map[string]*CellState) []table.Row {
	rows := make([]table.Row, 0, len(cells))
	for _, c := range sortedCells(cells) {
		last := c.LastWorkflow
		if c.LastFn != "" {
			last += " " + c.LastFn
		}
		rows = append(rows, table.Row{
			cellLabel(c),
			fmt.Sprint(c.Traces),
			fmt.Sprint(c.UserSignals),
			last,
			c.LastElapsed.Round(time.Millisecond).String(),
		})
	}
	return rows
}

func cellLabel(c *CellState) string {
	if c.Name != "" {
		return c.Name
	}
	return shortID(c.ID)
}

// shortID keeps the tail of the agent key, which is what differs between
// cells of one DNA.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return "…" + id[len(id)-11:]
}

func renderCells(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("CELLS"),
		t.View(),
	)
	return theme.Panel.Width(width - 4).Render(content)
}
