package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cellhost/internal/signal"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL  string
	token   string
	cellRef string

	width  int
	height int

	health    HealthState
	cells     map[string]*CellState
	names     map[string]string
	signalLog []signal.Envelope
	seen      int64

	ticker Ticker
	pulse  Pulse

	theme     Theme
	cellTable table.Model
	viewport  viewport.Model

	signals chan signal.Envelope

	lastError string
}

// New creates a watch model for the host at apiURL. cellRef, when set,
// limits the stream to one cell.
func New(apiURL, token, cellRef string) *Model {
	return &Model{
		apiURL:    apiURL,
		token:     token,
		cellRef:   cellRef,
		cells:     make(map[string]*CellState),
		names:     make(map[string]string),
		signals:   make(chan signal.Envelope, 100),
		theme:     NewDefaultTheme(),
		cellTable: newCellTable(),
		viewport:  viewport.New(80, 10),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToSignals(m.apiURL, m.token, m.cellRef, m.signals),
		receiveNextSignal(m.signals),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		func() tea.Msg { return fetchCells(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			m.signalLog = nil
			m.refreshLog()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.cellTable.SetWidth(m.width - 8)
		m.viewport.Width = m.width - 8
		m.viewport.Height = max(m.height-22, 5)
		m.refreshLog()

	case tickMsg:
		m.ticker.Tick()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case signalMsg:
		m.applySignal(signal.Envelope(msg))
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextSignal(m.signals)

	case cellsMsg:
		for _, c := range msg {
			id := c.ID.Dna + ":" + c.ID.Agent
			m.names[id] = c.Name
			if s, ok := m.cells[id]; ok {
				s.Name = c.Name
			}
		}
		m.cellTable.SetRows(cellRows(m.cells))
		m.refreshLog()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Cells = msg.Cells
		m.health.PendingTriggers = msg.PendingTriggers
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "signal stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToSignals(m.apiURL, m.token, m.cellRef, m.signals)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// applySignal records env newest first and folds it into the cell table.
func (m *Model) applySignal(env signal.Envelope) {
	m.seen++
	m.signalLog = append([]signal.Envelope{env}, m.signalLog...)
	if len(m.signalLog) > maxLog {
		m.signalLog = m.signalLog[:maxLog]
	}
	m.pulse.Hit(time.Now())

	updateCellState(m.cells, env)
	if s, ok := m.cells[env.Signal.Cell().String()]; ok && s.Name == "" {
		s.Name = m.names[s.ID]
	}
	m.cellTable.SetRows(cellRows(m.cells))
	m.refreshLog()
}

func (m *Model) refreshLog() {
	m.viewport.SetContent(renderSignalLines(m.signalLog, m.theme, m.names))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.ticker, m.pulse, m.seen, m.theme, m.width),
		renderCells(m.cellTable, m.theme, m.width),
		renderSignalStream(m.viewport, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll • [c] Clear"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
