package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/protocol"
)

// appState represents which "screen" we're on
type appState int

const (
	stateConnecting appState = iota // dialing the observer endpoint
	stateLive                       // subscribed and rendering frames
	stateLost                       // connection dropped; retrying
)

const (
	retryInterval = 3 * time.Second
	recentTicks   = 64
	maxDropLines  = 8
)

// Dialer opens an observer subscription. Swappable for tests.
type Dialer func(url, observerName string) (*Stream, error)

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

func WithDialer(d Dialer) AppOption {
	return func(a *App) {
		if d != nil {
			a.dial = d
		}
	}
}

func WithObserverName(name string) AppOption {
	return func(a *App) {
		if name != "" {
			a.name = name
		}
	}
}

type connectedMsg struct {
	stream *Stream
}

type frameMsg struct {
	tick protocol.TickMsg
}

type streamClosedMsg struct {
	err error
}

type retryMsg struct{}

type totals struct {
	ticks    uint64
	diffs    int
	dirty    int
	remeshes int
	uploads  int
	failures int
}

// App is the monitor model. In bubbletea, this holds ALL your state.
type App struct {
	url  string
	name string
	dial Dialer

	state  appState
	stream *Stream

	spin      spinner.Model
	tickTable table.Model

	params protocol.WorldParams
	window protocol.WindowStats

	last     protocol.TickMsg
	haveTick bool
	recent   []protocol.TickMsg // newest first
	drops    []string           // newest first

	totals totals
	paused bool

	statusMsg string
	width     int
	height    int
}

func NewApp(url string, opts ...AppOption) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))

	cols := []table.Column{
		{Title: "Tick", Width: 8},
		{Title: "Diff", Width: 5},
		{Title: "Dirty", Width: 5},
		{Title: "Mesh", Width: 5},
		{Title: "Upld", Width: 5},
		{Title: "Fail", Width: 5},
		{Title: "Backlog", Width: 15},
		{Title: "µs", Width: 7},
	}
	tbl := table.New(table.WithColumns(cols), table.WithHeight(12))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#30365F"))
	tbl.SetStyles(styles)

	app := &App{
		url:       url,
		name:      "monitor",
		dial:      DialStream,
		state:     stateConnecting,
		spin:      sp,
		tickTable: tbl,
		statusMsg: "q quit · r reconnect · p pause",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spin.Tick, a.connect())
}

func (a *App) connect() tea.Cmd {
	url, name, dial := a.url, a.name, a.dial
	return func() tea.Msg {
		stream, err := dial(url, name)
		if err != nil {
			return streamClosedMsg{err: err}
		}
		return connectedMsg{stream: stream}
	}
}

func waitFrame(s *Stream) tea.Cmd {
	return func() tea.Msg {
		tick, err := s.Next()
		if err != nil {
			return streamClosedMsg{err: err}
		}
		return frameMsg{tick: tick}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.tickTable.SetHeight(max(4, msg.Height-16))
		return a, nil

	case spinner.TickMsg:
		if a.state == stateLive {
			return a, nil
		}
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case connectedMsg:
		a.state = stateLive
		a.stream = msg.stream
		a.params = msg.stream.Params
		a.window = msg.stream.Window
		a.statusMsg = fmt.Sprintf("subscribed to %s", a.url)
		return a, waitFrame(a.stream)

	case frameMsg:
		a.applyTick(msg.tick)
		return a, waitFrame(a.stream)

	case streamClosedMsg:
		if a.stream != nil {
			_ = a.stream.Close()
			a.stream = nil
		}
		a.state = stateLost
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("connection lost: %v", msg.err)
		}
		return a, tea.Batch(a.spin.Tick, a.scheduleRetry())

	case retryMsg:
		if a.state != stateLost {
			return a, nil
		}
		a.state = stateConnecting
		a.statusMsg = fmt.Sprintf("reconnecting to %s", a.url)
		return a, tea.Batch(a.spin.Tick, a.connect())

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if a.stream != nil {
				_ = a.stream.Close()
			}
			return a, tea.Quit
		case "r":
			if a.stream != nil {
				_ = a.stream.Close()
				a.stream = nil
			}
			a.state = stateConnecting
			a.statusMsg = fmt.Sprintf("reconnecting to %s", a.url)
			return a, tea.Batch(a.spin.Tick, a.connect())
		case "p":
			a.paused = !a.paused
			if a.paused {
				a.statusMsg = "table paused (p to resume)"
			} else {
				a.statusMsg = "table live"
				a.rebuildRows()
			}
			return a, nil
		}
	}

	var cmd tea.Cmd
	a.tickTable, cmd = a.tickTable.Update(msg)
	return a, cmd
}

func (a *App) scheduleRetry() tea.Cmd {
	return tea.Tick(retryInterval, func(time.Time) tea.Msg {
		return retryMsg{}
	})
}

func (a *App) applyTick(t protocol.TickMsg) {
	a.last = t
	a.haveTick = true

	a.totals.ticks++
	a.totals.diffs += t.Diffs
	a.totals.dirty += t.Dirty
	a.totals.remeshes += t.Remeshed
	a.totals.uploads += t.Uploaded
	a.totals.failures += t.Failures

	a.recent = append([]protocol.TickMsg{t}, a.recent...)
	if len(a.recent) > recentTicks {
		a.recent = a.recent[:recentTicks]
	}
	for _, d := range t.Dropped {
		a.drops = append([]string{fmt.Sprintf("t=%d %s", t.Tick, d.Item)}, a.drops...)
	}
	if len(a.drops) > maxDropLines {
		a.drops = a.drops[:maxDropLines]
	}

	if !a.paused {
		a.rebuildRows()
	}
}

func (a *App) rebuildRows() {
	rows := make([]table.Row, len(a.recent))
	for i, t := range a.recent {
		rows[i] = table.Row{
			fmt.Sprintf("%d", t.Tick),
			fmt.Sprintf("%d", t.Diffs),
			fmt.Sprintf("%d", t.Dirty),
			fmt.Sprintf("%d", t.Remeshed),
			fmt.Sprintf("%d", t.Uploaded),
			fmt.Sprintf("%d", t.Failures),
			fmt.Sprintf("%d/%d/%d/%d", t.Backlog.Diffs, t.Backlog.Dirty, t.Backlog.Remesh, t.Backlog.Uploads),
			fmt.Sprintf("%d", t.DurationMicros),
		}
	}
	a.tickTable.SetRows(rows)
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ VOXEL MONITOR")

	var body string
	switch a.state {
	case stateConnecting:
		body = a.renderNotice(fmt.Sprintf("%s connecting to %s", a.spin.View(), a.url))
	case stateLost:
		body = a.renderNotice(fmt.Sprintf("%s connection lost · retrying every %s (r to retry now)", a.spin.View(), retryInterval))
	case stateLive:
		rightWidth := max(32, width/3)
		leftWidth := width - rightWidth - 4
		if leftWidth < 48 {
			leftWidth = width - 4
			rightWidth = 0
		}
		left := lipgloss.JoinVertical(lipgloss.Left,
			a.renderWorldPanel(),
			"",
			a.tickTable.View(),
		)
		leftBox := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1).
			Width(max(40, leftWidth)).
			Render(left)
		if rightWidth > 0 {
			rightBox := lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#444444")).
				Padding(0, 1).
				Width(max(24, rightWidth)).
				Render(a.renderDropsPanel())
			body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
		} else {
			body = leftBox
		}
	}

	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)

	return strings.Join([]string{header, body, footer}, "\n")
}

func (a *App) renderNotice(text string) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(1, 2).
		Render(text)
}

func (a *App) renderWorldPanel() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("World · seed %d · chunk %d · ±%d cells · %d Hz",
			a.params.Seed, a.params.ChunkSize, a.params.BoundaryR, a.params.TickRateHz))

	lines := []string{title}
	if a.haveTick {
		lines = append(lines,
			fmt.Sprintf("Tick %d · %d µs · %d chunks loaded", a.last.Tick, a.last.DurationMicros, a.last.LoadedChunks),
			fmt.Sprintf("Backlog · diffs %d · dirty %d · remesh %d · uploads %d",
				a.last.Backlog.Diffs, a.last.Backlog.Dirty, a.last.Backlog.Remesh, a.last.Backlog.Uploads),
		)
	} else {
		lines = append(lines, "Waiting for the first frame...")
	}
	lines = append(lines, fmt.Sprintf(
		"Session totals · %d ticks · %d diffs · %d remeshes · %d uploads · %d failures",
		a.totals.ticks, a.totals.diffs, a.totals.remeshes, a.totals.uploads, a.totals.failures,
	))
	return strings.Join(lines, "\n")
}

func (a *App) renderDropsPanel() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("Dropped work (%d total)", a.totals.failures))
	if len(a.drops) == 0 {
		note := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("No failures observed.")
		return lipgloss.JoinVertical(lipgloss.Left, title, note)
	}
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(a.drops, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
