package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/session"
)

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneList Pane = iota
	PaneDetail
	PaneLogs
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
)

const maxLogLines = 500

// Source provides session snapshots.
type Source interface {
	Snapshot() []session.Status
}

// App is the root Bubble Tea model.
type App struct {
	src  Source
	feed *Feed

	// State
	sessions    []session.Status
	selectedIdx int
	latest      map[string]core.Batch
	logLines    []core.LogLine
	logPaused   bool
	onlyCurrent bool

	// UI
	activePane Pane
	mode       Mode
	search     textinput.Model
	width      int
	height     int

	statusMsg string
}

// New creates a new TUI app model.
func New(src Source, feed *Feed) App {
	si := textinput.New()
	si.Placeholder = "stream..."
	si.CharLimit = 64

	return App{
		src:        src,
		feed:       feed,
		latest:     make(map[string]core.Batch),
		search:     si,
		activePane: PaneList,
		mode:       ModeNormal,
	}
}

// Init starts polling and listening.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		snapshotCmd(a.src),
		tickCmd(),
		waitBatchCmd(a.feed),
		waitLogCmd(a.feed),
		tea.SetWindowTitle("kclbridge"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// snapshotMsg carries fresh session status.
type snapshotMsg struct{ sessions []session.Status }

// batchMsg carries a batch forwarded by a record processor.
type batchMsg core.Batch

// logLineMsg carries a republished daemon log line.
type logLineMsg core.LogLine

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func snapshotCmd(src Source) tea.Cmd {
	return func() tea.Msg {
		sessions := src.Snapshot()
		sort.SliceStable(sessions, func(i, j int) bool {
			return sessions[i].Stream < sessions[j].Stream
		})
		return snapshotMsg{sessions}
	}
}

func waitBatchCmd(f *Feed) tea.Cmd {
	if f == nil {
		return nil
	}
	return func() tea.Msg {
		return batchMsg(<-f.batches)
	}
}

func waitLogCmd(f *Feed) tea.Cmd {
	if f == nil {
		return nil
	}
	return func() tea.Msg {
		return logLineMsg(<-f.logs)
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case tickMsg:
		return a, tea.Batch(tickCmd(), snapshotCmd(a.src))

	case snapshotMsg:
		a.sessions = msg.sessions
		if a.selectedIdx >= len(a.filteredSessions()) {
			a.selectedIdx = max(0, len(a.filteredSessions())-1)
		}
		return a, nil

	case batchMsg:
		b := core.Batch(msg)
		a.latest[b.Stream] = b
		a.appendLog(core.LogLine{
			Stream:   b.Stream,
			TsUnixMs: b.TsUnixMs,
			Line:     fmt.Sprintf("batch of %d record(s)", b.Records),
		})
		return a, waitBatchCmd(a.feed)

	case logLineMsg:
		a.appendLog(core.LogLine(msg))
		return a, waitLogCmd(a.feed)

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a *App) appendLog(l core.LogLine) {
	if a.logPaused {
		return
	}
	a.logLines = append(a.logLines, l)
	if len(a.logLines) > maxLogLines {
		a.logLines = a.logLines[len(a.logLines)-maxLogLines:]
	}
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Search mode
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
			return a, nil
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
			a.selectedIdx = 0
			return a, nil
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			return a, cmd
		}
	}

	// Normal mode
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "j", "down":
		if a.activePane == PaneList && len(a.filteredSessions()) > 0 {
			a.selectedIdx = min(a.selectedIdx+1, len(a.filteredSessions())-1)
		}
	case "k", "up":
		if a.activePane == PaneList && a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "tab":
		a.activePane = (a.activePane + 1) % 3

	case "/":
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink

	case "l":
		a.activePane = PaneLogs

	case " ":
		if a.activePane == PaneLogs {
			a.logPaused = !a.logPaused
		}

	case "f":
		a.onlyCurrent = !a.onlyCurrent
		if a.onlyCurrent {
			a.statusMsg = "logs: selected stream"
		} else {
			a.statusMsg = "logs: all streams"
		}

	case "c":
		a.logLines = nil
		a.statusMsg = "logs cleared"
	}

	return a, nil
}

func (a App) filteredSessions() []session.Status {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.sessions
	}
	var filtered []session.Status
	for _, st := range a.sessions {
		if strings.Contains(strings.ToLower(st.Stream), q) ||
			strings.Contains(strings.ToLower(st.AppName), q) {
			filtered = append(filtered, st)
		}
	}
	return filtered
}

func (a App) selectedSession() *session.Status {
	sessions := a.filteredSessions()
	if a.selectedIdx < len(sessions) {
		return &sessions[a.selectedIdx]
	}
	return nil
}

func (a App) visibleLogs() []core.LogLine {
	if !a.onlyCurrent {
		return a.logLines
	}
	sel := a.selectedSession()
	if sel == nil {
		return nil
	}
	var out []core.LogLine
	for _, l := range a.logLines {
		if l.Stream == sel.Stream {
			out = append(out, l)
		}
	}
	return out
}

// preview renders the latest batch of stream as compact JSON.
func (a App) preview(stream string) string {
	b, ok := a.latest[stream]
	if !ok {
		return ""
	}
	raw, err := json.Marshal(b.Value)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(raw)
}
