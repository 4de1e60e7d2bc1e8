package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/modoterra/kclbridge/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusRestart = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	statusBarH := 2
	logPaneH := max(a.height/3, 5)
	mainH := a.height - logPaneH - statusBarH - 2
	listW := a.width*2/5 - 2
	detailW := a.width - listW - 4

	list := a.renderList(listW, mainH)
	listPane := a.paneBox(PaneList, " Streams ", list, listW, mainH)

	detail := a.renderDetail(detailW, mainH)
	detailPane := a.paneBox(PaneDetail, " Session ", detail, detailW, mainH)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)

	logs := a.renderLogs(a.width-4, logPaneH)
	logPane := a.paneBox(PaneLogs, a.logTitle(), logs, a.width-4, logPaneH)

	statusBar := a.renderStatusBar()

	return lipgloss.JoinVertical(lipgloss.Left, topRow, logPane, statusBar)
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) renderList(w, h int) string {
	sessions := a.filteredSessions()
	if len(sessions) == 0 {
		return dimStyle.Render("no sessions")
	}

	var b strings.Builder
	maxVisible := h - 2
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}

	for i := start; i < len(sessions) && i-start < maxVisible; i++ {
		st := sessions[i]
		indicator := statusIndicator(st.Process.Status)
		name := truncate(st.Stream, w-14)
		line := fmt.Sprintf(" %s %-*s %8d", indicator, w-14, name, st.Records)

		if i == a.selectedIdx {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}

	if a.mode == ModeSearch {
		b.WriteString("\n" + a.search.View())
	}

	return b.String()
}

func (a App) renderDetail(w, h int) string {
	st := a.selectedSession()
	if st == nil {
		return dimStyle.Render("select a stream")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stream:   %s\n", st.Stream)
	fmt.Fprintf(&b, "App:      %s\n", st.AppName)
	fmt.Fprintf(&b, "Region:   %s\n", st.Region)
	fmt.Fprintf(&b, "Status:   %s\n", colorStatus(st.Process.Status))
	if st.Process.PID > 0 {
		fmt.Fprintf(&b, "PID:      %d\n", st.Process.PID)
	}
	if up := st.Process.Uptime(); up > 0 {
		fmt.Fprintf(&b, "Uptime:   %s\n", formatDuration(uint64(up.Seconds())))
	}
	if st.Process.ExitCode != nil {
		fmt.Fprintf(&b, "Exit:     %d\n", *st.Process.ExitCode)
	}
	if st.Resources.RSSBytes > 0 {
		fmt.Fprintf(&b, "Memory:   %s\n", formatBytes(st.Resources.RSSBytes))
	}
	if st.Resources.Threads > 0 {
		fmt.Fprintf(&b, "Threads:  %d\n", st.Resources.Threads)
	}
	fmt.Fprintf(&b, "Batches:  %d\n", st.Batches)
	fmt.Fprintf(&b, "Records:  %d\n", st.Records)
	if st.LastBatchAt != nil {
		fmt.Fprintf(&b, "Last:     %s\n", st.LastBatchAt.Format(time.TimeOnly))
	}
	fmt.Fprintf(&b, "Bus:      %d open, %d malformed\n", st.Bus.Active, st.Bus.Malformed)
	fmt.Fprintf(&b, "Socket:   %s\n", dimStyle.Render(truncate(st.Socket, w-10)))
	fmt.Fprintf(&b, "Log:      %s\n", dimStyle.Render(truncate(st.LogFile, w-10)))

	if p := a.preview(st.Stream); p != "" {
		b.WriteString("\n" + titleStyle.Render("Latest batch") + "\n")
		b.WriteString(truncate(p, max(w*(h-18), w)))
	}

	return b.String()
}

func (a App) renderLogs(w, h int) string {
	lines := a.visibleLogs()
	if len(lines) == 0 {
		return dimStyle.Render("no activity")
	}

	start := 0
	if len(lines) > h-1 {
		start = len(lines) - h + 1
	}

	var b strings.Builder
	for i := start; i < len(lines); i++ {
		l := lines[i]
		ts := time.UnixMilli(l.TsUnixMs).Format(time.TimeOnly)
		prefix := fmt.Sprintf("%s %-12s ", ts, truncate(l.Stream, 12))
		b.WriteString(dimStyle.Render(prefix) + colorLevel(l.Level, truncate(l.Line, w-len(prefix))) + "\n")
	}
	return b.String()
}

func (a App) logTitle() string {
	title := " Activity "
	if a.onlyCurrent {
		title += dimStyle.Render("[SELECTED]") + " "
	}
	if a.logPaused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	if a.feed != nil && a.feed.Dropped() > 0 {
		left = strings.TrimSpace(fmt.Sprintf("%s (%d events dropped)", left, a.feed.Dropped()))
	}
	right := "j/k:nav tab:pane /:search f:filter logs space:pause c:clear q:quit"
	if a.mode == ModeSearch {
		right = "enter:apply esc:cancel"
	}

	gap := a.width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func colorLevel(level core.Level, line string) string {
	switch {
	case level >= core.LevelError:
		return statusFailed.Render(line)
	case level >= core.LevelWarning:
		return statusRestart.Render(line)
	default:
		return line
	}
}

// statusGlyphs maps daemon states to their list marker and style.
var statusGlyphs = map[core.Status]struct {
	glyph string
	style lipgloss.Style
}{
	core.StatusRunning: {"●", statusRunning},
	core.StatusStopped: {"○", statusStopped},
	core.StatusFailed:  {"✖", statusFailed},
	core.StatusExited:  {"◌", statusRestart},
	core.StatusPending: {"…", dimStyle},
}

func statusIndicator(status core.Status) string {
	if g, ok := statusGlyphs[status]; ok {
		return g.style.Render(g.glyph)
	}
	return dimStyle.Render("?")
}

func colorStatus(status core.Status) string {
	if g, ok := statusGlyphs[status]; ok {
		return g.style.Render(string(status))
	}
	return dimStyle.Render(string(status))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 0 {
		return ""
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatBytes(b uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func formatDuration(sec uint64) string {
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	if sec < 3600 {
		return fmt.Sprintf("%dm%ds", sec/60, sec%60)
	}
	return fmt.Sprintf("%dh%dm", sec/3600, (sec%3600)/60)
}
