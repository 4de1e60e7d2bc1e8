package model

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/session"
)

type fixedSource []session.Status

func (f fixedSource) Snapshot() []session.Status { return append([]session.Status(nil), f...) }

func sized(a App) App {
	m, _ := a.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return m.(App)
}

func step(t *testing.T, a App, msg tea.Msg) App {
	t.Helper()
	m, _ := a.Update(msg)
	return m.(App)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func snapshot(t *testing.T, a App) App {
	t.Helper()
	return step(t, a, snapshotCmd(a.src)())
}

func TestSnapshotSortsAndSelects(t *testing.T) {
	src := fixedSource{
		{Stream: "orders", Process: core.ProcessState{Status: core.StatusRunning}},
		{Stream: "clicks", Process: core.ProcessState{Status: core.StatusExited}},
	}
	a := snapshot(t, sized(New(src, NewFeed(8))))

	if got := a.selectedSession(); got == nil || got.Stream != "clicks" {
		t.Fatalf("selected = %v, want clicks", got)
	}
	a = step(t, a, key("j"))
	if got := a.selectedSession(); got.Stream != "orders" {
		t.Errorf("selected = %s, want orders", got.Stream)
	}
	a = step(t, a, key("j"))
	if a.selectedIdx != 1 {
		t.Errorf("selectedIdx = %d, want clamp at 1", a.selectedIdx)
	}

	view := a.View()
	if !strings.Contains(view, "orders") || !strings.Contains(view, "clicks") {
		t.Errorf("view missing streams:\n%s", view)
	}
}

func TestSearchFilters(t *testing.T) {
	src := fixedSource{{Stream: "orders"}, {Stream: "clicks"}, {Stream: "order-events"}}
	a := snapshot(t, sized(New(src, nil)))

	a = step(t, a, key("/"))
	if a.mode != ModeSearch {
		t.Fatalf("mode = %v, want search", a.mode)
	}
	for _, r := range "order" {
		a = step(t, a, key(string(r)))
	}
	a = step(t, a, key("enter"))
	if n := len(a.filteredSessions()); n != 2 {
		t.Errorf("filtered = %d, want 2", n)
	}

	a = step(t, a, key("/"))
	a = step(t, a, key("esc"))
	if n := len(a.filteredSessions()); n != 3 {
		t.Errorf("filtered after esc = %d, want 3", n)
	}
}

func TestFeedDeliversBatchesAndLogs(t *testing.T) {
	feed := NewFeed(4)
	src := fixedSource{{Stream: "orders"}, {Stream: "clicks"}}
	a := snapshot(t, sized(New(src, feed)))

	var forwarded int
	feed.Listener("orders", func(any) { forwarded++ })([]any{map[string]any{"data": "eA=="}, map[string]any{"data": "eQ=="}})
	feed.LogSink("clicks")(core.LevelError, "ERROR: shard failed")

	a = step(t, a, waitBatchCmd(feed)())
	a = step(t, a, waitLogCmd(feed)())

	if forwarded != 1 {
		t.Errorf("wrapped listener called %d times, want 1", forwarded)
	}
	if len(a.logLines) != 2 {
		t.Fatalf("log lines = %d, want 2", len(a.logLines))
	}
	if a.logLines[0].Line != "batch of 2 record(s)" {
		t.Errorf("batch line = %q", a.logLines[0].Line)
	}
	if a.logLines[1].Level != core.LevelError {
		t.Errorf("level = %v, want ERROR", a.logLines[1].Level)
	}
	if p := a.preview("orders"); !strings.Contains(p, "eA==") {
		t.Errorf("preview = %q", p)
	}

	// Only the selected stream (clicks sorts first).
	a = step(t, a, key("f"))
	if got := a.visibleLogs(); len(got) != 1 || got[0].Stream != "clicks" {
		t.Errorf("visible logs = %v", got)
	}

	a = step(t, a, key("c"))
	if len(a.logLines) != 0 {
		t.Errorf("logs not cleared")
	}
}

func TestPauseDropsActivity(t *testing.T) {
	a := sized(New(fixedSource{}, nil))
	a = step(t, a, key("l"))
	a = step(t, a, key(" "))
	if !a.logPaused {
		t.Fatal("expected paused")
	}
	a = step(t, a, logLineMsg{Stream: "orders", Line: "WARNING: slow"})
	if len(a.logLines) != 0 {
		t.Errorf("paused log pane appended a line")
	}
}

func TestFeedDropsWhenFull(t *testing.T) {
	feed := NewFeed(1)
	sink := feed.LogSink("orders")
	sink(core.LevelWarning, "one")
	sink(core.LevelWarning, "two")
	if feed.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", feed.Dropped())
	}
}

func TestLogRingBuffer(t *testing.T) {
	a := New(fixedSource{}, nil)
	for i := 0; i < maxLogLines+10; i++ {
		a = step(t, a, logLineMsg{Line: "x"})
	}
	if len(a.logLines) != maxLogLines {
		t.Errorf("log lines = %d, want %d", len(a.logLines), maxLogLines)
	}
}

func TestQuit(t *testing.T) {
	a := New(fixedSource{}, nil)
	_, cmd := a.Update(key("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("expected tea.QuitMsg")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"a long stream name", 10, "a long ..."},
		{"abcdef", 3, "abc"},
		{"abcdef", -2, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
