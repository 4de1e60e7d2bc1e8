package filetail

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func appendTo(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return line
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func follow(t *testing.T, path string, opts Options) <-chan string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts.Logger = quietLogger()
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	ch, err := Follow(ctx, path, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		for range ch {
		}
	})
	return ch
}

func TestFollowSkipsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcl.log")
	require.NoError(t, os.WriteFile(path, []byte("old line\n"), 0o644))

	ch := follow(t, path, Options{})
	appendTo(t, path, "new line\n")

	assert.Equal(t, "new line", recv(t, ch))
}

func TestFollowFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcl.log")
	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\n"), 0o644))

	ch := follow(t, path, Options{FromStart: true})
	assert.Equal(t, "first", recv(t, ch))
	assert.Equal(t, "second", recv(t, ch))
}

func TestFollowHoldsPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcl.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ch := follow(t, path, Options{})
	appendTo(t, path, "hel")
	time.Sleep(60 * time.Millisecond)
	select {
	case line := <-ch:
		t.Fatalf("partial line emitted: %q", line)
	default:
	}
	appendTo(t, path, "lo\r\n")
	assert.Equal(t, "hello", recv(t, ch))
}

func TestFollowRewindsOnTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcl.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ch := follow(t, path, Options{})
	appendTo(t, path, "a fairly long line before truncation\n")
	assert.Equal(t, "a fairly long line before truncation", recv(t, ch))

	require.NoError(t, os.Truncate(path, 0))
	time.Sleep(60 * time.Millisecond)
	appendTo(t, path, "short\n")
	assert.Equal(t, "short", recv(t, ch))
}

func TestFollowMissingFile(t *testing.T) {
	_, err := Follow(context.Background(), filepath.Join(t.TempDir(), "nope.log"), Options{})
	assert.Error(t, err)
}

func TestFollowClosesOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcl.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := Follow(ctx, path, Options{PollInterval: 10 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
