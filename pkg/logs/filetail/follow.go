// Package filetail follows a growing log file line by line.
package filetail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the fallback wake-up when no fs event arrives.
const DefaultPollInterval = 250 * time.Millisecond

// Options tune Follow.
type Options struct {
	PollInterval time.Duration
	// FromStart reads existing content instead of seeking to the end.
	FromStart bool
	// Buffer is the capacity of the returned channel (default 256).
	Buffer int
	Logger *slog.Logger
}

// Follow opens path and streams every complete line appended after the call
// (newline stripped). The channel is closed once ctx is cancelled. A file
// that shrinks below the read offset is re-read from the beginning.
func Follow(ctx context.Context, path string, opts Options) (<-chan string, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var offset int64
	if !opts.FromStart {
		offset, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		opts.Logger.Debug("fsnotify unavailable, polling only", "path", path, "err", err)
		watcher = nil
	} else if err := watcher.Add(path); err != nil {
		opts.Logger.Debug("watch failed, polling only", "path", path, "err", err)
		watcher.Close()
		watcher = nil
	}

	ch := make(chan string, opts.Buffer)
	t := &tailer{
		f:       f,
		path:    path,
		reader:  bufio.NewReader(f),
		offset:  offset,
		out:     ch,
		watcher: watcher,
		opts:    opts,
	}
	go t.run(ctx)
	return ch, nil
}

type tailer struct {
	f       *os.File
	path    string
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
	out     chan string
	watcher *fsnotify.Watcher
	opts    Options
}

func (t *tailer) run(ctx context.Context) {
	defer close(t.out)
	defer t.f.Close()
	if t.watcher != nil {
		defer t.watcher.Close()
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if t.watcher != nil {
		events = t.watcher.Events
		errs = t.watcher.Errors
	}

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !t.drain(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				t.opts.Logger.Debug("log file moved or removed", "path", t.path, "op", ev.Op.String())
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.opts.Logger.Warn("watch error", "path", t.path, "err", err)
		case <-ticker.C:
		}
		t.checkTruncate()
	}
}

// drain emits every complete line currently readable. It reports false if
// ctx was cancelled while blocked on the output channel.
func (t *tailer) drain(ctx context.Context) bool {
	for {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err != nil {
			t.partial.WriteString(chunk)
			if !errors.Is(err, io.EOF) {
				t.opts.Logger.Warn("read error", "path", t.path, "err", err)
			}
			return true
		}
		line := t.partial.String() + chunk
		t.partial.Reset()
		line = strings.TrimRight(line, "\r\n")
		select {
		case t.out <- line:
		case <-ctx.Done():
			return false
		}
	}
}

func (t *tailer) checkTruncate() {
	info, err := t.f.Stat()
	if err != nil {
		return
	}
	if info.Size() >= t.offset {
		return
	}
	t.opts.Logger.Debug("log file truncated, rewinding", "path", t.path, "size", info.Size(), "offset", t.offset)
	if _, err := t.f.Seek(0, io.SeekStart); err != nil {
		t.opts.Logger.Warn("rewind failed", "path", t.path, "err", err)
		return
	}
	t.offset = 0
	t.partial.Reset()
	t.reader.Reset(t.f)
}
