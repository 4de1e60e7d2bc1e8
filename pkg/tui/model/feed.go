package model

import (
	"sync/atomic"
	"time"

	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/logs/monitor"
	"github.com/modoterra/kclbridge/pkg/session"
)

// Feed carries batches and daemon log lines from running sessions to the
// UI. Sends never block; when the UI falls behind, events are dropped and
// counted.
type Feed struct {
	batches chan core.Batch
	logs    chan core.LogLine
	dropped atomic.Uint64
}

// NewFeed creates a feed with room for size pending events of each kind.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 256
	}
	return &Feed{
		batches: make(chan core.Batch, size),
		logs:    make(chan core.LogLine, size),
	}
}

// Listener returns a session listener that publishes batches of stream.
// When next is set it is called first.
func (f *Feed) Listener(stream string, next session.Listener) session.Listener {
	return func(records any) {
		if next != nil {
			next(records)
		}
		n := 1
		if list, ok := records.([]any); ok {
			n = len(list)
		}
		f.pushBatch(core.Batch{
			Stream:   stream,
			TsUnixMs: time.Now().UnixMilli(),
			Records:  n,
			Value:    records,
		})
	}
}

// LogSink returns a log monitor sink that publishes lines of stream.
func (f *Feed) LogSink(stream string) monitor.Sink {
	return func(level core.Level, line string) {
		f.pushLog(core.LogLine{
			Stream:   stream,
			TsUnixMs: time.Now().UnixMilli(),
			Level:    level,
			Line:     line,
		})
	}
}

// Dropped returns how many events were discarded.
func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

func (f *Feed) pushBatch(b core.Batch) {
	select {
	case f.batches <- b:
	default:
		f.dropped.Add(1)
	}
}

func (f *Feed) pushLog(l core.LogLine) {
	select {
	case f.logs <- l:
	default:
		f.dropped.Add(1)
	}
}
