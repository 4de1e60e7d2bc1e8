package multilang

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const maxMessageSize = 16 * 1024 * 1024

// Runtime drives one RecordProcessor over the daemon protocol.
type Runtime struct {
	scanner *bufio.Scanner
	out     io.Writer
	outMu   sync.Mutex
	proc    RecordProcessor
	logger  *slog.Logger
}

// Run reads actions from in until EOF or ctx is cancelled, dispatching
// them to proc and writing responses to out. A handler error ends the run.
func Run(ctx context.Context, in io.Reader, out io.Writer, proc RecordProcessor, logger *slog.Logger) error {
	return New(in, out, proc, logger).Run(ctx)
}

// New creates a Runtime.
func New(in io.Reader, out io.Writer, proc RecordProcessor, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	return &Runtime{scanner: scanner, out: out, proc: proc, logger: logger}
}

// Run processes actions until EOF.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := r.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.dispatch(msg); err != nil {
			return fmt.Errorf("%s: %w", msg.Action, err)
		}
		if err := r.write(statusMessage{Action: actionStatus, ResponseFor: msg.Action}); err != nil {
			return err
		}
	}
}

func (r *Runtime) next() (inbound, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			return inbound{}, fmt.Errorf("malformed action: %w", err)
		}
		return msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return inbound{}, fmt.Errorf("read action: %w", err)
	}
	return inbound{}, io.EOF
}

func (r *Runtime) dispatch(msg inbound) error {
	cp := &checkpointer{rt: r}
	switch msg.Action {
	case ActionInitialize:
		in := InitializeInput{ShardID: msg.ShardID}
		if msg.SequenceNumber != nil {
			in.SequenceNumber = *msg.SequenceNumber
		}
		if msg.SubSequenceNumber != nil {
			in.SubSequenceNumber = *msg.SubSequenceNumber
		}
		return r.proc.Initialize(in)

	case ActionProcessRecords:
		return r.proc.ProcessRecords(ProcessRecordsInput{
			RawRecords:         msg.Records,
			MillisBehindLatest: msg.MillisBehindLatest,
			Checkpointer:       cp,
		})

	case ActionShutdown:
		return r.proc.Shutdown(ShutdownInput{Reason: msg.Reason, Checkpointer: cp})

	case ActionLeaseLost:
		if p, ok := r.proc.(LeaseLoser); ok {
			return p.LeaseLost(LeaseLostInput{})
		}
		return r.proc.Shutdown(ShutdownInput{Reason: ReasonZombie, Checkpointer: cp})

	case ActionShardEnded:
		if p, ok := r.proc.(ShardEnder); ok {
			return p.ShardEnded(ShardEndedInput{Checkpointer: cp})
		}
		return r.proc.Shutdown(ShutdownInput{Reason: ReasonTerminate, Checkpointer: cp})

	case ActionShutdownRequested:
		if p, ok := r.proc.(ShutdownRequester); ok {
			return p.ShutdownRequested(ShutdownRequestedInput{Checkpointer: cp})
		}
		return nil

	case ActionCheckpoint:
		// A checkpoint reply with no outstanding request.
		r.logger.Warn("unexpected checkpoint response", "error", msg.Error)
		return nil

	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

func (r *Runtime) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	// Leading newline keeps the response on its own line even if something
	// else wrote a partial line to stdout.
	buf := make([]byte, 0, len(data)+2)
	buf = append(buf, '\n')
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := r.out.Write(buf); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

type checkpointer struct {
	rt *Runtime
}

// Checkpoint sends a checkpoint request and waits for the daemon's reply.
func (c *checkpointer) Checkpoint(sequenceNumber string) error {
	req := checkpointMessage{Action: ActionCheckpoint}
	if sequenceNumber != "" {
		req.SequenceNumber = &sequenceNumber
	}
	if err := c.rt.write(req); err != nil {
		return err
	}
	reply, err := c.rt.next()
	if err != nil {
		return fmt.Errorf("await checkpoint reply: %w", err)
	}
	if reply.Action != ActionCheckpoint {
		return &CheckpointError{Code: ErrCodeInvalidState}
	}
	if reply.Error != "" {
		return &CheckpointError{Code: reply.Error}
	}
	return nil
}
