package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/modoterra/kclbridge/pkg/multilang"
	"github.com/modoterra/kclbridge/pkg/transport/uds"
)

// Sender delivers one value to the listening session.
type Sender interface {
	Send(v any) error
}

// Forwarder is a record processor that relays every batch to a Sender.
type Forwarder struct {
	sender         Sender
	autoCheckpoint bool
	logger         *slog.Logger
	shardID        string
}

// NewForwarder creates a Forwarder.
func NewForwarder(sender Sender, autoCheckpoint bool, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{sender: sender, autoCheckpoint: autoCheckpoint, logger: logger}
}

func (f *Forwarder) Initialize(in multilang.InitializeInput) error {
	f.shardID = in.ShardID
	f.logger.Info(fmt.Sprintf("initialize '%s'", in.ShardID), "sequence", in.SequenceNumber)
	return nil
}

// ProcessRecords forwards the batch as one line. A failed send is logged
// and the batch is dropped.
func (f *Forwarder) ProcessRecords(in multilang.ProcessRecordsInput) error {
	payload := in.RawRecords
	if len(payload) == 0 {
		payload = json.RawMessage("[]")
	}
	if err := f.sender.Send(payload); err != nil {
		f.logger.Warn("unable to forward records", "shard", f.shardID, "bytes", len(payload), "err", err)
	}
	return nil
}

func (f *Forwarder) Shutdown(in multilang.ShutdownInput) error {
	f.logger.Info(fmt.Sprintf("Shutdown processor for shard '%s'", f.shardID), "reason", in.Reason)
	f.checkpoint(in.Checkpointer)
	return nil
}

func (f *Forwarder) ShutdownRequested(in multilang.ShutdownRequestedInput) error {
	f.logger.Info("shutdown requested", "shard", f.shardID)
	f.checkpoint(in.Checkpointer)
	return nil
}

func (f *Forwarder) ShardEnded(in multilang.ShardEndedInput) error {
	f.logger.Info("shard ended", "shard", f.shardID)
	f.checkpoint(in.Checkpointer)
	return nil
}

// LeaseLost never checkpoints; the lease belongs to another worker now.
func (f *Forwarder) LeaseLost(multilang.LeaseLostInput) error {
	f.logger.Info("lease lost", "shard", f.shardID)
	return nil
}

func (f *Forwarder) checkpoint(cp multilang.Checkpointer) {
	if !f.autoCheckpoint || cp == nil {
		return
	}
	if err := cp.Checkpoint(""); err != nil {
		f.logger.Error("unable to checkpoint", "shard", f.shardID, "err", err)
	}
}

// ProcessorOptions configure RunProcessor.
type ProcessorOptions struct {
	SocketPath string
	// LogFilePath receives diagnostics (appended). Empty means Logger.
	LogFilePath       string
	DisableCheckpoint bool
	Dial              uds.DialOptions
	Stdin             io.Reader
	Stdout            io.Writer
	Logger            *slog.Logger
}

// RunProcessor connects to the session's event bus and serves the daemon
// protocol on stdin/stdout until the daemon closes stdin.
func RunProcessor(ctx context.Context, opts ProcessorOptions) error {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if opts.LogFilePath != "" {
		f, err := os.OpenFile(opts.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open processor log: %w", err)
		}
		defer f.Close()
		logger = slog.New(slog.NewTextHandler(f, nil))
	}
	logger = logger.With("pid", os.Getpid())

	if opts.Dial.Logger == nil {
		opts.Dial.Logger = logger
	}
	client, err := uds.Dial(ctx, opts.SocketPath, opts.Dial)
	if err != nil {
		logger.Error("unable to connect to event bus", "socket", opts.SocketPath, "err", err)
		return err
	}
	defer client.Close()

	fwd := NewForwarder(client, !opts.DisableCheckpoint, logger)
	if err := multilang.Run(ctx, opts.Stdin, opts.Stdout, fwd, logger); err != nil {
		logger.Error("record processor stopped", "err", err)
		return err
	}
	return nil
}
