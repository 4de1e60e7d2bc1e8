package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/httpapi"
	"github.com/modoterra/kclbridge/pkg/leases"
	"github.com/modoterra/kclbridge/pkg/manifest"
	"github.com/modoterra/kclbridge/pkg/metrics"
	"github.com/modoterra/kclbridge/pkg/service"
	"github.com/modoterra/kclbridge/pkg/session"
	tuimodel "github.com/modoterra/kclbridge/pkg/tui/model"
)

var (
	errDaemonExited = errors.New("consumer daemon exited")
	errQuit         = errors.New("quit")
)

var listenFlags struct {
	manifest     string
	region       string
	endpoint     string
	leaseSuffix  string
	kclLogLevel  string
	httpAddr     string
	shards       int
	properties   []string
	env          []string
	tui          bool
	print        bool
	noCheckpoint bool
	keepFiles    bool
}

var listenCmd = &cobra.Command{
	Use:   "listen [stream]",
	Short: "Consume a stream (or every stream in a manifest) until interrupted",
	Long: `Starts the consumer daemon for each stream and forwards every record
batch to this process. Runs until SIGINT/SIGTERM or until a daemon exits.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runListen,
}

func init() {
	f := listenCmd.Flags()
	f.StringVar(&listenFlags.manifest, "manifest", "", "stream manifest (instead of a stream argument)")
	f.StringVar(&listenFlags.region, "region", "", "AWS region, or \"local\" for an emulator (default from config)")
	f.StringVar(&listenFlags.endpoint, "endpoint", "", "Kinesis endpoint URL override")
	f.StringVar(&listenFlags.leaseSuffix, "lease-table-suffix", "", "suffix appended to the stream name to form the application name")
	f.StringVar(&listenFlags.kclLogLevel, "kcl-log-level", "", "lowest daemon log level to republish, or \"off\" (default from config)")
	f.StringVar(&listenFlags.httpAddr, "http-addr", "", "serve the status API and /metrics on this address")
	f.IntVar(&listenFlags.shards, "shards", 0, "expected shard count")
	f.StringArrayVar(&listenFlags.properties, "property", nil, "daemon property key=value (repeatable)")
	f.StringArrayVar(&listenFlags.env, "env", nil, "daemon environment KEY=VALUE (repeatable)")
	f.BoolVar(&listenFlags.tui, "tui", false, "show the live viewer")
	f.BoolVar(&listenFlags.print, "print", false, "write every batch to stdout as a JSON line")
	f.BoolVar(&listenFlags.noCheckpoint, "no-checkpoint", false, "do not checkpoint on shutdown")
	f.BoolVar(&listenFlags.keepFiles, "keep-files", false, "leave generated files in place on exit")

	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (listenFlags.manifest == "") {
		return errors.New("give either a stream name or --manifest")
	}
	if err := cfg.EnsureTmpFolder(); err != nil {
		return err
	}
	if err := cfg.ExportURLs(nil); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var feed *tuimodel.Feed
	if listenFlags.tui {
		feed = tuimodel.NewFeed(1024)
		closeLog, err := logToFile(filepath.Join(cfg.TmpFolder, "kclbridge.log"))
		if err != nil {
			return err
		}
		defer closeLog()
	}

	base, err := baseOptions()
	if err != nil {
		return err
	}

	mgr := session.NewManager(logger)
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("teardown incomplete", "err", err)
		}
	}()

	out := &batchWriter{w: cmd.OutOrStdout(), print: listenFlags.print}
	tweak := func(o *session.Options) {
		o.Listener = out.listener(o.Stream)
		if feed != nil {
			o.Listener = feed.Listener(o.Stream, o.Listener)
			o.LogSink = feed.LogSink(o.Stream)
		}
	}

	if listenFlags.manifest != "" {
		mf, err := loadManifest(listenFlags.manifest)
		if err != nil {
			return err
		}
		if err := mgr.StartManifest(ctx, mf, base, tweak); err != nil {
			return err
		}
	} else {
		opts := base
		opts.Stream = args[0]
		tweak(&opts)
		if _, err := mgr.Start(ctx, opts); err != nil {
			return err
		}
	}

	notifier := service.NewNotifier(logger)
	notifier.Status(fmt.Sprintf("%d stream(s) listening", len(mgr.Sessions())))
	notifier.Ready()
	defer notifier.Stopping()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		notifier.Watchdog(gctx)
		return nil
	})
	g.Go(func() error {
		mgr.Watch(gctx, 2*time.Second, func(c session.Change) {
			notifier.Status(fmt.Sprintf("%s: %s", c.Stream, c.To))
		})
		return nil
	})
	g.Go(func() error {
		name, err := mgr.WaitAny(gctx)
		if err != nil {
			return nil
		}
		return fmt.Errorf("%w: %s", errDaemonExited, name)
	})

	if addr := httpAddr(); addr != "" {
		srv := httpapi.NewServer(addr, mgr, httpapi.Options{
			Leases:   leaseLister(mgr),
			Gatherer: metrics.NewRegistry(mgr),
			Logger:   logger,
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Stop()
		})
	}

	if listenFlags.tui {
		g.Go(func() error {
			p := tea.NewProgram(tuimodel.New(mgr, feed), tea.WithAltScreen(), tea.WithContext(gctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return errQuit
		})
	}

	err = g.Wait()
	if errors.Is(err, errQuit) {
		err = nil
	}
	if ctx.Err() != nil {
		logger.Info("shutting down")
	}
	return err
}

// baseOptions maps the resolved config and flags onto session options.
func baseOptions() (session.Options, error) {
	opts := session.Options{
		TmpDir:            cfg.TmpFolder,
		Region:            cfg.Region,
		LocalHost:         cfg.Hostname,
		KinesisPort:       cfg.Port("kinesis"),
		DynamoDBEndpoint:  fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port("dynamodb")),
		JavaBin:           cfg.JavaBin,
		ClassPath:         cfg.KCLClasspath,
		DisableCheckpoint: listenFlags.noCheckpoint,
		KeepFiles:         listenFlags.keepFiles,
		Logger:            logger,
	}
	if listenFlags.region != "" {
		opts.Region = listenFlags.region
	}
	opts.EndpointURL = listenFlags.endpoint
	opts.LeaseTableSuffix = listenFlags.leaseSuffix
	if listenFlags.shards > 0 {
		n := listenFlags.shards
		opts.ShardCount = &n
	}

	levelName := cfg.KCLLogLevel
	if listenFlags.kclLogLevel != "" {
		levelName = listenFlags.kclLogLevel
	}
	level, err := core.ParseLevel(levelName)
	if err != nil {
		return opts, err
	}
	opts.LogLevel = level
	opts.DisableLogMonitor = level == core.LevelNone

	if opts.Properties, err = parseKV(listenFlags.properties); err != nil {
		return opts, fmt.Errorf("--property: %w", err)
	}
	if opts.EnvOverrides, err = parseKV(listenFlags.env); err != nil {
		return opts, fmt.Errorf("--env: %w", err)
	}
	return opts, nil
}

func httpAddr() string {
	if listenFlags.httpAddr != "" {
		return listenFlags.httpAddr
	}
	return cfg.HTTPAddr
}

func loadManifest(path string) (*manifest.Manifest, error) {
	mf, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	if errs := manifest.Validate(mf); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", path, errors.Join(errs...))
	}
	return mf, nil
}

func parseKV(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// leaseLister reads the lease table of a running session.
func leaseLister(mgr *session.Manager) httpapi.LeaseLister {
	return func(ctx context.Context, stream string) ([]leases.Lease, error) {
		s, ok := mgr.Get(stream)
		if !ok {
			return nil, fmt.Errorf("no session for %s", stream)
		}
		r, err := leases.NewReader(s.Info(), leaseOptions(s.Info()))
		if err != nil {
			return nil, err
		}
		return r.List(ctx)
	}
}

func leaseOptions(info core.StreamInfo) leases.Options {
	if info.Region == core.RegionLocal {
		return leases.Options{Endpoint: cfg.ServiceURL("dynamodb")}
	}
	return leases.Options{}
}

// batchWriter logs each batch and optionally prints it as one JSON line.
type batchWriter struct {
	mu    sync.Mutex
	w     io.Writer
	print bool
}

func (b *batchWriter) listener(stream string) session.Listener {
	return func(records any) {
		n := 1
		if list, ok := records.([]any); ok {
			n = len(list)
		}
		logger.Info("batch received", "stream", stream, "records", n)
		if !b.print {
			return
		}
		line, err := json.Marshal(map[string]any{"stream": stream, "records": records})
		if err != nil {
			logger.Warn("unable to encode batch", "stream", stream, "err", err)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.w.Write(append(line, '\n'))
	}
}

// logToFile points the global logger at path for the lifetime of the TUI.
func logToFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	prev := logger
	logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return func() {
		logger = prev
		slog.SetDefault(prev)
		f.Close()
	}, nil
}
