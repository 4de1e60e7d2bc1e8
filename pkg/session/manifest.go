package session

import (
	"context"
	"fmt"
	"maps"

	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/manifest"
)

// FromManifest derives the options for one manifest stream. Fields not set
// by the manifest are taken from base.
func FromManifest(m *manifest.Manifest, name string, base Options) (Options, error) {
	st, ok := m.Streams[name]
	if !ok {
		return Options{}, fmt.Errorf("stream %q not in manifest", name)
	}
	opts := base
	opts.Stream = name
	if m.TmpDir != "" {
		opts.TmpDir = m.TmpDir
	}
	if st.Region != "" {
		opts.Region = st.Region
	}
	if st.Endpoint != "" {
		opts.EndpointURL = st.Endpoint
	}
	if st.LeaseTableSuffix != "" {
		opts.LeaseTableSuffix = st.LeaseTableSuffix
	}
	if st.LogFile != "" {
		opts.LogFilePath = st.LogFile
	}
	if st.ProcessorScript != "" {
		opts.ProcessorScript = st.ProcessorScript
	}
	if st.Shards != nil {
		opts.ShardCount = st.Shards
	}
	opts.DisableCheckpoint = base.DisableCheckpoint || !st.Checkpoints()

	if st.LogLevel != "" {
		level, err := core.ParseLevel(st.LogLevel)
		if err != nil {
			return Options{}, fmt.Errorf("stream %q: %w", name, err)
		}
		opts.LogLevel = level
		opts.DisableLogMonitor = level == core.LevelNone
	}

	opts.Properties = merge(base.Properties, st.Properties)
	opts.EnvOverrides = merge(base.EnvOverrides, st.Env)
	return opts, nil
}

func merge(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = map[string]string{}
	}
	maps.Copy(out, over)
	return out
}

// StartManifest starts a session per manifest stream, in name order. Each
// tweak runs on the derived options before the session starts. If any
// stream fails, the sessions this call started are closed again.
func (m *Manager) StartManifest(ctx context.Context, mf *manifest.Manifest, base Options, tweaks ...func(*Options)) (err error) {
	var started []string
	defer func() {
		if err == nil {
			return
		}
		for i := len(started) - 1; i >= 0; i-- {
			if cerr := m.Remove(started[i]); cerr != nil {
				m.logger.Warn("unwinding manifest start", "stream", started[i], "err", cerr)
			}
		}
	}()

	for _, name := range mf.Names() {
		opts, err := FromManifest(mf, name, base)
		if err != nil {
			return err
		}
		for _, tweak := range tweaks {
			tweak(&opts)
		}
		if _, err := m.Start(ctx, opts); err != nil {
			return err
		}
		started = append(started, name)
	}
	return nil
}
