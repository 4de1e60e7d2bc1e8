// Package manifest reads and writes kclbridge.yaml, the list of streams a
// long-running listener subscribes to.
package manifest

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the manifest name looked up in the working directory.
const DefaultFile = "kclbridge.yaml"

// Manifest represents a kclbridge.yaml file.
type Manifest struct {
	Version int               `yaml:"version" json:"version"`
	TmpDir  string            `yaml:"tmp_dir,omitempty" json:"tmp_dir,omitempty"`
	Streams map[string]Stream `yaml:"streams" json:"streams"`

	// FilePath is where the manifest was loaded from.
	FilePath string `yaml:"-" json:"-"`
}

// Stream is one stream subscription.
type Stream struct {
	Region           string            `yaml:"region,omitempty"             json:"region,omitempty"`
	Endpoint         string            `yaml:"endpoint,omitempty"           json:"endpoint,omitempty"`
	LeaseTableSuffix string            `yaml:"lease_table_suffix,omitempty" json:"lease_table_suffix,omitempty"`
	LogLevel         string            `yaml:"log_level,omitempty"          json:"log_level,omitempty"` // "off" disables the log monitor
	LogFile          string            `yaml:"log_file,omitempty"           json:"log_file,omitempty"`
	ProcessorScript  string            `yaml:"processor_script,omitempty"   json:"processor_script,omitempty"`
	AutoCheckpoint   *bool             `yaml:"auto_checkpoint,omitempty"    json:"auto_checkpoint,omitempty"`
	Shards           *int              `yaml:"shards,omitempty"             json:"shards,omitempty"`
	Properties       map[string]string `yaml:"properties,omitempty"         json:"properties,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"                json:"env,omitempty"`
}

// Checkpoints reports whether processors checkpoint on shutdown.
func (s Stream) Checkpoints() bool {
	return s.AutoCheckpoint == nil || *s.AutoCheckpoint
}

// Names returns the stream names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Streams))
	for name := range m.Streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.FilePath = path
	return m, nil
}

// Parse decodes a manifest and expands ${tmp_dir} references.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.interpolate()
	return &m, nil
}

// Save writes the manifest to path.
func Save(m *Manifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Example returns a starter manifest subscribing to stream.
func Example(stream string) *Manifest {
	return &Manifest{
		Version: 1,
		TmpDir:  os.TempDir(),
		Streams: map[string]Stream{
			stream: {
				Region:   "local",
				LogLevel: "WARNING",
				Properties: map[string]string{
					"initialPositionInStream": "TRIM_HORIZON",
				},
			},
		},
	}
}

func (m *Manifest) interpolate() {
	if m.TmpDir == "" {
		return
	}
	expand := func(s string) string {
		return strings.ReplaceAll(s, "${tmp_dir}", m.TmpDir)
	}
	for name, s := range m.Streams {
		s.LogFile = expand(s.LogFile)
		s.ProcessorScript = expand(s.ProcessorScript)
		for k, v := range s.Properties {
			s.Properties[k] = expand(v)
		}
		for k, v := range s.Env {
			s.Env[k] = expand(v)
		}
		m.Streams[name] = s
	}
}
