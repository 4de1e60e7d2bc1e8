// Package config loads host-level settings for kclbridge from environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/modoterra/kclbridge/pkg/core"
)

// EnvPrefix namespaces every environment key, e.g. KCLBRIDGE_JAVA_BIN.
const EnvPrefix = "KCLBRIDGE"

// DefaultServicePorts are the ports of a local AWS emulator stack.
var DefaultServicePorts = map[string]int{
	"apigateway":      4567,
	"kinesis":         core.DefaultKinesisPort,
	"dynamodb":        core.DefaultDynamoDBPort,
	"dynamodbstreams": 4570,
	"elasticsearch":   4571,
	"s3":              4572,
	"firehose":        4573,
	"lambda":          4574,
	"sns":             4575,
	"sqs":             4576,
	"redshift":        4577,
	"es":              4578,
	"ses":             4579,
	"route53":         4580,
	"cloudformation":  4581,
	"cloudwatch":      4582,
}

// Config is the resolved host configuration.
type Config struct {
	Hostname     string `mapstructure:"hostname" json:"hostname"`
	Services     string `mapstructure:"services" json:"services,omitempty"`
	TmpFolder    string `mapstructure:"tmp-folder" json:"tmp_folder"`
	Region       string `mapstructure:"region" json:"region"`
	JavaBin      string `mapstructure:"java-bin" json:"java_bin"`
	KCLClasspath string `mapstructure:"kcl-classpath" json:"kcl_classpath,omitempty"`
	LogLevel     string `mapstructure:"log-level" json:"log_level"`
	KCLLogLevel  string `mapstructure:"kcl-log-level" json:"kcl_log_level"`
	HTTPAddr     string `mapstructure:"http-addr" json:"http_addr,omitempty"`

	// ServicePorts is Services parsed against DefaultServicePorts.
	ServicePorts map[string]int `mapstructure:"-" json:"service_ports"`
	// ConfigFile is the file that was actually read, if any.
	ConfigFile string `mapstructure:"-" json:"config_file,omitempty"`
}

// DefaultConfigPath is ~/.config/kclbridge/config.yml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".config", "kclbridge", "config.yml"), nil
}

// Load resolves the configuration. An empty configPath uses
// DefaultConfigPath; a missing file is not an error.
func Load(configPath string) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// The emulator conventions use the bare names too.
	if err := v.BindEnv("hostname", EnvPrefix+"_HOSTNAME", "HOSTNAME"); err != nil {
		return cfg, err
	}
	if err := v.BindEnv("services", EnvPrefix+"_SERVICES", "SERVICES"); err != nil {
		return cfg, err
	}

	v.SetDefault("hostname", core.DefaultLocalHost)
	v.SetDefault("services", "")
	v.SetDefault("tmp-folder", filepath.Join(os.TempDir(), "kclbridge"))
	v.SetDefault("region", core.DefaultRegion)
	v.SetDefault("java-bin", "java")
	v.SetDefault("kcl-classpath", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("kcl-log-level", core.LevelWarning.String())
	v.SetDefault("http-addr", "")

	if configPath == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return cfg, err
		}
		configPath = p
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", configPath, err)
		}
	} else {
		cfg.ConfigFile = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	ports, err := ParseServicePorts(cfg.Services)
	if err != nil {
		return cfg, err
	}
	cfg.ServicePorts = ports
	return cfg, nil
}

var (
	listSep = regexp.MustCompile(`\s*,\s*`)
	portSep = regexp.MustCompile(`[:=]`)
)

// ParseServicePorts parses "kinesis,dynamodb:8000" style lists. A service
// without a port gets its default. An empty spec yields every default.
func ParseServicePorts(spec string) (map[string]int, error) {
	spec = strings.TrimSpace(spec)
	out := map[string]int{}
	if spec == "" {
		for k, v := range DefaultServicePorts {
			out[k] = v
		}
		return out, nil
	}

	for _, entry := range listSep.Split(spec, -1) {
		if entry == "" {
			continue
		}
		parts := portSep.Split(entry, 2)
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		if len(parts) == 1 {
			port, ok := DefaultServicePorts[name]
			if !ok {
				return nil, fmt.Errorf("service %q has no default port", name)
			}
			out[name] = port
		} else {
			port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("service %q: invalid port %q", name, parts[1])
			}
			out[name] = port
		}
		// "es" is the management API; the search endpoint runs alongside it.
		if name == "es" {
			if _, ok := out["elasticsearch"]; !ok {
				out["elasticsearch"] = DefaultServicePorts["elasticsearch"]
			}
		}
	}
	return out, nil
}

// Port returns the configured port for svc, falling back to the default.
func (c Config) Port(svc string) int {
	if p, ok := c.ServicePorts[svc]; ok {
		return p
	}
	return DefaultServicePorts[svc]
}

// ServiceURL returns http://<hostname>:<port> for svc.
func (c Config) ServiceURL(svc string) string {
	return fmt.Sprintf("http://%s:%d", c.Hostname, c.Port(svc))
}

// ExportURLs sets TEST_<SVC>_URL for every known service, in name order.
func (c Config) ExportURLs(setenv func(key, value string) error) error {
	if setenv == nil {
		setenv = os.Setenv
	}
	names := make([]string, 0, len(DefaultServicePorts))
	for name := range DefaultServicePorts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := "TEST_" + strings.ToUpper(name) + "_URL"
		if err := setenv(key, c.ServiceURL(name)); err != nil {
			return fmt.Errorf("export %s: %w", key, err)
		}
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// KCLLevel parses KCLLogLevel.
func (c Config) KCLLevel() (core.Level, error) {
	return core.ParseLevel(c.KCLLogLevel)
}

// EnsureTmpFolder creates TmpFolder if needed.
func (c Config) EnsureTmpFolder() error {
	if err := os.MkdirAll(c.TmpFolder, 0o755); err != nil {
		return fmt.Errorf("create tmp folder: %w", err)
	}
	return nil
}
