package core

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// RegionLocal selects local (non-production) endpoints.
	RegionLocal = "local"

	DefaultRegion           = "us-east-1"
	DefaultLeaseTableSuffix = "-app"
	DefaultLocalHost        = "localhost"
	DefaultKinesisPort      = 4568
	DefaultDynamoDBPort     = 4569
)

// ConnectionOverride points the daemon at a non-default endpoint.
type ConnectionOverride struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
}

// Addr returns host:port.
func (c ConnectionOverride) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Protocol returns http or https.
func (c ConnectionOverride) Protocol() string {
	if c.Secure {
		return "https"
	}
	return "http"
}

// StreamInfo identifies one stream-consumption session.
type StreamInfo struct {
	Name           string              `json:"name"`
	Region         string              `json:"region"`
	AppName        string              `json:"app_name"`
	ShardCount     *int                `json:"shards,omitempty"`
	ConfigFilePath string              `json:"properties_file"`
	LogFilePath    string              `json:"log_file"`
	EnvOverrides   map[string]string   `json:"env_vars,omitempty"`
	Connection     *ConnectionOverride `json:"conn,omitempty"`
}

// StreamOptions are the inputs NewStreamInfo derives a StreamInfo from.
type StreamOptions struct {
	Region           string
	EndpointURL      string
	LeaseTableSuffix string
	LogFilePath      string
	TmpDir           string
	ShardCount       *int
	EnvOverrides     map[string]string
	// LocalHost and KinesisPort are used when Region is RegionLocal.
	LocalHost   string
	KinesisPort int
}

// NewStreamInfo builds the StreamInfo for one session. The properties file
// path always gets a fresh random suffix.
func NewStreamInfo(name string, opts StreamOptions) (StreamInfo, error) {
	if strings.TrimSpace(name) == "" {
		return StreamInfo{}, errors.New("stream name is required")
	}
	region := opts.Region
	if region == "" {
		region = DefaultRegion
	}
	suffix := opts.LeaseTableSuffix
	if suffix == "" {
		suffix = DefaultLeaseTableSuffix
	}
	tmp := opts.TmpDir
	if tmp == "" {
		tmp = os.TempDir()
	}

	info := StreamInfo{
		Name:           name,
		Region:         region,
		AppName:        name + suffix,
		ConfigFilePath: filepath.Join(tmp, fmt.Sprintf("kclipy.%s.properties", ShortUID())),
		LogFilePath:    opts.LogFilePath,
		EnvOverrides:   maps.Clone(opts.EnvOverrides),
	}
	if info.EnvOverrides == nil {
		info.EnvOverrides = map[string]string{}
	}
	if opts.ShardCount != nil {
		n := *opts.ShardCount
		info.ShardCount = &n
	}
	if info.LogFilePath == "" {
		info.LogFilePath = info.ConfigFilePath + ".log"
	}

	if region == RegionLocal {
		host := opts.LocalHost
		if host == "" {
			host = DefaultLocalHost
		}
		port := opts.KinesisPort
		if port == 0 {
			port = DefaultKinesisPort
		}
		info.Connection = &ConnectionOverride{Host: host, Port: port}
	}
	if opts.EndpointURL != "" {
		conn, err := ParseEndpoint(opts.EndpointURL)
		if err != nil {
			return StreamInfo{}, err
		}
		info.Connection = &conn
	}
	return info, nil
}

// ParseEndpoint turns an endpoint URL into a connection override. A missing
// port defaults to the scheme's well-known port.
func ParseEndpoint(endpoint string) (ConnectionOverride, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ConnectionOverride{}, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Hostname() == "" {
		return ConnectionOverride{}, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	secure := u.Scheme == "https"
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return ConnectionOverride{}, fmt.Errorf("endpoint %q: invalid port: %w", endpoint, err)
		}
	}
	return ConnectionOverride{Host: u.Hostname(), Port: port, Secure: secure}, nil
}

// Validate reports whether the stream can be consumed.
func (s StreamInfo) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("stream name is required")
	}
	if s.ConfigFilePath == "" {
		return fmt.Errorf("stream %q: properties file path is required", s.Name)
	}
	if s.LogFilePath == "" {
		return fmt.Errorf("stream %q: log file path is required", s.Name)
	}
	return nil
}

// ShortUID returns an 8 character random identifier for file names.
func ShortUID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
