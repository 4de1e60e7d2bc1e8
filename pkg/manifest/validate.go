package manifest

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws/endpoints"

	"github.com/modoterra/kclbridge/pkg/core"
)

// Validate checks the manifest for structural correctness.
func Validate(m *Manifest) []error {
	var errs []error

	if m.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", m.Version))
	}

	if len(m.Streams) == 0 {
		errs = append(errs, fmt.Errorf("manifest must define at least one stream"))
	}

	for _, name := range m.Names() {
		s := m.Streams[name]
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t\n/") {
			errs = append(errs, fmt.Errorf("stream %q: invalid name", name))
		}
		if s.Region != "" && !KnownRegion(s.Region) {
			errs = append(errs, fmt.Errorf("stream %q: unknown region %q", name, s.Region))
		}
		if s.Endpoint != "" {
			if _, err := core.ParseEndpoint(s.Endpoint); err != nil {
				errs = append(errs, fmt.Errorf("stream %q: %w", name, err))
			}
		}
		if _, err := core.ParseLevel(s.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("stream %q: %w", name, err))
		}
		if s.Shards != nil && *s.Shards <= 0 {
			errs = append(errs, fmt.Errorf("stream %q: shards must be positive, got %d", name, *s.Shards))
		}
		for k := range s.Properties {
			if strings.TrimSpace(k) == "" {
				errs = append(errs, fmt.Errorf("stream %q: empty property key", name))
			}
		}
	}

	return errs
}

// KnownRegion reports whether region is "local" or a region of any AWS
// partition.
func KnownRegion(region string) bool {
	if region == core.RegionLocal {
		return true
	}
	for _, p := range endpoints.DefaultPartitions() {
		if _, ok := p.Regions()[region]; ok {
			return true
		}
	}
	return false
}
