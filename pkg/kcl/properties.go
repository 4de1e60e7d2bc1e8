package kcl

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/modoterra/kclbridge/pkg/core"
)

// Defaults applied unless the caller sets the key.
var defaultProperties = map[string]string{
	"metricsLevel":            "NONE",
	"initialPositionInStream": "LATEST",
}

// buildProperties assembles the daemon configuration. Caller properties
// are applied last and always win.
func buildProperties(info core.StreamInfo, opts Options, provider string) map[string]string {
	props := map[string]string{
		"executableName":         opts.Executable,
		"streamName":             info.Name,
		"applicationName":        info.AppName,
		"regionName":             regionName(info.Region),
		"AWSCredentialsProvider": provider,
		"processingLanguage":     "go/" + strings.TrimPrefix(runtime.Version(), "go"),
	}
	for k, v := range defaultProperties {
		props[k] = v
	}

	if c := info.Connection; c != nil {
		endpoints := map[string]string{
			"kinesisEndpoint": c.Addr(),
			"kinesisProtocol": c.Protocol(),
		}
		// The lease table only moves off AWS for local streams.
		if info.Region == core.RegionLocal {
			ddb := opts.DynamoDBEndpoint
			if ddb == "" {
				ddb = fmt.Sprintf("%s:%d", c.Host, core.DefaultDynamoDBPort)
			}
			endpoints["dynamodbEndpoint"] = ddb
			endpoints["dynamodbProtocol"] = c.Protocol()
			if !c.Secure {
				endpoints["disableCertChecking"] = "true"
			}
		}
		for k, v := range endpoints {
			if _, set := opts.Properties[k]; !set {
				props[k] = v
			}
		}
	}

	for k, v := range opts.Properties {
		props[k] = v
	}
	return props
}

// The daemon resolves regions through the SDK, which has no "local".
func regionName(region string) string {
	if region == core.RegionLocal || region == "" {
		return core.DefaultRegion
	}
	return region
}

// RenderProperties encodes props in Java properties format, sorted by key.
func RenderProperties(props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(escapeProperty(k, true))
		buf.WriteString(" = ")
		buf.WriteString(escapeProperty(props[k], false))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// WriteProperties renders props to path.
func WriteProperties(path string, props map[string]string) error {
	if err := os.WriteFile(path, RenderProperties(props), 0o600); err != nil {
		return fmt.Errorf("write properties %s: %w", path, err)
	}
	return nil
}

func escapeProperty(s string, key bool) string {
	var b strings.Builder
	for i, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '=', ':', '#', '!':
			if key || i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		case ' ':
			if key || i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
