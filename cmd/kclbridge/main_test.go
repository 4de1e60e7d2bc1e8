package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// execute runs the root command with an isolated config file and returns
// what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("KCLBRIDGE_TMP_FOLDER", t.TempDir())
	cfgFile := filepath.Join(t.TempDir(), "config.yml")

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--config", cfgFile}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "kclbridge ") {
		t.Errorf("version output = %q", out)
	}
}

func TestManifestValidateCommand(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "kclbridge.yaml")
	content := []byte(`version: 1
streams:
  orders:
    region: local
    log_level: WARNING
`)
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "manifest", "validate", tmp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "valid (1 streams)") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestManifestValidateInvalid(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "bad.yaml")
	content := []byte(`version: 2
streams:
  orders:
    region: mars-north-1
`)
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "manifest", "validate", tmp); err == nil {
		t.Fatal("expected an error for an invalid manifest")
	}
}

func TestManifestInit(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "kclbridge.yaml")
	if _, err := execute(t, "manifest", "init", "orders", "--output", tmp); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "orders:") {
		t.Errorf("generated manifest lacks the stream:\n%s", data)
	}

	if _, err := execute(t, "manifest", "init", "orders", "--output", tmp); err == nil {
		t.Error("expected refusal to overwrite without --force")
	}
	if _, err := execute(t, "manifest", "init", "other", "--output", tmp, "--force"); err != nil {
		t.Fatal(err)
	}
	manifestInitForce = false
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("KCLBRIDGE_HOSTNAME", "emulator")
	t.Setenv("KCLBRIDGE_SERVICES", "kinesis:5000,dynamodb")

	out, err := execute(t, "config")
	if err != nil {
		t.Fatal(err)
	}

	var got struct {
		Services map[string]string `json:"services"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("config output is not JSON: %v\n%s", err, out)
	}
	if got.Services["kinesis"] != "http://emulator:5000" {
		t.Errorf("kinesis url = %q", got.Services["kinesis"])
	}
	if got.Services["dynamodb"] != "http://emulator:4569" {
		t.Errorf("dynamodb url = %q", got.Services["dynamodb"])
	}
}

func TestListenNeedsExactlyOneSource(t *testing.T) {
	if _, err := execute(t, "listen"); err == nil {
		t.Error("expected an error without a stream or --manifest")
	}

	if _, err := execute(t, "listen", "orders", "--manifest", "kclbridge.yaml"); err == nil {
		t.Error("expected an error with both a stream and --manifest")
	}
	listenFlags.manifest = ""
}

func TestServiceUnitCommand(t *testing.T) {
	out, err := execute(t, "service", "unit", "--manifest", "/etc/kclbridge.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Type=notify") {
		t.Errorf("unit lacks Type=notify:\n%s", out)
	}
	if !strings.Contains(out, "listen --manifest /etc/kclbridge.yaml") {
		t.Errorf("unit lacks the listen command:\n%s", out)
	}
}

func TestParseKV(t *testing.T) {
	got, err := parseKV([]string{"a=1", " b =x=y", "c="})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"a": "1", "b": "x=y", "c": ""}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	if m, err := parseKV(nil); err != nil || m != nil {
		t.Errorf("parseKV(nil) = %v, %v", m, err)
	}
	if _, err := parseKV([]string{"novalue"}); err == nil {
		t.Error("expected an error for a pair without =")
	}
	if _, err := parseKV([]string{"=v"}); err == nil {
		t.Error("expected an error for an empty key")
	}
}
