package kcl

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/modoterra/kclbridge/pkg/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func noEnv(string) (string, bool) { return "", false }

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func testInfo(t *testing.T, opts core.StreamOptions) core.StreamInfo {
	t.Helper()
	opts.TmpDir = t.TempDir()
	info, err := core.NewStreamInfo("orders", opts)
	require.NoError(t, err)
	return info
}

func readProps(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	props := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		k, v, ok := strings.Cut(line, " = ")
		require.True(t, ok, "bad line %q", line)
		props[k] = v
	}
	return props
}

func TestConfigureWritesProperties(t *testing.T) {
	info := testInfo(t, core.StreamOptions{})
	p, err := Configure(info, Options{
		Executable: "/tmp/processor.sh",
		LookupEnv:  noEnv,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	props := readProps(t, info.ConfigFilePath)
	assert.Equal(t, "/tmp/processor.sh", props["executableName"])
	assert.Equal(t, "orders", props["streamName"])
	assert.Equal(t, "orders-app", props["applicationName"])
	assert.Equal(t, "us-east-1", props["regionName"])
	assert.Equal(t, DefaultCredentialsProvider, props["AWSCredentialsProvider"])
	assert.Equal(t, "NONE", props["metricsLevel"])
	assert.Equal(t, "LATEST", props["initialPositionInStream"])
	assert.NotContains(t, props, "kinesisEndpoint")

	assert.Equal(t, []string{"java", DefaultMainClass, info.ConfigFilePath}, p.Command())
	assert.Equal(t, core.StatusPending, p.Status().Status)
}

func TestPropertiesAreSorted(t *testing.T) {
	out := string(RenderProperties(map[string]string{"b": "2", "a": "1", "c": "3"}))
	assert.Equal(t, "a = 1\nb = 2\nc = 3\n", out)
}

func TestPropertiesEscaping(t *testing.T) {
	out := string(RenderProperties(map[string]string{
		"key with=sep": "line1\nline2",
		"path":         `C:\dir`,
		"lead":         "=x:y",
	}))
	assert.Contains(t, out, `key\ with\=sep = line1\nline2`)
	assert.Contains(t, out, `path = C:\\dir`)
	assert.Contains(t, out, `lead = \=x:y`)
}

func TestLocalConnectionProperties(t *testing.T) {
	info := testInfo(t, core.StreamOptions{Region: core.RegionLocal})
	_, err := Configure(info, Options{
		Executable: "proc",
		Properties: map[string]string{"kinesisEndpoint": "kinesis:9999", "metricsLevel": "DETAILED"},
		LookupEnv:  noEnv,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	props := readProps(t, info.ConfigFilePath)
	assert.Equal(t, "kinesis:9999", props["kinesisEndpoint"], "caller value must win")
	assert.Equal(t, "localhost:4569", props["dynamodbEndpoint"])
	assert.Equal(t, "http", props["kinesisProtocol"])
	assert.Equal(t, "http", props["dynamodbProtocol"])
	assert.Equal(t, "true", props["disableCertChecking"])
	assert.Equal(t, "DETAILED", props["metricsLevel"])
	assert.Equal(t, "us-east-1", props["regionName"])
}

func TestRemoteEndpointKeepsLeaseTableOnAWS(t *testing.T) {
	info := testInfo(t, core.StreamOptions{
		Region:      "eu-west-1",
		EndpointURL: "https://kinesis.eu-west-1.amazonaws.com",
	})
	_, err := Configure(info, Options{
		Executable:       "proc",
		DynamoDBEndpoint: "localhost:4569",
		LookupEnv:        noEnv,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)

	props := readProps(t, info.ConfigFilePath)
	assert.Equal(t, "kinesis.eu-west-1.amazonaws.com:443", props["kinesisEndpoint"])
	assert.Equal(t, "https", props["kinesisProtocol"])
	assert.Equal(t, "eu-west-1", props["regionName"])
	assert.NotContains(t, props, "dynamodbEndpoint")
	assert.NotContains(t, props, "dynamodbProtocol")
	assert.NotContains(t, props, "disableCertChecking")
}

func TestAssumeRoleCredentials(t *testing.T) {
	info := testInfo(t, core.StreamOptions{
		EnvOverrides: map[string]string{"AWS_SESSION_TOKEN": "override-token"},
	})
	p, err := Configure(info, Options{
		Executable: "proc",
		LookupEnv: fakeEnv(map[string]string{
			EnvAssumeRoleARN:        "arn:aws:iam::123456789012:role/consumer",
			EnvAssumeRoleSession:    "kcl",
			"AWS_ACCESS_KEY_ID":     "AKIA",
			"AWS_SECRET_ACCESS_KEY": "secret",
			"AWS_SESSION_TOKEN":     "host-token",
		}),
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	props := readProps(t, info.ConfigFilePath)
	assert.Equal(t, STSCredentialsProvider, props["AWSCredentialsProvider"])

	env := p.Env()
	assert.Equal(t, "arn:aws:iam::123456789012:role/consumer", env[EnvAssumeRoleARN])
	assert.Equal(t, "kcl", env[EnvAssumeRoleSession])
	assert.Equal(t, "AKIA", env["AWS_ACCESS_KEY_ID"])
	assert.Equal(t, "secret", env["AWS_SECRET_ACCESS_KEY"])
	assert.Equal(t, "override-token", env["AWS_SESSION_TOKEN"])
}

func TestAssumeRoleFromOverrides(t *testing.T) {
	info := testInfo(t, core.StreamOptions{
		EnvOverrides: map[string]string{EnvAssumeRoleSession: "from-override"},
	})
	p, err := Configure(info, Options{
		Executable: "proc",
		LookupEnv:  fakeEnv(map[string]string{EnvAssumeRoleARN: "arn:aws:iam::1:role/r"}),
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, STSCredentialsProvider, p.Properties()["AWSCredentialsProvider"])
	assert.Equal(t, "from-override", p.Env()[EnvAssumeRoleSession])
}

func TestNoAssumeRoleWithoutSessionName(t *testing.T) {
	info := testInfo(t, core.StreamOptions{})
	p, err := Configure(info, Options{
		Executable: "proc",
		LookupEnv: fakeEnv(map[string]string{
			EnvAssumeRoleARN:    "arn:aws:iam::1:role/r",
			"AWS_ACCESS_KEY_ID": "AKIA",
		}),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultCredentialsProvider, p.Properties()["AWSCredentialsProvider"])
	assert.Empty(t, p.Env())
}

func TestConfigureValidation(t *testing.T) {
	_, err := Configure(core.StreamInfo{}, Options{Executable: "x"})
	assert.Error(t, err)

	info := testInfo(t, core.StreamOptions{})
	_, err = Configure(info, Options{})
	assert.Error(t, err)
}

func shProcess(t *testing.T, script string, env map[string]string) *Process {
	t.Helper()
	info := testInfo(t, core.StreamOptions{EnvOverrides: env})
	p, err := Configure(info, Options{
		Executable: "proc",
		Command:    []string{"/bin/sh", "-c", script},
		LookupEnv:  noEnv,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	return p
}

func TestLaunchWritesLogAndExits(t *testing.T) {
	p := shProcess(t, `echo "out $GREETING"; echo "err" >&2`, map[string]string{"GREETING": "hello"})
	require.NoError(t, p.Launch())
	require.NoError(t, p.Wait())

	st := p.Status()
	assert.Equal(t, core.StatusExited, st.Status)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)

	data, err := os.ReadFile(p.Info().LogFilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "out hello")
	assert.Contains(t, string(data), "err")
}

func TestLaunchAppendsToExistingLog(t *testing.T) {
	p := shProcess(t, `echo second`, nil)
	require.NoError(t, os.WriteFile(p.Info().LogFilePath, []byte("first\n"), 0o644))
	require.NoError(t, p.Launch())
	require.NoError(t, p.Wait())

	data, err := os.ReadFile(p.Info().LogFilePath)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestFailedExit(t *testing.T) {
	p := shProcess(t, `exit 3`, nil)
	require.NoError(t, p.Launch())
	assert.Error(t, p.Wait())

	st := p.Status()
	assert.Equal(t, core.StatusFailed, st.Status)
	assert.Equal(t, 3, *st.ExitCode)
}

func TestSecondLaunchFails(t *testing.T) {
	p := shProcess(t, `true`, nil)
	require.NoError(t, p.Launch())
	assert.ErrorIs(t, p.Launch(), ErrAlreadyLaunched)
	p.Wait()
}

func TestSpawnFailure(t *testing.T) {
	info := testInfo(t, core.StreamOptions{})
	p, err := Configure(info, Options{
		Executable: "proc",
		Command:    []string{filepath.Join(t.TempDir(), "no-such-binary")},
		LookupEnv:  noEnv,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	assert.Error(t, p.Launch())
	assert.Equal(t, core.StatusFailed, p.Status().Status)
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	// The grandchild sleep shares the process group and must die too.
	p := shProcess(t, `sleep 30 & wait`, nil)
	require.NoError(t, p.Launch())
	assert.True(t, p.Status().Running())
	assert.NotZero(t, p.Status().PID)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit after SIGTERM")
	}
	assert.Equal(t, core.StatusStopped, p.Status().Status)
	assert.False(t, p.Status().Running())
}

func TestStopBeforeLaunch(t *testing.T) {
	p := shProcess(t, `true`, nil)
	assert.ErrorIs(t, p.Wait(), ErrNotLaunched)

	require.NoError(t, p.Stop())
	<-p.Done()
	assert.NoError(t, p.Wait())
	assert.Equal(t, core.StatusStopped, p.Status().Status)
	assert.ErrorIs(t, p.Launch(), ErrAlreadyLaunched)
}

func TestStopAfterExit(t *testing.T) {
	p := shProcess(t, `true`, nil)
	require.NoError(t, p.Launch())
	p.Wait()
	assert.NoError(t, p.Stop())
	assert.Equal(t, core.StatusExited, p.Status().Status)
}

func TestStatsOfRunningProcess(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc on this platform")
	}
	p := shProcess(t, `sleep 30`, nil)
	require.NoError(t, p.Launch())
	defer func() {
		p.Stop()
		<-p.Done()
	}()

	stats := p.Stats()
	assert.Equal(t, p.Status().PID, stats.PID)
	assert.NotZero(t, stats.RSSBytes)
	assert.GreaterOrEqual(t, stats.Threads, 1)
}

func TestStatsWhenNotRunning(t *testing.T) {
	p := shProcess(t, `true`, nil)
	assert.Equal(t, core.ProcessStats{}, p.Stats())
}
