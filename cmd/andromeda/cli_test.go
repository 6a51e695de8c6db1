package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/andromeda/internal/app"
	"github.com/antoniostano/andromeda/internal/config"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	_, err := executeCLI(t, "serve", "--config", t.TempDir()+"/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestProbeRequiresTarget(t *testing.T) {
	_, err := executeCLI(t, "probe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "target" not set`)
}

func startServer(t *testing.T) (*app.BuildResult, string) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.SessionSweepInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second

	built, err := app.Build(context.Background(), cfg,
		app.WithLogOutput(io.Discard),
		app.WithMetricsRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, built, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
		_ = built.Cleanup()
	})
	return built, "http://" + ln.Addr().String()
}

func TestRunServerServesAndStops(t *testing.T) {
	_, baseURL := startServer(t)

	res, err := http.Get(baseURL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestProbeThroughRunningProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	built, baseURL := startServer(t)
	id := built.Sessions.Generate()
	target := "http/" + strings.TrimPrefix(upstream.URL, "http://") + "/hello?x=1"

	out, err := executeCLI(t, "probe", "--base-url", baseURL, "--session", id, "--target", target, "--requests", "3", "--json")
	require.NoError(t, err)

	var report probeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.Requests)
	assert.Equal(t, 0, report.Failures)
	assert.Equal(t, 3, report.Statuses["200"])

	out, err = executeCLI(t, "probe", "--base-url", baseURL, "--target", target, "--requests", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "failures: 2")
	assert.Contains(t, out, "403=2")
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 5.0, percentile(values, 0.50))
	assert.Equal(t, 10.0, percentile(values, 0.95))
	assert.Equal(t, 0.0, percentile(nil, 0.5))
}
