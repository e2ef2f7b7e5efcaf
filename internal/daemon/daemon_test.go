package daemon

import (
	"context"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/harun/scorpio/internal/config"
	"github.com/harun/scorpio/internal/logger"
	"github.com/harun/scorpio/pkg/fleet"
	"github.com/harun/scorpio/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDaemon builds a daemon on a temp data dir with no providers
// and an ephemeral metrics port.
func createTestDaemon(t *testing.T, mutate func(*config.Config)) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Logging = logger.Config{Level: "error"}
	cfg.Metrics.Addr = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}

	log, err := logger.New(cfg.Logging)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		if d.Status().Running {
			_ = d.Stop()
		} else {
			d.Close()
		}
	})
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, nil)

	assert.NotNil(t, d.Fleet())
	assert.NotNil(t, d.Tasks())
	assert.NotNil(t, d.Executor())
	assert.NotNil(t, d.Recorder())
	assert.NotNil(t, d.Sessions())
	assert.Empty(t, d.Providers().Names())

	_, ok := d.Executor().Registry().Get("task_create")
	assert.True(t, ok, "core tools are registered")

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 7, status.Tools)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Tools.MaxRetries = -1

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(context.Background(), cfg, log)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tools.max_retries")
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, nil)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start is rejected")

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.MetricsAddr)
	assert.Contains(t, status.NextRuns, jobSessionExpiry)
	assert.Contains(t, status.NextRuns, jobCacheSweep)
	assert.Contains(t, status.NextRuns, jobFleetSnapshot)

	pid, err := ReadPIDFile(d.Config().PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	resp, err := http.Get("http://" + status.MetricsAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scorpio_tools_in_flight")

	resp, err = http.Get("http://" + status.MetricsAddr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	_, err = os.Stat(d.Config().PIDFile())
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, d.Stop())
}

func TestDaemonMetricsDisabled(t *testing.T) {
	d := createTestDaemon(t, func(c *config.Config) { c.Metrics.Enabled = false })
	require.NoError(t, d.Start())
	assert.Empty(t, d.Status().MetricsAddr)
	require.NoError(t, d.Stop())
}

func TestDaemonRun(t *testing.T) {
	d := createTestDaemon(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Status().Running }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, d.Status().Running)
}

func TestJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("fleet snapshot records per-status metrics", func(t *testing.T) {
		d := createTestDaemon(t, nil)
		for _, name := range []string{"a", "b"} {
			_, err := d.Fleet().Register(ctx, fleet.Agent{Name: name})
			require.NoError(t, err)
		}
		_, err := d.Fleet().Register(ctx, fleet.Agent{Name: "c", Status: fleet.StatusOffline})
		require.NoError(t, err)

		require.NoError(t, d.RunJob(ctx, jobFleetSnapshot))

		m, err := d.Recorder().LatestMetric(ctx, "fleet.agents.available")
		require.NoError(t, err)
		assert.Equal(t, 2.0, m.Value)
		assert.Equal(t, "available", m.Dimensions["status"])

		m, err = d.Recorder().LatestMetric(ctx, "fleet.agents.offline")
		require.NoError(t, err)
		assert.Equal(t, 1.0, m.Value)

		m, err = d.Recorder().LatestMetric(ctx, "fleet.agents.busy")
		require.NoError(t, err)
		assert.Equal(t, 0.0, m.Value)
	})

	t.Run("session expiry keeps fresh sessions", func(t *testing.T) {
		d := createTestDaemon(t, nil)
		sess, err := d.Sessions().Create(ctx, "fresh")
		require.NoError(t, err)

		require.NoError(t, d.RunJob(ctx, jobSessionExpiry))

		got, err := d.Sessions().Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusActive, got.Status)
	})

	t.Run("cache sweep evicts expired entries", func(t *testing.T) {
		d := createTestDaemon(t, nil)
		require.NoError(t, d.cache.Set(ctx, "stale", []byte("x"), time.Millisecond))
		require.NoError(t, d.cache.Set(ctx, "live", []byte("y"), time.Hour))
		time.Sleep(10 * time.Millisecond)

		require.NoError(t, d.RunJob(ctx, jobCacheSweep))

		n, err := d.cache.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "first sweep already removed the stale entry")
		_, ok, err := d.cache.Get(ctx, "live")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown job", func(t *testing.T) {
		d := createTestDaemon(t, nil)
		assert.Error(t, d.RunJob(ctx, "nope"))
	})

	t.Run("empty schedule disables a job", func(t *testing.T) {
		d := createTestDaemon(t, func(c *config.Config) { c.Jobs.CacheSweep = "" })
		require.NoError(t, d.Start())
		assert.NotContains(t, d.Status().NextRuns, jobCacheSweep)
		assert.NoError(t, d.RunJob(ctx, jobCacheSweep))
	})
}

func TestApplyConfig(t *testing.T) {
	d := createTestDaemon(t, nil)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.ErrorLevel) })

	next := config.DefaultConfig()
	next.Logging.Level = "debug"
	d.ApplyConfig(next)

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.Equal(t, "debug", d.Config().Logging.Level)
}
