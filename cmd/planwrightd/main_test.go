package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/planwright/config"
	"github.com/GoCodeAlone/planwright/internal/logging"
	"github.com/GoCodeAlone/planwright/task"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.LogLevel = "error"
	return cfg
}

func TestBuildRunsPlanEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	a, err := build(context.Background(), cfg, logging.New("error", "text", &logs))
	require.NoError(t, err)
	defer a.shutdown()

	ctx := context.Background()
	id, err := a.engine.SubmitPlan(ctx, "apply the change", map[string]any{"source": "test"})
	require.NoError(t, err)
	out, err := a.engine.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.PlanCompleted, out.State)
	require.Len(t, out.Results, 1)

	// Both the database and the workspace live under the data dir.
	_, err = os.Stat(filepath.Join(cfg.DataDir, "planwright.db"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.DataDir, "workspace"))
	assert.NoError(t, err)
}

func TestBuildServesAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = "badger"
	a, err := build(context.Background(), cfg, logging.New("error", "text", &bytes.Buffer{}))
	require.NoError(t, err)
	defer a.shutdown()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = a.server.Serve(ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/api/plans", "application/json", strings.NewReader(`{"prompt":"apply"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return strings.Contains(buf.String(), "planwright_plans_finished_total")
	}, 10*time.Second, 20*time.Millisecond)
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planwright.yaml")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "wrote "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Scheduler, cfg.Scheduler)

	cmd = newRootCmd()
	cmd.SetArgs([]string{"config", "init", path})
	assert.Error(t, cmd.Execute(), "existing files are not overwritten")

	cmd = newRootCmd()
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "config", "show"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "scheduler:")
}

func TestHashPasswordCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-password", "hunter2"})
	require.NoError(t, cmd.Execute())

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}
