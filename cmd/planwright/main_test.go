package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/planwright/engine"
	"github.com/GoCodeAlone/planwright/task"
)

type fakeAPI struct {
	*httptest.Server
	polls   atomic.Int32
	lastReq atomic.Value
	auth    atomic.Value
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/plans", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastReq.Store(body)
		f.auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"plan_id": "p-1"})
	})
	mux.HandleFunc("GET /api/plans/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "p-1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "plan not found"})
			return
		}
		st := engine.Status{PlanID: "p-1", State: task.PlanRunning}
		if f.polls.Add(1) > 1 {
			st.State = task.PlanCompleted
			st.Tasks = []engine.TaskState{{ID: "t-1", Name: "write config", Kind: task.KindConfigure, Status: task.StatusCompleted, FromCache: true}}
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("POST /api/plans/{id}/approve", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /api/events/failed", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func run(t *testing.T, api *fakeAPI, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--server", api.URL, "--token", "tok"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitAndWait(t *testing.T) {
	api := newFakeAPI(t)
	out, err := run(t, api, "submit", "--context", "env=dev", "--wait", "configure", "the", "service")
	require.NoError(t, err)

	assert.Contains(t, out, "submitted plan p-1")
	assert.Contains(t, out, "state:      completed")
	assert.Contains(t, out, "completed*")
	body := api.lastReq.Load().(map[string]any)
	assert.Equal(t, "configure the service", body["prompt"])
	assert.Equal(t, map[string]any{"env": "dev"}, body["request_context"])
	assert.Equal(t, "Bearer tok", api.auth.Load())
}

func TestPlanNotFoundReportsServerError(t *testing.T) {
	api := newFakeAPI(t)
	_, err := run(t, api, "plan", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404: plan not found")
}

func TestApproveAndFailedEvents(t *testing.T) {
	api := newFakeAPI(t)
	out, err := run(t, api, "approve", "p-1")
	require.NoError(t, err)
	assert.Contains(t, out, "plan p-1 approved")

	out, err = run(t, api, "events", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "no failed events")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
