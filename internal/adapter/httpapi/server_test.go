package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftloop/internal/adapter/history"
	"driftloop/internal/adapter/scheduler"
	"driftloop/pkg/drift"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeRuns struct {
	loop  string
	limit int
	runs  []history.Run
	err   error
}

func (f *fakeRuns) Recent(_ context.Context, loop string, limit int) ([]history.Run, error) {
	f.loop, f.limit = loop, limit
	return f.runs, f.err
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, runs *fakeRuns, token string) (*Server, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Logger: quiet(), InstanceID: "inst-1"})
	t.Cleanup(sched.Stop)

	idle := drift.JobFunc(func(ctx context.Context) error { return nil })
	_, err := sched.AddIntervalLoop("probe", time.Hour, idle, false)
	require.NoError(t, err)
	_, err = sched.AddCronLoop("prune", "@hourly", idle, false)
	require.NoError(t, err)

	return New(Options{Loops: sched, Runs: runs, Logger: quiet(), InstanceID: "inst-1", AdminToken: token}), sched
}

func do(t *testing.T, s *Server, method, path string, hdr map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	}
	return w, body
}

func TestHealth(t *testing.T) {
	s, sched := newTestServer(t, &fakeRuns{}, "")

	w, body := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "inst-1", body["instance_id"])
	assert.EqualValues(t, 2, body["loops"])

	sched.Stop()
	w, body = do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "stopping", body["status"])
}

func TestListLoops(t *testing.T) {
	s, _ := newTestServer(t, &fakeRuns{}, "")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/loops", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Loops []scheduler.LoopInfo `json:"loops"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Loops, 2)
	assert.Equal(t, "probe", resp.Loops[0].Name)
	assert.Equal(t, "1h0m0s", resp.Loops[0].Schedule)
	assert.Contains(t, []string{"idle", "waiting"}, resp.Loops[0].State)
	assert.Equal(t, "prune", resp.Loops[1].Name)
	assert.Equal(t, "@hourly", resp.Loops[1].Schedule)
}

func TestGetLoop(t *testing.T) {
	s, _ := newTestServer(t, &fakeRuns{}, "")

	w, body := do(t, s, http.MethodGet, "/loops/probe", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "probe", body["name"])
	assert.Equal(t, "inst-1", body["instance_id"])

	w, body = do(t, s, http.MethodGet, "/loops/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body["error"], "missing")
}

func TestLoopRuns(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	runs := &fakeRuns{runs: []history.Run{{
		ID: 7, InstanceID: "inst-1", Loop: "probe", Cycle: 3, Status: history.StatusSucceeded,
		StartedAt: started, FinishedAt: started.Add(time.Second), Elapsed: time.Second,
	}}}
	s, _ := newTestServer(t, runs, "")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/loops/probe/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "probe", runs.loop)
	assert.Equal(t, 5, runs.limit)

	var resp struct {
		Runs []history.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, uint64(3), resp.Runs[0].Cycle)
	assert.True(t, resp.Runs[0].StartedAt.Equal(started))
}

func TestLoopRuns_DefaultLimit(t *testing.T) {
	runs := &fakeRuns{runs: []history.Run{}}
	s, _ := newTestServer(t, runs, "")

	w, _ := do(t, s, http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", runs.loop)
	assert.Equal(t, 0, runs.limit)

	w, _ = do(t, s, http.MethodGet, "/runs?loop=prune", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "prune", runs.loop)
}

func TestLoopRuns_BadLimit(t *testing.T) {
	for _, v := range []string{"abc", "0", "-3"} {
		t.Run(v, func(t *testing.T) {
			runs := &fakeRuns{}
			s, _ := newTestServer(t, runs, "")

			w, body := do(t, s, http.MethodGet, "/loops/probe/runs?limit="+v, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, body["error"], "limit")
			assert.Empty(t, runs.loop, "store must not be queried")
		})
	}
}

func TestLoopRuns_StoreError(t *testing.T) {
	s, _ := newTestServer(t, &fakeRuns{err: errors.New("disk I/O error")}, "")

	w, body := do(t, s, http.MethodGet, "/loops/probe/runs", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "disk I/O error", body["error"])
}

func TestCancelLoop(t *testing.T) {
	s, sched := newTestServer(t, &fakeRuns{}, "")

	w, body := do(t, s, http.MethodPost, "/loops/probe/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "probe", body["name"])

	h, err := sched.Handle("probe")
	require.NoError(t, err)
	assert.True(t, h.IsCancelled())
	require.Eventually(t, func() bool { return h.State() == drift.StateStopped }, time.Second, 5*time.Millisecond)

	other, err := sched.Handle("prune")
	require.NoError(t, err)
	assert.False(t, other.IsCancelled())

	w, _ = do(t, s, http.MethodPost, "/loops/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelLoop_RequiresToken(t *testing.T) {
	s, sched := newTestServer(t, &fakeRuns{}, "s3cret")

	w, _ := do(t, s, http.MethodPost, "/loops/probe/cancel", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(t, s, http.MethodPost, "/loops/probe/cancel", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	h, err := sched.Handle("probe")
	require.NoError(t, err)
	assert.False(t, h.IsCancelled())

	w, _ = do(t, s, http.MethodPost, "/loops/probe/cancel", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, h.IsCancelled())

	// Read-only routes stay open.
	w, _ = do(t, s, http.MethodGet, "/loops", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := New(Options{Loops: scheduler.New(scheduler.Config{Logger: quiet()}), Runs: &fakeRuns{}, Logger: log})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/loops", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), "http request")
	assert.Contains(t, buf.String(), "path=/loops")
	assert.Contains(t, buf.String(), "status=200")
}

func TestParseLimit(t *testing.T) {
	n, err := parseLimit("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = parseLimit("25")
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	_, err = parseLimit("1.5")
	assert.ErrorIs(t, err, errBadLimit)
}
