package bootstrap

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/domain/model"
	"github.com/threat-thinker/ttserve/internal/testutil"
)

func startTestServer(t *testing.T, cfg *config.AppConfig, svcs ServiceContainer) string {
	t.Helper()
	server, err := StartHTTPServer(&HTTPServerConfig{
		Config:   cfg,
		Services: svcs,
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ShutdownHTTPServer(ShutdownConfig{Context: ctx, Server: server})
	})
	return "http://" + server.Addr
}

func TestStartHTTPServer_Healthz(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cfg := testAppConfig("http")
	cfg.HTTP.MaxConnections = 4
	svcs, err := NewServices(&ServiceDeps{Config: cfg, RedisClient: client})
	require.NoError(t, err)

	base := startTestServer(t, cfg, svcs)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ready, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestStartHTTPServer_AddressInUse(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cfg := testAppConfig("http")
	svcs, err := NewServices(&ServiceDeps{Config: cfg, RedisClient: client})
	require.NoError(t, err)

	base := startTestServer(t, cfg, svcs)

	taken := *cfg
	taken.HTTP.Addr = strings.TrimPrefix(base, "http://")
	_, err = StartHTTPServer(&HTTPServerConfig{Config: &taken, Services: svcs})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestShutdownHTTPServer_NilServer(t *testing.T) {
	require.NoError(t, ShutdownHTTPServer(ShutdownConfig{}))
}

// TestSubmitAndFetchResult drives a job from submission to result through the
// HTTP router, the Redis store and the worker pool.
func TestSubmitAndFetchResult(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cfg := testAppConfig("http,worker")
	svcs, err := NewServices(&ServiceDeps{Config: cfg, RedisClient: client})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- RunWorkerPool(ctx, WorkerPoolConfig{
			Queue:    svcs.Store,
			Engine:   svcs.Engine,
			Worker:   cfg.Worker,
			Timeouts: cfg.Timeouts,
			Logger:   slog.New(slog.DiscardHandler),
		})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-poolDone:
		case <-time.After(5 * time.Second):
			t.Error("worker pool did not stop")
		}
	})

	base := startTestServer(t, cfg, svcs)

	body := `{"input":{"type":"mermaid","content":"graph TD\nA-->B"},"report_formats":["markdown","json"]}`
	resp, err := http.Post(base+"/v1/analyze", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var accepted model.JobAccepted
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, accepted.JobID)
	assert.Equal(t, model.JobStatusQueued, accepted.Status)

	require.Eventually(t, func() bool {
		r, err := http.Get(base + "/jobs/" + accepted.JobID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var view model.JobStatusView
		if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
			return false
		}
		return view.Status == model.JobStatusSucceeded
	}, 10*time.Second, 50*time.Millisecond)

	r, err := http.Get(base + "/jobs/" + accepted.JobID + "/result")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var result model.Result
	require.NoError(t, json.NewDecoder(r.Body).Decode(&result))
	require.Len(t, result.Reports, 2)
	assert.Equal(t, model.ReportFormatMarkdown, result.Reports[0].Format)
	assert.Contains(t, result.Reports[0].Content, "Input type: mermaid")
	assert.Equal(t, "echo", result.Model)
}
