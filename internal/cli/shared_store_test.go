package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/syncengine"
)

func loadConfig(t *testing.T, db, remoteURL, user string) config.AgentConfig {
	t.Helper()
	v := config.NewAgentViper()
	v.Set("store.path", db)
	v.Set("remote.base_url", remoteURL)
	v.Set("remote.token", token(t, user))
	v.Set("user_id", user)
	cfg, err := config.LoadAgent(v, filepath.Join("testdata", "fitsync.yaml"))
	require.NoError(t, err)
	return cfg
}

func openApp(t *testing.T, cfg config.AgentConfig) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func pendingRun(t *testing.T, store recordstore.Store, user string, at time.Time) {
	t.Helper()
	payload := activity.Payload{Type: activity.TypeRunning, Title: "tempo", StartTime: at}
	_, err := store.Insert(context.Background(), recordstore.NewPending(user, payload, at))
	require.NoError(t, err)
}

// holdingService delays the first activity submit until release is closed.
func holdingService(t *testing.T) (url string, submitted <-chan struct{}, release chan struct{}) {
	t.Helper()
	inner, _ := newService(t)
	entered := make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/activities" {
			held := false
			once.Do(func() { held = true })
			if held {
				close(entered)
				<-release
			}
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, inner.URL+r.URL.RequestURI(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, entered, release
}

func TestClearFromSecondGraphWaitsForAgentPass(t *testing.T) {
	remoteURL, submitted, release := holdingService(t)
	db := filepath.Join(t.TempDir(), "fitsync.db")
	cfg := loadConfig(t, db, remoteURL, "u1")

	agentApp := openApp(t, cfg)
	cliApp := openApp(t, cfg)
	pendingRun(t, agentApp.store, "u1", time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC))

	type outcome struct {
		res syncengine.Result
		err error
	}
	passDone := make(chan outcome, 1)
	go func() {
		res, err := agentApp.dispatcher.ManualSync(context.Background())
		passDone <- outcome{res, err}
	}()
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not reach the service")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, cliApp.dispatcher.ClearAll(ctx), context.DeadlineExceeded)

	var cleared atomic.Bool
	clearDone := make(chan error, 1)
	go func() {
		err := cliApp.dispatcher.ClearUser(context.Background(), "u1")
		cleared.Store(true)
		clearDone <- err
	}()
	require.Never(t, cleared.Load, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	pass := <-passDone
	require.NoError(t, pass.err)
	require.Equal(t, 1, pass.res.Succeeded)
	require.Zero(t, pass.res.Skipped)
	require.NoError(t, <-clearDone)

	recs, err := cliApp.store.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, recs)
}

// agentServer serves app's local API and counts requests per method and path.
func agentServer(t *testing.T, a *app, cfg config.AgentConfig) (string, func(string) int32) {
	t.Helper()
	handler := agent.NewHandler(a.store, a.dispatcher, a.orchestrator, logging.Discard(),
		agent.WithStoreLocation(storeLocation(cfg)))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var mu sync.Mutex
	hits := make(map[string]*atomic.Int32)
	counter := func(key string) *atomic.Int32 {
		mu.Lock()
		defer mu.Unlock()
		if hits[key] == nil {
			hits[key] = &atomic.Int32{}
		}
		return hits[key]
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter(r.Method + " " + r.URL.Path).Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String(), func(key string) int32 { return counter(key).Load() }
}

func TestCommandsGoThroughRunningAgent(t *testing.T) {
	srv, repo := newService(t)
	e := newEnv(t, srv.URL, "u1")
	cfg := loadConfig(t, e.db, srv.URL, "u1")
	addr, hits := agentServer(t, openApp(t, cfg), cfg)

	_, err := e.run(t, "record", "--type", "RUNNING", "--start", "2025-06-01T06:00:00Z")
	require.NoError(t, err)

	out, err := e.run(t, "sync", "--agent-address", addr)
	require.NoError(t, err)
	var res agent.SyncResponse
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 1, res.Succeeded)
	require.EqualValues(t, 1, hits("POST /v1/sync"))
	require.Equal(t, 1, repo.Count())

	out, err = e.run(t, "retry-failed", "--agent-address", addr)
	require.NoError(t, err)
	require.JSONEq(t, `{"moved":0}`, out)
	require.EqualValues(t, 1, hits("POST /v1/sync/retry-failed"))

	out, err = e.run(t, "clear", "--agent-address", addr)
	require.NoError(t, err)
	require.JSONEq(t, `{"cleared":"u1"}`, out)
	require.EqualValues(t, 1, hits("DELETE /v1/records"))
}

func TestCommandsRunLocallyWhenAgentServesAnotherStore(t *testing.T) {
	srv, _ := newService(t)
	agentCfg := loadConfig(t, filepath.Join(t.TempDir(), "agent.db"), srv.URL, "u1")
	addr, hits := agentServer(t, openApp(t, agentCfg), agentCfg)

	e := newEnv(t, srv.URL, "u1")
	_, err := e.run(t, "record", "--type", "CYCLING", "--start", "2025-06-01T06:00:00Z")
	require.NoError(t, err)

	out, err := e.run(t, "sync", "--agent-address", addr)
	require.NoError(t, err)
	var res agent.SyncResponse
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 1, res.Succeeded)

	_, err = e.run(t, "clear", "--all", "--agent-address", addr)
	require.NoError(t, err)

	require.EqualValues(t, 2, hits("GET /healthz"))
	require.Zero(t, hits("POST /v1/sync"))
	require.Zero(t, hits("DELETE /v1/records"))
}
