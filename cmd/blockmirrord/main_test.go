package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/blockmirror/internal/blocks/config"
)

const testActor = "did:plc:tester"

func TestBuildStorage(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.AppConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.AppConfig{StorageBackend: "memory"}},
		{name: "bolt", cfg: config.AppConfig{StorageBackend: "bolt", StoragePath: filepath.Join(dir, "cache.db")}},
		{name: "bolt missing dir", cfg: config.AppConfig{StorageBackend: "bolt", StoragePath: filepath.Join(dir, "nope", "cache.db")}, wantErr: true},
		{name: "valkey without address", cfg: config.AppConfig{StorageBackend: "valkey"}, wantErr: true},
		{name: "unknown", cfg: config.AppConfig{StorageBackend: "etcd"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			s, err := buildStorage(&cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}

// fakeAppview answers getFollows with an empty follow list.
func fakeAppview(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/app.bsky.graph.getFollows", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testActor, r.URL.Query().Get("actor"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"follows":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestApplication_Integration runs the daemon against a fake appview
func TestApplication_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	appview := fakeAppview(t)

	t.Setenv("BLOCKS_ACTOR", testActor)
	t.Setenv("BLOCKS_ENV", "dev")
	t.Setenv("BLOCKS_LOG_LEVEL", "debug")
	t.Setenv("BLOCKS_APPVIEW_URL", appview.URL)
	t.Setenv("BLOCKS_PLC_URL", appview.URL)
	t.Setenv("BLOCKS_STORAGE_BACKEND", "bolt")
	t.Setenv("BLOCKS_STORAGE_PATH", filepath.Join(t.TempDir(), "cache.db"))
	t.Setenv("BLOCKS_LISTEN_ADDR", "127.0.0.1:0")

	cfg, err := config.Load()
	require.NoError(t, err)

	app, err := buildApplication(cfg)
	require.NoError(t, err)
	require.NotNil(t, app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appErr := make(chan error, 1)
	go func() {
		appErr <- app.Run(ctx)
	}()

	require.Eventually(t, func() bool { return app.Address() != "" }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + app.Address()

	// the initial pass completes against the empty follow list
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/sync/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st map[string]any
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		_, done := st["last_full_sync"]
		return done && st["is_running"] == false
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/v1/stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), stats["total_follows"])

	cancel()
	select {
	case err := <-appErr:
		assert.NoError(t, err)
	case <-time.After(defaultShutdownTimeout + time.Second):
		t.Fatal("application did not shut down")
	}
}

func TestApplication_ListenError(t *testing.T) {
	t.Setenv("BLOCKS_ACTOR", testActor)
	t.Setenv("BLOCKS_STORAGE_BACKEND", "memory")
	t.Setenv("BLOCKS_LISTEN_ADDR", "256.0.0.1:bad")

	cfg, err := config.Load()
	require.NoError(t, err)
	app, err := buildApplication(cfg)
	require.NoError(t, err)

	err = app.Run(context.Background())
	assert.Error(t, err)
}
