package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-relay/work/config"
	"kptv-relay/work/directory"
	"kptv-relay/work/player"
)

func adminRouter(t *testing.T, cfg *config.Config) *mux.Router {
	t.Helper()
	dir, err := directory.FromConfig(cfg.Proxies)
	require.NoError(t, err)

	reg := player.NewRegistry(player.Deps{Config: cfg, Directory: dir})
	t.Cleanup(reg.Shutdown)

	router := mux.NewRouter()
	setupAdminRoutes(router, cfg, reg, nil)
	return router
}

func getJSON(t *testing.T, router http.Handler, path string, v interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestAdminStats(t *testing.T) {
	cfg := config.Default()
	router := adminRouter(t, cfg)

	var stats StatsResponse
	getJSON(t, router, "/api/stats", &stats)
	assert.Equal(t, 0, stats.TotalViews)
	assert.Equal(t, len(cfg.Proxies), stats.TotalProxies)
	assert.Equal(t, cfg.WorkerThreads, stats.WorkerThreads)
	assert.Equal(t, config.EngineAuto, stats.Engine)
	assert.NotEmpty(t, stats.MemoryUsage)
}

func TestAdminProxies(t *testing.T) {
	cfg := config.Default()
	router := adminRouter(t, cfg)

	var proxies []ProxyResponse
	getJSON(t, router, "/api/proxies", &proxies)
	require.Len(t, proxies, len(cfg.Proxies))
	assert.Equal(t, ProxyResponse{
		Position: 0,
		Name:     "corsproxy.io",
		Host:     "corsproxy.io",
		Template: "https://corsproxy.io/?{url_encoded}",
	}, proxies[0])
	assert.Equal(t, 2, proxies[2].Position)
}

func TestAdminHidesTemplatesWhenObfuscating(t *testing.T) {
	cfg := config.Default()
	cfg.ObfuscateUrls = true
	router := adminRouter(t, cfg)

	var proxies []ProxyResponse
	getJSON(t, router, "/api/proxies", &proxies)
	for _, p := range proxies {
		assert.Empty(t, p.Template)
	}

	var got config.Config
	getJSON(t, router, "/api/config", &got)
	assert.Equal(t, "https://corsproxy.io?***", got.Proxies[0].Template)
	assert.Equal(t, "https://corsproxy.io/?{url_encoded}", cfg.Proxies[0].Template, "live config untouched")
}

func TestAdminLogs(t *testing.T) {
	router := adminRouter(t, config.Default())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []LogEntry
	getJSON(t, router, "/api/logs", &entries)
	require.NotEmpty(t, entries)
	assert.Equal(t, "Log entries cleared via admin interface", entries[0].Message)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute+10*time.Second))
	assert.Equal(t, "3h 7m", formatDuration(3*time.Hour+7*time.Minute))
	assert.Equal(t, "2d 4h", formatDuration(52*time.Hour))
}
