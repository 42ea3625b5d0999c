package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, EngineAuto, cfg.Engine)
	assert.Equal(t, ProxyModeAll, cfg.ProxyMode)
	assert.Equal(t, 3*time.Second, cfg.ControlsIdle)
	assert.Equal(t, DefaultProxies(), cfg.Proxies)
	assert.Equal(t, 2, cfg.Client.ManifestLoadingMaxRetry)
	assert.Equal(t, time.Second, cfg.Client.ManifestLoadingRetryDelay)
	assert.True(t, cfg.Client.EnableWorker)
	assert.True(t, cfg.Client.LowLatencyMode)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"engine": "native",
		"proxyMode": "manifest",
		"failoverDelay": "250ms",
		"controlsIdle": "5s",
		"proxies": [{"template": "https://p.example/{url}"}],
		"client": {
			"enableWorker": false,
			"manifestLoadingMaxRetry": 0,
			"fragLoadingRetryDelay": "2s",
			"variantStrategy": "lowest"
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, EngineNative, cfg.Engine)
	assert.Equal(t, ProxyModeManifest, cfg.ProxyMode)
	assert.Equal(t, 250*time.Millisecond, cfg.FailoverDelay)
	assert.Equal(t, 5*time.Second, cfg.ControlsIdle)
	require.Len(t, cfg.Proxies, 1)
	assert.Equal(t, "Proxy_1", cfg.Proxies[0].Name)

	assert.False(t, cfg.Client.EnableWorker)
	assert.Equal(t, 0, cfg.Client.ManifestLoadingMaxRetry)
	assert.Equal(t, 2, cfg.Client.LevelLoadingMaxRetry)
	assert.Equal(t, 2*time.Second, cfg.Client.FragLoadingRetryDelay)
	assert.Equal(t, "lowest", cfg.Client.VariantStrategy)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte(`{"controlsIdle": "soon"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "controlsIdle")

	_, err = Parse([]byte(`{"client": {"requestTimeout": "x"}}`))
	require.Error(t, err)
}

func TestParseUnknownEngineFallsBack(t *testing.T) {
	cfg, err := Parse([]byte(`{"engine": "flash", "proxyMode": "some"}`))
	require.NoError(t, err)
	assert.Equal(t, EngineAuto, cfg.Engine)
	assert.Equal(t, ProxyModeAll, cfg.ProxyMode)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listenAddr": ":9999"}`), 0644))
	t.Setenv("KPTV_RELAY_CONFIG", path)

	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Same(t, cfg, LoadConfig())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("KPTV_RELAY_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}
