package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"kptv-relay/work/logger"
)

// DefaultConfigPath is where the relay looks for its settings file when
// KPTV_RELAY_CONFIG is not set.
const DefaultConfigPath = "/settings/config.json"

// Playback engines selectable through Config.Engine.
const (
	EngineAuto   = "auto"   // adaptive client when available, native playback otherwise
	EngineClient = "client" // adaptive client only
	EngineNative = "native" // native (ffmpeg) playback only
)

// Proxy rewriting modes selectable through Config.ProxyMode.
const (
	ProxyModeAll      = "all"      // every manifest, key and segment request
	ProxyModeManifest = "manifest" // the master manifest request only
)

// Config holds all application configuration values for the relay server.
// It covers the listener, the proxy directory, the adaptive client tuning and
// the per-view timers.
type Config struct {
	ListenAddr          string        `json:"listenAddr"`          // Address the HTTP server binds to
	BaseURL             string        `json:"baseURL"`             // Public origin of the relay, never proxied
	Debug               bool          `json:"debug"`               // Enable debug logging
	LogLevel            string        `json:"logLevel"`            // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls       bool          `json:"obfuscateUrls"`       // Obfuscate URLs in logs
	Engine              string        `json:"engine"`              // auto, client or native
	ProxyMode           string        `json:"proxyMode"`           // all or manifest
	FailoverDelay       time.Duration `json:"failoverDelay"`       // Pause between two proxy attempts
	ControlsIdle        time.Duration `json:"controlsIdle"`        // Inactivity window before controls hide
	ViewIdleTimeout     time.Duration `json:"viewIdleTimeout"`     // Views untouched for this long are closed
	WorkerThreads       int           `json:"workerThreads"`       // Size of the playlist parsing pool
	ViewerBufferPackets int           `json:"viewerBufferPackets"` // Queued chunks per viewer before drops
	FFmpegPath          string        `json:"ffmpegPath"`          // Binary used for native playback
	FFmpegPreInput      []string      `json:"ffmpegPreInput"`      // FFmpeg arguments before -i
	FFmpegPreOutput     []string      `json:"ffmpegPreOutput"`     // FFmpeg arguments before output
	ClipboardCommand    []string      `json:"clipboardCommand"`    // Explicit clipboard command, auto-detected when empty
	UserAgent           string        `json:"userAgent"`           // HTTP User-Agent for upstream requests
	ReqOrigin           string        `json:"reqOrigin"`           // HTTP Origin header for upstream requests
	ReqReferrer         string        `json:"reqReferrer"`         // HTTP Referer header for upstream requests
	Proxies             []ProxyConfig `json:"proxies"`             // Ordered rewriting proxies, most preferred first
	Client              ClientConfig  `json:"client"`              // Adaptive streaming client tuning
}

// ProxyConfig describes one rewriting proxy. Template holds either {url} for
// the raw target or {url_encoded} for the query-escaped target.
type ProxyConfig struct {
	Name     string `json:"name"`
	Template string `json:"template"`
	Bypass   string `json:"bypass,omitempty"` // URLs matching this pattern skip the proxy
}

// ClientConfig carries the adaptive streaming client knobs. Retry counts are
// kept short so proxy failover absorbs most recovery.
type ClientConfig struct {
	EnableWorker              bool          `json:"enableWorker"`
	LowLatencyMode            bool          `json:"lowLatencyMode"`
	ManifestLoadingMaxRetry   int           `json:"manifestLoadingMaxRetry"`
	ManifestLoadingRetryDelay time.Duration `json:"manifestLoadingRetryDelay"`
	LevelLoadingMaxRetry      int           `json:"levelLoadingMaxRetry"`
	LevelLoadingRetryDelay    time.Duration `json:"levelLoadingRetryDelay"`
	FragLoadingMaxRetry       int           `json:"fragLoadingMaxRetry"`
	FragLoadingRetryDelay     time.Duration `json:"fragLoadingRetryDelay"`
	RequestTimeout            time.Duration `json:"requestTimeout"`
	VariantStrategy           string        `json:"variantStrategy"`
	RequestsPerSecond         int           `json:"requestsPerSecond"`
}

// ConfigFile represents the JSON file structure. Duration fields are strings
// (e.g. "3s") parsed into time.Duration values by convertFromFile.
type ConfigFile struct {
	ListenAddr          string            `json:"listenAddr"`
	BaseURL             string            `json:"baseURL"`
	Debug               bool              `json:"debug"`
	LogLevel            string            `json:"logLevel"`
	ObfuscateUrls       bool              `json:"obfuscateUrls"`
	Engine              string            `json:"engine"`
	ProxyMode           string            `json:"proxyMode"`
	FailoverDelay       string            `json:"failoverDelay"`
	ControlsIdle        string            `json:"controlsIdle"`
	ViewIdleTimeout     string            `json:"viewIdleTimeout"`
	WorkerThreads       int               `json:"workerThreads"`
	ViewerBufferPackets int               `json:"viewerBufferPackets"`
	FFmpegPath          string            `json:"ffmpegPath"`
	FFmpegPreInput      []string          `json:"ffmpegPreInput"`
	FFmpegPreOutput     []string          `json:"ffmpegPreOutput"`
	ClipboardCommand    []string          `json:"clipboardCommand"`
	UserAgent           string            `json:"userAgent"`
	ReqOrigin           string            `json:"reqOrigin"`
	ReqReferrer         string            `json:"reqReferrer"`
	Proxies             []ProxyConfig     `json:"proxies"`
	Client              *ClientConfigFile `json:"client"`
}

// ClientConfigFile is the JSON form of ClientConfig.
type ClientConfigFile struct {
	EnableWorker              *bool  `json:"enableWorker"`
	LowLatencyMode            *bool  `json:"lowLatencyMode"`
	ManifestLoadingMaxRetry   *int   `json:"manifestLoadingMaxRetry"`
	ManifestLoadingRetryDelay string `json:"manifestLoadingRetryDelay"`
	LevelLoadingMaxRetry      *int   `json:"levelLoadingMaxRetry"`
	LevelLoadingRetryDelay    string `json:"levelLoadingRetryDelay"`
	FragLoadingMaxRetry       *int   `json:"fragLoadingMaxRetry"`
	FragLoadingRetryDelay     string `json:"fragLoadingRetryDelay"`
	RequestTimeout            string `json:"requestTimeout"`
	VariantStrategy           string `json:"variantStrategy"`
	RequestsPerSecond         *int   `json:"requestsPerSecond"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads KPTV_RELAY_CONFIG, falling back to DefaultConfigPath.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("KPTV_RELAY_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		logger.Warn("{config - LoadConfig} Failed to load config from %s: %v", configPath, err)
		logger.Warn("{config - LoadConfig} Falling back to default configuration...")
		config = getDefaultConfig()
	}

	configCache = config

	if config.Debug {
		logger.Debug("{config - LoadConfig} Configuration loaded: engine=%s proxyMode=%s proxies=%d",
			config.Engine, config.ProxyMode, len(config.Proxies))
		for i, p := range config.Proxies {
			logger.Debug("{config - LoadConfig}   Proxy %d (%s): %s", i, p.Name, p.Template)
		}
	}

	return config
}

// LoadFromFile reads, parses and validates the configuration at path.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON settings document and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}

	validateAndSetDefaults(config)
	return config, nil
}

// parseDuration treats an empty string as "unset" so defaults can apply.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:          cf.ListenAddr,
		BaseURL:             cf.BaseURL,
		Debug:               cf.Debug,
		LogLevel:            cf.LogLevel,
		ObfuscateUrls:       cf.ObfuscateUrls,
		Engine:              cf.Engine,
		ProxyMode:           cf.ProxyMode,
		WorkerThreads:       cf.WorkerThreads,
		ViewerBufferPackets: cf.ViewerBufferPackets,
		FFmpegPath:          cf.FFmpegPath,
		FFmpegPreInput:      cf.FFmpegPreInput,
		FFmpegPreOutput:     cf.FFmpegPreOutput,
		ClipboardCommand:    cf.ClipboardCommand,
		UserAgent:           cf.UserAgent,
		ReqOrigin:           cf.ReqOrigin,
		ReqReferrer:         cf.ReqReferrer,
		Proxies:             cf.Proxies,
		Client:              defaultClientConfig(),
	}

	var err error
	if config.FailoverDelay, err = parseDuration("failoverDelay", cf.FailoverDelay); err != nil {
		return nil, err
	}
	if config.ControlsIdle, err = parseDuration("controlsIdle", cf.ControlsIdle); err != nil {
		return nil, err
	}
	if config.ViewIdleTimeout, err = parseDuration("viewIdleTimeout", cf.ViewIdleTimeout); err != nil {
		return nil, err
	}

	if cc := cf.Client; cc != nil {
		c := &config.Client
		if cc.EnableWorker != nil {
			c.EnableWorker = *cc.EnableWorker
		}
		if cc.LowLatencyMode != nil {
			c.LowLatencyMode = *cc.LowLatencyMode
		}
		if cc.ManifestLoadingMaxRetry != nil {
			c.ManifestLoadingMaxRetry = *cc.ManifestLoadingMaxRetry
		}
		if cc.LevelLoadingMaxRetry != nil {
			c.LevelLoadingMaxRetry = *cc.LevelLoadingMaxRetry
		}
		if cc.FragLoadingMaxRetry != nil {
			c.FragLoadingMaxRetry = *cc.FragLoadingMaxRetry
		}
		if cc.RequestsPerSecond != nil {
			c.RequestsPerSecond = *cc.RequestsPerSecond
		}
		if cc.VariantStrategy != "" {
			c.VariantStrategy = cc.VariantStrategy
		}

		if c.ManifestLoadingRetryDelay, err = parseDuration("client.manifestLoadingRetryDelay", cc.ManifestLoadingRetryDelay); err != nil {
			return nil, err
		}
		if c.LevelLoadingRetryDelay, err = parseDuration("client.levelLoadingRetryDelay", cc.LevelLoadingRetryDelay); err != nil {
			return nil, err
		}
		if c.FragLoadingRetryDelay, err = parseDuration("client.fragLoadingRetryDelay", cc.FragLoadingRetryDelay); err != nil {
			return nil, err
		}
		if c.RequestTimeout, err = parseDuration("client.requestTimeout", cc.RequestTimeout); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// DefaultProxies returns the built-in proxy list, most reliable first.
func DefaultProxies() []ProxyConfig {
	return []ProxyConfig{
		{Name: "corsproxy.io", Template: "https://corsproxy.io/?{url_encoded}"},
		{Name: "allorigins", Template: "https://api.allorigins.win/raw?url={url_encoded}"},
		{Name: "cors.sh", Template: "https://proxy.cors.sh/{url}"},
	}
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		EnableWorker:              true,
		LowLatencyMode:            true,
		ManifestLoadingMaxRetry:   2,
		ManifestLoadingRetryDelay: time.Second,
		LevelLoadingMaxRetry:      2,
		LevelLoadingRetryDelay:    time.Second,
		FragLoadingMaxRetry:       2,
		FragLoadingRetryDelay:     time.Second,
		RequestTimeout:            10 * time.Second,
		VariantStrategy:           "highest",
		RequestsPerSecond:         20,
	}
}

// Default returns a fully populated configuration without reading any file.
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8080",
		BaseURL:             "http://localhost:8080",
		Debug:               false,
		LogLevel:            "INFO",
		ObfuscateUrls:       false,
		Engine:              EngineAuto,
		ProxyMode:           ProxyModeAll,
		FailoverDelay:       0,
		ControlsIdle:        3 * time.Second,
		ViewIdleTimeout:     10 * time.Minute,
		WorkerThreads:       4,
		ViewerBufferPackets: 256,
		FFmpegPath:          "ffmpeg",
		UserAgent:           "Mozilla/5.0 (X11; Linux x86_64) kptv-relay",
		Proxies:             DefaultProxies(),
		Client:              defaultClientConfig(),
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	def := getDefaultConfig()

	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
		if config.Debug {
			config.LogLevel = "DEBUG"
		}
	}
	switch config.Engine {
	case EngineAuto, EngineClient, EngineNative:
	default:
		config.Engine = EngineAuto
	}
	switch config.ProxyMode {
	case ProxyModeAll, ProxyModeManifest:
	default:
		config.ProxyMode = ProxyModeAll
	}
	if config.FailoverDelay < 0 {
		config.FailoverDelay = 0
	}
	if config.ControlsIdle <= 0 {
		config.ControlsIdle = def.ControlsIdle
	}
	if config.ViewIdleTimeout <= 0 {
		config.ViewIdleTimeout = def.ViewIdleTimeout
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = def.WorkerThreads
	}
	if config.ViewerBufferPackets <= 0 {
		config.ViewerBufferPackets = def.ViewerBufferPackets
	}
	if config.FFmpegPath == "" {
		config.FFmpegPath = def.FFmpegPath
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	if len(config.Proxies) == 0 {
		config.Proxies = DefaultProxies()
	}
	for i := range config.Proxies {
		if config.Proxies[i].Name == "" {
			config.Proxies[i].Name = fmt.Sprintf("Proxy_%d", i+1)
		}
	}

	c := &config.Client
	dc := def.Client
	if c.ManifestLoadingMaxRetry < 0 {
		c.ManifestLoadingMaxRetry = dc.ManifestLoadingMaxRetry
	}
	if c.LevelLoadingMaxRetry < 0 {
		c.LevelLoadingMaxRetry = dc.LevelLoadingMaxRetry
	}
	if c.FragLoadingMaxRetry < 0 {
		c.FragLoadingMaxRetry = dc.FragLoadingMaxRetry
	}
	if c.ManifestLoadingRetryDelay <= 0 {
		c.ManifestLoadingRetryDelay = dc.ManifestLoadingRetryDelay
	}
	if c.LevelLoadingRetryDelay <= 0 {
		c.LevelLoadingRetryDelay = dc.LevelLoadingRetryDelay
	}
	if c.FragLoadingRetryDelay <= 0 {
		c.FragLoadingRetryDelay = dc.FragLoadingRetryDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = dc.RequestTimeout
	}
	if c.VariantStrategy == "" {
		c.VariantStrategy = dc.VariantStrategy
	}
	if c.RequestsPerSecond < 0 {
		c.RequestsPerSecond = 0
	}
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
