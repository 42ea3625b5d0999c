package hls

import (
	"net/http"
	"time"

	"github.com/panjf2000/ants/v2"

	"kptv-relay/work/config"
)

// Config tunes a Client. The zero value is usable; DefaultConfig mirrors the
// relay's defaults.
type Config struct {
	EnableWorker   bool // decode playlists on WorkerPool instead of the loader goroutine
	LowLatencyMode bool // refresh live playlists at half the target duration

	// Loader carries every request. The fetch adapter's transport is installed
	// here so one client talks through one proxy.
	Loader http.RoundTripper

	ManifestLoadingMaxRetry   int
	ManifestLoadingRetryDelay time.Duration
	LevelLoadingMaxRetry      int
	LevelLoadingRetryDelay    time.Duration
	FragLoadingMaxRetry       int
	FragLoadingRetryDelay     time.Duration

	RequestTimeout    time.Duration
	VariantStrategy   string
	RequestsPerSecond int // 0 disables pacing

	// StallTimeout bounds how long a live level may go without a new segment.
	StallTimeout time.Duration
	// TrackerSize is how many recent segments are remembered for de-duplication.
	TrackerSize int

	WorkerPool *ants.Pool
	Obfuscate  bool // mask URLs in logs
}

const (
	defaultStallTimeout   = 30 * time.Second
	defaultTrackerSize    = 64
	defaultRefreshPeriod  = 2 * time.Second
	minimumRefreshPeriod  = 100 * time.Millisecond
	defaultRequestTimeout = 10 * time.Second
)

// DefaultConfig returns the built-in client tuning.
func DefaultConfig() Config {
	return Config{
		EnableWorker:              true,
		LowLatencyMode:            true,
		ManifestLoadingMaxRetry:   2,
		ManifestLoadingRetryDelay: time.Second,
		LevelLoadingMaxRetry:      2,
		LevelLoadingRetryDelay:    time.Second,
		FragLoadingMaxRetry:       2,
		FragLoadingRetryDelay:     time.Second,
		RequestTimeout:            defaultRequestTimeout,
		VariantStrategy:           "highest",
		RequestsPerSecond:         20,
		StallTimeout:              defaultStallTimeout,
		TrackerSize:               defaultTrackerSize,
	}
}

// ConfigFrom maps the relay configuration onto client tuning.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	cc := cfg.Client
	c.EnableWorker = cc.EnableWorker
	c.LowLatencyMode = cc.LowLatencyMode
	c.ManifestLoadingMaxRetry = cc.ManifestLoadingMaxRetry
	c.ManifestLoadingRetryDelay = cc.ManifestLoadingRetryDelay
	c.LevelLoadingMaxRetry = cc.LevelLoadingMaxRetry
	c.LevelLoadingRetryDelay = cc.LevelLoadingRetryDelay
	c.FragLoadingMaxRetry = cc.FragLoadingMaxRetry
	c.FragLoadingRetryDelay = cc.FragLoadingRetryDelay
	c.RequestTimeout = cc.RequestTimeout
	c.VariantStrategy = cc.VariantStrategy
	c.RequestsPerSecond = cc.RequestsPerSecond
	c.Obfuscate = cfg.ObfuscateUrls
	return c
}

func (c *Config) normalize() {
	if c.ManifestLoadingMaxRetry < 0 {
		c.ManifestLoadingMaxRetry = 0
	}
	if c.LevelLoadingMaxRetry < 0 {
		c.LevelLoadingMaxRetry = 0
	}
	if c.FragLoadingMaxRetry < 0 {
		c.FragLoadingMaxRetry = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = defaultStallTimeout
	}
	if c.TrackerSize <= 0 {
		c.TrackerSize = defaultTrackerSize
	}
	if c.Loader == nil {
		c.Loader = http.DefaultTransport
	}
}
