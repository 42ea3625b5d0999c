package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"kptv-relay/work/config"
	"kptv-relay/work/middleware"
	"kptv-relay/work/player"
	"kptv-relay/work/session"
	"kptv-relay/work/utils"
)

// StatsResponse is the operational summary served by /api/stats.
type StatsResponse struct {
	TotalViews     int    `json:"totalViews"`
	PlayingViews   int    `json:"playingViews"`
	LoadingViews   int    `json:"loadingViews"`
	ExhaustedViews int    `json:"exhaustedViews"`
	Viewers        int    `json:"viewers"`
	TotalProxies   int    `json:"totalProxies"`
	Uptime         string `json:"uptime"`
	MemoryUsage    string `json:"memoryUsage"`
	WorkerThreads  int    `json:"workerThreads"`
	RunningWorkers int    `json:"runningWorkers"`
	Engine         string `json:"engine"`
	ProxyMode      string `json:"proxyMode"`
}

// ProxyResponse describes one directory entry.
type ProxyResponse struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Template string `json:"template,omitempty"`
}

// LogEntry is one line of the in-memory admin log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

const maxLogEntries = 1000

var (
	adminStartTime = time.Now()

	// logEntries holds the newest admin log lines, guarded by logMu
	logMu      sync.Mutex
	logEntries []LogEntry = make([]LogEntry, 0, maxLogEntries)
)

// setupAdminRoutes registers the operational endpoints next to the player API.
func setupAdminRoutes(router *mux.Router, cfg *config.Config, reg *player.Registry, pool *ants.Pool) {
	router.HandleFunc("/api/stats", corsMiddleware(middleware.GzipMiddleware(handleGetStats(cfg, reg, pool)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/proxies", corsMiddleware(middleware.GzipMiddleware(handleGetProxies(cfg, reg)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", corsMiddleware(middleware.GzipMiddleware(handleGetConfig(cfg)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", corsMiddleware(middleware.GzipMiddleware(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", corsMiddleware(handleClearLogs)).Methods("DELETE", "OPTIONS")

	addLogEntry("info", "Admin interface initialized")
}

// corsMiddleware records the request in the admin log before the shared CORS handling.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	cors := middleware.CORS(next)
	return func(w http.ResponseWriter, r *http.Request) {
		addLogEntry("info", fmt.Sprintf("Request: %s %s", r.Method, r.URL.Path))
		cors(w, r)
	}
}

func handleGetStats(cfg *config.Config, reg *player.Registry, pool *ants.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := StatsResponse{
			TotalProxies:  reg.Directory().Len(),
			Uptime:        formatDuration(time.Since(adminStartTime)),
			WorkerThreads: cfg.WorkerThreads,
			Engine:        cfg.Engine,
			ProxyMode:     cfg.ProxyMode,
		}
		if pool != nil {
			stats.RunningWorkers = pool.Running()
		}

		for _, v := range reg.List() {
			st := v.State()
			stats.TotalViews++
			stats.Viewers += st.Viewers
			switch st.Phase {
			case session.PhasePlaying.String():
				stats.PlayingViews++
			case session.PhaseLoading.String(), session.PhaseFailing.String():
				stats.LoadingViews++
			case session.PhaseExhausted.String():
				stats.ExhaustedViews++
			}
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		stats.MemoryUsage = utils.FormatBytes(int64(m.Alloc))

		writeAdminJSON(w, stats)
	}
}

// handleGetProxies lists the directory in failover order. Templates are
// hidden when URL obfuscation is on since they often embed credentials.
func handleGetProxies(cfg *config.Config, reg *player.Registry) http.HandlerFunc {
	templates := make(map[string]string, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		templates[p.Name] = p.Template
	}

	return func(w http.ResponseWriter, r *http.Request) {
		list := reg.Directory().ListProxies()
		out := make([]ProxyResponse, 0, len(list))
		for i, d := range list {
			pr := ProxyResponse{Position: i, Name: d.Name, Host: d.Host()}
			if !cfg.ObfuscateUrls {
				pr.Template = templates[d.Name]
			}
			out = append(out, pr)
		}
		writeAdminJSON(w, out)
	}
}

// handleGetConfig returns the effective configuration after defaults.
func handleGetConfig(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := *cfg
		if cfg.ObfuscateUrls {
			view.Proxies = make([]config.ProxyConfig, len(cfg.Proxies))
			for i, p := range cfg.Proxies {
				p.Template = utils.ObfuscateURL(p.Template)
				view.Proxies[i] = p
			}
		}
		writeAdminJSON(w, view)
	}
}

func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	entries := make([]LogEntry, len(logEntries))
	copy(entries, logEntries)
	logMu.Unlock()

	writeAdminJSON(w, entries)
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()
	addLogEntry("info", "Log entries cleared via admin interface")

	writeAdminJSON(w, map[string]string{"status": "success"})
}

func writeAdminJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		addLogEntry("error", fmt.Sprintf("Failed to encode response: %v", err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// addLogEntry appends to the admin log, keeping the newest maxLogEntries
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logMu.Lock()
	defer logMu.Unlock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > maxLogEntries {
		logEntries = logEntries[len(logEntries)-maxLogEntries:]
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
