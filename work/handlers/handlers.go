package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"kptv-relay/work/fallback"
	"kptv-relay/work/logger"
	"kptv-relay/work/middleware"
	"kptv-relay/work/player"
	"kptv-relay/work/session"
)

// Register adds the player and view routes to router.
func Register(router *mux.Router, reg *player.Registry) {
	api := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.CORS(middleware.GzipMiddleware(h))
	}

	router.HandleFunc("/player", api(HandleOpen(reg))).Methods("GET", "OPTIONS")

	router.HandleFunc("/api/views", api(HandleListViews(reg))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/views/{id}", api(HandleGetView(reg))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/views/{id}", middleware.CORS(HandleCloseView(reg))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/views/{id}/retry", api(HandleRetry(reg))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/views/{id}/play", api(HandleCommand(reg, togglePlay))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/views/{id}/mute", api(HandleCommand(reg, toggleMute))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/views/{id}/fullscreen", api(HandleCommand(reg, toggleFullscreen))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/views/{id}/pointer", api(HandleCommand(reg, pointerMoved))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/views/{id}/fallback", api(HandleFallback(reg))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/views/{id}/fallback/copy", api(HandleFallbackCopy(reg))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/views/{id}/fallback.m3u", middleware.CORS(HandleFallbackPlaylist(reg))).Methods("GET", "OPTIONS")

	// the transport stream is never compressed
	router.HandleFunc("/api/views/{id}/stream", HandleStream(reg)).Methods("GET")
}

// FallbackResponse is the body of the fallback endpoint.
type FallbackResponse struct {
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidURL):
		status = http.StatusBadRequest
	case errors.Is(err, player.ErrViewNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrRetryUnavailable), errors.Is(err, fallback.ErrInactive):
		status = http.StatusConflict
	case errors.Is(err, session.ErrControllerStopped):
		status = http.StatusGone
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func lookup(reg *player.Registry, w http.ResponseWriter, r *http.Request) (*player.View, bool) {
	v, err := reg.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return v, true
}

// HandleOpen opens a view for the url and title query parameters.
func HandleOpen(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		v, err := reg.Open(q.Get("url"), q.Get("title"))
		if err != nil {
			logger.Warn("{handlers/handlers - HandleOpen} Rejected view request: %v", err)
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/views/"+v.ID)
		writeJSON(w, http.StatusCreated, v.State())
	}
}

// HandleListViews lists every open view.
func HandleListViews(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := make([]player.ViewState, 0, reg.Len())
		for _, v := range reg.List() {
			states = append(states, v.State())
		}
		writeJSON(w, http.StatusOK, states)
	}
}

// HandleGetView returns one view's state.
func HandleGetView(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, v.State())
	}
}

// HandleCloseView closes a view, the way leaving the player page does.
func HandleCloseView(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Close(mux.Vars(r)["id"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRetry restarts failover from the first proxy after exhaustion.
func HandleRetry(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		if err := v.Retry(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, v.State())
	}
}

type command func(v *player.View)

func togglePlay(v *player.View)       { v.Surface.TogglePlay() }
func toggleMute(v *player.View)       { v.Surface.ToggleMute() }
func toggleFullscreen(v *player.View) { v.Surface.ToggleFullscreen() }
func pointerMoved(v *player.View)     { v.Surface.PointerMoved() }

// HandleCommand runs a control surface command and returns the new state.
func HandleCommand(reg *player.Registry, cmd command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		cmd(v)
		writeJSON(w, http.StatusOK, v.State())
	}
}

// HandleFallback returns the original stream URL.
func HandleFallback(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, FallbackResponse{URL: v.Advisor.GetFallbackURL(), Active: v.Advisor.Active()})
	}
}

// HandleFallbackCopy puts the original URL on the host clipboard.
func HandleFallbackCopy(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		res := v.Advisor.Copy(r.Context())
		if errors.Is(res.Err, fallback.ErrInactive) {
			writeError(w, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleFallbackPlaylist serves the original URL as an M3U download.
func HandleFallbackPlaylist(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		w.Header().Set("Content-Disposition", `attachment; filename="`+v.Advisor.FileName()+`"`)
		w.Write([]byte(v.Advisor.Playlist()))
	}
}

// HandleStream relays the view's transport stream.
func HandleStream(reg *player.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		v.ServeStream(w, r)
	}
}
