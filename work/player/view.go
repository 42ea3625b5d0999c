package player

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kptv-relay/work/client"
	"kptv-relay/work/controls"
	"kptv-relay/work/fallback"
	"kptv-relay/work/fetch"
	"kptv-relay/work/hls"
	"kptv-relay/work/logger"
	"kptv-relay/work/media"
	"kptv-relay/work/metrics"
	"kptv-relay/work/session"
)

// View is one open player: a session controller, its control surface, the
// external fallback advisor and the media sink they share.
type View struct {
	ID        string
	Request   session.StreamRequest
	CreatedAt time.Time

	Controller *session.Controller
	Surface    *controls.Surface
	Advisor    *fallback.Advisor
	Sink       *media.Native

	lastSeen atomic.Int64
	closed   atomic.Bool
	cancel   context.CancelFunc
	unsub    func()
}

// ViewState is the JSON form of a view.
type ViewState struct {
	session.Snapshot
	ID          string         `json:"id"`
	Controls    controls.State `json:"controls"`
	Viewers     int            `json:"viewers"`
	FallbackURL string         `json:"fallbackUrl,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func newView(req session.StreamRequest, deps *Deps) *View {
	cfg := deps.Config

	sink := media.NewNative(media.NewRelay(cfg.ViewerBufferPackets), media.NativeOptions{
		FFmpegPath: cfg.FFmpegPath,
		PreInput:   cfg.FFmpegPreInput,
		PreOutput:  cfg.FFmpegPreOutput,
		Obfuscate:  cfg.ObfuscateUrls,
	})

	v := &View{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: deps.Clock.Now(),
		Sink:      sink,
		Surface:   controls.New(sink, controls.WithClock(deps.Clock), controls.WithIdleTimeout(cfg.ControlsIdle)),
		Advisor:   fallback.New(req, deps.Clipboard, cfg.ObfuscateUrls),
	}
	v.touch(deps.Clock.Now())

	newClient := deps.NewClient
	if newClient == nil {
		newClient = hlsFactory(deps)
	}

	v.Controller = session.New(session.Options{
		Directory:     deps.Directory,
		Sink:          sink,
		Native:        sink,
		NewClient:     newClient,
		Engine:        cfg.Engine,
		ProxyMode:     fetch.ParseMode(cfg.ProxyMode),
		LocalOrigin:   cfg.BaseURL,
		FailoverDelay: cfg.FailoverDelay,
		Obfuscate:     cfg.ObfuscateUrls,
		OnReset:       v.Surface.Reset,
		OnFallback: func(show bool) {
			v.Advisor.SetActive(show)
			v.Surface.SetBlocked(show)
		},
	})
	v.unsub = sink.Subscribe(v.Surface.HandleMediaEvent)
	return v
}

// hlsFactory builds adaptive clients that load through the adapter wrapped
// around the shared upstream transport.
func hlsFactory(deps *Deps) session.ClientFactory {
	base := hls.ConfigFrom(deps.Config)
	base.WorkerPool = deps.WorkerPool

	return func(adapter *fetch.Adapter) session.StreamClient {
		cfg := base
		cfg.Loader = adapter.Transport(deps.Transport)
		return hls.New(cfg)
	}
}

func (v *View) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	go v.Controller.Run(ctx)
	return v.Controller.Start(v.Request)
}

func (v *View) touch(now time.Time) { v.lastSeen.Store(now.UnixNano()) }

// LastSeen is the time of the last request addressed to the view.
func (v *View) LastSeen() time.Time { return time.Unix(0, v.lastSeen.Load()) }

// State snapshots the view.
func (v *View) State() ViewState {
	snap := v.Controller.Snapshot()
	st := ViewState{
		ID:        v.ID,
		Snapshot:  snap,
		Controls:  v.Surface.State(),
		Viewers:   v.Sink.ViewerCount(),
		CreatedAt: v.CreatedAt,
	}
	if snap.ShowExternalFallback {
		st.FallbackURL = v.Advisor.GetFallbackURL()
	}
	return st
}

// Retry restarts failover from the first attempt.
func (v *View) Retry() error { return v.Controller.Retry() }

// ServeStream relays the view's transport stream to one HTTP client until
// it disconnects or the view closes.
func (v *View) ServeStream(w http.ResponseWriter, r *http.Request) {
	viewerID := r.RemoteAddr + "-" + uuid.NewString()[:8]
	viewer, err := v.Sink.AddViewer(viewerID)
	if err != nil {
		http.Error(w, "View closed", http.StatusGone)
		return
	}
	defer func() {
		v.Sink.RemoveViewer(viewerID)
		metrics.Viewers.WithLabelValues(v.ID).Set(float64(v.Sink.ViewerCount()))
	}()
	metrics.Viewers.WithLabelValues(v.ID).Set(float64(v.Sink.ViewerCount()))

	crw := client.NewCustomResponseWriter(w)
	crw.Header().Set("Content-Type", "video/mp2t")
	crw.WriteHeader(http.StatusOK)
	crw.Flush()

	logger.Debug("{player/view - ServeStream} Viewer %s attached to view %s", viewerID, v.ID)

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("{player/view - ServeStream} Viewer %s disconnected", viewerID)
			return
		case <-viewer.Done():
			return
		case chunk, ok := <-viewer.C():
			if !ok {
				return
			}
			if _, err := crw.Write(chunk); err != nil {
				logger.Debug("{player/view - ServeStream} Write to %s failed: %v", viewerID, err)
				return
			}
			crw.Flush()
		}
	}
}

func (v *View) close() {
	if !v.closed.CompareAndSwap(false, true) {
		return
	}
	if v.cancel != nil {
		v.cancel()
		<-v.Controller.Done()
	}
	v.unsub()
	v.Surface.Stop()
	v.Sink.Close()
	metrics.Viewers.DeleteLabelValues(v.ID)
}
