package player

import (
	"errors"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"kptv-relay/work/config"
	"kptv-relay/work/directory"
	"kptv-relay/work/fallback"
	"kptv-relay/work/logger"
	"kptv-relay/work/metrics"
	"kptv-relay/work/session"
	"kptv-relay/work/utils"
)

// ErrViewNotFound is returned for an unknown or closed view id.
var ErrViewNotFound = errors.New("player: view not found")

// cleanupInterval is how often idle views are swept.
const cleanupInterval = 10 * time.Second

// Deps are the collaborators shared by every view.
type Deps struct {
	Config     *config.Config
	Directory  *directory.Directory
	Transport  http.RoundTripper // base loader every proxy adapter wraps
	WorkerPool *ants.Pool
	Clipboard  fallback.Clipboard
	Clock      clock.Clock

	// NewClient overrides the adaptive client factory.
	NewClient session.ClientFactory
}

// Registry owns the open views of the relay.
type Registry struct {
	deps    Deps
	views   *xsync.MapOf[string, *View]
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Directory == nil {
		deps.Directory = directory.Default()
	}
	if deps.Transport == nil {
		deps.Transport = http.DefaultTransport
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	return &Registry{
		deps:  deps,
		views: xsync.NewMapOf[string, *View](),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Directory returns the proxy directory shared by every view.
func (r *Registry) Directory() *directory.Directory { return r.deps.Directory }

// Open validates the request, creates a view and starts playback.
func (r *Registry) Open(rawURL, title string) (*View, error) {
	req, err := session.NewStreamRequest(rawURL, title)
	if err != nil {
		return nil, err
	}

	v := newView(req, &r.deps)
	r.views.Store(v.ID, v)
	metrics.ActiveViews.Set(float64(r.views.Size()))

	if err := v.start(); err != nil {
		r.Close(v.ID)
		return nil, err
	}

	logger.Info("{player/registry - Open} View %s opened for %q (%s)", v.ID, req.Title,
		utils.LogURL(r.deps.Config.ObfuscateUrls, req.URL))
	return v, nil
}

// Get returns the view with id and marks it as seen.
func (r *Registry) Get(id string) (*View, error) {
	v, ok := r.views.Load(id)
	if !ok {
		return nil, ErrViewNotFound
	}
	v.touch(r.deps.Clock.Now())
	return v, nil
}

// Close tears the view down.
func (r *Registry) Close(id string) error {
	v, ok := r.views.LoadAndDelete(id)
	if !ok {
		return ErrViewNotFound
	}
	v.close()
	metrics.ActiveViews.Set(float64(r.views.Size()))

	logger.Info("{player/registry - Close} View %s closed", id)
	return nil
}

// List returns every open view, oldest first.
func (r *Registry) List() []*View {
	views := make([]*View, 0, r.views.Size())
	r.views.Range(func(_ string, v *View) bool {
		views = append(views, v)
		return true
	})
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views
}

// Len is the number of open views.
func (r *Registry) Len() int { return r.views.Size() }

// Sweep closes views without viewers that were not addressed within the
// configured idle timeout. It returns how many were closed.
func (r *Registry) Sweep() int {
	timeout := r.deps.Config.ViewIdleTimeout
	if timeout <= 0 {
		return 0
	}
	now := r.deps.Clock.Now()

	var idle []string
	r.views.Range(func(id string, v *View) bool {
		if v.Sink.ViewerCount() == 0 && now.Sub(v.LastSeen()) > timeout {
			idle = append(idle, id)
		}
		return true
	})

	for _, id := range idle {
		logger.Debug("{player/registry - Sweep} Closing idle view %s", id)
		r.Close(id)
	}
	return len(idle)
}

// StartCleanup sweeps idle views periodically until Shutdown.
func (r *Registry) StartCleanup() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	ticker := r.deps.Clock.Ticker(cleanupInterval)
	go func() {
		defer close(r.done)
		defer ticker.Stop()

		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					logger.Info("{player/registry - StartCleanup} Closed %d idle views", n)
				}
			}
		}
	}()
}

// Shutdown stops the cleanup loop, if running, and closes every view.
func (r *Registry) Shutdown() {
	select {
	case <-r.stop:
		return
	default:
		close(r.stop)
	}

	if r.running.Load() {
		<-r.done
	}

	for _, v := range r.List() {
		r.Close(v.ID)
	}
}
