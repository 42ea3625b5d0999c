package media

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"kptv-relay/work/buffer"
	"kptv-relay/work/logger"
	"kptv-relay/work/metrics"
)

// MIME types treated as HLS by CanPlayType.
const (
	MimeHLS       = "application/vnd.apple.mpegurl"
	MimeHLSLegacy = "application/x-mpegURL"
)

// EventType names a media element event.
type EventType string

const (
	EventPlay           EventType = "play"
	EventPause          EventType = "pause"
	EventError          EventType = "error"
	EventLoadedMetadata EventType = "loadedmetadata"
	EventEnded          EventType = "ended"
)

// Event is delivered to subscribers.
type Event struct {
	Type EventType
	Err  error
}

var (
	ErrClosed                 = errors.New("media: sink closed")
	ErrFullscreenUnsupported  = errors.New("media: fullscreen is not available on a headless sink")
	ErrNativePlaybackDisabled = errors.New("media: native playback is not available")
)

// recentBytes is how much of the newest data a late viewer receives first.
const recentBytes = 512 * 1024

// Viewer is one HTTP consumer of the relayed stream.
type Viewer struct {
	ID      string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// C delivers chunks. It is closed when the viewer is removed or the relay closes.
func (v *Viewer) C() <-chan []byte { return v.ch }

// Done is closed together with C.
func (v *Viewer) Done() <-chan struct{} { return v.done }

// Dropped is the number of chunks skipped because the viewer was too slow.
func (v *Viewer) Dropped() int64 { return v.dropped.Load() }

func (v *Viewer) close() {
	v.once.Do(func() {
		close(v.done)
		close(v.ch)
	})
}

// Relay is the headless media element: it receives transport stream bytes
// from the playback engine and fans them out to viewers, and it holds the
// play/pause/mute state the controls act on.
type Relay struct {
	viewers    *xsync.MapOf[string, *Viewer]
	bufPackets int
	recent     *buffer.RingBuffer

	paused  atomic.Bool
	muted   atomic.Bool
	hasMeta atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex // guards fan-out against viewer removal and subs
	subs    map[int]func(Event)
	nextSub int
}

// NewRelay creates a paused relay whose viewers queue up to bufPackets chunks.
func NewRelay(bufPackets int) *Relay {
	if bufPackets <= 0 {
		bufPackets = 256
	}
	r := &Relay{
		viewers:    xsync.NewMapOf[string, *Viewer](),
		bufPackets: bufPackets,
		recent:     buffer.NewRingBuffer(recentBytes),
		subs:       make(map[int]func(Event)),
	}
	r.paused.Store(true)
	return r
}

// Subscribe registers fn for every event and returns a function removing it.
// fn runs synchronously on the emitting goroutine and must not block.
func (r *Relay) Subscribe(fn func(Event)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// emit copies the subscriber set under mu and calls each subscriber after
// releasing it, so a subscriber may Subscribe or unsubscribe. Callers must
// not hold a lock a subscriber takes: delivery happens on their goroutine.
func (r *Relay) emit(ev Event) {
	r.mu.Lock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Append relays data to every viewer. The first append after ResetSource
// announces loadedmetadata. Slow viewers lose chunks instead of blocking.
func (r *Relay) Append(data []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}

	metrics.BytesTransferred.WithLabelValues("in").Add(float64(len(data)))
	r.recent.Write(data)

	if r.hasMeta.CompareAndSwap(false, true) {
		r.emit(Event{Type: EventLoadedMetadata})
	}

	if r.paused.Load() {
		return nil
	}

	chunk := append([]byte(nil), data...)
	delivered := 0

	r.mu.Lock()
	r.viewers.Range(func(id string, v *Viewer) bool {
		select {
		case v.ch <- chunk:
			delivered++
		default:
			if v.dropped.Add(1)%100 == 1 {
				logger.Debug("{media/relay - Append} Viewer %s is falling behind (%d chunks dropped)", id, v.dropped.Load())
			}
		}
		return true
	})
	r.mu.Unlock()

	metrics.BytesTransferred.WithLabelValues("out").Add(float64(delivered * len(chunk)))
	return nil
}

// Fail reports a media error to subscribers.
func (r *Relay) Fail(err error) {
	r.emit(Event{Type: EventError, Err: err})
}

// End reports the end of the source to subscribers.
func (r *Relay) End() {
	r.emit(Event{Type: EventEnded})
}

// ResetSource prepares the relay for a new source: buffered data is dropped,
// the next append announces metadata again and playback returns to paused.
func (r *Relay) ResetSource() {
	r.recent.Reset()
	r.hasMeta.Store(false)
	r.paused.Store(true)
}

// Play resumes delivery to viewers. The transition from paused emits a play
// event before Play returns; playing an already playing relay is a no-op.
func (r *Relay) Play() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.paused.CompareAndSwap(true, false) {
		r.emit(Event{Type: EventPlay})
	}
	return nil
}

// Pause stops delivery to viewers and emits a pause event when the relay
// was playing.
func (r *Relay) Pause() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.paused.CompareAndSwap(false, true) {
		r.emit(Event{Type: EventPause})
	}
	return nil
}

// Paused reports whether the relay is paused.
func (r *Relay) Paused() bool { return r.paused.Load() }

// SetMuted records the mute flag. Audio is not altered in the relayed bytes;
// viewers read the flag from the view state.
func (r *Relay) SetMuted(m bool) { r.muted.Store(m) }

// Muted reports the mute flag.
func (r *Relay) Muted() bool { return r.muted.Load() }

func (r *Relay) RequestFullscreen() error { return ErrFullscreenUnsupported }
func (r *Relay) ExitFullscreen() error    { return ErrFullscreenUnsupported }
func (r *Relay) IsFullscreen() bool       { return false }

// CanPlayType reports native support for mime. The bare relay has none.
func (r *Relay) CanPlayType(mime string) bool { return false }

// AddViewer registers a viewer and seeds it with recent data.
func (r *Relay) AddViewer(id string) (*Viewer, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	v := &Viewer{ID: id, ch: make(chan []byte, r.bufPackets), done: make(chan struct{})}
	if seed := r.recent.Recent(recentBytes); len(seed) > 0 {
		v.ch <- seed
	}

	if old, loaded := r.viewers.LoadAndStore(id, v); loaded {
		r.mu.Lock()
		old.close()
		r.mu.Unlock()
	}
	return v, nil
}

// RemoveViewer detaches and closes a viewer.
func (r *Relay) RemoveViewer(id string) {
	if v, ok := r.viewers.LoadAndDelete(id); ok {
		r.mu.Lock()
		v.close()
		r.mu.Unlock()
	}
}

// ViewerCount returns the number of attached viewers.
func (r *Relay) ViewerCount() int { return r.viewers.Size() }

// Close detaches every viewer and rejects further appends.
func (r *Relay) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	r.viewers.Range(func(id string, v *Viewer) bool {
		v.close()
		r.viewers.Delete(id)
		return true
	})
	r.mu.Unlock()
}

func isHLSMime(mime string) bool {
	m := strings.ToLower(strings.TrimSpace(mime))
	return m == strings.ToLower(MimeHLS) || m == strings.ToLower(MimeHLSLegacy)
}
