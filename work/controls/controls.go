package controls

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"kptv-relay/work/logger"
	"kptv-relay/work/media"
)

// DefaultIdleTimeout is how long controls stay visible without pointer input.
const DefaultIdleTimeout = 3 * time.Second

// Media is the part of the sink the control surface commands.
type Media interface {
	Play() error
	Pause() error
	Paused() bool
	SetMuted(muted bool)
	Muted() bool
	RequestFullscreen() error
	ExitFullscreen() error
	IsFullscreen() bool
}

// State is the playback state shown to the user.
type State struct {
	IsPlaying       bool `json:"isPlaying"`
	IsMuted         bool `json:"isMuted"`
	IsFullscreen    bool `json:"isFullscreen"`
	ControlsVisible bool `json:"controlsVisible"`
}

// Option configures a Surface.
type Option func(*Surface)

// WithClock replaces the wall clock driving the visibility timer.
func WithClock(c clock.Clock) Option {
	return func(s *Surface) { s.clk = c }
}

// WithIdleTimeout sets the inactivity window after which controls hide.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Surface) {
		if d > 0 {
			s.idle = d
		}
	}
}

// Surface translates user commands into sink calls and keeps the playback
// state. Commands never retry and sink failures leave the state untouched.
type Surface struct {
	media Media
	clk   clock.Clock
	idle  time.Duration

	mu      sync.Mutex
	state   State
	blocked bool
	stopped bool
	timer   *clock.Timer
	seq     uint64
}

// New creates a surface with visible controls and an armed idle timer.
func New(m Media, opts ...Option) *Surface {
	s := &Surface{media: m, clk: clock.New(), idle: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	s.state = State{IsMuted: m.Muted(), IsPlaying: !m.Paused(), ControlsVisible: true}
	s.arm()
	s.mu.Unlock()
	return s
}

// TogglePlay plays a paused sink and pauses a playing one.
//
// The sink is called without holding mu: a Relay reports play and pause
// synchronously to its subscribers, and HandleMediaEvent is one of them.
func (s *Surface) TogglePlay() {
	var err error
	if s.media.Paused() {
		err = s.media.Play()
	} else {
		err = s.media.Pause()
	}
	if err != nil {
		logger.Debug("{controls/controls - TogglePlay} Sink rejected command: %v", err)
		return
	}

	s.mu.Lock()
	s.state.IsPlaying = !s.media.Paused()
	s.mu.Unlock()
}

// ToggleMute flips the sink's mute flag.
func (s *Surface) ToggleMute() {
	s.media.SetMuted(!s.media.Muted())

	s.mu.Lock()
	s.state.IsMuted = s.media.Muted()
	s.mu.Unlock()
}

// ToggleFullscreen enters or leaves fullscreen. A denied request is ignored.
func (s *Surface) ToggleFullscreen() {
	var err error
	if s.media.IsFullscreen() {
		err = s.media.ExitFullscreen()
	} else {
		err = s.media.RequestFullscreen()
	}
	if err != nil {
		logger.Debug("{controls/controls - ToggleFullscreen} Fullscreen unavailable: %v", err)
		return
	}

	s.mu.Lock()
	s.state.IsFullscreen = s.media.IsFullscreen()
	s.mu.Unlock()
}

// PointerMoved shows the controls and restarts the inactivity window.
func (s *Surface) PointerMoved() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.state.ControlsVisible = !s.blocked
	s.arm()
}

// HandleMediaEvent follows play and pause reported by the sink.
func (s *Surface) HandleMediaEvent(ev media.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case media.EventPlay:
		s.state.IsPlaying = true
	case media.EventPause, media.EventEnded:
		s.state.IsPlaying = false
	}
}

// Reset returns to the initial state for a new session.
func (s *Surface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = State{IsMuted: s.media.Muted(), ControlsVisible: !s.blocked}
	if !s.stopped {
		s.arm()
	}
}

// SetBlocked force-hides the controls while an error overlay is shown.
// Unblocking shows them again and restarts the idle timer.
func (s *Surface) SetBlocked(blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasBlocked := s.blocked
	s.blocked = blocked
	switch {
	case blocked:
		s.state.ControlsVisible = false
	case wasBlocked && !s.stopped:
		// lifting the overlay starts a fresh visibility window
		s.state.ControlsVisible = true
		s.arm()
	}
}

// State returns the current playback state.
func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if s.blocked {
		st.ControlsVisible = false
	}
	return st
}

// Stop cancels the visibility timer. Commands keep working.
func (s *Surface) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// arm restarts the idle timer. Callers hold mu.
func (s *Surface) arm() {
	s.seq++
	seq := s.seq
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clk.AfterFunc(s.idle, func() { s.expire(seq) })
}

func (s *Surface) expire(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a newer arm or Stop superseded this timer
	if seq != s.seq {
		return
	}
	s.state.ControlsVisible = false
	s.timer = nil
}
