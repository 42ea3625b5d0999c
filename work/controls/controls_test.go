package controls

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-relay/work/media"
)

type fakeMedia struct {
	paused     bool
	muted      bool
	fullscreen bool
	playErr    error
}

func (m *fakeMedia) Play() error {
	if m.playErr != nil {
		return m.playErr
	}
	m.paused = false
	return nil
}

func (m *fakeMedia) Pause() error {
	m.paused = true
	return nil
}

func (m *fakeMedia) RequestFullscreen() error {
	m.fullscreen = true
	return nil
}

func (m *fakeMedia) ExitFullscreen() error {
	m.fullscreen = false
	return nil
}

func (m *fakeMedia) Paused() bool        { return m.paused }
func (m *fakeMedia) SetMuted(muted bool) { m.muted = muted }
func (m *fakeMedia) Muted() bool         { return m.muted }
func (m *fakeMedia) IsFullscreen() bool  { return m.fullscreen }

func newSurface(t *testing.T, m Media) (*Surface, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s := New(m, WithClock(mock))
	t.Cleanup(s.Stop)
	return s, mock
}

func TestTogglePlayTwiceRestoresState(t *testing.T) {
	m := &fakeMedia{paused: true}
	s, _ := newSurface(t, m)

	before := s.State().IsPlaying
	s.TogglePlay()
	assert.NotEqual(t, before, s.State().IsPlaying)
	s.TogglePlay()
	assert.Equal(t, before, s.State().IsPlaying)
	assert.True(t, m.paused)
}

func TestTogglePlaySwallowsSinkFailure(t *testing.T) {
	m := &fakeMedia{paused: true, playErr: errors.New("autoplay blocked")}
	s, _ := newSurface(t, m)

	s.TogglePlay()
	assert.False(t, s.State().IsPlaying)
}

func TestToggleMute(t *testing.T) {
	m := &fakeMedia{muted: true}
	s, _ := newSurface(t, m)
	require.True(t, s.State().IsMuted)

	s.ToggleMute()
	assert.False(t, s.State().IsMuted)
	assert.False(t, m.muted)
}

func TestToggleFullscreen(t *testing.T) {
	m := &fakeMedia{}
	s, _ := newSurface(t, m)

	s.ToggleFullscreen()
	assert.True(t, s.State().IsFullscreen)
	s.ToggleFullscreen()
	assert.False(t, s.State().IsFullscreen)
}

func TestToggleFullscreenDeniedHasNoEffect(t *testing.T) {
	s, _ := newSurface(t, media.NewRelay(1))

	s.ToggleFullscreen()
	assert.False(t, s.State().IsFullscreen)
}

func TestControlsHideAfterIdle(t *testing.T) {
	s, mock := newSurface(t, &fakeMedia{})
	require.True(t, s.State().ControlsVisible)

	mock.Add(2 * time.Second)
	assert.True(t, s.State().ControlsVisible)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return !s.State().ControlsVisible }, time.Second, time.Millisecond)
}

func TestPointerMovementRestartsWindow(t *testing.T) {
	s, mock := newSurface(t, &fakeMedia{})

	mock.Add(2 * time.Second)
	s.PointerMoved()
	mock.Add(2 * time.Second)
	assert.True(t, s.State().ControlsVisible)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return !s.State().ControlsVisible }, time.Second, time.Millisecond)

	s.PointerMoved()
	assert.True(t, s.State().ControlsVisible)
}

func TestBlockedForcesControlsHidden(t *testing.T) {
	s, _ := newSurface(t, &fakeMedia{})

	s.SetBlocked(true)
	assert.False(t, s.State().ControlsVisible)
	s.PointerMoved()
	assert.False(t, s.State().ControlsVisible)

	s.SetBlocked(false)
	s.PointerMoved()
	assert.True(t, s.State().ControlsVisible)
}

func TestHandleMediaEventAndReset(t *testing.T) {
	m := &fakeMedia{paused: true}
	s, _ := newSurface(t, m)

	s.HandleMediaEvent(media.Event{Type: media.EventPlay})
	assert.True(t, s.State().IsPlaying)
	s.HandleMediaEvent(media.Event{Type: media.EventPause})
	assert.False(t, s.State().IsPlaying)

	s.HandleMediaEvent(media.Event{Type: media.EventPlay})
	m.muted = true
	s.Reset()
	st := s.State()
	assert.False(t, st.IsPlaying)
	assert.True(t, st.IsMuted)
	assert.True(t, st.ControlsVisible)
}

func TestStopCancelsTimer(t *testing.T) {
	s, mock := newSurface(t, &fakeMedia{})

	s.Stop()
	mock.Add(10 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, s.State().ControlsVisible)
}

func TestTogglePlayWithSubscribedRelay(t *testing.T) {
	relay := media.NewRelay(1)
	s, _ := newSurface(t, relay)
	unsub := relay.Subscribe(s.HandleMediaEvent)
	defer unsub()

	require.NoError(t, relay.Play())
	require.True(t, s.State().IsPlaying)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.TogglePlay()
		assert.False(t, s.State().IsPlaying)
		s.TogglePlay()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("TogglePlay did not return")
	}
	assert.True(t, s.State().IsPlaying)
	assert.False(t, relay.Paused())
}

func TestUnblockShowsControlsAfterReset(t *testing.T) {
	s, mock := newSurface(t, &fakeMedia{})

	// a retry resets the surface while the overlay is still up
	s.SetBlocked(true)
	s.Reset()
	assert.False(t, s.State().ControlsVisible)

	s.SetBlocked(false)
	assert.True(t, s.State().ControlsVisible)

	mock.Add(DefaultIdleTimeout)
	assert.Eventually(t, func() bool { return !s.State().ControlsVisible }, time.Second, time.Millisecond)
}
