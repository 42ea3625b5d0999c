package session

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kptv-relay/work/config"
	"kptv-relay/work/directory"
	"kptv-relay/work/fetch"
	"kptv-relay/work/hls"
	"kptv-relay/work/media"
	"kptv-relay/work/metrics"
)

func TestMain(m *testing.M) {
	// the hls package pulls in ants, whose default pool runs for the life of the process
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*poolCommon).purgeStaleWorkers"),
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*poolCommon).ticktock"),
	)
}

const waitFor = 2 * time.Second

type fakeClient struct {
	factory *fakeFactory
	proxy   string

	mu        sync.Mutex
	handlers  map[hls.EventType][]hls.Handler
	source    string
	media     hls.Media
	destroyed bool
}

func (c *fakeClient) LoadSource(src string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = src
	return nil
}

func (c *fakeClient) AttachMedia(m hls.Media) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = m
}

func (c *fakeClient) On(t hls.EventType, h hls.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

func (c *fakeClient) Destroy() {
	c.mu.Lock()
	already := c.destroyed
	c.destroyed = true
	c.mu.Unlock()
	if !already {
		c.factory.release()
	}
}

func (c *fakeClient) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *fakeClient) emit(ev hls.Event) {
	c.mu.Lock()
	hs := append([]hls.Handler(nil), c.handlers[ev.Type]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *fakeClient) parsed() { c.emit(hls.Event{Type: hls.EventManifestParsed}) }

func (c *fakeClient) fatal() {
	c.emit(hls.Event{Type: hls.EventError, Error: &hls.ErrorData{
		Type: hls.NetworkError, Details: hls.ManifestLoadError, Fatal: true, URL: testRequest.URL,
	}})
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	live    int
	maxLive int
}

func (f *fakeFactory) New(a *fetch.Adapter) StreamClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{factory: f, proxy: a.Descriptor().Name, handlers: make(map[hls.EventType][]hls.Handler)}
	f.clients = append(f.clients, c)
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return c
}

func (f *fakeFactory) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live--
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFactory) proxies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.clients))
	for i, c := range f.clients {
		out[i] = c.proxy
	}
	return out
}

func (f *fakeFactory) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

func testDirectory(names ...string) *directory.Directory {
	descs := make([]directory.ProxyDescriptor, len(names))
	for i, name := range names {
		host := name + ".proxy.example"
		descs[i] = directory.NewDescriptor(name, host, func(target string) string {
			return "https://" + host + "/?url=" + url.QueryEscape(target)
		})
	}
	return directory.New(descs...)
}

type fixture struct {
	ctrl    *Controller
	factory *fakeFactory
	sink    *media.Relay

	mu        sync.Mutex
	resets    int
	fallbacks []bool
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{factory: &fakeFactory{}, sink: media.NewRelay(4)}

	if opts.Directory == nil {
		opts.Directory = testDirectory("A", "B")
	}
	if opts.Sink == nil {
		opts.Sink = f.sink
	}
	if opts.NewClient == nil {
		opts.NewClient = f.factory.New
	}
	opts.OnReset = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.resets++
	}
	opts.OnFallback = func(show bool) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fallbacks = append(f.fallbacks, show)
	}

	f.ctrl = New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go f.ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-f.ctrl.Done()
	})
	return f
}

func (f *fixture) waitClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.factory.count() == n }, waitFor, time.Millisecond)
}

func (f *fixture) waitPhase(t *testing.T, p Phase) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Phase == p.String() }, waitFor, time.Millisecond)
	return f.ctrl.Snapshot()
}

func (f *fixture) lastFallback() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fallbacks) == 0 {
		return false, false
	}
	return f.fallbacks[len(f.fallbacks)-1], true
}

func TestControllerFailsOverInOrderThenExhausts(t *testing.T) {
	f := newFixture(t, Options{Directory: testDirectory("A", "B", "C")})
	require.NoError(t, f.ctrl.Start(testRequest))

	for i := 0; i < 3; i++ {
		f.waitClients(t, i+1)
		f.factory.client(i).fatal()
	}

	snap := f.waitPhase(t, PhaseExhausted)
	assert.Equal(t, []string{"A", "B", "C"}, f.factory.proxies())
	assert.Equal(t, 1, f.factory.peak())
	assert.Equal(t, 2, snap.CurrentProxyIndex)
	assert.True(t, snap.ShowExternalFallback)
	assert.Equal(t, testRequest.URL, snap.URL)
	assert.NotEmpty(t, snap.LastErrorMessage)

	require.Len(t, snap.Attempts, 3)
	for i, a := range snap.Attempts {
		assert.Equal(t, i, a.Index)
		assert.Equal(t, "failed", a.Outcome)
	}

	// nothing else is attempted once exhausted
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, f.factory.count())
	for i := 0; i < 3; i++ {
		assert.True(t, f.factory.client(i).isDestroyed())
	}
}

func TestControllerManifestParsedPlays(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.ctrl.Start(testRequest))
	f.waitClients(t, 1)

	c := f.factory.client(0)
	c.mu.Lock()
	assert.Equal(t, testRequest.URL, c.source, "the client loads the logical URL")
	assert.Equal(t, hls.Media(f.sink), c.media)
	c.mu.Unlock()

	c.parsed()
	snap := f.waitPhase(t, PhasePlaying)
	assert.Equal(t, 0, snap.CurrentProxyIndex)
	assert.Equal(t, "A", snap.ProxyName)
	assert.Equal(t, "client", snap.Engine)
	assert.False(t, snap.ShowExternalFallback)
	assert.False(t, f.sink.Paused())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.factory.count())
}

func TestControllerSecondProxySucceeds(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.ctrl.Start(testRequest))

	f.waitClients(t, 1)
	f.factory.client(0).fatal()
	f.waitClients(t, 2)

	// late events from the destroyed client are stale
	f.factory.client(0).parsed()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, PhaseLoading.String(), f.ctrl.Snapshot().Phase)

	f.factory.client(1).parsed()
	snap := f.waitPhase(t, PhasePlaying)
	assert.Equal(t, 1, snap.CurrentProxyIndex)
	assert.Equal(t, "B", snap.ProxyName)
	require.Len(t, snap.Attempts, 2)
	assert.Equal(t, "failed", snap.Attempts[0].Outcome)
	assert.Equal(t, "playing", snap.Attempts[1].Outcome)
}

func TestControllerBothProxiesFail(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.ctrl.Start(testRequest))

	f.waitClients(t, 1)
	f.factory.client(0).fatal()
	f.waitClients(t, 2)
	f.factory.client(1).fatal()

	snap := f.waitPhase(t, PhaseExhausted)
	assert.True(t, snap.ShowExternalFallback)
	assert.Equal(t, testRequest.URL, snap.URL)
	shown, ok := f.lastFallback()
	assert.True(t, ok)
	assert.True(t, shown)
}

func TestControllerNonFatalWhilePlaying(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.ctrl.Start(testRequest))
	f.waitClients(t, 1)
	c := f.factory.client(0)
	c.parsed()
	before := f.waitPhase(t, PhasePlaying)

	c.emit(hls.Event{Type: hls.EventError, Error: &hls.ErrorData{
		Type: hls.NetworkError, Details: hls.FragLoadError, Fatal: false,
	}})
	f.sink.Fail(errors.New("decode hiccup"))
	time.Sleep(20 * time.Millisecond)

	after := f.ctrl.Snapshot()
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.CurrentProxyIndex, after.CurrentProxyIndex)
	assert.False(t, c.isDestroyed())
	assert.Equal(t, 1, f.factory.count())
}

func TestControllerDroppedAttemptCountedOnce(t *testing.T) {
	f := newFixture(t, Options{Directory: testDirectory("DropA", "DropB")})
	attempts := func(proxy, outcome string) float64 {
		var m dto.Metric
		require.NoError(t, metrics.ProxyAttempts.WithLabelValues(proxy, outcome).Write(&m))
		return m.GetCounter().GetValue()
	}

	require.NoError(t, f.ctrl.Start(testRequest))
	f.waitClients(t, 1)
	f.factory.client(0).parsed()
	f.waitPhase(t, PhasePlaying)

	// the stream dies after it was already playing
	f.factory.client(0).fatal()
	f.waitClients(t, 2)
	snap := f.waitPhase(t, PhaseLoading)

	require.Len(t, snap.Attempts, 2)
	assert.Equal(t, metrics.OutcomeDropped, snap.Attempts[0].Outcome)
	assert.NotEmpty(t, snap.Attempts[0].Error)
	assert.Equal(t, metrics.OutcomeStarted, snap.Attempts[1].Outcome)

	assert.Equal(t, 1.0, attempts("DropA", metrics.OutcomeStarted))
	assert.Equal(t, 1.0, attempts("DropA", metrics.OutcomePlaying))
	assert.Equal(t, 0.0, attempts("DropA", metrics.OutcomeFailed))
	assert.Equal(t, 0.0, attempts("DropA", metrics.OutcomeDropped))

	f.factory.client(1).fatal()
	f.waitPhase(t, PhaseExhausted)
	assert.Equal(t, 1.0, attempts("DropB", metrics.OutcomeFailed))
}

func TestControllerStartReplacesClient(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.ctrl.Start(testRequest))
	f.waitClients(t, 1)
	f.factory.client(0).parsed()
	f.waitPhase(t, PhasePlaying)

	other := StreamRequest{URL: "http://origin.example/other.m3u8", Title: "Other"}
	require.NoError(t, f.ctrl.Start(other))
	f.waitClients(t, 2)

	assert.True(t, f.factory.client(0).isDestroyed())
	assert.Equal(t, 1, f.factory.peak())

	snap := f.waitPhase(t, PhaseLoading)
	assert.Equal(t, other.URL, snap.URL)
	assert.Equal(t, 0, snap.CurrentProxyIndex)
	require.Len(t, snap.Attempts, 1)
}

func TestControllerRetryAfterExhaustion(t *testing.T) {
	f := newFixture(t, Options{Directory: testDirectory("A")})
	require.NoError(t, f.ctrl.Start(testRequest))
	f.waitClients(t, 1)

	assert.ErrorIs(t, f.ctrl.Retry(), ErrRetryUnavailable)

	f.factory.client(0).fatal()
	f.waitPhase(t, PhaseExhausted)

	require.NoError(t, f.ctrl.Retry())
	f.waitClients(t, 2)
	snap := f.waitPhase(t, PhaseLoading)
	assert.Equal(t, 0, snap.CurrentProxyIndex)
	assert.False(t, snap.ShowExternalFallback)

	f.mu.Lock()
	assert.Equal(t, 2, f.resets)
	f.mu.Unlock()
}

func TestControllerUnsupported(t *testing.T) {
	f := newFixture(t, Options{ClientSupported: func() bool { return false }})
	require.NoError(t, f.ctrl.Start(testRequest))

	snap := f.waitPhase(t, PhaseUnsupported)
	assert.True(t, snap.ShowExternalFallback)
	assert.Equal(t, "unsupported", snap.Engine)
	assert.Equal(t, 0, f.factory.count())

	require.NoError(t, f.ctrl.Retry())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, f.factory.count())
}

type fakeNative struct {
	sink *media.Relay

	mu      sync.Mutex
	sources []string
	cleared int
}

func (n *fakeNative) CanPlayType(mime string) bool { return mime == media.MimeHLS }

func (n *fakeNative) SetSource(src string) error {
	n.sink.ResetSource()
	n.mu.Lock()
	n.sources = append(n.sources, src)
	n.mu.Unlock()
	return nil
}

func (n *fakeNative) ClearSource() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared++
}

func (n *fakeNative) sourceCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sources)
}

func TestControllerNativeDirectThenProxy(t *testing.T) {
	sink := media.NewRelay(4)
	native := &fakeNative{sink: sink}
	noClient := func(*fetch.Adapter) StreamClient {
		t.Error("adaptive client used in native mode")
		return nil
	}
	f := newFixture(t, Options{
		Sink:      sink,
		Native:    native,
		Engine:    config.EngineNative,
		NewClient: noClient,
	})
	require.NoError(t, f.ctrl.Start(testRequest))

	require.Eventually(t, func() bool { return native.sourceCount() == 1 }, waitFor, time.Millisecond)
	snap := f.ctrl.Snapshot()
	assert.Equal(t, DirectIndex, snap.CurrentProxyIndex)
	assert.Equal(t, "direct", snap.ProxyName)

	sink.Fail(errors.New("no route"))
	require.Eventually(t, func() bool { return native.sourceCount() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, sink.Append([]byte("ts")))
	snap = f.waitPhase(t, PhasePlaying)
	assert.Equal(t, 0, snap.CurrentProxyIndex)
	assert.Equal(t, "native", snap.Engine)

	native.mu.Lock()
	assert.Equal(t, testRequest.URL, native.sources[0])
	assert.Equal(t, "https://A.proxy.example/?url="+url.QueryEscape(testRequest.URL), native.sources[1])
	native.mu.Unlock()
}

func TestControllerFailoverDelay(t *testing.T) {
	f := newFixture(t, Options{FailoverDelay: 30 * time.Millisecond})
	require.NoError(t, f.ctrl.Start(testRequest))
	f.waitClients(t, 1)
	f.factory.client(0).fatal()

	f.waitPhase(t, PhaseFailing)
	assert.Equal(t, 1, f.factory.count())
	f.waitClients(t, 2)
	assert.Equal(t, 1, f.ctrl.Snapshot().CurrentProxyIndex)
}

func TestControllerStopAndShutdown(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.ctrl.Start(testRequest))
	f.waitClients(t, 1)

	require.NoError(t, f.ctrl.Stop())
	f.waitPhase(t, PhaseIdle)
	assert.True(t, f.factory.client(0).isDestroyed())

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := New(Options{Directory: testDirectory("A"), Sink: media.NewRelay(1), NewClient: f.factory.New})
	go ctrl.Run(ctx)
	require.NoError(t, ctrl.Start(testRequest))
	f.waitClients(t, 2)

	cancel()
	<-ctrl.Done()
	assert.True(t, f.factory.client(1).isDestroyed())
	assert.ErrorIs(t, ctrl.Start(testRequest), ErrControllerStopped)
}

func TestControllerRejectsEmptyRequest(t *testing.T) {
	f := newFixture(t, Options{})
	assert.ErrorIs(t, f.ctrl.Start(StreamRequest{}), ErrInvalidURL)
}

func TestNewStreamRequest(t *testing.T) {
	req, err := NewStreamRequest("  http://origin.example/a.m3u8 ", "")
	require.NoError(t, err)
	assert.Equal(t, "http://origin.example/a.m3u8", req.URL)
	assert.Equal(t, DefaultTitle, req.Title)

	_, err = NewStreamRequest("ftp://origin.example/a.m3u8", "x")
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = NewStreamRequest("/relative.m3u8", "x")
	assert.ErrorIs(t, err, ErrInvalidURL)
}
