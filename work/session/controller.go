package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"kptv-relay/work/config"
	"kptv-relay/work/directory"
	"kptv-relay/work/fetch"
	"kptv-relay/work/hls"
	"kptv-relay/work/logger"
	"kptv-relay/work/media"
	"kptv-relay/work/metrics"
	"kptv-relay/work/utils"
)

// StreamClient is the adaptive streaming client the controller drives. The
// controller owns at most one at a time.
type StreamClient interface {
	LoadSource(url string) error
	AttachMedia(m hls.Media)
	On(t hls.EventType, h hls.Handler)
	Destroy()
}

// ClientFactory builds a client whose requests go through adapter.
type ClientFactory func(adapter *fetch.Adapter) StreamClient

// Sink is the media element sessions play into.
type Sink interface {
	hls.Media
	Play() error
	ResetSource()
	Subscribe(fn func(media.Event)) func()
}

// NativePlayer is a sink able to play an HLS URL without the adaptive client.
type NativePlayer interface {
	CanPlayType(mime string) bool
	SetSource(url string) error
	ClearSource()
}

// Options wires a Controller. Directory and Sink are required.
type Options struct {
	Directory *directory.Directory
	Sink      Sink
	Native    NativePlayer  // nil disables native playback
	NewClient ClientFactory // nil disables the adaptive client

	// ClientSupported overrides hls.IsSupported.
	ClientSupported func() bool

	Engine        string // config.EngineAuto, EngineClient or EngineNative
	ProxyMode     fetch.Mode
	LocalOrigin   string
	FailoverDelay time.Duration
	Obfuscate     bool

	// OnReset runs for ResetPlayback, OnFallback for Show/HideFallback.
	OnReset    func()
	OnFallback func(show bool)
}

// Attempt is one entry of the failover history.
type Attempt struct {
	Index     int       `json:"index"`
	Proxy     string    `json:"proxy"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	Phase                string      `json:"phase"`
	Engine               string      `json:"engine"`
	URL                  string      `json:"url"`
	Title                string      `json:"title"`
	CurrentProxyIndex    int         `json:"currentProxyIndex"`
	ProxyName            string      `json:"proxyName"`
	LastErrorMessage     string      `json:"lastErrorMessage,omitempty"`
	ShowExternalFallback bool        `json:"showExternalFallback"`
	Levels               []hls.Level `json:"levels,omitempty"`
	Attempts             []Attempt   `json:"attempts"`
	UpdatedAt            time.Time   `json:"updatedAt"`
}

// Controller runs the session state machine for one view. Every event goes
// through a single goroutine started by Run; effects execute there in order.
type Controller struct {
	opts Options

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool

	// owned by the Run goroutine
	state    State
	client   StreamClient
	native   bool
	attempts []Attempt
	levels   []hls.Level
	fallback bool
	timer    *time.Timer

	liveGen  atomic.Uint64
	phase    atomic.Int32
	snapshot atomic.Pointer[Snapshot]
	unsub    func()
	done     chan struct{}
}

// New creates an idle controller. Call Run to start processing.
func New(opts Options) *Controller {
	if opts.Directory == nil {
		opts.Directory = directory.Default()
	}
	if opts.ClientSupported == nil {
		opts.ClientSupported = hls.IsSupported
	}
	if opts.Engine == "" {
		opts.Engine = config.EngineAuto
	}

	c := &Controller{
		opts: opts,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	c.publish()

	c.unsub = opts.Sink.Subscribe(c.onMediaEvent)
	return c
}

// Start begins playback of req. Any current session is torn down first.
func (c *Controller) Start(req StreamRequest) error {
	if req.URL == "" {
		return ErrInvalidURL
	}
	return c.post(Start{Request: req, Mode: c.resolveMode(), NumProxies: c.opts.Directory.Len()})
}

// Retry restarts from the first attempt. Only valid once every attempt failed
// or playback was unsupported.
func (c *Controller) Retry() error {
	if !Phase(c.phase.Load()).Terminal() {
		return ErrRetryUnavailable
	}
	return c.post(Retry{Mode: c.resolveMode(), NumProxies: c.opts.Directory.Len()})
}

// Stop tears down the current session. The controller stays usable.
func (c *Controller) Stop() error {
	return c.post(Stop{})
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) post(ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerStopped
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run processes events until ctx is cancelled, then destroys the live client.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			c.apply(ev)
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	c.apply(Stop{})
	c.stopTimer()
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Controller) apply(ev Event) {
	if e, ok := ev.(levelsEvent); ok {
		if current(c.state, e.Gen) {
			c.levels = e.Levels
			c.publish()
		}
		return
	}

	prev := c.state
	next, effects := Transition(prev, ev)
	c.state = next

	c.observe(prev, next, ev)
	for _, eff := range effects {
		c.execute(eff)
	}
	c.publish()
}

// observe records attempt outcomes, logs and metrics for a transition.
func (c *Controller) observe(prev, next State, ev Event) {
	if e, ok := ev.(MediaError); ok && current(prev, e.Gen) && prev.Mode == ModeNative {
		metrics.StreamErrors.WithLabelValues(c.proxyName(prev.ProxyIndex), "mediaError", "true").Inc()
	}
	if e, ok := ev.(StreamError); ok && current(prev, e.Gen) {
		metrics.StreamErrors.WithLabelValues(c.proxyName(prev.ProxyIndex), e.Kind, strconv.FormatBool(e.Fatal)).Inc()
		if !e.Fatal {
			logger.Debug("{session/controller - observe} Non-fatal error on %s: %s", c.proxyName(prev.ProxyIndex), e.Message)
		}
	}

	switch {
	case prev.Phase == PhaseLoading && next.Phase == PhasePlaying:
		c.finishAttempt(metrics.OutcomePlaying, "")
		logger.Info("{session/controller - observe} Playing %q via %s", next.Request.Title, c.proxyName(next.ProxyIndex))

	case isFailure(ev) && active(prev) && (next.Phase == PhaseFailing || next.Phase == PhaseExhausted):
		outcome := metrics.OutcomeFailed
		if prev.Phase == PhasePlaying {
			outcome = metrics.OutcomeDropped
		}
		c.finishAttempt(outcome, next.LastError)
		logger.Warn("{session/controller - observe} Attempt via %s failed: %s", c.proxyName(prev.ProxyIndex), next.LastError)
	}

	if next.Phase == PhaseExhausted && prev.Phase != PhaseExhausted {
		metrics.Exhausted.Inc()
		logger.Warn("{session/controller - observe} All %d proxies failed for %s", next.NumProxies,
			utils.LogURL(c.opts.Obfuscate, next.Request.URL))
	}
	if next.Phase == PhaseUnsupported && prev.Phase != PhaseUnsupported {
		logger.Warn("{session/controller - observe} No playback engine available (engine=%s)", c.opts.Engine)
	}
}

func isFailure(ev Event) bool {
	switch ev.(type) {
	case StreamError, MediaError:
		return true
	}
	return false
}

// finishAttempt records outcome on the latest attempt. The counter sees each
// attempt once: a dropped attempt was already counted when it started playing.
func (c *Controller) finishAttempt(outcome, errMsg string) {
	n := len(c.attempts)
	if n == 0 {
		return
	}
	a := &c.attempts[n-1]
	a.Outcome = outcome
	a.Error = errMsg

	switch outcome {
	case metrics.OutcomePlaying, metrics.OutcomeFailed:
		metrics.ProxyAttempts.WithLabelValues(a.Proxy, outcome).Inc()
	}
}

func (c *Controller) execute(eff Effect) {
	switch e := eff.(type) {
	case DestroyClient:
		c.destroyClient()

	case CreateClient:
		c.createClient(e.Gen, e.ProxyIndex)

	case Play:
		if err := c.opts.Sink.Play(); err != nil {
			logger.Debug("{session/controller - execute} Play rejected: %v", err)
		}

	case ResetPlayback:
		c.stopTimer()
		c.attempts = nil
		c.levels = nil
		c.opts.Sink.ResetSource()
		if c.opts.OnReset != nil {
			c.opts.OnReset()
		}

	case ShowFallback:
		c.setFallback(true)

	case HideFallback:
		c.setFallback(false)

	case ScheduleAdvance:
		ev := Advance{Gen: e.Gen}
		if c.opts.FailoverDelay <= 0 {
			c.post(ev)
			return
		}
		c.timer = time.AfterFunc(c.opts.FailoverDelay, func() { c.post(ev) })
	}
}

func (c *Controller) setFallback(show bool) {
	c.fallback = show
	if c.opts.OnFallback != nil {
		c.opts.OnFallback(show)
	}
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) destroyClient() {
	c.liveGen.Store(0)
	if c.client != nil {
		c.client.Destroy()
		c.client = nil
	}
	if c.native {
		c.opts.Native.ClearSource()
		c.native = false
	}
}

func (c *Controller) createClient(gen uint64, index int) {
	// never two live clients
	c.destroyClient()

	req := c.state.Request
	name := c.proxyName(index)
	c.attempts = append(c.attempts, Attempt{Index: index, Proxy: name, Outcome: metrics.OutcomeStarted, StartedAt: time.Now()})
	metrics.ProxyAttempts.WithLabelValues(name, metrics.OutcomeStarted).Inc()
	c.liveGen.Store(gen)

	logger.Info("{session/controller - createClient} Attempt %d (%s, %s) for %s", index, name, c.state.Mode,
		utils.LogURL(c.opts.Obfuscate, req.URL))

	if c.state.Mode == ModeNative {
		src := req.URL
		if desc, ok := c.opts.Directory.At(index); ok {
			src = c.adapter(desc).RewriteURL(req.URL)
		}
		c.native = true
		if err := c.opts.Native.SetSource(src); err != nil {
			c.post(MediaError{Gen: gen, Message: err.Error()})
		}
		return
	}

	desc, _ := c.opts.Directory.At(index)
	client := c.opts.NewClient(c.adapter(desc))
	c.client = client

	client.On(hls.EventManifestParsed, func(ev hls.Event) {
		c.post(levelsEvent{Gen: gen, Levels: ev.Levels})
		c.post(ManifestParsed{Gen: gen})
	})
	client.On(hls.EventError, func(ev hls.Event) {
		if ev.Error == nil {
			return
		}
		c.post(StreamError{Gen: gen, Kind: string(ev.Error.Type), Fatal: ev.Error.Fatal, Message: ev.Error.Error()})
	})
	client.On(hls.EventEnded, func(hls.Event) {
		logger.Info("{session/controller - createClient} Stream %q ended", req.Title)
	})

	client.AttachMedia(c.opts.Sink)
	if err := client.LoadSource(req.URL); err != nil {
		c.post(StreamError{Gen: gen, Kind: string(hls.OtherError), Fatal: true, Message: err.Error()})
	}
}

func (c *Controller) adapter(desc directory.ProxyDescriptor) *fetch.Adapter {
	return fetch.NewAdapter(desc,
		fetch.WithMode(c.opts.ProxyMode),
		fetch.WithLocalOrigin(c.opts.LocalOrigin),
		fetch.WithObfuscatedLogs(c.opts.Obfuscate))
}

func (c *Controller) onMediaEvent(ev media.Event) {
	gen := c.liveGen.Load()
	if gen == 0 {
		return
	}
	switch ev.Type {
	case media.EventLoadedMetadata:
		c.post(MediaLoaded{Gen: gen})
	case media.EventError:
		msg := "media error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.post(MediaError{Gen: gen, Message: msg})
	}
}

func (c *Controller) resolveMode() Mode {
	clientOK := c.opts.NewClient != nil && c.opts.ClientSupported()
	nativeOK := c.opts.Native != nil && c.opts.Native.CanPlayType(media.MimeHLS)

	switch c.opts.Engine {
	case config.EngineClient:
		if clientOK {
			return ModeClient
		}
	case config.EngineNative:
		if nativeOK {
			return ModeNative
		}
	default:
		if clientOK {
			return ModeClient
		}
		if nativeOK {
			return ModeNative
		}
	}
	return ModeUnsupported
}

func (c *Controller) proxyName(index int) string {
	if index == DirectIndex {
		return "direct"
	}
	if desc, ok := c.opts.Directory.At(index); ok {
		return desc.Name
	}
	return ""
}

func (c *Controller) publish() {
	s := c.state
	snap := &Snapshot{
		Phase:                s.Phase.String(),
		Engine:               s.Mode.String(),
		URL:                  s.Request.URL,
		Title:                s.Request.Title,
		CurrentProxyIndex:    s.ProxyIndex,
		ProxyName:            c.proxyName(s.ProxyIndex),
		LastErrorMessage:     s.LastError,
		ShowExternalFallback: c.fallback,
		Levels:               append([]hls.Level(nil), c.levels...),
		Attempts:             append([]Attempt{}, c.attempts...),
		UpdatedAt:            time.Now(),
	}
	if s.Phase == PhaseIdle && s.Request.URL == "" {
		snap.ProxyName = ""
	}
	c.phase.Store(int32(s.Phase))
	c.snapshot.Store(snap)
}

// levelsEvent carries the manifest's level list to the Run goroutine. It
// never changes the machine state.
type levelsEvent struct {
	Gen    uint64
	Levels []hls.Level
}

func (levelsEvent) isEvent() {}
