package session

// Phase is the lifecycle position of a streaming session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhasePlaying
	PhaseFailing
	PhaseExhausted
	PhaseUnsupported
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhasePlaying:
		return "playing"
	case PhaseFailing:
		return "failing"
	case PhaseExhausted:
		return "exhausted"
	case PhaseUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase only moves on a manual retry.
func (p Phase) Terminal() bool {
	return p == PhaseExhausted || p == PhaseUnsupported
}

// Mode is the playback engine a session runs on.
type Mode int

const (
	ModeUnsupported Mode = iota
	ModeClient           // adaptive client fed through the proxy adapter
	ModeNative           // the sink plays the URL itself
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeNative:
		return "native"
	default:
		return "unsupported"
	}
}

// DirectIndex is the attempt index of the unproxied native attempt, made
// before proxy 0.
const DirectIndex = -1

// State is the controller's view of one session. Within one failover run
// ProxyIndex only grows.
type State struct {
	Phase      Phase
	Mode       Mode
	Request    StreamRequest
	ProxyIndex int    // attempt in progress, or the one that just failed while Failing
	NextIndex  int    // attempt Advance will start while Failing
	NumProxies int    // directory size
	Generation uint64 // identity of the live client; events from others are stale
	HasClient  bool
	LastError  string
}

// Event is an input to Transition.
type Event interface{ isEvent() }

type (
	// Start begins a new failover run for Request on Mode.
	Start struct {
		Request    StreamRequest
		Mode       Mode
		NumProxies int
	}
	// ManifestParsed reports that the client for Gen produced a playable manifest.
	ManifestParsed struct{ Gen uint64 }
	// StreamError reports a client error for Gen.
	StreamError struct {
		Gen     uint64
		Kind    string
		Fatal   bool
		Message string
	}
	// MediaLoaded reports that the sink decoded metadata for Gen.
	MediaLoaded struct{ Gen uint64 }
	// MediaError reports a sink error for Gen.
	MediaError struct {
		Gen     uint64
		Message string
	}
	// Advance moves a failing run on to its next attempt.
	Advance struct{ Gen uint64 }
	// Retry restarts from the first attempt after exhaustion.
	Retry struct {
		Mode       Mode
		NumProxies int
	}
	// Stop tears the session down.
	Stop struct{}
)

func (Start) isEvent()          {}
func (ManifestParsed) isEvent() {}
func (StreamError) isEvent()    {}
func (MediaLoaded) isEvent()    {}
func (MediaError) isEvent()     {}
func (Advance) isEvent()        {}
func (Retry) isEvent()          {}
func (Stop) isEvent()           {}

// Effect is an instruction Transition hands to the runtime, executed in order.
type Effect interface{ isEffect() }

type (
	// DestroyClient tears down the live client or native source.
	DestroyClient struct{}
	// CreateClient starts attempt ProxyIndex tagged with Gen.
	CreateClient struct {
		Gen        uint64
		ProxyIndex int
	}
	// Play asks the sink to start playback.
	Play struct{}
	// ResetPlayback returns the control surface to its initial state.
	ResetPlayback struct{}
	// ShowFallback reveals the external player path.
	ShowFallback struct{}
	// HideFallback hides the external player path.
	HideFallback struct{}
	// ScheduleAdvance asks the runtime to deliver Advance{Gen}.
	ScheduleAdvance struct{ Gen uint64 }
)

func (DestroyClient) isEffect()   {}
func (CreateClient) isEffect()    {}
func (Play) isEffect()            {}
func (ResetPlayback) isEffect()   {}
func (ShowFallback) isEffect()    {}
func (HideFallback) isEffect()    {}
func (ScheduleAdvance) isEffect() {}

// Transition is the pure session state machine. It performs no I/O.
func Transition(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case Start:
		return begin(s, e.Request, e.Mode, e.NumProxies)

	case Retry:
		if !s.Phase.Terminal() {
			return s, nil
		}
		return begin(s, s.Request, e.Mode, e.NumProxies)

	case ManifestParsed:
		if s.Mode != ModeClient || !current(s, e.Gen) || s.Phase != PhaseLoading {
			return s, nil
		}
		s.Phase = PhasePlaying
		return s, []Effect{Play{}}

	case MediaLoaded:
		if s.Mode != ModeNative || !current(s, e.Gen) || s.Phase != PhaseLoading {
			return s, nil
		}
		s.Phase = PhasePlaying
		return s, []Effect{Play{}}

	case StreamError:
		if !e.Fatal || !current(s, e.Gen) || !active(s) {
			return s, nil
		}
		return fail(s, e.Message)

	case MediaError:
		// the adaptive client reports its own failures; sink errors only
		// decide the outcome in native mode
		if s.Mode != ModeNative || !current(s, e.Gen) || !active(s) {
			return s, nil
		}
		return fail(s, e.Message)

	case Advance:
		if s.Phase != PhaseFailing || e.Gen != s.Generation {
			return s, nil
		}
		s.Generation++
		s.ProxyIndex = s.NextIndex
		s.Phase = PhaseLoading
		s.HasClient = true
		return s, []Effect{CreateClient{Gen: s.Generation, ProxyIndex: s.ProxyIndex}}

	case Stop:
		var effects []Effect
		if s.HasClient {
			effects = append(effects, DestroyClient{})
		}
		s.Phase = PhaseIdle
		s.HasClient = false
		return s, effects
	}

	return s, nil
}

func begin(s State, req StreamRequest, mode Mode, numProxies int) (State, []Effect) {
	var effects []Effect
	if s.HasClient {
		effects = append(effects, DestroyClient{})
	}
	effects = append(effects, ResetPlayback{}, HideFallback{})

	s.Request = req
	s.Mode = mode
	s.NumProxies = numProxies
	s.HasClient = false
	s.LastError = ""
	s.NextIndex = 0

	first := 0
	if mode == ModeNative {
		first = DirectIndex
	}
	s.ProxyIndex = first

	switch {
	case mode == ModeUnsupported:
		s.Phase = PhaseUnsupported
		return s, append(effects, ShowFallback{})
	case first >= numProxies:
		s.Phase = PhaseExhausted
		s.LastError = "no proxies configured"
		return s, append(effects, ShowFallback{})
	}

	s.Generation++
	s.Phase = PhaseLoading
	s.HasClient = true
	return s, append(effects, CreateClient{Gen: s.Generation, ProxyIndex: first})
}

func fail(s State, msg string) (State, []Effect) {
	s.LastError = msg
	s.HasClient = false
	effects := []Effect{DestroyClient{}}

	next := s.ProxyIndex + 1
	if next >= s.NumProxies {
		s.Phase = PhaseExhausted
		return s, append(effects, ShowFallback{})
	}

	s.Phase = PhaseFailing
	s.NextIndex = next
	return s, append(effects, ScheduleAdvance{Gen: s.Generation})
}

func current(s State, gen uint64) bool {
	return s.HasClient && gen == s.Generation
}

func active(s State) bool {
	return s.Phase == PhaseLoading || s.Phase == PhasePlaying
}
