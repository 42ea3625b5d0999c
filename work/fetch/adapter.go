package fetch

import (
	"net/http"
	"net/url"
	"strings"

	"kptv-relay/work/directory"
	"kptv-relay/work/hls"
	"kptv-relay/work/logger"
	"kptv-relay/work/utils"
)

// Mode selects which requests of a session go through the proxy.
type Mode int

const (
	// ModeAllRequests rewrites every manifest, level, key and fragment request.
	ModeAllRequests Mode = iota
	// ModeManifestOnly rewrites only the master manifest request. Child
	// requests go straight to their origin.
	ModeManifestOnly
)

// String returns the config spelling of the mode.
func (m Mode) String() string {
	if m == ModeManifestOnly {
		return "manifest"
	}
	return "all"
}

// ParseMode maps the config spelling to a Mode, defaulting to ModeAllRequests.
func ParseMode(s string) Mode {
	if strings.EqualFold(s, "manifest") {
		return ModeManifestOnly
	}
	return ModeAllRequests
}

// Adapter rewrites outbound requests of one streaming session through one proxy.
// It holds no per-request state and never buffers, caches or retries.
type Adapter struct {
	desc        directory.ProxyDescriptor
	mode        Mode
	localOrigin string
	obfuscate   bool
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithMode sets the rewriting mode.
func WithMode(m Mode) Option {
	return func(a *Adapter) { a.mode = m }
}

// WithLocalOrigin marks an origin (scheme://host[:port]) whose URLs are never
// rewritten, typically the relay's own public base URL.
func WithLocalOrigin(origin string) Option {
	return func(a *Adapter) { a.localOrigin = origin }
}

// WithObfuscatedLogs masks URLs in debug output.
func WithObfuscatedLogs(on bool) Option {
	return func(a *Adapter) { a.obfuscate = on }
}

// NewAdapter returns an adapter bound to desc.
func NewAdapter(desc directory.ProxyDescriptor, opts ...Option) *Adapter {
	a := &Adapter{desc: desc}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Descriptor returns the proxy this adapter routes through.
func (a *Adapter) Descriptor() directory.ProxyDescriptor { return a.desc }

// Mode returns the rewriting mode.
func (a *Adapter) Mode() Mode { return a.mode }

// RewriteURL maps raw to the URL that should be requested. Relative URLs,
// non-http schemes, URLs already on the proxy host, URLs on the local origin
// and bypassed URLs are returned unchanged, so RewriteURL is idempotent.
func (a *Adapter) RewriteURL(raw string) string {
	if !a.shouldRewrite(raw) {
		return raw
	}
	return a.desc.Rewrite(raw)
}

func (a *Adapter) shouldRewrite(raw string) bool {
	if !utils.IsAbsoluteHTTP(raw) {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	if host := a.desc.Host(); host != "" && strings.EqualFold(u.Host, host) {
		return false
	}
	if a.localOrigin != "" && utils.SameHost(raw, a.localOrigin) {
		return false
	}
	if a.desc.Bypasses(raw) {
		return false
	}
	return true
}

// RewriteRequest rewrites req's URL in place according to the adapter mode
// and the request kind carried by the request context.
func (a *Adapter) RewriteRequest(req *http.Request) {
	if req == nil || req.URL == nil {
		return
	}

	kind := hls.RequestKindFrom(req.Context())
	if a.mode == ModeManifestOnly && kind != hls.KindManifest {
		return
	}

	original := req.URL.String()
	rewritten := a.RewriteURL(original)
	if rewritten == original {
		return
	}

	u, err := url.Parse(rewritten)
	if err != nil {
		logger.Warn("{fetch/adapter - RewriteRequest} proxy %s produced an invalid URL: %v", a.desc.Name, err)
		return
	}

	logger.Debug("{fetch/adapter - RewriteRequest} [%s] %s %s -> %s",
		a.desc.Name, kind, utils.LogURL(a.obfuscate, original), utils.LogURL(a.obfuscate, rewritten))

	req.URL = u
	req.Host = ""
}

// Transport wraps base so every request it carries is rewritten first. A nil
// base means http.DefaultTransport.
func (a *Adapter) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &rewritingTransport{adapter: a, base: base}
}

type rewritingTransport struct {
	adapter *Adapter
	base    http.RoundTripper
}

// RoundTrip clones req before rewriting, as RoundTrippers must not mutate
// the caller's request.
func (t *rewritingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	t.adapter.RewriteRequest(out)
	return t.base.RoundTrip(out)
}
