package directory

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"kptv-relay/work/config"
)

// Template placeholders understood by FromTemplate.
const (
	PlaceholderRaw     = "{url}"
	PlaceholderEncoded = "{url_encoded}"
)

// ProxyDescriptor names one rewriting proxy and knows how to turn a target URL
// into the URL that must actually be requested. Descriptors are immutable
// after construction.
type ProxyDescriptor struct {
	Name    string
	rewrite func(string) string
	host    string
	bypass  *regexp.Regexp
}

// NewDescriptor builds a descriptor from an arbitrary rewrite function. host is
// the proxy's own host:port and is used to recognise URLs that were already
// rewritten; it may be empty.
func NewDescriptor(name, host string, rewrite func(string) string) ProxyDescriptor {
	return ProxyDescriptor{Name: name, rewrite: rewrite, host: strings.ToLower(host)}
}

// FromTemplate builds a descriptor from a URL template holding either {url}
// or {url_encoded}. A non-empty bypass pattern marks target URLs that must not
// be routed through this proxy.
func FromTemplate(name, template, bypass string) (ProxyDescriptor, error) {
	if !strings.Contains(template, PlaceholderRaw) && !strings.Contains(template, PlaceholderEncoded) {
		return ProxyDescriptor{}, fmt.Errorf("proxy %q: template has no %s or %s placeholder", name, PlaceholderRaw, PlaceholderEncoded)
	}

	probe := strings.NewReplacer(PlaceholderRaw, "", PlaceholderEncoded, "").Replace(template)
	u, err := url.Parse(probe)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ProxyDescriptor{}, fmt.Errorf("proxy %q: template %q is not an absolute http(s) URL", name, template)
	}

	d := NewDescriptor(name, u.Host, func(target string) string {
		return strings.NewReplacer(
			PlaceholderEncoded, url.QueryEscape(target),
			PlaceholderRaw, target,
		).Replace(template)
	})

	if bypass != "" {
		re, err := regexp.Compile(bypass)
		if err != nil {
			return ProxyDescriptor{}, fmt.Errorf("proxy %q: invalid bypass pattern: %w", name, err)
		}
		d.bypass = re
	}

	return d, nil
}

// Rewrite applies the descriptor's rewrite rule. It performs no filtering;
// callers wanting idempotence go through the fetch adapter.
func (d ProxyDescriptor) Rewrite(target string) string {
	if d.rewrite == nil {
		return target
	}
	return d.rewrite(target)
}

// Host returns the lower-cased host:port of the proxy, or "" when unknown.
func (d ProxyDescriptor) Host() string { return d.host }

// Bypasses reports whether target matches the descriptor's bypass pattern.
func (d ProxyDescriptor) Bypasses(target string) bool {
	return d.bypass != nil && d.bypass.MatchString(target)
}

// Directory is the ordered list of proxies, most preferred first. Order is
// fixed at construction and the index is the selection key.
type Directory struct {
	proxies []ProxyDescriptor
}

// New returns a directory over descs in the given order.
func New(descs ...ProxyDescriptor) *Directory {
	cp := make([]ProxyDescriptor, len(descs))
	copy(cp, descs)
	return &Directory{proxies: cp}
}

// FromConfig builds the directory from configured templates. An empty list
// yields the built-in defaults.
func FromConfig(proxies []config.ProxyConfig) (*Directory, error) {
	if len(proxies) == 0 {
		proxies = config.DefaultProxies()
	}

	descs := make([]ProxyDescriptor, 0, len(proxies))
	for i, p := range proxies {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("Proxy_%d", i+1)
		}
		d, err := FromTemplate(name, p.Template, p.Bypass)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return New(descs...), nil
}

// Default returns the built-in three-proxy directory.
func Default() *Directory {
	d, err := FromConfig(config.DefaultProxies())
	if err != nil {
		panic(err) // built-in templates are constant
	}
	return d
}

// ListProxies returns a copy of the ordered descriptors.
func (d *Directory) ListProxies() []ProxyDescriptor {
	cp := make([]ProxyDescriptor, len(d.proxies))
	copy(cp, d.proxies)
	return cp
}

// Len returns the number of proxies.
func (d *Directory) Len() int { return len(d.proxies) }

// At returns the descriptor at index i.
func (d *Directory) At(i int) (ProxyDescriptor, bool) {
	if i < 0 || i >= len(d.proxies) {
		return ProxyDescriptor{}, false
	}
	return d.proxies[i], true
}

// Rewrite is a convenience for desc.Rewrite(target).
func (d *Directory) Rewrite(desc ProxyDescriptor, target string) string {
	return desc.Rewrite(target)
}

// Names returns proxy names in order, mostly for logging and the admin API.
func (d *Directory) Names() []string {
	names := make([]string, len(d.proxies))
	for i, p := range d.proxies {
		names[i] = p.Name
	}
	return names
}
