package client

import (
	"net/http"
	"time"

	"kptv-relay/work/config"
)

// HeaderSettingClient carries every upstream request of the relay. Its
// transport stamps the configured User-Agent, Origin and Referer headers and
// is the base every proxy adapter wraps.
type HeaderSettingClient struct {
	Client    *http.Client
	transport *headerTransport
}

// CustomResponseWriter wraps http.ResponseWriter to set streaming headers once
// and expose the underlying Flusher.
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

type headerTransport struct {
	base   http.RoundTripper
	config *config.Config
}

// NewHeaderSettingClient builds the shared upstream client for cfg.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	t := &headerTransport{
		base: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second, // playlists and segments are short requests
		},
		config: cfg,
	}

	return &HeaderSettingClient{
		Client:    &http.Client{Transport: t},
		transport: t,
	}
}

// Transport returns the header-setting round tripper.
func (hsc *HeaderSettingClient) Transport() http.RoundTripper {
	return hsc.transport
}

// Do sends req with the configured headers.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	return hsc.Client.Do(req)
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.config.UserAgent != "" {
		req.Header.Set("User-Agent", t.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	if t.config.ReqOrigin != "" {
		req.Header.Set("Origin", t.config.ReqOrigin)
	}
	if t.config.ReqReferrer != "" {
		req.Header.Set("Referer", t.config.ReqReferrer)
	}
	return t.base.RoundTrip(req)
}

// NewCustomResponseWriter wraps w.
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{ResponseWriter: w}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	crw.Header().Set("Cache-Control", "no-cache")
	crw.Header().Set("Connection", "keep-alive")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// StatusCode returns the status sent, or 0 before the header was written.
func (crw *CustomResponseWriter) StatusCode() int { return crw.statusCode }

// Flush implements http.Flusher.
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
