package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"kptv-relay/work/logger"
)

// gzipWriterPool holds reusable gzip writers so a compressed response does not
// allocate a fresh compressor. Writers start at BestSpeed: view state is polled
// often and small, so latency matters more than ratio.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter routes body writes through a pooled gzip writer while
// headers and status still go to the wrapped ResponseWriter. It remembers
// whether the header went out so the status is written exactly once.
type gzipResponseWriter struct {
	io.Writer                // pooled gzip writer receiving the body
	http.ResponseWriter      // original writer for headers and status
	wroteHeader         bool // set once WriteHeader has run
}

// WriteHeader sends status once. Content-Length set by the handler describes
// the uncompressed body, so it is dropped before the header goes out.
func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

// Write compresses b. A handler that never called WriteHeader gets an
// implicit 200 on its first write, matching net/http.
func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush drains the compressor's internal buffer and then flushes the
// underlying writer, so incremental responses reach the client as they are
// produced instead of when the handler returns.
func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap exposes the original writer to http.ResponseController.
func (w *gzipResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// acceptsGzip reports whether the request lists gzip as a coding in
// Accept-Encoding. Quality parameters are ignored; "br, gzip;q=0.8" accepts.
func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "gzip") {
			return true
		}
	}
	return false
}

// GzipMiddleware wraps next with transparent gzip response compression.
// Requests that advertise gzip get a pooled writer reset onto the response;
// everything else, HEAD included, reaches next untouched. Vary is always set
// so shared caches keep both representations apart.
//
// The pooled writer is closed and returned in a deferred call, so it goes
// back to the pool even when next panics.
//
// Parameters:
//   - next: handler whose response body is compressed
//
// Returns:
//   - http.HandlerFunc: the wrapped handler
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")

		if r.Method == http.MethodHead || !acceptsGzip(r) {
			next(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression - GzipMiddleware} Failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		next(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}
