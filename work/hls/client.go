package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grafov/m3u8"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/ratelimit"

	"kptv-relay/work/logger"
	"kptv-relay/work/utils"
)

var (
	ErrDestroyed      = errors.New("hls: client destroyed")
	ErrAlreadyLoading = errors.New("hls: source already loading")
	ErrInvalidSource  = errors.New("hls: source must be an absolute http(s) URL")
)

// Media receives decoded transport stream bytes. Append must not retain data
// after it returns.
type Media interface {
	Append(data []byte) error
}

// IsSupported reports whether adaptive playback is available in this build.
func IsSupported() bool { return true }

// Client loads one HLS source: the manifest, one selected level and its
// segments, which are appended to the attached Media. A Client is single use;
// after a fatal error or Destroy a new one must be created.
//
// Every request goes through cfg.Loader, which is where a proxy adapter
// rewrites URLs. Relative URIs are resolved against the logical playlist URL,
// never against a rewritten one, so each request is rewritten exactly once.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter ratelimit.Limiter
	tracker *SegmentTracker

	mu        sync.Mutex
	handlers  map[EventType][]Handler
	media     Media
	source    string
	started   bool
	destroyed bool

	attached   chan struct{}
	attachOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	keys map[string][]byte // loader goroutine only
}

// New creates an idle client from cfg after filling unset knobs with their
// defaults. Nothing is fetched until LoadSource.
//
// Parameters:
//   - cfg: loader, retry budgets, pacing and variant strategy
//
// Returns:
//   - *Client: a client ready for On, AttachMedia and LoadSource
func New(cfg Config) *Client {
	cfg.normalize()

	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: cfg.Loader},
		limiter:  limiter,
		tracker:  NewSegmentTracker(cfg.TrackerSize),
		handlers: make(map[EventType][]Handler),
		attached: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		keys:     make(map[string][]byte),
	}
}

// On registers h for events of type t. Handlers run on the loader goroutine
// in registration order and must not call Destroy.
func (c *Client) On(t EventType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// LoadSource starts loading src in the background. The outcome arrives as
// events: ManifestParsed once the manifest and level are usable, Error with
// Fatal set when a retry budget is spent.
//
// Returns ErrInvalidSource for anything but an absolute http(s) URL,
// ErrDestroyed after Destroy and ErrAlreadyLoading on a second call.
func (c *Client) LoadSource(src string) error {
	if !utils.IsAbsoluteHTTP(src) {
		return ErrInvalidSource
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return ErrDestroyed
	}
	if c.started {
		return ErrAlreadyLoading
	}
	c.started = true
	c.source = src

	c.wg.Add(1)
	go c.run(src)
	return nil
}

// AttachMedia sets the segment sink. Segment loading waits until media is
// attached; manifest and level loading do not.
func (c *Client) AttachMedia(m Media) {
	c.mu.Lock()
	c.media = m
	c.mu.Unlock()

	if m != nil {
		c.attachOnce.Do(func() { close(c.attached) })
	}
}

// Destroy stops all loading and returns once the loader goroutine has exited.
// No events are delivered after Destroy returns. Must not be called from a
// Handler.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	src := c.source
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.tracker.Clear()

	logger.Debug("{hls/client - Destroy} Client destroyed for %s", utils.LogURL(c.cfg.Obfuscate, src))
}

// emit delivers ev to a snapshot of the registered handlers. Events raised
// after Destroy are dropped.
func (c *Client) emit(ev Event) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	hs := append([]Handler(nil), c.handlers[ev.Type]...)
	c.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// fail marks data fatal, logs it and delivers it. The loader stops after.
func (c *Client) fail(data *ErrorData) {
	data.Fatal = true
	logger.Warn("{hls/client - fail} %s: %v", utils.LogURL(c.cfg.Obfuscate, data.URL), data)
	c.emit(Event{Type: EventError, Error: data})
}

// run is the loader goroutine. It fetches and decodes the manifest, picks a
// level from a master playlist, announces ManifestParsed and then waits for
// media to be attached before handing over to playLevel. Any failure past the
// retry budget ends the goroutine with a fatal Error event.
func (c *Client) run(src string) {
	defer c.wg.Done()

	logger.Debug("{hls/client - run} Loading manifest %s", utils.LogURL(c.cfg.Obfuscate, src))

	var body []byte
	err := c.retry(manifestPolicy(c.cfg), src, func() error {
		buf, err := c.fetch(KindManifest, src)
		if err != nil {
			return err
		}
		body = append([]byte(nil), buf.B...)
		bytebufferpool.Put(buf)
		return nil
	})
	if err != nil {
		return
	}

	pl, listType, err := c.decode(body)
	if err != nil {
		if c.ctx.Err() == nil {
			c.fail(&ErrorData{Type: NetworkError, Details: ManifestParsingError, URL: src, Err: err})
		}
		return
	}

	var (
		levels   []Level
		selected int
		media    *m3u8.MediaPlaylist
		levelURL = src
	)

	switch listType {
	case m3u8.MASTER:
		levels = levelsFromMaster(pl.(*m3u8.MasterPlaylist), src)
		if len(levels) == 0 {
			c.fail(&ErrorData{Type: NetworkError, Details: ManifestParsingError, URL: src,
				Err: errors.New("no playable variants in master playlist")})
			return
		}
		selected = SelectLevel(levels, c.cfg.VariantStrategy)
		levelURL = levels[selected].URL
		logger.Debug("{hls/client - run} Master playlist with %d levels, selected %d (%d kbps)",
			len(levels), selected, levels[selected].Bandwidth/1000)
	case m3u8.MEDIA:
		media = pl.(*m3u8.MediaPlaylist)
		levels = []Level{{URL: src}}
	default:
		c.fail(&ErrorData{Type: NetworkError, Details: ManifestParsingError, URL: src,
			Err: errors.New("unrecognised playlist type")})
		return
	}

	c.emit(Event{Type: EventManifestParsed, Levels: levels, Level: selected})

	if media == nil {
		if media, err = c.loadLevel(levelURL); err != nil {
			return
		}
	}

	select {
	case <-c.attached:
	case <-c.ctx.Done():
		return
	}

	c.playLevel(levelURL, selected, media)
}

// playLevel delivers segments of one level until the playlist ends, the
// level stalls or the client is destroyed.
//
// Live playlists are reloaded every refreshInterval. A reload that yields no
// unseen segment does not reset the stall clock; once StallTimeout passes
// without new media the level is reported as stalled.
func (c *Client) playLevel(levelURL string, level int, pl *m3u8.MediaPlaylist) {
	lastNew := time.Now()

	for {
		c.emit(Event{Type: EventLevelLoaded, URL: levelURL, Level: level})

		n, err := c.processSegments(levelURL, pl)
		if err != nil {
			return
		}
		if n > 0 {
			lastNew = time.Now()
		}

		if pl.Closed {
			logger.Debug("{hls/client - playLevel} Playlist ended: %s", utils.LogURL(c.cfg.Obfuscate, levelURL))
			c.emit(Event{Type: EventEnded, URL: levelURL, Level: level})
			return
		}

		if n == 0 {
			if stalled := time.Since(lastNew); stalled > c.cfg.StallTimeout {
				c.fail(&ErrorData{Type: NetworkError, Details: LevelStalledError, URL: levelURL,
					Err: fmt.Errorf("no new segments for %v", stalled.Truncate(time.Millisecond))})
				return
			}
		}

		if !c.sleep(c.refreshInterval(pl)) {
			return
		}

		if pl, err = c.loadLevel(levelURL); err != nil {
			return
		}
	}
}

// processSegments fetches, decrypts and appends every segment of pl the
// tracker has not seen yet, returning how many were delivered.
func (c *Client) processSegments(levelURL string, pl *m3u8.MediaPlaylist) (int, error) {
	key := pl.Key
	processed := 0

	for i, seg := range pl.Segments {
		// the decoder leaves unused capacity as nil entries
		if seg == nil {
			continue
		}
		if seg.Key != nil {
			key = seg.Key
		}
		if c.ctx.Err() != nil {
			return processed, c.ctx.Err()
		}

		seq := pl.SeqNo + uint64(i)
		segURL := resolveURL(levelURL, seg.URI)
		if c.tracker.HasProcessed(segURL) {
			continue
		}

		data, err := c.loadFragment(levelURL, segURL, seq, key)
		if err != nil {
			return processed, err
		}

		size := len(data.B)
		c.appendMedia(segURL, data.B)
		bytebufferpool.Put(data)

		c.tracker.MarkProcessed(segURL)
		processed++
		c.emit(Event{Type: EventFragLoaded, URL: segURL, SeqNo: seq, Bytes: size})
	}

	return processed, nil
}

func (c *Client) loadLevel(levelURL string) (*m3u8.MediaPlaylist, error) {
	var media *m3u8.MediaPlaylist
	err := c.retry(levelPolicy(c.cfg), levelURL, func() error {
		buf, err := c.fetch(KindLevel, levelURL)
		if err != nil {
			return err
		}
		body := append([]byte(nil), buf.B...)
		bytebufferpool.Put(buf)

		pl, listType, err := c.decode(body)
		if err != nil {
			return err
		}
		if listType != m3u8.MEDIA {
			return errors.New("level URL did not return a media playlist")
		}
		media = pl.(*m3u8.MediaPlaylist)
		return nil
	})
	return media, err
}

func (c *Client) loadFragment(levelURL, segURL string, seq uint64, key *m3u8.Key) (*bytebufferpool.ByteBuffer, error) {
	var keyBytes, iv []byte

	if key != nil && key.Method != "" && !strings.EqualFold(key.Method, methodNone) {
		if !strings.EqualFold(key.Method, methodAES128) {
			err := &ErrorData{Type: MediaError, Details: FragDecryptError, URL: segURL,
				Err: fmt.Errorf("unsupported encryption method %s", key.Method)}
			c.fail(err)
			return nil, err
		}

		var err error
		keyURL := resolveURL(levelURL, key.URI)
		if keyBytes, err = c.loadKey(keyURL); err != nil {
			return nil, err
		}
		if iv, err = segmentIV(key.IV, seq); err != nil {
			data := &ErrorData{Type: MediaError, Details: FragDecryptError, URL: segURL, Err: err}
			c.fail(data)
			return nil, data
		}
	}

	var buf *bytebufferpool.ByteBuffer
	err := c.retry(fragPolicy(c.cfg), segURL, func() error {
		b, err := c.fetch(KindFragment, segURL)
		if err != nil {
			return err
		}
		buf = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if keyBytes != nil {
		plain, err := decryptAES128(buf.B, keyBytes, iv)
		if err != nil {
			bytebufferpool.Put(buf)
			data := &ErrorData{Type: MediaError, Details: FragDecryptError, URL: segURL, Err: err}
			c.fail(data)
			return nil, data
		}
		buf.B = plain
	}

	return buf, nil
}

func (c *Client) loadKey(keyURL string) ([]byte, error) {
	if k, ok := c.keys[keyURL]; ok {
		return k, nil
	}

	var key []byte
	err := c.retry(keyPolicy(c.cfg), keyURL, func() error {
		buf, err := c.fetch(KindKey, keyURL)
		if err != nil {
			return err
		}
		defer bytebufferpool.Put(buf)
		if len(buf.B) != 16 {
			return fmt.Errorf("key is %d bytes, want 16", len(buf.B))
		}
		key = append([]byte(nil), buf.B...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.keys[keyURL] = key
	return key, nil
}

func (c *Client) appendMedia(segURL string, data []byte) {
	c.mu.Lock()
	m := c.media
	c.mu.Unlock()

	if m == nil {
		return
	}
	if err := m.Append(data); err != nil {
		e := &ErrorData{Type: MediaError, Details: BufferAppendError, URL: segURL, Err: err}
		logger.Debug("{hls/client - appendMedia} %v", e)
		c.emit(Event{Type: EventError, Error: e})
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

// fetch performs one paced GET through the loader. The caller owns the
// returned buffer and must Put it back.
func (c *Client) fetch(kind RequestKind, rawURL string) (*bytebufferpool.ByteBuffer, error) {
	c.limiter.Take()

	ctx, cancel := context.WithTimeout(WithRequestKind(c.ctx, kind), c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode}
	}

	buf := bytebufferpool.Get()
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	return buf, nil
}

// decode parses a playlist, on the worker pool when enabled. A saturated or
// released pool falls back to decoding inline.
func (c *Client) decode(body []byte) (m3u8.Playlist, m3u8.ListType, error) {
	pool := c.cfg.WorkerPool
	if !c.cfg.EnableWorker || pool == nil {
		return decodePlaylist(body)
	}

	type result struct {
		pl       m3u8.Playlist
		listType m3u8.ListType
		err      error
	}
	done := make(chan result, 1)

	if err := pool.Submit(func() {
		pl, lt, err := decodePlaylist(body)
		done <- result{pl, lt, err}
	}); err != nil {
		logger.Debug("{hls/client - decode} Worker pool unavailable (%v), decoding inline", err)
		return decodePlaylist(body)
	}

	select {
	case r := <-done:
		return r.pl, r.listType, r.err
	case <-c.ctx.Done():
		return nil, 0, c.ctx.Err()
	}
}

func decodePlaylist(body []byte) (m3u8.Playlist, m3u8.ListType, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("#EXTM3U")) {
		return nil, 0, errors.New("response is not an M3U8 playlist")
	}
	return m3u8.DecodeFrom(bytes.NewReader(body), false)
}

func (c *Client) refreshInterval(pl *m3u8.MediaPlaylist) time.Duration {
	d := time.Duration(float64(pl.TargetDuration) * float64(time.Second))
	if d <= 0 {
		d = defaultRefreshPeriod
	}
	if c.cfg.LowLatencyMode {
		d /= 2
	}
	if d < minimumRefreshPeriod {
		d = minimumRefreshPeriod
	}
	return d
}

func (c *Client) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
