package fallback

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"kptv-relay/work/logger"
	"kptv-relay/work/session"
	"kptv-relay/work/utils"
)

var (
	ErrInactive    = errors.New("fallback: only available after every proxy failed")
	ErrNoClipboard = errors.New("fallback: no clipboard available")
)

// Clipboard places text on the platform clipboard.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
}

// CommandClipboard pipes text into a clipboard program's stdin.
type CommandClipboard struct {
	Name string
	Args []string
}

// WriteText runs the command with text on stdin.
func (c CommandClipboard) WriteText(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", c.Name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// known clipboard programs, in preference order
var candidates = []CommandClipboard{
	{Name: "wl-copy"},
	{Name: "xclip", Args: []string{"-selection", "clipboard"}},
	{Name: "xsel", Args: []string{"--clipboard", "--input"}},
	{Name: "pbcopy"},
	{Name: "clip.exe"},
}

// DetectClipboard returns the configured command, or the first known
// clipboard program found on PATH. It returns nil when none is available.
func DetectClipboard(command []string) Clipboard {
	if len(command) > 0 && command[0] != "" {
		return CommandClipboard{Name: command[0], Args: command[1:]}
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c.Name); err == nil {
			logger.Debug("{fallback/fallback - DetectClipboard} Using %s", c.Name)
			return c
		}
	}
	return nil
}

// Result reports a copy attempt. Manual is set when the user has to copy URL
// by hand.
type Result struct {
	URL    string `json:"url"`
	Copied bool   `json:"copied"`
	Manual bool   `json:"manual"`
	Err    error  `json:"-"`
	Error  string `json:"error,omitempty"`
}

// Advisor exposes the original stream URL for use in an external player
// once playback through every proxy has failed. It never touches the session.
type Advisor struct {
	req     session.StreamRequest
	clip    Clipboard
	timeout time.Duration
	active  atomic.Bool
	obf     bool
}

// New creates an inactive advisor for req. clip may be nil.
func New(req session.StreamRequest, clip Clipboard, obfuscate bool) *Advisor {
	return &Advisor{req: req, clip: clip, timeout: 5 * time.Second, obf: obfuscate}
}

// SetActive shows or hides the fallback path.
func (a *Advisor) SetActive(active bool) { a.active.Store(active) }

// Active reports whether the fallback path is shown.
func (a *Advisor) Active() bool { return a.active.Load() }

// GetFallbackURL returns the original, unproxied stream URL.
func (a *Advisor) GetFallbackURL() string { return a.req.URL }

// Copy tries once to put the URL on the clipboard. On failure the URL is
// handed back for manual copy.
func (a *Advisor) Copy(ctx context.Context) Result {
	res := Result{URL: a.req.URL}
	if !a.Active() {
		res.Err = ErrInactive
		res.Error = res.Err.Error()
		return res
	}

	err := ErrNoClipboard
	if a.clip != nil {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		err = a.clip.WriteText(ctx, a.req.URL)
		cancel()
	}

	if err != nil {
		logger.Info("{fallback/fallback - Copy} Clipboard unavailable for %s, manual copy: %v",
			utils.LogURL(a.obf, a.req.URL), err)
		res.Manual = true
		res.Err = err
		res.Error = err.Error()
		return res
	}

	res.Copied = true
	return res
}

// Playlist renders a one-entry M3U document for external players.
func (a *Advisor) Playlist() string {
	title := strings.NewReplacer("\r", " ", "\n", " ", ",", " ").Replace(a.req.Title)
	return "#EXTM3U\n#EXTINF:-1," + title + "\n" + a.req.URL + "\n"
}

// FileName is the download name for Playlist.
func (a *Advisor) FileName() string {
	return utils.SanitizeFileName(a.req.Title) + ".m3u"
}
