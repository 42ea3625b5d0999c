package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"kptv-relay/work/buffer"
	"kptv-relay/work/logger"
	"kptv-relay/work/utils"
)

// NativeOptions configures ffmpeg driven playback.
type NativeOptions struct {
	FFmpegPath string
	PreInput   []string
	PreOutput  []string
	Obfuscate  bool
}

// Native is a Relay that can also play an HLS URL by itself, the way a
// browser with built-in HLS support plays a video source. ffmpeg reads the
// source and its transport stream output is appended to the relay.
type Native struct {
	*Relay
	opts NativeOptions
	pool *buffer.BufferPool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNative wraps relay with ffmpeg playback.
func NewNative(relay *Relay, opts NativeOptions) *Native {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	return &Native{Relay: relay, opts: opts, pool: buffer.NewBufferPool(32 * 1024)}
}

// CanPlayType reports whether mime is HLS and the ffmpeg binary can be found.
func (n *Native) CanPlayType(mime string) bool {
	if !isHLSMime(mime) {
		return false
	}
	_, err := exec.LookPath(n.opts.FFmpegPath)
	return err == nil
}

// SetSource stops any current source and starts playing url. The first bytes
// emit loadedmetadata; an ffmpeg failure emits error.
func (n *Native) SetSource(url string) error {
	n.ClearSource()

	if _, err := exec.LookPath(n.opts.FFmpegPath); err != nil {
		return fmt.Errorf("%w: %v", ErrNativePlaybackDisabled, err)
	}

	args := make([]string, 0, len(n.opts.PreInput)+len(n.opts.PreOutput)+5)
	args = append(args, n.opts.PreInput...)
	args = append(args, "-i", url)
	args = append(args, n.opts.PreOutput...)
	args = append(args, "-f", "mpegts", "-")

	logger.Debug("{media/native - SetSource} Command: %s %s", n.opts.FFmpegPath,
		strings.Replace(strings.Join(args, " "), url, utils.LogURL(n.opts.Obfuscate, url), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, n.opts.FFmpegPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// kill the whole group so helper processes exit with ffmpeg
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	n.mu.Lock()
	n.cancel = cancel
	n.done = done
	n.mu.Unlock()

	n.Relay.ResetSource()
	go n.pump(ctx, cmd, stdout, done)
	return nil
}

// ClearSource stops ffmpeg and waits for it to exit.
func (n *Native) ClearSource() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (n *Native) pump(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, done chan struct{}) {
	defer close(done)

	var total int64
	buf := n.pool.Get()
	defer n.pool.Put(buf)

	var readErr error
	for {
		c, err := stdout.Read(buf.B)
		if c > 0 {
			total += int64(c)
			if appendErr := n.Relay.Append(buf.B[:c]); appendErr != nil {
				readErr = appendErr
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		logger.Debug("{media/native - pump} ffmpeg stopped after %d bytes", total)
		return
	}

	switch {
	case readErr != nil:
		logger.Warn("{media/native - pump} Read error after %d bytes: %v", total, readErr)
		n.Relay.Fail(readErr)
	case waitErr != nil:
		logger.Warn("{media/native - pump} ffmpeg exited after %d bytes: %v", total, waitErr)
		n.Relay.Fail(fmt.Errorf("ffmpeg: %w", waitErr))
	case total == 0:
		n.Relay.Fail(errors.New("ffmpeg produced no output"))
	default:
		logger.Debug("{media/native - pump} Source ended after %d bytes", total)
		n.Relay.End()
	}
}

// Close stops playback and closes the relay.
func (n *Native) Close() {
	n.ClearSource()
	n.Relay.Close()
}
