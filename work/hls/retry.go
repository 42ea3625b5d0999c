package hls

import (
	"context"
	"errors"
	"time"

	"kptv-relay/work/logger"
	"kptv-relay/work/utils"
)

type retryPolicy struct {
	maxRetry       int
	delay          time.Duration
	errType        ErrorType
	details        string
	timeoutDetails string
}

func manifestPolicy(cfg Config) retryPolicy {
	return retryPolicy{cfg.ManifestLoadingMaxRetry, cfg.ManifestLoadingRetryDelay, NetworkError, ManifestLoadError, ManifestLoadTimeOut}
}

func levelPolicy(cfg Config) retryPolicy {
	return retryPolicy{cfg.LevelLoadingMaxRetry, cfg.LevelLoadingRetryDelay, NetworkError, LevelLoadError, LevelLoadTimeOut}
}

func fragPolicy(cfg Config) retryPolicy {
	return retryPolicy{cfg.FragLoadingMaxRetry, cfg.FragLoadingRetryDelay, NetworkError, FragLoadError, FragLoadTimeOut}
}

func keyPolicy(cfg Config) retryPolicy {
	return retryPolicy{cfg.FragLoadingMaxRetry, cfg.FragLoadingRetryDelay, NetworkError, KeyLoadError, KeyLoadTimeOut}
}

// retry runs fn up to maxRetry+1 times. Every failure that will be retried is
// reported as a non-fatal error; the last one is reported fatal and returned.
// Cancellation of the client ends the loop silently.
func (c *Client) retry(p retryPolicy, rawURL string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}

		data := &ErrorData{Type: p.errType, Details: p.details, URL: rawURL, Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			data.Details = p.timeoutDetails
		}
		var se *statusError
		if errors.As(err, &se) {
			data.StatusCode = se.code
		}

		if attempt >= p.maxRetry {
			c.fail(data)
			return data
		}

		logger.Debug("{hls/retry - retry} %s attempt %d/%d failed for %s: %v",
			p.details, attempt+1, p.maxRetry+1, utils.LogURL(c.cfg.Obfuscate, rawURL), err)
		c.emit(Event{Type: EventError, Error: data})

		if !c.sleep(p.delay) {
			return c.ctx.Err()
		}
	}
}
