package session

import (
	"errors"
	"strings"

	"kptv-relay/work/utils"
)

// DefaultTitle is used when a request carries no title.
const DefaultTitle = "Stream"

var (
	ErrInvalidURL        = errors.New("session: url must be an absolute http(s) URL")
	ErrRetryUnavailable  = errors.New("session: retry is only available after every attempt failed")
	ErrControllerStopped = errors.New("session: controller stopped")
)

// StreamRequest identifies the stream a view plays. It never changes once built.
type StreamRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// NewStreamRequest validates rawURL and defaults an empty title.
func NewStreamRequest(rawURL, title string) (StreamRequest, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !utils.IsAbsoluteHTTP(rawURL) {
		return StreamRequest{}, ErrInvalidURL
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	return StreamRequest{URL: rawURL, Title: title}, nil
}
