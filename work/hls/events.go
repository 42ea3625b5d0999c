package hls

import "fmt"

// EventType names a client event.
type EventType string

const (
	EventManifestParsed EventType = "hlsManifestParsed"
	EventLevelLoaded    EventType = "hlsLevelLoaded"
	EventFragLoaded     EventType = "hlsFragLoaded"
	EventError          EventType = "hlsError"
	EventEnded          EventType = "hlsEnded"
)

// ErrorType groups error details the way players usually report them.
type ErrorType string

const (
	NetworkError ErrorType = "networkError"
	MediaError   ErrorType = "mediaError"
	OtherError   ErrorType = "otherError"
)

// Error details.
const (
	ManifestLoadError    = "manifestLoadError"
	ManifestLoadTimeOut  = "manifestLoadTimeOut"
	ManifestParsingError = "manifestParsingError"
	LevelLoadError       = "levelLoadError"
	LevelLoadTimeOut     = "levelLoadTimeOut"
	LevelStalledError    = "levelStalledError"
	KeyLoadError         = "keyLoadError"
	KeyLoadTimeOut       = "keyLoadTimeOut"
	FragLoadError        = "fragLoadError"
	FragLoadTimeOut      = "fragLoadTimeOut"
	FragDecryptError     = "fragDecryptError"
	BufferAppendError    = "bufferAppendError"
)

// ErrorData describes one failure. Fatal errors stop the client; non-fatal
// ones are informational and the client keeps going.
type ErrorData struct {
	Type       ErrorType
	Details    string
	Fatal      bool
	URL        string
	StatusCode int
	Err        error
}

func (e *ErrorData) Error() string {
	sev := "non-fatal"
	if e.Fatal {
		sev = "fatal"
	}
	msg := fmt.Sprintf("%s %s/%s", sev, e.Type, e.Details)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ErrorData) Unwrap() error { return e.Err }

// Event is delivered to handlers registered with On. Only the fields relevant
// to Type are set.
type Event struct {
	Type   EventType
	Levels []Level    // ManifestParsed
	Level  int        // ManifestParsed, LevelLoaded: selected level index
	URL    string     // LevelLoaded, FragLoaded
	SeqNo  uint64     // FragLoaded
	Bytes  int        // FragLoaded
	Error  *ErrorData // Error
}

// Handler receives client events. Handlers run on the client's loader
// goroutine and must not block or call Destroy.
type Handler func(Event)
