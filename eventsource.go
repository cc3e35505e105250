package eventsource

import (
	"net/http"
	"strconv"

	"github.com/tmaxmax/eventsource/transport"
)

// ReadyState is the connection phase of an EventSource.
type ReadyState int32

const (
	// Connecting is the initial state, and the state while reconnecting.
	Connecting ReadyState = iota
	// Open means events are being received.
	Open
	// Closed is terminal: the EventSource was closed or the transport gave up.
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "ReadyState(" + strconv.Itoa(int(s)) + ")"
	}
}

// Kind distinguishes stream messages from the signals an EventSource synthesizes.
type Kind int

const (
	// KindMessage is an event received from the server.
	KindMessage Kind = iota
	// KindError reports a transport failure after which the EventSource reconnects.
	// It is only delivered to listeners of the "error" event type.
	KindError
	// KindTerminal is delivered once to every listener when the stream ends for good,
	// either because it was closed with CloseAndNotify or because the transport gave up.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindTerminal:
		return "terminal"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Event types with a special meaning.
const (
	// EventMessage is the type of events the server sent without an event field.
	EventMessage = transport.DefaultEventName
	// EventError is the type of KindError and KindTerminal events.
	EventError = "error"
)

// Event is a value delivered to listeners.
type Event struct {
	Kind Kind
	// The event's type. It is EventMessage for unnamed server events
	// and EventError for KindError and KindTerminal events.
	Type string
	// The event's payload. For KindError and KindTerminal events it describes the failure.
	Data string
	// The last non-empty event ID received on the stream.
	LastEventID string
}

// IsTerminal reports whether this is the last event a listener will receive.
func (e Event) IsTerminal() bool {
	return e.Kind == KindTerminal
}

func (e Event) String() string {
	return e.Data
}

// ListenerID identifies a listener registration. IDs are never reused by an EventSource.
type ListenerID uint64

// ListenerFunc is the callback of a listener registration.
type ListenerFunc func(Event)

// Source is the API every EventSource backend provides.
type Source interface {
	// State returns the current connection phase.
	State() ReadyState
	// Subscribe registers fn for all future events of the given type.
	Subscribe(eventType string, fn ListenerFunc) (ListenerID, error)
	// Unsubscribe removes the registration with the given ID.
	Unsubscribe(id ListenerID) error
	// Close stops the stream without notifying listeners.
	Close()
	// CloseAndNotify stops the stream and delivers a KindTerminal event to every listener.
	CloseAndNotify()
}

// The Logger interface describes an object that can be used for logging.
type Logger interface {
	Printf(format string, args ...interface{})
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}

type options struct {
	client          *transport.Client
	header          http.Header
	logger          Logger
	withCredentials bool
}

// Option configures an EventSource.
type Option func(*options)

// WithClient sets the client used to open the stream on native targets. It controls the
// HTTP client, the response validation and the reconnection policy. The default is
// transport.DefaultClient. Ignored in the browser.
func WithClient(c *transport.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// WithHeader adds headers to the stream request on native targets, for example
// authorization. Ignored in the browser, where EventSource requests can't carry headers.
func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h.Clone()
	}
}

// WithCredentials makes the browser send cookies with cross-origin stream requests.
// Native targets send whatever the configured HTTP client's cookie jar holds.
func WithCredentials(enabled bool) Option {
	return func(o *options) {
		o.withCredentials = enabled
	}
}

// WithLogger sets a logger for connection lifecycle messages. By default nothing is logged.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		client: transport.DefaultClient,
		logger: discardLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
