package realtime

import (
	"net/http"
	"time"

	"github.com/tmaxmax/eventsource"
)

// DefaultTimeout bounds a single subscription announcement.
const DefaultTimeout = 10 * time.Second

type options struct {
	source          eventsource.Source
	sourceOptions   []eventsource.Option
	registrar       Registrar
	registrationURL string
	httpClient      *http.Client
	header          http.Header
	logger          eventsource.Logger
	timeout         time.Duration
	connectEvents   []string
	topicEvents     bool
}

// An Option configures a Manager.
type Option func(*options)

// WithSource makes the manager listen on an existing source instead of
// creating its own. The caller stays responsible for closing it.
func WithSource(s eventsource.Source) Option {
	return func(o *options) {
		o.source = s
	}
}

// WithSourceOptions passes options to the event source the manager creates.
func WithSourceOptions(opts ...eventsource.Option) Option {
	return func(o *options) {
		o.sourceOptions = append(o.sourceOptions, opts...)
	}
}

// WithRegistrar replaces the HTTP registrar.
func WithRegistrar(r Registrar) Option {
	return func(o *options) {
		o.registrar = r
	}
}

// WithRegistrationURL sets where the topic set is POSTed. Defaults to the stream endpoint.
func WithRegistrationURL(url string) Option {
	return func(o *options) {
		o.registrationURL = url
	}
}

// WithHTTPClient sets the client used for announcements.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithHeader sets extra headers on both the stream request and the announcements.
func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h.Clone()
		o.sourceOptions = append(o.sourceOptions, eventsource.WithHeader(h))
	}
}

// WithLogger sets the logger used to report failed announcements and session changes.
func WithLogger(l eventsource.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTimeout bounds each announcement. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithConnectEvents listens for the handshake on the given event types in
// addition to "message". PocketBase sends it as "PB_CONNECT".
func WithConnectEvents(eventTypes ...string) Option {
	return func(o *options) {
		o.connectEvents = append(o.connectEvents, eventTypes...)
	}
}

// WithTopicEvents also listens on events named after each subscribed topic.
func WithTopicEvents(enabled bool) Option {
	return func(o *options) {
		o.topicEvents = enabled
	}
}
