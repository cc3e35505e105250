package transport

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmaxmax/eventsource/internal/parser"
)

// Kind tells what happened on a connection.
type Kind int

const (
	// KindOpened is reported every time a response is accepted by the validator.
	KindOpened Kind = iota
	// KindMessage is reported for every complete event received.
	KindMessage
	// KindError is reported when the stream fails or ends and a reconnection will be attempted.
	KindError
	// KindClosed is reported exactly once, when Connect is about to return.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// DefaultEventName is the name given to events which don't have an event field.
const DefaultEventName = "message"

// The Event struct describes something that happened on a connection.
type Event struct {
	Kind Kind
	// The event's name, for KindMessage. It is DefaultEventName if the event is unnamed.
	Name string
	// The event's payload, for KindMessage.
	Data string
	// The last non-empty ID of all the events received. This may not be
	// the ID of the latest event!
	LastEventID string
	// The reason of a KindError or KindClosed event.
	Err error
}

// A Handler receives the events of a connection. It is called from the
// goroutine that runs Connect, one event at a time, in the order they happened.
type Handler func(Event)

// Connection is a connection to an events stream. Created using the Client struct,
// a Connection reads the incoming events and reports them to its handler.
// If the connection to the server temporarily fails or the stream ends, the connection
// will be reattempted. Retry values received from servers will be taken into account.
type Connection struct {
	request *http.Request
	handler Handler
	client  Client

	base        *backoff.ExponentialBackOff
	lastEventID string
	isRetry     bool
	attempt     int
}

func (c *Connection) fail(step Step, err error) error {
	e := &Error{Req: c.request, Step: step, Attempt: c.attempt, Err: err}
	return e.classify()
}

func (c *Connection) resetRequest() error {
	if !c.isRetry {
		c.isRetry = true
		return nil
	}
	if err := resetRequestBody(c.request); err != nil {
		return c.fail(StepReset, err)
	}
	if c.lastEventID == "" {
		c.request.Header.Del("Last-Event-ID")
	} else {
		c.request.Header.Set("Last-Event-ID", c.lastEventID)
	}
	return nil
}

func (c *Connection) dispatch(name, data string) {
	// An event without data is not dispatched, but its name is still discarded.
	if data == "" {
		return
	}
	if name == "" {
		name = DefaultEventName
	}

	c.handler(Event{
		Kind:        KindMessage,
		Name:        name,
		Data:        data[:len(data)-1],
		LastEventID: c.lastEventID,
	})
}

func (c *Connection) read(r io.Reader, reset func()) error {
	p := parser.New(r)
	p.Buffer(make([]byte, 0, min(4096, c.client.MaxEventSize)), c.client.MaxEventSize)

	var (
		data strings.Builder
		name string
	)

	for f := (parser.Field{}); p.Next(&f); {
		switch f.Name {
		case parser.FieldNameData:
			data.WriteString(f.Value)
			data.WriteByte('\n')
		case parser.FieldNameEvent:
			name = f.Value
		case parser.FieldNameID:
			// empty IDs are valid, only IDs that contain the null byte must be ignored:
			// https://html.spec.whatwg.org/multipage/server-sent-events.html#event-stream-interpretation
			if strings.IndexByte(f.Value, 0) != -1 {
				break
			}
			c.lastEventID = f.Value
		case parser.FieldNameRetry:
			n, err := strconv.ParseUint(f.Value, 10, 63)
			if err != nil || n == 0 {
				break
			}
			c.base.InitialInterval = time.Duration(n) * time.Millisecond
			if c.base.MaxInterval < c.base.InitialInterval {
				c.base.MaxInterval = c.base.InitialInterval
			}
			reset()
		default:
			c.dispatch(name, data.String())
			data.Reset()
			name = ""
		}
	}

	if err := c.request.Context().Err(); err != nil {
		return backoff.Permanent(err)
	}

	err := p.Err()
	if err == nil || err == parser.ErrUnexpectedEOF { //nolint:errorlint // parser returns the sentinel unwrapped
		err = io.EOF
	}

	return c.fail(StepRead, err)
}

// Connect sends the request the connection was created with to the server
// and, if successful, it starts receiving events. The caller goroutine
// is blocked until the request's context is done or the connection gives up.
//
// Connect always returns a non-nil error: the request context's error if it was
// cancelled, the last connection error otherwise. When the stream fails or the server
// ends it, the connection is reattempted for the number of times the Client is
// configured with, using an exponential backoff that has the initial time set to either
// the client's default value or to the retry value received from the server.
// If an error is permanent (e.g. the response is rejected by the validator, or a line
// of the stream is longer than the client's MaxEventSize), no retries are done.
// Connection errors are of type *transport.Error.
//
// The handler receives KindClosed right before Connect returns. Connect cannot be
// called twice for the same connection.
func (c *Connection) Connect() error {
	b, base := c.client.newBackoff(c.request.Context())

	c.base = base
	c.request.Header.Set("Accept", "text/event-stream")
	c.request.Header.Set("Cache-Control", "no-cache")

	op := func() error {
		c.attempt++
		if err := c.resetRequest(); err != nil {
			return err
		}

		res, err := c.client.do(c.request)
		if err != nil {
			if ctxErr := c.request.Context().Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return c.fail(StepRequest, err)
		}
		defer res.Body.Close()

		if err := c.client.ResponseValidator(res); err != nil {
			return c.fail(StepValidate, err)
		}

		b.Reset()
		c.handler(Event{Kind: KindOpened, LastEventID: c.lastEventID})

		err = c.read(res.Body, b.Reset)
		c.attempt = 0

		return err
	}

	notify := func(err error, d time.Duration) {
		c.handler(Event{Kind: KindError, LastEventID: c.lastEventID, Err: err})
		if c.client.OnRetry != nil {
			c.client.OnRetry(err, d)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	c.handler(Event{Kind: KindClosed, LastEventID: c.lastEventID, Err: err})

	return err
}

func resetRequestBody(r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if r.GetBody == nil {
		return ErrNoGetBody
	}
	body, err := r.GetBody()
	if err != nil {
		return err
	}
	r.Body = body
	return nil
}
