//go:build !js || !wasm

package eventsource

import (
	"context"
	"errors"
	"net/http"
	neturl "net/url"
	"sync/atomic"

	"github.com/tmaxmax/eventsource/transport"
)

// EventSource is a server-sent events stream consumed over HTTP.
// Its methods are safe for concurrent use.
type EventSource struct {
	url    string
	state  atomic.Int32
	table  listenerTable
	logger Logger

	conn   *transport.Connection
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Source = (*EventSource)(nil)

// New starts connecting to the stream at url, which must be an absolute HTTP(S) URL.
// The returned EventSource is in the Connecting state; connection failures are reported
// to "error" listeners, and when the transport gives up every listener receives a
// KindTerminal event.
//
// An EventSource owns a goroutine until it is closed or the transport gives up, so
// callers should always call Close or CloseAndNotify once done with it.
func New(url string, opts ...Option) (*EventSource, error) {
	o := newOptions(opts)

	u, err := neturl.Parse(url)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}
	if !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &ConnectionError{URL: url, Err: ErrInvalidURL}
	}

	ctx, cancel := context.WithCancel(context.Background())

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		cancel()
		return nil, &ConnectionError{URL: url, Err: err}
	}
	for k, vs := range o.header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}

	es := &EventSource{
		url:    url,
		logger: o.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	es.conn = o.client.NewConnection(r, es.handle)

	go es.run()

	return es, nil
}

func (es *EventSource) run() {
	defer close(es.done)

	_ = es.conn.Connect() // the outcome is reported to handle as transport.KindClosed
}

func (es *EventSource) setState(s ReadyState) {
	for {
		old := es.state.Load()
		if ReadyState(old) == Closed {
			return
		}
		if es.state.CompareAndSwap(old, int32(s)) {
			return
		}
	}
}

func (es *EventSource) handle(e transport.Event) {
	switch e.Kind {
	case transport.KindOpened:
		es.setState(Open)
		es.logger.Printf("eventsource: connected to %s", es.url)
	case transport.KindMessage:
		es.table.deliver(Event{Kind: KindMessage, Type: e.Name, Data: e.Data, LastEventID: e.LastEventID})
	case transport.KindError:
		es.setState(Connecting)
		es.logger.Printf("eventsource: reconnecting to %s: %v", es.url, e.Err)
		es.table.deliver(Event{Kind: KindError, Type: EventError, Data: e.Err.Error(), LastEventID: e.LastEventID})
	case transport.KindClosed:
		es.setState(Closed)

		reason := "stream closed"
		if e.Err != nil && !errors.Is(e.Err, context.Canceled) {
			reason = e.Err.Error()
		}
		if es.table.terminate(Event{Kind: KindTerminal, Type: EventError, Data: reason, LastEventID: e.LastEventID}) {
			es.logger.Printf("eventsource: gave up on %s: %s", es.url, reason)
		}
	}
}

// URL returns the stream's URL.
func (es *EventSource) URL() string {
	return es.url
}

// State returns the current connection phase.
func (es *EventSource) State() ReadyState {
	return ReadyState(es.state.Load())
}

// Subscribe registers fn to be called for every future event of the given type.
// Use EventMessage for events without an event field and EventError to also be told
// about reconnections. Every listener, whatever its type, receives the KindTerminal event.
//
// Subscribe fails with a *RegistrationError if fn is nil or the event type is empty or
// contains a newline, which no server can send. Subscribing is allowed in any state.
func (es *EventSource) Subscribe(eventType string, fn ListenerFunc) (ListenerID, error) {
	return es.table.add(eventType, fn)
}

// Unsubscribe removes the registration with the given ID. It returns an error wrapping
// ErrNotFound if there is none.
func (es *EventSource) Unsubscribe(id ListenerID) error {
	_, err := es.table.remove(id)
	return err
}

// Close stops the stream without notifying listeners. No listener runs after Close returns.
// Calling Close more than once is a no-op.
func (es *EventSource) Close() {
	es.setState(Closed)
	es.table.shut()
	es.stop()
}

// CloseAndNotify stops the stream and delivers a KindTerminal event to every listener
// registered at the time of the call. No other event is delivered after CloseAndNotify
// returns. If the EventSource is already closed this is a no-op.
func (es *EventSource) CloseAndNotify() {
	es.setState(Closed)
	es.table.terminate(Event{Kind: KindTerminal, Type: EventError, Data: "closed by client"})
	es.stop()
}

func (es *EventSource) stop() {
	es.cancel()
	<-es.done
}
