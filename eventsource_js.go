//go:build js && wasm

package eventsource

import (
	"errors"
	"fmt"
	"sync"
	"syscall/js"
)

// EventSource wraps the browser's EventSource object.
// Its methods are safe for concurrent use.
//
// Browser callbacks only queue the events; a goroutine owned by the EventSource
// delivers them in order, so listeners may block, for example on HTTP requests,
// which under WebAssembly need the JavaScript event loop to make progress.
type EventSource struct {
	url    string
	es     js.Value
	table  listenerTable
	logger Logger

	mu        sync.Mutex
	attached  map[string]int
	onMessage js.Func
	onOpen    js.Func
	onError   js.Func

	queueMu sync.Mutex
	queue   []Event
	signal  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

var _ Source = (*EventSource)(nil)

func jsError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// New creates a browser EventSource for url, which is resolved against the document's URL.
// It fails with a *ConnectionError if the browser has no EventSource or rejects the URL.
func New(url string, opts ...Option) (es *EventSource, err error) {
	o := newOptions(opts)

	ctor := js.Global().Get("EventSource")
	if ctor.IsUndefined() {
		return nil, &ConnectionError{URL: url, Err: errors.New("EventSource is not supported")}
	}

	defer func() {
		if r := recover(); r != nil {
			es, err = nil, &ConnectionError{URL: url, Err: jsError(r)}
		}
	}()

	init := js.Global().Get("Object").New()
	init.Set("withCredentials", o.withCredentials)

	es = &EventSource{
		url:      url,
		es:       ctor.New(url, init),
		logger:   o.logger,
		attached: map[string]int{},
		signal:   make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}

	es.onMessage = js.FuncOf(func(_ js.Value, args []js.Value) any {
		e := args[0]
		es.push(Event{
			Kind:        KindMessage,
			Type:        e.Get("type").String(),
			Data:        e.Get("data").String(),
			LastEventID: e.Get("lastEventId").String(),
		})
		return nil
	})
	es.onOpen = js.FuncOf(func(_ js.Value, _ []js.Value) any {
		es.logger.Printf("eventsource: connected to %s", es.url)
		return nil
	})
	es.onError = js.FuncOf(func(_ js.Value, _ []js.Value) any {
		// The browser closes the stream for good on fatal errors, and reconnects otherwise.
		if es.State() == Closed {
			es.push(Event{Kind: KindTerminal, Type: EventError, Data: "stream closed by the browser"})
		} else {
			es.logger.Printf("eventsource: reconnecting to %s", es.url)
			es.push(Event{Kind: KindError, Type: EventError, Data: "connection lost"})
		}
		return nil
	})

	es.es.Call("addEventListener", "open", es.onOpen)
	es.es.Call("addEventListener", "error", es.onError)

	go es.run()

	return es, nil
}

func (es *EventSource) push(e Event) {
	es.queueMu.Lock()
	es.queue = append(es.queue, e)
	es.queueMu.Unlock()

	select {
	case es.signal <- struct{}{}:
	default:
	}
}

func (es *EventSource) pop() (Event, bool) {
	es.queueMu.Lock()
	defer es.queueMu.Unlock()

	if len(es.queue) == 0 {
		return Event{}, false
	}
	e := es.queue[0]
	es.queue = es.queue[1:]
	return e, true
}

func (es *EventSource) run() {
	for {
		select {
		case <-es.stopped:
			return
		case <-es.signal:
		}

		for e, ok := es.pop(); ok; e, ok = es.pop() {
			if e.Kind == KindTerminal {
				es.table.terminate(e)
				es.release()
				return
			}
			es.table.deliver(e)
		}
	}
}

// URL returns the URL the EventSource was created with.
func (es *EventSource) URL() string {
	return es.url
}

// State returns the browser EventSource's readyState.
func (es *EventSource) State() ReadyState {
	switch es.es.Get("readyState").Int() {
	case 0:
		return Connecting
	case 1:
		return Open
	default:
		return Closed
	}
}

func (es *EventSource) attach(eventType string) (err error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.attached[eventType]++
	if eventType == EventError || es.attached[eventType] > 1 {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			es.attached[eventType]--
			err = jsError(r)
		}
	}()

	es.es.Call("addEventListener", eventType, es.onMessage)

	return nil
}

func (es *EventSource) detach(eventType string) {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.attached[eventType]--
	if es.attached[eventType] > 0 {
		return
	}
	delete(es.attached, eventType)
	if eventType != EventError {
		es.es.Call("removeEventListener", eventType, es.onMessage)
	}
}

// Subscribe registers fn to be called for every future event of the given type.
// Use EventMessage for events without an event field and EventError to also be told
// about reconnections. Every listener, whatever its type, receives the KindTerminal event.
//
// Subscribe fails with a *RegistrationError if fn is nil, the event type is empty or
// contains a newline, or the browser refuses the listener.
func (es *EventSource) Subscribe(eventType string, fn ListenerFunc) (ListenerID, error) {
	id, err := es.table.add(eventType, fn)
	if err != nil {
		return 0, err
	}
	if err := es.attach(eventType); err != nil {
		_, _ = es.table.remove(id)
		return 0, &RegistrationError{EventType: eventType, Err: err}
	}
	return id, nil
}

// Unsubscribe removes the registration with the given ID. It returns an error wrapping
// ErrNotFound if there is none.
func (es *EventSource) Unsubscribe(id ListenerID) error {
	eventType, err := es.table.remove(id)
	if err != nil {
		return err
	}
	es.detach(eventType)
	return nil
}

func (es *EventSource) release() {
	es.once.Do(func() {
		es.es.Call("close")
		close(es.stopped)

		es.mu.Lock()
		for eventType := range es.attached {
			if eventType != EventError {
				es.es.Call("removeEventListener", eventType, es.onMessage)
			}
		}
		es.attached = map[string]int{}
		es.mu.Unlock()

		es.es.Call("removeEventListener", "open", es.onOpen)
		es.es.Call("removeEventListener", "error", es.onError)
		es.onMessage.Release()
		es.onOpen.Release()
		es.onError.Release()
	})
}

// Close stops the stream without notifying listeners. No listener runs after Close returns.
// Calling Close more than once is a no-op.
func (es *EventSource) Close() {
	es.table.shut()
	es.release()
}

// CloseAndNotify stops the stream and delivers a KindTerminal event to every listener
// registered at the time of the call. No other event is delivered after CloseAndNotify
// returns. If the EventSource is already closed this is a no-op.
func (es *EventSource) CloseAndNotify() {
	es.table.terminate(Event{Kind: KindTerminal, Type: EventError, Data: "closed by client"})
	es.release()
}
