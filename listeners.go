package eventsource

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

type listener struct {
	eventType string
	fn        ListenerFunc
}

// listenerTable owns the listener registrations of an EventSource.
//
// Delivery takes a snapshot of the matching listeners and calls them without holding
// mu, so listeners may change the table; changes apply from the next event on.
// deliverMu serializes deliveries and is the fence closing relies on: once the table
// is marked closed and deliverMu was acquired, no listener is running or will run.
type listenerTable struct {
	mu        sync.Mutex
	lastID    ListenerID
	order     []ListenerID
	listeners map[ListenerID]listener
	closed    bool

	deliverMu sync.Mutex
}

func validateEventType(eventType string) error {
	if eventType == "" {
		return errEmptyEventType
	}
	if strings.ContainsAny(eventType, "\r\n") {
		return errNewlineEventType
	}
	return nil
}

func (t *listenerTable) add(eventType string, fn ListenerFunc) (ListenerID, error) {
	if fn == nil {
		return 0, &RegistrationError{EventType: eventType, Err: errNilListener}
	}
	if err := validateEventType(eventType); err != nil {
		return 0, &RegistrationError{EventType: eventType, Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listeners == nil {
		t.listeners = map[ListenerID]listener{}
	}

	t.lastID++
	id := t.lastID
	t.listeners[id] = listener{eventType: eventType, fn: fn}
	t.order = append(t.order, id)

	return id, nil
}

// remove deletes a registration and returns the event type it was for.
func (t *listenerTable) remove(id ListenerID) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.listeners[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	delete(t.listeners, id)
	if i := slices.Index(t.order, id); i != -1 {
		t.order = slices.Delete(t.order, i, i+1)
	}

	return l.eventType, nil
}

// snapshot returns, in registration order, the listeners of eventType,
// or all of them if eventType is empty.
func (t *listenerTable) snapshot(eventType string) []ListenerFunc {
	fns := make([]ListenerFunc, 0, len(t.order))
	for _, id := range t.order {
		if l := t.listeners[id]; eventType == "" || l.eventType == eventType {
			fns = append(fns, l.fn)
		}
	}
	return fns
}

func (t *listenerTable) deliver(e Event) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	fns := t.snapshot(e.Type)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// markClosed reports whether the table was open, and if so returns the listeners
// registered at this moment.
func (t *listenerTable) markClosed() (bool, []ListenerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, nil
	}
	t.closed = true

	return true, t.snapshot("")
}

// shut closes the table without notifying anybody.
func (t *listenerTable) shut() {
	t.markClosed()
	t.deliverMu.Lock()
	t.deliverMu.Unlock() //nolint:staticcheck // fence
}

// terminate closes the table and delivers e to every listener, once.
// It reports whether this call closed the table.
func (t *listenerTable) terminate(e Event) bool {
	ok, fns := t.markClosed()
	if !ok {
		return false
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	for _, fn := range fns {
		fn(e)
	}

	return true
}
