package eventsource

import (
	"errors"
	"fmt"
)

// ConnectionError is returned by New when the stream can't be set up.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("eventsource: cannot connect to %q: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RegistrationError is returned by Subscribe when a listener can't be attached.
type RegistrationError struct {
	EventType string
	Err       error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("eventsource: cannot listen to %q: %v", e.EventType, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

var (
	// ErrNotFound is returned by Unsubscribe for IDs without a live registration.
	ErrNotFound = errors.New("eventsource: listener not found")
	// ErrInvalidURL is wrapped by the ConnectionError returned for URLs that aren't absolute HTTP(S) URLs.
	ErrInvalidURL = errors.New("URL must be absolute and use the http or https scheme")

	errEmptyEventType   = errors.New("event type is empty")
	errNewlineEventType = errors.New("event type contains a newline")
	errNilListener      = errors.New("listener is nil")
)
