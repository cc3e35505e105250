package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cenkalti/backoff/v4"
)

// Step is the part of a connection attempt that failed.
type Step int

const (
	// StepReset is preparing the request for a reconnection.
	StepReset Step = iota
	// StepRequest is sending the request and waiting for the response headers.
	StepRequest
	// StepValidate is checking the response with the ResponseValidator.
	StepValidate
	// StepRead is reading events from the response body.
	StepRead
)

func (s Step) String() string {
	switch s {
	case StepReset:
		return "unable to reset request body"
	case StepRequest:
		return "unable to execute request"
	case StepValidate:
		return "response validation failed"
	case StepRead:
		return "reading response body failed"
	default:
		return "Step(" + strconv.Itoa(int(s)) + ")"
	}
}

// Error is returned by Connect and reported with KindError events.
type Error struct {
	// The request for which the connection failed.
	Req *http.Request
	// What was being done when the attempt failed.
	Step Step
	// The attempt that failed, starting from 1. Reset when a response is accepted.
	Attempt int
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("attempt %d: %s: %v", e.Attempt, e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary returns whether the underlying error is temporary.
func (e *Error) Temporary() bool {
	var t interface{ Temporary() bool }
	return errors.As(e.Err, &t) && t.Temporary()
}

// Timeout returns whether the underlying error is caused by a timeout.
func (e *Error) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// retryable tells whether another attempt may succeed. Streams that end or
// break are always reattempted, except when a line doesn't fit the buffer,
// as the server would send it again.
func (e *Error) retryable() bool {
	switch e.Step {
	case StepReset:
		return false
	case StepRead:
		return !errors.Is(e.Err, bufio.ErrTooLong)
	default:
		return e.Temporary() || e.Timeout()
	}
}

// classify wraps the error so the retry loop stops if it is not retryable.
func (e *Error) classify() error {
	if e.retryable() {
		return e
	}
	return backoff.Permanent(e)
}

// ErrNoGetBody is a sentinel error returned when the connection cannot be reattempted
// due to GetBody not existing on the original request.
var ErrNoGetBody = errors.New("the GetBody function doesn't exist on the request")
