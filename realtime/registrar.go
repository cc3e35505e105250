package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// A Registrar tells the server which topics a client is interested in.
// Every call carries the full topic set, replacing the previous one.
type Registrar interface {
	Register(ctx context.Context, clientID string, topics []string) error
}

// PostError is returned when announcing the topics to the server fails.
// The local subscriptions are kept and announced again after the next handshake.
type PostError struct {
	// The response status code, or zero if no response was received.
	StatusCode int
	Err        error
}

func (e *PostError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime: subscription request rejected with status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("realtime: subscription request failed: %v", e.Err)
}

func (e *PostError) Unwrap() error {
	return e.Err
}

// HTTPRegistrar POSTs {"clientId": ..., "subscriptions": [...]} as JSON to URL.
// Any 2xx response means the topics were accepted; the response body is ignored.
type HTTPRegistrar struct {
	URL string
	// Defaults to http.DefaultClient.
	Client *http.Client
	// Additional request headers, for example authorization.
	Header http.Header
}

// Register implements Registrar. Bound its duration with the context.
func (r *HTTPRegistrar) Register(ctx context.Context, clientID string, topics []string) error {
	if topics == nil {
		topics = []string{}
	}

	body, err := json.Marshal(subscribePayload{ClientID: clientID, Subscriptions: topics})
	if err != nil {
		return &PostError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return &PostError{Err: err}
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return &PostError{Err: err}
	}
	defer res.Body.Close()

	// Drain a bit so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &PostError{StatusCode: res.StatusCode}
	}

	return nil
}
