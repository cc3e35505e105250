package realtime_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/eventsource/realtime"
)

func TestHTTPRegistrar_Register(t *testing.T) {
	t.Parallel()

	type request struct {
		contentType, auth, body string
	}
	requests := make(chan request, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method, "invalid method")
		body, _ := io.ReadAll(r.Body)
		requests <- request{r.Header.Get("Content-Type"), r.Header.Get("Authorization"), string(body)}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)

	r := &realtime.HTTPRegistrar{URL: ts.URL, Client: ts.Client(), Header: http.Header{"Authorization": []string{"token"}}}

	require.NoError(t, r.Register(context.Background(), "c1", []string{"posts", "users"}))
	require.Equal(t, request{"application/json", "token", `{"clientId":"c1","subscriptions":["posts","users"]}`}, <-requests, "invalid request")

	require.NoError(t, r.Register(context.Background(), "c1", nil))
	require.Equal(t, `{"clientId":"c1","subscriptions":[]}`, (<-requests).body, "an empty set must be sent as an empty array")
}

func TestHTTPRegistrar_Register_errors(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid client id"}`, http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)

	var perr *realtime.PostError

	r := &realtime.HTTPRegistrar{URL: ts.URL, Client: ts.Client()}
	require.ErrorAs(t, r.Register(context.Background(), "c1", []string{"posts"}), &perr, "expected post error")
	require.Equal(t, http.StatusNotFound, perr.StatusCode, "invalid status code")
	require.Equal(t, "realtime: subscription request rejected with status 404 Not Found", perr.Error(), "invalid message")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Register(ctx, "c1", []string{"posts"})
	require.ErrorAs(t, err, &perr, "expected post error")
	require.Zero(t, perr.StatusCode, "no response was received")
	require.ErrorIs(t, err, context.Canceled, "expected the context error")

	r = &realtime.HTTPRegistrar{URL: "://invalid"}
	require.ErrorAs(t, r.Register(context.Background(), "c1", nil), &perr, "invalid URL")
}
