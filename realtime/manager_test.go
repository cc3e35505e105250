package realtime_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/eventsource"
	"github.com/tmaxmax/eventsource/realtime"
)

type fakeListener struct {
	eventType string
	fn        eventsource.ListenerFunc
}

// fakeSource is an in-memory Source whose events are pushed by the test.
type fakeSource struct {
	mu        sync.Mutex
	lastID    eventsource.ListenerID
	listeners map[eventsource.ListenerID]fakeListener
	order     []eventsource.ListenerID
	state     eventsource.ReadyState
}

var _ eventsource.Source = (*fakeSource)(nil)

func newFakeSource() *fakeSource {
	return &fakeSource{listeners: map[eventsource.ListenerID]fakeListener{}}
}

func (s *fakeSource) State() eventsource.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *fakeSource) Subscribe(eventType string, fn eventsource.ListenerFunc) (eventsource.ListenerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	s.listeners[s.lastID] = fakeListener{eventType: eventType, fn: fn}
	s.order = append(s.order, s.lastID)
	return s.lastID, nil
}

func (s *fakeSource) Unsubscribe(id eventsource.ListenerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listeners[id]; !ok {
		return eventsource.ErrNotFound
	}
	delete(s.listeners, id)
	return nil
}

func (s *fakeSource) Close() {
	s.mu.Lock()
	s.state = eventsource.Closed
	s.mu.Unlock()
}

func (s *fakeSource) CloseAndNotify() {
	s.Close()
	s.push(eventsource.Event{Kind: eventsource.KindTerminal, Type: eventsource.EventError, Data: "closed by client"}, "")
}

// types returns the event types listened on, in registration order.
func (s *fakeSource) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var types []string
	for _, id := range s.order {
		if l, ok := s.listeners[id]; ok {
			types = append(types, l.eventType)
		}
	}
	return types
}

// push delivers e to the listeners of eventType, or to all listeners if eventType is empty.
func (s *fakeSource) push(e eventsource.Event, eventType string) {
	s.mu.Lock()
	var fns []eventsource.ListenerFunc
	for _, id := range s.order {
		l, ok := s.listeners[id]
		if ok && (eventType == "" || l.eventType == eventType) {
			fns = append(fns, l.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (s *fakeSource) message(eventType, data string) {
	s.push(eventsource.Event{Kind: eventsource.KindMessage, Type: eventType, Data: data}, eventType)
}

type registration struct {
	clientID string
	topics   []string
}

type fakeRegistrar struct {
	mu    sync.Mutex
	calls []registration
	err   error
	block bool
}

func (r *fakeRegistrar) Register(ctx context.Context, clientID string, topics []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, registration{clientID: clientID, topics: append([]string{}, topics...)})
	err, block := r.err, r.block
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (r *fakeRegistrar) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRegistrar) registrations() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]registration(nil), r.calls...)
}

type payloads struct {
	mu  sync.Mutex
	got []string
}

func (p *payloads) callback(payload string) {
	p.mu.Lock()
	p.got = append(p.got, payload)
	p.mu.Unlock()
}

func (p *payloads) get() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.got...)
}

var discard = log.New(io.Discard, "", 0)

func newManager(tb testing.TB, opts ...realtime.Option) (*realtime.Manager, *fakeSource, *fakeRegistrar) {
	tb.Helper()

	src, reg := newFakeSource(), &fakeRegistrar{}
	opts = append([]realtime.Option{realtime.WithSource(src), realtime.WithRegistrar(reg), realtime.WithLogger(discard)}, opts...)

	m, err := realtime.New("http://localhost/api/realtime", opts...)
	require.NoError(tb, err, "unexpected New error")
	require.NoError(tb, m.Connect(), "unexpected Connect error")

	return m, src, reg
}

func noop(string) {}

const (
	handshake  = `{"clientId":"abc123"}`
	postCreate = `{"record":{"collectionName":"posts","id":"p1"},"action":"create"}`
	userUpdate = `{"record":{"collectionName":"users","id":"u1"},"action":"update"}`
)

func TestManager_Connect(t *testing.T) {
	t.Parallel()

	m, src, _ := newManager(t, realtime.WithConnectEvents("PB_CONNECT"))
	require.Equal(t, []string{"message", "PB_CONNECT", "error"}, src.types(), "invalid listeners")

	require.NoError(t, m.Connect(), "second Connect failed")
	require.Equal(t, []string{"message", "PB_CONNECT", "error"}, src.types(), "Connect is not idempotent")
}

func TestManager_Resubscribe_noop(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t)

	require.ErrorIs(t, m.Resubscribe(context.Background()), realtime.ErrNoClientID, "expected missing client ID")

	src.message("message", handshake)
	require.ErrorIs(t, m.Resubscribe(context.Background()), realtime.ErrNoTopics, "expected missing topics")

	require.Empty(t, reg.registrations(), "no request should have been sent")
}

func TestManager_handshake(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t)

	var p payloads
	require.NoError(t, m.Subscribe(context.Background(), "posts", p.callback))
	require.NoError(t, m.Subscribe(context.Background(), "users", p.callback))
	require.Empty(t, reg.registrations(), "subscriptions must wait for the handshake")

	src.message("message", handshake)

	require.Equal(t, []registration{{clientID: "abc123", topics: []string{"posts", "users"}}}, reg.registrations(), "invalid announcement")
	require.Empty(t, p.get(), "the handshake must not reach callbacks")

	id, ok := m.ClientID()
	require.True(t, ok, "client ID should be known")
	require.Equal(t, "abc123", id, "invalid client ID")
}

func TestManager_handshake_namedEvent(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t, realtime.WithConnectEvents("PB_CONNECT"))
	require.NoError(t, m.Subscribe(context.Background(), "posts", noop))

	src.message("PB_CONNECT", handshake)

	require.Equal(t, []registration{{clientID: "abc123", topics: []string{"posts"}}}, reg.registrations(), "invalid announcement")
}

func TestManager_reconnectHandshake(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t)
	require.NoError(t, m.Subscribe(context.Background(), "posts", noop))

	src.message("message", handshake)
	src.message("message", `{"clientId":"def456"}`)

	require.Equal(t, []registration{
		{clientID: "abc123", topics: []string{"posts"}},
		{clientID: "def456", topics: []string{"posts"}},
	}, reg.registrations(), "every handshake must announce the full set")

	id, _ := m.ClientID()
	require.Equal(t, "def456", id, "the newest client ID must win")
}

func TestManager_dispatch(t *testing.T) {
	t.Parallel()

	m, src, _ := newManager(t)

	var posts1, posts2, users payloads
	require.NoError(t, m.Subscribe(context.Background(), "posts", posts1.callback))
	require.NoError(t, m.Subscribe(context.Background(), "posts", posts2.callback))
	require.NoError(t, m.Subscribe(context.Background(), "users", users.callback))

	src.message("message", postCreate)

	require.Equal(t, []string{postCreate}, posts1.get(), "first posts callback")
	require.Equal(t, []string{postCreate}, posts2.get(), "second posts callback")
	require.Empty(t, users.get(), "users callback must not see posts")

	src.message("message", userUpdate)

	require.Equal(t, []string{postCreate}, posts1.get(), "posts callback must not see users")
	require.Equal(t, []string{userUpdate}, users.get(), "users callback")
}

func TestManager_dispatch_unrecognized(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t)

	var p payloads
	require.NoError(t, m.Subscribe(context.Background(), "posts", p.callback))

	for _, data := range []string{
		`{"ping":true}`,
		`not json`,
		`{"clientId":""}`,
		`{"record":{"collectionName":"posts"},"action":"archive"}`,
		`{"record":{"collectionName":""},"action":"create"}`,
		``,
	} {
		src.message("message", data)
	}

	require.Empty(t, p.get(), "unrecognized payloads must be dropped")
	require.Empty(t, reg.registrations(), "unrecognized payloads must not announce")
	_, ok := m.ClientID()
	require.False(t, ok, "client ID must stay unset")
}

func TestManager_Subscribe_afterHandshake(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t)
	require.NoError(t, m.Subscribe(context.Background(), "posts", noop))
	src.message("message", handshake)

	require.NoError(t, m.Subscribe(context.Background(), "users", noop))
	require.NoError(t, m.Subscribe(context.Background(), "posts", noop))

	require.Equal(t, []registration{
		{clientID: "abc123", topics: []string{"posts"}},
		{clientID: "abc123", topics: []string{"posts", "users"}},
		{clientID: "abc123", topics: []string{"posts", "users"}},
	}, reg.registrations(), "invalid announcements")
}

func TestManager_Subscribe_postFailure(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t)
	src.message("message", handshake)

	rejected := &realtime.PostError{StatusCode: 400}
	reg.setErr(rejected)

	err := m.Subscribe(context.Background(), "posts", noop)
	var perr *realtime.PostError
	require.ErrorAs(t, err, &perr, "expected a post error")
	require.Equal(t, 400, perr.StatusCode, "invalid status code")
	require.Equal(t, []string{"posts"}, m.Topics(), "failed announcements must not roll back")

	reg.setErr(errors.New("connection refused"))
	err = m.Resubscribe(context.Background())
	require.ErrorAs(t, err, &perr, "plain registrar errors must be wrapped")

	reg.setErr(nil)
	src.message("message", `{"clientId":"def456"}`)

	calls := reg.registrations()
	require.Len(t, calls, 3, "the next handshake must retry")
	require.Equal(t, registration{clientID: "def456", topics: []string{"posts"}}, calls[2], "invalid retry")
}

func TestManager_Subscribe_invalid(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)

	require.ErrorIs(t, m.Subscribe(context.Background(), "", noop), realtime.ErrInvalidSubscription, "empty topic")
	require.ErrorIs(t, m.Subscribe(context.Background(), "posts", nil), realtime.ErrInvalidSubscription, "nil callback")
	require.Empty(t, m.Topics(), "invalid subscriptions must not be stored")
}

func TestManager_sessionEnd(t *testing.T) {
	t.Parallel()

	tests := map[string]eventsource.Event{
		"error":    {Kind: eventsource.KindError, Type: eventsource.EventError, Data: "reconnecting"},
		"terminal": {Kind: eventsource.KindTerminal, Type: eventsource.EventError, Data: "stream closed"},
	}

	for name, e := range tests {
		e := e

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			m, src, reg := newManager(t)
			src.message("message", handshake)

			src.push(e, eventsource.EventError)

			_, ok := m.ClientID()
			require.False(t, ok, "the client ID must be cleared")

			require.NoError(t, m.Subscribe(context.Background(), "posts", noop))
			require.Empty(t, reg.registrations(), "nothing must be announced without a session")

			src.message("message", `{"clientId":"def456"}`)
			require.Equal(t, []registration{{clientID: "def456", topics: []string{"posts"}}}, reg.registrations(), "the new session must be announced")
		})
	}
}

func TestManager_Unsubscribe(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t)

	var p payloads
	require.NoError(t, m.Subscribe(context.Background(), "posts", p.callback))
	require.NoError(t, m.Subscribe(context.Background(), "users", noop))
	src.message("message", handshake)

	require.ErrorIs(t, m.Unsubscribe(context.Background(), "comments"), realtime.ErrUnknownTopic, "unknown topic")

	require.NoError(t, m.Unsubscribe(context.Background(), "posts"))
	src.message("message", postCreate)
	require.Empty(t, p.get(), "removed callbacks must not be called")

	require.NoError(t, m.Unsubscribe(context.Background(), "users"))

	require.Equal(t, []registration{
		{clientID: "abc123", topics: []string{"posts", "users"}},
		{clientID: "abc123", topics: []string{"users"}},
		{clientID: "abc123", topics: []string{}},
	}, reg.registrations(), "invalid announcements")
}

func TestManager_topicEvents(t *testing.T) {
	t.Parallel()

	m, src, _ := newManager(t, realtime.WithTopicEvents(true))

	var p payloads
	require.NoError(t, m.Subscribe(context.Background(), "posts", p.callback))
	require.NoError(t, m.Subscribe(context.Background(), "posts", p.callback))
	require.Equal(t, []string{"message", "error", "posts"}, src.types(), "a topic must be listened on once")

	src.message("posts", postCreate)
	require.Equal(t, []string{postCreate, postCreate}, p.get(), "topic events must be dispatched")

	require.NoError(t, m.Unsubscribe(context.Background(), "posts"))
	require.Equal(t, []string{"message", "error"}, src.types(), "the topic listener must be removed")
}

func TestManager_timeout(t *testing.T) {
	t.Parallel()

	m, src, reg := newManager(t, realtime.WithTimeout(20*time.Millisecond))
	reg.block = true
	require.NoError(t, m.Subscribe(context.Background(), "posts", noop))

	start := time.Now()
	src.message("message", handshake)
	require.Less(t, time.Since(start), time.Second, "the announcement must be bounded")

	err := m.Resubscribe(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded, "expected the deadline to be exceeded")
}

func TestManager_reentrantCallback(t *testing.T) {
	t.Parallel()

	m, src, _ := newManager(t)

	var p payloads
	require.NoError(t, m.Subscribe(context.Background(), "posts", func(payload string) {
		p.callback(payload)
		_ = m.Subscribe(context.Background(), "posts", p.callback)
	}))

	src.message("message", postCreate)
	require.Len(t, p.get(), 1, "a subscription made during dispatch applies from the next event")

	src.message("message", postCreate)
	require.Len(t, p.get(), 3, "both callbacks must run")
}

func TestManager_Close(t *testing.T) {
	t.Parallel()

	m, src, _ := newManager(t, realtime.WithTopicEvents(true))
	require.NoError(t, m.Subscribe(context.Background(), "posts", noop))
	src.message("message", handshake)

	m.Close()

	require.Empty(t, src.types(), "all listeners must be removed")
	require.NotEqual(t, eventsource.Closed, src.State(), "a borrowed source must stay open")
	_, ok := m.ClientID()
	require.False(t, ok, "the session must end")
	require.Equal(t, []string{"posts"}, m.Topics(), "subscriptions are not dropped")
}
