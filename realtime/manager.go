// Package realtime implements topic subscriptions over a server-sent events
// stream using the client ID handshake.
//
// The server opens the stream with a message carrying {"clientId": "..."}.
// The Manager answers by POSTing the complete topic set together with that ID,
// and does so again after every handshake, since a reconnect produces a new ID
// and the server forgets the old registrations. Record changes received on the
// stream are routed to the callbacks subscribed to the record's collection.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tmaxmax/eventsource"
)

var (
	// ErrNoClientID is returned by Resubscribe before the first handshake or after the session was lost.
	ErrNoClientID = errors.New("realtime: no client ID known")
	// ErrNoTopics is returned by Resubscribe when there is nothing to announce.
	ErrNoTopics = errors.New("realtime: no topics subscribed")
	// ErrUnknownTopic is returned by Unsubscribe for topics that have no subscriptions.
	ErrUnknownTopic = errors.New("realtime: topic not subscribed")
	// ErrInvalidSubscription is returned by Subscribe for an empty topic or a nil callback.
	ErrInvalidSubscription = errors.New("realtime: invalid subscription")
)

// Callback receives the raw JSON of a record change. Use DecodeRecordChange to inspect it.
type Callback func(payload string)

type subscription struct {
	topic    string
	callback Callback
}

// Manager keeps the subscriptions of a realtime session.
type Manager struct {
	source        eventsource.Source
	ownsSource    bool
	registrar     Registrar
	logger        eventsource.Logger
	timeout       time.Duration
	connectEvents []string
	topicEvents   bool

	mu            sync.Mutex
	subscriptions []subscription
	clientID      string
	connected     bool
	// Listeners for "message", the connect events and "error".
	listeners map[string]eventsource.ListenerID
	// Listeners for events named after topics.
	topicListeners map[string]eventsource.ListenerID

	// Serializes announcements.
	announceMu sync.Mutex

	// Bounds announcements triggered by handshakes; canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a manager for the stream at endpoint. No handlers are attached
// until Connect is called.
func New(endpoint string, opts ...Option) (*Manager, error) {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		registrar:      o.registrar,
		logger:         o.logger,
		timeout:        o.timeout,
		connectEvents:  o.connectEvents,
		topicEvents:    o.topicEvents,
		listeners:      map[string]eventsource.ListenerID{},
		topicListeners: map[string]eventsource.ListenerID{},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if m.logger == nil {
		m.logger = log.New(os.Stderr, "realtime: ", log.LstdFlags)
	}

	if o.source != nil {
		m.source = o.source
	} else {
		es, err := eventsource.New(endpoint, o.sourceOptions...)
		if err != nil {
			m.cancel()
			return nil, err
		}
		m.source = es
		m.ownsSource = true
	}

	if m.registrar == nil {
		url := o.registrationURL
		if url == "" {
			url = endpoint
		}
		m.registrar = &HTTPRegistrar{URL: url, Client: o.httpClient, Header: o.header}
	}

	return m, nil
}

// Connect attaches the manager to the source. Calling it again has no effect.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	eventTypes := append([]string{eventsource.EventMessage}, m.connectEvents...)
	for _, eventType := range eventTypes {
		if err := m.listenLocked(m.listeners, eventType, m.onMessage); err != nil {
			return err
		}
	}
	if err := m.listenLocked(m.listeners, eventsource.EventError, m.onError); err != nil {
		return err
	}
	if m.topicEvents {
		for _, s := range m.subscriptions {
			if err := m.listenTopicLocked(s.topic); err != nil {
				return err
			}
		}
	}

	m.connected = true

	return nil
}

func (m *Manager) listenLocked(into map[string]eventsource.ListenerID, eventType string, fn eventsource.ListenerFunc) error {
	if _, ok := into[eventType]; ok {
		return nil
	}

	id, err := m.source.Subscribe(eventType, fn)
	if err != nil {
		return err
	}
	into[eventType] = id

	return nil
}

// listenTopicLocked attaches to the event named after topic, unless the
// manager already listens on that event type.
func (m *Manager) listenTopicLocked(topic string) error {
	if _, ok := m.listeners[topic]; ok {
		return nil
	}
	return m.listenLocked(m.topicListeners, topic, m.onMessage)
}

// Subscribe registers callback for the records of topic. If a session is
// established the full topic set is announced right away and the announcement's
// failure is returned; the subscription is kept either way. Otherwise it is
// announced after the next handshake.
func (m *Manager) Subscribe(ctx context.Context, topic string, callback Callback) error {
	if topic == "" || callback == nil {
		return fmt.Errorf("%w: topic %q", ErrInvalidSubscription, topic)
	}

	m.mu.Lock()
	if m.topicEvents && m.connected {
		if err := m.listenTopicLocked(topic); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.subscriptions = append(m.subscriptions, subscription{topic: topic, callback: callback})
	known := m.clientID != ""
	m.mu.Unlock()

	if !known {
		return nil
	}

	return m.announce(ctx, false)
}

// Unsubscribe removes every callback of topic and announces the remaining set.
// When no topics remain the server is told so with an empty set.
func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	kept := m.subscriptions[:0]
	for _, s := range m.subscriptions {
		if s.topic != topic {
			kept = append(kept, s)
		}
	}
	removed := len(kept) != len(m.subscriptions)
	for i := len(kept); i < len(m.subscriptions); i++ {
		m.subscriptions[i] = subscription{}
	}
	m.subscriptions = kept

	id, hasListener := m.topicListeners[topic]
	delete(m.topicListeners, topic)
	known := m.clientID != ""
	m.mu.Unlock()

	if !removed {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if hasListener {
		_ = m.source.Unsubscribe(id)
	}
	if !known {
		return nil
	}

	return m.announce(ctx, true)
}

// Resubscribe announces the current topic set under the current client ID.
// Nothing is sent if either is missing.
func (m *Manager) Resubscribe(ctx context.Context) error {
	return m.announce(ctx, false)
}

func (m *Manager) announce(ctx context.Context, allowEmpty bool) error {
	m.announceMu.Lock()
	defer m.announceMu.Unlock()

	m.mu.Lock()
	clientID := m.clientID
	topics := m.topicsLocked()
	m.mu.Unlock()

	if clientID == "" {
		return ErrNoClientID
	}
	if len(topics) == 0 && !allowEmpty {
		return ErrNoTopics
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.registrar.Register(ctx, clientID, topics); err != nil {
		m.logger.Printf("announcing %d topics for client %s failed: %v", len(topics), clientID, err)

		var perr *PostError
		if !errors.As(err, &perr) {
			err = &PostError{Err: err}
		}
		return err
	}

	return nil
}

func (m *Manager) topicsLocked() []string {
	topics := make([]string, 0, len(m.subscriptions))
	seen := make(map[string]struct{}, len(m.subscriptions))
	for _, s := range m.subscriptions {
		if _, ok := seen[s.topic]; ok {
			continue
		}
		seen[s.topic] = struct{}{}
		topics = append(topics, s.topic)
	}
	return topics
}

func (m *Manager) onMessage(e eventsource.Event) {
	if e.Kind != eventsource.KindMessage {
		m.endSession(e)
		return
	}

	if clientID, ok := parseHandshake(e.Data); ok {
		m.mu.Lock()
		m.clientID = clientID
		m.mu.Unlock()

		// Failures are logged by announce and retried after the next handshake.
		_ = m.announce(m.ctx, false)
		return
	}

	change, err := DecodeRecordChange(e.Data)
	if err != nil {
		return
	}

	m.notify(change.Record.CollectionName, e.Data)
}

func (m *Manager) onError(e eventsource.Event) {
	if e.Kind == eventsource.KindMessage {
		return
	}
	m.endSession(e)
}

func (m *Manager) endSession(e eventsource.Event) {
	m.mu.Lock()
	clientID := m.clientID
	m.clientID = ""
	m.mu.Unlock()

	if clientID != "" {
		m.logger.Printf("session of client %s ended: %s", clientID, e.Data)
	}
}

func (m *Manager) notify(topic, payload string) {
	m.mu.Lock()
	var callbacks []Callback
	for _, s := range m.subscriptions {
		if s.topic == topic {
			callbacks = append(callbacks, s.callback)
		}
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(payload)
	}
}

// ClientID returns the client ID of the current session, if any.
func (m *Manager) ClientID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.clientID, m.clientID != ""
}

// Topics returns the subscribed topics without duplicates, in subscription order.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.topicsLocked()
}

// State reports the state of the underlying source.
func (m *Manager) State() eventsource.ReadyState {
	return m.source.State()
}

// Close detaches the manager from the source and closes the source if the
// manager created it. Announcements in flight are canceled. The manager must
// not be connected again afterwards.
func (m *Manager) Close() {
	m.cancel()

	if m.ownsSource {
		m.source.CloseAndNotify()
	}

	m.mu.Lock()
	ids := make([]eventsource.ListenerID, 0, len(m.listeners)+len(m.topicListeners))
	for _, id := range m.listeners {
		ids = append(ids, id)
	}
	for _, id := range m.topicListeners {
		ids = append(ids, id)
	}
	m.listeners = map[string]eventsource.ListenerID{}
	m.topicListeners = map[string]eventsource.ListenerID{}
	m.connected = false
	m.clientID = ""
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.source.Unsubscribe(id)
	}
}
