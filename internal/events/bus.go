package events

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
)

// Handler receives events broadcast for a session.
type Handler func(Event)

// Bus maintains a per-session subscriber registry and fans events out to
// every subscriber. Registration is synchronous: once Subscribe returns,
// the handler receives every subsequent broadcast for that session.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]map[int]Handler
	nextID   int
	mirror   *NATSMirror // optional, nil when not configured
	logger   *logger.Logger
}

// NewBus creates a new in-process event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		sessions: make(map[string]map[int]Handler),
		logger:   log.WithFields(zap.String("component", "event_bus")),
	}
}

// SetMirror attaches an optional NATS mirror that republishes every
// broadcast to a per-session subject.
func (b *Bus) SetMirror(m *NATSMirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe registers a handler for a session's events and returns an
// unsubscribe function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(sessionID string, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	subs, ok := b.sessions[sessionID]
	if !ok {
		subs = make(map[int]Handler)
		b.sessions[sessionID] = subs
	}
	subs[id] = handler
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		zap.String("session_id", sessionID),
		zap.Int("subscriber_id", id))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.sessions[sessionID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.sessions, sessionID)
				}
			}
			b.mu.Unlock()
			b.logger.Debug("subscriber removed",
				zap.String("session_id", sessionID),
				zap.Int("subscriber_id", id))
		})
	}
}

// Broadcast delivers an event to every subscriber of the session.
// Handlers run synchronously, in registration order, against a snapshot of
// the subscriber set so concurrent unsubscribes are safe. A panicking
// handler is logged and does not prevent delivery to the others.
func (b *Bus) Broadcast(sessionID string, event Event) {
	b.mu.RLock()
	subs := b.sessions[sessionID]
	snapshot := make([]Handler, 0, len(subs))
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	// map iteration order is random; deliver in subscription order
	sort.Ints(ids)
	for _, id := range ids {
		snapshot = append(snapshot, subs[id])
	}
	mirror := b.mirror
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.deliver(sessionID, event, h)
	}

	if mirror != nil {
		mirror.Publish(sessionID, event)
	}
}

func (b *Bus) deliver(sessionID string, event Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber handler panicked",
				zap.String("session_id", sessionID),
				zap.String("event_type", event.Type),
				zap.Any("panic", r))
		}
	}()
	h(event)
}

// SubscriberCount returns the number of subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

// ActiveSessionIDs returns the ids of sessions with at least one subscriber.
func (b *Bus) ActiveSessionIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	return ids
}
