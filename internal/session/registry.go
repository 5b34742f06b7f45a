package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
	"github.com/superagent/superagent/internal/events"
)

// StreamSource opens the container-side message stream for a session. The
// returned function closes the stream.
type StreamSource interface {
	SubscribeToStream(ctx context.Context, agentSlug, sessionID string, onMessage func(StreamMessage), onError func(error)) (func(), error)
}

type registryEntry struct {
	proc *Processor
	refs int
	stop func()
}

// Registry owns the per-session processors. Acquiring a session opens its
// container stream on first use and reference-counts it; when the last
// holder releases, the stream closes and the processor is dropped.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry

	store   *TranscriptStore
	bus     *events.Bus
	scanner *SubagentScanner
	hooks   Hooks
	logger  *logger.Logger
}

// NewRegistry creates a processor registry.
func NewRegistry(store *TranscriptStore, bus *events.Bus, scanner *SubagentScanner, hooks Hooks, log *logger.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		store:   store,
		bus:     bus,
		scanner: scanner,
		hooks:   hooks,
		logger:  log.WithFields(zap.String("component", "session_registry")),
	}
}

// Acquire returns the session's processor, creating it and opening the
// container stream on first acquisition. The returned release function
// must be called exactly once; releasing the last reference closes the
// stream.
func (r *Registry) Acquire(ctx context.Context, agentSlug, sessionID string, source StreamSource) (*Processor, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[sessionID]
	if !ok {
		proc := NewProcessor(agentSlug, sessionID, r.store, r.bus, r.scanner, r.hooks, r.logger)
		stop, err := source.SubscribeToStream(ctx, agentSlug, sessionID, proc.Handle, proc.ConnectionError)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session stream: %w", err)
		}
		entry = &registryEntry{proc: proc, stop: stop}
		r.entries[sessionID] = entry
		r.logger.Debug("session stream opened",
			zap.String("agent_slug", agentSlug),
			zap.String("session_id", sessionID))
	}
	entry.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { r.release(sessionID) })
	}
	return entry.proc, release, nil
}

func (r *Registry) release(sessionID string) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	last := entry.refs <= 0
	if last {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()

	if last {
		entry.stop()
		r.logger.Debug("session stream closed", zap.String("session_id", sessionID))
	}
}

// Get returns the live processor for a session, if any.
func (r *Registry) Get(sessionID string) (*Processor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return entry.proc, true
}

// IsActive reports whether a session has a live processor with a turn in
// flight. Used by the keep-alive ticker.
func (r *Registry) IsActive(sessionID string) bool {
	proc, ok := r.Get(sessionID)
	return ok && proc.IsActive()
}
