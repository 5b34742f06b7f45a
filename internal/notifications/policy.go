package notifications

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
)

// ViewerCounter reports how many live subscribers a session has. The
// event bus satisfies it.
type ViewerCounter interface {
	SubscriberCount(sessionID string) int
}

// Policy decides when a session event warrants a notification: only when
// nobody is actively viewing the session. An open stream subscription
// counts as viewing.
type Policy struct {
	store   Store
	viewers ViewerCounter
	enabled bool
	logger  *logger.Logger
}

// NewPolicy creates the notification policy.
func NewPolicy(store Store, viewers ViewerCounter, enabled bool, log *logger.Logger) *Policy {
	return &Policy{
		store:   store,
		viewers: viewers,
		enabled: enabled,
		logger:  log.WithFields(zap.String("component", "notification_policy")),
	}
}

// SessionComplete enqueues a "session complete" notification when the
// session has no active viewers. Repeated idles for the same session turn
// dedupe on the session id.
func (p *Policy) SessionComplete(ctx context.Context, agentSlug, sessionID string) {
	if !p.enabled {
		return
	}
	if p.viewers.SubscriberCount(sessionID) > 0 {
		return
	}

	inserted, err := p.store.Enqueue(ctx, &Notification{
		Kind:      KindSessionComplete,
		AgentSlug: agentSlug,
		SessionID: sessionID,
		Title:     fmt.Sprintf("%s finished responding", agentSlug),
		DedupeKey: fmt.Sprintf("%s:%s:%s", KindSessionComplete, agentSlug, sessionID),
	})
	if err != nil {
		p.logger.Error("failed to enqueue notification",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	if inserted {
		p.logger.Debug("session complete notification enqueued",
			zap.String("agent_slug", agentSlug),
			zap.String("session_id", sessionID))
	}
}
