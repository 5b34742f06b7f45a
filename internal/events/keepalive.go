package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
)

// DefaultKeepAliveInterval is how often subscribers receive a ping event.
const DefaultKeepAliveInterval = 30 * time.Second

// ActivityFunc reports whether a session currently has an active turn.
type ActivityFunc func(sessionID string) bool

// KeepAlive periodically broadcasts a ping event to every session that has
// subscribers. The ping carries the session's current isActive flag so
// clients can reconcile missed session_idle events.
type KeepAlive struct {
	bus      *Bus
	isActive ActivityFunc
	interval time.Duration
	logger   *logger.Logger
}

// NewKeepAlive creates a keep-alive ticker over the bus.
func NewKeepAlive(bus *Bus, isActive ActivityFunc, interval time.Duration, log *logger.Logger) *KeepAlive {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	return &KeepAlive{
		bus:      bus,
		isActive: isActive,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "keepalive")),
	}
}

// Run broadcasts pings until the context is cancelled.
func (k *KeepAlive) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.logger.Info("keep-alive started", zap.Duration("interval", k.interval))
	defer k.logger.Info("keep-alive stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Tick()
		}
	}
}

// Tick sends one ping to every session with subscribers.
func (k *KeepAlive) Tick() {
	for _, sessionID := range k.bus.ActiveSessionIDs() {
		k.bus.Broadcast(sessionID, NewWithFields(TypePing, map[string]any{
			"isActive": k.isActive(sessionID),
		}))
	}
}
