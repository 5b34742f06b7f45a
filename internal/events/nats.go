package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
)

// NATSMirror republishes every session broadcast to a NATS subject of the
// form "superagent.session.<id>". Delivery to local subscribers never
// depends on the mirror; it exists so external observers can tap the
// stream without holding an HTTP connection.
type NATSMirror struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSMirror connects to the given NATS URL with reconnection logic.
func NewNATSMirror(url string, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name("superagent"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", url))
	return &NATSMirror{conn: conn, logger: log}, nil
}

// Publish mirrors an event to the session's subject. Failures are logged
// and otherwise ignored.
func (m *NATSMirror) Publish(sessionID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal mirrored event",
			zap.String("session_id", sessionID),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}

	subject := "superagent.session." + sessionID
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("failed to mirror event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// Close drains the NATS connection gracefully.
func (m *NATSMirror) Close() {
	if m.conn != nil {
		if err := m.conn.Drain(); err != nil {
			m.logger.Warn("error draining NATS connection", zap.Error(err))
			m.conn.Close()
		}
		m.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (m *NATSMirror) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected()
}
