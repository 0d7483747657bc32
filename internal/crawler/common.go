package crawler

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// WebSocket connection timeouts and intervals
	InitialReconnectDelay = 1 * time.Second
	MaxReconnectDelay     = 30 * time.Second
	HandshakeTimeout      = 5 * time.Second
	ReadTimeout           = 60 * time.Second
	WriteTimeout          = 10 * time.Second
	PingInterval          = 30 * time.Second
	PongTimeout           = 10 * time.Second

	// Connection health
	MaxConsecutiveErrors = 5
	WatchdogInterval     = 5 * time.Second
)

// EventType identifies a connection lifecycle event.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventMessageReceived
	EventSubscribeFailed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessageReceived:
		return "message_received"
	case EventSubscribeFailed:
		return "subscribe_failed"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle notification consumed by health tracking.
type Event struct {
	Type EventType
	Err  error
	At   time.Time
}

func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}
