package crawler

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketConfig holds WebSocket-specific configuration
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration

	// StalenessTimeout forces a reconnect when no message arrives within it.
	// Distinct from the transport-level timeouts above: a connection can be
	// transport-healthy while the feed has silently stopped delivering data.
	StalenessTimeout time.Duration
}

// DefaultWebSocketConfig returns a default WebSocket configuration
func DefaultWebSocketConfig(wsURL string) *WebSocketConfig {
	return &WebSocketConfig{
		URL:              wsURL,
		HandshakeTimeout: HandshakeTimeout,
		ReadTimeout:      ReadTimeout,
		WriteTimeout:     WriteTimeout,
		PingInterval:     PingInterval,
		PongTimeout:      PongTimeout,
		StalenessTimeout: 2 * time.Minute,
	}
}

// Session maintains one logical websocket subscription set against the
// exchange feed. It reconnects with exponential backoff and re-runs
// OnConnect (which must re-issue all subscriptions) on every new connection.
type Session struct {
	Config *WebSocketConfig
	Logger *logrus.Logger

	// OnConnect runs after each successful dial; it must issue the full
	// subscription set. A reconnect without resubscription silently loses data.
	OnConnect func(ctx context.Context, conn *websocket.Conn) error

	// OnMessage handles each inbound frame. Errors are logged, not fatal to
	// the connection; a single malformed frame must not tear the stream down.
	OnMessage func(raw []byte) error

	// OnEvent receives lifecycle events for health tracking. Optional.
	OnEvent func(Event)
}

// NewSession creates a Session with the given configuration.
func NewSession(config *WebSocketConfig, logger *logrus.Logger) *Session {
	return &Session{
		Config: config,
		Logger: logger,
	}
}

func (s *Session) emit(t EventType, err error) {
	if s.OnEvent != nil {
		s.OnEvent(Event{Type: t, Err: err, At: time.Now()})
	}
}

// backoff escalates the reconnect delay across consecutive failures.
// A successful dial resets it, so a drop of a long-healthy connection is
// retried at the initial delay rather than the escalated one.
type backoff struct {
	delay    time.Duration
	failures int
}

func newBackoff() *backoff {
	return &backoff{delay: InitialReconnectDelay}
}

// next returns the delay to wait before the upcoming dial attempt and the
// running failure count, escalating the delay for the attempt after.
func (b *backoff) next() (time.Duration, int) {
	b.failures++

	// If too many consecutive errors, wait longer
	if b.failures >= MaxConsecutiveErrors {
		b.delay = MaxReconnectDelay
	}

	wait := b.delay

	// Exponential backoff with max limit
	if b.delay < MaxReconnectDelay {
		b.delay *= 2
		if b.delay > MaxReconnectDelay {
			b.delay = MaxReconnectDelay
		}
	}
	return wait, b.failures
}

// reset ends the escalation after a successful connection.
func (b *backoff) reset() {
	b.delay = InitialReconnectDelay
	b.failures = 0
}

// Run drives the connect/reconnect loop until ctx is cancelled.
// Transient network errors are never fatal; each failure backs off
// exponentially up to MaxReconnectDelay.
func (s *Session) Run(ctx context.Context) error {
	bo := newBackoff()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("Session shutting down due to context cancellation")
			return nil
		default:
			if err := s.handleConnection(ctx, bo.reset); err != nil {
				s.emit(EventDisconnected, err)

				wait, failures := bo.next()
				if failures >= MaxConsecutiveErrors {
					s.Logger.Warn("Too many consecutive errors, extending delay")
				}
				s.Logger.Errorf("WebSocket error (%d/%d): %v. Reconnecting in %v...",
					failures, MaxConsecutiveErrors, err, wait)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
					continue
				}
			} else {
				// Clean shutdown path
				return nil
			}
		}
	}
}

// handleConnection manages a single WebSocket connection lifecycle.
// dialed is invoked once after a successful dial. Returns nil only when ctx
// was cancelled (clean shutdown); any other return is an error that
// triggers a reconnect.
func (s *Session) handleConnection(ctx context.Context, dialed func()) error {
	u, err := url.Parse(s.Config.URL)
	if err != nil {
		return fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.Config.HandshakeTimeout,
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	s.Logger.Infof("Connected to %s", u.Host)
	s.emit(EventConnected, nil)
	if dialed != nil {
		dialed()
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	// Resubscription is mandatory on every new connection.
	if s.OnConnect != nil {
		if err := s.OnConnect(connCtx, conn); err != nil {
			s.emit(EventSubscribeFailed, err)
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	// Setup ping/pong handlers
	lastPong := time.Now()
	conn.SetPongHandler(func(string) error {
		lastPong = time.Now()
		return nil
	})
	conn.SetPingHandler(func(message string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(s.Config.WriteTimeout))
		if err != nil {
			s.Logger.Errorf("Failed to send pong: %v", err)
		}
		return err
	})

	pingTicker := time.NewTicker(s.Config.PingInterval)
	defer pingTicker.Stop()

	watchdog := time.NewTicker(WatchdogInterval)
	defer watchdog.Stop()

	readErrors := make(chan error, 1)
	messages := make(chan []byte, 100)

	// Start message reader
	go func() {
		defer close(messages)

		for {
			select {
			case <-connCtx.Done():
				return
			default:
				conn.SetReadDeadline(time.Now().Add(s.Config.ReadTimeout))
				_, message, err := conn.ReadMessage()
				if err != nil {
					select {
					case readErrors <- err:
					case <-connCtx.Done():
					}
					return
				}

				select {
				case messages <- message:
				case <-connCtx.Done():
					return
				}
			}
		}
	}()

	lastMessage := time.Now()

	// Main event loop
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("Context cancelled, closing connection")
			s.closeGracefully(conn)
			return nil

		case err := <-readErrors:
			return fmt.Errorf("WebSocket read error: %w", err)

		case message, ok := <-messages:
			if !ok {
				return fmt.Errorf("reader closed")
			}
			lastMessage = time.Now()
			s.emit(EventMessageReceived, nil)
			if s.OnMessage != nil {
				if err := s.OnMessage(message); err != nil {
					// Malformed payloads fail locally: drop the message,
					// keep the connection.
					s.Logger.Errorf("Failed to handle message: %v", err)
				}
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.Config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return fmt.Errorf("failed to send ping: %w", err)
			}

		case <-watchdog.C:
			if since := time.Since(lastPong); since > s.Config.PingInterval+s.Config.PongTimeout {
				return fmt.Errorf("connection unhealthy, last pong was %v ago", since)
			}
			if since := time.Since(lastMessage); s.Config.StalenessTimeout > 0 && since > s.Config.StalenessTimeout {
				return fmt.Errorf("feed stale, no message for %v", since)
			}
		}
	}
}

// closeGracefully sends a close frame before dropping the connection so the
// exchange sees a clean unsubscribe rather than an abrupt drop.
func (s *Session) closeGracefully(conn *websocket.Conn) {
	deadline := time.Now().Add(s.Config.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.Logger.Warnf("Failed to send close frame: %v", err)
	}
}
