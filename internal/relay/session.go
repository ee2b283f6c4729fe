package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"stomp-relay/internal/messaging"
	"stomp-relay/internal/metrics"
	"stomp-relay/internal/transport"
)

// heartbeatMultiplier is the STOMP-recommended tolerance applied to the
// negotiated read interval before declaring the broker dead.
const heartbeatMultiplier = 3

// sessionHandler owns one TCP connection to the broker for one logical
// session. It implements transport.ConnectionHandler for TCP events and is
// driven by the relay for application-to-broker forwarding.
//
// The handler deliberately does not synchronize forwarding against TCP
// failure handling. A message that sneaks through while the connection is
// being torn down fails its send and may produce an extra STOMP ERROR frame
// downstream; consumers of the outbound channel handle repeated ERRORs for a
// session idempotently.
type sessionHandler struct {
	relay          *Relay
	sessionID      string
	remoteClient   bool
	connectHeaders *messaging.HeaderAccessor

	mu   sync.Mutex
	conn transport.Connection

	stompConnected atomic.Bool
	everConnected  atomic.Bool
}

func newSessionHandler(r *Relay, sessionID string, connectHeaders *messaging.HeaderAccessor, remoteClient bool) *sessionHandler {
	return &sessionHandler{
		relay:          r,
		sessionID:      sessionID,
		remoteClient:   remoteClient,
		connectHeaders: connectHeaders,
	}
}

func (h *sessionHandler) connection() transport.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *sessionHandler) setConnection(conn transport.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = conn
}

// AfterConnected implements transport.ConnectionHandler. Sends the STOMP
// CONNECT frame; exactly one per TCP connection.
func (h *sessionHandler) AfterConnected(conn transport.Connection) {
	h.relay.logger.Debug("established TCP connection to broker",
		"sessionId", h.sessionID)
	h.setConnection(conn)

	if !h.remoteClient && h.everConnected.Swap(true) {
		h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncSystemReconnects()
		})
	}

	conn.Send(messaging.NewMessage(nil, h.connectHeaders))
}

// AfterConnectFailure implements transport.ConnectionHandler.
func (h *sessionHandler) AfterConnectFailure(err error) {
	h.handleTCPConnectionFailure("Failed to connect to message broker", err)
}

// handleTCPConnectionFailure is invoked on any TCP connectivity issue:
// failure to establish the connection, failure to send a message, or a
// missed heartbeat.
func (h *sessionHandler) handleTCPConnectionFailure(reason string, err error) {
	h.relay.logger.Error(reason,
		"sessionId", h.sessionID,
		"error", err)
	h.relay.stats.IncErrors()

	h.sendStompErrorToClient(reason)
	if clearErr := h.clearConnection(); clearErr != nil {
		h.relay.logger.Error("failed to close connection",
			"sessionId", h.sessionID,
			"error", clearErr)
	}

	if !h.remoteClient {
		h.relay.availability.NotifyUnavailable()
		h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetBrokerConnectionStatus(false)
		})
	}
}

func (h *sessionHandler) sendStompErrorToClient(errorText string) {
	if !h.remoteClient {
		return
	}
	acc := messaging.NewAccessor(frame.ERROR)
	if h.relay.headerInitializer != nil {
		h.relay.headerInitializer(acc)
	}
	acc.SetSessionID(h.sessionID)
	acc.SetMessageText(errorText)
	acc.SetImmutable()

	h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncStompErrors()
	})
	h.sendMessageToClient(messaging.NewMessage(nil, acc))
}

func (h *sessionHandler) sendMessageToClient(msg *messaging.Message) {
	if !h.remoteClient {
		return
	}
	if err := h.relay.outbound.Send(msg); err != nil {
		h.relay.logger.Error("failed to send message to outbound channel",
			"sessionId", h.sessionID,
			"error", err)
	}
}

// HandleMessage implements transport.ConnectionHandler. Frames from the
// broker are tagged with the session id and sealed; client-session frames are
// forwarded downstream, system-session frames are not.
func (h *sessionHandler) HandleMessage(msg *messaging.Message) {
	acc := msg.Accessor()
	acc.SetSessionID(h.sessionID)
	h.relay.stats.IncFramesReceived()

	if acc.IsHeartbeat() {
		// Heartbeat receipt logs at debug; slog has no trace level.
		h.relay.logger.Debug("received broker heartbeat",
			"sessionId", h.sessionID)
	} else if acc.Command() == frame.ERROR {
		h.relay.logger.Error("received STOMP ERROR from broker",
			"sessionId", h.sessionID,
			"message", acc.MessageText())
	} else {
		h.relay.logger.Debug("received message from broker",
			"sessionId", h.sessionID,
			"command", acc.Command())
	}

	if acc.Command() == frame.CONNECTED {
		h.afterStompConnected(acc)
	}

	h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncFramesTotal("received")
	})

	acc.SetImmutable()
	h.sendMessageToClient(msg)
}

// afterStompConnected is invoked once the CONNECTED frame is received. From
// here the connection is ready for forwarding to the broker.
func (h *sessionHandler) afterStompConnected(connectedHeaders *messaging.HeaderAccessor) {
	h.stompConnected.Store(true)
	h.initHeartbeats(connectedHeaders)

	if !h.remoteClient {
		h.relay.availability.NotifyAvailable()
		h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetBrokerConnectionStatus(true)
		})
	}
}

// initHeartbeats resolves the negotiated heartbeat intervals and registers
// the inactivity watchdogs. Remote clients do their own heartbeat management
// end-to-end with the broker; the relay only injects heartbeats on the
// system session.
func (h *sessionHandler) initHeartbeats(connectedHeaders *messaging.HeaderAccessor) {
	if h.remoteClient {
		return
	}

	conn := h.connection()
	if conn == nil {
		return
	}

	clientSend, clientReceive := h.connectHeaders.Heartbeat()
	serverSend, serverReceive := connectedHeaders.Heartbeat()

	if clientSend > 0 && serverReceive > 0 {
		interval := time.Duration(max64(clientSend, serverReceive)) * time.Millisecond
		conn.OnWriteInactivity(func() {
			c := h.connection()
			if c == nil {
				return
			}
			h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncHeartbeatsSent()
			})
			result := c.Send(messaging.HeartbeatMessage())
			go func() {
				if err := result.Wait(); err != nil {
					h.handleTCPConnectionFailure("Failed to send heartbeat", err)
				}
			}()
		}, interval)
	}

	if clientReceive > 0 && serverSend > 0 {
		interval := time.Duration(max64(clientReceive, serverSend)) * time.Millisecond * heartbeatMultiplier
		conn.OnReadInactivity(func() {
			h.handleTCPConnectionFailure(fmt.Sprintf(
				"No heartbeat from broker for more than %dms, closing connection",
				interval/time.Millisecond), nil)
		}, interval)
	}
}

// HandleFailure implements transport.ConnectionHandler. Only acts while a TCP
// connection is held; failures after teardown are ignored.
func (h *sessionHandler) HandleFailure(err error) {
	if h.connection() == nil {
		return
	}
	h.handleTCPConnectionFailure("Closing connection after TCP failure", err)
}

// AfterConnectionClosed implements transport.ConnectionHandler. Only acts
// while a TCP connection is held; closes after teardown are ignored.
func (h *sessionHandler) AfterConnectionClosed() {
	if h.connection() == nil {
		return
	}
	h.relay.logger.Debug("TCP connection to broker closed",
		"sessionId", h.sessionID)

	h.sendStompErrorToClient("Connection to broker closed")
	if err := h.clearConnection(); err != nil {
		h.relay.logger.Debug("error closing connection",
			"sessionId", h.sessionID,
			"error", err)
	}

	if !h.remoteClient {
		h.relay.availability.NotifyUnavailable()
		h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetBrokerConnectionStatus(false)
		})
	}
}

// forward sends the message to the broker on this session's connection.
//
// Messages arriving for a client session before CONNECTED, or after the
// connection was reset, resolve as silent no-ops; the failure pipeline has
// already emitted the STOMP ERROR for the latter. On the system session the
// same condition is an error the caller must see.
func (h *sessionHandler) forward(msg *messaging.Message, acc *messaging.HeaderAccessor) (*transport.SendResult, error) {
	conn := h.connection()

	if !h.stompConnected.Load() || conn == nil {
		if h.remoteClient {
			if conn != nil {
				h.relay.logger.Debug("ignoring client message before CONNECTED frame",
					"sessionId", h.sessionID)
			} else {
				h.relay.logger.Debug("ignoring client message after TCP connection closed",
					"sessionId", h.sessionID)
			}
			return transport.CompletedSendResult(nil), nil
		}
		state := "before STOMP CONNECTED frame"
		if conn == nil {
			state = "while inactive"
		}
		return nil, fmt.Errorf("cannot forward messages on system connection %s", state)
	}

	if acc.IsHeartbeat() {
		h.relay.logger.Debug("forwarding heartbeat to broker",
			"sessionId", h.sessionID)
	} else {
		h.relay.logger.Debug("forwarding message to broker",
			"sessionId", h.sessionID,
			"command", acc.Command())
	}

	if acc.IsMutable() && acc.IsModified() {
		msg = messaging.NewMessage(msg.Payload, acc)
	}

	result := conn.Send(msg)
	h.relay.stats.IncFramesForwarded()
	h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncFramesTotal("forwarded")
	})

	go func() {
		err := result.Wait()
		if err == nil {
			if acc.Command() == frame.DISCONNECT {
				if clearErr := h.clearConnection(); clearErr != nil {
					h.relay.logger.Debug("error closing connection after DISCONNECT",
						"sessionId", h.sessionID,
						"error", clearErr)
				}
			}
			return
		}
		if h.connection() == nil {
			// Connection already reset by a concurrent failure.
			return
		}
		h.handleTCPConnectionFailure("Failed to send message to broker", err)
	}()

	return result, nil
}

// clearConnection releases the TCP connection and, for client sessions,
// deregisters the handler. Close errors propagate to the caller. The system
// session stays registered across reconnect cycles.
func (h *sessionHandler) clearConnection() error {
	if h.remoteClient {
		h.relay.registry.remove(h.sessionID)
		h.relay.stats.IncSessionsClosed()
		h.relay.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetSessionsActive(float64(h.relay.registry.size()))
		})
		h.relay.logger.Debug("removed session",
			"sessionId", h.sessionID,
			"remaining", h.relay.registry.size())
	}

	h.stompConnected.Store(false)

	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
