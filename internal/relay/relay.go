// Package relay multiplexes logical STOMP client sessions over independent
// TCP connections to an upstream broker, plus one shared "system" connection
// for server-originated traffic.
package relay

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"stomp-relay/config"
	"stomp-relay/internal/logger"
	"stomp-relay/internal/messaging"
	"stomp-relay/internal/metrics"
	"stomp-relay/internal/stats"
	"stomp-relay/internal/transport"
)

// SystemSessionID is the reserved session id of the shared system session.
const SystemSessionID = "stompRelaySystemSessionId"

const (
	systemReconnectInterval = 5000 * time.Millisecond
	shutdownTimeout         = 5000 * time.Millisecond
	acceptVersions          = "1.1,1.2"
)

// HeaderInitializer customizes headers on messages the relay builds for the
// outbound application channel.
type HeaderInitializer func(acc *messaging.HeaderAccessor)

// Relay receives application messages from the inbound and broker channels
// and routes each to the session handler owning its session id. Frames from
// the broker flow back out on the outbound channel tagged with the session
// id.
type Relay struct {
	cfg     *config.RelayConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	inbound       messaging.SubscribableChannel
	brokerChannel messaging.SubscribableChannel
	outbound      messaging.Channel

	tcpClient         transport.Client
	headerInitializer HeaderInitializer

	registry     *sessionRegistry
	availability *messaging.AvailabilityNotifier

	running atomic.Bool
}

// Option configures optional relay collaborators.
type Option func(*Relay)

// WithTCPClient injects the TCP client. A default STOMP-codec client for the
// configured relay host and port is constructed when not set.
func WithTCPClient(client transport.Client) Option {
	return func(r *Relay) {
		r.tcpClient = client
	}
}

// WithHeaderInitializer sets a hook applied to headers of messages the relay
// builds for the outbound application channel.
func WithHeaderInitializer(init HeaderInitializer) Option {
	return func(r *Relay) {
		r.headerInitializer = init
	}
}

// NewRelay creates a relay wired to the given channels and event publisher.
// The events publisher may be nil.
func NewRelay(cfg *config.RelayConfig, log *logger.Logger, metricsService *metrics.Metrics,
	inbound, brokerChannel messaging.SubscribableChannel, outbound messaging.Channel,
	events messaging.EventPublisher, opts ...Option) *Relay {

	r := &Relay{
		cfg:           cfg,
		logger:        log,
		metrics:       metricsService,
		stats:         stats.NewStatsCollector(),
		inbound:       inbound,
		brokerChannel: brokerChannel,
		outbound:      outbound,
		registry:      newSessionRegistry(),
		availability:  messaging.NewAvailabilityNotifier(events),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start subscribes to the application channels and initiates the system
// session with a fixed-interval reconnect strategy.
func (r *Relay) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}

	r.inbound.Subscribe(r)
	r.brokerChannel.Subscribe(r)

	if r.tcpClient == nil {
		r.tcpClient = transport.NewStompTCPClient(r.cfg.Host, r.cfg.Port, r.logger)
	}

	r.logger.Debug("initializing system connection",
		"host", r.cfg.Host,
		"port", r.cfg.Port)

	headers := messaging.NewAccessor(frame.CONNECT)
	headers.SetAcceptVersion(acceptVersions)
	headers.SetLogin(r.cfg.SystemLogin)
	headers.SetPasscode(r.cfg.SystemPasscode)
	headers.SetHeartbeat(r.cfg.SystemHeartbeatSendInterval, r.cfg.SystemHeartbeatReceiveInterval)
	if r.cfg.VirtualHost != "" {
		headers.SetHost(r.cfg.VirtualHost)
	}

	handler := newSessionHandler(r, SystemSessionID, headers, false)
	r.registry.store(SystemSessionID, handler)
	r.stats.IncSessionsOpened()

	r.tcpClient.ConnectWithReconnect(handler, transport.FixedIntervalReconnect(systemReconnectInterval))
	return nil
}

// Stop publishes broker-unavailable, unsubscribes from the application
// channels, and shuts down the TCP client with a bounded wait. Shutdown
// failures are logged and swallowed.
func (r *Relay) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}

	r.availability.NotifyUnavailable()
	r.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(false)
	})

	r.inbound.Unsubscribe(r)
	r.brokerChannel.Unsubscribe(r)

	if r.tcpClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tcpClient.Shutdown(ctx); err != nil {
			r.logger.Error("error while shutting down TCP client", "error", err)
		}
	}

	return nil
}

// IsBrokerAvailable reports whether the system session is STOMP-connected
// and the relay is running.
func (r *Relay) IsBrokerAvailable() bool {
	return r.running.Load() && r.availability.IsAvailable()
}

// Stats returns the relay's stats collector.
func (r *Relay) Stats() *stats.StatsCollector {
	return r.stats
}

// HandleMessage implements messaging.Handler for both the inbound and broker
// channels: classify the message and dispatch it to the owning session
// handler. Errors are returned only for server-originated sends on the
// system session; every client-session problem is absorbed and surfaced via
// the outbound channel.
func (r *Relay) HandleMessage(msg *messaging.Message) error {
	acc := msg.Accessor()

	sessionID := ""
	if acc != nil {
		sessionID = acc.SessionID()
	}

	if !r.IsBrokerAvailable() {
		if sessionID == "" || sessionID == SystemSessionID {
			return &messaging.MessageDeliveryError{Reason: "Message broker is not active."}
		}
		if acc != nil && acc.Type() == messaging.TypeConnect {
			r.logger.Error("message broker is not active, ignoring message",
				"sessionId", sessionID)
		} else {
			r.logger.Debug("message broker is not active, ignoring message",
				"sessionId", sessionID)
		}
		return nil
	}

	if acc == nil {
		r.logger.Error("no header accessor on inbound message, ignoring")
		return nil
	}

	command := acc.Command()
	if command == "" && !acc.IsHeartbeat() {
		// Generic simple-messaging accessor: derive the client-side command.
		command = acc.UpdateCommandAsClientMessage()
	}

	if sessionID == "" {
		if acc.Type() != messaging.TypeMessage {
			r.logger.Error("only STOMP SEND frames supported on system connection, ignoring message",
				"type", string(acc.Type()))
			return nil
		}
		sessionID = SystemSessionID
		acc.SetSessionID(sessionID)
	}

	if messaging.CommandRequiresDestination(command) && !r.checkDestinationPrefix(acc.Destination()) {
		r.logger.Debug("ignoring message to non-matching destination",
			"destination", acc.Destination())
		r.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncFramesTotal("dropped")
		})
		return nil
	}

	switch command {
	case frame.CONNECT, frame.STOMP:
		return r.handleConnect(sessionID, msg, acc)

	case frame.DISCONNECT:
		handler, ok := r.registry.load(sessionID)
		if !ok {
			r.logger.Debug("connection already removed",
				"sessionId", sessionID)
			return nil
		}
		return r.dispatchToHandler(handler, msg, acc)

	default:
		handler, ok := r.registry.load(sessionID)
		if !ok {
			r.logger.Warn("connection not found, ignoring message",
				"sessionId", sessionID)
			return nil
		}
		return r.dispatchToHandler(handler, msg, acc)
	}
}

// handleConnect injects the relay's client credentials and virtual host,
// registers a fresh session handler, and initiates the TCP connect.
func (r *Relay) handleConnect(sessionID string, msg *messaging.Message, acc *messaging.HeaderAccessor) error {
	r.logger.Debug("processing CONNECT",
		"sessionId", sessionID,
		"totalConnected", r.registry.size())

	if !acc.IsMutable() {
		acc = acc.Clone()
	}
	acc.SetLogin(r.cfg.ClientLogin)
	acc.SetPasscode(r.cfg.ClientPasscode)
	if r.cfg.VirtualHost != "" {
		acc.SetHost(r.cfg.VirtualHost)
	}

	handler := newSessionHandler(r, sessionID, acc, true)
	r.registry.store(sessionID, handler)
	r.stats.IncSessionsOpened()
	r.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetSessionsActive(float64(r.registry.size()))
	})

	r.tcpClient.Connect(handler)
	return nil
}

// dispatchToHandler forwards through the session handler. Client-session
// forwards are fire-and-forget; system-session forwards are awaited so that
// server-originated publishers observe delivery failures synchronously.
func (r *Relay) dispatchToHandler(handler *sessionHandler, msg *messaging.Message, acc *messaging.HeaderAccessor) error {
	result, err := handler.forward(msg, acc)
	if err != nil {
		return &messaging.MessageDeliveryError{Reason: "failed to forward message to broker", Err: err}
	}
	if handler.remoteClient {
		return nil
	}
	if err := result.Wait(); err != nil {
		return &messaging.MessageDeliveryError{Reason: "failed to forward message to broker", Err: err}
	}
	return nil
}

// checkDestinationPrefix passes destinations matching a configured prefix.
// An empty prefix set, or a message without a destination, always passes.
func (r *Relay) checkDestinationPrefix(destination string) bool {
	if destination == "" || len(r.cfg.DestinationPrefixes) == 0 {
		return true
	}
	for _, prefix := range r.cfg.DestinationPrefixes {
		if strings.HasPrefix(destination, prefix) {
			return true
		}
	}
	return false
}

// safeMetricsUpdate applies fn if metrics are enabled.
func (r *Relay) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if r.metrics != nil {
		fn(r.metrics)
	}
}
