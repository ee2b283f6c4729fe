// Package nats bridges the relay's application channels onto NATS subjects:
// messages published to the inbound subject enter the relay, and frames the
// relay emits are published per session on the outbound subject.
package nats

import (
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"stomp-relay/config"
	"stomp-relay/internal/logger"
	"stomp-relay/internal/messaging"
)

const commandHeader = "Command"

// Bridge connects a NATS server to the relay's application channels.
type Bridge struct {
	logger  *logger.Logger
	cfg     *config.NATSConfig
	inbound messaging.Channel

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewBridge connects to NATS. Messages arriving on the configured inbound
// subject are delivered to the given channel.
func NewBridge(cfg *config.NATSConfig, log *logger.Logger, inbound messaging.Channel) (*Bridge, error) {
	b := &Bridge{
		logger:  log,
		cfg:     cfg,
		inbound: inbound,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(time.Second * 2),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Error("nats connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats client reconnected", "url", nc.ConnectedUrl())
		}),
	}

	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	b.conn = conn

	return b, nil
}

// Start subscribes to the inbound subject.
func (b *Bridge) Start() error {
	sub, err := b.conn.Subscribe(b.cfg.InboundSubject, b.handleInbound)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.cfg.InboundSubject, err)
	}
	b.sub = sub

	b.logger.Info("nats bridge started",
		"inboundSubject", b.cfg.InboundSubject,
		"outboundSubject", b.cfg.OutboundSubject)
	return nil
}

func (b *Bridge) handleInbound(m *nats.Msg) {
	msg := toMessage(m)
	if err := b.inbound.Send(msg); err != nil {
		b.logger.Error("failed to deliver inbound message to relay",
			"subject", m.Subject,
			"error", err)
	}
}

// HandleMessage implements messaging.Handler for the relay's outbound
// channel: every frame the relay emits is published on the outbound subject
// qualified by session id.
func (b *Bridge) HandleMessage(msg *messaging.Message) error {
	out := toNATS(msg, b.cfg.OutboundSubject)
	if err := b.conn.PublishMsg(out); err != nil {
		b.logger.Error("failed to publish outbound message",
			"subject", out.Subject,
			"error", err)
		return err
	}
	return nil
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	b.logger.Info("shutting down nats bridge")
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Debug("failed to unsubscribe", "error", err)
		}
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Debug("failed to drain nats connection", "error", err)
		b.conn.Close()
	}
}

// toMessage converts a NATS message to an application message. The STOMP
// command travels in the Command header; all other headers are carried
// through lowercased. Messages without a message id are stamped with one.
func toMessage(m *nats.Msg) *messaging.Message {
	command := m.Header.Get(commandHeader)

	var acc *messaging.HeaderAccessor
	if command != "" {
		acc = messaging.NewAccessor(command)
	} else {
		acc = messaging.NewPlainAccessor(messaging.TypeMessage)
	}

	for key, values := range m.Header {
		if key == commandHeader || len(values) == 0 {
			continue
		}
		acc.Set(strings.ToLower(key), values[0])
	}

	if _, ok := acc.Get("message-id"); !ok {
		acc.Set("message-id", uuid.NewString())
	}

	return messaging.NewMessage(m.Data, acc)
}

// toNATS converts an application message to a NATS message on the given
// subject, qualified by session id when present. Header names are written in
// canonical form (destination becomes Destination).
func toNATS(msg *messaging.Message, subject string) *nats.Msg {
	out := &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  nats.Header{},
	}

	acc := msg.Accessor()
	if acc == nil {
		return out
	}

	if acc.Command() != "" {
		out.Header.Set(commandHeader, acc.Command())
	}
	acc.ForEach(func(key, value string) {
		out.Header.Set(textproto.CanonicalMIMEHeaderKey(key), value)
	})

	if session := acc.SessionID(); session != "" {
		out.Subject = subject + "." + subjectToken(session)
	}
	return out
}

// subjectToken makes a session id safe for use as a NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
