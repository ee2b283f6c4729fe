package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stomp-relay/config"
	"stomp-relay/internal/messaging"
)

type relayFixture struct {
	relay    *Relay
	client   *mockTCPClient
	inbound  *messaging.LocalChannel
	broker   *messaging.LocalChannel
	outbound *captureChannel
	events   *captureEvents
	cfg      *config.RelayConfig
}

func newRelayFixture(t *testing.T, mutate func(*config.RelayConfig)) *relayFixture {
	t.Helper()

	cfg := config.Default().Relay
	if mutate != nil {
		mutate(&cfg)
	}

	fx := &relayFixture{
		client:   newMockTCPClient(),
		inbound:  messaging.NewChannel(),
		broker:   messaging.NewChannel(),
		outbound: &captureChannel{},
		events:   &captureEvents{},
		cfg:      &cfg,
	}

	fx.relay = NewRelay(&cfg, newTestLogger(), nil,
		fx.inbound, fx.broker, fx.outbound, fx.events,
		WithTCPClient(fx.client))

	require.NoError(t, fx.relay.Start())
	require.Equal(t, 1, fx.client.handlerCount(), "system session should connect on start")
	return fx
}

// connectSystem brings the system session to STOMP-connected with the given
// broker heartbeat values.
func (fx *relayFixture) connectSystem(serverSend, serverReceive int64) *mockConnection {
	conn := fx.client.establish(0)
	fx.client.handler(0).HandleMessage(connectedMessage(serverSend, serverReceive))
	return conn
}

func connectedMessage(send, receive int64) *messaging.Message {
	acc := messaging.NewAccessor(frame.CONNECTED)
	acc.SetHeartbeat(send, receive)
	return messaging.NewMessage(nil, acc)
}

func connectMessage(sessionID string) *messaging.Message {
	acc := messaging.NewAccessor(frame.CONNECT)
	acc.SetSessionID(sessionID)
	acc.SetAcceptVersion("1.1,1.2")
	return messaging.NewMessage(nil, acc)
}

func sendMessage(sessionID, destination string, payload []byte) *messaging.Message {
	acc := messaging.NewAccessor(frame.SEND)
	if sessionID != "" {
		acc.SetSessionID(sessionID)
	}
	acc.SetDestination(destination)
	return messaging.NewMessage(payload, acc)
}

func TestHappyPathClientSession(t *testing.T) {
	fx := newRelayFixture(t, func(cfg *config.RelayConfig) {
		cfg.DestinationPrefixes = []string{"/topic/"}
		cfg.VirtualHost = "vhost"
	})
	fx.connectSystem(0, 0)

	// Client CONNECT creates a session handler and dials
	require.NoError(t, fx.relay.HandleMessage(connectMessage("A")))
	require.Equal(t, 2, fx.client.handlerCount())

	_, ok := fx.relay.registry.load("A")
	assert.True(t, ok, "registry should contain session A")

	conn := fx.client.establish(1)

	// Exactly one STOMP CONNECT with injected credentials and host
	sent := conn.sentMessages()
	require.Len(t, sent, 1)
	acc := sent[0].Accessor()
	assert.Equal(t, frame.CONNECT, acc.Command())
	assert.Equal(t, "guest", acc.Login())
	assert.Equal(t, "guest", acc.Passcode())
	assert.Equal(t, "vhost", acc.Host())

	fx.client.handler(1).HandleMessage(connectedMessage(0, 0))

	// SEND to a matching destination reaches the broker
	require.NoError(t, fx.relay.HandleMessage(sendMessage("A", "/topic/x", []byte("hi"))))
	sent = conn.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, frame.SEND, sent[1].Accessor().Command())
	assert.Equal(t, "/topic/x", sent[1].Accessor().Destination())
	assert.Equal(t, []byte("hi"), sent[1].Payload)
}

func TestDestinationPrefixRejection(t *testing.T) {
	fx := newRelayFixture(t, func(cfg *config.RelayConfig) {
		cfg.DestinationPrefixes = []string{"/topic/"}
	})
	fx.connectSystem(0, 0)

	require.NoError(t, fx.relay.HandleMessage(connectMessage("A")))
	conn := fx.client.establish(1)
	fx.client.handler(1).HandleMessage(connectedMessage(0, 0))

	require.NoError(t, fx.relay.HandleMessage(sendMessage("A", "/queue/y", []byte("no"))))

	// Only the CONNECT frame went out, and nothing downstream
	assert.Len(t, conn.sentMessages(), 1)
	for _, msg := range fx.outbound.messages() {
		assert.NotEqual(t, frame.ERROR, msg.Accessor().Command())
	}
}

func TestForwardBeforeConnectedIsNoOp(t *testing.T) {
	fx := newRelayFixture(t, func(cfg *config.RelayConfig) {
		cfg.DestinationPrefixes = []string{"/topic/"}
	})
	fx.connectSystem(0, 0)

	require.NoError(t, fx.relay.HandleMessage(connectMessage("A")))
	conn := fx.client.establish(1)

	// No CONNECTED yet; the SEND is silently dropped
	require.NoError(t, fx.relay.HandleMessage(sendMessage("A", "/topic/x", []byte("hi"))))

	assert.Len(t, conn.sentMessages(), 1)
	assert.Empty(t, fx.outbound.messages())
}

func TestServerSendWhileBrokerUnavailable(t *testing.T) {
	fx := newRelayFixture(t, nil)

	// System session has not seen CONNECTED yet
	acc := messaging.NewPlainAccessor(messaging.TypeMessage)
	acc.SetDestination("/topic/x")
	err := fx.relay.HandleMessage(messaging.NewMessage([]byte("hi"), acc))

	var deliveryErr *messaging.MessageDeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "Message broker is not active.", deliveryErr.Reason)
}

func TestClientMessageWhileBrokerUnavailableIsDropped(t *testing.T) {
	fx := newRelayFixture(t, nil)

	err := fx.relay.HandleMessage(sendMessage("A", "/topic/x", []byte("hi")))
	assert.NoError(t, err)
	assert.Equal(t, 1, fx.client.handlerCount())
}

func TestSystemSessionSendReachesBroker(t *testing.T) {
	fx := newRelayFixture(t, nil)
	conn := fx.connectSystem(10000, 10000)

	acc := messaging.NewPlainAccessor(messaging.TypeMessage)
	acc.SetDestination("/topic/x")
	require.NoError(t, fx.relay.HandleMessage(messaging.NewMessage([]byte("hi"), acc)))

	sent := conn.sentMessages()
	require.Len(t, sent, 2) // CONNECT + SEND
	assert.Equal(t, frame.SEND, sent[1].Accessor().Command())
	assert.Equal(t, SystemSessionID, sent[1].Accessor().SessionID())
}

func TestDisconnectCleanup(t *testing.T) {
	fx := newRelayFixture(t, nil)
	fx.connectSystem(0, 0)

	require.NoError(t, fx.relay.HandleMessage(connectMessage("B")))
	conn := fx.client.establish(1)
	fx.client.handler(1).HandleMessage(connectedMessage(0, 0))

	acc := messaging.NewAccessor(frame.DISCONNECT)
	acc.SetSessionID("B")
	require.NoError(t, fx.relay.HandleMessage(messaging.NewMessage(nil, acc)))

	assert.Eventually(t, func() bool {
		_, ok := fx.relay.registry.load("B")
		return !ok
	}, time.Second, 10*time.Millisecond, "session B should be deregistered after DISCONNECT")

	assert.Eventually(t, conn.isClosed, time.Second, 10*time.Millisecond)

	// Subsequent messages for B are dropped
	require.NoError(t, fx.relay.HandleMessage(sendMessage("B", "/topic/x", []byte("late"))))
}

func TestTCPFailureEmitsOneErrorAndDeregisters(t *testing.T) {
	fx := newRelayFixture(t, nil)
	fx.connectSystem(0, 0)

	require.NoError(t, fx.relay.HandleMessage(connectMessage("C")))
	fx.client.establish(1)
	fx.client.handler(1).HandleMessage(connectedMessage(0, 0))

	fx.client.handler(1).HandleFailure(errors.New("boom"))

	_, ok := fx.relay.registry.load("C")
	assert.False(t, ok)

	errorFrames := 0
	for _, msg := range fx.outbound.messages() {
		if msg.Accessor().Command() == frame.ERROR {
			errorFrames++
			assert.Equal(t, "C", msg.Accessor().SessionID())
		}
	}
	assert.Equal(t, 1, errorFrames)
}

func TestBrokerAvailabilityEvents(t *testing.T) {
	fx := newRelayFixture(t, nil)

	conn := fx.connectSystem(0, 0)
	assert.Equal(t, []messaging.BrokerEventType{messaging.BrokerAvailable}, fx.events.types())
	assert.True(t, fx.relay.IsBrokerAvailable())

	fx.client.handler(0).HandleFailure(errors.New("broker gone"))
	assert.Equal(t, []messaging.BrokerEventType{messaging.BrokerAvailable, messaging.BrokerUnavailable}, fx.events.types())
	assert.False(t, fx.relay.IsBrokerAvailable())
	assert.True(t, conn.isClosed())

	// System session survives teardown
	_, ok := fx.relay.registry.load(SystemSessionID)
	assert.True(t, ok)
}

func TestConnectReplacesExistingHandler(t *testing.T) {
	fx := newRelayFixture(t, nil)
	fx.connectSystem(0, 0)

	require.NoError(t, fx.relay.HandleMessage(connectMessage("D")))
	first, _ := fx.relay.registry.load("D")

	require.NoError(t, fx.relay.HandleMessage(connectMessage("D")))
	second, _ := fx.relay.registry.load("D")

	assert.NotSame(t, first, second)
	assert.Equal(t, 3, fx.client.handlerCount())
}

func TestUnknownSessionMessageDropped(t *testing.T) {
	fx := newRelayFixture(t, nil)
	fx.connectSystem(0, 0)

	assert.NoError(t, fx.relay.HandleMessage(sendMessage("nope", "/topic/x", []byte("hi"))))
}

func TestMissingAccessorDropped(t *testing.T) {
	fx := newRelayFixture(t, nil)
	fx.connectSystem(0, 0)

	assert.NoError(t, fx.relay.HandleMessage(messaging.NewMessage([]byte("hi"), nil)))
}

func TestSessionIDDefaultRequiresMessageType(t *testing.T) {
	fx := newRelayFixture(t, nil)
	fx.connectSystem(0, 0)

	// A SUBSCRIBE without session id cannot ride the system connection
	acc := messaging.NewPlainAccessor(messaging.TypeSubscribe)
	acc.SetDestination("/topic/x")
	assert.NoError(t, fx.relay.HandleMessage(messaging.NewMessage(nil, acc)))
}

func TestPlainAccessorDerivesSendCommand(t *testing.T) {
	fx := newRelayFixture(t, nil)
	conn := fx.connectSystem(0, 0)

	acc := messaging.NewPlainAccessor(messaging.TypeMessage)
	acc.SetDestination("/topic/x")
	require.NoError(t, fx.relay.HandleMessage(messaging.NewMessage([]byte("p"), acc)))

	sent := conn.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, frame.SEND, sent[1].Accessor().Command())
}

func TestStopPublishesUnavailableAndShutsDownClient(t *testing.T) {
	fx := newRelayFixture(t, nil)
	fx.connectSystem(0, 0)

	require.NoError(t, fx.relay.Stop())

	types := fx.events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, messaging.BrokerUnavailable, types[len(types)-1])
	assert.True(t, fx.client.isShutdown())
	assert.False(t, fx.relay.IsBrokerAvailable())

	// Dispatch after stop behaves as broker-unavailable
	acc := messaging.NewPlainAccessor(messaging.TypeMessage)
	acc.SetDestination("/topic/x")
	err := fx.relay.HandleMessage(messaging.NewMessage(nil, acc))
	var deliveryErr *messaging.MessageDeliveryError
	assert.ErrorAs(t, err, &deliveryErr)
}
