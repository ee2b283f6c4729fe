package relay

import (
	"context"
	"sync"
	"time"

	"stomp-relay/config"
	"stomp-relay/internal/logger"
	"stomp-relay/internal/messaging"
	"stomp-relay/internal/transport"
)

// mockConnection implements transport.Connection for testing
type mockConnection struct {
	mu            sync.Mutex
	sent          []*messaging.Message
	closed        bool
	sendErr       error
	writeTask     func()
	writeInterval time.Duration
	readTask      func()
	readInterval  time.Duration
}

func newMockConnection() *mockConnection {
	return &mockConnection{}
}

func (c *mockConnection) Send(msg *messaging.Message) *transport.SendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr == nil {
		c.sent = append(c.sent, msg)
	}
	return transport.CompletedSendResult(c.sendErr)
}

func (c *mockConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConnection) OnWriteInactivity(task func(), interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTask = task
	c.writeInterval = interval
}

func (c *mockConnection) OnReadInactivity(task func(), interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTask = task
	c.readInterval = interval
}

func (c *mockConnection) sentMessages() []*messaging.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*messaging.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *mockConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mockTCPClient implements transport.Client for testing
type mockTCPClient struct {
	mu         sync.Mutex
	handlers   []transport.ConnectionHandler
	strategies []transport.ReconnectStrategy
	shutdown   bool
}

func newMockTCPClient() *mockTCPClient {
	return &mockTCPClient{}
}

func (c *mockTCPClient) Connect(handler transport.ConnectionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
	c.strategies = append(c.strategies, nil)
}

func (c *mockTCPClient) ConnectWithReconnect(handler transport.ConnectionHandler, strategy transport.ReconnectStrategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
	c.strategies = append(c.strategies, strategy)
}

func (c *mockTCPClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	return nil
}

func (c *mockTCPClient) handler(i int) transport.ConnectionHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[i]
}

func (c *mockTCPClient) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

func (c *mockTCPClient) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// establish simulates a successful TCP connect for the i-th handler
func (c *mockTCPClient) establish(i int) *mockConnection {
	conn := newMockConnection()
	c.handler(i).AfterConnected(conn)
	return conn
}

// captureChannel records messages sent to the outbound application channel
type captureChannel struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (c *captureChannel) Send(msg *messaging.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureChannel) messages() []*messaging.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*messaging.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// captureEvents records broker availability events
type captureEvents struct {
	mu     sync.Mutex
	events []messaging.BrokerEventType
}

func (c *captureEvents) Publish(event messaging.BrokerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event.Type)
}

func (c *captureEvents) types() []messaging.BrokerEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]messaging.BrokerEventType, len(c.events))
	copy(out, c.events)
	return out
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(&config.LogConfig{Level: "error"})
	return log
}
