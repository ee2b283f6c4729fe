package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"stomp-relay/internal/logger"
)

const defaultDialTimeout = 30 * time.Second

// StompTCPClient is the default Client implementation. It dials the broker
// over plain TCP and speaks the STOMP wire codec on each connection.
type StompTCPClient struct {
	addr        string
	logger      *logger.Logger
	clk         clock.Clock
	dialTimeout time.Duration

	mu    sync.Mutex
	conns map[*stompConn]struct{}
	down  bool
	downC chan struct{}

	wg sync.WaitGroup
}

// NewStompTCPClient creates a client for the given broker host and port.
func NewStompTCPClient(host string, port int, log *logger.Logger) *StompTCPClient {
	return NewStompTCPClientWithClock(host, port, log, clock.New())
}

// NewStompTCPClientWithClock creates a client with an injected clock, used by
// tests to drive the inactivity watchdogs deterministically.
func NewStompTCPClientWithClock(host string, port int, log *logger.Logger, clk clock.Clock) *StompTCPClient {
	return &StompTCPClient{
		addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		logger:      log,
		clk:         clk,
		dialTimeout: defaultDialTimeout,
		conns:       make(map[*stompConn]struct{}),
		downC:       make(chan struct{}),
	}
}

// Connect implements Client.
func (c *StompTCPClient) Connect(handler ConnectionHandler) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(handler, nil)
	}()
}

// ConnectWithReconnect implements Client.
func (c *StompTCPClient) ConnectWithReconnect(handler ConnectionHandler, strategy ReconnectStrategy) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(handler, strategy)
	}()
}

// run dials and serves the connection, re-dialing per the strategy until the
// client shuts down.
func (c *StompTCPClient) run(handler ConnectionHandler, strategy ReconnectStrategy) {
	attempt := 0
	for {
		if c.isShutdown() {
			return
		}

		c.dialAndServe(handler)

		if strategy == nil {
			return
		}

		interval, ok := strategy.NextInterval(attempt)
		if !ok {
			return
		}
		attempt++

		c.logger.Debug("scheduling broker reconnect",
			"address", c.addr,
			"interval", interval,
			"attempt", attempt)

		timer := c.clk.Timer(interval)
		select {
		case <-timer.C:
		case <-c.downC:
			timer.Stop()
			return
		}
	}
}

// dialAndServe establishes one connection and blocks until it terminates.
func (c *StompTCPClient) dialAndServe(handler ConnectionHandler) {
	netConn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		c.logger.Error("failed to connect to broker",
			"address", c.addr,
			"error", err)
		handler.AfterConnectFailure(err)
		return
	}

	conn := newStompConn(netConn, handler, c.logger, c.clk)

	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conns[conn] = struct{}{}
	c.mu.Unlock()

	handler.AfterConnected(conn)
	conn.serve()

	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

func (c *StompTCPClient) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

// Shutdown implements Client. It closes every live connection and waits for
// all connection goroutines to finish, bounded by the context.
func (c *StompTCPClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.down {
		c.down = true
		close(c.downC)
	}
	conns := make([]*stompConn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			c.logger.Debug("error closing connection during shutdown", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
