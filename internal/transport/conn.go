package transport

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-stomp/stomp/v3/frame"

	"stomp-relay/internal/logger"
	"stomp-relay/internal/messaging"
)

// ErrConnectionClosed is the resolution error for sends submitted to a
// connection that has been closed.
var ErrConnectionClosed = errors.New("connection closed")

const sendQueueSize = 64

type outboundFrame struct {
	msg    *messaging.Message
	result *SendResult
}

// stompConn is a live broker connection. A single writer goroutine serializes
// frame writes, preserving per-connection send ordering; the reader loop runs
// on the connect goroutine.
type stompConn struct {
	netConn net.Conn
	handler ConnectionHandler
	logger  *logger.Logger
	clk     clock.Clock

	sendCh chan outboundFrame

	sendMu     sync.RWMutex
	sendClosed bool

	closeOnce  sync.Once
	closed     chan struct{}
	closeErr   error
	localClose atomic.Bool

	lastRead  atomic.Int64
	lastWrite atomic.Int64

	readWatchdog  atomic.Bool
	writeWatchdog atomic.Bool

	wg sync.WaitGroup
}

func newStompConn(netConn net.Conn, handler ConnectionHandler, log *logger.Logger, clk clock.Clock) *stompConn {
	c := &stompConn{
		netConn: netConn,
		handler: handler,
		logger:  log,
		clk:     clk,
		sendCh:  make(chan outboundFrame, sendQueueSize),
		closed:  make(chan struct{}),
	}
	now := clk.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	return c
}

// serve runs the reader loop until the connection terminates, then waits for
// the writer and watchdog goroutines to wind down.
func (c *stompConn) serve() {
	c.wg.Add(1)
	go c.writeLoop()

	c.readLoop()
	c.wg.Wait()
}

func (c *stompConn) readLoop() {
	reader := frame.NewReader(c.netConn)
	for {
		f, err := reader.Read()
		if err != nil {
			c.terminate(err)
			return
		}

		c.lastRead.Store(c.clk.Now().UnixNano())

		// A nil frame is the codec's heartbeat representation.
		var msg *messaging.Message
		if f == nil {
			msg = messaging.NewHeartbeatMessage()
		} else {
			msg = messaging.NewMessage(f.Body, messaging.FromFrame(f))
		}
		c.handler.HandleMessage(msg)
	}
}

// terminate handles the end of the read loop. Locally-initiated closes have
// already been reported to the handler by whoever called Close, so only
// remote closes and genuine failures produce callbacks.
func (c *stompConn) terminate(err error) {
	c.shutdown()

	if c.localClose.Load() {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.handler.AfterConnectionClosed()
		return
	}
	c.handler.HandleFailure(err)
}

func (c *stompConn) writeLoop() {
	defer c.wg.Done()

	writer := frame.NewWriter(c.netConn)
	for {
		select {
		case out := <-c.sendCh:
			c.writeFrame(writer, out)
		case <-c.closed:
			for {
				select {
				case out := <-c.sendCh:
					out.result.Complete(ErrConnectionClosed)
				default:
					return
				}
			}
		}
	}
}

func (c *stompConn) writeFrame(writer *frame.Writer, out outboundFrame) {
	acc := out.msg.Accessor()

	var f *frame.Frame
	if acc != nil {
		f = acc.ToFrame(out.msg.Payload)
	}

	// Bodies may contain NUL bytes, so they are framed by content-length
	// rather than by the terminating NUL.
	if f != nil && len(f.Body) > 0 {
		if _, ok := f.Header.Contains(frame.ContentLength); !ok {
			h := f.Header.Clone()
			h.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
			f = &frame.Frame{Command: f.Command, Header: h, Body: f.Body}
		}
	}

	// A nil frame writes the single-newline heartbeat.
	err := writer.Write(f)
	if err == nil {
		c.lastWrite.Store(c.clk.Now().UnixNano())
	}
	out.result.Complete(err)
}

// Send implements Connection.
func (c *stompConn) Send(msg *messaging.Message) *SendResult {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.sendClosed {
		return CompletedSendResult(ErrConnectionClosed)
	}

	out := outboundFrame{msg: msg, result: NewSendResult()}
	select {
	case c.sendCh <- out:
	case <-c.closed:
		out.result.Complete(ErrConnectionClosed)
	}
	return out.result
}

// Close implements Connection. Idempotent; returns the underlying close error
// from the first invocation.
func (c *stompConn) Close() error {
	c.localClose.Store(true)
	c.shutdown()
	return c.closeErr
}

func (c *stompConn) shutdown() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.sendClosed = true
		close(c.closed)
		c.sendMu.Unlock()
		c.closeErr = c.netConn.Close()
	})
}

// OnWriteInactivity implements Connection.
func (c *stompConn) OnWriteInactivity(task func(), interval time.Duration) {
	if !c.writeWatchdog.CompareAndSwap(false, true) {
		c.logger.Debug("write inactivity watchdog already registered")
		return
	}
	c.startWatchdog(task, interval, &c.lastWrite)
}

// OnReadInactivity implements Connection.
func (c *stompConn) OnReadInactivity(task func(), interval time.Duration) {
	if !c.readWatchdog.CompareAndSwap(false, true) {
		c.logger.Debug("read inactivity watchdog already registered")
		return
	}
	c.startWatchdog(task, interval, &c.lastRead)
}

func (c *stompConn) startWatchdog(task func(), interval time.Duration, last *atomic.Int64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clk.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.clk.Now().UnixNano()-last.Load() >= interval.Nanoseconds() {
					task()
				}
			case <-c.closed:
				return
			}
		}
	}()
}
