package node

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/maxpoletaev/gossipnode/internal/telemetry"
	"github.com/maxpoletaev/gossipnode/wire"
)

// Conn is a live stream to a remote peer, either accepted or dialed. Each
// connection runs a reader and a writer goroutine. Decoded frames are posted
// to the owning node in arrival order, outbound frames are written in the
// order they were sent. A connection never outlives its socket and never
// touches the node state directly.
type Conn struct {
	id       uint64
	raw      net.Conn
	outbound bool
	remote   string
	logger   log.Logger

	// peerAddr is the listening address of the remote peer. It is known upfront
	// for outbound connections and assigned by the event loop for inbound ones
	// once the peer identifies itself. Only the event loop may access it.
	peerAddr string

	post         func(event) bool
	out          chan wire.Message
	writeTimeout time.Duration
	idleTimeout  time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type connOptions struct {
	queueSize    int
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

func newConn(id uint64, raw net.Conn, outbound bool, peerAddr string, opts connOptions, logger log.Logger, post func(event) bool) *Conn {
	remote := raw.RemoteAddr().String()

	return &Conn{
		id:           id,
		raw:          raw,
		outbound:     outbound,
		remote:       remote,
		peerAddr:     peerAddr,
		post:         post,
		out:          make(chan wire.Message, opts.queueSize),
		writeTimeout: opts.writeTimeout,
		idleTimeout:  opts.idleTimeout,
		closed:       make(chan struct{}),
		logger:       log.With(logger, "conn", id, "remote", remote),
	}
}

// RemoteAddr returns the observed address of the other side of the stream.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Outbound reports whether the connection was dialed by this node.
func (c *Conn) Outbound() bool {
	return c.outbound
}

// start launches the reader and the writer. The writer exits when ctx is
// cancelled, closing the socket, which in turn stops the reader.
func (c *Conn) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readLoop()
	}()

	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
}

// Send enqueues the message for writing. It never blocks: if the queue is full,
// the connection is closed with ErrSendQueueFull.
func (c *Conn) Send(msg wire.Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- msg:
		return nil
	default:
		c.terminate(ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

// Close terminates the connection. Pending frames are dropped.
func (c *Conn) Close() error {
	c.terminate(ErrConnClosed)
	return nil
}

// Done is closed once the connection is terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) terminated() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// terminate closes the socket. Only the first reason is kept.
func (c *Conn) terminate(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		close(c.closed)
		_ = c.raw.Close()
	})
}

// err returns the reason the connection was terminated. It must only be called
// after terminate.
func (c *Conn) err() error {
	<-c.closed
	return c.closeErr
}

func (c *Conn) readLoop() {
	r := wire.NewReader(c.raw)

	for {
		if c.idleTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}

		msg, err := r.Read()
		if err != nil {
			c.terminate(err)
			break
		}

		telemetry.FramesReceived.WithLabelValues(msg.Type()).Inc()

		if !c.post(frameReceived{conn: c, msg: msg}) {
			c.terminate(errShutdown)
			break
		}
	}

	// The reader is the only one to report the termination, so the node
	// receives exactly one connClosed per connection.
	c.post(connClosed{conn: c, err: c.err()})
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-c.out:
			if c.writeTimeout > 0 {
				_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}

			if err := wire.Write(c.raw, msg); err != nil {
				c.terminate(err)
				return
			}

			telemetry.FramesSent.WithLabelValues(msg.Type()).Inc()
		case <-c.closed:
			return
		case <-ctx.Done():
			c.terminate(errShutdown)
			return
		}
	}
}

// closeReason maps the termination error to a short label for logs and metrics.
func closeReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, errShutdown):
		return "shutdown"
	case errors.Is(err, ErrConnClosed):
		return "closed"
	case errors.Is(err, ErrSendQueueFull):
		return "queue_full"
	case errors.Is(err, wire.ErrProtocol):
		return "protocol"
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	default:
		return "io"
	}
}
