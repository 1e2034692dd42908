// Package socket implements the non-blocking socket contract spec §6 lists
// as an external collaborator ("non-blocking read(buf) -> (n, error);
// async write(cursor, completion, user); subscribe_to_readable(callback,
// user); is_open; shutdown; clean_up; get_event_loop"). Concrete transports
// (plain TCP/Unix, WebSocket, SSH channel) are adapted onto one shared
// core, the way the teacher's BasicConn/SocketConn/ssh_conn.go share a
// ShutdownHelper base over different underlying io.ReadWriteCloser kinds.
package socket

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/sammck-go/iocore/errs"
	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
)

// ReadableFunc is invoked on the event loop thread when the socket becomes
// readable, or when a read error has occurred (spec §4.4 "Readability
// notification").
type ReadableFunc func(err error)

// WriteCompletionFunc is invoked on the event loop thread once an
// AsyncWrite's bytes have been handed to the transport or failed to be.
type WriteCompletionFunc func(err error)

// Socket is the contract sockethandler drives. Every method except
// GetEventLoop must only be called from the owning EventLoop's goroutine;
// Socket itself guarantees that its callbacks (ReadableFunc,
// WriteCompletionFunc) are delivered there regardless of which goroutine
// produced the underlying I/O completion.
type Socket interface {
	// Read performs one non-blocking read into buf. If no data is
	// currently available it returns (0, err) with errs.OfKind(err,
	// errs.ReadWouldBlock) true.
	Read(buf []byte) (int, error)

	// AsyncWrite submits data for writing. If it returns a non-nil error,
	// submission failed synchronously (the socket is already closed) and
	// completion will never be invoked — the caller retains ownership of
	// data and of whatever it was tracking on the caller's behalf. If it
	// returns nil, the socket implementation owns data until completion
	// fires exactly once, on the event loop thread.
	AsyncWrite(data []byte, completion WriteCompletionFunc) error

	// SubscribeToReadable registers cb to be invoked whenever this socket
	// becomes readable (or errors). Replaces any previously registered
	// callback.
	SubscribeToReadable(cb ReadableFunc)

	// IsOpen reports whether the socket is still usable.
	IsOpen() bool

	// Shutdown closes the underlying transport, causing any future Read to
	// report an error and any in-flight AsyncWrite to fail.
	Shutdown() error

	// CleanUp releases any resources this Socket holds beyond the
	// transport itself (background goroutines, buffers).
	CleanUp()

	// GetEventLoop returns the loop this socket delivers callbacks on.
	GetEventLoop() ioloop.EventLoop
}

// core is the shared implementation behind every transport: it turns a
// blocking io.ReadWriteCloser into the non-blocking, readiness-driven,
// FIFO-completion Socket contract above. A background reader goroutine
// performs blocking reads and buffers bytes; Read drains that buffer
// without blocking. A background writer goroutine serializes AsyncWrite
// calls so completions fire in submission order, matching spec §5's "the
// socket layer guarantees FIFO completions".
type core struct {
	conn   io.ReadWriteCloser
	loop   ioloop.EventLoop
	logger logx.Logger

	mu         sync.Mutex
	buf        bytes.Buffer
	readErr    error
	open       bool
	readableCb ReadableFunc

	writeCh   chan writeRequest
	writeOnce sync.Once
}

type writeRequest struct {
	data       []byte
	completion WriteCompletionFunc
}

func newCore(conn io.ReadWriteCloser, loop ioloop.EventLoop, logger logx.Logger) *core {
	c := &core{
		conn:    conn,
		loop:    loop,
		logger:  logger,
		open:    true,
		writeCh: make(chan writeRequest, 16),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *core) readLoop() {
	tmp := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(tmp)
		c.mu.Lock()
		if n > 0 {
			c.buf.Write(tmp[:n])
		}
		if err != nil {
			c.readErr = err
		}
		cb := c.readableCb
		c.mu.Unlock()
		if cb != nil {
			c.notifyReadable(cb, nil)
		}
		if err != nil {
			return
		}
	}
}

func (c *core) notifyReadable(cb ReadableFunc, err error) {
	c.loop.Schedule(c.loop.Now(), func() { cb(err) })
}

func (c *core) writeLoop() {
	for req := range c.writeCh {
		_, err := c.conn.Write(req.data)
		if err != nil {
			err = errs.Wrap(errs.SocketError, err, "socket write failed")
		}
		completion := req.completion
		c.loop.Schedule(c.loop.Now(), func() { completion(err) })
	}
}

func (c *core) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() == 0 {
		if c.readErr != nil {
			return 0, errs.Wrap(errs.SocketError, c.readErr, "socket read failed")
		}
		return 0, errs.New(errs.ReadWouldBlock, "no data available")
	}
	return c.buf.Read(p)
}

func (c *core) AsyncWrite(data []byte, completion WriteCompletionFunc) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return errs.New(errs.SocketError, "socket is closed")
	}
	c.writeCh <- writeRequest{data: data, completion: completion}
	return nil
}

func (c *core) SubscribeToReadable(cb ReadableFunc) {
	c.mu.Lock()
	c.readableCb = cb
	pending := c.buf.Len() > 0 || c.readErr != nil
	c.mu.Unlock()
	if pending {
		c.notifyReadable(cb, nil)
	}
}

func (c *core) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *core) Shutdown() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *core) CleanUp() {
	c.writeOnce.Do(func() { close(c.writeCh) })
}

func (c *core) GetEventLoop() ioloop.EventLoop { return c.loop }

// idleReadDeadline bounds how long a transport-specific reader loop is
// willing to block on a single underlying read before re-checking for
// shutdown, for transports (like net.Conn) that support deadlines. Sockets
// that cannot set a deadline simply block until Close unblocks them.
const idleReadDeadline = 250 * time.Millisecond
