package socket

import (
	"context"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
)

// DialFunc establishes one upstream connection, returning a Socket already
// bound to loop.
type DialFunc func(ctx context.Context) (Socket, error)

// RedialWithBackoff repeatedly calls dial until it succeeds or ctx is
// done, sleeping between attempts according to b — the jpillora/backoff
// policy the teacher's tunnel client uses to avoid hammering a
// server that is briefly unreachable. cmd/socksrelay does not call it: it
// dials each upstream once per accepted connection.
func RedialWithBackoff(ctx context.Context, b *backoff.Backoff, dial DialFunc) (Socket, error) {
	b.Reset()
	for {
		sock, err := dial(ctx)
		if err == nil {
			return sock, nil
		}
		d := b.Duration()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

// DialTCP is a DialFunc that dials a TCP address and wraps the resulting
// net.Conn as a Socket on loop.
func DialTCP(addr string, loop ioloop.EventLoop, logger logx.Logger) DialFunc {
	return func(ctx context.Context) (Socket, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewTCPSocket(conn, loop, logger), nil
	}
}
