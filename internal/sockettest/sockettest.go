// Package sockettest builds connected Socket pairs for unit tests, the way
// the teacher's socks_skeleton_endpoint.go and loop_stub_endpoint.go use
// prep/socketpair to hand a local service a live net.Conn without binding
// a real listener.
package sockettest

import (
	"github.com/prep/socketpair"

	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
	"github.com/sammck-go/iocore/socket"
)

// NewPair returns two Sockets, both bound to loop, each backed by one end
// of an in-memory Unix socketpair. Writes to one side arrive as reads on
// the other, with no real network involved.
func NewPair(loop ioloop.EventLoop, logger logx.Logger) (a, b socket.Socket, err error) {
	connA, connB, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, err
	}
	a = socket.NewTCPSocket(connA, loop, logger.Fork("pairA"))
	b = socket.NewTCPSocket(connB, loop, logger.Fork("pairB"))
	return a, b, nil
}
