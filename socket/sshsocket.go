package socket

import (
	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
)

// sshSocket adapts an ssh.Channel (already an io.ReadWriteCloser) to the
// Socket contract, giving the pipeline a third transport alongside TCP and
// WebSocket: generalized from the teacher's ssh.Channel-backed ChannelConn
// (share/ssh_conn.go), which bridged a single SSH channel into the tunnel.
type sshSocket struct {
	*core
	ch ssh.Channel
}

// NewSSHChannelSocket wraps an accepted or dialed ssh.Channel as a Socket.
func NewSSHChannelSocket(ch ssh.Channel, loop ioloop.EventLoop, logger logx.Logger) Socket {
	s := &sshSocket{ch: ch}
	s.core = newCore(ch, loop, logger.Fork("SSHChannelSocket"))
	return s
}
