package socket

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
)

// mustGenerateECDSAKey generates a fresh host key for the in-process SSH
// server, the same curve the teacher's own GenerateKey(seed) uses
// (share/ssh.go), minus the optional deterministic seed this test has no
// need for.
func mustGenerateECDSAKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() returned error: %s", err)
	}
	return key
}

// sshChannelPair negotiates a minimal in-process SSH connection over a
// net.Pipe and opens one channel on it, the same ssh.NewServerConn /
// ssh.NewClientConn handshake the teacher performs over a real network
// connection (share/server_ssh_session.go, share/client.go), generalized
// here to in-memory transport and no-auth config since the test only
// needs a working ssh.Channel on each end, not a real tunnel session.
func sshChannelPair(t *testing.T) (client, server ssh.Channel) {
	t.Helper()

	signer, err := ssh.NewSignerFromKey(mustGenerateECDSAKey(t))
	if err != nil {
		t.Fatalf("ssh.NewSignerFromKey() returned error: %s", err)
	}
	serverConfig := &ssh.ServerConfig{NoClientAuth: true}
	serverConfig.AddHostKey(signer)

	clientConn, serverConn := net.Pipe()

	type serverResult struct {
		ch      ssh.Channel
		conn    ssh.Conn
		err     error
	}
	serverDone := make(chan serverResult, 1)
	go func() {
		sshConn, newChans, reqs, err := ssh.NewServerConn(serverConn, serverConfig)
		if err != nil {
			serverDone <- serverResult{err: err}
			return
		}
		go ssh.DiscardRequests(reqs)
		newCh := <-newChans
		ch, reqs2, err := newCh.Accept()
		if err != nil {
			serverDone <- serverResult{err: err}
			return
		}
		go ssh.DiscardRequests(reqs2)
		serverDone <- serverResult{ch: ch, conn: sshConn}
	}()

	clientConfig := &ssh.ClientConfig{
		User:            "iocore-test",
		Auth:            nil,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	}
	sshClientConn, clientChans, clientReqs, err := ssh.NewClientConn(clientConn, "pipe", clientConfig)
	if err != nil {
		t.Fatalf("ssh.NewClientConn() returned error: %s", err)
	}
	go ssh.DiscardRequests(clientReqs)
	go func() {
		for range clientChans {
		}
	}()
	clientSSH := ssh.NewClient(sshClientConn, clientChans, clientReqs)

	clientCh, clientReqs2, err := clientSSH.OpenChannel("iocore-test", nil)
	if err != nil {
		t.Fatalf("OpenChannel() returned error: %s", err)
	}
	go ssh.DiscardRequests(clientReqs2)

	select {
	case res := <-serverDone:
		if res.err != nil {
			t.Fatalf("server-side ssh negotiation returned error: %s", res.err)
		}
		t.Cleanup(func() { res.ch.Close() })
		t.Cleanup(func() { clientCh.Close() })
		return clientCh, res.ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side ssh channel")
		return nil, nil
	}
}

// TestSSHChannelSocketReadWrite exercises NewSSHChannelSocket end to end
// over a real (in-process) SSH channel, grounding the claim that the SSH
// transport is a usable third Socket implementation alongside TCP and
// WebSocket.
func TestSSHChannelSocketReadWrite(t *testing.T) {
	loop := ioloop.New()
	go loop.Run()
	t.Cleanup(loop.Stop)

	logger := logx.Nop()
	clientCh, serverCh := sshChannelPair(t)

	clientSock := NewSSHChannelSocket(clientCh, loop, logger)
	serverSock := NewSSHChannelSocket(serverCh, loop, logger)

	payload := []byte("hello over ssh")
	done := make(chan error, 1)
	if err := clientSock.AsyncWrite(payload, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncWrite() returned error: %s", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("client write completion reported error: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client write completion")
	}

	buf := make([]byte, len(payload))
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < len(buf) && time.Now().Before(deadline) {
		n, err := serverSock.Read(buf[got:])
		got += n
		if err != nil && got < len(buf) {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if string(buf[:got]) != string(payload) {
		t.Fatalf("server received %q, want %q", buf[:got], payload)
	}
}
