package sockethandler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/iocore/channel"
	"github.com/sammck-go/iocore/ioconfig"
	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
	"github.com/sammck-go/iocore/message"
	"github.com/sammck-go/iocore/socket"
)

var wsTestUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsPair dials a loopback httptest server to obtain one connected
// *websocket.Conn on each side, the same upgrade handshake the teacher's
// own tunnel server/client perform over a real network connection
// (share/server.go's upgrader, share/client.go's dialer.Dial).
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	serverCh := make(chan *websocket.Conn, 1)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrader.Upgrade() returned error: %s", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + httpServer.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.DefaultDialer.Dial() returned error: %s", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case conn := <-serverCh:
		t.Cleanup(func() { conn.Close() })
		return clientConn, conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side websocket upgrade")
		return nil, nil
	}
}

// TestSocketChannelHandlerOverWebSocket exercises the handler against a
// genuinely different transport than the TCP/socketpair fixture the rest
// of this package's tests use, grounding DESIGN.md's claim that the
// WebSocket socket implementation is exercised by a sockethandler test.
func TestSocketChannelHandlerOverWebSocket(t *testing.T) {
	loop := ioloop.New()
	go loop.Run()
	t.Cleanup(loop.Stop)

	logger := logx.Nop()
	clientConn, serverConn := wsPair(t)

	serverSock := socket.NewWebSocketSocket(serverConn, loop, logger)
	clientSock := socket.NewWebSocketSocket(clientConn, loop, logger)

	pool := message.NewPool(0)
	cfg := ioconfig.Default()
	ch := channel.New(loop, logger)
	h := New(serverSock, pool, cfg, logger)
	slot := h.Attach(ch)
	slot.SetDownstreamReadWindow(channel.UnboundedWindow)

	got := make(chan []byte, 1)
	ch.SetDownstreamSink(func(msg *message.Message) error {
		got <- append([]byte(nil), msg.Bytes()...)
		return nil
	})

	payload := []byte("hello over websocket")
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

	select {
	case b := <-got:
		if !bytes.Equal(b, payload) {
			t.Fatalf("dispatched bytes = %q, want %q", b, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched read message")
	}
}
