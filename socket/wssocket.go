package socket

import (
	"io"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
)

// wsByteStream adapts a *websocket.Conn's message framing to a plain
// io.ReadWriteCloser byte stream, so the channel pipeline can treat a
// WebSocket connection as just another Socket the way it treats raw TCP.
// Each Write call is sent as one binary message; incoming messages are
// flattened back into a byte stream on Read, carrying over any unread
// remainder of a message across calls.
type wsByteStream struct {
	conn *websocket.Conn
	rest []byte
}

func (w *wsByteStream) Read(p []byte) (int, error) {
	for len(w.rest) == 0 {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		w.rest = data
	}
	n := copy(p, w.rest)
	w.rest = w.rest[n:]
	return n, nil
}

func (w *wsByteStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsByteStream) Close() error {
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*wsByteStream)(nil)

// wsSocket is the WebSocket transport's Socket, sharing the same core as
// netSocket and sshSocket.
type wsSocket struct {
	*core
}

// NewWebSocketSocket wraps an established *websocket.Conn as a Socket,
// letting sockethandler drive a tunneled WebSocket connection with the
// exact same read-loop/write-path/shutdown logic it uses for raw TCP —
// the module's transport-agnostic answer to spec §1's "foundation for
// building network protocol stacks".
func NewWebSocketSocket(conn *websocket.Conn, loop ioloop.EventLoop, logger logx.Logger) Socket {
	s := &wsSocket{}
	s.core = newCore(&wsByteStream{conn: conn}, loop, logger.Fork("WebSocketSocket(%s)", conn.RemoteAddr()))
	return s
}
