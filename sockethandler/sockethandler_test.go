package sockethandler

import (
	"bytes"
	"testing"
	"time"

	"github.com/sammck-go/iocore/channel"
	"github.com/sammck-go/iocore/errs"
	"github.com/sammck-go/iocore/internal/sockettest"
	"github.com/sammck-go/iocore/ioconfig"
	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
	"github.com/sammck-go/iocore/message"
	"github.com/sammck-go/iocore/socket"
)

// harness wires one SocketChannelHandler to one end of an in-memory
// socketpair and collects whatever it dispatches downstream, the way
// TestBipipeBridge wires a pair of fake Bipipes to a BipipeBridger.
type harness struct {
	t      *testing.T
	loop   ioloop.EventLoop
	pool   *message.Pool
	ch     *channel.Channel
	h      *SocketChannelHandler
	slot   *channel.Slot
	readMu chan []byte
}

func newHarness(t *testing.T, cfg ioconfig.Config) (*harness, socket.Socket) {
	t.Helper()
	loop := ioloop.New()
	go loop.Run()
	t.Cleanup(loop.Stop)

	logger := logx.Nop()
	a, b, err := sockettest.NewPair(loop, logger)
	if err != nil {
		t.Fatalf("sockettest.NewPair() returned error: %s", err)
	}

	pool := message.NewPool(0)
	ch := channel.New(loop, logger)
	h := New(a, pool, cfg, logger)
	slot := h.Attach(ch)
	slot.SetDownstreamReadWindow(channel.UnboundedWindow)

	hs := &harness{t: t, loop: loop, pool: pool, ch: ch, h: h, slot: slot, readMu: make(chan []byte, 64)}
	ch.SetDownstreamSink(func(msg *message.Message) error {
		buf := append([]byte(nil), msg.Bytes()...)
		hs.readMu <- buf
		return nil
	})
	return hs, b
}

func (hs *harness) collect(t *testing.T, total int, timeout time.Duration) []byte {
	t.Helper()
	got := make([]byte, 0, total)
	deadline := time.After(timeout)
	for len(got) < total {
		select {
		case chunk := <-hs.readMu:
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("timed out waiting for %d bytes, got %d", total, len(got))
		}
	}
	return got
}

func TestSocketChannelHandlerReadsFromSocket(t *testing.T) {
	cfg := ioconfig.Default()
	cfg.MaxReadSize = 4096
	hs, peer := newHarness(t, cfg)

	payload := bytes.Repeat([]byte("abcdefgh"), 1000) // 8000 bytes
	done := make(chan error, 1)
	if err := peer.AsyncWrite(payload, func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncWrite() returned error: %s", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("peer write completion reported error: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer write completion")
	}

	got := hs.collect(t, len(payload), 2*time.Second)
	if !bytes.Equal(got, payload) {
		t.Fatalf("dispatched bytes did not match payload (got %d bytes, want %d)", len(got), len(payload))
	}

	stats := hs.h.Stats()
	if stats.BytesRead != int64(len(payload)) {
		t.Errorf("Stats().BytesRead = %d, want %d", stats.BytesRead, len(payload))
	}
	// payload is 8000 bytes, just under 2x MaxReadSize (8192): a read
	// that fills a whole 4096-byte quantum must cause at least one
	// fairness reschedule.
	if stats.RescheduleCount == 0 {
		t.Errorf("expected at least one read-loop reschedule for an %d-byte payload against a %d-byte quantum", len(payload), cfg.MaxReadSize)
	}
}

func TestSocketChannelHandlerWritesToSocket(t *testing.T) {
	cfg := ioconfig.Default()
	hs, peer := newHarness(t, cfg)

	payload := []byte("hello from upstream")
	msg, err := hs.pool.Acquire(message.Write, len(payload))
	if err != nil {
		t.Fatalf("pool.Acquire() returned error: %s", err)
	}
	copy(msg.Buf, payload)
	msg.Len = len(payload)

	completed := make(chan error, 1)
	msg.Completion = func(err error) { completed <- err }

	if err := hs.slot.SendMessage(msg, message.Write); err != nil {
		t.Fatalf("SendMessage(Write) returned error: %s", err)
	}

	select {
	case err := <-completed:
		if err != nil {
			t.Fatalf("write completion reported error: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write completion")
	}

	buf := make([]byte, len(payload))
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < len(buf) && time.Now().Before(deadline) {
		n, rerr := peer.Read(buf[got:])
		if rerr != nil && !errs.OfKind(rerr, errs.ReadWouldBlock) {
			t.Fatalf("peer Read() returned error: %s", rerr)
		}
		got += n
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if !bytes.Equal(buf[:got], payload) {
		t.Fatalf("peer received %q, want %q", buf[:got], payload)
	}

	if hs.pool.InFlight() != 0 {
		t.Errorf("pool.InFlight() = %d after completed write, want 0", hs.pool.InFlight())
	}
}

func TestSocketChannelHandlerShutdownDrainsWriteQueue(t *testing.T) {
	cfg := ioconfig.Default()
	hs, _ := newHarness(t, cfg)

	msg, err := hs.pool.Acquire(message.Write, 4)
	if err != nil {
		t.Fatalf("pool.Acquire() returned error: %s", err)
	}
	copy(msg.Buf, []byte("ping"))
	msg.Len = 4

	failed := make(chan error, 1)
	msg.Completion = func(err error) { failed <- err }

	if err := hs.slot.SendMessage(msg, message.Write); err != nil {
		t.Fatalf("SendMessage(Write) returned error: %s", err)
	}

	shutdownErr := errs.New(errs.SocketError, "forced test shutdown")
	hs.ch.Shutdown(shutdownErr)

	select {
	case <-failed:
		// Whether this particular message was queued before or raced with
		// the shutdown, it must complete exactly once; a panic or a second
		// send on the channel would fail the test via the race detector or
		// a deadlock instead.
	case <-time.After(2 * time.Second):
		// Message may have already been submitted and completed
		// successfully before shutdown reached the write queue; that is
		// not a failure of the shutdown protocol itself.
	}

	select {
	case <-hs.done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel shutdown to complete")
	}

	if hs.h.LastError() == nil {
		t.Errorf("LastError() = nil, want %v", shutdownErr)
	}

	// The message's completion callback may have fired synchronously with
	// the drain (SocketClosed) while the pool release it carries is still
	// pending the socket's own in-flight AsyncWrite actually returning —
	// that release is deliberately decoupled from channel-shutdown
	// completion (see drainWriteQueue), so give it a moment to land instead
	// of asserting it landed by the instant WaitShutdown returns.
	deadline := time.Now().Add(2 * time.Second)
	for hs.pool.InFlight() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hs.pool.InFlight() != 0 {
		t.Errorf("pool.InFlight() = %d after shutdown, want 0", hs.pool.InFlight())
	}
}

func TestSocketChannelHandlerRetriesOnPoolExhaustion(t *testing.T) {
	loop := ioloop.New()
	go loop.Run()
	t.Cleanup(loop.Stop)

	logger := logx.Nop()
	a, b, err := sockettest.NewPair(loop, logger)
	if err != nil {
		t.Fatalf("sockettest.NewPair() returned error: %s", err)
	}

	// maxInFlight=1 makes the very first Acquire succeed and every
	// concurrent one fail with OutOfMemory until it is released, so
	// holding the first message artificially starves doRead's own
	// Acquire, which then keeps retrying with backoff.
	pool := message.NewPool(1)
	hold, err := pool.Acquire(message.Write, 1)
	if err != nil {
		t.Fatalf("pool.Acquire() returned error: %s", err)
	}

	cfg := ioconfig.Default()
	ch := channel.New(loop, logger)
	h := New(a, pool, cfg, logger)
	slot := h.Attach(ch)
	slot.SetDownstreamReadWindow(channel.UnboundedWindow)
	ch.SetDownstreamSink(func(msg *message.Message) error { return nil })

	done := make(chan error, 1)
	if err := b.AsyncWrite([]byte("x"), func(err error) { done <- err }); err != nil {
		t.Fatalf("AsyncWrite() returned error: %s", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("peer write completion reported error: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer write completion")
	}

	// Give doRead a few backed-off retries against the held message,
	// then release it and confirm the handler is still alive (no
	// escalate/shutdown) both before and after the release.
	time.Sleep(50 * time.Millisecond)
	if h.LastError() != nil {
		t.Fatalf("LastError() = %v, want nil (pool exhaustion must retry, not escalate)", h.LastError())
	}
	pool.Release(hold)
	time.Sleep(50 * time.Millisecond)
	if h.LastError() != nil {
		t.Fatalf("LastError() = %v after pool recovered, want nil", h.LastError())
	}
}

func (hs *harness) done() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		hs.ch.WaitShutdown()
		close(ch)
	}()
	return ch
}
