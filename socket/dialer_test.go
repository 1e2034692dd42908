package socket

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sammck-go/iocore/errs"
)

// TestRedialWithBackoffRetriesThenSucceeds grounds RedialWithBackoff's use
// of jpillora/backoff the same way the teacher's tunnel client retries a
// briefly-unreachable server (share/client.go): the first two dial
// attempts fail, the third succeeds, and RedialWithBackoff must return
// that success rather than give up after the first failure.
func TestRedialWithBackoffRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	dial := func(ctx context.Context) (Socket, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errs.New(errs.SocketError, "dial attempt %d failed", n)
		}
		return dialSentinel{}, nil
	}

	b := &backoff.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	sock, err := RedialWithBackoff(context.Background(), b, dial)
	if err != nil {
		t.Fatalf("RedialWithBackoff() returned error: %s", err)
	}
	if sock == nil {
		t.Fatal("RedialWithBackoff() returned nil Socket on success")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("dial called %d times, want 3", got)
	}
}

// TestRedialWithBackoffRespectsContextCancellation confirms a canceled
// context stops the retry loop promptly instead of retrying forever
// against a target that never becomes reachable.
func TestRedialWithBackoffRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dial := func(ctx context.Context) (Socket, error) {
		return nil, errs.New(errs.SocketError, "always fails")
	}
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := RedialWithBackoff(ctx, b, dial)
	if err != ctx.Err() {
		t.Fatalf("RedialWithBackoff() error = %v, want %v", err, ctx.Err())
	}
}

// dialSentinel is a minimal Socket used only to prove RedialWithBackoff
// returns whatever dial eventually produces.
type dialSentinel struct{ Socket }
