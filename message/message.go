// Package message implements the pooled buffer type that flows through a
// channel pipeline (spec §3 "Message", §5 "Resource policy": every
// acquired message is either dispatched exactly once or released exactly
// once, never both, never neither).
package message

import (
	"sync"

	"github.com/sammck-go/iocore/errs"
)

// Direction is the direction a Message is travelling through the pipeline.
type Direction int

const (
	// Read messages flow from the socket handler upstream (spec §4.4
	// do_read: "dispatch the message downstream (read direction)").
	Read Direction = iota

	// Write messages flow from upstream down to the socket handler
	// (spec §4.4 process_write_message).
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// CompletionFunc is invoked exactly once when a write Message's transfer to
// the socket completes (successfully or not). Read messages have no
// completion callback; ownership transfer downstream is the completion.
type CompletionFunc func(err error)

// Message is a pool-allocated buffer with a logical length and, for writes,
// a completion callback. Ownership passes from whoever currently holds it
// to exactly one of: the downstream slot (dispatch) or back to the Pool
// (release).
type Message struct {
	Buf        []byte
	Len        int
	Dir        Direction
	Completion CompletionFunc

	pool *Pool
}

// Bytes returns the valid prefix of the buffer, Buf[:Len].
func (m *Message) Bytes() []byte { return m.Buf[:m.Len] }

// Cap returns the total capacity of the underlying buffer.
func (m *Message) Cap() int { return len(m.Buf) }

// Complete invokes the completion callback, if any, with err. Safe to call
// on a read Message (a no-op, since those never carry one).
func (m *Message) Complete(err error) {
	if m.Completion != nil {
		m.Completion(err)
	}
}

// Pool is a first-fit free list of byte buffers behind Messages,
// analogous to the external "channel's pool" that spec §6 names as
// acquire_message_from_pool / release_message_to_pool. It counts
// acquisitions not yet released so leak bugs surface in tests; a second
// Release of the same Message is ignored.
type Pool struct {
	mu         sync.Mutex
	free       [][]byte
	maxInFlight int // 0 means unbounded
	inFlight    int
}

// NewPool creates a Pool. maxInFlight, if positive, makes Acquire return
// errs.OutOfMemory once that many messages are outstanding simultaneously
// — the hook tests use to exercise the allocator-exhaustion path.
func NewPool(maxInFlight int) *Pool {
	return &Pool{maxInFlight: maxInFlight}
}

// Acquire returns a Message with capacity at least size, for the given
// direction. The buffer's previous contents are not zeroed (the spec's
// "allocator interface is pluggable"; iocore does not promise zeroing).
func (p *Pool) Acquire(dir Direction, size int) (*Message, error) {
	p.mu.Lock()
	if p.maxInFlight > 0 && p.inFlight >= p.maxInFlight {
		p.mu.Unlock()
		return nil, errs.New(errs.OutOfMemory, "message pool exhausted (%d in flight)", p.inFlight)
	}
	var buf []byte
	for i, b := range p.free {
		if cap(b) >= size {
			buf = b[:size]
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	if buf == nil {
		buf = make([]byte, size)
	}
	p.inFlight++
	p.mu.Unlock()
	return &Message{Buf: buf, Dir: dir, pool: p}, nil
}

// Release returns m's buffer to the free list. Calling Release twice on the
// same Message, or releasing a Message that was already dispatched
// downstream, is a caller bug; iocore's callers never do both per the
// ownership rule above.
func (p *Pool) Release(m *Message) {
	if m == nil || m.pool == nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, m.Buf[:0:cap(m.Buf)])
	p.inFlight--
	p.mu.Unlock()
	m.pool = nil
}

// InFlight returns the number of messages acquired and not yet released.
// The pool does not see dispatch: a message handed downstream stays
// counted until its new owner releases it.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}
