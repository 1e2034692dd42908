// Package channel implements the minimal slice of the "channel pipeline"
// collaborator that spec §6 lists as external (slots, window accounting,
// message pool, cross-slot dispatch belong to the channel framework, not
// to this core). It provides just enough of a Channel/Slot/Handler
// contract to drive and test a tail Handler such as
// sockethandler.SocketChannelHandler against the operations named in §6:
// acquire/release via message.Pool, slot_send_message,
// slot_downstream_read_window, schedule_task, current_clock_time,
// slot_on_handler_shutdown_complete, channel_shutdown.
package channel

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/iocore/ioloop"
	"github.com/sammck-go/iocore/logx"
	"github.com/sammck-go/iocore/message"
)

// Direction names which half of a full-duplex handler a Shutdown call
// targets (spec §4.4's "Shutdown protocol").
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// UnboundedWindow is the value InitialWindowSize returns when a handler
// imposes no limit of its own (spec §4.4, initial_window_size: "Unbounded
// (maximum representable size)").
const UnboundedWindow = math.MaxInt64

// Handler is the vtable a channel-pipeline handler implements, exactly the
// slots enumerated in spec §6.
type Handler interface {
	// ProcessReadMessage handles a message arriving from upstream in the
	// read direction. A terminal handler (spec §4.4) rejects it as a
	// CantAcceptInput programmer error (sockethandler panics).
	ProcessReadMessage(msg *message.Message) error

	// ProcessWriteMessage handles a message arriving from upstream bound
	// for this handler's downstream resource (the socket, for
	// sockethandler).
	ProcessWriteMessage(msg *message.Message) error

	// IncrementReadWindow notifies the handler that downstream is now
	// willing to accept n more bytes.
	IncrementReadWindow(n int64)

	// InitialWindowSize is the read window this handler advertises
	// upstream when first inserted into the channel.
	InitialWindowSize() int64

	// Shutdown begins tearing down this handler in the given direction.
	Shutdown(dir Direction, err error, abort bool)

	// Destroy releases this handler's own resources. Called after the
	// channel's shutdown protocol has fully completed for this handler.
	Destroy()
}

// Slot is a handler's position within a Channel: it exposes the downstream
// read window and the send/acknowledge primitives a Handler is written
// against (spec §6's slot_* operations).
type Slot struct {
	ch      *Channel
	handler Handler

	downstreamWindow int64 // atomic

	shutdownAckMu   sync.Mutex
	readAcked       bool
	writeAcked      bool
	onShutdownAcked func(dir Direction, err error, abort bool)
}

// DownstreamReadWindow returns the number of bytes downstream currently
// permits this slot's handler to deliver (spec §6,
// slot_downstream_read_window). Tests drive this directly; a full channel
// framework would derive it from the next handler upstream's window
// accounting, which is out of this core's scope.
func (s *Slot) DownstreamReadWindow() int64 {
	return atomic.LoadInt64(&s.downstreamWindow)
}

// SetDownstreamReadWindow lets a test harness (or, in a full framework,
// the next slot upstream) adjust the window this slot's handler sees.
func (s *Slot) SetDownstreamReadWindow(n int64) {
	atomic.StoreInt64(&s.downstreamWindow, n)
}

// SendMessage delivers msg to whatever sits on the other side of this slot
// (spec §6, slot_send_message). In this minimal channel, that is the
// Channel's registered downstream sink for read-direction traffic; there
// is no upstream sink for write-direction traffic since sockethandler is
// always the pipeline's tail for writes (write messages arrive already
// addressed to it).
func (s *Slot) SendMessage(msg *message.Message, dir message.Direction) error {
	if dir == message.Read {
		return s.ch.deliverDownstream(msg)
	}
	return s.handler.ProcessWriteMessage(msg)
}

// ScheduleTask schedules task on this slot's channel's event loop (spec §6,
// schedule_task), for handlers that need to yield and continue (the
// read-loop fairness reschedule, or a deferred shutdown acknowledgment).
func (s *Slot) ScheduleTask(when time.Time, task ioloop.Task) {
	s.ch.ScheduleTask(when, task)
}

// Now returns this slot's channel's current time (spec §6,
// current_clock_time).
func (s *Slot) Now() time.Time {
	return s.ch.Now()
}

// InitiateChannelShutdown requests that the whole channel begin shutting
// down with err (spec §6, channel_shutdown), for a handler that has
// observed an unhealthy condition it cannot handle locally (spec §7:
// "Any unhealthy state escalates to channel shutdown").
func (s *Slot) InitiateChannelShutdown(err error) {
	s.ch.Shutdown(err)
}

// OnHandlerShutdownComplete acknowledges completion of this handler's
// shutdown in one direction back to the channel (spec §6,
// slot_on_handler_shutdown_complete).
func (s *Slot) OnHandlerShutdownComplete(dir Direction, err error, abort bool) {
	s.shutdownAckMu.Lock()
	if dir == Read {
		s.readAcked = true
	} else {
		s.writeAcked = true
	}
	done := s.readAcked && s.writeAcked
	cb := s.onShutdownAcked
	s.shutdownAckMu.Unlock()
	if cb != nil {
		cb(dir, err, abort)
	}
	if done && s.ch != nil {
		s.ch.onTailFullyShutdown(err)
	}
}

// Channel is the minimal pipeline driver: a single event loop, a tail
// Slot/Handler under test, and an optional downstream sink that receives
// read-direction messages the handler dispatches (standing in for "the
// rest of the pipeline", which spec §1 scopes out).
type Channel struct {
	loop   ioloop.EventLoop
	logger logx.Logger

	tail *Slot

	downstreamMu   sync.Mutex
	downstreamSink func(msg *message.Message) error

	shutdownMu      sync.Mutex
	shutdownErr     error
	shutdownStarted bool
	fullyShutdownCh chan struct{}
}

// New creates a Channel bound to loop. logger is forked per the teacher's
// convention of every component carrying its own prefixed Logger.
func New(loop ioloop.EventLoop, logger logx.Logger) *Channel {
	return &Channel{
		loop:            loop,
		logger:          logger.Fork("Channel"),
		fullyShutdownCh: make(chan struct{}),
	}
}

// Attach installs handler as this channel's tail slot and returns the Slot
// the handler should hold onto for the lifetime of its operations.
func (c *Channel) Attach(handler Handler) *Slot {
	s := &Slot{ch: c, handler: handler, downstreamWindow: handler.InitialWindowSize()}
	c.tail = s
	return s
}

// SetDownstreamSink registers the function that receives messages the tail
// handler dispatches in the read direction — standing in for "the next
// handler upstream" in a real multi-stage pipeline.
func (c *Channel) SetDownstreamSink(sink func(msg *message.Message) error) {
	c.downstreamMu.Lock()
	c.downstreamSink = sink
	c.downstreamMu.Unlock()
}

func (c *Channel) deliverDownstream(msg *message.Message) error {
	c.downstreamMu.Lock()
	sink := c.downstreamSink
	c.downstreamMu.Unlock()
	if sink == nil {
		return nil
	}
	return sink(msg)
}

// ScheduleTask schedules task to run on this channel's event loop at "when"
// (spec §6, schedule_task).
func (c *Channel) ScheduleTask(when time.Time, task ioloop.Task) {
	c.loop.Schedule(when, task)
}

// Now returns the channel's event loop's current time (spec §6,
// current_clock_time).
func (c *Channel) Now() time.Time {
	return c.loop.Now()
}

// IsShuttingDown reports whether Shutdown has been called on this channel.
func (c *Channel) IsShuttingDown() bool {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	return c.shutdownStarted
}

// Shutdown initiates channel-wide shutdown with err (spec §6,
// channel_shutdown). It tells the tail handler to shut down in both
// directions, aborting the read side so any still-open socket is closed
// promptly.
func (c *Channel) Shutdown(err error) {
	c.shutdownMu.Lock()
	if c.shutdownStarted {
		c.shutdownMu.Unlock()
		return
	}
	c.shutdownStarted = true
	c.shutdownErr = err
	c.shutdownMu.Unlock()

	c.logger.DLogf("channel shutdown requested: %v", err)
	// Handler.Shutdown must only run on the loop thread (spec §5); callers
	// of Channel.Shutdown are not assumed to already be there, so the
	// actual call is always handed off via Schedule, never invoked inline.
	c.loop.Schedule(c.loop.Now(), func() {
		if c.tail != nil {
			c.tail.handler.Shutdown(Read, err, true)
			c.tail.handler.Shutdown(Write, err, false)
		}
	})
}

func (c *Channel) onTailFullyShutdown(err error) {
	select {
	case <-c.fullyShutdownCh:
	default:
		close(c.fullyShutdownCh)
	}
}

// WaitShutdown blocks until the tail handler has acknowledged shutdown
// completion in both directions.
func (c *Channel) WaitShutdown() {
	<-c.fullyShutdownCh
}
