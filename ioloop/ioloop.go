// Package ioloop provides the thread-pinned task scheduler that spec §1
// lists as an external collaborator ("out of scope... we reference [it]
// only"). A concrete implementation is still needed to run and test
// sockethandler, so this is a small, single-goroutine FIFO-at-equal-time
// scheduler in the spirit of the teacher's goroutine-driven primitives
// (share/shutdown_helper.go's single background goroutine per object,
// pkg/wstchannel/loop_server.go's mutex-guarded registry) rather than a
// production-grade multi-reactor implementation — callers needing one
// (epoll/kqueue readiness, thread pinning across a pool) supply their own
// EventLoop; iocore only requires the interface below.
package ioloop

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a unit of work scheduled for execution on an EventLoop. It always
// runs on the loop's single goroutine.
type Task func()

// EventLoop is the scheduler contract consumed by channel and
// sockethandler: schedule_task, current_clock_time from spec §6.
type EventLoop interface {
	// Schedule enqueues task to run at or after "when". Tasks scheduled
	// for the same instant run in the order Schedule was called (FIFO),
	// which is what the WRITE-shutdown deferred-acknowledgment guarantee
	// in spec §4.4 depends on.
	Schedule(when time.Time, task Task)

	// Now returns the loop's notion of current time; the only method safe
	// to call from any goroutine.
	Now() time.Time

	// OnLoopThread reports whether Run is currently active for this loop.
	// It does not identify the calling goroutine: while Run is active it
	// returns true from any goroutine.
	OnLoopThread() bool

	// Run drives the loop until Stop is called. Run must be invoked from
	// the goroutine that will become "the loop thread".
	Run()

	// Stop asks the loop to finish any task already dequeued and then
	// return from Run. Safe to call from any goroutine.
	Stop()
}

type timerTask struct {
	when time.Time
	seq  uint64
	task Task
}

type timerHeap []*timerTask

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerTask)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// loop is the default EventLoop: one goroutine owns a min-heap of pending
// tasks ordered by (when, insertion sequence), and sleeps via time.Timer
// until the next one is due or a new earlier task arrives.
type loop struct {
	mu       sync.Mutex
	pending  timerHeap
	nextSeq  uint64
	wake     chan struct{}
	stop     chan struct{}
	loopGo   chan struct{} // closed once Run's goroutine is known
	threadID func() bool
}

// New creates an EventLoop that has not yet started running; call Run from
// the goroutine that should own it.
func New() EventLoop {
	return &loop{
		pending: timerHeap{},
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (l *loop) Schedule(when time.Time, task Task) {
	l.mu.Lock()
	l.nextSeq++
	heap.Push(&l.pending, &timerTask{when: when, seq: l.nextSeq, task: task})
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) Now() time.Time { return time.Now() }

var currentLoopThread sync.Map // goroutine marker set by Run; best-effort only

func (l *loop) OnLoopThread() bool {
	v, ok := currentLoopThread.Load(l)
	return ok && v.(bool)
}

func (l *loop) Run() {
	currentLoopThread.Store(l, true)
	defer currentLoopThread.Delete(l)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		l.mu.Lock()
		var sleep time.Duration
		if len(l.pending) == 0 {
			sleep = time.Hour
		} else {
			sleep = time.Until(l.pending[0].when)
			if sleep < 0 {
				sleep = 0
			}
		}
		l.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-l.stop:
			return
		case <-l.wake:
		case <-timer.C:
		}

		for {
			l.mu.Lock()
			if len(l.pending) == 0 || l.pending[0].when.After(time.Now()) {
				l.mu.Unlock()
				break
			}
			tt := heap.Pop(&l.pending).(*timerTask)
			l.mu.Unlock()
			tt.task()
		}

		select {
		case <-l.stop:
			return
		default:
		}
	}
}

func (l *loop) Stop() {
	close(l.stop)
}
