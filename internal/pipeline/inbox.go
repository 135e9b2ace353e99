package pipeline

import (
	"context"
	"slices"
	"sync"

	"github.com/425732441/full-duplex-voice-demo/pkg/frame"
)

// envelope is one queued delivery. ack is non-nil for broadcast control
// frames only.
type envelope struct {
	f   frame.Frame
	dir Direction
	ack *sweep
}

// inbox is a bounded FIFO feeding one stage goroutine.
//
// Capacity applies to data frames only; control frames are inserted during a
// broadcast sweep and never block. The barrier is the id of the most recent
// interrupting control frame: interruptible data frames with a smaller id are
// stale and are dropped at enqueue.
type inbox struct {
	mu       sync.Mutex
	items    []envelope
	data     int
	capacity int
	barrier  uint64
	closed   bool

	notify chan struct{} // items became available
	space  chan struct{} // capacity was freed
	done   chan struct{} // closed by close()
}

func newInbox(capacity int) *inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &inbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// put enqueues a data frame, blocking while the inbox is full. It returns
// errStale without enqueueing when f is an interruptible frame behind the
// barrier. ctx is checked under the lock, so a context cancelled inside a
// sweep can never slip a frame past that sweep.
func (b *inbox) put(ctx context.Context, e envelope) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			b.mu.Unlock()
			return err
		}
		if e.f.Kind().Interruptible() && e.f.ID() < b.barrier {
			b.mu.Unlock()
			return errStale
		}
		if b.data < b.capacity {
			b.items = append(b.items, e)
			b.data++
			more := b.data < b.capacity
			b.mu.Unlock()
			signal(b.notify)
			if more {
				// Pass the wakeup on to any other blocked producer.
				signal(b.space)
			}
			return nil
		}
		b.mu.Unlock()

		select {
		case <-b.space:
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// insertLocked queues a control frame. The caller holds b.mu.
//
// When interrupting is set, queued interruptible data frames older than the
// control frame are discarded and the barrier is raised. The control frame is
// placed after every queued control frame and after every queued data frame
// older than itself, so no older data frame is delivered behind it.
func (b *inbox) insertLocked(e envelope, interrupting bool) (flushed int) {
	id := e.f.ID()
	if interrupting {
		kept := b.items[:0]
		for _, it := range b.items {
			if it.ack == nil && it.f.Kind().Interruptible() && it.f.ID() < id {
				flushed++
				continue
			}
			kept = append(kept, it)
		}
		clear(b.items[len(kept):])
		b.items = kept
		b.data -= flushed
		if id > b.barrier {
			b.barrier = id
		}
	}

	pos := 0
	for i, it := range b.items {
		if it.ack != nil || it.f.ID() < id {
			pos = i + 1
		}
	}
	b.items = slices.Insert(b.items, pos, e)
	return flushed
}

// take dequeues the next envelope, blocking until one is available.
func (b *inbox) take(ctx context.Context) (envelope, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			e := b.items[0]
			b.items[0] = envelope{}
			b.items = b.items[1:]
			if e.ack == nil {
				b.data--
			}
			b.mu.Unlock()
			if e.ack == nil {
				signal(b.space)
			}
			return e, nil
		}
		if b.closed {
			b.mu.Unlock()
			return envelope{}, ErrClosed
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-b.done:
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		}
	}
}

// close wakes every blocked producer and consumer. Queued items are dropped.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.items = nil
	b.data = 0
	close(b.done)
}

// size returns the number of queued envelopes.
func (b *inbox) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
