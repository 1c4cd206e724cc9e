// Package librarian runs the debounced background analyzer that maintains a
// story's corpus, and buffers its live events for replay-then-follow
// subscribers.
package librarian

import (
	"context"
	"sync"

	"github.com/storyloom/storyloom/internal/stream"
)

// Buffer is the in-memory event log of one analysis run. Subscribers replay
// every buffered event in order, then follow live appends until done.
type Buffer struct {
	mu      sync.Mutex
	events  []stream.Event
	done    bool
	waiters []chan struct{}
}

// NewBuffer creates an empty analysis buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push appends an event and wakes all waiters. Pushes after completion are
// dropped.
func (b *Buffer) Push(ev stream.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.events = append(b.events, ev)
	b.wakeLocked()
}

// Complete finalizes the buffer with a finish event.
func (b *Buffer) Complete(finishReason string, stepCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	steps := stepCount
	b.events = append(b.events, stream.Event{Type: "finish", FinishReason: finishReason, StepCount: &steps})
	b.done = true
	b.wakeLocked()
}

// Fail finalizes the buffer with an error event.
func (b *Buffer) Fail(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.events = append(b.events, stream.Event{Type: "error", Error: msg})
	b.done = true
	b.wakeLocked()
}

// Done reports whether the buffer is finalized.
func (b *Buffer) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *Buffer) wakeLocked() {
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

// Subscribe returns a channel that replays all buffered events in order and
// then follows live appends, closing when the buffer is done or the context
// is canceled. Every subscriber sees the identical sequence.
func (b *Buffer) Subscribe(ctx context.Context) <-chan stream.Event {
	out := make(chan stream.Event)
	go func() {
		defer close(out)
		next := 0
		for {
			b.mu.Lock()
			pending := make([]stream.Event, len(b.events)-next)
			copy(pending, b.events[next:])
			next = len(b.events)
			done := b.done
			var wait chan struct{}
			if !done && len(pending) == 0 {
				wait = make(chan struct{})
				b.waiters = append(b.waiters, wait)
			}
			b.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if done && len(pending) == 0 {
				return
			}
			if done {
				continue
			}
			if wait == nil {
				continue
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
