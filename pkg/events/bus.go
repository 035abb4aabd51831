// Copyright 2025 Datalens AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// DefaultBusCapacity is the soft buffer bound before delta coalescing kicks
// in.
const DefaultBusCapacity = 64

var (
	// ErrTerminated is returned by Publish after a terminal event.
	ErrTerminated = errors.New("event bus already terminated")
	// ErrCancelled is returned by Publish after the consumer went away.
	ErrCancelled = errors.New("event bus cancelled by consumer")
)

// Bus is the single-producer single-consumer ordered event channel of one
// turn.
//
// Publish never blocks the engine: when the buffer exceeds its capacity,
// consecutive token deltas are coalesced (the surviving delta carries the
// concatenated text) while non-delta events are always preserved. Exactly one
// terminal event ends the stream; publishes after it are rejected.
type Bus struct {
	mu         sync.Mutex
	buf        []*Event
	capacity   int
	terminated bool
	notify     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBus creates a bus. capacity <= 0 selects DefaultBusCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Publish appends an event to the stream.
func (b *Bus) Publish(event *Event) error {
	b.mu.Lock()

	if b.terminated {
		b.mu.Unlock()
		return ErrTerminated
	}
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return ErrCancelled
	}

	if event.IsTerminal() {
		b.terminated = true
	}

	// Under backpressure, merge the incoming delta into a pending delta of
	// the same kind and step so no content is lost.
	if len(b.buf) >= b.capacity && event.IsDelta() {
		if last := b.lastCoalescibleLocked(event); last != nil {
			last.setContentChunk(last.ContentChunk() + event.ContentChunk())
			b.mu.Unlock()
			b.signal()
			return nil
		}
	}

	b.buf = append(b.buf, event)
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *Bus) lastCoalescibleLocked(event *Event) *Event {
	for i := len(b.buf) - 1; i >= 0; i-- {
		candidate := b.buf[i]
		if candidate.Kind == event.Kind && candidate.StepID() == event.StepID() {
			return candidate
		}
		// Only coalesce across a run of trailing deltas; merging past a
		// non-delta event would reorder the stream.
		if !candidate.IsDelta() {
			return nil
		}
	}
	return nil
}

func (b *Bus) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the stream ends, or ctx is done.
// The second return is false when no more events will arrive.
func (b *Bus) Next(ctx context.Context) (*Event, bool) {
	for {
		b.mu.Lock()
		if len(b.buf) > 0 {
			event := b.buf[0]
			b.buf = b.buf[1:]
			b.mu.Unlock()
			return event, true
		}
		terminated := b.terminated
		b.mu.Unlock()

		if terminated {
			return nil, false
		}

		select {
		case <-ctx.Done():
			b.cancel()
			return nil, false
		case <-b.ctx.Done():
			return nil, false
		case <-b.notify:
		}
	}
}

// Events returns a pull iterator over the stream. Iteration ends after the
// terminal event or when ctx is done; breaking out of the loop cancels the
// bus, signalling the engine to stop.
func (b *Bus) Events(ctx context.Context) iter.Seq[*Event] {
	return func(yield func(*Event) bool) {
		for {
			event, ok := b.Next(ctx)
			if !ok {
				return
			}
			if !yield(event) {
				b.cancel()
				return
			}
		}
	}
}

// Cancel signals the engine that the consumer disconnected.
func (b *Bus) Cancel() {
	b.cancel()
}

// Done is closed when the consumer cancelled the stream. The engine watches
// it to drain in-flight work and stop emitting.
func (b *Bus) Done() <-chan struct{} {
	return b.ctx.Done()
}

// Cancelled reports whether the consumer cancelled the stream.
func (b *Bus) Cancelled() bool {
	return b.ctx.Err() != nil
}

// Terminated reports whether a terminal event was published.
func (b *Bus) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}
