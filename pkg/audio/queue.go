// Package audio implements the per-session audio pipeline primitives: the
// bounded FIFO queue of spec §4.1 and the format converter of spec §4.2.
// The queue generalizes the teacher's rolling audio buffer
// (pkg/orchestrator/managed_stream.go: a single []byte trimmed to
// maxBufferBytes=176400 on overflow) from a single flat byte slice into a
// chunk-aware FIFO with both byte and chunk caps and an explicit
// backpressure/drop disposition per push.
package audio

import (
	"context"
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// PushResult is the disposition of a single push (spec §4.1).
type PushResult string

const (
	PushAccepted        PushResult = "accepted"
	PushBackpressure    PushResult = "backpressure"
	PushDroppedOverflow PushResult = "dropped_overflow"
)

// Queue is a single-producer/single-consumer FIFO of AudioChunks bounded by
// both total bytes and chunk count (spec §4.1: "correctness does not
// require multi-producer semantics" — the mutex exists for the consumer
// side, which may run on a different goroutine than the producer).
type Queue struct {
	mu sync.Mutex

	maxBytes      int
	maxChunks     int
	highWaterMark float64

	chunks        []session.AudioChunk
	bytes         int
	lastTimestamp time.Time

	droppedOverflow uint64
	notify          chan struct{}
}

// NewQueue builds a Queue bounded by maxBytes and maxChunks. highWaterMark
// is the fraction of maxBytes at which push starts returning
// PushBackpressure instead of PushAccepted (spec §4.1's BACKPRESSURE
// signal).
func NewQueue(maxBytes, maxChunks int, highWaterMark float64) *Queue {
	return &Queue{
		maxBytes:      maxBytes,
		maxChunks:     maxChunks,
		highWaterMark: highWaterMark,
		notify:        make(chan struct{}, 1),
	}
}

// Push enqueues chunk. When capacity is exceeded, the oldest chunk(s) are
// evicted until the new chunk fits (spec §4.1: "the oldest chunk is evicted
// to accommodate the new one and the event is counted") and the result is
// PushDroppedOverflow. When the queue is merely past its high-water mark but
// still has room, the chunk is accepted and PushBackpressure is returned so
// the caller can signal the client.
func (q *Queue) Push(chunk session.AudioChunk) PushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := PushAccepted
	overflowed := false
	for (q.bytes+len(chunk.Data) > q.maxBytes || len(q.chunks)+1 > q.maxChunks) && len(q.chunks) > 0 {
		evicted := q.chunks[0]
		q.chunks = q.chunks[1:]
		q.bytes -= len(evicted.Data)
		overflowed = true
	}
	if overflowed {
		q.droppedOverflow++
		result = PushDroppedOverflow
	} else if q.maxBytes > 0 && float64(q.bytes+len(chunk.Data))/float64(q.maxBytes) >= q.highWaterMark {
		result = PushBackpressure
	}

	q.chunks = append(q.chunks, chunk)
	q.bytes += len(chunk.Data)
	q.lastTimestamp = chunk.ArrivedAt

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return result
}

// Pop removes and returns the oldest chunk without blocking. ok is false
// when the queue is empty.
func (q *Queue) Pop() (chunk session.AudioChunk, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return session.AudioChunk{}, false
	}
	chunk = q.chunks[0]
	q.chunks = q.chunks[1:]
	q.bytes -= len(chunk.Data)
	return chunk, true
}

// PopAll drains every currently queued chunk without blocking.
func (q *Queue) PopAll() []session.AudioChunk {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.chunks
	q.chunks = nil
	q.bytes = 0
	return out
}

// DrainUntil blocks, up to deadline, accumulating chunks until pred reports
// true of the accumulated slice or the deadline is reached, then returns
// whatever has accumulated so far (spec §4.1: "blocks up to a deadline
// while new chunks arrive").
func (q *Queue) DrainUntil(ctx context.Context, deadline time.Time, pred func([]session.AudioChunk) bool) []session.AudioChunk {
	var acc []session.AudioChunk
	for {
		acc = append(acc, q.PopAll()...)
		if pred(acc) {
			return acc
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return acc
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return acc
		case <-timer.C:
			return acc
		case <-q.notify:
			timer.Stop()
		}
	}
}

// Size returns the current chunk count.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Bytes returns the current total byte count.
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// LastTimestamp returns the arrival time of the most recently pushed chunk.
func (q *Queue) LastTimestamp() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastTimestamp
}

// DroppedOverflow returns the lifetime count of overflow evictions, for
// metrics export (spec §4.1: "counted in metrics").
func (q *Queue) DroppedOverflow() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedOverflow
}

// Clear drops all pending audio, used on session termination and
// clear_audio_buffer (spec §3: AudioChunk "dropped on session termination
// or clear_audio_buffer").
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = nil
	q.bytes = 0
}
