package provider

import (
	"container/heap"
	"time"
)

// waiter is one pending LeaseRequest (spec §4.9, spec §3: "LeaseRequest
// {session_id, priority, enqueued_at}").
type waiter struct {
	sessionID  string
	priority   int
	enqueuedAt time.Time
	seq        uint64
	ready      chan *handle
	cancelled  bool
}

// effectivePriority is base_priority + aging_factor*age_ms (spec §4.9's
// aging formula).
func (w *waiter) effectivePriority(agingFactor float64, now time.Time) float64 {
	ageMs := float64(now.Sub(w.enqueuedAt).Milliseconds())
	return float64(w.priority) + agingFactor*ageMs
}

// waiterHeap is a max-heap on base priority with FIFO tie-break via a
// monotonic sequence number, directly grounded on
// MrWong99-glyphoxa/pkg/audio/mixer/heap.go's segmentHeap (entry{segment,
// priority, seq}, Less defined so higher priority sorts first and equal
// priority falls back to insertion order).
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waiterHeap) Push(x any) {
	*h = append(*h, x.(*waiter))
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// waiterQueue wraps waiterHeap with the pool's aging selection policy: on
// release, only the first K entries (by base priority) are considered for
// their *effective*, age-adjusted priority, keeping selection bounded
// regardless of total waiter count (spec §4.9: "The scan is bounded to the
// first K candidates to keep selection O(1) per release").
type waiterQueue struct {
	h       waiterHeap
	nextSeq uint64
	scanK   int
}

func newWaiterQueue(scanK int) *waiterQueue {
	if scanK <= 0 {
		scanK = 8
	}
	q := &waiterQueue{scanK: scanK}
	heap.Init(&q.h)
	return q
}

func (q *waiterQueue) push(w *waiter) {
	w.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.h, w)
}

func (q *waiterQueue) len() int { return q.h.Len() }

// popBest removes and returns the waiter with the highest effective
// priority among the first scanK base-priority-ordered candidates.
func (q *waiterQueue) popBest(agingFactor float64, now time.Time) *waiter {
	if q.h.Len() == 0 {
		return nil
	}
	k := q.scanK
	if k > q.h.Len() {
		k = q.h.Len()
	}

	candidates := make([]*waiter, 0, k)
	for i := 0; i < k; i++ {
		candidates = append(candidates, heap.Pop(&q.h).(*waiter))
	}

	bestIdx := 0
	bestScore := candidates[0].effectivePriority(agingFactor, now)
	for i := 1; i < len(candidates); i++ {
		score := candidates[i].effectivePriority(agingFactor, now)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	best := candidates[bestIdx]
	for i, c := range candidates {
		if i != bestIdx {
			heap.Push(&q.h, c)
		}
	}
	return best
}

// remove drops w from the queue without selecting it, used when a waiter's
// lease times out (spec §4.9, step 5: "remove from queue, return TIMEOUT").
func (q *waiterQueue) remove(w *waiter) {
	for i, c := range q.h {
		if c == w {
			heap.Remove(&q.h, i)
			return
		}
	}
}
