package action

import "sync"

// Middleware observes every action before it reaches subscribers. It never
// mutates the action and never blocks for long — the bus calls middleware
// synchronously on the dispatching goroutine, mirroring how the reducer
// itself must never block (spec §4.7).
type Middleware func(a Action)

// Subscriber receives a read-only stream of actions. Subscriptions are
// per-process (the store's internal effects) or per-session (external
// subscribers via Manager.Subscribe); both are modeled as a buffered channel
// fed by the bus, matching the teacher's buffered events channel
// (pkg/orchestrator/managed_stream.go: events chan OrchestratorEvent, cap 1024).
type Subscriber struct {
	ch chan Action
}

// Events returns the read-only channel of dispatched actions.
func (s *Subscriber) Events() <-chan Action { return s.ch }

// Bus is a typed, in-process action dispatcher with a fixed set of
// middleware and subscribers. There is no dynamic subscription discovery —
// per spec §9's design note, effects are a fixed set of tasks wired up by the
// composition root, not dynamically registered handlers.
type Bus struct {
	mu          sync.RWMutex
	middleware  []Middleware
	subscribers map[string][]*Subscriber // keyed by session id; "" = global
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]*Subscriber)}
}

// Use registers a middleware. Middleware run in registration order before
// any subscriber sees the action.
func (b *Bus) Use(m Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, m)
}

// Subscribe opens a new per-session (or global, if sessionID is "") channel
// of actions. The returned Subscriber must be closed with Unsubscribe when
// the caller is done, or it will leak a slot in the bus's subscriber list.
func (b *Bus) Subscribe(sessionID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscriber{ch: make(chan Action, buffer)}
	b.mu.Lock()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from the bus and closes its channel. Safe to call
// at most once per Subscriber.
func (b *Bus) Unsubscribe(sessionID string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subscribers[sessionID]
	for i, s := range list {
		if s == sub {
			b.subscribers[sessionID] = append(list[:i], list[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Dispatch runs middleware then fans the action out, non-blocking, to every
// subscriber of a.SessionID and every global subscriber. A slow or dead
// subscriber never blocks the dispatcher — a full channel silently drops the
// action for that subscriber, matching the teacher's non-blocking emit
// (managed_stream.go emit: select{ case ch<-ev: default: }).
func (b *Bus) Dispatch(a Action) {
	b.mu.RLock()
	mw := b.middleware
	b.mu.RUnlock()

	for _, m := range mw {
		m(a)
	}

	b.mu.RLock()
	targets := append([]*Subscriber{}, b.subscribers[a.SessionID]...)
	targets = append(targets, b.subscribers[""]...)
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- a:
		default:
		}
	}
}
