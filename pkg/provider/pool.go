package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonesHong/ASRHub-sub002/pkg/config"
	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/logging"
)

// Pool owns a bounded set of Engine instances and hands them out under a
// lease discipline (spec §4.9). It generalizes the teacher's single static
// provider-per-orchestrator wiring into a shared, multi-tenant pool with
// quota, aging-priority queuing, and health eviction.
type Pool struct {
	mu sync.Mutex

	cfg     config.PoolConfig
	factory EngineFactory
	log     logging.Logger

	nextID  uint64
	idle    []*handle
	all     map[uint64]*handle
	waiters *waiterQueue

	sessionLeaseCount map[string]int

	// Lifetime counters backing Stats (spec §4.9 "Statistics").
	createdTotal  int
	leasesTotal   int
	releasedTotal int
	timeoutsTotal  int
	errorsTotal    int
	waitMeanMillis float64
	waitSamples    int
}

// New builds a Pool. factory is used to lazily create engine instances up
// to cfg.MaxSize (spec §4.9, lease step 3).
func New(cfg config.PoolConfig, factory EngineFactory, log logging.Logger) *Pool {
	return &Pool{
		cfg:               cfg,
		factory:           factory,
		log:               logging.OrDefault(log),
		all:               make(map[uint64]*handle),
		waiters:           newWaiterQueue(8),
		sessionLeaseCount: make(map[string]int),
	}
}

// WarmMinSize eagerly creates cfg.MinSize engines concurrently, matching
// the pool's min_size configuration knob (spec §4.9). Unlike the pipeline's
// branch fan-out, a single failed warmup here aborts the rest: a pool that
// can't reach min_size at startup should fail fast rather than limp along,
// so this is exactly the case golang.org/x/sync/errgroup's cancel-on-error
// default is meant for.
func (p *Pool) WarmMinSize(ctx context.Context) error {
	p.mu.Lock()
	need := p.cfg.MinSize - len(p.all)
	p.mu.Unlock()
	if need <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < need; i++ {
		g.Go(func() error {
			return p.grow(gctx)
		})
	}
	return g.Wait()
}

// Lease implements spec §4.9's leasing semantics. It blocks up to timeout
// only in the "no idle, at capacity" case; the quota check and fresh-growth
// path never block.
func (p *Pool) Lease(ctx context.Context, sessionID string, priority int, timeout time.Duration) (Engine, error) {
	p.mu.Lock()

	if p.sessionLeaseCount[sessionID] >= p.cfg.PerSessionQuota {
		p.mu.Unlock()
		return nil, huberrors.ErrNoCapacityForSession
	}

	if h := p.popIdleLocked(); h != nil {
		p.assignLocked(h, sessionID)
		p.recordLeaseLocked(time.Time{})
		p.mu.Unlock()
		return h.engine, nil
	}

	if len(p.all) < p.cfg.MaxSize {
		p.mu.Unlock()
		if err := p.grow(ctx); err != nil {
			return nil, err
		}
		p.mu.Lock()
		h := p.popIdleLocked()
		if h == nil {
			p.mu.Unlock()
			return nil, huberrors.Wrap(huberrors.KindProvider, "engine created but not found idle", nil)
		}
		p.assignLocked(h, sessionID)
		p.recordLeaseLocked(time.Time{})
		p.mu.Unlock()
		return h.engine, nil
	}

	enqueuedAt := time.Now()
	w := &waiter{sessionID: sessionID, priority: priority, enqueuedAt: enqueuedAt, ready: make(chan *handle, 1)}
	p.waiters.push(w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-w.ready:
		if h == nil {
			p.mu.Lock()
			p.errorsTotal++
			p.mu.Unlock()
			return nil, huberrors.ErrPoolInitializationFailed
		}
		p.mu.Lock()
		p.recordLeaseLocked(enqueuedAt)
		p.mu.Unlock()
		return h.engine, nil
	case <-timer.C:
		p.mu.Lock()
		w.cancelled = true
		p.waiters.remove(w)
		p.timeoutsTotal++
		p.mu.Unlock()
		return nil, huberrors.ErrLeaseTimeout
	case <-ctx.Done():
		p.mu.Lock()
		w.cancelled = true
		p.waiters.remove(w)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// LeaseContext implements spec §4.9's lease_context helper: it leases a
// provider, invokes fn with it, and releases it unconditionally afterward —
// so a caller cannot forget to release on an error or panic path the way a
// bare Lease/Release pair can. MarkSuccess/MarkFailure are still the
// caller's responsibility, since only the caller knows whether fn's
// outcome reflects the engine's health.
func (p *Pool) LeaseContext(ctx context.Context, sessionID string, priority int, timeout time.Duration, fn func(Engine) error) error {
	e, err := p.Lease(ctx, sessionID, priority, timeout)
	if err != nil {
		return err
	}
	defer p.Release(e)
	return fn(e)
}

// Release implements spec §4.9's release semantics: decrement quota,
// dispose if unhealthy, reassign directly to the best waiter if one exists,
// shut down if above min_size with no waiters, else return to idle.
func (p *Pool) Release(e Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.findByEngineLocked(e)
	if h == nil {
		return
	}
	p.releasedTotal++

	sessionID := h.leasedBySession
	if sessionID != "" {
		p.sessionLeaseCount[sessionID]--
		if p.sessionLeaseCount[sessionID] <= 0 {
			delete(p.sessionLeaseCount, sessionID)
		}
	}
	h.leasedBySession = ""
	h.leaseTime = time.Time{}

	if !h.isHealthy {
		p.disposeLocked(h)
		return
	}

	for {
		w := p.waiters.popBest(p.cfg.AgingFactor, time.Now())
		if w == nil {
			break
		}
		if w.cancelled {
			continue
		}
		p.assignLocked(h, w.sessionID)
		w.ready <- h
		return
	}

	if len(p.all) > p.cfg.MinSize {
		p.disposeLocked(h)
		return
	}

	p.idle = append(p.idle, h)
}

// MarkSuccess resets the consecutive-failure counter for e (spec §4.9).
func (p *Pool) MarkSuccess(e Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h := p.findByEngineLocked(e); h != nil {
		h.consecutiveFailures = 0
	}
}

// MarkFailure increments e's consecutive-failure counter and, on reaching
// max_consecutive_failures, marks it unhealthy and removes it from the idle
// set immediately (spec §4.9).
func (p *Pool) MarkFailure(e Engine, reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.findByEngineLocked(e)
	if h == nil {
		return
	}
	h.consecutiveFailures++
	p.log.Warn("provider failure", "consecutive_failures", h.consecutiveFailures, "reason", reason)
	if h.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
		h.isHealthy = false
		p.removeFromIdleLocked(h)
	}
}

// Stats returns a snapshot of the pool's current composition plus its
// lifetime totals and rolling average wait time (spec §4.9 "Statistics").
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Total:         len(p.all),
		Idle:          len(p.idle),
		Waiters:       p.waiters.len(),
		Created:       p.createdTotal,
		LeasesGranted: p.leasesTotal,
		Released:      p.releasedTotal,
		Timeouts:      p.timeoutsTotal,
		Errors:        p.errorsTotal,
		AvgWaitMillis: p.waitMeanMillis,
	}
	for _, h := range p.all {
		if !h.isHealthy {
			s.Unhealthy++
		}
		if h.leasedBySession != "" {
			s.Leased++
		}
	}
	return s
}

// ReleaseAll forcibly releases every lease held by sessionID, used on
// session termination (spec §3: "terminated by destroy_session, which
// releases all leases").
func (p *Pool) ReleaseAll(sessionID string) {
	p.mu.Lock()
	var held []*handle
	for _, h := range p.all {
		if h.leasedBySession == sessionID {
			held = append(held, h)
		}
	}
	p.mu.Unlock()
	for _, h := range held {
		p.Release(h.engine)
	}
}

func (p *Pool) grow(ctx context.Context) error {
	e, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.errorsTotal++
		p.mu.Unlock()
		return huberrors.Wrap(huberrors.KindProvider, "failed to create engine", err)
	}
	if err := e.Warmup(ctx); err != nil {
		_ = e.Close()
		p.mu.Lock()
		p.errorsTotal++
		p.mu.Unlock()
		return huberrors.Wrap(huberrors.KindProvider, "engine warmup failed", err)
	}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	h := &handle{id: id, engine: e, isHealthy: true}
	p.all[id] = h
	p.idle = append(p.idle, h)
	p.createdTotal++
	p.mu.Unlock()
	return nil
}

// recordLeaseLocked accounts a granted lease toward the lifetime totals and
// updates the rolling average wait time via an incremental mean (spec §4.9
// "Statistics": "rolling average wait time"). waitedSince is the time the
// request was first made; zero for requests satisfied without queueing.
func (p *Pool) recordLeaseLocked(waitedSince time.Time) {
	p.leasesTotal++
	var waitMillis float64
	if !waitedSince.IsZero() {
		waitMillis = float64(time.Since(waitedSince)) / float64(time.Millisecond)
	}
	p.waitSamples++
	p.waitMeanMillis += (waitMillis - p.waitMeanMillis) / float64(p.waitSamples)
}

func (p *Pool) popIdleLocked() *handle {
	for len(p.idle) > 0 {
		h := p.idle[0]
		p.idle = p.idle[1:]
		if h.isHealthy {
			return h
		}
		p.disposeLocked(h)
	}
	return nil
}

func (p *Pool) assignLocked(h *handle, sessionID string) {
	h.leasedBySession = sessionID
	h.leaseTime = time.Now()
	p.sessionLeaseCount[sessionID]++
}

func (p *Pool) removeFromIdleLocked(h *handle) {
	for i, c := range p.idle {
		if c == h {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) disposeLocked(h *handle) {
	p.removeFromIdleLocked(h)
	delete(p.all, h.id)
	go func() {
		if err := h.engine.Close(); err != nil {
			p.log.Warn("error closing provider", "error", err)
		}
	}()
}

func (p *Pool) findByEngineLocked(e Engine) *handle {
	for _, h := range p.all {
		if h.engine == e {
			return h
		}
	}
	return nil
}
