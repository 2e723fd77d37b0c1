package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/config"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// mockEngine is a hand-rolled fake, matching the teacher's style of testing
// against small interfaces without a mocking library.
type mockEngine struct {
	id        int
	closed    atomic.Bool
	failNext  bool
	failWarm  bool
}

func (m *mockEngine) Transcribe(ctx context.Context, audio []byte, format session.AudioFormat) (session.Transcription, error) {
	if m.failNext {
		return session.Transcription{}, errors.New("transcribe failed")
	}
	return session.Transcription{Text: "ok"}, nil
}

func (m *mockEngine) Warmup(ctx context.Context) error {
	if m.failWarm {
		return errors.New("warmup failed")
	}
	return nil
}

func (m *mockEngine) HealthCheck(ctx context.Context) error { return nil }

func (m *mockEngine) Close() error {
	m.closed.Store(true)
	return nil
}

func newTestFactory() (EngineFactory, *atomic.Int32) {
	var n atomic.Int32
	f := func(ctx context.Context) (Engine, error) {
		id := n.Add(1)
		return &mockEngine{id: int(id)}, nil
	}
	return f, &n
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinSize:                1,
		MaxSize:                2,
		PerSessionQuota:        1,
		MaxConsecutiveFailures: 2,
		LeaseTimeout:           200 * time.Millisecond,
		AgingFactor:            0.1,
	}
}

func TestPoolWarmMinSizeCreatesEngines(t *testing.T) {
	factory, n := newTestFactory()
	p := New(testPoolConfig(), factory, nil)
	if err := p.WarmMinSize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Load() != 1 {
		t.Fatalf("expected exactly min_size engines created, got %d", n.Load())
	}
	if p.Stats().Total != 1 || p.Stats().Idle != 1 {
		t.Fatalf("unexpected stats: %+v", p.Stats())
	}
}

func TestPoolWarmMinSizePropagatesFailure(t *testing.T) {
	factory := func(ctx context.Context) (Engine, error) {
		return nil, errors.New("boom")
	}
	p := New(testPoolConfig(), factory, nil)
	if err := p.WarmMinSize(context.Background()); err == nil {
		t.Fatalf("expected WarmMinSize to propagate a factory failure")
	}
}

func TestPoolLeaseAndRelease(t *testing.T) {
	factory, _ := newTestFactory()
	p := New(testPoolConfig(), factory, nil)

	eng, err := p.Lease(context.Background(), "sess-1", 0, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Stats().Leased != 1 {
		t.Fatalf("expected 1 leased engine, got %+v", p.Stats())
	}
	p.Release(eng)
	if p.Stats().Leased != 0 {
		t.Fatalf("expected 0 leased after release, got %+v", p.Stats())
	}
}

func TestPoolLeaseContextReleasesOnSuccessAndError(t *testing.T) {
	factory, _ := newTestFactory()
	p := New(testPoolConfig(), factory, nil)

	if err := p.LeaseContext(context.Background(), "sess-1", 0, time.Second, func(e Engine) error {
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Stats().Leased != 0 {
		t.Fatalf("expected lease released after fn returns nil, got %+v", p.Stats())
	}

	fnErr := errors.New("transcribe failed")
	err := p.LeaseContext(context.Background(), "sess-1", 0, time.Second, func(e Engine) error {
		return fnErr
	})
	if err != fnErr {
		t.Fatalf("expected LeaseContext to propagate fn's error, got %v", err)
	}
	if p.Stats().Leased != 0 {
		t.Fatalf("expected lease released even when fn errors, got %+v", p.Stats())
	}
}

func TestPoolLeaseRejectsOverQuota(t *testing.T) {
	factory, _ := newTestFactory()
	cfg := testPoolConfig()
	cfg.PerSessionQuota = 1
	p := New(cfg, factory, nil)

	if _, err := p.Lease(context.Background(), "sess-1", 0, time.Second); err != nil {
		t.Fatalf("unexpected error on first lease: %v", err)
	}
	if _, err := p.Lease(context.Background(), "sess-1", 0, time.Second); err == nil {
		t.Fatalf("expected quota rejection on a second lease by the same session")
	}
}

func TestPoolLeaseBlocksWaiterUntilRelease(t *testing.T) {
	factory, _ := newTestFactory()
	cfg := testPoolConfig()
	cfg.MaxSize = 1
	p := New(cfg, factory, nil)

	eng, err := p.Lease(context.Background(), "sess-1", 0, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Lease(context.Background(), "sess-2", 5, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // let sess-2 enqueue as a waiter
	p.Release(eng)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected the waiter to be satisfied by release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the queued lease to resolve")
	}
}

func TestPoolLeaseTimesOutWithoutRelease(t *testing.T) {
	factory, _ := newTestFactory()
	cfg := testPoolConfig()
	cfg.MaxSize = 1
	cfg.LeaseTimeout = 20 * time.Millisecond
	p := New(cfg, factory, nil)

	if _, err := p.Lease(context.Background(), "sess-1", 0, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := p.Lease(context.Background(), "sess-2", 0, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected a timeout error when no provider is released in time")
	}
}

func TestPoolMarkFailureEvictsAfterThreshold(t *testing.T) {
	factory, _ := newTestFactory()
	cfg := testPoolConfig()
	cfg.MaxConsecutiveFailures = 2
	p := New(cfg, factory, nil)

	eng, err := p.Lease(context.Background(), "sess-1", 0, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.MarkFailure(eng, errors.New("x"))
	p.MarkFailure(eng, errors.New("x"))
	p.Release(eng)

	if p.Stats().Unhealthy != 0 {
		// disposeLocked removes the handle from `all` entirely, so the
		// unhealthy engine should not linger in stats at all.
		t.Fatalf("expected the unhealthy engine to be disposed on release, got %+v", p.Stats())
	}
	if p.Stats().Total != 0 {
		t.Fatalf("expected disposal to drop total count, got %+v", p.Stats())
	}
}

func TestPoolStatsTracksLifetimeTotals(t *testing.T) {
	factory, _ := newTestFactory()
	cfg := testPoolConfig()
	cfg.MaxSize = 1
	cfg.LeaseTimeout = 10 * time.Millisecond
	p := New(cfg, factory, nil)

	eng, err := p.Lease(context.Background(), "sess-1", 0, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Lease(context.Background(), "sess-2", 0, 10*time.Millisecond); err == nil {
		t.Fatalf("expected sess-2's lease to time out")
	}
	p.Release(eng)

	s := p.Stats()
	if s.Created != 1 {
		t.Errorf("Created = %d, want 1", s.Created)
	}
	if s.LeasesGranted != 1 {
		t.Errorf("LeasesGranted = %d, want 1", s.LeasesGranted)
	}
	if s.Released != 1 {
		t.Errorf("Released = %d, want 1", s.Released)
	}
	if s.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", s.Timeouts)
	}
}

func TestPoolReleaseAllReleasesSessionLeases(t *testing.T) {
	factory, _ := newTestFactory()
	cfg := testPoolConfig()
	cfg.MaxSize = 2
	cfg.PerSessionQuota = 2
	p := New(cfg, factory, nil)

	if _, err := p.Lease(context.Background(), "sess-1", 0, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Lease(context.Background(), "sess-1", 0, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.ReleaseAll("sess-1")
	if p.Stats().Leased != 0 {
		t.Fatalf("expected all of sess-1's leases released, got %+v", p.Stats())
	}
}
