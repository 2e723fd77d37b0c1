package manager

import (
	"context"
	"testing"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/config"
	"github.com/JonesHong/ASRHub-sub002/pkg/operator"
	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
	"github.com/JonesHong/ASRHub-sub002/pkg/store"
	"github.com/JonesHong/ASRHub-sub002/pkg/timer"
)

type nopEngine struct{}

func (nopEngine) Transcribe(ctx context.Context, audio []byte, format session.AudioFormat) (session.Transcription, error) {
	return session.Transcription{}, nil
}
func (nopEngine) Warmup(ctx context.Context) error      { return nil }
func (nopEngine) HealthCheck(ctx context.Context) error { return nil }
func (nopEngine) Close() error                          { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.MaxSessions = 10
	bus := action.NewBus()
	var st *store.Store
	timers := timer.New(action.DispatchFunc(func(a action.Action) { st.Dispatch(a) }), nil)
	pool := provider.New(cfg.Pool, func(ctx context.Context) (provider.Engine, error) {
		return nopEngine{}, nil
	}, nil)
	vadTemplate := operator.NewVAD(operator.VADConfig{FrameSamples: 512, SmoothingWindow: 3, FixedThreshold: 0.3})
	wwTemplate := operator.NewWakeWord(operator.WakeWordConfig{Model: "test", ScoreWindow: 10, Threshold: 0.5})
	st = store.New(cfg, bus, timers, pool, nil, vadTemplate, wwTemplate)
	store.NewEffects(st)
	return New(st, bus, nil)
}

func TestManagerCreateAndGetSession(t *testing.T) {
	mgr := newTestManager(t)
	id, err := mgr.CreateSession(session.StrategyNonStreaming, 0, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, err := mgr.GetSession(id)
	if err != nil {
		t.Fatalf("unexpected error fetching session: %v", err)
	}
	if snap.Metadata["k"] != "v" {
		t.Fatalf("expected metadata to round-trip, got %+v", snap.Metadata)
	}
}

func TestManagerGetUnknownSessionErrors(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.GetSession("nope"); err == nil {
		t.Fatalf("expected an error for an unknown session id")
	}
}

func TestManagerDestroySessionRemovesIt(t *testing.T) {
	mgr := newTestManager(t)
	id, _ := mgr.CreateSession(session.StrategyBatch, 0, nil)
	mgr.DestroySession(id)
	if _, err := mgr.GetSession(id); err == nil {
		t.Fatalf("expected destroyed session to be unknown")
	}
}

func TestManagerListSessions(t *testing.T) {
	mgr := newTestManager(t)
	mgr.CreateSession(session.StrategyNonStreaming, 0, nil)
	mgr.CreateSession(session.StrategyStreaming, 0, nil)
	if got := len(mgr.ListSessions()); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}
}

func TestManagerSetActive(t *testing.T) {
	mgr := newTestManager(t)
	id, _ := mgr.CreateSession(session.StrategyNonStreaming, 0, nil)
	mgr.SetActive(id)
	if got := mgr.store.ActiveSessionID(); got != id {
		t.Fatalf("expected active session %q, got %q", id, got)
	}
}

func TestManagerSubscribeReceivesDispatchedActions(t *testing.T) {
	mgr := newTestManager(t)
	id, _ := mgr.CreateSession(session.StrategyNonStreaming, 0, nil)
	sub := mgr.Subscribe(id, 8)
	defer mgr.Unsubscribe(id, sub)

	mgr.Dispatch(action.New(action.TypeStartListening, id, nil))

	select {
	case a := <-sub.Events():
		if a.SessionID != id {
			t.Fatalf("expected the action for our session, got %s", a.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a dispatched action")
	}
}
