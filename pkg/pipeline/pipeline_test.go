package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/audio"
	"github.com/JonesHong/ASRHub-sub002/pkg/operator"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// recordingBranch is a hand-rolled test double recording every chunk it saw,
// used to assert per-session chunk ordering (spec'd ordering guarantee).
type recordingBranch struct {
	name  string
	mu    sync.Mutex
	seen  []uint64
	onRun func(view SessionView, chunk session.AudioChunk) ([]action.Action, error)
}

func newRecordingBranch(name string) *recordingBranch {
	return &recordingBranch{name: name}
}

func (b *recordingBranch) Name() string { return b.name }

func (b *recordingBranch) Enabled(SessionView) bool { return true }

func (b *recordingBranch) Run(view SessionView, chunk session.AudioChunk, now time.Time) ([]action.Action, error) {
	b.mu.Lock()
	b.seen = append(b.seen, chunk.Sequence)
	b.mu.Unlock()
	if b.onRun != nil {
		return b.onRun(view, chunk)
	}
	return nil, nil
}

func TestPipelinePreservesPerSessionOrdering(t *testing.T) {
	branch := newRecordingBranch("recorder")
	bus := action.NewBus()
	pl := New([]Branch{branch}, bus, nil)

	q := audio.NewQueue(100000, 1000, 1.0)
	view := SessionView{ID: "sess-1", State: session.StateActivated}

	for i := uint64(0); i < 20; i++ {
		pl.Submit(view, session.AudioChunk{Sequence: i, Data: []byte{0, 0}}, q)
	}

	deadline := time.Now().Add(time.Second)
	for {
		branch.mu.Lock()
		n := len(branch.seen)
		branch.mu.Unlock()
		if n == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for all chunks to be processed, saw %d/20", n)
		}
		time.Sleep(time.Millisecond)
	}

	branch.mu.Lock()
	defer branch.mu.Unlock()
	for i, seq := range branch.seen {
		if seq != uint64(i) {
			t.Fatalf("expected chunk sequence %d at position %d, got %d (ordering violated)", i, i, seq)
		}
	}
}

func TestPipelineDropsChunksWhenBusy(t *testing.T) {
	branch := newRecordingBranch("recorder")
	bus := action.NewBus()
	pl := New([]Branch{branch}, bus, nil)

	q := audio.NewQueue(100000, 1000, 1.0)
	view := SessionView{ID: "sess-1", State: session.StateBusy}
	pl.Submit(view, session.AudioChunk{Sequence: 0, Data: []byte{0, 0}}, q)

	time.Sleep(20 * time.Millisecond)
	if q.Size() != 0 {
		t.Fatalf("expected the chunk to be dropped (not even queued) while BUSY, queue size=%d", q.Size())
	}
}

func TestPipelineDispatchesBackpressureOnHighWaterMark(t *testing.T) {
	branch := newRecordingBranch("recorder")
	bus := action.NewBus()
	pl := New([]Branch{branch}, bus, nil)

	sub := bus.Subscribe("sess-1", 16)
	defer bus.Unsubscribe("sess-1", sub)

	q := audio.NewQueue(100, 1000, 0.5)
	view := SessionView{ID: "sess-1", State: session.StateActivated}
	pl.Submit(view, session.AudioChunk{Sequence: 0, Data: make([]byte, 80)}, q)

	select {
	case a := <-sub.Events():
		if a.Type != action.TypeBackpressure {
			t.Fatalf("expected a backpressure action, got %s", a.Type)
		}
		payload, ok := a.Payload.(map[string]any)
		if !ok || payload["level"] != "high" {
			t.Fatalf("expected level=high, got %+v", a.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for backpressure action")
	}
}

func TestPipelineDispatchesCriticalBackpressureOnOverflow(t *testing.T) {
	branch := newRecordingBranch("recorder")
	bus := action.NewBus()
	pl := New([]Branch{branch}, bus, nil)

	sub := bus.Subscribe("sess-1", 16)
	defer bus.Unsubscribe("sess-1", sub)

	q := audio.NewQueue(100, 1000, 1.0)
	view := SessionView{ID: "sess-1", State: session.StateActivated}
	pl.Submit(view, session.AudioChunk{Sequence: 0, Data: make([]byte, 90)}, q)
	pl.Submit(view, session.AudioChunk{Sequence: 1, Data: make([]byte, 90)}, q)

	deadline := time.After(time.Second)
	for {
		select {
		case a := <-sub.Events():
			if a.Type != action.TypeBackpressure {
				continue
			}
			payload, ok := a.Payload.(map[string]any)
			if !ok || payload["level"] != "critical" {
				t.Fatalf("expected level=critical, got %+v", a.Payload)
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for critical backpressure action")
		}
	}
}

func TestPipelineBranchPanicDoesNotStopOthers(t *testing.T) {
	panicky := newRecordingBranch("panicky")
	panicky.onRun = func(view SessionView, chunk session.AudioChunk) ([]action.Action, error) {
		panic("boom")
	}
	survivor := newRecordingBranch("survivor")

	bus := action.NewBus()
	pl := New([]Branch{panicky, survivor}, bus, nil)

	q := audio.NewQueue(100000, 1000, 1.0)
	view := SessionView{ID: "sess-1", State: session.StateActivated}
	pl.Submit(view, session.AudioChunk{Sequence: 0, Data: []byte{0, 0}}, q)

	deadline := time.Now().Add(time.Second)
	for {
		survivor.mu.Lock()
		n := len(survivor.seen)
		survivor.mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the surviving branch to still run despite the panicking one")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestVADBranchEnabledStates(t *testing.T) {
	vad := operator.NewVAD(operator.VADConfig{FrameSamples: 160, SmoothingWindow: 2, FixedThreshold: 0.3})
	b := NewVADBranch(func(string) *operator.VAD { return vad })

	cases := map[session.State]bool{
		session.StateActivated: true,
		session.StateRecording: true,
		session.StateStreaming: true,
		session.StateIdle:      false,
		session.StateBusy:      false,
	}
	for state, want := range cases {
		if got := b.Enabled(SessionView{State: state}); got != want {
			t.Errorf("VADBranch.Enabled(%s) = %v, want %v", state, got, want)
		}
	}
}

func TestWakeWordBranchFiresWakeTriggered(t *testing.T) {
	ww := operator.NewWakeWord(operator.WakeWordConfig{Model: "m", ScoreWindow: 3, Threshold: 0.5})
	b := NewWakeWordBranch(func(string) *operator.WakeWord { return ww }, func(session.AudioChunk) float64 { return 0.9 })

	if !b.Enabled(SessionView{State: session.StateListening}) {
		t.Fatalf("expected wake-word branch enabled in LISTENING")
	}

	actions, err := b.Run(SessionView{ID: "sess-1", State: session.StateListening}, session.AudioChunk{}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 1 || actions[0].Type != action.TypeWakeTriggered {
		t.Fatalf("expected a single wake_triggered action, got %+v", actions)
	}
}

func TestConversionBranchSkipsWhenAlreadyCanonical(t *testing.T) {
	conv := audio.NewConverter()
	b := NewConversionBranch(conv, session.CanonicalFormat, session.QualityMedium)
	chunk := session.AudioChunk{Data: []byte{1, 2}, Format: session.CanonicalFormat}
	actions, err := b.Run(SessionView{}, chunk, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no derived actions for an already-canonical chunk")
	}
}
