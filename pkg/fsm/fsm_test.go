package fsm

import (
	"testing"

	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

func TestCanonicalNonStreamingFlow(t *testing.T) {
	table := NewTable()

	steps := []struct {
		from  session.State
		event Event
		want  session.State
	}{
		{session.StateIdle, EventStartListening, session.StateListening},
		{session.StateListening, EventWakeTriggered, session.StateActivated},
		{session.StateActivated, EventSpeechDetected, session.StateRecording},
		{session.StateRecording, EventEndRecording, session.StateTranscribing},
	}

	for _, st := range steps {
		got, ok := NextState(table, session.StrategyNonStreaming, st.from, session.StateIdle, st.event, Context{})
		if !ok {
			t.Fatalf("expected a transition from %s on %s", st.from, st.event)
		}
		if got != st.want {
			t.Fatalf("from %s on %s: got %s, want %s", st.from, st.event, got, st.want)
		}
	}
}

func TestTranscriptionDoneGuard(t *testing.T) {
	table := NewTable()

	got, ok := NextState(table, session.StrategyNonStreaming, session.StateTranscribing, session.StateIdle, EventTranscriptionDone,
		Context{Payload: map[string]any{"reply_expected": true}})
	if !ok || got != session.StateBusy {
		t.Fatalf("expected BUSY when reply_expected, got %s ok=%v", got, ok)
	}

	got, ok = NextState(table, session.StrategyNonStreaming, session.StateTranscribing, session.StateIdle, EventTranscriptionDone,
		Context{Payload: map[string]any{"reply_expected": false}})
	if !ok || got != session.StateActivated {
		t.Fatalf("expected ACTIVATED when no reply expected, got %s ok=%v", got, ok)
	}
}

func TestMissingTransitionIsLoggedNotErrored(t *testing.T) {
	table := NewTable()
	got, ok := NextState(table, session.StrategyNonStreaming, session.StateIdle, session.StateIdle, EventEndRecording, Context{})
	if ok {
		t.Fatalf("expected no transition for IDLE+end_recording, got %s", got)
	}
	if got != session.StateIdle {
		t.Fatalf("expected state unchanged on missing transition, got %s", got)
	}
}

func TestErrorAndRecover(t *testing.T) {
	table := NewTable()

	got, ok := NextState(table, session.StrategyStreaming, session.StateStreaming, session.StateActivated, EventError, Context{})
	if !ok || got != session.StateError {
		t.Fatalf("expected ERROR, got %s ok=%v", got, ok)
	}

	got, ok = NextState(table, session.StrategyStreaming, session.StateError, session.StateActivated, EventRecover, Context{})
	if !ok || got != session.StateActivated {
		t.Fatalf("expected recover to previous_state ACTIVATED, got %s ok=%v", got, ok)
	}
}

func TestResetReturnsToInitialState(t *testing.T) {
	table := NewTable()
	for _, strategy := range []session.Strategy{session.StrategyNonStreaming, session.StrategyStreaming, session.StrategyBatch} {
		got, ok := NextState(table, strategy, session.StateBusy, session.StateActivated, EventReset, Context{})
		if !ok || got != session.InitialState(strategy) {
			t.Fatalf("%s: expected reset to initial state, got %s ok=%v", strategy, got, ok)
		}
	}
}

func TestResetFromErrorReturnsToInitialState(t *testing.T) {
	table := NewTable()
	for _, strategy := range []session.Strategy{session.StrategyNonStreaming, session.StrategyStreaming, session.StrategyBatch} {
		got, ok := NextState(table, strategy, session.StateError, session.StateActivated, EventReset, Context{})
		if !ok || got != session.InitialState(strategy) {
			t.Fatalf("%s: expected reset from ERROR to initial state, got %s ok=%v", strategy, got, ok)
		}
	}
}

func TestStreamingFlow(t *testing.T) {
	table := NewTable()
	got, ok := NextState(table, session.StrategyStreaming, session.StateActivated, session.StateListening, EventStartASRStreaming, Context{})
	if !ok || got != session.StateStreaming {
		t.Fatalf("expected STREAMING, got %s ok=%v", got, ok)
	}
	got, ok = NextState(table, session.StrategyStreaming, session.StateStreaming, session.StateActivated, EventEndASRStreaming, Context{})
	if !ok || got != session.StateTranscribing {
		t.Fatalf("expected TRANSCRIBING, got %s ok=%v", got, ok)
	}
}

func TestBatchFlowHasNoVADEdges(t *testing.T) {
	table := NewTable()
	_, ok := NextState(table, session.StrategyBatch, session.StateRecording, session.StateActivated, EventSilenceDetected, Context{})
	if ok {
		t.Fatalf("batch strategy should not react to silence_detected")
	}
	got, ok := NextState(table, session.StrategyBatch, session.StateActivated, session.StateListening, EventStartRecording, Context{})
	if !ok || got != session.StateRecording {
		t.Fatalf("expected RECORDING, got %s ok=%v", got, ok)
	}
}
