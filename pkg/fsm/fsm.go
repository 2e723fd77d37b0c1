// Package fsm implements the declarative per-strategy transition table
// described in spec §4.6. It exposes a single pure function, NextState,
// generalizing the teacher's fixed conversation flow
// (pkg/orchestrator/managed_stream.go's hard-coded idle -> listening ->
// speaking -> ... transitions encoded as imperative branches) into a
// table-driven engine that can express three distinct strategies without
// duplicating the imperative logic per strategy.
package fsm

import "github.com/JonesHong/ASRHub-sub002/pkg/session"

// Event is one of the canonical FSM events (spec §4.6).
type Event string

const (
	EventStartListening     Event = "start_listening"
	EventWakeTriggered       Event = "wake_triggered"
	EventStartRecording      Event = "start_recording"
	EventSpeechDetected      Event = "speech_detected"
	EventSilenceDetected     Event = "silence_detected"
	EventEndRecording        Event = "end_recording"
	EventBeginTranscription  Event = "begin_transcription"
	EventTranscriptionDone   Event = "transcription_done"
	EventStartASRStreaming   Event = "start_asr_streaming"
	EventEndASRStreaming     Event = "end_asr_streaming"
	EventLLMReplyStarted     Event = "llm_reply_started"
	EventLLMReplyFinished    Event = "llm_reply_finished"
	EventTTSPlaybackStarted  Event = "tts_playback_started"
	EventTTSPlaybackFinished Event = "tts_playback_finished"
	EventInterruptReply      Event = "interrupt_reply"
	EventTimeout             Event = "timeout"
	EventError               Event = "error"
	EventRecover             Event = "recover"
	EventReset               Event = "reset"
)

// Context is the read-only view a Guard evaluates against (spec §4.6:
// "side-effect-free predicates over (session_snapshot, action_payload)").
type Context struct {
	Session session.Snapshot
	Payload any
}

// Guard is a side-effect-free predicate gating a transition.
type Guard func(ctx Context) bool

// key identifies one (strategy, state, event) table entry.
type key struct {
	Strategy session.Strategy
	State    session.State
	Event    Event
}

// entry is a table row: next state plus an optional guard. When Guard is
// non-nil and returns false, the engine falls through to the entry's Else
// state (if set) or to no transition.
type entry struct {
	Next  session.State
	Guard Guard
	Else  session.State
	hasElse bool
}

// Table is a declarative (strategy, state, event) -> entry map. The zero
// value has no transitions; use NewTable to get the canonical tables.
type Table struct {
	rows map[key]entry
}

// NewTable builds the canonical transition tables for all three strategies
// (spec §4.6's canonical non-streaming flow, generalized to streaming and
// batch per spec §3's strategy field).
func NewTable() *Table {
	t := &Table{rows: make(map[key]entry)}
	t.addCommon(session.StrategyNonStreaming)
	t.addCommon(session.StrategyStreaming)
	t.addCommon(session.StrategyBatch)

	// Non-streaming: ACTIVATED -(speech_detected)-> RECORDING -(end_recording)-> TRANSCRIBING.
	t.add(session.StrategyNonStreaming, session.StateActivated, EventSpeechDetected, session.StateRecording, nil)
	t.add(session.StrategyNonStreaming, session.StateRecording, EventSilenceDetected, session.StateRecording, nil)
	t.add(session.StrategyNonStreaming, session.StateRecording, EventEndRecording, session.StateTranscribing, nil)

	// Streaming: ACTIVATED -(start_asr_streaming)-> STREAMING -(end_asr_streaming)-> TRANSCRIBING.
	t.add(session.StrategyStreaming, session.StateActivated, EventSpeechDetected, session.StateStreaming, nil)
	t.add(session.StrategyStreaming, session.StateActivated, EventStartASRStreaming, session.StateStreaming, nil)
	t.add(session.StrategyStreaming, session.StateStreaming, EventSilenceDetected, session.StateStreaming, nil)
	t.add(session.StrategyStreaming, session.StateStreaming, EventEndASRStreaming, session.StateTranscribing, nil)

	// Batch: ACTIVATED -(start_recording)-> RECORDING, no VAD-driven edges —
	// the caller supplies complete audio up front and ends the batch
	// explicitly (spec §4.6's three-strategy family, §9's batch semantics).
	t.add(session.StrategyBatch, session.StateActivated, EventStartRecording, session.StateRecording, nil)
	t.add(session.StrategyBatch, session.StateRecording, EventEndRecording, session.StateTranscribing, nil)

	// TRANSCRIBING -(transcription_done)-> BUSY if a reply will follow, else
	// back to ACTIVATED (spec §4.6: "BUSY (if LLM/TTS will reply) or ACTIVATED").
	willReply := func(ctx Context) bool {
		if m, ok := ctx.Payload.(map[string]any); ok {
			if v, ok := m["reply_expected"].(bool); ok {
				return v
			}
		}
		return false
	}
	for _, st := range []session.Strategy{session.StrategyNonStreaming, session.StrategyStreaming, session.StrategyBatch} {
		t.addGuarded(st, session.StateTranscribing, EventTranscriptionDone, session.StateBusy, willReply, session.StateActivated)
	}

	// BUSY lifecycle, shared across strategies.
	keepAwake := func(ctx Context) bool {
		if m, ok := ctx.Payload.(map[string]any); ok {
			if v, ok := m["keep_awake"].(bool); ok {
				return v
			}
		}
		return false
	}
	for _, st := range []session.Strategy{session.StrategyNonStreaming, session.StrategyStreaming, session.StrategyBatch} {
		t.add(st, session.StateBusy, EventLLMReplyStarted, session.StateBusy, nil)
		t.add(st, session.StateBusy, EventLLMReplyFinished, session.StateBusy, nil)
		t.add(st, session.StateBusy, EventTTSPlaybackStarted, session.StateBusy, nil)
		t.addGuarded(st, session.StateBusy, EventTTSPlaybackFinished, session.StateActivated, keepAwake, session.StateListening)
		t.add(st, session.StateBusy, EventInterruptReply, session.StateActivated, nil)
	}

	return t
}

func (t *Table) add(strategy session.Strategy, state session.State, ev Event, next session.State, guard Guard) {
	t.rows[key{strategy, state, ev}] = entry{Next: next, Guard: guard}
}

func (t *Table) addGuarded(strategy session.Strategy, state session.State, ev Event, next session.State, guard Guard, elseState session.State) {
	t.rows[key{strategy, state, ev}] = entry{Next: next, Guard: guard, Else: elseState, hasElse: true}
}

// addCommon wires the transitions identical across every strategy: the
// listening/wake preamble and the universal error/recover/reset edges
// (spec §4.6: "any --error--> ERROR; ERROR --recover--> previous_state;
// any --reset--> initial").
func (t *Table) addCommon(strategy session.Strategy) {
	t.add(strategy, session.StateIdle, EventStartListening, session.StateListening, nil)
	t.add(strategy, session.StateListening, EventWakeTriggered, session.StateActivated, nil)

	for _, st := range []session.State{
		session.StateIdle, session.StateListening, session.StateActivated,
		session.StateRecording, session.StateStreaming, session.StateTranscribing,
		session.StateBusy, session.StateError,
	} {
		t.add(strategy, st, EventError, session.StateError, nil)
		t.add(strategy, st, EventReset, session.InitialState(strategy), nil)
	}
	// StateTerminated is excluded: this implementation never transitions a
	// session into it (destruction removes the session outright rather than
	// moving it through the FSM), so it has no rows to wire.
	// ERROR --recover--> previous_state is resolved by the caller (NextState),
	// since the table alone cannot express "previous_state" as a literal.
}

// NextState is the engine's single pure entry point (spec §4.6): given a
// strategy, current state, event and guard context, returns the next state
// and whether a transition exists. A missing (state, event) pair returns
// (current, false) — "logged but do not error" (spec §4.6).
func NextState(t *Table, strategy session.Strategy, current session.State, previous session.State, ev Event, ctx Context) (session.State, bool) {
	if current == session.StateError && ev == EventRecover {
		return previous, true
	}
	e, ok := t.rows[key{strategy, current, ev}]
	if !ok {
		return current, false
	}
	if e.Guard == nil {
		return e.Next, true
	}
	if e.Guard(ctx) {
		return e.Next, true
	}
	if e.hasElse {
		return e.Else, true
	}
	return current, false
}
