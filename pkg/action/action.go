// Package action defines the single currency of change flowing through the
// hub: a typed, immutable Action dispatched on a Bus. It generalizes the
// teacher's pkg/orchestrator.OrchestratorEvent/EventType (a discriminated
// string-tagged record) into the spec's action-stream model, per the design
// note in spec.md §9 ("prefer an enum of action variants and an exhaustive
// match in the reducer, with effects as a fixed set of async tasks consuming
// a typed channel").
package action

// Type is the symbolic action/event kind (spec §3, §4.6).
type Type string

const (
	// Ingress actions, dispatched by protocol servers (spec §6).
	TypeCreateSession     Type = "create_session"
	TypeDestroySession    Type = "destroy_session"
	TypeStartListening    Type = "start_listening"
	TypeAudioChunkReceived Type = "audio_chunk_received"
	TypeAudioMetadata     Type = "audio_metadata"
	TypeUploadFile        Type = "upload_file"
	TypeChunkUploadStart  Type = "chunk_upload_start"
	TypeChunkUploadDone   Type = "chunk_upload_done"
	TypeFSMReset          Type = "fsm_reset"
	TypeTouch             Type = "touch"

	// FSM events (spec §4.6).
	TypeStartRecording       Type = "start_recording"
	TypeWakeTriggered        Type = "wake_triggered"
	TypeSpeechDetected       Type = "speech_detected"
	TypeSilenceDetected      Type = "silence_detected"
	TypeEndRecording         Type = "end_recording"
	TypeBeginTranscription   Type = "begin_transcription"
	TypeTranscriptionDone    Type = "transcription_done"
	TypeStartASRStreaming    Type = "start_asr_streaming"
	TypeEndASRStreaming      Type = "end_asr_streaming"
	TypeLLMReplyStarted      Type = "llm_reply_started"
	TypeLLMReplyFinished     Type = "llm_reply_finished"
	TypeTTSPlaybackStarted   Type = "tts_playback_started"
	TypeTTSPlaybackFinished  Type = "tts_playback_finished"
	TypeInterruptReply       Type = "interrupt_reply"
	TypeTimeout              Type = "timeout"
	TypeError                Type = "error"
	TypeRecover              Type = "recover"

	// Derived / internal actions.
	TypeStateChanged  Type = "state_changed"
	TypeBackpressure  Type = "backpressure"
	TypeRejected      Type = "rejected"

	// Subscriber-facing session events (spec §6).
	TypeTranscriptPartial Type = "transcript_partial"
	TypeTranscriptFinal   Type = "transcript_final"
	TypeProgress          Type = "progress"
)

// Action is the single unit of change propagated through the hub. Payload is
// typed per Type; it always (implicitly, via SessionID) carries the session
// it concerns. Actions are immutable once constructed — callers must not
// mutate Payload after dispatch.
type Action struct {
	Type      Type
	SessionID string
	Payload   any
}

// New builds an Action. Payload may be nil for events that carry no data.
func New(t Type, sessionID string, payload any) Action {
	return Action{Type: t, SessionID: sessionID, Payload: payload}
}

// Dispatcher is satisfied by anything that accepts an Action for processing:
// *Bus itself (plain fan-out, no reducer), or pkg/store.Store (reducer then
// fan-out). Components that derive FSM-event-bearing actions — the pipeline
// orchestrator, the timer service — depend on this interface rather than on
// *Bus directly, so the composition root can point them at the reducer
// instead of having their actions silently skip it.
type Dispatcher interface {
	Dispatch(Action)
}

// DispatchFunc adapts a plain function to Dispatcher, the way http.HandlerFunc
// adapts a function to http.Handler.
type DispatchFunc func(Action)

// Dispatch calls f.
func (f DispatchFunc) Dispatch(a Action) { f(a) }
