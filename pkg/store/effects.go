package store

import (
	"context"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
	"github.com/JonesHong/ASRHub-sub002/pkg/timer"
)

// uploadFrameBytes is the slice size the upload effect cuts a bulk file
// into before feeding it through the ordinary audio_chunk_received path:
// 100ms of canonical-format (16kHz mono 16-bit) PCM, the same framing the
// live ingest path naturally produces at a typical network MTU.
const uploadFrameBytes = 3200

// Effects wires the fixed set of async subscribers spec §4.7 names onto the
// store's action bus: the timer effect, the transcription effect, and the
// upload effects. (The FSM transition effect is folded directly into
// Store.Dispatch since computing next_state is pure and synchronous; the
// audio processing effect is pkg/pipeline.Pipeline.Submit, invoked by the
// protocol layer alongside Dispatch rather than as a bus subscriber, since
// it must run before the state_changed action it may itself produce.)
type Effects struct {
	store *Store
}

// NewEffects subscribes a fresh Effects instance to store's bus. The
// returned Effects has no exported API; it runs for the lifetime of the
// process.
func NewEffects(store *Store) *Effects {
	e := &Effects{store: store}
	sub := store.bus.Subscribe("", 1024)
	go e.run(sub)
	return e
}

func (e *Effects) run(sub *action.Subscriber) {
	for a := range sub.Events() {
		e.handleTimers(a)
		switch a.Type {
		case action.TypeBeginTranscription:
			go e.transcribe(a)
		case action.TypeUploadFile:
			go e.uploadFile(a)
		case action.TypeChunkUploadDone:
			e.store.Dispatch(action.New(action.TypeEndRecording, a.SessionID, map[string]any{"trigger": "upload_complete"}))
		}
	}
}

// uploadFile implements the bulk-upload effect (spec §4.7: "handle bulk
// file and chunked uploads by feeding their audio into the same chunk
// path"). It slices the whole blob into AudioChunks, pushes each onto the
// session queue and dispatches audio_chunk_received so the session counters
// stay accurate (a push that reports backpressure or overflow dispatches no
// backpressure action), then
// signals end_recording since a bulk upload arrives complete — there is no
// separate "done" event the way there is for a chunked upload.
func (e *Effects) uploadFile(a action.Action) {
	upload, ok := a.Payload.(session.UploadFile)
	if !ok {
		return
	}
	_, queue, ok := e.store.Get(a.SessionID)
	if !ok {
		return
	}

	for offset, seq := 0, uint64(0); offset < len(upload.Data); offset, seq = offset+uploadFrameBytes, seq+1 {
		end := offset + uploadFrameBytes
		if end > len(upload.Data) {
			end = len(upload.Data)
		}
		chunk := session.AudioChunk{
			Data:      upload.Data[offset:end],
			Format:    upload.Format,
			Sequence:  seq,
			ArrivedAt: time.Now(),
		}
		queue.Push(chunk)
		e.store.Dispatch(action.New(action.TypeAudioChunkReceived, a.SessionID, chunk))
	}

	e.store.Dispatch(action.New(action.TypeEndRecording, a.SessionID, map[string]any{"trigger": "upload_complete"}))
}

// handleTimers implements spec §4.8's default timer table: arms or cancels
// the named timer associated with the state a session just entered or the
// action it just received.
func (e *Effects) handleTimers(a action.Action) {
	if a.SessionID == "" {
		return
	}
	if _, _, ok := e.store.Get(a.SessionID); !ok {
		return
	}

	// session_idle resets on every action for the session.
	e.store.timers.Start(a.SessionID, timer.NameSessionIdle, e.store.cfg.Timer.SessionIdle,
		action.New(action.TypeFSMReset, a.SessionID, nil))

	switch a.Type {
	case action.TypeStateChanged:
		payload, _ := a.Payload.(map[string]any)
		to, _ := payload["to"].(session.State)
		switch to {
		case session.StateActivated:
			e.store.timers.Start(a.SessionID, timer.NameAwake, e.store.cfg.Timer.Awake,
				action.New(action.TypeFSMReset, a.SessionID, nil))
		case session.StateRecording:
			if e.store.cfg.Timer.Recording > 0 {
				e.store.timers.Start(a.SessionID, timer.NameRecording, e.store.cfg.Timer.Recording,
					action.New(action.TypeEndRecording, a.SessionID, map[string]any{"trigger": "timeout"}))
			}
		case session.StateStreaming:
			if e.store.cfg.Timer.Streaming > 0 {
				e.store.timers.Start(a.SessionID, timer.NameStreaming, e.store.cfg.Timer.Streaming,
					action.New(action.TypeEndASRStreaming, a.SessionID, nil))
			}
		case session.StateTranscribing:
			e.store.timers.Start(a.SessionID, timer.NameLLMClaim, e.store.cfg.Timer.LLMClaim,
				action.New(action.TypeFSMReset, a.SessionID, nil))
			// Entering TRANSCRIBING only accumulates audio; nothing actually
			// leases a provider until BEGIN_TRANSCRIPTION is dispatched (spec
			// §4.7's transcription effect). Driving that here, on the same
			// state_changed that arms llm_claim, is what actually connects
			// end_recording/end_asr_streaming to the transcription effect below.
			e.store.Dispatch(action.New(action.TypeBeginTranscription, a.SessionID, nil))
		default:
		}
	case action.TypeLLMReplyFinished:
		e.store.timers.Start(a.SessionID, timer.NameTTSClaim, e.store.cfg.Timer.TTSClaim,
			action.New(action.TypeFSMReset, a.SessionID, nil))
	case action.TypeSilenceDetected:
		e.store.timers.Start(a.SessionID, timer.NameVADSilence, e.store.cfg.VAD.MinSilenceDuration,
			action.New(action.TypeEndRecording, a.SessionID, map[string]any{"trigger": "vad_timeout"}))
	case action.TypeSpeechDetected:
		e.store.timers.Cancel(a.SessionID, timer.NameVADSilence)
	}
}

// transcribe implements the transcription effect (spec §4.7): leases a
// provider, runs it over the session's accumulated audio, dispatches
// TRANSCRIPTION_DONE or ERROR, and always releases the lease. It uses
// Pool.LeaseContext (spec §4.9's lease_context helper) rather than a bare
// Lease/defer Release pair, so a future change to this method can't
// reintroduce a leaked lease on an early return.
func (e *Effects) transcribe(a action.Action) {
	sess, queue, ok := e.store.Get(a.SessionID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.store.cfg.Pool.LeaseTimeout)
	defer cancel()

	chunks := queue.PopAll()
	var pcm []byte
	var format session.AudioFormat
	for _, c := range chunks {
		pcm = append(pcm, c.Data...)
		format = c.Format
	}

	var transcription session.Transcription
	err := e.store.pool.LeaseContext(ctx, a.SessionID, sess.Priority, e.store.cfg.Pool.LeaseTimeout, func(eng provider.Engine) error {
		t, err := eng.Transcribe(ctx, pcm, format)
		if err != nil {
			e.store.pool.MarkFailure(eng, err)
			return err
		}
		e.store.pool.MarkSuccess(eng)
		transcription = t
		return nil
	})
	if err != nil {
		e.store.Dispatch(action.New(action.TypeError, a.SessionID, session.SessionError{
			Kind: string(huberrors.KindProvider), Message: err.Error(),
		}))
		return
	}

	e.store.mu.RLock()
	_, hasSession := e.store.sessions[a.SessionID]
	e.store.mu.RUnlock()
	if !hasSession {
		return
	}

	e.store.Dispatch(action.New(action.TypeTranscriptionDone, a.SessionID, transcription))
}
