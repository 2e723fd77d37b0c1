package store

import (
	"testing"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
	"github.com/JonesHong/ASRHub-sub002/pkg/timer"
)

func TestEffectsArmAwakeTimerOnActivated(t *testing.T) {
	st, bus := newTestStore(t, 10)
	st.cfg.Timer.Awake = 20 * time.Millisecond
	NewEffects(st)

	sess, _ := st.CreateSession(session.StrategyNonStreaming, 0, nil)
	sub := bus.Subscribe(sess.ID, 16)
	defer bus.Unsubscribe(sess.ID, sub)

	st.Dispatch(action.New(action.TypeStartListening, sess.ID, nil))
	st.Dispatch(action.New(action.TypeWakeTriggered, sess.ID, nil))

	deadline := time.Now().Add(500 * time.Millisecond)
	for !st.timers.Pending(sess.ID, timer.NameAwake) {
		if time.Now().After(deadline) {
			t.Fatalf("expected the awake timer armed after entering ACTIVATED")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEffectsTranscribeDispatchesTranscriptionDone(t *testing.T) {
	st, bus := newTestStore(t, 10)
	NewEffects(st)

	sess, _ := st.CreateSession(session.StrategyNonStreaming, 0, nil)
	sub := bus.Subscribe(sess.ID, 16)
	defer bus.Unsubscribe(sess.ID, sub)

	st.Dispatch(action.New(action.TypeBeginTranscription, sess.ID, nil))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case a := <-sub.Events():
			if a.Type == action.TypeTranscriptionDone {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transcription_done")
		}
	}
}

func TestEffectsUploadFileDrivesTranscription(t *testing.T) {
	st, bus := newTestStore(t, 10)
	NewEffects(st)

	sess, _ := st.CreateSession(session.StrategyBatch, 0, nil)
	sub := bus.Subscribe(sess.ID, 64)
	defer bus.Unsubscribe(sess.ID, sub)

	st.Dispatch(action.New(action.TypeStartListening, sess.ID, nil))
	st.Dispatch(action.New(action.TypeWakeTriggered, sess.ID, nil))
	st.Dispatch(action.New(action.TypeStartRecording, sess.ID, nil))

	st.Dispatch(action.New(action.TypeUploadFile, sess.ID, session.UploadFile{
		Data:   make([]byte, uploadFrameBytes*3+100),
		Format: session.CanonicalFormat,
	}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case a := <-sub.Events():
			if a.Type == action.TypeTranscriptionDone {
				sess2, _, _ := st.Get(sess.ID)
				if sess2.AudioChunksCount < 4 {
					t.Fatalf("expected at least 4 chunks counted from the upload, got %d", sess2.AudioChunksCount)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transcription_done after upload_file")
		}
	}
}

func TestEffectsCancelVADSilenceOnSpeechDetected(t *testing.T) {
	st, _ := newTestStore(t, 10)
	NewEffects(st)

	sess, _ := st.CreateSession(session.StrategyNonStreaming, 0, nil)
	st.Dispatch(action.New(action.TypeSilenceDetected, sess.ID, nil))

	deadlineCheck := time.Now().Add(500 * time.Millisecond)
	for !st.timers.Pending(sess.ID, timer.NameVADSilence) {
		if time.Now().After(deadlineCheck) {
			t.Fatalf("expected vad_silence timer to become pending")
		}
		time.Sleep(time.Millisecond)
	}

	// Effects see actions asynchronously through the bus, so the cancel
	// lands shortly after Dispatch returns. The wait stays well below the
	// 500ms vad_silence duration, so an expiry cannot stand in for it.
	st.Dispatch(action.New(action.TypeSpeechDetected, sess.ID, nil))
	deadlineCancel := time.Now().Add(200 * time.Millisecond)
	for st.timers.Pending(sess.ID, timer.NameVADSilence) {
		if time.Now().After(deadlineCancel) {
			t.Fatalf("expected vad_silence timer cancelled on speech_detected")
		}
		time.Sleep(time.Millisecond)
	}
}
