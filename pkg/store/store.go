// Package store implements the event-sourced Session Store of spec §4.7: a
// single mutable object per process holding the sessions map, mutated only
// through a pure reducer, with a fixed set of effect goroutines subscribing
// to the action stream for everything that needs to suspend or do I/O.
//
// This generalizes the teacher's Orchestrator (pkg/orchestrator/orchestrator.go),
// which holds a single ConversationSession and drives it imperatively, into
// a map-keyed multi-tenant store with an explicit reducer/effects split —
// the architecture spec.md's design notes call for and the teacher's
// single-session code doesn't need.
package store

import (
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/audio"
	"github.com/JonesHong/ASRHub-sub002/pkg/config"
	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/fsm"
	"github.com/JonesHong/ASRHub-sub002/pkg/logging"
	"github.com/JonesHong/ASRHub-sub002/pkg/operator"
	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
	"github.com/JonesHong/ASRHub-sub002/pkg/timer"
)

// entry bundles a Session with the per-session operator/queue state the
// store manages alongside it. These are not part of the FSM-visible model
// (spec §3) but live for exactly as long as their session does.
type entry struct {
	sess  *session.Session
	queue *audio.Queue
	vad   *operator.VAD
	ww    *operator.WakeWord
}

// Store holds every live session. All mutation flows through Dispatch,
// which runs the reducer synchronously then notifies effects
// asynchronously (spec §4.7: "Its output is installed atomically; readers
// always observe a consistent snapshot.").
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	cfg   config.Config
	bus   *action.Bus
	log   logging.Logger
	table *fsm.Table
	timers *timer.Service
	pool  *provider.Pool

	vadTemplate *operator.VAD
	wwTemplate  *operator.WakeWord

	activeSessionID string
}

// New builds an empty Store.
func New(cfg config.Config, bus *action.Bus, timers *timer.Service, pool *provider.Pool, log logging.Logger, vadTemplate *operator.VAD, wwTemplate *operator.WakeWord) *Store {
	return &Store{
		sessions:    make(map[string]*entry),
		cfg:         cfg,
		bus:         bus,
		log:         logging.OrDefault(log),
		table:       fsm.NewTable(),
		timers:      timers,
		pool:        pool,
		vadTemplate: vadTemplate,
		wwTemplate:  wwTemplate,
	}
}

// CreateSession implements the create_session action's reducer semantics
// (spec §4.7's size invariant: "size of sessions <= max_sessions; exceeding
// returns state unchanged and dispatches a rejected diagnostic").
func (s *Store) CreateSession(strategy session.Strategy, priority int, metadata map[string]string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.cfg.MaxSessions {
		s.bus.Dispatch(action.New(action.TypeRejected, "", map[string]any{"reason": "max_sessions_exceeded"}))
		return nil, huberrors.ErrSessionLimitReached
	}

	sess := session.New(strategy, priority, metadata)
	e := &entry{
		sess:  sess,
		queue: audio.NewQueue(s.cfg.Queue.MaxBytes, s.cfg.Queue.MaxChunks, s.cfg.Queue.HighWaterMark),
		vad:   s.vadTemplate.Clone(),
		ww:    s.wwTemplate.Clone(),
	}
	s.sessions[sess.ID] = e
	return sess, nil
}

// DestroySession releases all leases, cancels all timers, and drops
// pending audio for sessionID (spec §3's lifecycle clause), then removes it
// from the map. Unknown session ids are a no-op (spec §4.7).
func (s *Store) DestroySession(sessionID string) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.pool.ReleaseAll(sessionID)
	s.timers.CancelAll(sessionID)
	e.queue.Clear()
}

// Get returns the live session and its queue, or ok=false if unknown.
func (s *Store) Get(sessionID string) (*session.Session, *audio.Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}
	return e.sess, e.queue, true
}

// VADFor and WakeWordFor resolve per-session operator state for the
// pipeline branches (pkg/pipeline.NewVADBranch/NewWakeWordBranch).
func (s *Store) VADFor(sessionID string) *operator.VAD {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.sessions[sessionID]; ok {
		return e.vad
	}
	return nil
}

func (s *Store) WakeWordFor(sessionID string) *operator.WakeWord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.sessions[sessionID]; ok {
		return e.ww
	}
	return nil
}

// List returns a snapshot of every live session.
func (s *Store) List() []session.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Snapshot, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.sess.Snapshot())
	}
	return out
}

// Size returns the current session count.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetActive records sessionID as the process's active session (spec §4.7's
// `active_session_id` root field, surfaced to protocol servers through
// pkg/manager.Manager.SetActive). Unknown ids are accepted as-is; the field
// is bookkeeping for the facade, not an invariant the reducer enforces.
func (s *Store) SetActive(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSessionID = sessionID
}

// ActiveSessionID returns the session most recently marked active, or "" if
// none has been.
func (s *Store) ActiveSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeSessionID
}

// Dispatch is the reducer: it applies a onto the targeted session's FSM and
// counters, then publishes the (possibly no-op) result on the bus for
// effects to react to. Unknown session ids are a no-op (spec §4.7). The
// reducer itself never blocks, never calls effect code, and never panics
// outward — any guard/table lookup failure just yields "no transition"
// (spec §4.6).
func (s *Store) Dispatch(a action.Action) {
	if a.SessionID == "" {
		s.bus.Dispatch(a)
		return
	}

	s.mu.RLock()
	e, ok := s.sessions[a.SessionID]
	s.mu.RUnlock()
	if !ok {
		s.bus.Dispatch(action.New(action.TypeRejected, a.SessionID, map[string]any{"reason": "unknown_session"}))
		return
	}

	// Field updates (counters, transcription, error) apply regardless of
	// whether this action also drives the FSM — several action types (e.g.
	// transcription_done, error) are both at once, and earlier revisions of
	// this method only ran one or the other, silently dropping the session's
	// transcription/error fields.
	s.applyNonFSM(e, a)

	ev, isEvent := eventFor(a.Type)
	if !isEvent {
		s.bus.Dispatch(a)
		return
	}

	e.sess.Lock()
	prev := e.sess.FSMState
	snapshot := e.sess.Snapshot()
	next, changed := fsm.NextState(s.table, e.sess.Strategy, prev, e.sess.PreviousState, ev, fsm.Context{Session: snapshot, Payload: a.Payload})
	if changed && next != prev {
		e.sess.PreviousState = prev
		e.sess.FSMState = next
	} else if !changed {
		s.log.Debug("no valid fsm transition", "session_id", a.SessionID, "state", string(prev), "event", string(ev))
	}
	switch ev {
	case fsm.EventReset:
		// spec §3: counters and wake fields reset only on explicit FSM RESET.
		e.sess.AudioBytesReceived = 0
		e.sess.AudioChunksCount = 0
		e.sess.LastAudioTimestamp = time.Time{}
		e.sess.WakeTrigger = ""
		e.sess.WakeTime = time.Time{}
		e.sess.WakeTimeout = 0
		e.sess.WakeSource = ""
		e.sess.Error = nil
	case fsm.EventRecover:
		e.sess.Error = nil
	}
	e.sess.UpdatedAt = time.Now()
	e.sess.Unlock()

	s.bus.Dispatch(a)
	if changed && next != prev {
		s.bus.Dispatch(action.New(action.TypeStateChanged, a.SessionID, map[string]any{"from": prev, "to": next}))
	}
}

// applyNonFSM updates session fields/counters carried by an action's
// payload, independent of whatever FSM transition the same action may also
// drive (spec §3: "Counters: ... monotonic; reset only on explicit FSM
// RESET"). Called for every action, not just non-FSM ones.
func (s *Store) applyNonFSM(e *entry, a action.Action) {
	switch a.Type {
	case action.TypeAudioChunkReceived:
		if chunk, ok := a.Payload.(session.AudioChunk); ok {
			e.sess.Lock()
			e.sess.AudioBytesReceived += uint64(len(chunk.Data))
			e.sess.AudioChunksCount++
			e.sess.LastAudioTimestamp = chunk.ArrivedAt
			e.sess.Unlock()
		}
	case action.TypeTranscriptionDone:
		if t, ok := a.Payload.(session.Transcription); ok {
			e.sess.Lock()
			e.sess.Transcription = &t
			e.sess.Unlock()
		}
	case action.TypeError:
		if se, ok := a.Payload.(session.SessionError); ok {
			e.sess.Lock()
			e.sess.Error = &se
			e.sess.Unlock()
		}
	case action.TypeWakeTriggered:
		// spec §3: wake_trigger/wake_time/wake_timeout/wake_source are
		// "populated on activation" — this is the only place anything ever
		// writes a non-zero WakeTime, which session.RequiresWakeTime (spec
		// §8 invariant #2: RECORDING/STREAMING => wake_time != empty) relies
		// on holding once the FSM reaches those states.
		if payload, ok := a.Payload.(map[string]any); ok {
			e.sess.Lock()
			if model, ok := payload["model"].(string); ok {
				e.sess.WakeTrigger = model
			}
			if ts, ok := payload["timestamp"].(time.Time); ok {
				e.sess.WakeTime = ts
			} else {
				e.sess.WakeTime = time.Now()
			}
			e.sess.WakeSource = session.WakeSourceWakeWord
			e.sess.WakeTimeout = s.cfg.Timer.Awake
			e.sess.Unlock()
		}
	}
}

// eventFor maps an action.Type onto its fsm.Event, if the type is
// FSM-event-bearing at all.
func eventFor(t action.Type) (fsm.Event, bool) {
	switch t {
	case action.TypeStartListening:
		return fsm.EventStartListening, true
	case action.TypeWakeTriggered:
		return fsm.EventWakeTriggered, true
	case action.TypeStartRecording:
		return fsm.EventStartRecording, true
	case action.TypeSpeechDetected:
		return fsm.EventSpeechDetected, true
	case action.TypeSilenceDetected:
		return fsm.EventSilenceDetected, true
	case action.TypeEndRecording:
		return fsm.EventEndRecording, true
	case action.TypeBeginTranscription:
		return fsm.EventBeginTranscription, true
	case action.TypeTranscriptionDone:
		return fsm.EventTranscriptionDone, true
	case action.TypeStartASRStreaming:
		return fsm.EventStartASRStreaming, true
	case action.TypeEndASRStreaming:
		return fsm.EventEndASRStreaming, true
	case action.TypeLLMReplyStarted:
		return fsm.EventLLMReplyStarted, true
	case action.TypeLLMReplyFinished:
		return fsm.EventLLMReplyFinished, true
	case action.TypeTTSPlaybackStarted:
		return fsm.EventTTSPlaybackStarted, true
	case action.TypeTTSPlaybackFinished:
		return fsm.EventTTSPlaybackFinished, true
	case action.TypeInterruptReply:
		return fsm.EventInterruptReply, true
	case action.TypeTimeout:
		return fsm.EventTimeout, true
	case action.TypeError:
		return fsm.EventError, true
	case action.TypeRecover:
		return fsm.EventRecover, true
	case action.TypeFSMReset:
		return fsm.EventReset, true
	default:
		return "", false
	}
}
