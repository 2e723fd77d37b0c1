// Package session defines the central data model of the hub (spec §3): the
// Session entity, its audio format/conversion plan, and the AudioChunk value
// object. It generalizes the teacher's pkg/orchestrator.ConversationSession
// (a single-session, mutex-guarded struct) into the full multi-tenant model
// the spec requires, with the additional fields the FSM, timers, and
// provider pool all need to observe.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Strategy selects which FSM table a session's transitions are computed
// against (spec §3).
type Strategy string

const (
	StrategyNonStreaming Strategy = "NON_STREAMING"
	StrategyStreaming    Strategy = "STREAMING"
	StrategyBatch        Strategy = "BATCH"
)

// State is one of the FSM states a session can occupy (spec §3).
type State string

const (
	StateIdle         State = "IDLE"
	StateListening    State = "LISTENING"
	StateActivated    State = "ACTIVATED"
	StateRecording    State = "RECORDING"
	StateStreaming    State = "STREAMING"
	StateTranscribing State = "TRANSCRIBING"
	StateBusy         State = "BUSY"
	StateError        State = "ERROR"
	StateTerminated   State = "TERMINATED"
)

// WakeSource identifies what activated a session (spec §3).
type WakeSource string

const (
	WakeSourceWakeWord WakeSource = "wake_word"
	WakeSourceUI       WakeSource = "ui"
	WakeSourceVisual   WakeSource = "visual"
)

// SampleEncoding identifies the PCM sample representation.
type SampleEncoding string

const (
	EncodingPCMSigned SampleEncoding = "pcm_signed"
	EncodingPCMFloat  SampleEncoding = "pcm_float"
)

// AudioFormat describes the declared shape of incoming audio (spec §3, §6).
type AudioFormat struct {
	SampleRateHz int
	Channels     int
	Encoding     SampleEncoding
	BitDepth     int
}

// CanonicalFormat is the format all operators assume unless explicitly
// negotiated otherwise (spec §6): 16 kHz, mono, 16-bit signed PCM,
// little-endian.
var CanonicalFormat = AudioFormat{
	SampleRateHz: 16000,
	Channels:     1,
	Encoding:     EncodingPCMSigned,
	BitDepth:     16,
}

// ConversionStrategy is the derived, read-only-once-set plan for reaching
// CanonicalFormat from a session's declared AudioFormat (spec §3, §4.2).
type ConversionStrategy struct {
	Source      AudioFormat
	Target      AudioFormat
	NeedsResample bool
	NeedsDownmix  bool
	NeedsRequant  bool
	Quality     ResampleQuality
}

// ResampleQuality is the CPU/fidelity trade-off knob (spec §4.2). The
// converter uses one resampling method for every tier; the tier only sets
// its window width.
type ResampleQuality string

const (
	QualityLow    ResampleQuality = "low"
	QualityMedium ResampleQuality = "medium"
	QualityHigh   ResampleQuality = "high"
)

// TranscriptSegment is one word/phrase span of a transcription result
// (spec §6).
type TranscriptSegment struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Words      []string
}

// Transcription is the result surfaced on TRANSCRIPTION_DONE (spec §3, §6).
type Transcription struct {
	Text       string
	Confidence float64
	Language   string
	Segments   []TranscriptSegment
}

// SessionError is the last error recorded on a session (spec §3, §7).
type SessionError struct {
	Kind    string
	Message string
}

// AudioChunk is an immutable value object: raw bytes, format descriptor,
// monotonic sequence number, and arrival timestamp (spec §3).
type AudioChunk struct {
	Data      []byte
	Format    AudioFormat
	Sequence  uint64
	ArrivedAt time.Time
}

// UploadFile is the upload_file action's payload (spec §6, §4.7's upload
// effects): a complete, bulk audio blob to be sliced into AudioChunks and
// fed through the ordinary audio_chunk_received path.
type UploadFile struct {
	Data   []byte
	Format AudioFormat
}

// Session is the central entity: one per logical client conversation
// (spec §3). All fields except fsmState are mutated only through the
// reducer (pkg/store); fsmState transitions are themselves reducer-only.
//
// The mutex here guards read/copy access for the Session Manager facade
// (pkg/manager) and subscribers taking a snapshot; the reducer is still the
// only writer, matching spec §4.7 ("the reducer is the only code allowed to
// write").
type Session struct {
	mu sync.RWMutex

	ID       string
	Strategy Strategy

	FSMState       State
	PreviousState  State

	AudioFormat        AudioFormat
	FormatSet          bool
	ConversionStrategy ConversionStrategy

	AudioBytesReceived uint64
	AudioChunksCount   uint64
	LastAudioTimestamp time.Time

	WakeTrigger string
	WakeTime    time.Time
	WakeTimeout time.Duration
	WakeSource  WakeSource

	Transcription *Transcription
	Error         *SessionError

	Priority int

	CreatedAt time.Time
	UpdatedAt time.Time

	Metadata map[string]string
}

// NewID generates a time-ordered, opaque session identifier: a Unix-nano
// timestamp prefix (sorts lexicographically in creation order) plus a short
// uuid suffix for uniqueness, following the timestamped-ID pattern of
// MrWong99-glyphoxa's SessionManager.Start combined with the pack's common
// use of google/uuid for the uniqueness suffix.
func NewID() string {
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// InitialState returns the FSM's entry state for every strategy (spec §4.6:
// "or equals the strategy's initial state").
func InitialState(Strategy) State { return StateIdle }

// New constructs a Session in its strategy's initial state.
func New(strategy Strategy, priority int, metadata map[string]string) *Session {
	now := time.Now()
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Session{
		ID:            NewID(),
		Strategy:      strategy,
		FSMState:      InitialState(strategy),
		PreviousState: InitialState(strategy),
		Priority:      priority,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      metadata,
	}
}

// Snapshot is an immutable, externally-observable copy of a Session — the
// supported export unit when a host embeds the hub with persistence
// (spec §6: "the per-session snapshot ... excluding raw audio and transient
// hidden states").
type Snapshot struct {
	ID                 string
	Strategy           Strategy
	FSMState           State
	PreviousState      State
	AudioFormat        AudioFormat
	ConversionStrategy ConversionStrategy
	AudioBytesReceived uint64
	AudioChunksCount   uint64
	LastAudioTimestamp time.Time
	WakeTrigger        string
	WakeTime           time.Time
	WakeTimeout        time.Duration
	WakeSource         WakeSource
	Transcription      *Transcription
	Error              *SessionError
	Priority           int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Metadata           map[string]string
}

// Snapshot takes a consistent, concurrency-safe copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		md[k] = v
	}
	return Snapshot{
		ID:                 s.ID,
		Strategy:           s.Strategy,
		FSMState:           s.FSMState,
		PreviousState:      s.PreviousState,
		AudioFormat:        s.AudioFormat,
		ConversionStrategy: s.ConversionStrategy,
		AudioBytesReceived: s.AudioBytesReceived,
		AudioChunksCount:   s.AudioChunksCount,
		LastAudioTimestamp: s.LastAudioTimestamp,
		WakeTrigger:        s.WakeTrigger,
		WakeTime:           s.WakeTime,
		WakeTimeout:        s.WakeTimeout,
		WakeSource:         s.WakeSource,
		Transcription:      s.Transcription,
		Error:              s.Error,
		Priority:           s.Priority,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		Metadata:           md,
	}
}

// RLock/RUnlock/Lock/Unlock are exposed so the reducer (the only writer, per
// spec §4.7) can make atomic multi-field updates without a second mutex
// abstraction layered on top.
func (s *Session) Lock()    { s.mu.Lock() }
func (s *Session) Unlock()  { s.mu.Unlock() }
func (s *Session) RLock()   { s.mu.RLock() }
func (s *Session) RUnlock() { s.mu.RUnlock() }

// RequiresWakeTime reports whether the invariant "a session in RECORDING or
// STREAMING has wake_time != ∅" applies to st (spec §3 invariant #2).
func RequiresWakeTime(st State) bool {
	return st == StateRecording || st == StateStreaming
}
