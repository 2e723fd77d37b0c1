// Package pipeline implements the audio pipeline orchestrator of spec §4.5:
// for each chunk, a concurrent fan-out across the enabled operator branches
// (format conversion, VAD, wake-word), gated by the session's current FSM
// state, with per-session ordering preserved across chunks.
//
// The concurrency shape is grounded on the teacher's
// pkg/orchestrator/managed_stream.go, which launches VAD classification and
// echo-suppression concurrently per audio write; generalized here to an
// explicit branch list and a per-session single-goroutine dispatcher so
// that chunk N's derived actions are always dispatched before chunk N+1's,
// without serializing cross-session throughput.
package pipeline

import (
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/audio"
	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/logging"
	"github.com/JonesHong/ASRHub-sub002/pkg/operator"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// SessionView is the read-only slice of session state a branch needs to
// decide whether it's enabled and to do its work (spec §4.5 step 2-4).
type SessionView struct {
	ID       string
	State    session.State
	Strategy session.Strategy
	Format   session.AudioFormat
}

// BranchResult is what one operator branch reports back for a chunk.
type BranchResult struct {
	Branch string
	Actions []action.Action
	Err    error
}

// Branch is one operator lane the orchestrator may run for a chunk. Enabled
// reports whether the branch should run at all given the session's current
// state (the wake-word branch runs in IDLE/LISTENING/ACTIVATED, the VAD
// branch in ACTIVATED/RECORDING/STREAMING); Run performs the branch's work and
// returns zero or more follow-up actions.
type Branch interface {
	Name() string
	Enabled(view SessionView) bool
	Run(view SessionView, chunk session.AudioChunk, now time.Time) ([]action.Action, error)
}

// Pipeline fans incoming chunks out across Branches, preserving per-session
// ordering. One Pipeline instance serves every session in the process; it
// is not itself per-session state.
type Pipeline struct {
	branches []Branch
	dispatch action.Dispatcher
	log      logging.Logger

	mu    sync.Mutex
	jobCh map[string]chan job // per-session serialized work queue
}

type job struct {
	view  SessionView
	chunk session.AudioChunk
	queue *audio.Queue
}

// New builds a Pipeline over the given branches, dispatching derived actions
// through dispatch. In the composition root this is the session store, not
// the raw bus: branch-derived actions like wake_triggered/speech_detected/
// end_recording carry FSM events (spec §4.5 step 5) and must reach the
// reducer, not just bus subscribers.
func New(branches []Branch, dispatch action.Dispatcher, log logging.Logger) *Pipeline {
	return &Pipeline{
		branches: branches,
		dispatch: dispatch,
		log:      logging.OrDefault(log),
		jobCh:    make(map[string]chan job),
	}
}

// Submit pushes chunk onto the session's audio queue and schedules it for
// pipeline processing (spec §4.5 steps 1-2). If the session's state is BUSY
// the chunk is dropped per the half-duplex rule (step 3) without being
// pushed to the queue at all — a chunk dropped for half-duplex reasons
// never counts against queue capacity.
func (p *Pipeline) Submit(view SessionView, chunk session.AudioChunk, q *audio.Queue) {
	if view.State == session.StateBusy {
		p.log.Debug("dropping chunk, session busy", "session_id", view.ID)
		return
	}
	switch q.Push(chunk) {
	case audio.PushBackpressure:
		p.dispatch.Dispatch(action.New(action.TypeBackpressure, view.ID, map[string]any{
			"level": "high", "retry_after_ms": 500,
		}))
	case audio.PushDroppedOverflow:
		// spec §7: "queue overflow beyond drop policy; surfaced as
		// backpressure critical; not fatal" — the chunk was still accepted
		// (the oldest one was evicted), so processing continues below.
		p.dispatch.Dispatch(action.New(action.TypeBackpressure, view.ID, map[string]any{
			"level": "critical",
		}))
	}

	ch := p.sessionChannel(view.ID)
	// Blocks if the session's own branches can't keep up; ordering (spec
	// §4.5) must be preserved, so backpressure here is correct, not a bug.
	ch <- job{view: view, chunk: chunk, queue: q}
}

// sessionChannel returns (creating if necessary) the serialized work queue
// for a session, and ensures exactly one worker goroutine drains it —
// guaranteeing intra-session ordering while letting different sessions run
// fully concurrently (spec §4.5: "Ordering guarantee: for a given session,
// actions derived from chunk N are dispatched before actions derived from
// chunk N+1. Across sessions no ordering is guaranteed.").
func (p *Pipeline) sessionChannel(sessionID string) chan job {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.jobCh[sessionID]
	if ok {
		return ch
	}
	ch = make(chan job, 64)
	p.jobCh[sessionID] = ch
	go p.worker(sessionID, ch)
	return ch
}

// CloseSession tears down the per-session worker, used on session
// destruction.
func (p *Pipeline) CloseSession(sessionID string) {
	p.mu.Lock()
	ch, ok := p.jobCh[sessionID]
	if ok {
		delete(p.jobCh, sessionID)
	}
	p.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (p *Pipeline) worker(sessionID string, ch chan job) {
	for j := range ch {
		p.process(j)
	}
}

// process runs every enabled branch concurrently for one chunk and
// dispatches their derived actions, in branch-arbitrary but
// chunk-sequential order. A branch failure is logged and does not prevent
// the others from completing (spec §4.5).
func (p *Pipeline) process(j job) {
	now := time.Now()

	var wg sync.WaitGroup
	results := make([]BranchResult, len(p.branches))

	for i, b := range p.branches {
		if !b.Enabled(j.view) {
			continue
		}
		wg.Add(1)
		go func(i int, b Branch) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = BranchResult{Branch: b.Name(), Err: huberrors.New(huberrors.KindPipeline, "branch panicked")}
				}
			}()
			actions, err := b.Run(j.view, j.chunk, now)
			results[i] = BranchResult{Branch: b.Name(), Actions: actions, Err: err}
		}(i, b)
	}
	wg.Wait()

	for _, r := range results {
		if r.Branch == "" {
			continue // branch was disabled, slot left zero
		}
		if r.Err != nil {
			p.log.Warn("pipeline branch failed", "branch", r.Branch, "session_id", j.view.ID, "error", r.Err)
			continue
		}
		for _, a := range r.Actions {
			p.dispatch.Dispatch(a)
		}
	}
}

// VADBranch wires operator.VAD into the Branch contract (spec §4.5 step 4:
// "VAD runs in ACTIVATED/RECORDING/STREAMING").
type VADBranch struct {
	vadFor func(sessionID string) *operator.VAD
}

// NewVADBranch builds a VADBranch. vadFor resolves the per-session VAD
// instance, owned by the session store.
func NewVADBranch(vadFor func(sessionID string) *operator.VAD) *VADBranch {
	return &VADBranch{vadFor: vadFor}
}

func (b *VADBranch) Name() string { return "vad" }

func (b *VADBranch) Enabled(view SessionView) bool {
	switch view.State {
	case session.StateActivated, session.StateRecording, session.StateStreaming:
		return true
	default:
		return false
	}
}

func (b *VADBranch) Run(view SessionView, chunk session.AudioChunk, now time.Time) ([]action.Action, error) {
	v := b.vadFor(view.ID)
	if v == nil {
		return nil, huberrors.New(huberrors.KindPipeline, "no vad instance for session")
	}
	samples := bytesToInt16LE(chunk.Data)
	result := v.Process(samples, now)
	if !result.HasEvent {
		return nil, nil
	}
	switch result.Event {
	case operator.VADSpeechEnd:
		if view.State == session.StateRecording {
			return []action.Action{action.New(action.TypeEndRecording, view.ID, map[string]any{"trigger": "vad_timeout"})}, nil
		}
		if view.State == session.StateStreaming {
			return []action.Action{action.New(action.TypeEndASRStreaming, view.ID, nil)}, nil
		}
	case operator.VADSpeechStart:
		return []action.Action{action.New(action.TypeSpeechDetected, view.ID, nil)}, nil
	}
	return nil, nil
}

// WakeWordBranch wires operator.WakeWord into the Branch contract. It runs
// in IDLE, LISTENING and ACTIVATED; LISTENING is the state the FSM leaves on
// wake_triggered.
type WakeWordBranch struct {
	wwFor func(sessionID string) *operator.WakeWord
	score func(chunk session.AudioChunk) float64
}

// NewWakeWordBranch builds a WakeWordBranch. score computes the
// instantaneous detection score for a chunk; wwFor resolves the per-session
// detector.
func NewWakeWordBranch(wwFor func(sessionID string) *operator.WakeWord, score func(session.AudioChunk) float64) *WakeWordBranch {
	return &WakeWordBranch{wwFor: wwFor, score: score}
}

func (b *WakeWordBranch) Name() string { return "wake_word" }

func (b *WakeWordBranch) Enabled(view SessionView) bool {
	return view.State == session.StateIdle || view.State == session.StateListening || view.State == session.StateActivated
}

func (b *WakeWordBranch) Run(view SessionView, chunk session.AudioChunk, now time.Time) ([]action.Action, error) {
	w := b.wwFor(view.ID)
	if w == nil {
		return nil, huberrors.New(huberrors.KindPipeline, "no wake-word instance for session")
	}
	ev, fired := w.Process(b.score(chunk), now)
	if !fired {
		return nil, nil
	}
	return []action.Action{action.New(action.TypeWakeTriggered, view.ID, map[string]any{
		"model": ev.Model, "score": ev.Score, "timestamp": ev.Timestamp,
	})}, nil
}

// ConversionBranch always runs (spec §4.5 step 4: "format conversion is
// always on") and converts each chunk that is not already in the target
// format, reporting a conversion failure as a branch error. The converted
// audio is discarded: it is neither dispatched nor written back to the
// session's queue, which keeps the chunk in its original format.
type ConversionBranch struct {
	converter *audio.Converter
	target    session.AudioFormat
	quality   session.ResampleQuality
}

// NewConversionBranch builds a ConversionBranch targeting the canonical
// format at the given quality tier.
func NewConversionBranch(converter *audio.Converter, target session.AudioFormat, quality session.ResampleQuality) *ConversionBranch {
	return &ConversionBranch{converter: converter, target: target, quality: quality}
}

func (b *ConversionBranch) Name() string { return "conversion" }

func (b *ConversionBranch) Enabled(SessionView) bool { return true }

func (b *ConversionBranch) Run(view SessionView, chunk session.AudioChunk, now time.Time) ([]action.Action, error) {
	if chunk.Format == b.target {
		return nil, nil
	}
	_, err := b.converter.Convert(chunk, b.target, b.quality)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func bytesToInt16LE(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}
