// Package timer implements the named per-session timer service of spec
// §4.8: start/cancel/cancel_all, replace-on-restart, and dispatch of the
// stored expiry action back onto the shared action bus. It generalizes the
// teacher's single-purpose timers (managed_stream.go's speechEndHold grace
// timer and the awake-window timeout in orchestrator.go) into a named,
// multi-timer-per-session registry.
package timer

import (
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/logging"
)

// Name identifies a timer kind (spec §4.8's default timer table).
type Name string

const (
	NameAwake       Name = "awake"
	NameLLMClaim    Name = "llm_claim"
	NameTTSClaim    Name = "tts_claim"
	NameRecording   Name = "recording"
	NameStreaming   Name = "streaming"
	NameSessionIdle Name = "session_idle"
	NameVADSilence  Name = "vad_silence"
)

type timerKey struct {
	SessionID string
	Name      Name
}

// entry holds the live *time.Timer and a generation counter so a racing
// expiry from a just-replaced timer can recognize itself as stale and
// refuse to dispatch — the reducer-side idempotence spec §4.8 requires is
// reinforced here rather than relied on alone.
type entry struct {
	timer *time.Timer
	gen   uint64
}

// Service is the timer registry. One Service is shared by every session;
// timers are addressed by (session_id, name).
type Service struct {
	mu       sync.Mutex
	entries  map[timerKey]*entry
	dispatch action.Dispatcher
	log      logging.Logger
}

// New builds a Service that dispatches expiry actions through dispatch. In
// the composition root this is the session store, not the raw bus, so an
// expiry that carries an FSM event (e.g. RESET) actually reaches the reducer
// instead of only reaching bus subscribers (spec §4.8: "the service
// dispatches the stored action through the same bus the rest of the system
// uses").
func New(dispatch action.Dispatcher, log logging.Logger) *Service {
	return &Service{
		entries:  make(map[timerKey]*entry),
		dispatch: dispatch,
		log:      logging.OrDefault(log),
	}
}

// Start arms a named timer for sessionID. Calling Start again for the same
// (sessionID, name) cancels and replaces the existing timer (spec §4.8:
// "Re-calling start with an existing (session_id, name) cancels and
// replaces"). onExpiry is dispatched on the bus verbatim when the duration
// elapses, unless the timer was cancelled or replaced first.
func (s *Service) Start(sessionID string, name Name, d time.Duration, onExpiry action.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := timerKey{sessionID, name}
	if e, ok := s.entries[k]; ok {
		e.timer.Stop()
	}
	gen := uint64(0)
	if e, ok := s.entries[k]; ok {
		gen = e.gen + 1
	}

	e := &entry{gen: gen}
	e.timer = time.AfterFunc(d, func() {
		s.fire(k, gen, onExpiry)
	})
	s.entries[k] = e
}

// fire dispatches onExpiry unless the timer has since been cancelled or
// replaced — checked by comparing the stored generation, not by removing
// the map entry, since Stop() on an already-fired timer is a harmless no-op
// and we want Cancel to still be able to observe "nothing pending" after.
func (s *Service) fire(k timerKey, gen uint64, onExpiry action.Action) {
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, k)
	s.mu.Unlock()

	s.log.Debug("timer expired", "session_id", k.SessionID, "name", string(k.Name))
	s.dispatch.Dispatch(onExpiry)
}

// Cancel stops a specific named timer for a session, if armed. Safe to call
// when no such timer exists.
func (s *Service) Cancel(sessionID string, name Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := timerKey{sessionID, name}
	if e, ok := s.entries[k]; ok {
		e.timer.Stop()
		delete(s.entries, k)
	}
}

// CancelAll stops every timer armed for a session. Store.DestroySession
// calls it on session destruction; an FSM RESET does not.
func (s *Service) CancelAll(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if k.SessionID == sessionID {
			e.timer.Stop()
			delete(s.entries, k)
		}
	}
}

// Pending reports whether a named timer is currently armed for a session.
// Exposed for tests and for introspection effects; not used by the reducer
// itself, which never reads timer state.
func (s *Service) Pending(sessionID string, name Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[timerKey{sessionID, name}]
	return ok
}
