// Package manager is the thin Session Manager Facade fronting pkg/store:
// CreateSession/DestroySession/GetSession/ListSessions/Touch, each
// dispatching into the store rather than mutating anything itself.
// Grounded directly on MrWong99-glyphoxa/internal/app/session_manager.go's
// SessionManager (mutex-guarded active flag + Start/Stop/IsActive/Info
// shape), generalized from one process-wide session to a multi-tenant
// facade over pkg/store.Store.
package manager

import (
	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/logging"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
	"github.com/JonesHong/ASRHub-sub002/pkg/store"
)

// Manager is the external-facing handle to the hub's session lifecycle.
// Protocol servers (websocket, HTTP upload, CLI) depend on this, never on
// pkg/store directly, matching the teacher's pattern of a facade that owns
// the "closers run in reverse order" discipline around a inner resource —
// here, around a session's leases/timers/queue rather than mic/speaker
// streams.
type Manager struct {
	store *store.Store
	bus   *action.Bus
	log   logging.Logger
}

// New builds a Manager over store, dispatching lifecycle-adjacent actions
// onto bus.
func New(st *store.Store, bus *action.Bus, log logging.Logger) *Manager {
	return &Manager{store: st, bus: bus, log: logging.OrDefault(log)}
}

// CreateSession creates a new session with the given strategy, default
// priority, and metadata, returning its id.
func (m *Manager) CreateSession(strategy session.Strategy, priority int, metadata map[string]string) (string, error) {
	sess, err := m.store.CreateSession(strategy, priority, metadata)
	if err != nil {
		return "", err
	}
	m.bus.Dispatch(action.New(action.TypeCreateSession, sess.ID, nil))
	m.log.Info("session created", "session_id", sess.ID, "strategy", string(strategy))
	return sess.ID, nil
}

// DestroySession tears a session down: releases leases, cancels timers,
// drops pending audio, and removes it from the store (spec §3).
func (m *Manager) DestroySession(sessionID string) {
	m.store.DestroySession(sessionID)
	m.bus.Dispatch(action.New(action.TypeDestroySession, sessionID, nil))
	m.log.Info("session destroyed", "session_id", sessionID)
}

// GetSession returns a point-in-time snapshot of a session, or an error if
// unknown.
func (m *Manager) GetSession(sessionID string) (session.Snapshot, error) {
	sess, _, ok := m.store.Get(sessionID)
	if !ok {
		return session.Snapshot{}, huberrors.ErrUnknownSession
	}
	return sess.Snapshot(), nil
}

// ListSessions returns every live session's snapshot.
func (m *Manager) ListSessions() []session.Snapshot {
	return m.store.List()
}

// Touch resets the session_idle timer without otherwise changing state,
// used by protocol keep-alive pings.
func (m *Manager) Touch(sessionID string) {
	m.bus.Dispatch(action.New(action.TypeTouch, sessionID, nil))
}

// SetActive marks sessionID as the process's active session (spec §4.10),
// used by protocol servers that multiplex several sessions over one
// foreground surface (e.g. a UI highlighting "who's currently listening").
// It never touches FSM state; an unknown id is accepted as-is.
func (m *Manager) SetActive(sessionID string) {
	m.store.SetActive(sessionID)
	m.log.Info("active session set", "session_id", sessionID)
}

// Subscribe opens a stream of actions concerning sessionID (or every
// session, if sessionID is ""), for a protocol layer to relay to its
// client as progress/transcript events (spec §6).
func (m *Manager) Subscribe(sessionID string, buffer int) *action.Subscriber {
	return m.bus.Subscribe(sessionID, buffer)
}

// Unsubscribe closes a previously-opened subscription.
func (m *Manager) Unsubscribe(sessionID string, sub *action.Subscriber) {
	m.bus.Unsubscribe(sessionID, sub)
}

// Dispatch exposes raw action dispatch for protocol-layer-originated events
// that aren't session lifecycle per se (e.g. audio_chunk_received, handled
// by the pipeline before reaching here, or fsm events from a client UI
// action).
func (m *Manager) Dispatch(a action.Action) {
	m.store.Dispatch(a)
}
