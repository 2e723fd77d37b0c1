// Package transport implements the websocket protocol server referenced by
// pkg/manager's doc comment: client applications dial in, push raw audio as
// binary frames, and receive session events (transcripts, state changes,
// wake triggers) as JSON text frames. One connection owns exactly one
// session for its lifetime.
//
// Grounded on the teacher's pkg/providers/tts/lokutor.go, which speaks the
// same binary-audio / JSON-control / "EOS" sentinel protocol as a client;
// this is the same protocol shape from the server side, generalized from a
// single outbound TTS stream to a per-connection inbound audio/outbound
// event stream multiplexed over the hub's action bus.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/logging"
	"github.com/JonesHong/ASRHub-sub002/pkg/manager"
	"github.com/JonesHong/ASRHub-sub002/pkg/pipeline"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
	"github.com/JonesHong/ASRHub-sub002/pkg/store"
)

// eosSentinel is the text frame a client sends to mark end of its audio
// stream, matching the teacher's "EOS"/"ERR:" text-frame convention.
const eosSentinel = "EOS"

// eventFrame is the JSON shape relayed to clients for every action the
// bus emits about their session (spec §6).
type eventFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Server upgrades HTTP connections to websockets and bridges each one to a
// single hub session.
type Server struct {
	mgr      *manager.Manager
	store    *store.Store
	pipeline *pipeline.Pipeline
	log      logging.Logger
}

// NewServer builds a websocket Server bridging connections into mgr/pl. st
// is needed alongside mgr for direct audio-queue access on the ingest path,
// the same split cmd/hub's microphone demo uses.
func NewServer(mgr *manager.Manager, st *store.Store, pl *pipeline.Pipeline, log logging.Logger) *Server {
	return &Server{mgr: mgr, store: st, pipeline: pl, log: logging.OrDefault(log)}
}

// ServeHTTP upgrades the request, creates a streaming-strategy session for
// the connection's lifetime, and bridges audio frames in and events out
// until the client disconnects or sends EOS.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	ctx := r.Context()

	sessionID, err := s.mgr.CreateSession(session.StrategyStreaming, 0, map[string]string{"source": "websocket"})
	if err != nil {
		s.log.Warn("failed to create session for websocket client", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "session creation failed")
		return
	}
	defer s.mgr.DestroySession(sessionID)

	sub := s.mgr.Subscribe(sessionID, 256)
	defer s.mgr.Unsubscribe(sessionID, sub)
	go s.relayEvents(ctx, conn, sub)

	s.mgr.Dispatch(action.New(action.TypeStartListening, sessionID, nil))

	var seq uint64
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			s.handleAudioFrame(sessionID, payload, &seq)
		case websocket.MessageText:
			if string(payload) == eosSentinel {
				s.mgr.Dispatch(action.New(action.TypeEndRecording, sessionID, nil))
				return
			}
		}
	}
}

// handleAudioFrame wraps a raw binary frame as a canonical-format audio
// chunk and feeds it through the pipeline exactly as cmd/hub's microphone
// demo does, then notifies the store so counters/backpressure update.
func (s *Server) handleAudioFrame(sessionID string, payload []byte, seq *uint64) {
	sess, q, ok := s.store.Get(sessionID)
	if !ok {
		return
	}

	chunk := session.AudioChunk{
		Data:      payload,
		Format:    session.CanonicalFormat,
		Sequence:  *seq,
		ArrivedAt: time.Now(),
	}
	*seq++

	view := pipeline.SessionView{ID: sessionID, State: sess.FSMState, Strategy: sess.Strategy, Format: chunk.Format}
	s.pipeline.Submit(view, chunk, q)
	s.mgr.Dispatch(action.New(action.TypeAudioChunkReceived, sessionID, chunk))
}

// relayEvents forwards every action the bus emits about sessionID to the
// client as a JSON text frame, until ctx is cancelled or the subscription
// is torn down by ServeHTTP's defer.
func (s *Server) relayEvents(ctx context.Context, conn *websocket.Conn, sub *action.Subscriber) {
	for a := range sub.Events() {
		frame := eventFrame{Type: string(a.Type), Payload: a.Payload}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			return
		}
	}
}
