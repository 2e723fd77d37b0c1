package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/audio"
	"github.com/JonesHong/ASRHub-sub002/pkg/config"
	"github.com/JonesHong/ASRHub-sub002/pkg/manager"
	"github.com/JonesHong/ASRHub-sub002/pkg/operator"
	"github.com/JonesHong/ASRHub-sub002/pkg/pipeline"
	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
	"github.com/JonesHong/ASRHub-sub002/pkg/store"
	"github.com/JonesHong/ASRHub-sub002/pkg/timer"
)

type nopEngine struct{}

func (nopEngine) Transcribe(ctx context.Context, pcm []byte, format session.AudioFormat) (session.Transcription, error) {
	return session.Transcription{Text: "ok"}, nil
}
func (nopEngine) Warmup(ctx context.Context) error      { return nil }
func (nopEngine) HealthCheck(ctx context.Context) error { return nil }
func (nopEngine) Close() error                          { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	bus := action.NewBus()
	var st *store.Store
	timers := timer.New(action.DispatchFunc(func(a action.Action) { st.Dispatch(a) }), nil)
	pool := provider.New(cfg.Pool, func(ctx context.Context) (provider.Engine, error) {
		return nopEngine{}, nil
	}, nil)
	vadTemplate := operator.NewVAD(operator.VADConfig{
		FrameSamples:       cfg.VAD.FrameSamples,
		SmoothingWindow:    cfg.VAD.SmoothingWindow,
		AdaptiveThreshold:  cfg.VAD.AdaptiveThreshold,
		ThresholdMin:       cfg.VAD.ThresholdMin,
		ThresholdMax:       cfg.VAD.ThresholdMax,
		MinSilenceDuration: cfg.VAD.MinSilenceDuration,
	})
	wwTemplate := operator.NewWakeWord(operator.WakeWordConfig{
		Model:       "test",
		ScoreWindow: cfg.WakeWord.ScoreWindow,
		Threshold:   cfg.WakeWord.Threshold,
		Cooldown:    cfg.WakeWord.Cooldown,
	})
	st = store.New(cfg, bus, timers, pool, nil, vadTemplate, wwTemplate)
	store.NewEffects(st)

	converter := audio.NewConverter()
	branches := []pipeline.Branch{
		pipeline.NewConversionBranch(converter, session.CanonicalFormat, session.QualityMedium),
		pipeline.NewVADBranch(st.VADFor),
	}
	pl := pipeline.New(branches, action.DispatchFunc(func(a action.Action) { st.Dispatch(a) }), nil)
	mgr := manager.New(st, bus, nil)

	return NewServer(mgr, st, pl, nil)
}

func TestServerBridgesAudioFramesAndRelaysEvents(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := make([]byte, 640)
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sawStateChanged := false
	for i := 0; i < 10 && !sawStateChanged; i++ {
		var evt eventFrame
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if evt.Type == string(action.TypeStateChanged) {
			sawStateChanged = true
		}
	}
	if !sawStateChanged {
		t.Fatal("expected at least one state_changed event after pushing audio")
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(eosSentinel)); err != nil {
		t.Fatalf("eos write failed: %v", err)
	}
}
