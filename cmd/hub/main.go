// Command hub is the ASR Hub's composition root: it loads configuration,
// wires the provider pool, session store, pipeline, and manager together,
// exposes Prometheus metrics over HTTP, and demonstrates end-to-end
// operation by capturing the local microphone and feeding it into a
// session exactly as a websocket or upload handler would. Grounded
// directly on the teacher's cmd/agent/main.go (malgo duplex device setup,
// env-var provider selection, RMS mic-level meter goroutine,
// event-channel consumer loop, SIGINT/SIGTERM shutdown) adapted from a
// single always-on conversation session to the hub's create-session /
// push-audio / subscribe API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonesHong/ASRHub-sub002/pkg/action"
	"github.com/JonesHong/ASRHub-sub002/pkg/audio"
	hubconfig "github.com/JonesHong/ASRHub-sub002/pkg/config"
	"github.com/JonesHong/ASRHub-sub002/pkg/logging"
	"github.com/JonesHong/ASRHub-sub002/pkg/manager"
	"github.com/JonesHong/ASRHub-sub002/pkg/metrics"
	"github.com/JonesHong/ASRHub-sub002/pkg/operator"
	"github.com/JonesHong/ASRHub-sub002/pkg/pipeline"
	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
	"github.com/JonesHong/ASRHub-sub002/pkg/providers/asr"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
	"github.com/JonesHong/ASRHub-sub002/pkg/store"
	"github.com/JonesHong/ASRHub-sub002/pkg/timer"
	"github.com/JonesHong/ASRHub-sub002/pkg/transport"
)

const (
	micSampleRate = 16000
	micChannels   = 1
)

func main() {
	cfg, err := hubconfig.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.NewJSON(slog.LevelInfo)

	engineFactory, engineName := selectEngine()
	logger.Info("engine selected", "engine", engineName)

	bus := action.NewBus()

	// st is constructed after timers (store.New takes a *timer.Service), but
	// timer expiry actions must flow through the reducer, not the raw bus —
	// otherwise a RESET or end_recording/timeout expiry never actually
	// changes FSM state. The forward-declared variable plus closure breaks
	// the construction cycle, the same pattern used below for the pipeline.
	var st *store.Store
	timers := timer.New(action.DispatchFunc(func(a action.Action) { st.Dispatch(a) }), logger)
	pool := provider.New(cfg.Pool, engineFactory, logger)

	if err := pool.WarmMinSize(context.Background()); err != nil {
		logger.Warn("failed to warm provider pool to min_size", "error", err)
	}

	vadTemplate := operator.NewVAD(operator.VADConfig{
		FrameSamples:       cfg.VAD.FrameSamples,
		SmoothingWindow:    cfg.VAD.SmoothingWindow,
		AdaptiveThreshold:  cfg.VAD.AdaptiveThreshold,
		ThresholdMin:       cfg.VAD.ThresholdMin,
		ThresholdMax:       cfg.VAD.ThresholdMax,
		MinSilenceDuration: cfg.VAD.MinSilenceDuration,
	})
	wwTemplate := operator.NewWakeWord(operator.WakeWordConfig{
		Model:       "default",
		ScoreWindow: cfg.WakeWord.ScoreWindow,
		Threshold:   cfg.WakeWord.Threshold,
		Cooldown:    cfg.WakeWord.Cooldown,
	})

	st = store.New(cfg, bus, timers, pool, logger, vadTemplate, wwTemplate)
	store.NewEffects(st)

	converter := audio.NewConverter()
	branches := []pipeline.Branch{
		pipeline.NewConversionBranch(converter, session.CanonicalFormat, session.QualityMedium),
		pipeline.NewWakeWordBranch(st.WakeWordFor, wakeWordScore),
		pipeline.NewVADBranch(st.VADFor),
	}
	// Branch-derived actions (wake_triggered, speech_detected, end_recording)
	// carry FSM events and must reach the reducer the same way timer expiry
	// does.
	pl := pipeline.New(branches, action.DispatchFunc(func(a action.Action) { st.Dispatch(a) }), logger)

	mgr := manager.New(st, bus, logger)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)
	go exportMetricsPeriodically(st, pool, metricsReg)
	go serveMetrics(reg, logger)

	wsServer := transport.NewServer(mgr, st, pl, logger)
	go serveWebsocket(wsServer, logger)

	sessionID, err := mgr.CreateSession(session.StrategyNonStreaming, cfg.Pool.DefaultPriority, map[string]string{"source": "mic_demo"})
	if err != nil {
		logger.Error("failed to create demo session", "error", err)
		return
	}
	mgr.Dispatch(action.New(action.TypeStartListening, sessionID, nil))
	logger.Info("demo session created", "session_id", sessionID)

	sub := mgr.Subscribe(sessionID, 256)
	defer mgr.Unsubscribe(sessionID, sub)

	go logEvents(sub, logger)

	runMicDemo(mgr, pl, st, sessionID, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
	mgr.DestroySession(sessionID)
}

// selectEngine picks an ASR engine factory from ASRHUB_ENGINE and its
// matching API key env var, defaulting to groq, mirroring the teacher's
// STT_PROVIDER switch in cmd/agent/main.go.
func selectEngine() (provider.EngineFactory, string) {
	name := os.Getenv("ASRHUB_ENGINE")
	if name == "" {
		name = "groq"
	}
	switch name {
	case "openai":
		return asr.NewOpenAIEngine(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_STT_MODEL")), name
	case "deepgram":
		return asr.NewDeepgramEngine(os.Getenv("DEEPGRAM_API_KEY")), name
	case "assemblyai":
		return asr.NewAssemblyAIEngine(os.Getenv("ASSEMBLYAI_API_KEY")), name
	case "groq":
		fallthrough
	default:
		return asr.NewGroqEngine(os.Getenv("GROQ_API_KEY"), os.Getenv("GROQ_STT_MODEL")), "groq"
	}
}

func serveMetrics(reg *prometheus.Registry, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := os.Getenv("ASRHUB_METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server exited", "error", err)
	}
}

// serveWebsocket exposes the streaming-audio protocol endpoint: one
// connection per session, binary frames in, JSON action frames out (spec
// §6), separate from the metrics listener so a protocol outage never takes
// observability down with it.
func serveWebsocket(ws *transport.Server, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	addr := os.Getenv("ASRHUB_WS_ADDR")
	if addr == "" {
		addr = ":9091"
	}
	logger.Info("websocket server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("websocket server exited", "error", err)
	}
}

func exportMetricsPeriodically(st *store.Store, pool *provider.Pool, reg *metrics.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		reg.ObservePool(pool.Stats())
		reg.ObserveSessions(st.Size())
	}
}

func logEvents(sub *action.Subscriber, logger logging.Logger) {
	for a := range sub.Events() {
		switch a.Type {
		case action.TypeTranscriptionDone:
			logger.Info("transcription done", "session_id", a.SessionID, "payload", a.Payload)
		case action.TypeStateChanged:
			logger.Info("state changed", "session_id", a.SessionID, "payload", a.Payload)
		case action.TypeError:
			logger.Error("session error", "session_id", a.SessionID, "payload", a.Payload)
		case action.TypeWakeTriggered:
			logger.Info("wake triggered", "session_id", a.SessionID, "payload", a.Payload)
		}
	}
}

// wakeWordScore is a placeholder scorer standing in for a real wake-word
// model: it reports the chunk's RMS energy as its score, matching the
// teacher's RMS-based heuristics rather than pretending to a trained
// classifier the repository does not ship.
func wakeWordScore(chunk session.AudioChunk) float64 {
	samples := chunk.Data
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(samples); i += 2 {
		v := int16(uint16(samples[i]) | uint16(samples[i+1])<<8)
		f := float64(v) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)/2))
}

// runMicDemo opens the default duplex audio device with malgo and streams
// captured frames into the session as AudioChunks, exactly the role the
// teacher's onSamples callback plays for ManagedStream.Write — but here
// feeding pkg/pipeline.Pipeline.Submit instead of a single hard-coded
// conversation stream.
func runMicDemo(mgr *manager.Manager, pl *pipeline.Pipeline, st *store.Store, sessionID string, logger logging.Logger) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		logger.Warn("malgo init failed, mic demo disabled", "error", err)
		return
	}

	var rmsMu sync.Mutex
	lastRMS := 0.0
	var seq uint64

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput == nil {
			return
		}
		rms := wakeWordScore(session.AudioChunk{Data: pInput})
		rmsMu.Lock()
		lastRMS = rms
		rmsMu.Unlock()

		sess, q, ok := st.Get(sessionID)
		if !ok {
			return
		}
		chunk := session.AudioChunk{
			Data:      append([]byte(nil), pInput...),
			Format:    session.AudioFormat{SampleRateHz: micSampleRate, Channels: micChannels, Encoding: session.EncodingPCMSigned, BitDepth: 16},
			Sequence:  seq,
			ArrivedAt: time.Now(),
		}
		seq++
		view := pipeline.SessionView{ID: sessionID, State: sess.FSMState, Strategy: sess.Strategy, Format: chunk.Format}
		pl.Submit(view, chunk, q)
		mgr.Dispatch(action.New(action.TypeAudioChunkReceived, sessionID, chunk))
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = micChannels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = micChannels
	deviceConfig.SampleRate = micSampleRate

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		logger.Warn("malgo device init failed, mic demo disabled", "error", err)
		mctx.Uninit()
		return
	}
	if err := device.Start(); err != nil {
		logger.Warn("malgo device start failed, mic demo disabled", "error", err)
		device.Uninit()
		mctx.Uninit()
		return
	}

	go func() {
		for {
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()
			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			meter := ""
			for i := 0; i < dots; i++ {
				meter += "|"
			}
			fmt.Printf("\r[MIC ENERGY: %-40s] RMS: %.5f", meter, level)
			time.Sleep(100 * time.Millisecond)
		}
	}()
}
