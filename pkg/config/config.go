// Package config loads process configuration for the ASR hub from
// environment variables (optionally via a .env file), following the
// teacher's cmd/agent/main.go pattern of godotenv.Load() + os.Getenv with
// fallback defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
)

// PoolConfig mirrors spec §4.9's provider pool configuration.
type PoolConfig struct {
	MinSize               int
	MaxSize               int
	PerSessionQuota       int
	MaxConsecutiveFailures int
	LeaseTimeout          time.Duration
	AgingFactor           float64
	DefaultPriority       int
}

// QueueConfig mirrors spec §4.1's audio queue bounds and backpressure.
type QueueConfig struct {
	MaxBytes        int
	MaxChunks       int
	HighWaterMark   float64 // fraction of MaxBytes, e.g. 0.8
}

// VADConfig mirrors spec §4.3's tuning knobs.
type VADConfig struct {
	FrameSamples       int
	SmoothingWindow    int
	AdaptiveThreshold  bool
	ThresholdMin       float64
	ThresholdMax       float64
	MinSilenceDuration time.Duration
}

// WakeWordConfig mirrors spec §4.4.
type WakeWordConfig struct {
	ScoreWindow int
	Threshold   float64
	Cooldown    time.Duration
}

// TimerConfig mirrors spec §4.8's default timer durations.
type TimerConfig struct {
	Awake      time.Duration
	LLMClaim   time.Duration
	TTSClaim   time.Duration
	Recording  time.Duration
	Streaming  time.Duration
	SessionIdle time.Duration
}

// Config is the full set of knobs the composition root needs to build a hub.
type Config struct {
	MaxSessions int
	Pool        PoolConfig
	Queue       QueueConfig
	VAD         VADConfig
	WakeWord    WakeWordConfig
	Timer       TimerConfig
}

// Default returns the hub's baked-in defaults, used when an environment
// variable is unset.
func Default() Config {
	return Config{
		MaxSessions: 1000,
		Pool: PoolConfig{
			MinSize:                1,
			MaxSize:                4,
			PerSessionQuota:        1,
			MaxConsecutiveFailures: 3,
			LeaseTimeout:           10 * time.Second,
			AgingFactor:            0.5,
			DefaultPriority:        0,
		},
		Queue: QueueConfig{
			MaxBytes:      320_000,
			MaxChunks:     512,
			HighWaterMark: 0.8,
		},
		VAD: VADConfig{
			FrameSamples:       512,
			SmoothingWindow:    5,
			AdaptiveThreshold:  true,
			ThresholdMin:       0.3,
			ThresholdMax:       0.8,
			MinSilenceDuration: 500 * time.Millisecond,
		},
		WakeWord: WakeWordConfig{
			ScoreWindow: 60,
			Threshold:   0.5,
			Cooldown:    2 * time.Second,
		},
		Timer: TimerConfig{
			Awake:       10 * time.Second,
			LLMClaim:    15 * time.Second,
			TTSClaim:    15 * time.Second,
			Recording:   30 * time.Second,
			Streaming:   60 * time.Second,
			SessionIdle: 5 * time.Minute,
		},
	}
}

// Load reads a .env file if present (ignored if missing, same as the
// teacher) then overlays environment variables onto Default(). It returns a
// *errors.Error tagged KindConfiguration on any malformed value.
func Load() (Config, error) {
	_ = godotenv.Load() // no .env file is not an error, matches teacher

	cfg := Default()

	if v, ok := os.LookupEnv("ASRHUB_MAX_SESSIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, huberrors.Wrap(huberrors.KindConfiguration, "ASRHUB_MAX_SESSIONS must be an integer", err)
		}
		cfg.MaxSessions = n
	}
	if v, ok := os.LookupEnv("ASRHUB_POOL_MIN_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, huberrors.Wrap(huberrors.KindConfiguration, "ASRHUB_POOL_MIN_SIZE must be an integer", err)
		}
		cfg.Pool.MinSize = n
	}
	if v, ok := os.LookupEnv("ASRHUB_POOL_MAX_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, huberrors.Wrap(huberrors.KindConfiguration, "ASRHUB_POOL_MAX_SIZE must be an integer", err)
		}
		cfg.Pool.MaxSize = n
	}
	if v, ok := os.LookupEnv("ASRHUB_POOL_PER_SESSION_QUOTA"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, huberrors.Wrap(huberrors.KindConfiguration, "ASRHUB_POOL_PER_SESSION_QUOTA must be an integer", err)
		}
		cfg.Pool.PerSessionQuota = n
	}
	if v, ok := os.LookupEnv("ASRHUB_POOL_LEASE_TIMEOUT_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, huberrors.Wrap(huberrors.KindConfiguration, "ASRHUB_POOL_LEASE_TIMEOUT_MS must be an integer", err)
		}
		cfg.Pool.LeaseTimeout = time.Duration(n) * time.Millisecond
	}
	if v, ok := os.LookupEnv("ASRHUB_POOL_AGING_FACTOR"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, huberrors.Wrap(huberrors.KindConfiguration, "ASRHUB_POOL_AGING_FACTOR must be a float", err)
		}
		cfg.Pool.AgingFactor = f
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Pool.MinSize < 0 || cfg.Pool.MaxSize <= 0 || cfg.Pool.MinSize > cfg.Pool.MaxSize {
		return huberrors.New(huberrors.KindConfiguration, fmt.Sprintf(
			"invalid pool size bounds: min=%d max=%d", cfg.Pool.MinSize, cfg.Pool.MaxSize))
	}
	if cfg.Pool.PerSessionQuota <= 0 {
		return huberrors.New(huberrors.KindConfiguration, "per_session_quota must be positive")
	}
	if cfg.Queue.HighWaterMark <= 0 || cfg.Queue.HighWaterMark > 1 {
		return huberrors.New(huberrors.KindConfiguration, "queue high water mark must be in (0, 1]")
	}
	if cfg.MaxSessions <= 0 {
		return huberrors.New(huberrors.KindConfiguration, "max_sessions must be positive")
	}
	return nil
}
