// Package provider implements the ASR engine leasing pool of spec §4.9: a
// bounded set of provider instances handed out under lease, with
// aging-based priority to prevent starvation and health-based eviction.
// The Engine interface generalizes the teacher's pkg/orchestrator.STTProvider
// and StreamingSTTProvider into the hub's provider-pool unit of leasing.
package provider

import (
	"context"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// Engine is one leasable ASR backend, generalizing the teacher's
// STTProvider (pkg/orchestrator/types.go: Transcribe(ctx, audio) (string,
// error)) with the lifecycle hooks a pooled, health-tracked resource needs.
type Engine interface {
	// Transcribe runs the engine on accumulated PCM audio for one session.
	Transcribe(ctx context.Context, audio []byte, format session.AudioFormat) (session.Transcription, error)

	// Warmup performs any expensive one-time initialization (model load,
	// connection handshake) before the engine is placed in the idle set.
	Warmup(ctx context.Context) error

	// HealthCheck reports whether the engine is still usable. The pool also
	// tracks consecutive failures independently (spec §4.9); HealthCheck is
	// an additional, engine-reported signal.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the engine permanently. Called
	// when the pool disposes of the instance.
	Close() error
}

// EngineFactory constructs a new Engine instance, used by the pool when it
// needs to grow toward max_size (spec §4.9, step 3 of lease).
type EngineFactory func(ctx context.Context) (Engine, error)

// handle wraps an Engine with the pool's bookkeeping (spec §3: "Provider
// lease — (session_id, provider_handle, lease_time)").
type handle struct {
	id                   uint64
	engine               Engine
	isHealthy            bool
	consecutiveFailures  int
	leasedBySession      string
	leaseTime            time.Time
}

// Stats is the pool's exported statistics snapshot (spec §4.9: "totals
// (created, leased, released, timeouts, errors), current (available,
// leased, waiting, healthy/unhealthy), and rolling average wait time").
// SPEC_FULL.md §2.1 exercises this through pkg/metrics.
type Stats struct {
	// Current composition.
	Total     int
	Idle      int
	Leased    int
	Waiters   int
	Unhealthy int

	// Lifetime totals.
	Created         int
	LeasesGranted   int
	Released        int
	Timeouts        int
	Errors          int
	AvgWaitMillis float64
}
