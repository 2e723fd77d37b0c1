package asr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

func TestAssemblyAIEngineTranscribePollsUntilCompleted(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/upload", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio.wav"})
	})
	mux.HandleFunc("/v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "tx-1"})
	})
	mux.HandleFunc("/v2/transcript/tx-1", func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "processing"
		if calls >= 2 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status, "text": "done talking"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	e := &AssemblyAIEngine{apiKey: "k", baseURL: ts.URL, client: ts.Client(), poll: 5 * time.Millisecond}

	out, err := e.Transcribe(context.Background(), []byte{1, 2, 3, 4}, session.CanonicalFormat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "done talking" {
		t.Fatalf("expected the completed transcript text, got %q", out.Text)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 polls before completion, got %d", calls)
	}
}

func TestAssemblyAIEngineTranscribePropagatesTranscriptionError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/upload", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio.wav"})
	})
	mux.HandleFunc("/v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "tx-2"})
	})
	mux.HandleFunc("/v2/transcript/tx-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "error"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	e := &AssemblyAIEngine{apiKey: "k", baseURL: ts.URL, client: ts.Client(), poll: 5 * time.Millisecond}

	if _, err := e.Transcribe(context.Background(), []byte{1, 2}, session.CanonicalFormat); err == nil {
		t.Fatal("expected an error when assemblyai reports status=error")
	}
}

func TestAssemblyAIEngineHealthCheckRequiresAPIKey(t *testing.T) {
	e := &AssemblyAIEngine{baseURL: assemblyAIBaseURL, client: http.DefaultClient}
	if err := e.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected an error with no api key configured")
	}

	e.apiKey = "k"
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected error with api key configured: %v", err)
	}
}

func TestNewAssemblyAIEngineFactoryReturnsProviderEngine(t *testing.T) {
	factory := NewAssemblyAIEngine("k")
	eng, err := factory(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := eng.(*AssemblyAIEngine); !ok {
		t.Fatalf("expected a *AssemblyAIEngine, got %T", eng)
	}
}
