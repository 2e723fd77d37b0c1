package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/JonesHong/ASRHub-sub002/pkg/audio"
	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// AssemblyAIEngine adapts the teacher's AssemblyAISTT client: an
// upload-then-poll async transcription flow, unlike the other engines'
// single synchronous request.
type AssemblyAIEngine struct {
	apiKey  string
	baseURL string
	client  *http.Client
	poll    time.Duration
}

const assemblyAIBaseURL = "https://api.assemblyai.com"

// NewAssemblyAIEngine builds a provider.EngineFactory bound to apiKey.
func NewAssemblyAIEngine(apiKey string) provider.EngineFactory {
	return func(ctx context.Context) (provider.Engine, error) {
		return &AssemblyAIEngine{apiKey: apiKey, baseURL: assemblyAIBaseURL, client: http.DefaultClient, poll: 500 * time.Millisecond}, nil
	}
}

func (e *AssemblyAIEngine) Transcribe(ctx context.Context, pcm []byte, format session.AudioFormat) (session.Transcription, error) {
	wavData := audio.EncodeWAV(pcm, format)

	uploadURL, err := e.upload(ctx, wavData)
	if err != nil {
		return session.Transcription{}, err
	}
	transcriptID, err := e.submit(ctx, uploadURL)
	if err != nil {
		return session.Transcription{}, err
	}

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return session.Transcription{}, ctx.Err()
		case <-ticker.C:
			text, status, err := e.getTranscript(ctx, transcriptID)
			if err != nil {
				return session.Transcription{}, err
			}
			switch status {
			case "completed":
				return session.Transcription{Text: text}, nil
			case "error":
				return session.Transcription{}, huberrors.New(huberrors.KindProvider, "assemblyai transcription failed")
			}
		}
	}
}

func (e *AssemblyAIEngine) upload(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v2/upload", bytes.NewReader(data))
	if err != nil {
		return "", huberrors.Wrap(huberrors.KindProvider, "failed to build assemblyai upload request", err)
	}
	req.Header.Set("Authorization", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", huberrors.Wrap(huberrors.KindProvider, "assemblyai upload failed", err)
	}
	defer resp.Body.Close()

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", huberrors.Wrap(huberrors.KindProvider, "failed to decode assemblyai upload response", err)
	}
	return result.UploadURL, nil
}

func (e *AssemblyAIEngine) submit(ctx context.Context, uploadURL string) (string, error) {
	body, err := json.Marshal(map[string]any{"audio_url": uploadURL})
	if err != nil {
		return "", huberrors.Wrap(huberrors.KindProvider, "failed to encode assemblyai submit payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", huberrors.Wrap(huberrors.KindProvider, "failed to build assemblyai submit request", err)
	}
	req.Header.Set("Authorization", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", huberrors.Wrap(huberrors.KindProvider, "assemblyai submit failed", err)
	}
	defer resp.Body.Close()

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", huberrors.Wrap(huberrors.KindProvider, "failed to decode assemblyai submit response", err)
	}
	return result.ID, nil
}

func (e *AssemblyAIEngine) getTranscript(ctx context.Context, id string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v2/transcript/"+id, nil)
	if err != nil {
		return "", "", huberrors.Wrap(huberrors.KindProvider, "failed to build assemblyai poll request", err)
	}
	req.Header.Set("Authorization", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", "", huberrors.Wrap(huberrors.KindProvider, "assemblyai poll failed", err)
	}
	defer resp.Body.Close()

	var result struct {
		Status string `json:"status"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", huberrors.Wrap(huberrors.KindProvider, "failed to decode assemblyai poll response", err)
	}
	return result.Text, result.Status, nil
}

func (e *AssemblyAIEngine) Warmup(ctx context.Context) error { return nil }

func (e *AssemblyAIEngine) HealthCheck(ctx context.Context) error {
	if e.apiKey == "" {
		return huberrors.New(huberrors.KindProvider, "assemblyai api key not configured")
	}
	return nil
}

func (e *AssemblyAIEngine) Close() error { return nil }
