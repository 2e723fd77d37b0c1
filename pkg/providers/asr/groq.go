package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/JonesHong/ASRHub-sub002/pkg/audio"
	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// GroqEngine adapts the teacher's GroqSTT client: a multipart upload of a
// WAV-wrapped PCM buffer to Groq's OpenAI-compatible Whisper endpoint.
type GroqEngine struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

// NewGroqEngine builds a provider.EngineFactory bound to apiKey and model.
// An empty model defaults to "whisper-large-v3-turbo", as the teacher does.
func NewGroqEngine(apiKey, model string) provider.EngineFactory {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return func(ctx context.Context) (provider.Engine, error) {
		return &GroqEngine{
			apiKey: apiKey,
			url:    "https://api.groq.com/openai/v1/audio/transcriptions",
			model:  model,
			client: http.DefaultClient,
		}, nil
	}
}

func (e *GroqEngine) Transcribe(ctx context.Context, pcm []byte, format session.AudioFormat) (session.Transcription, error) {
	wavData := audio.EncodeWAV(pcm, format)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", e.model); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to write groq model field", err)
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to create groq form file", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to copy groq audio payload", err)
	}
	if err := writer.Close(); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to close groq multipart writer", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to build groq request", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "groq request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return session.Transcription{}, huberrors.New(huberrors.KindProvider, fmt.Sprintf("groq error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to decode groq response", err)
	}
	return session.Transcription{Text: result.Text}, nil
}

func (e *GroqEngine) Warmup(ctx context.Context) error { return nil }

func (e *GroqEngine) HealthCheck(ctx context.Context) error {
	if e.apiKey == "" {
		return huberrors.New(huberrors.KindProvider, "groq api key not configured")
	}
	return nil
}

func (e *GroqEngine) Close() error { return nil }
