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

// OpenAIEngine adapts the teacher's OpenAISTT client to the pool's Engine
// contract.
type OpenAIEngine struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

// NewOpenAIEngine builds a provider.EngineFactory. An empty model defaults
// to "whisper-1", as the teacher does.
func NewOpenAIEngine(apiKey, model string) provider.EngineFactory {
	if model == "" {
		model = "whisper-1"
	}
	return func(ctx context.Context) (provider.Engine, error) {
		return &OpenAIEngine{
			apiKey: apiKey,
			url:    "https://api.openai.com/v1/audio/transcriptions",
			model:  model,
			client: http.DefaultClient,
		}, nil
	}
}

func (e *OpenAIEngine) Transcribe(ctx context.Context, pcm []byte, format session.AudioFormat) (session.Transcription, error) {
	wavData := audio.EncodeWAV(pcm, format)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", e.model); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to write openai model field", err)
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to create openai form file", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to copy openai audio payload", err)
	}
	if err := writer.Close(); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to close openai multipart writer", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to build openai request", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "openai request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return session.Transcription{}, huberrors.New(huberrors.KindProvider, fmt.Sprintf("openai error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to decode openai response", err)
	}
	return session.Transcription{Text: result.Text}, nil
}

func (e *OpenAIEngine) Warmup(ctx context.Context) error { return nil }

func (e *OpenAIEngine) HealthCheck(ctx context.Context) error {
	if e.apiKey == "" {
		return huberrors.New(huberrors.KindProvider, "openai api key not configured")
	}
	return nil
}

func (e *OpenAIEngine) Close() error { return nil }
