// Package asr adapts real HTTP-based speech-to-text backends to the
// pkg/provider.Engine contract, directly grounded on the teacher's
// pkg/providers/stt/*.go clients (plain net/http + encoding/json, no HTTP
// client library), generalized from a one-shot Transcribe(ctx, audio,
// language) call into the pool's lease-managed lifecycle (Warmup,
// HealthCheck, Close).
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// DeepgramEngine adapts the teacher's DeepgramSTT client.
type DeepgramEngine struct {
	apiKey string
	url    string
	client *http.Client
}

// NewDeepgramEngine builds a provider.EngineFactory bound to apiKey.
func NewDeepgramEngine(apiKey string) provider.EngineFactory {
	return func(ctx context.Context) (provider.Engine, error) {
		return &DeepgramEngine{
			apiKey: apiKey,
			url:    "https://api.deepgram.com/v1/listen",
			client: http.DefaultClient,
		}, nil
	}
}

func (e *DeepgramEngine) Transcribe(ctx context.Context, audio []byte, format session.AudioFormat) (session.Transcription, error) {
	u, err := url.Parse(e.url)
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "invalid deepgram url", err)
	}
	params := u.Query()
	params.Set("model", "nova-2")
	params.Set("smart_format", "true")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audio))
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to build deepgram request", err)
	}
	req.Header.Set("Authorization", "Token "+e.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=%d", format.SampleRateHz, format.Channels))

	resp, err := e.client.Do(req)
	if err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "deepgram request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return session.Transcription{}, huberrors.New(huberrors.KindProvider, fmt.Sprintf("deepgram error (status %d): %s", resp.StatusCode, string(body)))
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return session.Transcription{}, huberrors.Wrap(huberrors.KindProvider, "failed to decode deepgram response", err)
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return session.Transcription{}, nil
	}
	alt := result.Results.Channels[0].Alternatives[0]
	return session.Transcription{Text: alt.Transcript, Confidence: alt.Confidence}, nil
}

func (e *DeepgramEngine) Warmup(ctx context.Context) error { return nil }

func (e *DeepgramEngine) HealthCheck(ctx context.Context) error {
	if e.apiKey == "" {
		return huberrors.New(huberrors.KindProvider, "deepgram api key not configured")
	}
	return nil
}

func (e *DeepgramEngine) Close() error { return nil }
