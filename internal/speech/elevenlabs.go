package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type ElevenLabsConfig struct {
	APIKey     string
	BaseURL    string
	TTSVoiceID string
	TTSModelID string
	STTModelID string
	Speed      float64
}

// ElevenLabsProvider implements Synthesizer and Transcriber against the
// ElevenLabs REST API, requesting telephony-rate PCM so the output can be
// mu-law encoded without resampling.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if cfg.Speed < 0.7 || cfg.Speed > 1.2 {
		cfg.Speed = 1.0
	}
	return &ElevenLabsProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(p.cfg.TTSVoiceID) +
		"?output_format=pcm_8000"

	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": p.cfg.TTSModelID,
		"voice_settings": map[string]any{
			"speed": p.cfg.Speed,
		},
	})
	if err != nil {
		return nil, &UpstreamError{Provider: "elevenlabs", Op: "synthesize", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &UpstreamError{Provider: "elevenlabs", Op: "synthesize", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Provider: "elevenlabs", Op: "synthesize", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Provider: "elevenlabs", Op: "synthesize", Status: resp.StatusCode}
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Provider: "elevenlabs", Op: "synthesize", Err: err}
	}
	return pcm, nil
}

func (p *ElevenLabsProvider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/speech-to-text"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model_id", p.cfg.STTModelID); err != nil {
		return "", &UpstreamError{Provider: "elevenlabs", Op: "transcribe", Err: err}
	}
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", &UpstreamError{Provider: "elevenlabs", Op: "transcribe", Err: err}
	}
	if _, err := fw.Write(wav); err != nil {
		return "", &UpstreamError{Provider: "elevenlabs", Op: "transcribe", Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &UpstreamError{Provider: "elevenlabs", Op: "transcribe", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", &UpstreamError{Provider: "elevenlabs", Op: "transcribe", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &UpstreamError{Provider: "elevenlabs", Op: "transcribe", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UpstreamError{Provider: "elevenlabs", Op: "transcribe", Status: resp.StatusCode}
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &UpstreamError{Provider: "elevenlabs", Op: "transcribe", Err: fmt.Errorf("decode response: %w", err)}
	}
	return strings.TrimSpace(decoded.Text), nil
}
