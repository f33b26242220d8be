package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSynthesizeRequestsTelephonyPCM(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 160)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_8000" {
			t.Errorf("output_format = %q, want pcm_8000", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "key-1" {
			t.Errorf("xi-api-key = %q", got)
		}
		_, _ = w.Write(pcm)
	}))
	defer ts.Close()

	p := NewElevenLabsProvider(ElevenLabsConfig{APIKey: "key-1", BaseURL: ts.URL, TTSVoiceID: "voice-1"})
	got, err := p.Synthesize(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Synthesize error = %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm mismatch: got %d bytes", len(got))
	}
}

func TestSynthesizeHTTPFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	p := NewElevenLabsProvider(ElevenLabsConfig{APIKey: "key-1", BaseURL: ts.URL, TTSVoiceID: "voice-1"})
	_, err := p.Synthesize(context.Background(), "hello")
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if uerr.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", uerr.Status)
	}
}

func TestTranscribeUploadsWAV(t *testing.T) {
	wav := []byte("RIFF....WAVEfake")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/speech-to-text" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("model_id"); got != "scribe_v1" {
			t.Errorf("model_id = %q", got)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			uploaded, _ := io.ReadAll(f)
			if !bytes.Equal(uploaded, wav) {
				t.Errorf("uploaded %d bytes, want %d", len(uploaded), len(wav))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" yes, that works "}`))
	}))
	defer ts.Close()

	p := NewElevenLabsProvider(ElevenLabsConfig{APIKey: "key-1", BaseURL: ts.URL, TTSVoiceID: "voice-1"})
	text, err := p.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("Transcribe error = %v", err)
	}
	if text != "yes, that works" {
		t.Fatalf("text = %q", text)
	}
}

func TestTranscribeHTTPFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	p := NewElevenLabsProvider(ElevenLabsConfig{APIKey: "key-1", BaseURL: ts.URL, TTSVoiceID: "voice-1"})
	_, err := p.Transcribe(context.Background(), []byte("RIFF"))
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
}
