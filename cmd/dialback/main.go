package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antoniostano/dialback/internal/call"
	"github.com/antoniostano/dialback/internal/config"
	"github.com/antoniostano/dialback/internal/httpapi"
	"github.com/antoniostano/dialback/internal/media"
	"github.com/antoniostano/dialback/internal/observability"
	"github.com/antoniostano/dialback/internal/speech"
	"github.com/antoniostano/dialback/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var (
		synth       speech.Synthesizer
		transcriber speech.Transcriber
	)

	speechMode := strings.ToLower(strings.TrimSpace(cfg.SpeechProvider))
	if speechMode == "" {
		speechMode = "auto"
	}

	tryElevenLabs := func() bool {
		if strings.TrimSpace(cfg.SpeechAPIKey) == "" {
			return false
		}
		p := speech.NewElevenLabsProvider(speech.ElevenLabsConfig{
			APIKey:     cfg.SpeechAPIKey,
			BaseURL:    cfg.SpeechBaseURL,
			TTSVoiceID: cfg.TTSVoiceID,
			TTSModelID: cfg.TTSModelID,
			STTModelID: cfg.STTModelID,
			Speed:      cfg.TTSSpeed,
		})
		synth = p
		transcriber = p
		log.Printf("speech provider: elevenlabs")
		return true
	}

	switch speechMode {
	case "elevenlabs":
		if !tryElevenLabs() {
			log.Fatalf("SPEECH_PROVIDER=elevenlabs but SPEECH_API_KEY is not set")
		}
	case "mock":
		p := speech.NewMockProvider()
		synth = p
		transcriber = p
		log.Printf("speech provider: mock")
	case "auto":
		if !tryElevenLabs() {
			p := speech.NewMockProvider()
			synth = p
			transcriber = p
			log.Printf("speech provider: mock (no speech api key)")
		}
	default:
		log.Fatalf("invalid SPEECH_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.SpeechProvider)
	}

	dialer := telephony.NewTwilioDialer(telephony.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
	})

	manager := call.NewManager(dialer, synth, transcriber, metrics, media.DefaultTimings(), call.Options{
		To:          cfg.ToNumber,
		From:        cfg.FromNumber,
		ControlURL:  strings.TrimRight(cfg.PublicBaseURL, "/") + "/twiml",
		DialTimeout: cfg.DialTimeout,
	})

	api := httpapi.New(cfg, manager)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
