package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call bridge.
type Config struct {
	Port             int
	PublicBaseURL    string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	TwilioAccountSID string
	TwilioAuthToken  string
	FromNumber       string
	ToNumber         string
	DialTimeout      time.Duration

	SpeechProvider string
	SpeechAPIKey   string
	SpeechBaseURL  string
	TTSVoiceID     string
	TTSModelID     string
	STTModelID     string
	TTSSpeed       float64
}

// Load reads environment variables, applies defaults and validates that every
// credential-bearing option is present. Validation failures are fatal at
// startup.
func Load() (Config, error) {
	cfg := Config{
		Port:             3333,
		PublicBaseURL:    envTrimmed("PUBLIC_BASE_URL"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "dialback"),
		ShutdownTimeout:  15 * time.Second,
		TwilioAccountSID: envTrimmed("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  envTrimmed("TWILIO_AUTH_TOKEN"),
		FromNumber:       envTrimmed("TWILIO_FROM_NUMBER"),
		ToNumber:         envTrimmed("CALL_TO_NUMBER"),
		DialTimeout:      60 * time.Second,
		SpeechProvider:   envOrDefault("SPEECH_PROVIDER", "auto"),
		SpeechAPIKey:     envTrimmed("SPEECH_API_KEY"),
		SpeechBaseURL:    envOrDefault("SPEECH_BASE_URL", "https://api.elevenlabs.io"),
		TTSVoiceID:       envOrDefault("TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		TTSModelID:       envOrDefault("TTS_MODEL_ID", "eleven_multilingual_v2"),
		STTModelID:       envOrDefault("STT_MODEL_ID", "scribe_v1"),
		TTSSpeed:         1.0,
	}

	var err error
	cfg.Port, err = intFromEnv("APP_PORT", cfg.Port)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DialTimeout, err = durationFromEnv("DIAL_TIMEOUT", cfg.DialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSSpeed, err = floatFromEnv("TTS_SPEED", cfg.TTSSpeed)
	if err != nil {
		return Config{}, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("APP_PORT must be in 1..65535")
	}
	if cfg.PublicBaseURL == "" {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if _, err := url.Parse(cfg.PublicBaseURL); err != nil {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL parse error: %w", err)
	}
	if cfg.TwilioAccountSID == "" {
		return Config{}, fmt.Errorf("TWILIO_ACCOUNT_SID is required")
	}
	if cfg.TwilioAuthToken == "" {
		return Config{}, fmt.Errorf("TWILIO_AUTH_TOKEN is required")
	}
	if cfg.FromNumber == "" {
		return Config{}, fmt.Errorf("TWILIO_FROM_NUMBER is required")
	}
	if cfg.ToNumber == "" {
		return Config{}, fmt.Errorf("CALL_TO_NUMBER is required")
	}
	if cfg.DialTimeout < time.Second {
		return Config{}, fmt.Errorf("DIAL_TIMEOUT must be at least 1s")
	}

	return cfg, nil
}

// PublicHost returns the authority of the configured public URL, used when
// building the media-stream websocket address handed to the provider.
func (c Config) PublicHost() string {
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(strings.TrimPrefix(c.PublicBaseURL, "https://"), "http://")
	}
	return u.Host
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
