package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/dialback/internal/audio"
	"github.com/antoniostano/dialback/internal/observability"
	"github.com/antoniostano/dialback/internal/speech"
)

// FrameBytes is one 20 ms mu-law frame at 8 kHz.
const FrameBytes = 160

// TranscriptionFailed is returned in place of text when the transcriber is
// unavailable; the call stays alive so the agent can retry.
const TranscriptionFailed = "[transcription failed]"

var (
	ErrListenTimeout = errors.New("listen timeout")
	ErrPeerClosed    = errors.New("media stream closed by peer")
)

// Timings carries the real-time constants of a session. Production uses
// DefaultTimings; tests compress them.
type Timings struct {
	FrameInterval    time.Duration
	TailPerChar      time.Duration
	SilenceThreshold time.Duration
	ResponseTimeout  time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		FrameInterval:    20 * time.Millisecond,
		TailPerChar:      50 * time.Millisecond,
		SilenceThreshold: 2 * time.Second,
		ResponseTimeout:  60 * time.Second,
	}
}

// Session owns exactly one media-stream websocket for the lifetime of a call.
// A single reader goroutine demuxes provider events; writes are serialized
// through writeMu. Speak and Listen are never invoked concurrently for the
// same session; the call state machine enforces that.
type Session struct {
	conn        *websocket.Conn
	transcriber speech.Transcriber
	timings     Timings
	metrics     *observability.Metrics

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	streamSID string
	listening bool
	frames    chan []byte
}

func NewSession(conn *websocket.Conn, transcriber speech.Transcriber, timings Timings, metrics *observability.Metrics) *Session {
	if timings.FrameInterval <= 0 {
		timings = DefaultTimings()
	}
	s := &Session{
		conn:        conn,
		transcriber: transcriber,
		timings:     timings,
		metrics:     metrics,
		closed:      make(chan struct{}),
		frames:      make(chan []byte, 1024),
	}
	go s.readLoop()
	return s
}

// StreamSID reports the provider stream identifier, empty until the start
// event has been seen.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// Closed is signalled when the peer hangs up or the socket fails.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Speak paces a mu-law buffer onto the stream in 20 ms frames, then waits a
// playback tail proportional to the utterance length so the last syllable is
// not clipped by the provider's jitter buffer.
func (s *Session) Speak(ctx context.Context, mulaw []byte, text string) error {
	for off := 0; off < len(mulaw); off += FrameBytes {
		end := off + FrameBytes
		if end > len(mulaw) {
			end = len(mulaw)
		}
		if off > 0 {
			if err := s.pause(ctx, s.timings.FrameInterval); err != nil {
				return err
			}
		}
		env := Envelope{
			Event: EventMedia,
			Media: &MediaEvent{Payload: base64.StdEncoding.EncodeToString(mulaw[off:end])},
		}
		if err := s.writeJSON(env); err != nil {
			return fmt.Errorf("send media frame: %w", ErrPeerClosed)
		}
		if s.metrics != nil {
			s.metrics.MediaFrames.WithLabelValues("outbound").Inc()
		}
	}
	tail := time.Duration(len(text)) * s.timings.TailPerChar
	return s.pause(ctx, tail)
}

// Listen accumulates inbound mu-law frames until the arrival gap exceeds the
// silence threshold, then transcribes the closed buffer. The whole wait is
// bounded by the response timeout. Transcriber failures degrade to the
// TranscriptionFailed sentinel instead of killing the call.
func (s *Session) Listen(ctx context.Context) (string, error) {
	s.setListening(true)
	defer s.setListening(false)

	overall := time.NewTimer(s.timings.ResponseTimeout)
	defer overall.Stop()
	silence := time.NewTimer(s.timings.SilenceThreshold)
	defer silence.Stop()

	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.closed:
			// Mid-listen peer close is indistinguishable from the human never
			// finishing a turn; surface it the same way.
			return "", fmt.Errorf("peer hangup: %w", ErrListenTimeout)
		case <-overall.C:
			return "", ErrListenTimeout
		case frame := <-s.frames:
			buf = append(buf, frame...)
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(s.timings.SilenceThreshold)
		case <-silence.C:
			if len(buf) == 0 {
				// Silence before the human said anything; keep waiting.
				silence.Reset(s.timings.SilenceThreshold)
				continue
			}
			return s.transcribe(ctx, buf)
		}
	}
}

func (s *Session) transcribe(ctx context.Context, mulaw []byte) (string, error) {
	pcm := audio.DecodeMuLaw(mulaw)
	wav := audio.EncodeWAVPCM16LE(pcm, 8000)
	text, err := s.transcriber.Transcribe(ctx, wav)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues("stt", "transcribe").Inc()
		}
		return TranscriptionFailed, nil
	}
	return text, nil
}

// Close tears down the websocket. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		close(s.closed)
	})
	return err
}

func (s *Session) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Event {
		case EventStart:
			if env.Start != nil {
				s.mu.Lock()
				s.streamSID = env.Start.StreamSID
				s.mu.Unlock()
			}
		case EventMedia:
			if env.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				continue
			}
			if s.metrics != nil {
				s.metrics.MediaFrames.WithLabelValues("inbound").Inc()
			}
			// Frames outside a listening window are discarded: no barge-in.
			s.mu.Lock()
			listening := s.listening
			s.mu.Unlock()
			if !listening {
				continue
			}
			select {
			case s.frames <- payload:
			default:
			}
		case EventStop:
			return
		}
	}
}

func (s *Session) setListening(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening = v
	if v {
		// A fresh listening window never inherits stale audio.
		for {
			select {
			case <-s.frames:
			default:
				return
			}
		}
	}
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *Session) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrPeerClosed
	case <-t.C:
		return nil
	}
}
