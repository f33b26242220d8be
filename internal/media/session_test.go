package media

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func fastTimings() Timings {
	return Timings{
		FrameInterval:    2 * time.Millisecond,
		TailPerChar:      0,
		SilenceThreshold: 80 * time.Millisecond,
		ResponseTimeout:  2 * time.Second,
	}
}

type stubTranscriber struct {
	mu     sync.Mutex
	text   string
	err    error
	gotWAV []byte
}

func (s *stubTranscriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotWAV = append([]byte(nil), wav...)
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func (s *stubTranscriber) wav() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.gotWAV...)
}

// newSessionPair upgrades one websocket connection and hands back both ends:
// the session under test and the raw peer conn playing the provider.
func newSessionPair(t *testing.T, tr *stubTranscriber, timings Timings) (*Session, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	sessCh := make(chan *Session, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sessCh <- NewSession(conn, tr, timings, nil)
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	var sess *Session
	select {
	case sess = <-sessCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session never attached")
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess, peer
}

func sendStart(t *testing.T, peer *websocket.Conn, streamSID string) {
	t.Helper()
	env := Envelope{Event: EventStart, Start: &StartEvent{StreamSID: streamSID, CallSID: "CA1"}}
	if err := peer.WriteJSON(env); err != nil {
		t.Errorf("send start: %v", err)
	}
}

func sendFrame(t *testing.T, peer *websocket.Conn, n int) {
	t.Helper()
	env := Envelope{
		Event: EventMedia,
		Media: &MediaEvent{Payload: base64.StdEncoding.EncodeToString(make([]byte, n))},
	}
	if err := peer.WriteJSON(env); err != nil {
		t.Errorf("send frame: %v", err)
	}
}

func TestSpeakPacesFullFrames(t *testing.T) {
	sess, peer := newSessionPair(t, &stubTranscriber{}, fastTimings())

	mulaw := make([]byte, 400)
	for i := range mulaw {
		mulaw[i] = byte(i)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Speak(context.Background(), mulaw, "hi") }()

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sizes []int
	for i := 0; i < 3; i++ {
		var env Envelope
		if err := peer.ReadJSON(&env); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if env.Event != EventMedia || env.Media == nil {
			t.Fatalf("frame %d: event = %q", i, env.Event)
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			t.Fatalf("frame %d payload: %v", i, err)
		}
		sizes = append(sizes, len(payload))
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Speak error = %v", err)
	}
	want := []int{160, 160, 80}
	for i, n := range want {
		if sizes[i] != n {
			t.Fatalf("frame sizes = %v, want %v", sizes, want)
		}
	}
}

func TestListenEndsOnSilenceGap(t *testing.T) {
	tr := &stubTranscriber{text: "fine thanks"}
	sess, peer := newSessionPair(t, tr, fastTimings())

	go func() {
		sendStart(t, peer, "MZ123")
		// Leading silence longer than the threshold must not end the turn
		// before the human has said anything.
		time.Sleep(120 * time.Millisecond)
		for i := 0; i < 3; i++ {
			sendFrame(t, peer, FrameBytes)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	text, err := sess.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	if text != "fine thanks" {
		t.Fatalf("text = %q", text)
	}
	// 3 frames of 160 mu-law bytes decode to 16-bit PCM behind a 44-byte
	// WAV header.
	if got, want := len(tr.wav()), 44+3*FrameBytes*2; got != want {
		t.Fatalf("wav size = %d, want %d", got, want)
	}
	if got := sess.StreamSID(); got != "MZ123" {
		t.Fatalf("StreamSID = %q, want MZ123", got)
	}
}

func TestListenTimesOutOnEndlessSpeech(t *testing.T) {
	timings := fastTimings()
	timings.ResponseTimeout = 150 * time.Millisecond
	sess, peer := newSessionPair(t, &stubTranscriber{text: "never used"}, timings)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			sendFrame(t, peer, FrameBytes)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	_, err := sess.Listen(context.Background())
	if !errors.Is(err, ErrListenTimeout) {
		t.Fatalf("Listen error = %v, want ErrListenTimeout", err)
	}
}

func TestListenDegradesOnTranscriberFailure(t *testing.T) {
	tr := &stubTranscriber{err: errors.New("stt down")}
	sess, peer := newSessionPair(t, tr, fastTimings())

	go func() {
		sendFrame(t, peer, FrameBytes)
	}()

	text, err := sess.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen error = %v, want degraded success", err)
	}
	if text != TranscriptionFailed {
		t.Fatalf("text = %q, want %q", text, TranscriptionFailed)
	}
}

func TestListenSurfacesPeerHangup(t *testing.T) {
	sess, peer := newSessionPair(t, &stubTranscriber{}, fastTimings())

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = peer.Close()
	}()

	_, err := sess.Listen(context.Background())
	if !errors.Is(err, ErrListenTimeout) {
		t.Fatalf("Listen error = %v, want ErrListenTimeout", err)
	}
}

func TestFramesOutsideListenAreDiscarded(t *testing.T) {
	tr := &stubTranscriber{text: "just this"}
	sess, peer := newSessionPair(t, tr, fastTimings())

	// No listen in progress: both frames must be dropped, not buffered.
	sendFrame(t, peer, FrameBytes)
	sendFrame(t, peer, FrameBytes)
	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		sendFrame(t, peer, FrameBytes)
	}()

	text, err := sess.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	if text != "just this" {
		t.Fatalf("text = %q", text)
	}
	if got, want := len(tr.wav()), 44+FrameBytes*2; got != want {
		t.Fatalf("wav size = %d, want %d", got, want)
	}
}

func TestSpeakFailsAfterPeerClose(t *testing.T) {
	sess, peer := newSessionPair(t, &stubTranscriber{}, fastTimings())

	_ = peer.Close()
	select {
	case <-sess.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("session never noticed the peer closing")
	}

	err := sess.Speak(context.Background(), make([]byte, 2*FrameBytes), "x")
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("Speak error = %v, want ErrPeerClosed", err)
	}
}

func TestListenHonoursContextCancel(t *testing.T) {
	sess, _ := newSessionPair(t, &stubTranscriber{}, fastTimings())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := sess.Listen(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Listen error = %v, want context.Canceled", err)
	}
}
