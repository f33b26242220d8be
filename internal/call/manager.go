package call

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/dialback/internal/audio"
	"github.com/antoniostano/dialback/internal/media"
	"github.com/antoniostano/dialback/internal/observability"
	"github.com/antoniostano/dialback/internal/speech"
	"github.com/antoniostano/dialback/internal/telephony"
)

// ShutdownFarewell is spoken on every live call when the bridge goes down.
const ShutdownFarewell = "Goodbye."

// Options carries the dial parameters and deadlines of the manager.
type Options struct {
	To         string
	From       string
	ControlURL string

	DialTimeout       time.Duration
	BindTimeout       time.Duration
	BindPollInterval  time.Duration
	SpuriousIdleClose time.Duration
}

func (o *Options) fillDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 60 * time.Second
	}
	if o.BindTimeout <= 0 {
		o.BindTimeout = 10 * time.Second
	}
	if o.BindPollInterval <= 0 {
		o.BindPollInterval = 100 * time.Millisecond
	}
	if o.SpuriousIdleClose <= 0 {
		o.SpuriousIdleClose = 3 * time.Second
	}
}

// Manager is the registry of live calls and the agent-facing facade: it
// places outbound calls, correlates incoming media streams back to pending
// calls and runs speak/listen turns.
type Manager struct {
	dialer      telephony.Dialer
	synth       speech.Synthesizer
	transcriber speech.Transcriber
	metrics     *observability.Metrics
	timings     media.Timings
	opts        Options

	mu        sync.Mutex
	calls     map[string]*Call
	nextSeq   int
	accepting bool
}

func NewManager(dialer telephony.Dialer, synth speech.Synthesizer, transcriber speech.Transcriber, metrics *observability.Metrics, timings media.Timings, opts Options) *Manager {
	opts.fillDefaults()
	if timings.FrameInterval <= 0 {
		timings = media.DefaultTimings()
	}
	return &Manager{
		dialer:      dialer,
		synth:       synth,
		transcriber: transcriber,
		metrics:     metrics,
		timings:     timings,
		opts:        opts,
		calls:       make(map[string]*Call),
		accepting:   true,
	}
}

// Initiate creates a call, dials the human, waits for the provider to open
// the media stream, speaks the opening message and returns the first reply.
// On any failure the call is removed and a bound stream is closed.
func (m *Manager) Initiate(ctx context.Context, message string) (callID, reply string, err error) {
	c, err := m.register()
	if err != nil {
		return "", "", err
	}

	// Registration precedes dialing so a fast-arriving stream always finds
	// its pending call.
	sid, err := m.dialer.PlaceCall(ctx, m.opts.To, m.opts.From, m.opts.ControlURL, m.opts.DialTimeout)
	if err != nil {
		m.discard(c, "dial_failed")
		return "", "", err
	}
	c.mu.Lock()
	c.providerSID = sid
	c.mu.Unlock()

	if err := m.waitForBind(ctx, c); err != nil {
		m.discard(c, "bind_timeout")
		return "", "", err
	}
	c.setState(StateActive)
	m.countEvent("bound")

	if err := c.beginTurn(); err != nil {
		m.discard(c, "failed")
		return "", "", err
	}
	reply, err = m.runTurn(ctx, c, message, turnListen|turnRecord)
	c.endTurn()
	if err != nil {
		m.discard(c, "failed")
		return "", "", err
	}
	return c.id, reply, nil
}

// Continue runs one speak+listen turn on an existing active call.
func (m *Manager) Continue(ctx context.Context, callID, message string) (string, error) {
	c, err := m.lookup(callID)
	if err != nil {
		return "", err
	}
	if err := c.beginTurn(); err != nil {
		return "", err
	}
	reply, err := m.runTurn(ctx, c, message, turnListen|turnRecord)
	c.endTurn()
	if err != nil {
		m.discard(c, "failed")
		return "", err
	}
	return reply, nil
}

// SpeakOnly speaks without waiting for a reply; the agent uses it to cover
// latency before a slow operation. No human history entry is appended.
func (m *Manager) SpeakOnly(ctx context.Context, callID, message string) error {
	c, err := m.lookup(callID)
	if err != nil {
		return err
	}
	if err := c.beginTurn(); err != nil {
		return err
	}
	// A latency filler leaves no trace in the conversation history.
	_, err = m.runTurn(ctx, c, message, 0)
	c.endTurn()
	if err != nil {
		m.discard(c, "failed")
		return err
	}
	return nil
}

// End speaks a farewell, closes the stream and removes the call.
func (m *Manager) End(ctx context.Context, callID, message string) error {
	c, err := m.lookup(callID)
	if err != nil {
		return err
	}
	// If a turn is in flight the farewell is skipped; closing the stream
	// below makes the pending listen fail on its own.
	if err := c.beginTurn(); err == nil {
		if _, terr := m.runTurn(ctx, c, message, turnRecord); terr != nil {
			log.Printf("call %s: farewell failed: %v", c.id, terr)
		}
		c.endTurn()
	}
	m.discard(c, "ended")
	return nil
}

// History returns the conversation so far.
func (m *Manager) History(callID string) ([]Entry, error) {
	c, err := m.lookup(callID)
	if err != nil {
		return nil, err
	}
	return c.History(), nil
}

// ActiveCallIDs lists live calls in creation order.
func (m *Manager) ActiveCallIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		live = append(live, c)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	ids := make([]string, len(live))
	for i, c := range live {
		ids[i] = c.id
	}
	return ids
}

// Attach correlates an incoming media stream with the oldest pending call.
// Unmatched streams are closed after a short idle grace; a second stream for
// an already bound call is discarded the same way.
func (m *Manager) Attach(conn *websocket.Conn) bool {
	session := media.NewSession(conn, m.transcriber, m.timings, m.metrics)

	m.mu.Lock()
	var claimed bool
	if m.accepting {
		pending := make([]*Call, 0, len(m.calls))
		for _, c := range m.calls {
			pending = append(pending, c)
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
		for _, c := range pending {
			if c.bind(session) {
				claimed = true
				break
			}
		}
	}
	m.mu.Unlock()

	if !claimed {
		m.countEvent("spurious_stream")
		go func() {
			timer := time.NewTimer(m.opts.SpuriousIdleClose)
			defer timer.Stop()
			select {
			case <-session.Closed():
			case <-timer.C:
			}
			_ = session.Close()
		}()
	}
	return claimed
}

// Shutdown ends every live call with the canonical farewell and stops
// accepting streams. In-flight turns are not awaited; their streams are
// closed underneath them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.accepting = false
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.End(ctx, id, ShutdownFarewell); err != nil {
			log.Printf("shutdown: ending call %s: %v", id, err)
		}
	}
}

func (m *Manager) register() (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accepting {
		return nil, fmt.Errorf("manager shutting down: %w", ErrInvalidState)
	}
	m.nextSeq++
	c := &Call{
		id:        fmt.Sprintf("call-%d", m.nextSeq),
		seq:       m.nextSeq,
		createdAt: time.Now().UTC(),
		state:     StatePendingStream,
	}
	m.calls[c.id] = c
	m.countEvent("created")
	m.setActiveGaugeLocked()
	return c, nil
}

func (m *Manager) lookup(callID string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrUnknownCall
	}
	return c, nil
}

// discard removes the call from the registry, closes its stream and makes a
// best-effort provider-side hangup.
func (m *Manager) discard(c *Call, event string) {
	m.mu.Lock()
	delete(m.calls, c.id)
	m.setActiveGaugeLocked()
	m.mu.Unlock()
	m.countEvent(event)

	c.mu.Lock()
	session := c.session
	sid := c.providerSID
	c.state = StateEnded
	c.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if sid != "" {
		hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.dialer.Hangup(hangupCtx, sid); err != nil {
			log.Printf("call %s: hangup: %v", c.id, err)
		}
	}
}

func (m *Manager) waitForBind(ctx context.Context, c *Call) error {
	deadline := time.Now().Add(m.opts.BindTimeout)
	for {
		if c.boundSession() != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrBindTimeout
		}
		timer := time.NewTimer(m.opts.BindPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type turnMode int

const (
	turnListen turnMode = 1 << iota
	turnRecord
)

// runTurn speaks message and, when turnListen is set, waits for the human
// reply. History appends are tied to the state transitions: the agent entry
// on entering speaking, the human entry on leaving listening. Speak-only
// latency fillers run without turnRecord and leave history untouched.
func (m *Manager) runTurn(ctx context.Context, c *Call, message string, mode turnMode) (string, error) {
	session := c.boundSession()
	if session == nil {
		return "", ErrInvalidState
	}
	started := time.Now()

	c.setState(StateSpeaking)
	if mode&turnRecord != 0 {
		c.appendHistory(SpeakerAgent, message)
	}

	pcm, err := m.synth.Synthesize(ctx, message)
	if err != nil {
		if m.metrics != nil {
			m.metrics.ProviderErrors.WithLabelValues("tts", "synthesize").Inc()
		}
		return "", err
	}
	if err := session.Speak(ctx, audio.EncodeMuLaw(pcm), message); err != nil {
		return "", err
	}

	if mode&turnListen == 0 {
		c.setState(StateActive)
		return "", nil
	}

	c.setState(StateListening)
	listenStart := time.Now()
	reply, err := session.Listen(ctx)
	if m.metrics != nil {
		m.metrics.ObserveListenDuration(time.Since(listenStart))
	}
	if err != nil {
		return "", err
	}
	c.appendHistory(SpeakerHuman, reply)
	c.setState(StateActive)
	if m.metrics != nil {
		m.metrics.ObserveTurnLatency(time.Since(started))
	}
	return reply, nil
}

func (m *Manager) countEvent(event string) {
	if m.metrics != nil {
		m.metrics.CallEvents.WithLabelValues(event).Inc()
	}
}

func (m *Manager) setActiveGaugeLocked() {
	if m.metrics != nil {
		m.metrics.ActiveCalls.Set(float64(len(m.calls)))
	}
}
