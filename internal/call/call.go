package call

import (
	"errors"
	"sync"
	"time"

	"github.com/antoniostano/dialback/internal/media"
)

type State string

const (
	StatePendingStream State = "pending_stream"
	StateActive        State = "active"
	StateSpeaking      State = "speaking"
	StateListening     State = "listening"
	StateEnded         State = "ended"
)

type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerHuman Speaker = "human"
)

// Entry is one half of a conversational turn.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

var (
	ErrUnknownCall  = errors.New("unknown call")
	ErrInvalidState = errors.New("operation not permitted in current call state")
	ErrBindTimeout  = errors.New("no media stream bound within deadline")
)

// Call is one live bridged conversation. It owns its media session; the
// session never points back. All mutable fields are guarded by mu.
type Call struct {
	id          string
	seq         int
	createdAt   time.Time
	providerSID string

	mu      sync.Mutex
	state   State
	history []Entry
	session *media.Session
	inTurn  bool
}

func (c *Call) ID() string           { return c.id }
func (c *Call) CreatedAt() time.Time { return c.createdAt }

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) History() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Call) appendHistory(speaker Speaker, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Entry{Speaker: speaker, Text: text})
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// bind attaches a media session exactly once; later streams for an already
// bound call are refused and the spurious stream is discarded by the caller.
func (c *Call) bind(s *media.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil || c.state != StatePendingStream {
		return false
	}
	c.session = s
	return true
}

func (c *Call) boundSession() *media.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// beginTurn reserves the call for a single speak/listen sequence. A second
// concurrent operation on the same call is rejected rather than queued.
func (c *Call) beginTurn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return ErrUnknownCall
	}
	if c.state != StateActive || c.inTurn {
		return ErrInvalidState
	}
	c.inTurn = true
	return nil
}

func (c *Call) endTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTurn = false
	if c.state != StateEnded {
		c.state = StateActive
	}
}
