package speech

import (
	"context"
	"sync"
)

// MockProvider is a keyless fallback provider. Synthesize emits a fixed-length
// silence buffer sized to the text; Transcribe returns a canned script so
// local runs produce a believable conversation.
type MockProvider struct {
	mu          sync.Mutex
	replies     []string
	next        int
	synthesized []string

	SynthesizeErr error
	TranscribeErr error
}

func NewMockProvider(replies ...string) *MockProvider {
	if len(replies) == 0 {
		replies = []string{"simulated reply"}
	}
	return &MockProvider{replies: replies}
}

func (p *MockProvider) Synthesize(_ context.Context, text string) ([]byte, error) {
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	p.mu.Lock()
	p.synthesized = append(p.synthesized, text)
	p.mu.Unlock()
	// 40 ms of 8 kHz silence per character, minimum one frame.
	samples := len(text) * 320
	if samples < 160 {
		samples = 160
	}
	return make([]byte, samples*2), nil
}

func (p *MockProvider) Transcribe(_ context.Context, _ []byte) (string, error) {
	if p.TranscribeErr != nil {
		return "", p.TranscribeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	reply := p.replies[p.next%len(p.replies)]
	p.next++
	return reply, nil
}

// Synthesized reports every utterance passed to Synthesize, in order.
func (p *MockProvider) Synthesized() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.synthesized))
	copy(out, p.synthesized)
	return out
}
