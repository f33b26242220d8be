package speech

import (
	"context"
	"fmt"
)

// Synthesizer turns text into raw PCM16LE audio at 8 kHz mono, ready for
// mu-law encoding onto a telephony media stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Transcriber turns a WAV recording of one utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// UpstreamError reports a failed round trip to the speech provider.
type UpstreamError struct {
	Provider string
	Op       string
	Status   int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: HTTP %d", e.Provider, e.Op, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
