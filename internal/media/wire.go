package media

// Envelope is the JSON frame exchanged on a provider media stream. The same
// shape is used in both directions; outbound media events omit streamSid.
type Envelope struct {
	Event string         `json:"event"`
	Start *StartEvent    `json:"start,omitempty"`
	Media *MediaEvent    `json:"media,omitempty"`
	Stop  map[string]any `json:"stop,omitempty"`
}

type StartEvent struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid,omitempty"`
}

type MediaEvent struct {
	// Payload is base64-encoded mu-law audio, 8 kHz mono.
	Payload string `json:"payload"`
}

const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
)
