package transport

// Telephony media stream wire protocol. One JSON text message per event;
// the stream starts with connected and start, carries media and mark
// events, and ends with stop.

const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
	eventClear     = "clear"
)

type streamMessage struct {
	Event          string        `json:"event"`
	StreamSID      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *startMessage `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markMessage  `json:"mark,omitempty"`
	Stop           *stopMessage  `json:"stop,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // base64 audio
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// outMediaMessage is the media frame sent back to the telephony peer.
type outMediaMessage struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     outMediaPayload `json:"media"`
}

type outMediaPayload struct {
	Payload string `json:"payload"`
}

type outMarkMessage struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      markMessage `json:"mark"`
}

type outClearMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
