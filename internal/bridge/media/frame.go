// Package media provides the audio frame codec for the telephony media
// envelope (base64-wrapped G.711 µ-law) and the raw frame representation
// consumed by the streaming speech peer.
package media

import "fmt"

// Direction indicates which way a frame is traveling through the bridge.
type Direction int

const (
	// DirectionInbound is caller audio, telephony peer toward speech peer.
	DirectionInbound Direction = iota
	// DirectionOutbound is AI audio, speech peer toward telephony peer.
	DirectionOutbound
)

// String returns the string representation of Direction.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// Format describes a narrowband telephony audio format.
type Format struct {
	Encoding   string // MIME-style encoding name (e.g. "audio/x-mulaw")
	SampleRate int    // Sample rate in Hz
	Channels   int    // Number of channels (1 for mono)
	BitDepth   int    // Bits per sample as carried on the wire
}

// FormatULaw8k is G.711 µ-law at 8 kHz mono, the Twilio Media Streams format.
var FormatULaw8k = Format{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1, BitDepth: 8}

// SamplesPerFrame returns the number of samples in one 20ms frame.
// For 8kHz this returns 160.
func (f Format) SamplesPerFrame() int {
	return f.SampleRate / 50
}

// AudioFrame is a single audio frame moving through the bridge.
// Frames are immutable once constructed.
type AudioFrame struct {
	Seq         uint16
	TimestampMs int64
	Payload     []byte
	Direction   Direction
}
