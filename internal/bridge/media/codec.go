package media

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zaf/g711"
)

// Upstream audio format names understood by the speech peer.
const (
	UpstreamFormatULaw  = "g711_ulaw"
	UpstreamFormatPCM16 = "pcm16"
)

// ErrFormatMismatch indicates audio that does not match the configured format.
var ErrFormatMismatch = errors.New("audio format mismatch")

// DecodeError wraps a per-frame decode failure. Decode errors are absorbed
// by the session (frame dropped, call continues).
type DecodeError struct {
	Reason string
	Cause  error
}

// Error returns the error message.
func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("decode frame: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Cause }

// Codec translates between the telephony envelope (base64 µ-law) and the
// raw payload the speech peer consumes. Stateless and safe for concurrent
// use from multiple sessions.
type Codec struct {
	format    Format
	upstream  string
	transcode bool // µ-law <-> 16-bit LPCM via g711
}

// NewCodec creates a codec for the given telephony format and upstream
// audio format name.
func NewCodec(format Format, upstreamFormat string) (*Codec, error) {
	if format.Encoding != FormatULaw8k.Encoding {
		return nil, fmt.Errorf("unsupported telephony encoding %q: %w", format.Encoding, ErrFormatMismatch)
	}
	switch upstreamFormat {
	case UpstreamFormatULaw, UpstreamFormatPCM16:
	default:
		return nil, fmt.Errorf("unsupported upstream format %q: %w", upstreamFormat, ErrFormatMismatch)
	}
	return &Codec{
		format:    format,
		upstream:  upstreamFormat,
		transcode: upstreamFormat == UpstreamFormatPCM16,
	}, nil
}

// ValidateFormat checks the format announced by the telephony peer at
// stream start against the configured one.
func (c *Codec) ValidateFormat(announced Format) error {
	if announced.Encoding != c.format.Encoding ||
		announced.SampleRate != c.format.SampleRate ||
		announced.Channels != c.format.Channels {
		return fmt.Errorf("announced %s/%d/%dch, configured %s/%d/%dch: %w",
			announced.Encoding, announced.SampleRate, announced.Channels,
			c.format.Encoding, c.format.SampleRate, c.format.Channels,
			ErrFormatMismatch)
	}
	return nil
}

// UpstreamFormat returns the upstream audio format name this codec emits.
func (c *Codec) UpstreamFormat() string { return c.upstream }

// DecodeInbound unwraps a telephony media payload into an inbound frame
// whose payload is in the upstream audio format.
func (c *Codec) DecodeInbound(rawPayload string, seq uint16, timestampMs int64) (*AudioFrame, error) {
	raw, err := base64.StdEncoding.DecodeString(rawPayload)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 payload", Cause: err}
	}
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty payload", Cause: ErrFormatMismatch}
	}
	payload := raw
	if c.transcode {
		// µ-law bytes to 16-bit little-endian LPCM
		payload = g711.DecodeUlaw(raw)
	}
	return &AudioFrame{
		Seq:         seq,
		TimestampMs: timestampMs,
		Payload:     payload,
		Direction:   DirectionInbound,
	}, nil
}

// EncodeOutbound wraps an outbound frame back into the telephony envelope.
func (c *Codec) EncodeOutbound(frame *AudioFrame) string {
	payload := frame.Payload
	if c.transcode {
		payload = g711.EncodeUlaw(payload)
	}
	return base64.StdEncoding.EncodeToString(payload)
}
