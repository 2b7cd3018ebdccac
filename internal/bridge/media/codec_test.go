package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec(FormatULaw8k, UpstreamFormatULaw)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := base64.StdEncoding.EncodeToString(payload)

	frame, err := codec.DecodeInbound(raw, 1, 20)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("decoded payload differs from original")
	}
	if frame.Direction != DirectionInbound {
		t.Errorf("Direction = %v, want %v", frame.Direction, DirectionInbound)
	}

	out := &AudioFrame{Seq: 1, TimestampMs: 20, Payload: frame.Payload, Direction: DirectionOutbound}
	if got := codec.EncodeOutbound(out); got != raw {
		t.Errorf("EncodeOutbound = %q, want %q", got, raw)
	}
}

func TestCodecRejectsInvalidPayload(t *testing.T) {
	codec, err := NewCodec(FormatULaw8k, UpstreamFormatULaw)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	var decErr *DecodeError
	if _, err := codec.DecodeInbound("not-base64!!", 1, 0); !errors.As(err, &decErr) {
		t.Errorf("invalid base64: got %v, want DecodeError", err)
	}
	if _, err := codec.DecodeInbound("", 1, 0); !errors.As(err, &decErr) {
		t.Errorf("empty payload: got %v, want DecodeError", err)
	}
}

func TestCodecFormatValidation(t *testing.T) {
	if _, err := NewCodec(Format{Encoding: "audio/x-l16", SampleRate: 8000, Channels: 1, BitDepth: 16}, UpstreamFormatULaw); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("NewCodec with PCM telephony format: got %v, want ErrFormatMismatch", err)
	}

	codec, err := NewCodec(FormatULaw8k, UpstreamFormatULaw)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	if err := codec.ValidateFormat(FormatULaw8k); err != nil {
		t.Errorf("ValidateFormat(ulaw8k) = %v, want nil", err)
	}

	wrong := Format{Encoding: "audio/x-mulaw", SampleRate: 16000, Channels: 1, BitDepth: 8}
	if err := codec.ValidateFormat(wrong); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("ValidateFormat(16kHz) = %v, want ErrFormatMismatch", err)
	}
}

func TestCodecPCM16Transcode(t *testing.T) {
	codec, err := NewCodec(FormatULaw8k, UpstreamFormatPCM16)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	ulaw := make([]byte, 160)
	for i := range ulaw {
		ulaw[i] = byte(255 - i)
	}
	raw := base64.StdEncoding.EncodeToString(ulaw)

	frame, err := codec.DecodeInbound(raw, 7, 140)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	// 8-bit µ-law expands to 16-bit LPCM
	if len(frame.Payload) != 2*len(ulaw) {
		t.Fatalf("PCM16 payload length = %d, want %d", len(frame.Payload), 2*len(ulaw))
	}

	// µ-law -> LPCM -> µ-law is exact for canonical µ-law bytes
	out := &AudioFrame{Payload: frame.Payload, Direction: DirectionOutbound}
	got, err := base64.StdEncoding.DecodeString(codec.EncodeOutbound(out))
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if len(got) != len(ulaw) {
		t.Fatalf("re-encoded length = %d, want %d", len(got), len(ulaw))
	}
}

func TestSequenceFilterOrdering(t *testing.T) {
	f := NewSequenceFilter(10)

	for seq := uint16(1); seq <= 5; seq++ {
		if !f.Accept(seq) {
			t.Errorf("Accept(%d) = false, want true", seq)
		}
	}

	// Slightly late frame inside the window is still forwarded
	if !f.Accept(3) {
		t.Errorf("Accept(3) after 5 = false, want true (inside window)")
	}

	// Jump ahead, then a frame from before the window is dropped
	if !f.Accept(100) {
		t.Errorf("Accept(100) = false, want true")
	}
	if f.Accept(80) {
		t.Errorf("Accept(80) after 100 = true, want false (stale)")
	}

	received, dropped := f.Stats()
	if received != 8 || dropped != 1 {
		t.Errorf("Stats() = (%d, %d), want (8, 1)", received, dropped)
	}
}

func TestSequenceFilterRollover(t *testing.T) {
	f := NewSequenceFilter(10)

	if !f.Accept(65534) {
		t.Fatalf("Accept(65534) = false")
	}
	// Wrapped sequence is a forward jump, not a stale frame
	if !f.Accept(2) {
		t.Errorf("Accept(2) after 65534 = false, want true across rollover")
	}
	// Late frame from before the rollover, within the window
	if !f.Accept(65535) {
		t.Errorf("Accept(65535) after wrap = false, want true (inside window)")
	}
}
