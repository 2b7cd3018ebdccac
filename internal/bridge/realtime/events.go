package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire event types in the speech peer's versioned event vocabulary.
// Treated as an opaque collaborator-defined contract.
const (
	wireSessionUpdate     = "session.update"
	wireAudioAppend       = "input_audio_buffer.append"
	wireAudioCommit       = "input_audio_buffer.commit"
	wireResponseCancel    = "response.cancel"
	wireItemTruncate      = "conversation.item.truncate"
	wireSessionCreated    = "session.created"
	wireSessionUpdated    = "session.updated"
	wireItemCreated       = "conversation.item.created"
	wireAudioDelta        = "response.audio.delta"
	wireSpeechStarted     = "input_audio_buffer.speech_started"
	wireSpeechStopped     = "input_audio_buffer.speech_stopped"
	wireResponseDone      = "response.done"
	wireResponseCancelled = "response.cancelled"
	wireError             = "error"
)

// EventKind classifies parsed upstream events.
type EventKind int

const (
	// EventAudioDelta carries a chunk of AI response audio.
	EventAudioDelta EventKind = iota
	// EventSpeechStarted signals caller speech detected by the peer.
	EventSpeechStarted
	// EventSpeechStopped signals end of caller speech.
	EventSpeechStopped
	// EventTurnComplete signals the current AI turn finished.
	EventTurnComplete
	// EventTurnCancelled confirms a requested turn cancellation.
	EventTurnCancelled
	// EventError carries an error reported by the peer.
	EventError
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventAudioDelta:
		return "AudioDelta"
	case EventSpeechStarted:
		return "SpeechStarted"
	case EventSpeechStopped:
		return "SpeechStopped"
	case EventTurnComplete:
		return "TurnComplete"
	case EventTurnCancelled:
		return "TurnCancelled"
	case EventError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Event is a parsed event from the speech peer.
type Event struct {
	Kind    EventKind
	TurnID  string // identifier of the AI turn the event belongs to
	Audio   []byte // decoded audio payload (EventAudioDelta only)
	Code    string // peer error code (EventError only)
	Message string
	Fatal   bool // connection cannot continue
}

// wireEvent is the raw JSON envelope on the upstream connection.
type wireEvent struct {
	Type       string        `json:"type"`
	Delta      string        `json:"delta,omitempty"`
	ItemID     string        `json:"item_id,omitempty"`
	ResponseID string        `json:"response_id,omitempty"`
	Item       *wireItem     `json:"item,omitempty"`
	Response   *wireResponse `json:"response,omitempty"`
	Error      *wireErrorBody `json:"error,omitempty"`
}

type wireItem struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type wireErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseEvent decodes one upstream message. Returns nil for event types the
// bridge does not consume. Malformed JSON is a protocol violation.
func parseEvent(data []byte) (*Event, *wireEvent, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return nil, nil, fmt.Errorf("malformed upstream event: %w", ErrProtocolViolation)
	}
	if we.Type == "" {
		return nil, nil, fmt.Errorf("upstream event without type: %w", ErrProtocolViolation)
	}

	switch we.Type {
	case wireAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(we.Delta)
		if err != nil {
			return nil, &we, fmt.Errorf("undecodable audio delta: %w", ErrProtocolViolation)
		}
		return &Event{Kind: EventAudioDelta, TurnID: turnID(&we), Audio: audio}, &we, nil
	case wireSpeechStarted:
		return &Event{Kind: EventSpeechStarted}, &we, nil
	case wireSpeechStopped:
		return &Event{Kind: EventSpeechStopped}, &we, nil
	case wireResponseDone:
		return &Event{Kind: EventTurnComplete, TurnID: turnID(&we)}, &we, nil
	case wireResponseCancelled:
		return &Event{Kind: EventTurnCancelled, TurnID: turnID(&we)}, &we, nil
	case wireError:
		ev := &Event{Kind: EventError}
		if we.Error != nil {
			ev.Code = we.Error.Code
			ev.Message = we.Error.Message
			ev.Fatal = isFatalError(we.Error)
		}
		return ev, &we, nil
	default:
		// Session bookkeeping and transcript events are not consumed here.
		return nil, &we, nil
	}
}

// turnID extracts the AI turn identifier from an event, preferring the
// response id over the conversation item id.
func turnID(we *wireEvent) string {
	if we.ResponseID != "" {
		return we.ResponseID
	}
	if we.Response != nil && we.Response.ID != "" {
		return we.Response.ID
	}
	return we.ItemID
}

// isFatalError classifies peer errors that end the connection.
func isFatalError(e *wireErrorBody) bool {
	if e.Type == "server_error" {
		return true
	}
	switch e.Code {
	case "session_expired", "session_not_found", "invalid_api_key":
		return true
	}
	return false
}
