package transport

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"

	"github.com/applova/voiceplate/internal/bridge/fallback"
)

// TwiML verbs. Rendered in order inside a <Response> envelope.

type verbSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type verbConnect struct {
	XMLName xml.Name   `xml:"Connect"`
	Stream  verbStream `xml:"Stream"`
}

type verbStream struct {
	URL string `xml:"url,attr"`
}

type verbGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Say           *verbSay `xml:"Say,omitempty"`
}

type verbRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type verbHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func renderTwiML(verbs ...any) string {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString("<Response>")
	enc := xml.NewEncoder(&b)
	for _, v := range verbs {
		enc.Encode(v)
	}
	enc.Flush()
	b.WriteString("</Response>")
	return b.String()
}

func writeTwiML(w http.ResponseWriter, verbs ...any) {
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(renderTwiML(verbs...)))
}

// WebhookConfig holds the voice webhook settings.
type WebhookConfig struct {
	// StreamURL is the public wss endpoint of the media stream handler.
	StreamURL string
	// Greeting is spoken before the stream connects.
	Greeting string
	// Voice selects the telephony TTS voice for spoken verbs.
	Voice string
	// FallbackPrompt opens each turn on the turn-based path.
	FallbackPrompt string
}

// Webhook serves the telephony voice webhooks: the call entrypoint, the
// turn-based fallback loop, and the per-utterance answer endpoint.
type Webhook struct {
	ctrl *fallback.Controller
	cfg  WebhookConfig
}

func NewWebhook(ctrl *fallback.Controller, cfg WebhookConfig) *Webhook {
	if cfg.Greeting == "" {
		cfg.Greeting = "Hello! How can I help you today?"
	}
	if cfg.FallbackPrompt == "" {
		cfg.FallbackPrompt = "I'm listening."
	}
	return &Webhook{ctrl: ctrl, cfg: cfg}
}

// HandleVoice answers the incoming-call webhook. On the streaming path
// the call connects to the media stream, with a redirect to the
// fallback loop for when the stream ends early. Otherwise the call goes
// straight to the turn-based loop.
func (wh *Webhook) HandleVoice(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	path := wh.ctrl.PathFor(callSID)
	slog.Info("[Webhook] Incoming call", "call_sid", callSID, "path", path)

	if path == fallback.PathRealtime {
		writeTwiML(w,
			verbSay{Voice: wh.cfg.Voice, Text: wh.cfg.Greeting},
			verbConnect{Stream: verbStream{URL: wh.cfg.StreamURL}},
			verbRedirect{Method: "POST", URL: "/voice/fallback"},
		)
		return
	}
	wh.writeFallbackLoop(w, wh.cfg.Greeting)
}

// HandleFallback runs after the media stream ends. A demoted call moves
// to the turn-based loop; a call that ended cleanly hangs up and is
// released.
func (wh *Webhook) HandleFallback(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	if !wh.ctrl.FallbackEnabled() || wh.ctrl.PathFor(callSID) != fallback.PathFallback {
		writeTwiML(w, verbHangup{})
		wh.ctrl.EndCall(callSID)
		return
	}
	slog.Info("[Webhook] Call continuing on turn-based path", "call_sid", callSID)
	wh.writeFallbackLoop(w, wh.cfg.FallbackPrompt)
}

// HandleStatus receives the provider's call status callbacks. A terminal
// status releases the call's path and conversation history; this is what
// keeps a demotion sticky across the stream-to-webhook handoff while
// still bounding the controller's memory.
func (wh *Webhook) HandleStatus(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		slog.Info("[Webhook] Call ended", "call_sid", callSID, "status", status)
		wh.ctrl.EndCall(callSID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAnswer replies to one gathered utterance and loops back for the
// next one.
func (wh *Webhook) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	utterance := r.FormValue("SpeechResult")
	if utterance == "" {
		wh.writeFallbackLoop(w, wh.cfg.FallbackPrompt)
		return
	}

	answer := wh.ctrl.Answer(r.Context(), callSID, utterance)
	writeTwiML(w,
		verbSay{Voice: wh.cfg.Voice, Text: answer},
		verbRedirect{Method: "POST", URL: "/voice/fallback"},
	)
}

func (wh *Webhook) writeFallbackLoop(w http.ResponseWriter, prompt string) {
	writeTwiML(w,
		verbGather{
			Input:         "speech",
			Action:        "/voice/answer",
			Method:        "POST",
			SpeechTimeout: "auto",
			Say:           &verbSay{Voice: wh.cfg.Voice, Text: prompt},
		},
		verbRedirect{Method: "POST", URL: "/voice/fallback"},
	)
}
