// Package fallback decides which conversational path serves a call and
// runs the turn-based path when the streaming one is unavailable.
package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Path identifies the conversational path serving a call.
type Path = string

const (
	PathRealtime Path = "realtime"
	PathFallback Path = "fallback"
)

const defaultApology = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."

// Answerer produces one reply per caller utterance, keeping per-call
// conversation history keyed by the telephony call id.
type Answerer interface {
	Answer(ctx context.Context, callSID, utterance string) (string, error)
	Reset(callSID string)
}

// Config holds the path-selection tunables.
type Config struct {
	// RealtimeEnabled selects the streaming path for new calls.
	RealtimeEnabled bool
	// FallbackEnabled permits demoting a call to the turn-based path.
	FallbackEnabled bool
	// GraceWindow is how long after call start a streaming failure may
	// still demote the call instead of ending it.
	GraceWindow time.Duration
	// Apology is spoken when no path can produce an answer.
	Apology string
}

// Controller tracks the path of every active call. A demotion is sticky:
// a call that fell back never flaps back to streaming mid-call.
type Controller struct {
	realtimeEnabled bool
	fallbackEnabled bool
	grace           time.Duration
	apology         string
	answerer        Answerer

	mu    sync.Mutex
	paths map[string]Path
}

func NewController(cfg Config, answerer Answerer) *Controller {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Second
	}
	if cfg.Apology == "" {
		cfg.Apology = defaultApology
	}
	return &Controller{
		realtimeEnabled: cfg.RealtimeEnabled,
		fallbackEnabled: cfg.FallbackEnabled,
		grace:           cfg.GraceWindow,
		apology:         cfg.Apology,
		answerer:        answerer,
		paths:           make(map[string]Path),
	}
}

// RealtimeEnabled reports whether new calls take the streaming path.
func (c *Controller) RealtimeEnabled() bool { return c.realtimeEnabled }

// FallbackEnabled reports whether demotion is permitted.
func (c *Controller) FallbackEnabled() bool { return c.fallbackEnabled }

// PathFor returns the sticky path of a call, choosing one on first sight.
func (c *Controller) PathFor(callSID string) Path {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.paths[callSID]; ok {
		return p
	}
	p := PathFallback
	if c.realtimeEnabled {
		p = PathRealtime
	}
	c.paths[callSID] = p
	return p
}

// Demote moves a call to the turn-based path. Returns false when
// demotion is disabled, in which case the call should be ended with the
// apology instead.
func (c *Controller) Demote(callSID string) bool {
	if !c.fallbackEnabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paths[callSID] == PathFallback {
		return true
	}
	c.paths[callSID] = PathFallback
	slog.Info("[Fallback] Call demoted to turn-based path", "call_sid", callSID)
	return true
}

// Watch demotes the call if the streaming session dies as a failure
// within the grace window. Run in its own goroutine.
func (c *Controller) Watch(callSID string, done <-chan struct{}, failed func() bool) {
	if !c.fallbackEnabled {
		return
	}
	timer := time.NewTimer(c.grace)
	defer timer.Stop()

	select {
	case <-done:
		if failed() {
			slog.Warn("[Fallback] Streaming session failed within grace window",
				"call_sid", callSID, "grace", c.grace)
			c.Demote(callSID)
		}
	case <-timer.C:
		// Session survived the grace window; later failures end the
		// call normally.
	}
}

// Answer produces the reply for one caller utterance on the turn-based
// path. Errors never surface to the caller: they hear the apology.
func (c *Controller) Answer(ctx context.Context, callSID, utterance string) string {
	if c.answerer == nil {
		return c.apology
	}
	text, err := c.answerer.Answer(ctx, callSID, utterance)
	if err != nil {
		slog.Warn("[Fallback] Answer generation failed", "call_sid", callSID, "error", err)
		return c.apology
	}
	return text
}

// Apology returns the configured apology line.
func (c *Controller) Apology() string { return c.apology }

// EndCall forgets the call's path and conversation history.
func (c *Controller) EndCall(callSID string) {
	c.mu.Lock()
	delete(c.paths, callSID)
	c.mu.Unlock()
	if c.answerer != nil {
		c.answerer.Reset(callSID)
	}
}
