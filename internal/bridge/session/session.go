package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applova/voiceplate/internal/bridge/media"
	"github.com/applova/voiceplate/internal/bridge/realtime"
)

// ErrInvalidState indicates an operation illegal in the current state.
var ErrInvalidState = errors.New("invalid state for operation")

// UpstreamClient is the streaming speech-peer connection exclusively owned
// by a session. Implemented by realtime.Client.
type UpstreamClient interface {
	Connect(ctx context.Context) error
	SendAudio(payload []byte) error
	CommitTurn() error
	CancelResponse() error
	Events() <-chan realtime.Event
	Close() error
	Attempts() int
}

// TelephonyWriter sends media and control messages back to the telephony
// peer. Implementations must be safe for use from the session goroutines.
type TelephonyWriter interface {
	WriteMedia(payload string) error
	WriteMark(name string) error
	Clear() error
}

// Config holds the per-session tunables.
type Config struct {
	// IdleTimeout bounds resource leakage from a peer that silently
	// stopped signaling.
	IdleTimeout time.Duration
	// InterruptGrace bounds the wait for cancellation confirmation.
	InterruptGrace time.Duration
	// OutboundBufferSize bounds the pending outbound frame queue.
	OutboundBufferSize int
	// StaleWindow is the out-of-order tolerance in sequence numbers.
	StaleWindow int
	// ManualTurns selects explicit end-of-utterance commits instead of
	// server-side voice activity detection.
	ManualTurns bool
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = time.Second
	}
	if c.OutboundBufferSize <= 0 {
		c.OutboundBufferSize = 256
	}
	if c.StaleWindow <= 0 {
		c.StaleWindow = 10
	}
	return c
}

type outboundFrame struct {
	turnID  string
	payload string
}

// CallSession coordinates one active phone call: it owns exactly one
// upstream client, tracks the telephony stream identity, mediates
// interruption, and drives the connection state machine. State
// transitions are the single serialization point between the inbound
// forwarding flow and the outbound consuming flow.
type CallSession struct {
	id       string
	streamID string
	callSID  string

	codec    *media.Codec
	filter   *media.SequenceFilter
	upstream UpstreamClient
	tel      TelephonyWriter
	cfg      Config

	mu             sync.Mutex
	state          State
	buffer         []outboundFrame
	flushing       bool
	activeTurn     string
	turnDone       bool
	cancelled      map[string]bool
	lastActivity   time.Time
	interruptTimer *time.Timer
	pathUsed       string

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// New creates a session for one telephony stream. The upstream client is
// owned by the session from this point on.
func New(streamID, callSID string, codec *media.Codec, upstream UpstreamClient, tel TelephonyWriter, cfg Config) *CallSession {
	cfg = cfg.withDefaults()
	return &CallSession{
		id:           uuid.New().String(),
		streamID:     streamID,
		callSID:      callSID,
		codec:        codec,
		filter:       media.NewSequenceFilter(cfg.StaleWindow),
		upstream:     upstream,
		tel:          tel,
		cfg:          cfg,
		state:        StateCreated,
		cancelled:    make(map[string]bool),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *CallSession) ID() string { return s.id }

// StreamID returns the telephony stream identifier used as registry key.
func (s *CallSession) StreamID() string { return s.streamID }

// CallSID returns the telephony call identifier.
func (s *CallSession) CallSID() string { return s.callSID }

// State returns the current connection state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches a terminal state.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// SetPathUsed records which conversational path serves this call.
func (s *CallSession) SetPathUsed(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pathUsed = path
}

// Status returns the management view of the session.
func (s *CallSession) Status() Status {
	attempts := s.upstream.Attempts()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:         s.id,
		TelephonyStreamID: s.streamID,
		CallSID:           s.callSID,
		ConnectionState:   s.state.String(),
		ReconnectAttempts: attempts,
		PathUsed:          s.pathUsed,
	}
}

// Start connects to the speech peer and launches the outbound consuming
// flow and the idle watchdog. On connect failure the session is Failed.
func (s *CallSession) Start(ctx context.Context) error {
	if !s.transition(StateConnecting) {
		return fmt.Errorf("start session in state %s: %w", s.State(), ErrInvalidState)
	}
	s.touch()

	if err := s.upstream.Connect(ctx); err != nil {
		s.fail(fmt.Errorf("upstream connect: %w", err))
		return err
	}

	s.transition(StateConnected)
	go s.outboundPump()
	go s.idleWatchdog()
	return nil
}

// HandleMedia forwards one telephony audio frame upstream. Per-frame
// problems (stale sequence, decode failure) are absorbed: the frame is
// dropped and the call continues.
func (s *CallSession) HandleMedia(seq uint16, timestampMs int64, payload string) error {
	s.touch()

	st := s.State()
	if st.IsTerminal() || st == StateClosing {
		return fmt.Errorf("media in state %s: %w", st, ErrInvalidState)
	}

	if !s.filter.Accept(seq) {
		received, dropped := s.filter.Stats()
		slog.Debug("[Session] Dropped stale frame",
			"session_id", s.id, "seq", seq, "received", received, "dropped", dropped)
		return nil
	}

	frame, err := s.codec.DecodeInbound(payload, seq, timestampMs)
	if err != nil {
		slog.Warn("[Session] Undecodable inbound frame dropped",
			"session_id", s.id, "seq", seq, "error", err)
		return nil
	}

	if err := s.upstream.SendAudio(frame.Payload); err != nil {
		slog.Warn("[Session] Failed to forward inbound frame",
			"session_id", s.id, "seq", seq, "error", err)
		return nil
	}

	s.mu.Lock()
	if s.state == StateConnected {
		s.transitionLocked(StateStreaming)
	}
	s.mu.Unlock()
	return nil
}

// HandleMark records a telephony mark event. Marks have no upstream
// equivalent, so they only count as activity.
func (s *CallSession) HandleMark(name string) {
	s.touch()
	slog.Debug("[Session] Mark received", "session_id", s.id, "name", name)
}

// outboundPump consumes the upstream event sequence until the connection
// closes.
func (s *CallSession) outboundPump() {
	for ev := range s.upstream.Events() {
		s.touch()

		switch ev.Kind {
		case realtime.EventAudioDelta:
			s.onAudioDelta(ev)
		case realtime.EventSpeechStarted:
			s.onSpeechStarted()
		case realtime.EventSpeechStopped:
			if s.cfg.ManualTurns {
				if err := s.upstream.CommitTurn(); err != nil {
					slog.Warn("[Session] Turn commit failed", "session_id", s.id, "error", err)
				}
			}
		case realtime.EventTurnComplete:
			s.onTurnComplete(ev.TurnID)
		case realtime.EventTurnCancelled:
			s.onTurnCancelled()
		case realtime.EventError:
			if ev.Fatal {
				s.fail(fmt.Errorf("upstream error %s: %s", ev.Code, ev.Message))
				return
			}
			slog.Warn("[Session] Upstream error",
				"session_id", s.id, "code", ev.Code, "message", ev.Message)
		}
	}

	// Upstream event sequence ended: the connection is gone.
	if !s.State().IsTerminal() {
		slog.Info("[Session] Upstream connection closed, tearing down", "session_id", s.id)
		s.Close()
	}
}

// onAudioDelta buffers one chunk of AI audio, tagged with its turn, and
// flushes the buffer toward the telephony peer.
func (s *CallSession) onAudioDelta(ev realtime.Event) {
	s.mu.Lock()
	if s.cancelled[ev.TurnID] {
		// Late delta from a superseded turn.
		s.mu.Unlock()
		return
	}
	if s.activeTurn != ev.TurnID {
		s.activeTurn = ev.TurnID
		s.turnDone = false
	}

	enc := s.codec.EncodeOutbound(&media.AudioFrame{
		Payload:   ev.Audio,
		Direction: media.DirectionOutbound,
	})
	s.buffer = append(s.buffer, outboundFrame{turnID: ev.TurnID, payload: enc})
	if len(s.buffer) > s.cfg.OutboundBufferSize {
		// Bounded queue: an audio glitch beats unbounded growth.
		over := len(s.buffer) - s.cfg.OutboundBufferSize
		s.buffer = s.buffer[over:]
		slog.Warn("[Session] Outbound buffer full, dropped oldest frames",
			"session_id", s.id, "dropped", over)
	}
	s.mu.Unlock()

	s.flushOutbound()
}

// flushOutbound drains buffered frames to the telephony peer. Frames of
// cancelled turns are discarded; while interrupted, nothing is sent. The
// flushing flag admits one drainer at a time so the event pump and the
// resume timer cannot interleave writes out of order; the exit check
// happens under the same lock as the flag clear, so a frame appended
// while a drainer is winding down is picked up before it exits.
func (s *CallSession) flushOutbound() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for {
		if len(s.buffer) == 0 || s.state != StateStreaming {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		f := s.buffer[0]
		s.buffer = s.buffer[1:]
		if s.cancelled[f.turnID] {
			continue
		}
		s.mu.Unlock()

		err := s.tel.WriteMedia(f.payload)
		s.mu.Lock()
		if err != nil {
			slog.Warn("[Session] Failed to write outbound frame",
				"session_id", s.id, "error", err)
			s.flushing = false
			s.mu.Unlock()
			return
		}
	}
}

// onSpeechStarted handles the natural-interruption path: caller speech
// while an AI turn is still playing cancels that turn.
func (s *CallSession) onSpeechStarted() {
	s.mu.Lock()
	if s.state != StateStreaming || s.activeTurn == "" || s.turnDone {
		s.mu.Unlock()
		return
	}

	turn := s.activeTurn
	s.transitionLocked(StateInterrupted)
	s.cancelled[turn] = true

	// Discard queued frames belonging to the superseded turn.
	kept := s.buffer[:0]
	discarded := 0
	for _, f := range s.buffer {
		if f.turnID == turn {
			discarded++
			continue
		}
		kept = append(kept, f)
	}
	s.buffer = kept
	s.interruptTimer = time.AfterFunc(s.cfg.InterruptGrace, s.resumeStreaming)
	s.mu.Unlock()

	// Cancel exactly once, before any further frame of the superseded
	// turn could be forwarded (the cancelled map gates the flush path).
	if err := s.upstream.CancelResponse(); err != nil {
		slog.Warn("[Session] Response cancel failed", "session_id", s.id, "error", err)
	}
	if err := s.tel.Clear(); err != nil {
		slog.Warn("[Session] Telephony clear failed", "session_id", s.id, "error", err)
	}

	slog.Info("[Session] Caller interruption, cancelled AI turn",
		"session_id", s.id, "turn", turn, "discarded_frames", discarded)
}

// resumeStreaming returns to Streaming after the peer confirmed the
// cancellation or the grace timeout elapsed.
func (s *CallSession) resumeStreaming() {
	s.mu.Lock()
	if s.state != StateInterrupted {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateStreaming)
	s.turnDone = true
	if s.interruptTimer != nil {
		s.interruptTimer.Stop()
		s.interruptTimer = nil
	}
	s.mu.Unlock()

	s.flushOutbound()
}

func (s *CallSession) onTurnComplete(turnID string) {
	s.mu.Lock()
	if turnID == s.activeTurn {
		s.turnDone = true
	}
	interrupted := s.state == StateInterrupted
	s.mu.Unlock()

	if interrupted {
		// Completion of the cancelled turn doubles as confirmation.
		s.resumeStreaming()
	}
}

func (s *CallSession) onTurnCancelled() {
	if s.State() == StateInterrupted {
		s.resumeStreaming()
	}
}

// Close tears the session down: upstream released, buffered outbound
// frames flushed or discarded, registry callers notified via Done.
// Safe to call from any state; idempotent.
func (s *CallSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state.IsTerminal() {
			s.mu.Unlock()
			return
		}
		s.transitionLocked(StateClosing)
		s.stopTimersLocked()
		remaining := s.buffer
		s.buffer = nil
		s.mu.Unlock()

		if err := s.upstream.Close(); err != nil {
			slog.Warn("[Session] Upstream close failed", "session_id", s.id, "error", err)
		}

		// Best-effort flush of frames from turns that were not cancelled.
		for _, f := range remaining {
			s.mu.Lock()
			skip := s.cancelled[f.turnID]
			s.mu.Unlock()
			if skip {
				continue
			}
			if err := s.tel.WriteMedia(f.payload); err != nil {
				break
			}
		}

		s.mu.Lock()
		s.transitionLocked(StateClosed)
		s.mu.Unlock()
		s.doneOnce.Do(func() { close(s.done) })
		slog.Info("[Session] Session closed", "session_id", s.id, "stream_id", s.streamID)
	})
	return nil
}

// fail moves the session to Failed: reported upward, never retried.
func (s *CallSession) fail(err error) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateFailed)
	s.stopTimersLocked()
	s.buffer = nil
	s.mu.Unlock()

	s.upstream.Close()
	s.doneOnce.Do(func() { close(s.done) })
	slog.Error("[Session] Session failed", "session_id", s.id, "stream_id", s.streamID, "error", err)
}

func (s *CallSession) stopTimersLocked() {
	if s.interruptTimer != nil {
		s.interruptTimer.Stop()
		s.interruptTimer = nil
	}
}

// idleWatchdog self-terminates the session when no activity is observed
// for the configured threshold.
func (s *CallSession) idleWatchdog() {
	interval := s.cfg.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			terminal := s.state.IsTerminal()
			s.mu.Unlock()

			if terminal {
				return
			}
			if idle >= s.cfg.IdleTimeout {
				slog.Info("[Session] Idle timeout, closing",
					"session_id", s.id, "idle", idle.Round(time.Millisecond))
				s.Close()
				return
			}
		}
	}
}

func (s *CallSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *CallSession) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *CallSession) transitionLocked(to State) bool {
	if !canTransition(s.state, to) {
		slog.Warn("[Session] Illegal state transition rejected",
			"session_id", s.id, "from", s.state.String(), "to", to.String())
		return false
	}
	slog.Debug("[Session] State transition",
		"session_id", s.id, "from", s.state.String(), "to", to.String())
	s.state = to
	return true
}
