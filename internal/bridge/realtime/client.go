// Package realtime owns the streaming connection to the speech-to-speech
// peer: connection lifecycle, protocol framing, event parsing, and the
// send/receive primitives consumed by the call session. It has no telephony
// knowledge.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultURL is the speech peer's streaming endpoint.
const DefaultURL = "wss://api.openai.com/v1/realtime"

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to the peer with this period.
	pingPeriod = 20 * time.Second

	// Maximum message size allowed from the peer.
	maxMessageSize = 1 << 20

	defaultSendQueueSize    = 64
	defaultHandshakeTimeout = 30 * time.Second
)

// SessionConfig is the initial session configuration transmitted after
// connecting: voice identity, audio formats, turn-detection mode, and the
// instructions grounding the conversation.
type SessionConfig struct {
	Model             string
	Voice             string
	Instructions      string
	InputAudioFormat  string
	OutputAudioFormat string
	TurnDetection     string // "server_vad" (automatic) or "none" (manual commit)
	Temperature       float64
	MaxResponseTokens int
}

// ManualTurns reports whether end-of-utterance must be committed explicitly.
func (c SessionConfig) ManualTurns() bool { return c.TurnDetection == "none" }

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the speech peer endpoint.
func WithURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHandshakeTimeout sets the connect handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithSendQueueSize bounds the outbound audio queue.
func WithSendQueueSize(n int) Option {
	return func(c *Client) { c.queueSize = n }
}

// Client manages one logical connection to the speech peer.
type Client struct {
	baseURL          string
	apiKey           string
	cfg              SessionConfig
	retry            RetryPolicy
	handshakeTimeout time.Duration
	queueSize        int

	send chan []byte // audio frames, bounded, oldest-drop on overflow
	ctrl chan []byte // control events, never dropped

	events     chan Event
	done       chan struct{}
	eventsOnce sync.Once

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	closed            bool
	attempts          int
	droppedFrames     uint64
	lastAssistantItem string
}

// NewClient creates a client for one upstream session. The retry policy
// bounds reconnect attempts during Connect.
func NewClient(apiKey string, cfg SessionConfig, retry RetryPolicy, opts ...Option) *Client {
	c := &Client{
		baseURL:          DefaultURL,
		apiKey:           apiKey,
		cfg:              cfg,
		retry:            retry,
		handshakeTimeout: defaultHandshakeTimeout,
		queueSize:        defaultSendQueueSize,
		events:           make(chan Event, 64),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.send = make(chan []byte, c.queueSize)
	c.ctrl = make(chan []byte, 8)
	return c
}

// Connect establishes the connection and transmits the initial session
// configuration. Transient failures are retried per the retry policy;
// auth rejections and protocol mismatches are not. Returns a *ConnectError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectError{Cause: ErrClientClosed}
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// Closing the client must cancel an in-flight dial.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if delay := c.retry.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-dialCtx.Done():
				timer.Stop()
				return &ConnectError{Attempts: attempt - 1, Cause: dialCtx.Err()}
			case <-timer.C:
			}
		}

		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		err := c.dial(dialCtx)
		if err == nil {
			slog.Info("[RealtimeClient] Connected to speech peer",
				"model", c.cfg.Model, "attempt", attempt)
			return nil
		}
		lastErr = err
		slog.Warn("[RealtimeClient] Connect attempt failed",
			"attempt", attempt, "error", err)

		// Auth and protocol failures will not improve with retries.
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrProtocolMismatch) {
			return &ConnectError{Attempts: attempt, Cause: err}
		}
		if dialCtx.Err() != nil {
			return &ConnectError{Attempts: attempt, Cause: dialCtx.Err()}
		}
		if c.retry.Exhausted(attempt) {
			return &ConnectError{
				Attempts: attempt,
				Cause:    fmt.Errorf("%w: last error: %v", ErrConnectExhausted, lastErr),
			}
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	u := c.baseURL
	if c.cfg.Model != "" {
		u += "?model=" + url.QueryEscape(c.cfg.Model)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := &websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	handshakeCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(handshakeCtx, u, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return fmt.Errorf("handshake status %d: %w", resp.StatusCode, ErrAuthRejected)
			case http.StatusBadRequest, http.StatusUpgradeRequired, http.StatusNotFound:
				return fmt.Errorf("handshake status %d: %w", resp.StatusCode, ErrProtocolMismatch)
			}
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("handshake: %w", ErrConnectTimeout)
		}
		return fmt.Errorf("dial speech peer: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	if err := c.writeSessionUpdate(conn); err != nil {
		conn.Close()
		return fmt.Errorf("send session configuration: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn)
	return nil
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionDetail `json:"session"`
}

type sessionDetail struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions"`
	Voice             string         `json:"voice"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection"`
	Temperature       float64        `json:"temperature"`
	MaxResponseTokens int            `json:"max_response_output_tokens,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

func (c *Client) writeSessionUpdate(conn *websocket.Conn) error {
	detail := sessionDetail{
		Modalities:        []string{"text", "audio"},
		Instructions:      c.cfg.Instructions,
		Voice:             c.cfg.Voice,
		InputAudioFormat:  c.cfg.InputAudioFormat,
		OutputAudioFormat: c.cfg.OutputAudioFormat,
		Temperature:       c.cfg.Temperature,
		MaxResponseTokens: c.cfg.MaxResponseTokens,
	}
	if !c.cfg.ManualTurns() {
		detail.TurnDetection = &turnDetection{Type: c.cfg.TurnDetection}
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(sessionUpdateEvent{Type: wireSessionUpdate, Session: detail})
}

// SendAudio enqueues an inbound audio payload for transmission. Never
// blocks: a full queue drops the oldest frame with a warning.
func (c *Client) SendAudio(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	msg, err := json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{wireAudioAppend, base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return fmt.Errorf("marshal audio append: %w", err)
	}

	select {
	case c.send <- msg:
		return nil
	default:
	}

	// Queue full: drop the oldest frame rather than blocking the
	// real-time audio path or growing without bound. The new frame is
	// always enqueued, even when a concurrent producer refills the slot
	// freed by the eviction.
	evicted := 0
	for {
		select {
		case c.send <- msg:
		default:
			select {
			case <-c.send:
				evicted++
			default:
			}
			continue
		}
		break
	}

	c.mu.Lock()
	c.droppedFrames += uint64(evicted)
	dropped := c.droppedFrames
	c.mu.Unlock()
	slog.Warn("[RealtimeClient] Send queue full, dropped oldest frames",
		"evicted", evicted, "total_dropped", dropped)
	return nil
}

// CommitTurn signals end-of-utterance under manual turn detection.
// No-op under automatic (server VAD) mode.
func (c *Client) CommitTurn() error {
	if !c.cfg.ManualTurns() {
		return nil
	}
	return c.sendControl(struct {
		Type string `json:"type"`
	}{wireAudioCommit})
}

// CancelResponse asks the peer to stop emitting output for the current AI
// turn, truncating the last assistant item so already-generated audio is
// not replayed.
func (c *Client) CancelResponse() error {
	c.mu.Lock()
	itemID := c.lastAssistantItem
	c.mu.Unlock()

	if itemID != "" {
		err := c.sendControl(struct {
			Type         string `json:"type"`
			ItemID       string `json:"item_id"`
			ContentIndex int    `json:"content_index"`
			AudioEndMs   int    `json:"audio_end_ms"`
		}{wireItemTruncate, itemID, 0, 0})
		if err != nil {
			return err
		}
	}
	return c.sendControl(struct {
		Type string `json:"type"`
	}{wireResponseCancel})
}

func (c *Client) sendControl(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	msg, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control event: %w", err)
	}
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case c.ctrl <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-timer.C:
		return fmt.Errorf("control send: %w", ErrConnectTimeout)
	}
}

// Events returns the upstream event sequence. The channel closes when the
// connection closes.
func (c *Client) Events() <-chan Event { return c.events }

// Attempts returns the number of connect attempts made so far.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// readPump parses peer messages into events until the connection closes.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.teardown(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("[RealtimeClient] Connection read error", "error", err)
			}
			return
		}

		ev, raw, perr := parseEvent(data)
		if perr != nil {
			c.deliver(Event{Kind: EventError, Code: "protocol_violation", Message: perr.Error(), Fatal: true})
			return
		}

		// Track the last assistant item so an interruption can truncate it.
		if raw != nil && raw.Type == wireItemCreated && raw.Item != nil && raw.Item.Role == "assistant" {
			c.mu.Lock()
			c.lastAssistantItem = raw.Item.ID
			c.mu.Unlock()
		}

		if ev != nil {
			c.deliver(*ev)
		}
	}
}

func (c *Client) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// writePump drains the audio and control queues onto the connection.
// Control events take priority over audio.
func (c *Client) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(msg []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}

	for {
		select {
		case msg := <-c.ctrl:
			if write(msg) != nil {
				return
			}
			continue
		default:
		}

		select {
		case msg := <-c.ctrl:
			if write(msg) != nil {
				return
			}
		case msg := <-c.send:
			if write(msg) != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
	}
	c.mu.Unlock()
	c.eventsOnce.Do(func() { close(c.events) })
}

// Close releases the connection. Idempotent; cancels any in-flight connect
// attempt and pending backoff timer.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.connected = false
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		// readPump observes the closed connection and closes the
		// event channel via teardown.
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	} else {
		// Never connected, so no pump owns the event channel.
		c.eventsOnce.Do(func() { close(c.events) })
	}
	return nil
}
