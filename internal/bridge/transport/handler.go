// Package transport terminates the telephony media stream WebSocket and
// serves the voice webhook endpoints.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/applova/voiceplate/internal/bridge/fallback"
	"github.com/applova/voiceplate/internal/bridge/media"
	"github.com/applova/voiceplate/internal/bridge/session"
)

// SessionFactory builds one call session per started stream. The
// returned session owns its upstream client; tel is the write half of
// the stream the session answers on.
type SessionFactory func(streamID, callSID string, tel session.TelephonyWriter) *session.CallSession

// Handler serves the media stream WebSocket endpoint.
type Handler struct {
	upgrader   websocket.Upgrader
	registry   *session.Registry
	codec      *media.Codec
	ctrl       *fallback.Controller
	newSession SessionFactory
}

func NewHandler(registry *session.Registry, codec *media.Codec, ctrl *fallback.Controller, factory SessionFactory) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry:   registry,
		codec:      codec,
		ctrl:       ctrl,
		newSession: factory,
	}
}

// ServeHTTP upgrades the media stream connection and runs it to
// completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Transport] WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.serve(ws)
}

func (h *Handler) serve(ws *websocket.Conn) {
	defer ws.Close()

	writer := newStreamWriter(ws)
	var (
		sess     *session.CallSession
		streamID string
		callSID  string
	)
	// The controller path deliberately survives this stream: the provider
	// executes the post-stream redirect next, and the fallback webhook
	// needs to see a demotion made here. EndCall happens from the call
	// status webhook instead.
	defer func() {
		if sess == nil {
			return
		}
		sess.Close()
		h.registry.Unregister(streamID)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("[Transport] Media stream read ended", "stream_id", streamID, "error", err)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("[Transport] Unparseable stream message dropped", "stream_id", streamID, "error", err)
			continue
		}

		switch msg.Event {
		case eventConnected:
			slog.Debug("[Transport] Media stream connected")

		case eventStart:
			if msg.Start == nil {
				continue
			}
			if sess != nil {
				slog.Warn("[Transport] Duplicate start event ignored", "stream_id", streamID)
				continue
			}
			started, code := h.startStream(writer, msg.Start)
			if started == nil {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""), writeDeadline())
				return
			}
			sess = started
			streamID = msg.Start.StreamSID
			callSID = msg.Start.CallSID

			// A session that dies on its own (fatal upstream error,
			// upstream disconnect, idle timeout) must not leave the
			// caller on a dead stream: close the socket so the read
			// loop unwinds and the provider follows the post-stream
			// redirect.
			go func(dead <-chan struct{}) {
				<-dead
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""), writeDeadline())
				ws.Close()
			}(started.Done())

		case eventMedia:
			if sess == nil || msg.Media == nil {
				continue
			}
			seq := parseSeq(msg.SequenceNumber)
			ts := parseTimestamp(msg.Media.Timestamp)
			if err := sess.HandleMedia(seq, ts, msg.Media.Payload); err != nil {
				slog.Debug("[Transport] Media rejected", "stream_id", streamID, "error", err)
			}

		case eventMark:
			if sess != nil && msg.Mark != nil {
				sess.HandleMark(msg.Mark.Name)
			}

		case eventStop:
			slog.Info("[Transport] Media stream stopped", "stream_id", streamID, "call_sid", callSID)
			return
		}
	}
}

// startStream validates the announced format, creates and registers the
// session, and connects it upstream. On failure it returns a nil session
// and the WebSocket close code to send.
func (h *Handler) startStream(writer *streamWriter, start *startMessage) (*session.CallSession, int) {
	announced := media.Format{
		Encoding:   start.MediaFormat.Encoding,
		SampleRate: start.MediaFormat.SampleRate,
		Channels:   start.MediaFormat.Channels,
		BitDepth:   8,
	}
	if err := h.codec.ValidateFormat(announced); err != nil {
		slog.Error("[Transport] Stream rejected, format mismatch",
			"stream_id", start.StreamSID, "error", err)
		return nil, websocket.CloseUnsupportedData
	}

	writer.setStreamSID(start.StreamSID)
	sess := h.newSession(start.StreamSID, start.CallSID, writer)

	if err := h.registry.Register(start.StreamSID, sess); err != nil {
		sess.Close()
		if errors.Is(err, session.ErrCapacityExceeded) {
			slog.Warn("[Transport] Stream rejected, at capacity",
				"stream_id", start.StreamSID, "active", h.registry.Count())
			return nil, websocket.ClosePolicyViolation
		}
		slog.Error("[Transport] Stream registration failed",
			"stream_id", start.StreamSID, "error", err)
		return nil, websocket.CloseInternalServerErr
	}

	if err := sess.Start(context.Background()); err != nil {
		slog.Error("[Transport] Session start failed",
			"stream_id", start.StreamSID, "call_sid", start.CallSID, "error", err)
		h.registry.Unregister(start.StreamSID)
		h.ctrl.Demote(start.CallSID)
		return nil, websocket.CloseTryAgainLater
	}

	sess.SetPathUsed(h.ctrl.PathFor(start.CallSID))
	go h.ctrl.Watch(start.CallSID, sess.Done(), func() bool {
		return sess.State() == session.StateFailed
	})

	slog.Info("[Transport] Media stream started",
		"stream_id", start.StreamSID, "call_sid", start.CallSID, "session_id", sess.ID())
	return sess, 0
}

func writeDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}

func parseSeq(s string) uint16 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return uint16(n)
}

func parseTimestamp(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// streamWriter is the write half of one media stream connection.
// gorilla/websocket allows one concurrent writer, so all outbound
// messages funnel through its mutex.
type streamWriter struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	streamSID string
}

func newStreamWriter(ws *websocket.Conn) *streamWriter {
	return &streamWriter{ws: ws}
}

func (w *streamWriter) setStreamSID(sid string) {
	w.mu.Lock()
	w.streamSID = sid
	w.mu.Unlock()
}

func (w *streamWriter) WriteMedia(payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(outMediaMessage{
		Event:     eventMedia,
		StreamSID: w.streamSID,
		Media:     outMediaPayload{Payload: payload},
	})
}

func (w *streamWriter) WriteMark(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(outMarkMessage{
		Event:     eventMark,
		StreamSID: w.streamSID,
		Mark:      markMessage{Name: name},
	})
}

func (w *streamWriter) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(outClearMessage{
		Event:     eventClear,
		StreamSID: w.streamSID,
	})
}
