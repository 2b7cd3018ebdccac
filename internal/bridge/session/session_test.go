package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/applova/voiceplate/internal/bridge/media"
	"github.com/applova/voiceplate/internal/bridge/realtime"
)

type fakeUpstream struct {
	mu         sync.Mutex
	connectErr error
	sent       [][]byte
	commits    int
	cancels    int
	closed     bool
	attempts   int
	events     chan realtime.Event
	closeOnce  sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan realtime.Event, 16), attempts: 1}
}

func (f *fakeUpstream) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeUpstream) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeUpstream) CommitTurn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeUpstream) CancelResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeUpstream) Events() <-chan realtime.Event { return f.events }

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeUpstream) Attempts() int { return f.attempts }

func (f *fakeUpstream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeUpstream) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeTelephony struct {
	mu     sync.Mutex
	frames []string
	marks  []string
	clears int
}

func (f *fakeTelephony) WriteMedia(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeTelephony) WriteMark(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeTelephony) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTelephony) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTelephony) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func newTestSession(t *testing.T, up *fakeUpstream, tel *fakeTelephony, cfg Config) *CallSession {
	t.Helper()
	codec, err := media.NewCodec(media.FormatULaw8k, media.UpstreamFormatULaw)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return New("MZ0001", "CA0001", codec, up, tel, cfg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ulawFrame(t *testing.T, b []byte) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(b)
}

func TestSessionLifecycle(t *testing.T) {
	up := newFakeUpstream()
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: time.Minute})

	if s.State() != StateCreated {
		t.Fatalf("expected Created, got %s", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("expected Connected, got %s", s.State())
	}

	raw := []byte{0x7f, 0x80, 0x01}
	if err := s.HandleMedia(1, 20, ulawFrame(t, raw)); err != nil {
		t.Fatalf("HandleMedia: %v", err)
	}
	if up.sentCount() != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", up.sentCount())
	}
	if s.State() != StateStreaming {
		t.Fatalf("expected Streaming after first frame, got %s", s.State())
	}

	audio := []byte{1, 2, 3, 4}
	up.events <- realtime.Event{Kind: realtime.EventAudioDelta, TurnID: "t1", Audio: audio}
	waitFor(t, "outbound frame", func() bool { return tel.frameCount() == 1 })
	tel.mu.Lock()
	got := tel.frames[0]
	tel.mu.Unlock()
	if want := base64.StdEncoding.EncodeToString(audio); got != want {
		t.Fatalf("outbound payload = %q, want %q", got, want)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected Closed, got %s", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done channel not closed after Close")
	}
	up.mu.Lock()
	closed := up.closed
	up.mu.Unlock()
	if !closed {
		t.Fatal("upstream not closed")
	}
	// Idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSessionInterruption(t *testing.T) {
	up := newFakeUpstream()
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: time.Minute, InterruptGrace: time.Minute})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.HandleMedia(1, 20, ulawFrame(t, []byte{0x11})); err != nil {
		t.Fatalf("HandleMedia: %v", err)
	}

	up.events <- realtime.Event{Kind: realtime.EventAudioDelta, TurnID: "t1", Audio: []byte{9}}
	waitFor(t, "first outbound frame", func() bool { return tel.frameCount() == 1 })

	// Caller starts speaking mid-turn.
	up.events <- realtime.Event{Kind: realtime.EventSpeechStarted}
	waitFor(t, "interruption", func() bool { return s.State() == StateInterrupted })
	if up.cancelCount() != 1 {
		t.Fatalf("expected exactly 1 cancel, got %d", up.cancelCount())
	}
	if tel.clearCount() != 1 {
		t.Fatalf("expected telephony clear, got %d", tel.clearCount())
	}

	// Late deltas of the superseded turn must not reach the caller.
	up.events <- realtime.Event{Kind: realtime.EventAudioDelta, TurnID: "t1", Audio: []byte{8}}

	// A second vocal burst while already interrupted is a no-op.
	up.events <- realtime.Event{Kind: realtime.EventSpeechStarted}

	// Inbound audio keeps flowing during the interruption.
	if err := s.HandleMedia(2, 40, ulawFrame(t, []byte{0x22})); err != nil {
		t.Fatalf("HandleMedia during interruption: %v", err)
	}
	if up.sentCount() != 2 {
		t.Fatalf("expected 2 forwarded frames, got %d", up.sentCount())
	}

	// Peer confirms the cancellation; session resumes.
	up.events <- realtime.Event{Kind: realtime.EventTurnCancelled}
	waitFor(t, "resume", func() bool { return s.State() == StateStreaming })
	if up.cancelCount() != 1 {
		t.Fatalf("cancel repeated: got %d", up.cancelCount())
	}

	// The next turn plays normally.
	up.events <- realtime.Event{Kind: realtime.EventAudioDelta, TurnID: "t2", Audio: []byte{7}}
	waitFor(t, "next-turn frame", func() bool { return tel.frameCount() == 2 })
	tel.mu.Lock()
	last := tel.frames[1]
	tel.mu.Unlock()
	if want := base64.StdEncoding.EncodeToString([]byte{7}); last != want {
		t.Fatalf("next-turn payload = %q, want %q", last, want)
	}

	s.Close()
}

func TestSessionInterruptionGraceTimeout(t *testing.T) {
	up := newFakeUpstream()
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: time.Minute, InterruptGrace: 30 * time.Millisecond})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleMedia(1, 20, ulawFrame(t, []byte{0x11}))
	up.events <- realtime.Event{Kind: realtime.EventAudioDelta, TurnID: "t1", Audio: []byte{9}}
	waitFor(t, "outbound frame", func() bool { return tel.frameCount() == 1 })

	up.events <- realtime.Event{Kind: realtime.EventSpeechStarted}
	waitFor(t, "interruption", func() bool { return s.State() == StateInterrupted })

	// No confirmation arrives; the grace timer resumes streaming.
	waitFor(t, "grace resume", func() bool { return s.State() == StateStreaming })

	s.Close()
}

func TestSessionOutboundOrderingConcurrentFlush(t *testing.T) {
	up := newFakeUpstream()
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: time.Minute})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleMedia(1, 20, ulawFrame(t, []byte{0x11}))

	// A second drainer racing the event pump must not reorder frames.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.flushOutbound()
			}
		}
	}()

	const n = 200
	for i := 0; i < n; i++ {
		up.events <- realtime.Event{Kind: realtime.EventAudioDelta, TurnID: "t1", Audio: []byte{byte(i)}}
	}
	waitFor(t, "all outbound frames", func() bool { return tel.frameCount() == n })
	close(stop)
	wg.Wait()

	tel.mu.Lock()
	frames := append([]string(nil), tel.frames...)
	tel.mu.Unlock()
	for i, f := range frames {
		if want := base64.StdEncoding.EncodeToString([]byte{byte(i)}); f != want {
			t.Fatalf("frame %d = %q, want %q", i, f, want)
		}
	}
	s.Close()
}

func TestSessionManualTurnCommit(t *testing.T) {
	up := newFakeUpstream()
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: time.Minute, ManualTurns: true})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	up.events <- realtime.Event{Kind: realtime.EventSpeechStopped}
	waitFor(t, "turn commit", func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.commits == 1
	})
	s.Close()
}

func TestSessionIdleTimeout(t *testing.T) {
	up := newFakeUpstream()
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: 50 * time.Millisecond})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not self-terminate on idle timeout")
	}
	if s.State() != StateClosed {
		t.Fatalf("expected Closed, got %s", s.State())
	}
}

func TestSessionFatalUpstreamError(t *testing.T) {
	up := newFakeUpstream()
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: time.Minute})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	up.events <- realtime.Event{Kind: realtime.EventError, Code: "session_expired", Message: "gone", Fatal: true}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on fatal error")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State())
	}
	if err := s.HandleMedia(5, 100, ulawFrame(t, []byte{0x33})); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after failure, got %v", err)
	}
}

func TestSessionConnectFailure(t *testing.T) {
	up := newFakeUpstream()
	up.connectErr = errors.New("dial refused")
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: time.Minute})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State())
	}
}

func TestSessionStatus(t *testing.T) {
	up := newFakeUpstream()
	up.attempts = 2
	tel := &fakeTelephony{}
	s := newTestSession(t, up, tel, Config{IdleTimeout: time.Minute})
	s.SetPathUsed("realtime")

	st := s.Status()
	if st.SessionID != s.ID() {
		t.Errorf("SessionID = %q, want %q", st.SessionID, s.ID())
	}
	if st.TelephonyStreamID != "MZ0001" || st.CallSID != "CA0001" {
		t.Errorf("unexpected identifiers: %+v", st)
	}
	if st.ConnectionState != "Created" {
		t.Errorf("ConnectionState = %q", st.ConnectionState)
	}
	if st.ReconnectAttempts != 2 {
		t.Errorf("ReconnectAttempts = %d", st.ReconnectAttempts)
	}
	if st.PathUsed != "realtime" {
		t.Errorf("PathUsed = %q", st.PathUsed)
	}
}
