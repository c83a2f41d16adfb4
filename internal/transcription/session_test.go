package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeService emulates the streaming endpoint
type fakeService struct {
	t           *testing.T
	upgrader    websocket.Upgrader
	mu          sync.Mutex
	query       map[string]string
	auth        string
	frames      [][]byte
	onFrame     func(conn *websocket.Conn, n int)
	confirmTerm bool
}

func (f *fakeService) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.query = map[string]string{}
	for k := range r.URL.Query() {
		f.query[k] = r.URL.Query().Get(k)
	}
	f.mu.Unlock()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Begin","id":"remote-1","expires_at":1767225600}`))

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			f.mu.Lock()
			f.frames = append(f.frames, data)
			n := len(f.frames)
			f.mu.Unlock()
			if f.onFrame != nil {
				f.onFrame(conn, n)
			}
			continue
		}

		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil && msg["type"] == "Terminate" {
			if f.confirmTerm {
				_ = conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"Termination","audio_duration_seconds":1.5,"session_duration_seconds":2.25}`))
			}
			// Keep reading until the client closes
		}
	}
}

func (f *fakeService) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func startService(t *testing.T, f *fakeService) string {
	t.Helper()
	f.t = t
	server := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestSession(t *testing.T, endpoint string) *Session {
	t.Helper()
	s, err := NewSession("meeting-1", Config{
		Endpoint:     endpoint,
		APIKey:       "secret",
		SampleRate:   16000,
		FormatTurns:  true,
		CloseTimeout: 500 * time.Millisecond,
	}, nil, nil, testLogger())
	require.NoError(t, err)
	return s
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event channel was not closed")
			return out
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc := &fakeService{
		confirmTerm: true,
		onFrame: func(conn *websocket.Conn, n int) {
			if n == 2 {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"hello","end_of_turn":false,"turn_order":0}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"hello there","end_of_turn":true,"turn_is_formatted":false,"turn_order":0}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"Hello there.","end_of_turn":true,"turn_is_formatted":true,"turn_order":0}`))
			}
		},
	}
	endpoint := startService(t, svc)

	s := newTestSession(t, endpoint)
	assert.Equal(t, StateConnecting, s.State())

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, StateOpen, s.State())

	began := nextEvent(t, s.Events())
	assert.Equal(t, EventSessionBegan, began.Type)
	assert.Equal(t, "remote-1", began.RemoteID)
	assert.Equal(t, int64(1767225600), began.ExpiresAt.Unix())

	require.NoError(t, s.SendFrame(make([]byte, 3200)))
	assert.Equal(t, StateStreaming, s.State())
	require.NoError(t, s.SendFrame(make([]byte, 3200)))

	partial := nextEvent(t, s.Events())
	assert.Equal(t, EventPartialTurn, partial.Type)
	assert.Equal(t, "hello", partial.Text)

	// Unformatted end of turn is still partial when formatted turns are requested
	unformatted := nextEvent(t, s.Events())
	assert.Equal(t, EventPartialTurn, unformatted.Type)

	final := nextEvent(t, s.Events())
	assert.Equal(t, EventFinalTurn, final.Type)
	assert.Equal(t, "Hello there.", final.Text)

	require.NoError(t, s.Close())
	rest := drain(t, s.Events())
	require.Len(t, rest, 1)
	assert.Equal(t, EventSessionTerminated, rest[0].Type)
	assert.InDelta(t, 1.5, rest[0].AudioDurationSec, 0.001)
	assert.InDelta(t, 2.25, rest[0].SessionDurationSec, 0.001)

	assert.Equal(t, StateClosed, s.State())
	assert.True(t, s.StopRequested())
	assert.Equal(t, 2, svc.frameCount())

	svc.mu.Lock()
	assert.Equal(t, "secret", svc.auth)
	assert.Equal(t, "16000", svc.query["sample_rate"])
	assert.Equal(t, "pcm_s16le", svc.query["encoding"])
	assert.Equal(t, "true", svc.query["format_turns"])
	svc.mu.Unlock()

	stats := s.GetStats()
	assert.Equal(t, uint64(2), stats.FramesSent)
	assert.Equal(t, uint64(6400), stats.BytesSent)
	assert.Equal(t, uint64(1), stats.FinalTurns)
}

func TestFinalTurnWithoutFormatting(t *testing.T) {
	svc := &fakeService{
		onFrame: func(conn *websocket.Conn, n int) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"raw text","end_of_turn":true,"turn_is_formatted":false}`))
		},
	}
	endpoint := startService(t, svc)

	s, err := NewSession("m", Config{Endpoint: endpoint, SampleRate: 16000, FormatTurns: false}, nil, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	nextEvent(t, s.Events()) // Begin
	require.NoError(t, s.SendFrame([]byte{0, 0}))

	ev := nextEvent(t, s.Events())
	assert.Equal(t, EventFinalTurn, ev.Type)
	assert.Equal(t, "raw text", ev.Text)
}

func TestMalformedAndUnknownMessagesAreIgnored(t *testing.T) {
	svc := &fakeService{
		onFrame: func(conn *websocket.Conn, n int) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SpeechStarted"}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"after","end_of_turn":true,"turn_is_formatted":true}`))
		},
	}
	endpoint := startService(t, svc)

	s := newTestSession(t, endpoint)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	nextEvent(t, s.Events()) // Begin
	require.NoError(t, s.SendFrame([]byte{1, 2}))

	ev := nextEvent(t, s.Events())
	assert.Equal(t, EventFinalTurn, ev.Type)
	assert.Equal(t, "after", ev.Text)
	assert.Equal(t, uint64(2), s.GetStats().IgnoredFrames)
}

func TestCloseWithoutConfirmationIsBounded(t *testing.T) {
	svc := &fakeService{confirmTerm: false}
	endpoint := startService(t, svc)

	s := newTestSession(t, endpoint)
	require.NoError(t, s.Open(context.Background()))
	nextEvent(t, s.Events())

	start := time.Now()
	require.NoError(t, s.Close())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	drain(t, s.Events())

	// Idempotent
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.SendFrame([]byte{0}), ErrNotStreaming)
}

func newBufferedSession(t *testing.T, endpoint string, buffer int) *Session {
	t.Helper()
	s, err := NewSession("meeting-1", Config{
		Endpoint:     endpoint,
		SampleRate:   16000,
		FormatTurns:  true,
		CloseTimeout: 200 * time.Millisecond,
		EventBuffer:  buffer,
	}, nil, nil, testLogger())
	require.NoError(t, err)
	return s
}

func TestCloseWithBusyConsumerIsBounded(t *testing.T) {
	svc := &fakeService{
		confirmTerm: true,
		onFrame: func(conn *websocket.Conn, n int) {
			for i := 0; i < 4; i++ {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"final","end_of_turn":true,"turn_is_formatted":true}`))
			}
		},
	}
	endpoint := startService(t, svc)

	// Begin fills the buffer and nobody reads it
	s := newBufferedSession(t, endpoint, 1)
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.SendFrame(make([]byte, 320)))
	require.Eventually(t, func() bool { return svc.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Close())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "Close must not wait for the consumer")

	rest := drain(t, s.Events())
	require.NotEmpty(t, rest)
	assert.Equal(t, EventSessionBegan, rest[0].Type)
	assert.Greater(t, s.GetStats().DroppedEvents, uint64(0))
	assert.Equal(t, StateClosed, s.State())
}

func TestPartialTurnsDroppedWhenConsumerIsBehind(t *testing.T) {
	svc := &fakeService{
		confirmTerm: true,
		onFrame: func(conn *websocket.Conn, n int) {
			for _, text := range []string{"p1", "p2", "p3"} {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"`+text+`","end_of_turn":false}`))
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"Done.","end_of_turn":true,"turn_is_formatted":true}`))
		},
	}
	endpoint := startService(t, svc)

	s := newBufferedSession(t, endpoint, 1)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	nextEvent(t, s.Events()) // Begin
	require.NoError(t, s.SendFrame(make([]byte, 320)))
	time.Sleep(200 * time.Millisecond)

	first := nextEvent(t, s.Events())
	assert.Equal(t, EventPartialTurn, first.Type)
	assert.Equal(t, "p1", first.Text)

	// Final turns wait for room instead of being dropped
	final := nextEvent(t, s.Events())
	assert.Equal(t, EventFinalTurn, final.Type)
	assert.Equal(t, "Done.", final.Text)

	stats := s.GetStats()
	assert.Equal(t, uint64(2), stats.DroppedEvents)
	assert.Equal(t, uint64(3), stats.PartialTurns)
}

func TestRemoteDropEmitsFailed(t *testing.T) {
	svc := &fakeService{
		onFrame: func(conn *websocket.Conn, n int) {
			// Abrupt close without a close frame
			_ = conn.UnderlyingConn().Close()
		},
	}
	endpoint := startService(t, svc)

	s := newTestSession(t, endpoint)
	require.NoError(t, s.Open(context.Background()))
	nextEvent(t, s.Events())

	require.NoError(t, s.SendFrame([]byte{0, 0}))

	events := drain(t, s.Events())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Error(t, last.Err)
	assert.Equal(t, StateError, s.State())
	assert.True(t, s.StopRequested())

	assert.ErrorIs(t, s.SendFrame([]byte{0}), ErrNotStreaming)
	_ = s.Close()
}

func TestSendBeforeOpen(t *testing.T) {
	s := newTestSession(t, "ws://127.0.0.1:1/v3/ws")
	assert.ErrorIs(t, s.SendFrame([]byte{0}), ErrNotStreaming)

	require.NoError(t, s.Close())
	_, ok := <-s.Events()
	assert.False(t, ok)
}

type failingDialer struct{}

func (failingDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	return nil, errors.New("connection refused")
}

func TestOpenFailure(t *testing.T) {
	s, err := NewSession("m", Config{Endpoint: "wss://example.invalid/v3/ws", SampleRate: 16000}, failingDialer{}, nil, testLogger())
	require.NoError(t, err)

	err = s.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.True(t, s.StopRequested())

	assert.NoError(t, s.Close())
	assert.Equal(t, StateError, s.State())
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession("m", Config{SampleRate: 16000}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewSession("m", Config{Endpoint: "wss://x"}, nil, nil, nil)
	assert.Error(t, err)
}
