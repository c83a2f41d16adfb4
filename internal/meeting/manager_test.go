package meeting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/meeting-insight-service/internal/audio"
	"github.com/skypro1111/meeting-insight-service/internal/insight"
	"github.com/skypro1111/meeting-insight-service/internal/insight/insighttest"
	"github.com/skypro1111/meeting-insight-service/internal/metrics"
	"github.com/skypro1111/meeting-insight-service/internal/speaker"
	"github.com/skypro1111/meeting-insight-service/internal/store"
	"github.com/skypro1111/meeting-insight-service/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn is an in-memory streaming connection
type fakeConn struct {
	inbound   chan []byte
	failures  chan error
	closed    chan struct{}
	closeOnce sync.Once
	confirm   bool

	mu     sync.Mutex
	frames [][]byte
	texts  []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 64),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
		confirm:  true,
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if messageType == websocket.BinaryMessage {
		c.frames = append(c.frames, append([]byte(nil), data...))
		return nil
	}
	c.texts = append(c.texts, string(data))
	if strings.Contains(string(data), "Terminate") && c.confirm {
		c.inbound <- []byte(`{"type":"Termination","audio_duration_seconds":0.2,"session_duration_seconds":0.3}`)
	}
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case err := <-c.failures:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) emit(msg string) {
	c.inbound <- []byte(msg)
}

func (c *fakeConn) finalTurn(text string) {
	c.emit(`{"type":"Turn","transcript":"` + text + `","end_of_turn":true,"turn_is_formatted":true}`)
}

func (c *fakeConn) frameSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sizes := make([]int, len(c.frames))
	for i, f := range c.frames {
		sizes[i] = len(f)
	}
	return sizes
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, url string, _ http.Header) (transcription.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	c.emit(`{"type":"Begin","id":"remote","expires_at":1767225600}`)
	d.conns = append(d.conns, c)
	d.urls = append(d.urls, url)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type failingMedia struct{}

func (failingMedia) Connect(context.Context, string, StartRequest) error {
	return errors.New("media gateway unreachable")
}

func (failingMedia) Disconnect(context.Context, string) error { return nil }

type harness struct {
	manager *Manager
	dialer  *fakeDialer
	model   *insighttest.ScriptedModel
	store   *store.FileStore
	index   *store.ReportIndex
}

func newHarness(t *testing.T, mutate func(*Config, *Dependencies)) *harness {
	t.Helper()

	fs, err := store.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	idx, err := store.OpenReportIndex(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	h := &harness{
		dialer: &fakeDialer{},
		model:  insighttest.NewScriptedModel(),
		store:  fs,
		index:  idx,
	}

	cfg := Config{
		Rebuffer: audio.DefaultRebufferConfig(),
		Transcription: transcription.Config{
			Endpoint:     "wss://stt.test/v3/ws",
			APIKey:       "key",
			SampleRate:   16000,
			FormatTurns:  true,
			CloseTimeout: 200 * time.Millisecond,
		},
		Extraction:  insight.DefaultConfig(),
		Labels:      speaker.DefaultLabels(),
		RecentTurns: 10,
		Recording:   true,
		StopTimeout: 5 * time.Second,
	}
	deps := Dependencies{
		Model:   h.model,
		Dialer:  h.dialer,
		Store:   fs,
		Index:   idx,
		Metrics: metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:  testLogger(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	h.manager, err = NewManager(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { h.manager.StopAll(context.Background()) })

	return h
}

func (h *harness) start(t *testing.T, meetingID string) *fakeConn {
	t.Helper()
	_, err := h.manager.Start(context.Background(), StartRequest{MeetingID: meetingID, StreamID: "stream-1"})
	require.NoError(t, err)
	return h.dialer.last()
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"abc-123_X", "abc-123_X"},
		{"4pL/xk+Qw==", "4pL_xk_Qw__"},
		{"a b.c", "a_b_c"},
		{"é", "_"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := SanitizeID(tt.input); got != tt.expected {
				t.Errorf("SanitizeID(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMeetingLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.model.
		AddToolCalls(
			insighttest.ToolCall("c1", insight.ToolAppendSummary, map[string]string{"point": "Client has $2M in savings"}),
			insighttest.ToolCall("c2", insight.ToolUpdateQualification, map[string]string{"funds": "$2M in savings"}),
		).
		AddText("noted")

	conn := h.start(t, "mtg/42==")

	snap, err := h.manager.Snapshot("mtg/42==")
	require.NoError(t, err)
	assert.Equal(t, "mtg_42__", snap.SessionID)
	assert.Equal(t, "active", snap.LifecycleStatus)

	// Consultant speaks first, then the client
	require.NoError(t, h.manager.HandleAudio("mtg/42==", 7, make([]byte, 1000)))
	require.NoError(t, h.manager.HandleAudio("mtg/42==", 3, make([]byte, 1500)))
	require.NoError(t, h.manager.HandleAudio("mtg/42==", 3, make([]byte, 700)))

	assert.Eventually(t, func() bool { return len(conn.frameSizes()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{3200}, conn.frameSizes())

	conn.emit(`{"type":"Turn","transcript":"Client has","end_of_turn":false}`)
	assert.Eventually(t, func() bool {
		s, _ := h.manager.Snapshot("mtg/42==")
		return s.PartialTranscript == "Client has"
	}, time.Second, 10*time.Millisecond)

	conn.finalTurn("Client has $2M in savings")
	assert.Eventually(t, func() bool {
		s, _ := h.manager.Snapshot("mtg/42==")
		return s.SessionRecord != nil && len(s.SessionRecord.Summary) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap, err = h.manager.Snapshot("mtg/42==")
	require.NoError(t, err)
	assert.Equal(t, "$2M in savings", snap.SessionRecord.Qualification["funds"])
	assert.Equal(t, "", snap.PartialTranscript)
	require.Len(t, snap.RecentTranscriptTurns, 1)
	assert.Equal(t, "Client", snap.RecentTranscriptTurns[0].Role)
	require.Len(t, snap.SpeakerMap, 2)
	roles := map[int]speaker.Role{}
	for _, info := range snap.SpeakerMap {
		roles[info.SpeakerID] = info.Role
	}
	assert.Equal(t, speaker.RoleA, roles[7])
	assert.Equal(t, speaker.RoleB, roles[3])

	// The model saw the labeled turn
	calls := h.model.Calls()
	require.NotEmpty(t, calls)
	last := calls[0].Request.Messages[len(calls[0].Request.Messages)-1]
	assert.Equal(t, "[Client]: Client has $2M in savings", last.Content)

	// Session state is checkpointed after the record is published
	assert.Eventually(t, func() bool {
		state, err := h.store.Load("mtg_42__")
		return err == nil && state.SessionRecord != nil && len(state.SessionRecord.Summary) == 1 && len(state.Speakers) == 2
	}, 2*time.Second, 10*time.Millisecond)

	report, err := h.manager.Stop(context.Background(), "mtg/42==")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, "mtg_42__", report.SessionID)
	assert.Equal(t, []string{"Client has $2M in savings"}, report.SessionRecord.Summary)
	assert.Len(t, report.Transcript, 1)

	// Silent packets count toward presence but not talk time
	require.Len(t, report.TalkTime, 2)
	assert.Equal(t, 3, report.TalkTime[0].SpeakerID)
	assert.Equal(t, 68750*time.Microsecond, report.TalkTime[0].Total)
	assert.Equal(t, 7, report.TalkTime[1].SpeakerID)
	assert.Equal(t, 31250*time.Microsecond, report.TalkTime[1].Total)
	assert.Zero(t, report.TalkTime[1].Voice)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, h.manager.ActiveCount())

	// Report persisted, indexed and the recording closed
	stored, err := h.store.LoadReport("mtg_42__")
	require.NoError(t, err)
	assert.Equal(t, "stream-1", stored.StreamID)

	rows, err := h.index.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Turns)

	wav, err := os.ReadFile(report.Recording)
	require.NoError(t, err)
	info, err := audio.GetWAVInfo(wav)
	require.NoError(t, err)
	assert.Equal(t, uint32(3200), info.DataSize)

	// The ended meeting stays visible but no longer accepts audio
	snap, err = h.manager.Snapshot("mtg/42==")
	require.NoError(t, err)
	assert.Equal(t, "closed", snap.LifecycleStatus)
	assert.NotNil(t, snap.EndedAt)
	assert.ErrorIs(t, h.manager.HandleAudio("mtg/42==", 3, []byte{1, 2}), ErrUnknownMeeting)

	_, err = h.manager.Stop(context.Background(), "mtg/42==")
	assert.ErrorIs(t, err, ErrUnknownMeeting)
}

func TestFlushOnStop(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.start(t, "flush")

	// 2000 bytes is above the 50ms threshold of 1600 bytes
	require.NoError(t, h.manager.HandleAudio("flush", 1, make([]byte, 2000)))

	_, err := h.manager.Stop(context.Background(), "flush")
	require.NoError(t, err)
	assert.Equal(t, []int{2000}, conn.frameSizes())
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Dependencies) { c.MaxMeetings = 1 })

	_, err := h.manager.Start(context.Background(), StartRequest{MeetingID: ""})
	assert.ErrorIs(t, err, ErrInvalidMeetingID)

	h.start(t, "one")

	_, err = h.manager.Start(context.Background(), StartRequest{MeetingID: "one"})
	assert.ErrorIs(t, err, ErrAlreadyActive)

	_, err = h.manager.Start(context.Background(), StartRequest{MeetingID: "two"})
	assert.ErrorIs(t, err, ErrTooManyMeetings)
}

func TestHandleAudioErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, "m")

	assert.ErrorIs(t, h.manager.HandleAudio("other", 1, []byte{1}), ErrUnknownMeeting)
	assert.ErrorIs(t, h.manager.HandleAudio("m", 1, nil), audio.ErrEmptyFrame)
	assert.ErrorIs(t, h.manager.HandleAudio("other", 1, nil), audio.ErrEmptyFrame)
}

func TestAssignSpeaker(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, "m")

	require.NoError(t, h.manager.HandleAudio("m", 7, []byte{0, 0}))

	assert.ErrorIs(t, h.manager.AssignSpeaker("m", 7, speaker.Role("boss")), speaker.ErrInvalidRole)
	assert.ErrorIs(t, h.manager.AssignSpeaker("missing", 7, speaker.RoleB), ErrUnknownMeeting)

	require.NoError(t, h.manager.AssignSpeaker("m", 7, speaker.RoleB))
	require.NoError(t, h.manager.AssignSpeaker("m", 7, speaker.RoleB))

	snap, err := h.manager.Snapshot("m")
	require.NoError(t, err)
	require.Len(t, snap.SpeakerMap, 1)
	assert.Equal(t, speaker.RoleB, snap.SpeakerMap[0].Role)
	assert.Equal(t, "Client", snap.SpeakerMap[0].Label)
}

func TestTransportFailureTearsDownOnlyThatMeeting(t *testing.T) {
	h := newHarness(t, nil)
	broken := h.start(t, "broken")
	h.start(t, "healthy")

	broken.failures <- errors.New("connection reset by peer")

	assert.Eventually(t, func() bool {
		s, err := h.manager.Snapshot("broken")
		return err == nil && s.LifecycleStatus == "closed"
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.manager.ActiveCount())
	_, err := h.store.LoadReport("broken")
	assert.NoError(t, err)

	snap, err := h.manager.Snapshot("healthy")
	require.NoError(t, err)
	assert.Equal(t, "active", snap.LifecycleStatus)
	assert.NoError(t, h.manager.HandleAudio("healthy", 1, []byte{1, 2}))
}

func TestRecoverUnfinishedSession(t *testing.T) {
	h := newHarness(t, nil)

	fw, err := insight.LookupFramework("faint")
	require.NoError(t, err)
	rec := insight.NewRecord(fw)
	rec.Summary = append(rec.Summary, "Client has $2M in savings")
	conv := insight.NewConversation(40)
	conv.Append(insight.EntryUser{Text: "[Client]: Client has $2M in savings"})

	require.NoError(t, h.store.Save("crashed", &store.SessionState{
		SessionID:           "crashed",
		ConversationHistory: conv,
		SessionRecord:       rec,
		Speakers:            []speaker.SpeakerInfo{{SpeakerID: 7, Role: speaker.RoleA}, {SpeakerID: 3, Role: speaker.RoleB}},
		Transcript:          []insight.Turn{{Text: "Client has $2M in savings", Role: "Client", SpeakerID: 3}},
	}))

	conn := h.start(t, "crashed")

	snap, err := h.manager.Snapshot("crashed")
	require.NoError(t, err)
	assert.Equal(t, []string{"Client has $2M in savings"}, snap.SessionRecord.Summary)
	assert.Len(t, snap.RecentTranscriptTurns, 1)
	assert.Len(t, snap.SpeakerMap, 2)

	// The restored conversation is sent with the next turn
	require.NoError(t, h.manager.HandleAudio("crashed", 3, []byte{1, 2}))
	conn.finalTurn("They want to retire in 5 years")
	assert.Eventually(t, func() bool { return h.model.CallCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	msgs := h.model.Calls()[0].Request.Messages
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "[Client]: Client has $2M in savings", msgs[0].Content)
	assert.Equal(t, "[Client]: They want to retire in 5 years", msgs[len(msgs)-1].Content)
}

func TestRestartAfterFinalizeUsesNewSessionID(t *testing.T) {
	h := newHarness(t, nil)

	h.start(t, "weekly")
	_, err := h.manager.Stop(context.Background(), "weekly")
	require.NoError(t, err)

	h.start(t, "weekly")
	snap, err := h.manager.Snapshot("weekly")
	require.NoError(t, err)
	assert.Equal(t, "weekly-2", snap.SessionID)

	report, err := h.manager.Stop(context.Background(), "weekly")
	require.NoError(t, err)
	assert.Equal(t, "weekly-2", report.SessionID)
}

func TestStartFailures(t *testing.T) {
	t.Run("transcription unavailable", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dialer.err = errors.New("dial refused")

		_, err := h.manager.Start(context.Background(), StartRequest{MeetingID: "m"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "transcription")
		assert.Equal(t, 0, h.manager.ActiveCount())
	})

	t.Run("media connector fails", func(t *testing.T) {
		h := newHarness(t, func(_ *Config, d *Dependencies) { d.Media = failingMedia{} })

		_, err := h.manager.Start(context.Background(), StartRequest{MeetingID: "m"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "media")
		assert.Equal(t, 0, h.manager.ActiveCount())
		assert.True(t, h.dialer.last().isClosed())

		// The key is free again
		h.dialer.err = nil
		h.start(t, "m")
	})
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, "a")
	h.start(t, "b")
	h.start(t, "c")

	h.manager.StopAll(context.Background())

	assert.Equal(t, 0, h.manager.ActiveCount())
	reports, err := h.store.ListReports()
	require.NoError(t, err)
	assert.Len(t, reports, 3)

	list := h.manager.List()
	require.Len(t, list, 3)
	for _, s := range list {
		assert.Equal(t, "closed", s.LifecycleStatus)
	}
}

func TestStopHonorsDeadlineWhileExtractionIsBusy(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Dependencies) {
		cfg.Transcription.EventBuffer = 1
	})
	for i := 0; i < 6; i++ {
		h.model.AddScript(insighttest.ScriptedResponse{
			Response: &insight.Response{Text: "ok"},
			Delay:    time.Second,
		})
	}

	conn := h.start(t, "busy")
	for i := 0; i < 6; i++ {
		conn.finalTurn("Client mentioned a new account")
	}
	require.Eventually(t, func() bool { return h.model.CallCount() >= 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	report, err := h.manager.Stop(ctx, "busy")
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Less(t, elapsed, time.Second, "Stop returned after %v", elapsed)
	assert.NotEmpty(t, report.Transcript)
	assert.Equal(t, 0, h.manager.ActiveCount())
	assert.True(t, conn.isClosed())

	rows, err := h.index.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "busy", rows[0].SessionID)
}

func TestIdleMeetingIsStopped(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Dependencies) { c.IdleTimeout = 100 * time.Millisecond })
	h.start(t, "quiet")

	assert.Eventually(t, func() bool { return h.manager.ActiveCount() == 0 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, h.store.IsFinalized("quiet"))
}

func TestRecentTurnsTail(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Dependencies) { c.RecentTurns = 2 })
	conn := h.start(t, "tail")

	for _, text := range []string{"one", "two", "three"} {
		conn.finalTurn(text)
	}
	assert.Eventually(t, func() bool { return h.model.CallCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	snap, err := h.manager.Snapshot("tail")
	require.NoError(t, err)
	require.Len(t, snap.RecentTranscriptTurns, 2)
	assert.Equal(t, "two", snap.RecentTranscriptTurns[0].Text)
	assert.Equal(t, "three", snap.RecentTranscriptTurns[1].Text)
	assert.Equal(t, "", snap.RecentTranscriptTurns[0].Role, "no speaker observed yet")

	report, err := h.manager.Stop(context.Background(), "tail")
	require.NoError(t, err)
	assert.Len(t, report.Transcript, 3)
}
