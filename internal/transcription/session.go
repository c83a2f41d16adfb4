package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/meeting-insight-service/internal/metrics"
)

// ErrNotStreaming is returned when audio is sent outside the Open or Streaming states
var ErrNotStreaming = errors.New("transcription session not accepting audio")

// State is the lifecycle state of a Session
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateStreaming
	StateTerminating
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config contains streaming transcription configuration
type Config struct {
	Endpoint     string
	APIKey       string
	SampleRate   int
	Encoding     string
	FormatTurns  bool
	CloseTimeout time.Duration
	EventBuffer  int
}

// Session is one streaming transcription connection bound to a meeting.
// Inbound messages are delivered in arrival order on Events.
type Session struct {
	meetingID string
	config    Config
	dialer    Dialer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	state    State
	remoteID string
	failErr  error
	mu       sync.Mutex

	conn    Conn
	writeMu sync.Mutex

	events        chan Event
	done          chan struct{} // closed when the read loop exits
	terminated    chan struct{} // closed when the Termination message arrives
	closing       chan struct{} // closed by Close; unblocks pending event sends
	termOnce      sync.Once
	closeOnce     sync.Once
	loopStarted   bool
	stopRequested atomic.Bool

	// Statistics
	framesSent    atomic.Uint64
	bytesSent     atomic.Uint64
	partialTurns  atomic.Uint64
	finalTurns    atomic.Uint64
	ignoredFrames atomic.Uint64
	droppedEvents atomic.Uint64
}

// SessionStats represents session statistics
type SessionStats struct {
	MeetingID     string `json:"meeting_id"`
	RemoteID      string `json:"remote_id,omitempty"`
	State         string `json:"state"`
	FramesSent    uint64 `json:"frames_sent"`
	BytesSent     uint64 `json:"bytes_sent"`
	PartialTurns  uint64 `json:"partial_turns"`
	FinalTurns    uint64 `json:"final_turns"`
	IgnoredFrames uint64 `json:"ignored_messages"`
	DroppedEvents uint64 `json:"dropped_events"`
	StopRequested bool   `json:"stop_requested"`
}

// NewSession creates a session in the Connecting state; call Open to dial.
// A nil dialer uses the default websocket dialer.
func NewSession(meetingID string, config Config, dialer Dialer, m *metrics.Metrics, logger *slog.Logger) (*Session, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.Encoding == "" {
		config.Encoding = "pcm_s16le"
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	if dialer == nil {
		dialer = NewWebsocketDialer(10 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		meetingID:  meetingID,
		config:     config,
		dialer:     dialer,
		metrics:    m,
		logger:     logger.With(slog.String("session_id", meetingID)),
		state:      StateConnecting,
		events:     make(chan Event, config.EventBuffer),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
		closing:    make(chan struct{}),
	}, nil
}

// streamURL encodes the audio parameters as query parameters
func (s *Session) streamURL() (string, error) {
	u, err := url.Parse(s.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(s.config.SampleRate))
	q.Set("encoding", s.config.Encoding)
	q.Set("format_turns", strconv.FormatBool(s.config.FormatTurns))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Open dials the streaming endpoint and starts the read loop
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot open session in state %s", state)
	}
	s.mu.Unlock()

	target, err := s.streamURL()
	if err != nil {
		s.setFailed(err)
		return err
	}

	header := http.Header{}
	if s.config.APIKey != "" {
		header.Set("Authorization", s.config.APIKey)
	}

	conn, err := s.dialer.Dial(ctx, target, header)
	if err != nil {
		s.setFailed(err)
		s.metrics.RecordTranscriptionError()
		return fmt.Errorf("failed to connect to transcription service: %w", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Close raced with the dial
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("session closed while connecting")
	}
	s.conn = conn
	s.state = StateOpen
	s.loopStarted = true
	s.mu.Unlock()

	s.metrics.RecordTranscriptionSession()
	s.logger.Info("Transcription session opened", slog.Int("sample_rate", s.config.SampleRate))

	go s.readLoop()
	return nil
}

// SendFrame forwards one audio frame. The first frame moves the session to Streaming.
func (s *Session) SendFrame(frame []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateOpen:
		s.state = StateStreaming
	case StateStreaming:
	default:
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("Dropping audio frame", slog.String("state", state.String()))
		return ErrNotStreaming
	}
	conn := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, frame)
	s.writeMu.Unlock()

	if err != nil {
		s.setFailed(err)
		s.metrics.RecordTranscriptionError()
		// Closing the connection wakes the read loop, which reports the failure
		_ = conn.Close()
		return fmt.Errorf("failed to send audio frame: %w", err)
	}

	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(len(frame)))
	return nil
}

// Events returns the ordered event stream; it is closed when the session ends
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close terminates the session gracefully, waiting up to CloseTimeout for the
// remote side before force-closing. Events the consumer has not taken by then
// are dropped, so a slow consumer cannot hold Close. It is safe to call more
// than once.
func (s *Session) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.stopRequested.Store(true)

		s.mu.Lock()
		conn := s.conn
		started := s.loopStarted
		graceful := s.state == StateOpen || s.state == StateStreaming
		if graceful {
			s.state = StateTerminating
		} else if s.state == StateConnecting {
			s.state = StateClosed
		}
		s.mu.Unlock()

		if !started {
			close(s.closing)
			close(s.events)
			close(s.done)
			return
		}

		if graceful {
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
			s.writeMu.Unlock()

			if err != nil {
				s.logger.Warn("Failed to send terminate message", slog.String("error", err.Error()))
			} else {
				timer := time.NewTimer(s.config.CloseTimeout)
				select {
				case <-s.terminated:
				case <-s.done:
				case <-timer.C:
					s.logger.Warn("Transcription service did not confirm termination",
						slog.Duration("timeout", s.config.CloseTimeout))
				}
				timer.Stop()
			}
		}

		close(s.closing)
		closeErr = conn.Close()

		timer := time.NewTimer(s.config.CloseTimeout)
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("Read loop did not exit after close",
				slog.Duration("timeout", s.config.CloseTimeout))
		}
		timer.Stop()

		s.mu.Lock()
		if s.state != StateError {
			s.state = StateClosed
		}
		s.mu.Unlock()

		s.logger.Info("Transcription session closed",
			slog.Uint64("frames_sent", s.framesSent.Load()),
			slog.Uint64("final_turns", s.finalTurns.Load()),
		)
	})

	if errors.Is(closeErr, net.ErrClosed) {
		return nil
	}
	return closeErr
}

// setFailed moves the session to Error unless it already ended
func (s *Session) setFailed(err error) {
	s.stopRequested.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.state == StateError {
		return
	}
	s.state = StateError
	s.failErr = err
}

// emit delivers ev in order. Partial turns are dropped when the consumer is
// behind; other events wait for room until Close is called.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	if ev.Type == EventPartialTurn {
		s.droppedEvents.Add(1)
		return
	}

	select {
	case s.events <- ev:
	case <-s.closing:
		s.droppedEvents.Add(1)
		s.logger.Warn("Dropping transcription event after close", slog.String("type", ev.Type.String()))
	}
}

// readLoop is the only sender on s.events
func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleReadError(err error) {
	s.mu.Lock()
	state := s.state
	failErr := s.failErr
	s.mu.Unlock()

	switch state {
	case StateTerminating, StateClosed:
		return
	case StateError:
		if failErr == nil {
			failErr = err
		}
	default:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			// Remote closed without a failure: treat as ended session
			s.mu.Lock()
			s.state = StateClosed
			s.mu.Unlock()
			s.stopRequested.Store(true)
			return
		}
		s.setFailed(err)
		s.metrics.RecordTranscriptionError()
		failErr = err
	}

	s.logger.Error("Transcription transport error", slog.String("error", failErr.Error()))
	s.emit(Event{Type: EventFailed, Err: failErr, ReceivedAt: time.Now()})
}

type inboundMessage struct {
	Type string `json:"type"`

	// Begin
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`

	// Turn
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	TurnOrder       int    `json:"turn_order"`

	// Termination
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`

	Error string `json:"error"`
}

func (s *Session) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.ignoredFrames.Add(1)
		s.logger.Warn("Ignoring malformed transcription message", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	switch msg.Type {
	case "Begin":
		s.mu.Lock()
		s.remoteID = msg.ID
		s.mu.Unlock()

		ev := Event{Type: EventSessionBegan, RemoteID: msg.ID, ReceivedAt: now}
		if msg.ExpiresAt > 0 {
			ev.ExpiresAt = time.Unix(msg.ExpiresAt, 0)
		}
		s.logger.Debug("Transcription session began", slog.String("remote_id", msg.ID))
		s.emit(ev)

	case "Turn":
		final := msg.EndOfTurn && (msg.TurnIsFormatted || !s.config.FormatTurns)
		if final {
			s.finalTurns.Add(1)
			s.metrics.RecordTranscriptTurn(true)
			s.emit(Event{Type: EventFinalTurn, Text: msg.Transcript, TurnOrder: msg.TurnOrder, ReceivedAt: now})
			return
		}
		s.partialTurns.Add(1)
		s.metrics.RecordTranscriptTurn(false)
		s.emit(Event{Type: EventPartialTurn, Text: msg.Transcript, TurnOrder: msg.TurnOrder, ReceivedAt: now})

	case "Termination":
		s.emit(Event{
			Type:               EventSessionTerminated,
			AudioDurationSec:   msg.AudioDurationSeconds,
			SessionDurationSec: msg.SessionDurationSeconds,
			ReceivedAt:         now,
		})
		s.termOnce.Do(func() { close(s.terminated) })

	default:
		s.ignoredFrames.Add(1)
		if msg.Error != "" {
			s.logger.Warn("Transcription service reported an error", slog.String("error", msg.Error))
			return
		}
		s.logger.Debug("Ignoring unknown transcription message", slog.String("type", msg.Type))
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StopRequested reports whether the session has been asked to stop or has failed
func (s *Session) StopRequested() bool {
	return s.stopRequested.Load()
}

// GetStats returns current session statistics
func (s *Session) GetStats() SessionStats {
	s.mu.Lock()
	state := s.state
	remoteID := s.remoteID
	s.mu.Unlock()

	return SessionStats{
		MeetingID:     s.meetingID,
		RemoteID:      remoteID,
		State:         state.String(),
		FramesSent:    s.framesSent.Load(),
		BytesSent:     s.bytesSent.Load(),
		PartialTurns:  s.partialTurns.Load(),
		FinalTurns:    s.finalTurns.Load(),
		IgnoredFrames: s.ignoredFrames.Load(),
		DroppedEvents: s.droppedEvents.Load(),
		StopRequested: s.stopRequested.Load(),
	}
}
