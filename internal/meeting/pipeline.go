package meeting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/meeting-insight-service/internal/audio"
	"github.com/skypro1111/meeting-insight-service/internal/insight"
	"github.com/skypro1111/meeting-insight-service/internal/metrics"
	"github.com/skypro1111/meeting-insight-service/internal/speaker"
	"github.com/skypro1111/meeting-insight-service/internal/store"
	"github.com/skypro1111/meeting-insight-service/internal/transcription"
	"github.com/skypro1111/meeting-insight-service/internal/vad"
)

// Phase is the orchestrator-side lifecycle of a meeting
type Phase int

const (
	PhaseNone Phase = iota
	PhaseStarting
	PhaseActive
	PhaseStopping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// LifecycleStatus maps the phase to the status shown on the dashboard
func (p Phase) LifecycleStatus() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "ending"
	case PhaseStopped:
		return "closed"
	default:
		return "idle"
	}
}

// Pipeline is the set of components bound to one meeting
type Pipeline struct {
	key       string // registry key, the sanitized meeting id
	sessionID string // storage id, differs from key when a finished meeting restarts
	meetingID string
	streamID  string

	rebuffer  *audio.Rebuffer
	stt       *transcription.Session
	tracker   *speaker.Tracker
	activity  *vad.Meter
	extractor *insight.Extractor
	recorder  *audio.WAVRecorder
	store     SessionStore
	metrics   *metrics.Metrics
	logger    *slog.Logger

	phase        Phase
	startedAt    time.Time
	endedAt      time.Time
	lastActivity time.Time
	transcript   []insight.Turn
	partial      string
	recentTurns  int
	mu           sync.RWMutex

	ctx       context.Context // extraction context, canceled only when draining times out
	cancel    context.CancelFunc
	loopDone  chan struct{}
	stopped   chan struct{}
	onFailure func(p *Pipeline)
}

// sessionSink forwards rebuffered frames to the transcription session
type sessionSink struct {
	session *transcription.Session
	metrics *metrics.Metrics
}

func (s *sessionSink) SendFrame(frame []byte) error {
	err := s.session.SendFrame(frame)
	s.metrics.RecordFrame(err == nil)
	return err
}

// PipelineStats aggregates component statistics
type PipelineStats struct {
	Rebuffer      audio.RebufferStats        `json:"rebuffer"`
	Transcription transcription.SessionStats `json:"transcription"`
	Extraction    insight.ExtractorStats     `json:"extraction"`
	Voice         vad.MeterStats             `json:"voice"`
	RecordedBytes uint32                     `json:"recorded_bytes,omitempty"`
}

// Snapshot is an immutable view of a meeting for the dashboard
type Snapshot struct {
	SessionID             string                `json:"sessionId"`
	MeetingID             string                `json:"meetingId"`
	StreamID              string                `json:"streamId,omitempty"`
	SessionRecord         *insight.Record       `json:"sessionRecord"`
	SpeakerMap            []speaker.SpeakerInfo `json:"speakerMap"`
	TalkTime              []vad.SpeakerActivity `json:"talkTime,omitempty"`
	RecentTranscriptTurns []insight.Turn        `json:"recentTranscriptTurns"`
	PartialTranscript     string                `json:"partialTranscript"`
	LifecycleStatus       string                `json:"lifecycleStatus"`
	StartedAt             time.Time             `json:"startedAt"`
	EndedAt               *time.Time            `json:"endedAt,omitempty"`
	Stats                 *PipelineStats        `json:"stats,omitempty"`
}

// HandleAudio routes one raw packet into the rebuffer
func (p *Pipeline) HandleAudio(speakerID int, data []byte) error {
	if len(data) == 0 {
		return audio.ErrEmptyFrame
	}

	p.mu.Lock()
	if p.phase != PhaseActive {
		phase := p.phase
		p.mu.Unlock()
		return fmt.Errorf("%w: meeting is %s", ErrMeetingNotActive, phase)
	}
	p.lastActivity = time.Now()
	p.mu.Unlock()

	p.tracker.Observe(speakerID)
	p.activity.Process(speakerID, data)
	p.metrics.RecordAudioBytes(len(data))
	return p.rebuffer.Push(data, speakerID)
}

// run consumes transcription events until the session closes its channel
func (p *Pipeline) run() {
	defer close(p.loopDone)

	for ev := range p.stt.Events() {
		p.touch()

		switch ev.Type {
		case transcription.EventSessionBegan:
			p.logger.Info("Transcription session began",
				slog.String("remote_id", ev.RemoteID),
				slog.Time("expires_at", ev.ExpiresAt),
			)

		case transcription.EventPartialTurn:
			p.mu.Lock()
			p.partial = ev.Text
			p.mu.Unlock()

		case transcription.EventFinalTurn:
			p.handleFinalTurn(ev)

		case transcription.EventSessionTerminated:
			p.logger.Info("Transcription session terminated",
				slog.Float64("audio_duration_sec", ev.AudioDurationSec),
				slog.Float64("session_duration_sec", ev.SessionDurationSec),
			)

		case transcription.EventFailed:
			p.rebuffer.StopForwarding()
			p.logger.Error("Transcription failed, tearing down meeting", slog.String("error", ev.Err.Error()))
		}
	}

	// The session ended without a Stop: failure or remote close
	if p.Phase() == PhaseActive && p.onFailure != nil {
		// Teardown waits for this loop, so it runs on its own goroutine
		go p.onFailure(p)
	}
}

func (p *Pipeline) handleFinalTurn(ev transcription.Event) {
	p.mu.Lock()
	p.partial = ""
	p.mu.Unlock()

	if ev.Text == "" {
		return
	}

	speakerID, _, label := p.tracker.CurrentRole()
	turn := insight.Turn{
		Text:      ev.Text,
		Role:      label,
		SpeakerID: speakerID,
		Timestamp: ev.ReceivedAt,
	}

	p.mu.Lock()
	p.transcript = append(p.transcript, turn)
	p.mu.Unlock()

	// Stop gave up on extraction; the turn is kept in the transcript only
	if p.ctx.Err() != nil {
		return
	}

	if err := p.extractor.ProcessTurn(p.ctx, turn); err != nil {
		p.logger.Warn("Turn not applied to session record",
			slog.Int("speaker_id", speakerID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// Persist implements insight.Persister by saving the full session state
func (p *Pipeline) Persist(_ context.Context, cp insight.Checkpoint) error {
	p.mu.RLock()
	state := &store.SessionState{
		SessionID:           p.sessionID,
		MeetingID:           p.meetingID,
		StreamID:            p.streamID,
		StartedAt:           p.startedAt,
		ConversationHistory: cp.Conversation,
		SessionRecord:       cp.Record,
		Transcript:          append([]insight.Turn(nil), p.transcript...),
		Timestamp:           cp.Timestamp,
	}
	p.mu.RUnlock()

	state.Speakers = p.tracker.Snapshot()
	return p.store.Save(p.sessionID, state)
}

// restore reinstates state recovered from an unfinished session file
func (p *Pipeline) restore(state *store.SessionState) {
	p.extractor.Restore(state.SessionRecord, state.ConversationHistory)
	p.tracker.Restore(state.Speakers)

	p.mu.Lock()
	p.transcript = append([]insight.Turn(nil), state.Transcript...)
	if !state.StartedAt.IsZero() {
		p.startedAt = state.StartedAt
	}
	p.mu.Unlock()
}

// Phase returns the current lifecycle phase
func (p *Pipeline) Phase() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

func (p *Pipeline) setPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

func (p *Pipeline) idleSince() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActivity
}

// Snapshot returns a copy of the dashboard-visible state
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.RLock()
	n := len(p.transcript)
	from := 0
	if p.recentTurns > 0 && n > p.recentTurns {
		from = n - p.recentTurns
	}
	snap := Snapshot{
		SessionID:             p.sessionID,
		MeetingID:             p.meetingID,
		StreamID:              p.streamID,
		RecentTranscriptTurns: append([]insight.Turn{}, p.transcript[from:]...),
		PartialTranscript:     p.partial,
		LifecycleStatus:       p.phase.LifecycleStatus(),
		StartedAt:             p.startedAt,
		SpeakerMap:            []speaker.SpeakerInfo{},
	}
	if !p.endedAt.IsZero() {
		ended := p.endedAt
		snap.EndedAt = &ended
	}
	starting := p.phase == PhaseStarting
	p.mu.RUnlock()

	// Components are still being built
	if starting {
		return snap
	}

	snap.SessionRecord = p.extractor.Record()
	snap.SpeakerMap = p.tracker.Snapshot()
	snap.TalkTime = p.activity.Activity()

	stats := p.Stats()
	snap.Stats = &stats
	return snap
}

// Stats returns component statistics; zero values for components not built yet
func (p *Pipeline) Stats() PipelineStats {
	var stats PipelineStats
	if p.rebuffer != nil {
		stats.Rebuffer = p.rebuffer.GetStats()
	}
	if p.stt != nil {
		stats.Transcription = p.stt.GetStats()
	}
	if p.extractor != nil {
		stats.Extraction = p.extractor.GetStats()
	}
	if p.activity != nil {
		stats.Voice = p.activity.GetStats()
	}
	if p.recorder != nil {
		stats.RecordedBytes = p.recorder.DataSize()
	}
	return stats
}

// fullTranscript returns every final turn seen so far
func (p *Pipeline) fullTranscript() []insight.Turn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]insight.Turn{}, p.transcript...)
}
