package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
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

var (
	// ErrInvalidMeetingID is returned for an id that sanitizes to nothing
	ErrInvalidMeetingID = errors.New("invalid meeting id")
	// ErrAlreadyActive is returned when starting a meeting that is running
	ErrAlreadyActive = errors.New("meeting already active")
	// ErrUnknownMeeting is returned for a meeting that is not registered
	ErrUnknownMeeting = errors.New("unknown meeting")
	// ErrMeetingNotActive is returned when a meeting is starting or stopping
	ErrMeetingNotActive = errors.New("meeting not active")
	// ErrTooManyMeetings is returned when the concurrent meeting limit is reached
	ErrTooManyMeetings = errors.New("too many active meetings")
)

// keep at most this many ended meetings visible on the dashboard
const maxEndedSnapshots = 100

// SessionStore persists session state and final reports
type SessionStore interface {
	Load(id string) (*store.SessionState, error)
	Save(id string, state *store.SessionState) error
	Finalize(id string, report store.FinalReport) (*store.FinalReport, error)
	IsFinalized(id string) bool
	RecordingPath(id string) (string, error)
}

// ReportIndexer records finalized reports for listing
type ReportIndexer interface {
	Upsert(ctx context.Context, r store.ReportSummary) error
}

// StartRequest describes a meeting stream that became available
type StartRequest struct {
	MeetingID  string
	StreamID   string
	ServerURLs string
}

// Config contains per-meeting component configuration
type Config struct {
	Rebuffer      audio.RebufferConfig
	Transcription transcription.Config
	Extraction    insight.Config
	Labels        speaker.Labels
	Voice         vad.Config // sample rate and channels default to the rebuffer's
	MaxMeetings   int
	RecentTurns   int
	Recording     bool
	IdleTimeout   time.Duration // 0 disables the idle reaper
	StopTimeout   time.Duration // bound for teardown started by failures and the reaper
}

// Dependencies are the collaborators shared by every meeting
type Dependencies struct {
	Model   insight.Model
	Dialer  transcription.Dialer
	Store   SessionStore
	Index   ReportIndexer // optional
	Media   MediaConnector
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager owns the registry of active meetings
type Manager struct {
	config Config
	deps   Dependencies
	logger *slog.Logger

	active     map[string]*Pipeline
	ended      map[string]Snapshot
	endedOrder []string
	mu         sync.RWMutex

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a manager and starts the idle reaper when configured
func NewManager(config Config, deps Dependencies) (*Manager, error) {
	if deps.Model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := config.Rebuffer.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rebuffer config: %w", err)
	}
	if config.Voice.SampleRate == 0 {
		config.Voice.SampleRate = config.Rebuffer.SampleRate
	}
	if config.Voice.Channels == 0 {
		config.Voice.Channels = config.Rebuffer.Channels
	}
	if _, err := vad.NewMeter(config.Voice); err != nil {
		return nil, fmt.Errorf("invalid voice config: %w", err)
	}
	if _, err := insight.LookupFramework(config.Extraction.Framework); err != nil {
		return nil, err
	}
	defaults := speaker.DefaultLabels()
	if config.Labels.RoleA == "" {
		config.Labels.RoleA = defaults.RoleA
	}
	if config.Labels.RoleB == "" {
		config.Labels.RoleB = defaults.RoleB
	}
	if config.MaxMeetings <= 0 {
		config.MaxMeetings = 100
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 30 * time.Second
	}
	if deps.Media == nil {
		deps.Media = NopConnector{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:  config,
		deps:    deps,
		logger:  deps.Logger,
		active:  make(map[string]*Pipeline),
		ended:   make(map[string]Snapshot),
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	if config.IdleTimeout > 0 {
		go m.startCleanupRoutine()
	} else {
		close(m.cleanup)
	}

	return m, nil
}

// Start builds and starts the pipeline for a meeting
func (m *Manager) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	key := SanitizeID(req.MeetingID)
	if key == "" {
		return Snapshot{}, ErrInvalidMeetingID
	}

	now := time.Now()
	sessionID := m.storageID(key)
	p := &Pipeline{
		key:          key,
		sessionID:    sessionID,
		meetingID:    req.MeetingID,
		streamID:     req.StreamID,
		store:        m.deps.Store,
		metrics:      m.deps.Metrics,
		logger:       m.logger.With(slog.String("session_id", sessionID)),
		phase:        PhaseStarting,
		startedAt:    now,
		lastActivity: now,
		recentTurns:  m.config.RecentTurns,
		loopDone:     make(chan struct{}),
		stopped:      make(chan struct{}),
		onFailure:    m.handleFailure,
	}

	m.mu.Lock()
	if _, exists := m.active[key]; exists {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrAlreadyActive, key)
	}
	if len(m.active) >= m.config.MaxMeetings {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: limit %d", ErrTooManyMeetings, m.config.MaxMeetings)
	}
	m.active[key] = p // reserve the key while components are built
	m.mu.Unlock()

	if err := m.build(ctx, p, req); err != nil {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		return Snapshot{}, err
	}

	p.setPhase(PhaseActive)
	go p.run()

	m.deps.Metrics.RecordMeetingStarted()
	m.deps.Metrics.SetActiveMeetings(m.ActiveCount())

	p.logger.Info("Meeting started",
		slog.String("meeting_id", req.MeetingID),
		slog.String("stream_id", req.StreamID),
		slog.Int("restored_turns", len(p.fullTranscript())),
	)

	return p.Snapshot(), nil
}

// build creates the components, restores state and opens the transport
func (m *Manager) build(ctx context.Context, p *Pipeline, req StartRequest) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	fail := func(stage string, err error) error {
		p.cancel()
		m.deps.Metrics.RecordMeetingFailure(stage)
		p.logger.Error("Failed to start meeting",
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to start meeting %s (%s): %w", p.key, stage, err)
	}

	stt, err := transcription.NewSession(p.sessionID, m.config.Transcription, m.deps.Dialer, m.deps.Metrics, m.logger)
	if err != nil {
		return fail("transcription", err)
	}
	p.stt = stt

	p.rebuffer, err = audio.NewRebuffer(m.config.Rebuffer, &sessionSink{session: stt, metrics: m.deps.Metrics}, p.logger)
	if err != nil {
		return fail("rebuffer", err)
	}

	p.tracker = speaker.NewTracker(m.config.Labels)

	p.activity, err = vad.NewMeter(m.config.Voice)
	if err != nil {
		return fail("voice meter", err)
	}

	extraction := m.config.Extraction
	extraction.RoleALabel = m.config.Labels.RoleA
	extraction.RoleBLabel = m.config.Labels.RoleB
	p.extractor, err = insight.NewExtractor(p.sessionID, extraction, m.deps.Model, p, m.deps.Metrics, m.logger)
	if err != nil {
		return fail("extractor", err)
	}

	recovered := false
	state, err := m.deps.Store.Load(p.sessionID)
	switch {
	case err == nil:
		p.restore(state)
		recovered = true
		p.logger.Info("Recovered unfinished session",
			slog.Int("turns", len(state.Transcript)),
			slog.Int("speakers", len(state.Speakers)),
		)
	case errors.Is(err, store.ErrNotFound):
	default:
		p.logger.Warn("Ignoring unreadable session state", slog.String("error", err.Error()))
	}

	if m.config.Recording {
		recID := p.sessionID
		if recovered {
			recID = fmt.Sprintf("%s-%d", p.sessionID, time.Now().Unix())
		}
		if path, err := m.deps.Store.RecordingPath(recID); err != nil {
			p.logger.Warn("Recording disabled", slog.String("error", err.Error()))
		} else if rec, err := audio.NewWAVRecorder(path, m.config.Rebuffer.SampleRate, m.config.Rebuffer.Channels); err != nil {
			p.logger.Warn("Recording disabled", slog.String("error", err.Error()))
		} else {
			p.recorder = rec
			p.rebuffer.SetTap(rec)
		}
	}

	if err := stt.Open(ctx); err != nil {
		p.closeRecorder()
		return fail("transcription", err)
	}

	if err := m.deps.Media.Connect(ctx, p.sessionID, req); err != nil {
		// The event loop never ran, so nothing else reads the channel during Close
		go func() {
			for range stt.Events() {
			}
		}()
		_ = stt.Close()
		p.closeRecorder()
		return fail("media", err)
	}

	return nil
}

// storageID picks the storage id, skipping ids that already have a final report
func (m *Manager) storageID(key string) string {
	id := key
	for i := 2; m.deps.Store.IsFinalized(id); i++ {
		id = fmt.Sprintf("%s-%d", key, i)
	}
	return id
}

// HandleAudio routes a raw audio packet to its meeting
func (m *Manager) HandleAudio(meetingID string, speakerID int, data []byte) error {
	if len(data) == 0 {
		return audio.ErrEmptyFrame
	}

	p, err := m.lookup(meetingID)
	if err != nil {
		return err
	}
	return p.HandleAudio(speakerID, data)
}

// AssignSpeaker overrides the role of a speaker in an active meeting
func (m *Manager) AssignSpeaker(meetingID string, speakerID int, role speaker.Role) error {
	p, err := m.lookup(meetingID)
	if err != nil {
		return err
	}
	if p.Phase() == PhaseStarting {
		return fmt.Errorf("%w: meeting is %s", ErrMeetingNotActive, PhaseStarting)
	}
	if err := p.tracker.Assign(speakerID, role); err != nil {
		return err
	}

	p.logger.Info("Speaker role assigned",
		slog.Int("speaker_id", speakerID),
		slog.String("role", string(role)),
	)
	return nil
}

func (m *Manager) lookup(meetingID string) (*Pipeline, error) {
	key := SanitizeID(meetingID)

	m.mu.RLock()
	p, ok := m.active[key]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMeeting, key)
	}
	return p, nil
}

// Stop tears down a meeting and writes its final report. A concurrent second
// Stop waits for the first one to finish.
func (m *Manager) Stop(ctx context.Context, meetingID string) (*store.FinalReport, error) {
	p, err := m.lookup(meetingID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	switch p.phase {
	case PhaseActive:
		p.phase = PhaseStopping
		p.mu.Unlock()
	case PhaseStopping:
		p.mu.Unlock()
		select {
		case <-p.stopped:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		phase := p.phase
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: meeting is %s", ErrMeetingNotActive, phase)
	}

	return m.teardown(ctx, p)
}

func (m *Manager) teardown(ctx context.Context, p *Pipeline) (*store.FinalReport, error) {
	defer close(p.stopped)

	p.logger.Info("Stopping meeting")

	// Pending extraction is abandoned once the stop deadline passes
	stopAbort := context.AfterFunc(ctx, func() {
		p.logger.Warn("Stop deadline reached, aborting pending extraction")
		p.cancel()
	})
	defer stopAbort()

	p.rebuffer.Flush()
	p.rebuffer.StopForwarding()

	// Bounded by the session's close timeout
	if err := p.stt.Close(); err != nil {
		p.logger.Warn("Error closing transcription session", slog.String("error", err.Error()))
	}

	// Final turns delivered during close are still extracted
	<-p.loopDone
	p.cancel()

	if err := m.deps.Media.Disconnect(ctx, p.sessionID); err != nil {
		p.logger.Warn("Error disconnecting media", slog.String("error", err.Error()))
	}

	endedAt := time.Now()
	p.mu.Lock()
	p.endedAt = endedAt
	startedAt := p.startedAt
	p.mu.Unlock()

	recording := ""
	if p.recorder != nil {
		recording = p.recorder.Path()
	}
	p.closeRecorder()

	report, finalizeErr := m.deps.Store.Finalize(p.sessionID, store.FinalReport{
		MeetingID:     p.meetingID,
		StreamID:      p.streamID,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		SessionRecord: p.extractor.Record(),
		Speakers:      p.tracker.Snapshot(),
		TalkTime:      p.activity.Activity(),
		Transcript:    p.fullTranscript(),
		Recording:     recording,
	})
	if finalizeErr != nil {
		m.deps.Metrics.RecordMeetingFailure("finalize")
		p.logger.Error("Failed to write final report", slog.String("error", finalizeErr.Error()))
		finalizeErr = fmt.Errorf("failed to finalize meeting %s: %w", p.sessionID, finalizeErr)
	} else {
		m.deps.Metrics.RecordReportWritten()
		if m.deps.Index != nil {
			// The report is on disk even when the stop deadline has passed
			if err := m.deps.Index.Upsert(context.WithoutCancel(ctx), report.Summary()); err != nil {
				p.logger.Warn("Failed to index report", slog.String("error", err.Error()))
			}
		}
	}

	p.setPhase(PhaseStopped)
	snap := p.Snapshot()

	m.mu.Lock()
	delete(m.active, p.key)
	m.rememberLocked(p.key, snap)
	count := len(m.active)
	m.mu.Unlock()

	duration := endedAt.Sub(startedAt)
	m.deps.Metrics.RecordMeetingStopped(duration.Seconds())
	m.deps.Metrics.SetActiveMeetings(count)

	stats := p.Stats()
	p.logger.Info("Meeting stopped",
		slog.Duration("duration", duration),
		slog.Int("turns", len(p.fullTranscript())),
		slog.Uint64("frames_emitted", stats.Rebuffer.FramesEmitted),
		slog.Uint64("turns_processed", stats.Extraction.TurnsProcessed),
		slog.Uint64("turns_dropped", stats.Extraction.TurnsDropped),
	)

	return report, finalizeErr
}

// rememberLocked keeps the final snapshot of an ended meeting; m.mu must be held
func (m *Manager) rememberLocked(key string, snap Snapshot) {
	if _, exists := m.ended[key]; !exists {
		m.endedOrder = append(m.endedOrder, key)
	}
	m.ended[key] = snap

	for len(m.endedOrder) > maxEndedSnapshots {
		oldest := m.endedOrder[0]
		m.endedOrder = m.endedOrder[1:]
		delete(m.ended, oldest)
	}
}

// handleFailure tears down a meeting whose transcription transport failed
func (m *Manager) handleFailure(p *Pipeline) {
	m.deps.Metrics.RecordMeetingFailure("transcription")

	ctx, cancel := context.WithTimeout(context.Background(), m.config.StopTimeout)
	defer cancel()

	if _, err := m.Stop(ctx, p.meetingID); err != nil && !errors.Is(err, ErrUnknownMeeting) {
		p.logger.Warn("Teardown after transport failure incomplete", slog.String("error", err.Error()))
	}
}

// StopAll stops every active meeting, best effort
func (m *Manager) StopAll(ctx context.Context) {
	m.logger.Info("Stopping all meetings...")

	m.cancel()
	<-m.cleanup

	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for _, p := range m.active {
		ids = append(ids, p.meetingID)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.Stop(ctx, id); err != nil {
				m.logger.Warn("Error stopping meeting",
					slog.String("meeting_id", id),
					slog.String("error", err.Error()),
				)
			}
		}(id)
	}
	wg.Wait()

	m.logger.Info("All meetings stopped", slog.Int("stopped", len(ids)))
}

// Snapshot returns the current view of a meeting, active or recently ended
func (m *Manager) Snapshot(meetingID string) (Snapshot, error) {
	key := SanitizeID(meetingID)

	m.mu.RLock()
	p, ok := m.active[key]
	snap, ended := m.ended[key]
	m.mu.RUnlock()

	if ok {
		return p.Snapshot(), nil
	}
	if ended {
		return snap, nil
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownMeeting, key)
}

// List returns active meetings followed by recently ended ones, newest first
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	pipelines := make([]*Pipeline, 0, len(m.active))
	for _, p := range m.active {
		pipelines = append(pipelines, p)
	}
	ended := make([]Snapshot, 0, len(m.ended))
	for key, snap := range m.ended {
		if _, stillActive := m.active[key]; !stillActive {
			ended = append(ended, snap)
		}
	}
	m.mu.RUnlock()

	active := make([]Snapshot, 0, len(pipelines))
	for _, p := range pipelines {
		active = append(active, p.Snapshot())
	}

	newestFirst := func(s []Snapshot) {
		sort.Slice(s, func(i, j int) bool { return s[i].StartedAt.After(s[j].StartedAt) })
	}
	newestFirst(active)
	newestFirst(ended)

	return append(active, ended...)
}

// ActiveCount returns the number of registered meetings
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// startCleanupRoutine stops meetings that received nothing for IdleTimeout
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	interval := m.config.IdleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Meeting cleanup routine started",
		slog.Duration("timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Meeting cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleMeetings()
		}
	}
}

func (m *Manager) cleanupIdleMeetings() {
	now := time.Now()
	idle := make([]string, 0)

	m.mu.RLock()
	for _, p := range m.active {
		if p.Phase() == PhaseActive && now.Sub(p.idleSince()) > m.config.IdleTimeout {
			idle = append(idle, p.meetingID)
		}
	}
	m.mu.RUnlock()

	if len(idle) == 0 {
		return
	}

	m.logger.Info("Stopping idle meetings", slog.Int("idle_count", len(idle)))
	for _, id := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.StopTimeout)
		if _, err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("Error stopping idle meeting",
				slog.String("meeting_id", id),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

func (p *Pipeline) closeRecorder() {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Close(); err != nil {
		p.logger.Warn("Failed to close recording", slog.String("error", err.Error()))
	}
}
