package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/meeting-insight-service/internal/insight"
	"github.com/skypro1111/meeting-insight-service/internal/speaker"
	"github.com/skypro1111/meeting-insight-service/internal/vad"
)

var (
	// ErrNotFound is returned when no document exists for a session
	ErrNotFound = errors.New("not found")
	// ErrAlreadyFinalized is returned when a final report already exists
	ErrAlreadyFinalized = errors.New("session already finalized")
	// ErrInvalidID is returned for ids that are not safe file names
	ErrInvalidID = errors.New("invalid session id")
)

const (
	sessionsDir   = "sessions"
	reportsDir    = "reports"
	recordingsDir = "recordings"
)

// SessionState is the recoverable state of an active meeting
type SessionState struct {
	SessionID           string                `json:"session_id"`
	MeetingID           string                `json:"meeting_id,omitempty"`
	StreamID            string                `json:"stream_id,omitempty"`
	StartedAt           time.Time             `json:"started_at"`
	ConversationHistory *insight.Conversation `json:"conversationHistory"`
	SessionRecord       *insight.Record       `json:"sessionRecord"`
	Speakers            []speaker.SpeakerInfo `json:"speakers,omitempty"`
	Transcript          []insight.Turn        `json:"transcript,omitempty"`
	Timestamp           time.Time             `json:"timestamp"`
}

// FinalReport is the immutable outcome of a finished meeting
type FinalReport struct {
	SessionID     string                `json:"session_id"`
	MeetingID     string                `json:"meeting_id,omitempty"`
	StreamID      string                `json:"stream_id,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       time.Time             `json:"ended_at"`
	FinalizedAt   time.Time             `json:"finalized_at"`
	SessionRecord *insight.Record       `json:"sessionRecord"`
	Speakers      []speaker.SpeakerInfo `json:"speakers"`
	TalkTime      []vad.SpeakerActivity `json:"talkTime,omitempty"`
	Transcript    []insight.Turn        `json:"transcript"`
	Recording     string                `json:"recording,omitempty"`
}

// ReportSummary is a listing row for a final report
type ReportSummary struct {
	SessionID     string    `json:"session_id"`
	MeetingID     string    `json:"meeting_id,omitempty"`
	FinalizedAt   time.Time `json:"finalized_at"`
	Turns         int       `json:"turns"`
	SummaryPoints int       `json:"summary_points"`
	Speakers      int       `json:"speakers"`
}

// Summary returns the listing row for r
func (r *FinalReport) Summary() ReportSummary {
	points := 0
	if r.SessionRecord != nil {
		points = len(r.SessionRecord.Summary)
	}
	return ReportSummary{
		SessionID:     r.SessionID,
		MeetingID:     r.MeetingID,
		FinalizedAt:   r.FinalizedAt,
		Turns:         len(r.Transcript),
		SummaryPoints: points,
		Speakers:      len(r.Speakers),
	}
}

// FileStore persists session state and reports as JSON files
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// NewFileStore creates the directory layout under dir
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}
	for _, sub := range []string{sessionsDir, reportsDir, recordingsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FileStore{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}, nil
}

// ValidID reports whether id only contains [A-Za-z0-9_-]
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func (s *FileStore) path(sub, id, ext string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, sub, id+ext), nil
}

// Dir returns the storage root
func (s *FileStore) Dir() string {
	return s.dir
}

// RecordingPath returns where the meeting audio for id is written
func (s *FileStore) RecordingPath(id string) (string, error) {
	return s.path(recordingsDir, id, ".wav")
}

// Load reads the session state for id
func (s *FileStore) Load(id string) (*SessionState, error) {
	path, err := s.path(sessionsDir, id, ".json")
	if err != nil {
		return nil, err
	}

	var state SessionState
	if err := readJSON(path, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Save overwrites the session state for id atomically
func (s *FileStore) Save(id string, state *SessionState) error {
	if state == nil {
		return fmt.Errorf("session state cannot be nil")
	}
	path, err := s.path(sessionsDir, id, ".json")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSONAtomic(path, state); err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}
	return nil
}

// Finalize writes the final report for id once. The session file is removed
// afterwards so a later start does not recover finished state.
func (s *FileStore) Finalize(id string, report FinalReport) (*FinalReport, error) {
	path, err := s.path(reportsDir, id, ".json")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to check report %s: %w", id, err)
	}

	report.SessionID = id
	if report.FinalizedAt.IsZero() {
		report.FinalizedAt = s.now().UTC()
	}
	if report.SessionRecord != nil {
		report.SessionRecord = report.SessionRecord.Clone()
	}
	if report.Speakers == nil {
		report.Speakers = []speaker.SpeakerInfo{}
	}
	if report.Transcript == nil {
		report.Transcript = []insight.Turn{}
	}

	if err := writeJSONAtomic(path, &report); err != nil {
		return nil, fmt.Errorf("failed to write report %s: %w", id, err)
	}

	sessionPath := filepath.Join(s.dir, sessionsDir, id+".json")
	if err := os.Remove(sessionPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to remove session file after finalize",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}

	return &report, nil
}

// LoadReport reads the final report for id
func (s *FileStore) LoadReport(id string) (*FinalReport, error) {
	path, err := s.path(reportsDir, id, ".json")
	if err != nil {
		return nil, err
	}

	var report FinalReport
	if err := readJSON(path, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// IsFinalized reports whether a final report exists for id
func (s *FileStore) IsFinalized(id string) bool {
	path, err := s.path(reportsDir, id, ".json")
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ListReports returns all final reports, newest first
func (s *FileStore) ListReports() ([]FinalReport, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, reportsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}

	reports := make([]FinalReport, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		report, err := s.LoadReport(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("Skipping unreadable report",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		reports = append(reports, *report)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].FinalizedAt.After(reports[j].FinalizedAt)
	})
	return reports, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic writes to a temp file in the same directory and renames it
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		// Clean up temp file if rename fails
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
