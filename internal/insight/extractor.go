package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/meeting-insight-service/internal/metrics"
)

// ErrEmptyTurn is returned for a transcript turn without text
var ErrEmptyTurn = errors.New("empty transcript turn")

// Turn is one finalized transcript turn attributed to a speaker
type Turn struct {
	Text      string    `json:"text"`
	Role      string    `json:"role,omitempty"` // display label, empty when unattributed
	SpeakerID int       `json:"speaker_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Config controls a per-meeting extractor
type Config struct {
	Framework         string
	RoleALabel        string
	RoleBLabel        string
	MaxToolRounds     int
	RequestTimeout    time.Duration
	MaxRetries        int // retries after a tool pairing error
	MaxContextEntries int
	ResetKeepTurns    int // user turns kept when the context is reset
}

// DefaultConfig returns the default extractor configuration
func DefaultConfig() Config {
	return Config{
		Framework:         "faint",
		RoleALabel:        "Consultant",
		RoleBLabel:        "Client",
		MaxToolRounds:     10,
		RequestTimeout:    30 * time.Second,
		MaxRetries:        1,
		MaxContextEntries: 40,
		ResetKeepTurns:    3,
	}
}

// Checkpoint is the state persisted after every processed turn
type Checkpoint struct {
	SessionID    string
	Record       *Record
	Conversation *Conversation
	Timestamp    time.Time
}

// Persister stores extractor checkpoints
type Persister interface {
	Persist(ctx context.Context, cp Checkpoint) error
}

// ExtractorStats represents extractor statistics
type ExtractorStats struct {
	TurnsProcessed    uint64    `json:"turns_processed"`
	TurnsDropped      uint64    `json:"turns_dropped"`
	ToolCallsApplied  uint64    `json:"tool_calls_applied"`
	ToolCallsRejected uint64    `json:"tool_calls_rejected"`
	ContextResets     uint64    `json:"context_resets"`
	PersistFailures   uint64    `json:"persist_failures"`
	ContextEntries    int       `json:"context_entries"`
	LastError         string    `json:"last_error,omitempty"`
	LastTurnAt        time.Time `json:"last_turn_at,omitempty"`
}

// Extractor converts transcript turns into record mutations for one meeting.
// Turns are processed strictly one at a time; readers of Record never block
// and never observe a partially applied turn.
type Extractor struct {
	sessionID string
	config    Config
	framework Framework
	system    string
	tools     []ToolDeclaration
	model     Model
	persister Persister
	metrics   *metrics.Metrics
	logger    *slog.Logger

	record atomic.Pointer[Record]

	mu   sync.Mutex // serializes turns and guards conv
	conv *Conversation

	stats   ExtractorStats
	statsMu sync.Mutex
}

// NewExtractor creates an extractor with an empty record.
// persister and m may be nil.
func NewExtractor(sessionID string, config Config, model Model, persister Persister, m *metrics.Metrics, logger *slog.Logger) (*Extractor, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	fw, err := LookupFramework(config.Framework)
	if err != nil {
		return nil, err
	}
	if config.MaxToolRounds <= 0 {
		return nil, fmt.Errorf("max tool rounds must be positive, got %d", config.MaxToolRounds)
	}
	if config.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive, got %s", config.RequestTimeout)
	}
	if config.ResetKeepTurns <= 0 {
		config.ResetKeepTurns = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Extractor{
		sessionID: sessionID,
		config:    config,
		framework: fw,
		system:    SystemPrompt(fw, config.RoleALabel, config.RoleBLabel),
		tools:     Declarations(fw),
		model:     model,
		persister: persister,
		metrics:   m,
		logger:    logger.With(slog.String("session_id", sessionID)),
		conv:      NewConversation(config.MaxContextEntries),
	}
	e.record.Store(NewRecord(fw))

	return e, nil
}

// Restore replaces the record and conversation with recovered state.
// A nil conversation starts an empty one.
func (e *Extractor) Restore(rec *Record, conv *Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec != nil {
		restored := rec.Clone()
		restored.normalize(e.framework)
		e.record.Store(restored)
	}
	if conv != nil {
		e.conv = conv.Clone()
		e.conv.SetMaxEntries(e.config.MaxContextEntries)

		e.statsMu.Lock()
		e.stats.ContextEntries = e.conv.Len()
		e.statsMu.Unlock()
	}
}

// Record returns the latest published record. It must not be modified.
func (e *Extractor) Record() *Record {
	return e.record.Load()
}

// Conversation returns a copy of the conversation log
func (e *Extractor) Conversation() *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone()
}

// Framework returns the qualification framework in use
func (e *Extractor) Framework() Framework {
	return e.framework
}

// ProcessTurn runs one extraction cycle for turn.
// On failure the record is left unchanged and only the user entry is kept.
func (e *Extractor) ProcessTurn(ctx context.Context, turn Turn) error {
	if strings.TrimSpace(turn.Text) == "" {
		return ErrEmptyTurn
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	user := EntryUser{Text: FormatTurn(turn)}
	base := e.conv

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		working := base.Clone()
		working.Append(user)

		rec, applied, rejected, err := e.runTurn(ctx, working)
		if err == nil {
			e.conv = working
			e.record.Store(rec)

			e.statsMu.Lock()
			e.stats.TurnsProcessed++
			e.stats.ToolCallsApplied += applied
			e.stats.ToolCallsRejected += rejected
			e.stats.ContextEntries = e.conv.Len()
			e.stats.LastTurnAt = time.Now()
			e.statsMu.Unlock()

			e.metrics.RecordTurn("applied")
			e.persist(ctx)
			return nil
		}

		lastErr = err
		var pairing *ToolPairingError
		if !errors.As(err, &pairing) || attempt == e.config.MaxRetries {
			break
		}

		e.logger.Warn("Tool pairing rejected, resetting conversation",
			slog.Int("keep_turns", e.config.ResetKeepTurns),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		base = base.Clone()
		base.ResetToLastUsers(e.config.ResetKeepTurns)

		e.statsMu.Lock()
		e.stats.ContextResets++
		e.statsMu.Unlock()
		e.metrics.RecordContextReset()
	}

	e.conv = base.Clone()
	e.conv.Append(user)

	e.statsMu.Lock()
	e.stats.TurnsDropped++
	e.stats.LastError = lastErr.Error()
	e.stats.ContextEntries = e.conv.Len()
	e.stats.LastTurnAt = time.Now()
	e.statsMu.Unlock()

	e.metrics.RecordTurn("dropped")
	e.logger.Error("Extraction failed, turn dropped",
		slog.Int("speaker_id", turn.SpeakerID),
		slog.String("error", lastErr.Error()),
	)
	e.persist(ctx)

	return fmt.Errorf("extraction failed: %w", lastErr)
}

// runTurn drives the tool loop against a working copy of the record
func (e *Extractor) runTurn(ctx context.Context, working *Conversation) (*Record, uint64, uint64, error) {
	rec := e.record.Load().Clone()
	var applied, rejected uint64

	for rounds := 0; ; {
		resp, err := e.complete(ctx, working)
		if err != nil {
			return nil, 0, 0, err
		}

		if len(resp.ToolCalls) == 0 {
			if text := strings.TrimSpace(resp.Text); text != "" {
				working.Append(EntryAssistant{Text: text})
			}
			return rec, applied, rejected, nil
		}

		exchange := EntryExchange{
			Text:    resp.Text,
			Calls:   make([]ToolCall, 0, len(resp.ToolCalls)),
			Results: make([]ToolResult, 0, len(resp.ToolCalls)),
		}
		for _, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			result := e.applyCall(rec, call)
			if result.IsError {
				rejected++
			} else {
				applied++
			}
			exchange.Calls = append(exchange.Calls, call)
			exchange.Results = append(exchange.Results, result)
		}
		working.Append(exchange)

		rounds++
		if rounds >= e.config.MaxToolRounds {
			e.logger.Warn("Tool round limit reached", slog.Int("rounds", rounds))
			return rec, applied, rejected, nil
		}
	}
}

func (e *Extractor) applyCall(rec *Record, call ToolCall) ToolResult {
	mutation, err := DecodeToolCall(call, e.framework)
	if err != nil {
		e.metrics.RecordToolCall(call.Name, "rejected")
		e.logger.Warn("Rejected tool call",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return ToolResult{CallID: call.ID, Content: "Error: " + err.Error(), IsError: true}
	}

	ack := mutation.Apply(rec, e.framework)
	e.metrics.RecordToolCall(mutation.Tool(), "applied")
	e.logger.Debug("Applied tool call",
		slog.String("tool", mutation.Tool()),
		slog.String("result", ack),
	)
	return ToolResult{CallID: call.ID, Content: ack}
}

func (e *Extractor) complete(ctx context.Context, working *Conversation) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	resp, err := e.model.Complete(callCtx, Request{
		System:   e.system,
		Messages: working.Messages(),
		Tools:    e.tools,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("model returned no response")
	}
	return resp, nil
}

// persist must be called with e.mu held
func (e *Extractor) persist(ctx context.Context) {
	if e.persister == nil {
		return
	}

	cp := Checkpoint{
		SessionID:    e.sessionID,
		Record:       e.record.Load(),
		Conversation: e.conv.Clone(),
		Timestamp:    time.Now(),
	}
	if err := e.persister.Persist(context.WithoutCancel(ctx), cp); err != nil {
		e.statsMu.Lock()
		e.stats.PersistFailures++
		e.statsMu.Unlock()

		e.metrics.RecordPersistFailure()
		e.logger.Warn("Failed to persist session state", slog.String("error", err.Error()))
	}
}

// GetStats returns current extractor statistics
func (e *Extractor) GetStats() ExtractorStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}
