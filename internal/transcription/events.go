package transcription

import "time"

// EventType identifies a transcription event
type EventType int

const (
	EventSessionBegan EventType = iota + 1
	EventPartialTurn
	EventFinalTurn
	EventSessionTerminated
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventSessionBegan:
		return "session_began"
	case EventPartialTurn:
		return "partial_turn"
	case EventFinalTurn:
		return "final_turn"
	case EventSessionTerminated:
		return "session_terminated"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a transport-neutral transcription event.
// Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// SessionBegan
	RemoteID  string
	ExpiresAt time.Time

	// PartialTurn and FinalTurn
	Text      string
	TurnOrder int

	// SessionTerminated
	AudioDurationSec   float64
	SessionDurationSec float64

	// Failed
	Err error

	ReceivedAt time.Time
}
