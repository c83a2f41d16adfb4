package speaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrInvalidRole is returned when a role outside the known set is assigned
var ErrInvalidRole = errors.New("invalid role")

// Role is the conversational role of a speaker
type Role string

const (
	Unassigned Role = "unassigned"
	RoleA      Role = "role_a"
	RoleB      Role = "role_b"
)

// ParseRole converts a wire value into a Role
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case Unassigned, RoleA, RoleB:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Labels maps the two active roles to display names
type Labels struct {
	RoleA string `yaml:"role_a" json:"role_a"`
	RoleB string `yaml:"role_b" json:"role_b"`
}

// DefaultLabels returns the consulting-call labels
func DefaultLabels() Labels {
	return Labels{RoleA: "Consultant", RoleB: "Client"}
}

// Speaker holds per-speaker attribution state
type Speaker struct {
	Role        Role
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	PacketCount uint64
}

// SpeakerInfo is an immutable view of a speaker
type SpeakerInfo struct {
	SpeakerID   int       `json:"speaker_id"`
	Role        Role      `json:"role"`
	Label       string    `json:"label"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	PacketCount uint64    `json:"packet_count"`
}

// Tracker maps media speaker ids to roles for one meeting
type Tracker struct {
	labels   Labels
	speakers map[int]*Speaker
	order    int // number of auto-assignments handed out
	current  int
	hasCurr  bool
	now      func() time.Time
	mu       sync.Mutex
}

// NewTracker creates an empty tracker; zero-value labels fall back to defaults
func NewTracker(labels Labels) *Tracker {
	defaults := DefaultLabels()
	if labels.RoleA == "" {
		labels.RoleA = defaults.RoleA
	}
	if labels.RoleB == "" {
		labels.RoleB = defaults.RoleB
	}

	return &Tracker{
		labels:   labels,
		speakers: make(map[int]*Speaker),
		now:      time.Now,
	}
}

// Observe records audio from speakerID and returns its display label.
// A new speaker is auto-assigned RoleA, then RoleB, then left Unassigned.
func (t *Tracker) Observe(speakerID int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s, ok := t.speakers[speakerID]
	if !ok {
		s = &Speaker{Role: t.nextAutoRole(), FirstSeenAt: now}
		t.speakers[speakerID] = s
	}
	s.LastSeenAt = now
	s.PacketCount++

	t.current = speakerID
	t.hasCurr = true

	return t.labelFor(speakerID, s.Role)
}

// nextAutoRole must be called with t.mu held
func (t *Tracker) nextAutoRole() Role {
	t.order++
	switch t.order {
	case 1:
		return RoleA
	case 2:
		return RoleB
	default:
		return Unassigned
	}
}

// Assign sets the role for speakerID, registering it if unseen
func (t *Tracker) Assign(speakerID int, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.speakers[speakerID]
	if !ok {
		now := t.now()
		s = &Speaker{FirstSeenAt: now, LastSeenAt: now}
		t.speakers[speakerID] = s
	}
	s.Role = role

	return nil
}

// Current returns the most recently observed speaker
func (t *Tracker) Current() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.hasCurr
}

// CurrentRole returns the role and label of the most recent speaker.
// The label is empty when nobody has spoken yet.
func (t *Tracker) CurrentRole() (int, Role, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasCurr {
		return 0, Unassigned, ""
	}
	s := t.speakers[t.current]
	return t.current, s.Role, t.labelFor(t.current, s.Role)
}

// Label returns the display label for speakerID
func (t *Tracker) Label(speakerID int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	role := Unassigned
	if s, ok := t.speakers[speakerID]; ok {
		role = s.Role
	}
	return t.labelFor(speakerID, role)
}

// labelFor must be called with t.mu held
func (t *Tracker) labelFor(speakerID int, role Role) string {
	switch role {
	case RoleA:
		return t.labels.RoleA
	case RoleB:
		return t.labels.RoleB
	default:
		return fmt.Sprintf("Speaker %d", speakerID)
	}
}

// Snapshot returns a copy of every known speaker ordered by first appearance
func (t *Tracker) Snapshot() []SpeakerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]SpeakerInfo, 0, len(t.speakers))
	for id, s := range t.speakers {
		infos = append(infos, SpeakerInfo{
			SpeakerID:   id,
			Role:        s.Role,
			Label:       t.labelFor(id, s.Role),
			FirstSeenAt: s.FirstSeenAt,
			LastSeenAt:  s.LastSeenAt,
			PacketCount: s.PacketCount,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].FirstSeenAt.Equal(infos[j].FirstSeenAt) {
			return infos[i].SpeakerID < infos[j].SpeakerID
		}
		return infos[i].FirstSeenAt.Before(infos[j].FirstSeenAt)
	})

	return infos
}

// Restore reinstates previously persisted speakers, used after a crash
func (t *Tracker) Restore(infos []SpeakerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, info := range infos {
		t.speakers[info.SpeakerID] = &Speaker{
			Role:        info.Role,
			FirstSeenAt: info.FirstSeenAt,
			LastSeenAt:  info.LastSeenAt,
			PacketCount: info.PacketCount,
		}
	}
	t.order = len(t.speakers)
}
