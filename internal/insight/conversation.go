package insight

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Entry is one atomic unit of the conversation log.
// Implementations are EntryUser, EntryExchange and EntryAssistant.
type Entry interface {
	messages() []Message
	kind() string
}

// EntryUser is a labeled transcript turn
type EntryUser struct {
	Text string
}

// EntryExchange is one assistant tool-call message with all of its results.
// It is stored and pruned as a unit so a result can never lose its call.
type EntryExchange struct {
	Text    string
	Calls   []ToolCall
	Results []ToolResult
}

// EntryAssistant is a final assistant reply without tool calls
type EntryAssistant struct {
	Text string
}

func (e EntryUser) kind() string      { return "user" }
func (e EntryExchange) kind() string  { return "exchange" }
func (e EntryAssistant) kind() string { return "assistant" }

func (e EntryUser) messages() []Message {
	return []Message{{Role: MessageUser, Content: e.Text}}
}

func (e EntryExchange) messages() []Message {
	msgs := make([]Message, 0, 1+len(e.Results))
	msgs = append(msgs, Message{Role: MessageAssistant, Content: e.Text, ToolCalls: e.Calls})
	for _, res := range e.Results {
		msgs = append(msgs, Message{Role: MessageTool, Content: res.Content, ToolCallID: res.CallID})
	}
	return msgs
}

func (e EntryAssistant) messages() []Message {
	return []Message{{Role: MessageAssistant, Content: e.Text}}
}

// Conversation is the bounded model context of one meeting.
// It is not safe for concurrent use; the Extractor serializes access.
type Conversation struct {
	entries    []Entry
	maxEntries int
}

// NewConversation creates a log that keeps at most maxEntries entries.
// Zero or negative means unbounded.
func NewConversation(maxEntries int) *Conversation {
	return &Conversation{maxEntries: maxEntries}
}

// Append adds an entry and prunes the oldest turns when over the limit
func (c *Conversation) Append(e Entry) {
	c.entries = append(c.entries, e)
	c.prune()
}

// prune drops whole turns from the front. The cut always lands on an
// EntryUser, so the kept window may exceed maxEntries while the newest turn
// alone is longer than the limit.
func (c *Conversation) prune() {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}

	cut := -1
	for i := len(c.entries) - c.maxEntries; i < len(c.entries); i++ {
		if _, ok := c.entries[i].(EntryUser); ok {
			cut = i
			break
		}
	}
	if cut <= 0 {
		// No user boundary inside the window; fall back to the newest turn start
		cut = c.lastUserIndex()
	}
	if cut <= 0 {
		return
	}

	c.entries = slices.Clone(c.entries[cut:])
}

func (c *Conversation) lastUserIndex() int {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if _, ok := c.entries[i].(EntryUser); ok {
			return i
		}
	}
	return -1
}

// ResetToLastUsers drops everything except the last n user entries
func (c *Conversation) ResetToLastUsers(n int) {
	kept := make([]Entry, 0, n)
	for i := len(c.entries) - 1; i >= 0 && len(kept) < n; i-- {
		if u, ok := c.entries[i].(EntryUser); ok {
			kept = append(kept, u)
		}
	}
	slices.Reverse(kept)
	c.entries = kept
}

// Messages flattens the log into model messages
func (c *Conversation) Messages() []Message {
	msgs := make([]Message, 0, len(c.entries)+4)
	for _, e := range c.entries {
		msgs = append(msgs, e.messages()...)
	}
	return msgs
}

// Entries returns a copy of the log
func (c *Conversation) Entries() []Entry {
	return slices.Clone(c.entries)
}

// Len returns the number of entries
func (c *Conversation) Len() int {
	return len(c.entries)
}

// Clone returns an independent copy sharing no slice storage
func (c *Conversation) Clone() *Conversation {
	return &Conversation{entries: slices.Clone(c.entries), maxEntries: c.maxEntries}
}

type wireEntry struct {
	Kind    string       `json:"kind"`
	Text    string       `json:"text,omitempty"`
	Calls   []ToolCall   `json:"calls,omitempty"`
	Results []ToolResult `json:"results,omitempty"`
}

// MarshalJSON encodes the log as a list of tagged entries
func (c *Conversation) MarshalJSON() ([]byte, error) {
	wire := make([]wireEntry, 0, len(c.entries))
	for _, e := range c.entries {
		switch v := e.(type) {
		case EntryUser:
			wire = append(wire, wireEntry{Kind: v.kind(), Text: v.Text})
		case EntryExchange:
			wire = append(wire, wireEntry{Kind: v.kind(), Text: v.Text, Calls: v.Calls, Results: v.Results})
		case EntryAssistant:
			wire = append(wire, wireEntry{Kind: v.kind(), Text: v.Text})
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a log written by MarshalJSON.
// The size limit is not persisted; callers set it with SetMaxEntries.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var wire []wireEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	entries := make([]Entry, 0, len(wire))
	for i, w := range wire {
		switch w.Kind {
		case "user":
			entries = append(entries, EntryUser{Text: w.Text})
		case "exchange":
			if len(w.Calls) != len(w.Results) {
				return fmt.Errorf("entry %d: %d tool calls but %d results", i, len(w.Calls), len(w.Results))
			}
			entries = append(entries, EntryExchange{Text: w.Text, Calls: w.Calls, Results: w.Results})
		case "assistant":
			entries = append(entries, EntryAssistant{Text: w.Text})
		default:
			return fmt.Errorf("entry %d: unknown kind %q", i, w.Kind)
		}
	}

	c.entries = entries
	return nil
}

// SetMaxEntries changes the size limit and prunes immediately
func (c *Conversation) SetMaxEntries(n int) {
	c.maxEntries = n
	c.prune()
}
