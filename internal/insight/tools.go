package insight

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tool names as declared to the model
const (
	ToolAppendSummary       = "append_summary_point"
	ToolUpdateQualification = "update_qualification"
	ToolAppendSubjectInfo   = "append_subject_info"
	ToolAppendReminder      = "append_reminder"
	ToolAppendConcern       = "append_concern"
	ToolAppendQuestion      = "append_question"
)

var (
	// ErrUnknownTool is returned for a tool name that is not declared
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when tool arguments fail validation
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Mutation is one record change requested by the model.
// Implementations are AppendSummary, UpdateQualification, AppendSubjectInfo,
// AppendReminder, AppendConcern and AppendQuestion.
type Mutation interface {
	Tool() string
	// Apply changes r in place and returns the acknowledgment sent back to the model
	Apply(r *Record, fw Framework) string
}

// AppendSummary adds one point to the running summary
type AppendSummary struct {
	Point string `json:"point"`
}

// UpdateQualification sets qualification fields that carry new data
type UpdateQualification struct {
	Fields map[string]string
}

// AppendSubjectInfo records a fact about the client
type AppendSubjectInfo struct {
	Info string `json:"info"`
}

// AppendReminder adds a follow-up item
type AppendReminder struct {
	Reminder string `json:"reminder"`
}

// AppendConcern records an objection and how to address it
type AppendConcern struct {
	Issue    string `json:"issue"`
	Strategy string `json:"strategy"`
}

// AppendQuestion records a question worth asking next
type AppendQuestion struct {
	Question  string `json:"question"`
	Rationale string `json:"rationale"`
}

// Tool implements Mutation
func (AppendSummary) Tool() string { return ToolAppendSummary }

// Tool implements Mutation
func (UpdateQualification) Tool() string { return ToolUpdateQualification }

// Tool implements Mutation
func (AppendSubjectInfo) Tool() string { return ToolAppendSubjectInfo }

// Tool implements Mutation
func (AppendReminder) Tool() string { return ToolAppendReminder }

// Tool implements Mutation
func (AppendConcern) Tool() string { return ToolAppendConcern }

// Tool implements Mutation
func (AppendQuestion) Tool() string { return ToolAppendQuestion }

// Apply appends the point
func (m AppendSummary) Apply(r *Record, _ Framework) string {
	r.Summary = append(r.Summary, m.Point)
	return fmt.Sprintf("Summary point added (%d total)", len(r.Summary))
}

// Apply overwrites only known fields carrying real data; it never clears a field
func (m UpdateQualification) Apply(r *Record, fw Framework) string {
	updated := make([]string, 0, len(m.Fields))
	for field, value := range m.Fields {
		value = strings.TrimSpace(value)
		if !fw.HasField(field) || value == "" || strings.EqualFold(value, NotIdentified) {
			continue
		}
		r.Qualification[field] = value
		updated = append(updated, field)
	}

	if len(updated) == 0 {
		return "No qualification fields changed"
	}
	sort.Strings(updated)
	return "Qualification updated: " + strings.Join(updated, ", ")
}

// Apply appends the info
func (m AppendSubjectInfo) Apply(r *Record, _ Framework) string {
	r.SubjectInfo = append(r.SubjectInfo, m.Info)
	return fmt.Sprintf("Subject info added (%d total)", len(r.SubjectInfo))
}

// Apply appends the reminder
func (m AppendReminder) Apply(r *Record, _ Framework) string {
	r.Reminders = append(r.Reminders, m.Reminder)
	return fmt.Sprintf("Reminder added (%d total)", len(r.Reminders))
}

// Apply appends the concern
func (m AppendConcern) Apply(r *Record, _ Framework) string {
	r.Concerns = append(r.Concerns, Concern{Issue: m.Issue, Strategy: m.Strategy})
	return fmt.Sprintf("Concern added (%d total)", len(r.Concerns))
}

// Apply appends the question
func (m AppendQuestion) Apply(r *Record, _ Framework) string {
	r.OpenQuestions = append(r.OpenQuestions, Question{Question: m.Question, Rationale: m.Rationale})
	return fmt.Sprintf("Question added (%d total)", len(r.OpenQuestions))
}

// DecodeToolCall turns a raw tool call into a validated Mutation
func DecodeToolCall(call ToolCall, fw Framework) (Mutation, error) {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	switch call.Name {
	case ToolAppendSummary:
		return decodeMutation[AppendSummary](args)
	case ToolUpdateQualification:
		raw := map[string]any{}
		if err := decodeArgs(args, &raw); err != nil {
			return nil, err
		}
		// Non-string values (null, numbers) carry no usable qualification data
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		return UpdateQualification{Fields: fields}, nil
	case ToolAppendSubjectInfo:
		return decodeMutation[AppendSubjectInfo](args)
	case ToolAppendReminder:
		return decodeMutation[AppendReminder](args)
	case ToolAppendConcern:
		return decodeMutation[AppendConcern](args)
	case ToolAppendQuestion:
		if fw.OpenQuestions {
			return decodeMutation[AppendQuestion](args)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
}

type validatingMutation interface {
	Mutation
	validate() error
}

func decodeMutation[T validatingMutation](args json.RawMessage) (Mutation, error) {
	var m T
	if err := decodeArgs(args, &m); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m AppendSummary) validate() error     { return requireText("point", m.Point) }
func (m AppendSubjectInfo) validate() error { return requireText("info", m.Info) }
func (m AppendReminder) validate() error    { return requireText("reminder", m.Reminder) }

func (m AppendConcern) validate() error {
	return errors.Join(requireText("issue", m.Issue), requireText("strategy", m.Strategy))
}

func (m AppendQuestion) validate() error {
	return errors.Join(requireText("question", m.Question), requireText("rationale", m.Rationale))
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func requireText(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidArguments, name)
	}
	return nil
}

// Declarations returns the tool schemas for a framework
func Declarations(fw Framework) []ToolDeclaration {
	qualProps := make(map[string]any, len(fw.Fields))
	for _, field := range fw.Fields {
		qualProps[field] = map[string]any{
			"type":        "string",
			"description": fw.Descriptions[field],
		}
	}

	decls := []ToolDeclaration{
		{
			Name:        ToolAppendSummary,
			Description: "Append one new key point to the meeting summary",
			Parameters:  objectSchema(map[string]string{"point": "A concise new summary point"}, "point"),
		},
		{
			Name:        ToolUpdateQualification,
			Description: "Update qualification fields. Include only fields with new information.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": qualProps,
			},
		},
		{
			Name:        ToolAppendSubjectInfo,
			Description: "Append a new fact about the client or their company",
			Parameters:  objectSchema(map[string]string{"info": "The new fact"}, "info"),
		},
		{
			Name:        ToolAppendReminder,
			Description: "Append a follow-up reminder for the consultant",
			Parameters:  objectSchema(map[string]string{"reminder": "What to remember or do"}, "reminder"),
		},
		{
			Name:        ToolAppendConcern,
			Description: "Append a concern raised by the client with a strategy to address it",
			Parameters: objectSchema(map[string]string{
				"issue":    "The concern or objection",
				"strategy": "How to address it",
			}, "issue", "strategy"),
		},
	}

	if fw.OpenQuestions {
		decls = append(decls, ToolDeclaration{
			Name:        ToolAppendQuestion,
			Description: "Append a question the consultant should ask next",
			Parameters: objectSchema(map[string]string{
				"question":  "The question to ask",
				"rationale": "Why it matters",
			}, "question", "rationale"),
		})
	}

	return decls
}

func objectSchema(props map[string]string, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
