package insight

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// NotIdentified is the initial value of every qualification field
const NotIdentified = "Not identified"

// ErrUnknownFramework is returned for a framework name that is not built in
var ErrUnknownFramework = errors.New("unknown qualification framework")

// Framework defines the qualification fields tracked for a meeting
type Framework struct {
	Name          string
	Fields        []string
	Descriptions  map[string]string
	OpenQuestions bool // whether append_question is declared
}

var frameworks = map[string]Framework{
	"faint": {
		Name:   "faint",
		Fields: []string{"funds", "authority", "interest", "need", "timing"},
		Descriptions: map[string]string{
			"funds":     "Whether the client has money available, regardless of a formal budget",
			"authority": "Who makes or influences the decision",
			"interest":  "How interested the client is in the offering",
			"need":      "The problem or need the client wants solved",
			"timing":    "When the client intends to act",
		},
		OpenQuestions: true,
	},
	"bant": {
		Name:   "bant",
		Fields: []string{"budget", "authority", "need", "timing"},
		Descriptions: map[string]string{
			"budget":    "The budget allocated for the purchase",
			"authority": "Who makes or influences the decision",
			"need":      "The problem or need the client wants solved",
			"timing":    "When the client intends to act",
		},
		OpenQuestions: true,
	},
}

// LookupFramework returns a built-in framework by name
func LookupFramework(name string) (Framework, error) {
	fw, ok := frameworks[name]
	if !ok {
		return Framework{}, fmt.Errorf("%w: %q", ErrUnknownFramework, name)
	}
	return fw, nil
}

// HasField reports whether field belongs to the framework
func (f Framework) HasField(field string) bool {
	return slices.Contains(f.Fields, field)
}

// Concern is an objection raised in the meeting and how to address it
type Concern struct {
	Issue    string `json:"issue"`
	Strategy string `json:"strategy"`
}

// Question is a follow-up question worth asking
type Question struct {
	Question  string `json:"question"`
	Rationale string `json:"rationale"`
}

// Record is the structured state extracted from one meeting.
// Lists only grow and qualification fields are never cleared.
type Record struct {
	Framework     string            `json:"framework"`
	Summary       []string          `json:"summary"`
	Qualification map[string]string `json:"qualification"`
	SubjectInfo   []string          `json:"subject_info"`
	Reminders     []string          `json:"reminders"`
	Concerns      []Concern         `json:"concerns"`
	OpenQuestions []Question        `json:"open_questions"`
}

// NewRecord creates an empty record with every field set to NotIdentified
func NewRecord(fw Framework) *Record {
	qual := make(map[string]string, len(fw.Fields))
	for _, field := range fw.Fields {
		qual[field] = NotIdentified
	}

	return &Record{
		Framework:     fw.Name,
		Summary:       []string{},
		Qualification: qual,
		SubjectInfo:   []string{},
		Reminders:     []string{},
		Concerns:      []Concern{},
		OpenQuestions: []Question{},
	}
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	return &Record{
		Framework:     r.Framework,
		Summary:       slices.Clone(r.Summary),
		Qualification: maps.Clone(r.Qualification),
		SubjectInfo:   slices.Clone(r.SubjectInfo),
		Reminders:     slices.Clone(r.Reminders),
		Concerns:      slices.Clone(r.Concerns),
		OpenQuestions: slices.Clone(r.OpenQuestions),
	}
}

// normalize fills fields missing from a persisted record
func (r *Record) normalize(fw Framework) {
	if r.Qualification == nil {
		r.Qualification = make(map[string]string, len(fw.Fields))
	}
	for _, field := range fw.Fields {
		if r.Qualification[field] == "" {
			r.Qualification[field] = NotIdentified
		}
	}
	if r.Framework == "" {
		r.Framework = fw.Name
	}
	if r.Summary == nil {
		r.Summary = []string{}
	}
	if r.SubjectInfo == nil {
		r.SubjectInfo = []string{}
	}
	if r.Reminders == nil {
		r.Reminders = []string{}
	}
	if r.Concerns == nil {
		r.Concerns = []Concern{}
	}
	if r.OpenQuestions == nil {
		r.OpenQuestions = []Question{}
	}
}
