// Package insighttest provides a scripted extraction model for tests.
package insighttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/meeting-insight-service/internal/insight"
)

// ScriptedResponse is one scripted model step
type ScriptedResponse struct {
	// Response to return
	Response *insight.Response

	// Error to return instead of response
	Error error

	// Delay before returning (simulates processing time)
	Delay time.Duration
}

// Call records one Complete invocation
type Call struct {
	Request   insight.Request
	Timestamp time.Time
}

// ScriptedModel implements insight.Model with a fixed sequence of responses.
// Once the script is exhausted the fallback response is returned.
type ScriptedModel struct {
	mu       sync.Mutex
	scripts  []ScriptedResponse
	calls    []Call
	next     int
	fallback *insight.Response
}

// Option configures a ScriptedModel
type Option func(*ScriptedModel)

// WithFallback sets the response returned when no script remains
func WithFallback(resp *insight.Response) Option {
	return func(s *ScriptedModel) {
		s.fallback = resp
	}
}

// NewScriptedModel creates a ScriptedModel. Without a fallback an exhausted
// script answers with an empty text reply.
func NewScriptedModel(opts ...Option) *ScriptedModel {
	s := &ScriptedModel{fallback: &insight.Response{Text: "ok"}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddScript appends a scripted step
func (s *ScriptedModel) AddScript(script ScriptedResponse) *ScriptedModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, script)
	return s
}

// AddToolCalls scripts a response carrying the given calls
func (s *ScriptedModel) AddToolCalls(calls ...insight.ToolCall) *ScriptedModel {
	return s.AddScript(ScriptedResponse{Response: &insight.Response{ToolCalls: calls}})
}

// AddText scripts a final text reply
func (s *ScriptedModel) AddText(text string) *ScriptedModel {
	return s.AddScript(ScriptedResponse{Response: &insight.Response{Text: text}})
}

// AddError scripts an error
func (s *ScriptedModel) AddError(err error) *ScriptedModel {
	return s.AddScript(ScriptedResponse{Error: err})
}

// Complete implements insight.Model
func (s *ScriptedModel) Complete(ctx context.Context, req insight.Request) (*insight.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Request: req, Timestamp: time.Now()})

	script := ScriptedResponse{Response: s.fallback}
	if s.next < len(s.scripts) {
		script = s.scripts[s.next]
		s.next++
	}
	s.mu.Unlock()

	if script.Delay > 0 {
		select {
		case <-time.After(script.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if script.Error != nil {
		return nil, script.Error
	}
	return script.Response, nil
}

// Calls returns every recorded call
func (s *ScriptedModel) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of recorded calls
func (s *ScriptedModel) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Remaining returns the number of unused scripted steps
func (s *ScriptedModel) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scripts) - s.next
}

// ToolCall builds a tool call with JSON-encoded arguments
func ToolCall(id, name string, args any) insight.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("insighttest: cannot encode arguments: %v", err))
	}
	return insight.ToolCall{ID: id, Name: name, Arguments: raw}
}
