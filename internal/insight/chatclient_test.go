package insight

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChatClient(t *testing.T, url string) *ChatClient {
	t.Helper()
	c, err := NewChatClient(ChatClientConfig{
		Endpoint:    url,
		APIKey:      "test-key",
		Model:       "gpt-test",
		Timeout:     2 * time.Second,
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestChatClientEncodesRequestAndParsesToolCalls(t *testing.T) {
	var captured map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [
						{"id": "call_abc", "type": "function", "function": {"name": "append_summary_point", "arguments": "{\"point\":\"p\"}"}},
						{"id": "", "type": "function", "function": {"name": "append_reminder", "arguments": ""}}
					]
				}
			}]
		}`)
	}))
	defer server.Close()

	fw, _ := LookupFramework("faint")
	c := newTestChatClient(t, server.URL)

	resp, err := c.Complete(context.Background(), Request{
		System: "system prompt",
		Messages: []Message{
			{Role: MessageUser, Content: "[Client]: hi"},
			{Role: MessageAssistant, ToolCalls: []ToolCall{{ID: "x1", Name: ToolAppendSummary, Arguments: json.RawMessage(`{"point":"a"}`)}}},
			{Role: MessageTool, ToolCallID: "x1", Content: "ok"},
		},
		Tools: Declarations(fw),
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_abc", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"point":"p"}`, string(resp.ToolCalls[0].Arguments))
	assert.NotEmpty(t, resp.ToolCalls[1].ID, "missing ids are generated")
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[1].Arguments))
	assert.Empty(t, resp.Text)

	assert.Equal(t, "gpt-test", captured["model"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assistant := msgs[2].(map[string]any)
	assert.Nil(t, assistant["content"])
	assert.Len(t, assistant["tool_calls"].([]any), 1)
	assert.Equal(t, "x1", msgs[3].(map[string]any)["tool_call_id"])
	assert.Len(t, captured["tools"].([]any), 6)
}

func TestChatClientRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"fine"}}]}`)
	}))
	defer server.Close()

	c := newTestChatClient(t, server.URL)
	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: MessageUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "fine", resp.Text)
	assert.Equal(t, int32(3), attempts.Load())

	stats := c.GetStats()
	assert.Equal(t, uint64(2), stats.TotalRetries)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
}

func TestChatClientMapsPairingErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error":{"message":"messages with role 'tool' must be a response to a preceeding message with 'tool_calls'."}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestChatClient(t, server.URL)
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: MessageUser, Content: "hi"}}})

	var pairing *ToolPairingError
	require.ErrorAs(t, err, &pairing)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, int32(1), attempts.Load(), "pairing errors are not retried by the client")
}

func TestChatClientDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestChatClient(t, server.URL)
	_, err := c.Complete(context.Background(), Request{})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, uint64(1), c.GetStats().FailedRequests)
}

func TestNewChatClientValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    ChatClientConfig
		expectErr string
	}{
		{"missing endpoint", ChatClientConfig{APIKey: "k", Model: "m"}, "endpoint cannot be empty"},
		{"missing key", ChatClientConfig{Endpoint: "http://x", Model: "m"}, "API key cannot be empty"},
		{"missing model", ChatClientConfig{Endpoint: "http://x", APIKey: "k"}, "model cannot be empty"},
		{"negative retries", ChatClientConfig{Endpoint: "http://x", APIKey: "k", Model: "m", MaxRetries: -1}, "max retries cannot be negative"},
		{"no retries", ChatClientConfig{Endpoint: "http://x", APIKey: "k", Model: "m", MaxRetries: 0}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewChatClient(tt.config, nil)
			if tt.expectErr != "" {
				assert.ErrorContains(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
			if c.config.MaxRetries != tt.config.MaxRetries {
				t.Errorf("Expected %d retries, got %d", tt.config.MaxRetries, c.config.MaxRetries)
			}
		})
	}
}
