package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	// None of these may panic
	m.RecordPacketReceived()
	m.RecordMeetingStarted()
	m.RecordFrame(true)
	m.RecordToolCall("append_summary_point", "applied")
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
}

func TestRecordingUpdatesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordMeetingStarted()
	m.RecordMeetingStarted()
	m.SetActiveMeetings(2)
	m.RecordFrame(true)
	m.RecordFrame(false)
	m.RecordToolCall("update_qualification", "applied")
	m.RecordTranscriptTurn(true)

	if got := testutil.ToFloat64(m.MeetingsStarted); got != 2 {
		t.Errorf("Expected 2 meetings started, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveMeetings); got != 2 {
		t.Errorf("Expected 2 active meetings, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped); got != 1 {
		t.Errorf("Expected 1 dropped frame, got %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("update_qualification", "applied")); got != 1 {
		t.Errorf("Expected 1 tool call, got %v", got)
	}
	if got := testutil.ToFloat64(m.TranscriptTurns.WithLabelValues("final")); got != 1 {
		t.Errorf("Expected 1 final turn, got %v", got)
	}
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	// Registering twice on the same registry would panic
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(nil)
}
