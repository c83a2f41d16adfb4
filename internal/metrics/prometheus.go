package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the meeting insight service.
// Every Record* method is safe to call on a nil *Metrics.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Meeting metrics
	ActiveMeetings  prometheus.Gauge
	MeetingsStarted prometheus.Counter
	MeetingsStopped prometheus.Counter
	MeetingFailures *prometheus.CounterVec
	MeetingDuration prometheus.Histogram

	// Audio metrics
	AudioBytesReceived prometheus.Counter
	FramesForwarded    prometheus.Counter
	FramesDropped      prometheus.Counter

	// Transcription metrics
	TranscriptionSessions prometheus.Counter
	TranscriptionErrors   prometheus.Counter
	TranscriptTurns       *prometheus.CounterVec

	// Extraction metrics
	ModelRequests  prometheus.Counter
	ModelFailures  prometheus.Counter
	ModelRetries   prometheus.Counter
	ModelDuration  prometheus.Histogram
	ToolCalls      *prometheus.CounterVec
	TurnsProcessed *prometheus.CounterVec
	ContextResets  prometheus.Counter

	// Persistence metrics
	PersistFailures prometheus.Counter
	ReportsWritten  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil registerer leaves the collectors unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_udp_packets_received_total",
			Help: "Total number of UDP audio packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_udp_packets_processed_total",
			Help: "Total number of UDP packets successfully routed to a meeting",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_udp_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insight_udp_queue_size",
			Help: "Current number of packets waiting in worker queues",
		}),

		// Meeting metrics
		ActiveMeetings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insight_active_meetings",
			Help: "Current number of active meeting pipelines",
		}),
		MeetingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_meetings_started_total",
			Help: "Total number of meetings started",
		}),
		MeetingsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_meetings_stopped_total",
			Help: "Total number of meetings stopped",
		}),
		MeetingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_meeting_failures_total",
			Help: "Total number of meeting pipeline failures by stage",
		}, []string{"stage"}),
		MeetingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_meeting_duration_seconds",
			Help:    "Duration of meetings in seconds",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10), // 30s to ~4 hours
		}),

		// Audio metrics
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_audio_bytes_received_total",
			Help: "Total number of raw audio bytes accepted",
		}),
		FramesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_audio_frames_forwarded_total",
			Help: "Total number of paced frames sent to transcription",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_audio_frames_dropped_total",
			Help: "Total number of paced frames dropped",
		}),

		// Transcription metrics
		TranscriptionSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_transcription_sessions_total",
			Help: "Total number of transcription sessions opened",
		}),
		TranscriptionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_transcription_errors_total",
			Help: "Total number of transcription transport errors",
		}),
		TranscriptTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_transcript_turns_total",
			Help: "Total number of transcript turns received",
		}, []string{"kind"}),

		// Extraction metrics
		ModelRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_model_requests_total",
			Help: "Total number of extraction model requests",
		}),
		ModelFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_model_failures_total",
			Help: "Total number of failed extraction model requests",
		}),
		ModelRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_model_retries_total",
			Help: "Total number of extraction model request retries",
		}),
		ModelDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_model_request_duration_seconds",
			Help:    "Duration of extraction model requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_tool_calls_total",
			Help: "Total number of tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		TurnsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_turns_processed_total",
			Help: "Total number of transcript turns processed by the extractor",
		}, []string{"outcome"}),
		ContextResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_context_resets_total",
			Help: "Total number of conversation resets after tool pairing errors",
		}),

		// Persistence metrics
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_persist_failures_total",
			Help: "Total number of failed session state writes",
		}),
		ReportsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_reports_written_total",
			Help: "Total number of final reports written",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insight_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveMeetings sets the current number of active meetings
func (m *Metrics) SetActiveMeetings(count int) {
	if m == nil {
		return
	}
	m.ActiveMeetings.Set(float64(count))
}

// RecordMeetingStarted increments the meetings started counter
func (m *Metrics) RecordMeetingStarted() {
	if m == nil {
		return
	}
	m.MeetingsStarted.Inc()
}

// RecordMeetingStopped increments the meetings stopped counter and records duration
func (m *Metrics) RecordMeetingStopped(durationSeconds float64) {
	if m == nil {
		return
	}
	m.MeetingsStopped.Inc()
	m.MeetingDuration.Observe(durationSeconds)
}

// RecordMeetingFailure counts a pipeline failure at stage (start, transcription, finalize)
func (m *Metrics) RecordMeetingFailure(stage string) {
	if m == nil {
		return
	}
	m.MeetingFailures.WithLabelValues(stage).Inc()
}

// RecordAudioBytes adds accepted raw audio bytes
func (m *Metrics) RecordAudioBytes(n int) {
	if m == nil {
		return
	}
	m.AudioBytesReceived.Add(float64(n))
}

// RecordFrame records one paced frame outcome
func (m *Metrics) RecordFrame(forwarded bool) {
	if m == nil {
		return
	}
	if forwarded {
		m.FramesForwarded.Inc()
	} else {
		m.FramesDropped.Inc()
	}
}

// RecordTranscriptionSession increments the sessions opened counter
func (m *Metrics) RecordTranscriptionSession() {
	if m == nil {
		return
	}
	m.TranscriptionSessions.Inc()
}

// RecordTranscriptionError increments the transcription errors counter
func (m *Metrics) RecordTranscriptionError() {
	if m == nil {
		return
	}
	m.TranscriptionErrors.Inc()
}

// RecordTranscriptTurn counts a partial or final transcript turn
func (m *Metrics) RecordTranscriptTurn(final bool) {
	if m == nil {
		return
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	m.TranscriptTurns.WithLabelValues(kind).Inc()
}

// RecordModelSuccess records a successful model request
func (m *Metrics) RecordModelSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ModelRequests.Inc()
	m.ModelDuration.Observe(durationSeconds)
}

// RecordModelFailure records a failed model request
func (m *Metrics) RecordModelFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ModelRequests.Inc()
	m.ModelFailures.Inc()
	m.ModelDuration.Observe(durationSeconds)
}

// RecordModelRetry increments the retry counter
func (m *Metrics) RecordModelRetry() {
	if m == nil {
		return
	}
	m.ModelRetries.Inc()
}

// RecordToolCall counts a tool call by name and outcome (applied, rejected)
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

// RecordTurn counts an extractor turn by outcome (applied, dropped)
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsProcessed.WithLabelValues(outcome).Inc()
}

// RecordContextReset increments the conversation reset counter
func (m *Metrics) RecordContextReset() {
	if m == nil {
		return
	}
	m.ContextResets.Inc()
}

// RecordPersistFailure increments the persist failure counter
func (m *Metrics) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

// RecordReportWritten increments the reports written counter
func (m *Metrics) RecordReportWritten() {
	if m == nil {
		return
	}
	m.ReportsWritten.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
