package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/meeting-insight-service/internal/audio"
	"github.com/skypro1111/meeting-insight-service/internal/config"
	"github.com/skypro1111/meeting-insight-service/internal/meeting"
	"github.com/skypro1111/meeting-insight-service/internal/metrics"
	"github.com/skypro1111/meeting-insight-service/internal/speaker"
	"github.com/skypro1111/meeting-insight-service/internal/store"
)

const (
	serviceName    = "meeting-insight-service"
	serviceVersion = "1.0.0"

	defaultReportLimit = 100
)

// Meetings is the orchestrator surface used by the servers
type Meetings interface {
	Start(ctx context.Context, req meeting.StartRequest) (meeting.Snapshot, error)
	Stop(ctx context.Context, meetingID string) (*store.FinalReport, error)
	Snapshot(meetingID string) (meeting.Snapshot, error)
	List() []meeting.Snapshot
	AssignSpeaker(meetingID string, speakerID int, role speaker.Role) error
	HandleAudio(meetingID string, speakerID int, data []byte) error
	ActiveCount() int
}

// Reports reads finalized reports
type Reports interface {
	LoadReport(id string) (*store.FinalReport, error)
	ListReports() ([]store.FinalReport, error)
}

// ReportLister lists report summaries from an index
type ReportLister interface {
	List(ctx context.Context, limit int) ([]store.ReportSummary, error)
}

// HTTPServer serves the lifecycle webhook and the dashboard API
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	meetings  Meetings
	reports   Reports
	index     ReportLister // optional
	udpServer *UDPServer   // optional
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	stopTimeout time.Duration
	startTime   time.Time
}

// HTTPServerDeps contains the collaborators of the HTTP server
type HTTPServerDeps struct {
	Meetings  Meetings
	Reports   Reports
	Index     ReportLister
	UDPServer *UDPServer
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, deps HTTPServerDeps, logger *slog.Logger) *HTTPServer {
	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		meetings:    deps.Meetings,
		reports:     deps.Reports,
		index:       deps.Index,
		udpServer:   deps.UDPServer,
		metrics:     deps.Metrics,
		gatherer:    deps.Gatherer,
		stopTimeout: 30 * time.Second,
		startTime:   time.Now(),
	}
	if h.gatherer == nil {
		h.gatherer = prometheus.DefaultGatherer
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // webhook stop waits for the final extraction
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("POST /webhook", h.withMetrics("/webhook", h.handleWebhook))

	mux.HandleFunc("GET /api/meetings", h.withMetrics("/api/meetings", h.handleMeetings))
	mux.HandleFunc("GET /api/meetings/{id}", h.withMetrics("/api/meetings/{id}", h.handleMeetingDetail))
	mux.HandleFunc("PUT /api/meetings/{id}/speakers/{speakerId}",
		h.withMetrics("/api/meetings/{id}/speakers/{speakerId}", h.handleAssignSpeaker))

	mux.HandleFunc("GET /api/reports", h.withMetrics("/api/reports", h.handleReports))
	mux.HandleFunc("GET /api/reports/{id}", h.withMetrics("/api/reports/{id}", h.handleReportDetail))

	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, meeting.ErrInvalidMeetingID),
		errors.Is(err, speaker.ErrInvalidRole),
		errors.Is(err, audio.ErrEmptyFrame),
		errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, meeting.ErrUnknownMeeting),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, meeting.ErrAlreadyActive),
		errors.Is(err, meeting.ErrMeetingNotActive),
		errors.Is(err, store.ErrAlreadyFinalized):
		return http.StatusConflict
	case errors.Is(err, meeting.ErrTooManyMeetings):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"meeting_manager": map[string]any{
			"status":          "running",
			"active_meetings": h.meetings.ActiveCount(),
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"dropped":           udpStats.Dropped,
			"queue_size":        udpStats.QueueSize,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// webhookEvent is a meeting lifecycle notification from the media platform
type webhookEvent struct {
	Event   string         `json:"event"`
	Payload webhookPayload `json:"payload"`
}

// webhookPayload accepts both the snake_case and camelCase field names
type webhookPayload struct {
	MeetingUUID  string `json:"meeting_uuid"`
	MeetingID    string `json:"meetingId"`
	RTMSStreamID string `json:"rtms_stream_id"`
	StreamID     string `json:"streamId"`
	ServerURLs   string `json:"server_urls"`
	ServerURLsC  string `json:"serverUrls"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (p webhookPayload) startRequest() meeting.StartRequest {
	return meeting.StartRequest{
		MeetingID:  firstNonEmpty(p.MeetingUUID, p.MeetingID),
		StreamID:   firstNonEmpty(p.RTMSStreamID, p.StreamID),
		ServerURLs: firstNonEmpty(p.ServerURLs, p.ServerURLsC),
	}
}

// handleWebhook implements POST /webhook
func (h *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed webhook body")
		return
	}

	req := ev.Payload.startRequest()
	logger := h.logger.With(
		slog.String("event", ev.Event),
		slog.String("meeting_id", req.MeetingID),
	)

	switch ev.Event {
	case "meeting.rtms_started", "rtms_started":
		snap, err := h.meetings.Start(r.Context(), req)
		if err != nil {
			logger.Warn("Webhook start failed", slog.String("error", err.Error()))
			writeError(w, statusFor(err), err.Error())
			return
		}
		logger.Info("Meeting started from webhook", slog.String("session_id", snap.SessionID))
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "started",
			"session_id": snap.SessionID,
		})

	case "meeting.rtms_stopped", "rtms_stopped":
		// The platform may drop the request after it gets its answer
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.stopTimeout)
		defer cancel()

		report, err := h.meetings.Stop(ctx, req.MeetingID)
		if err != nil {
			logger.Warn("Webhook stop failed", slog.String("error", err.Error()))
			writeError(w, statusFor(err), err.Error())
			return
		}
		resp := map[string]any{"status": "stopped"}
		if report != nil {
			resp["report"] = report.Summary()
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		logger.Debug("Ignoring webhook event")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// handleMeetings implements GET /api/meetings
func (h *HTTPServer) handleMeetings(w http.ResponseWriter, r *http.Request) {
	meetings := h.meetings.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_meetings": len(meetings),
		"timestamp":      time.Now().UTC(),
		"meetings":       meetings,
	})
}

// handleMeetingDetail implements GET /api/meetings/{id}
func (h *HTTPServer) handleMeetingDetail(w http.ResponseWriter, r *http.Request) {
	snap, err := h.meetings.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type assignSpeakerRequest struct {
	Role string `json:"role"`
}

// handleAssignSpeaker implements PUT /api/meetings/{id}/speakers/{speakerId}
func (h *HTTPServer) handleAssignSpeaker(w http.ResponseWriter, r *http.Request) {
	speakerID, err := strconv.Atoi(r.PathValue("speakerId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid speaker id")
		return
	}

	var body assignSpeakerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	role, err := speaker.ParseRole(body.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	meetingID := r.PathValue("id")
	if err := h.meetings.AssignSpeaker(meetingID, speakerID, role); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	snap, err := h.meetings.Snapshot(meetingID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"speakerMap": snap.SpeakerMap})
}

// handleReports implements GET /api/reports
func (h *HTTPServer) handleReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultReportLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	summaries, err := h.listReports(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list reports", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_reports": len(summaries),
		"reports":       summaries,
	})
}

// listReports reads the index, falling back to scanning the report files
func (h *HTTPServer) listReports(ctx context.Context, limit int) ([]store.ReportSummary, error) {
	if h.index != nil {
		summaries, err := h.index.List(ctx, limit)
		if err == nil {
			return summaries, nil
		}
		h.logger.Warn("Report index unavailable, scanning files", slog.String("error", err.Error()))
	}

	reports, err := h.reports.ListReports()
	if err != nil {
		return nil, err
	}
	if len(reports) > limit {
		reports = reports[:limit]
	}
	summaries := make([]store.ReportSummary, 0, len(reports))
	for i := range reports {
		summaries = append(summaries, reports[i].Summary())
	}
	return summaries, nil
}

// handleReportDetail implements GET /api/reports/{id}
func (h *HTTPServer) handleReportDetail(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.LoadReport(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// API keys are omitted
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"udp_port":     h.config.Server.UDPPort,
			"bind_address": h.config.Server.BindAddress,
			"disable_udp":  h.config.Server.DisableUDP,
			"workers":      h.config.Server.Workers,
			"max_meetings": h.config.Server.MaxMeetings,
			"idle_timeout": h.config.Server.IdleTimeout,
		},
		"audio": map[string]any{
			"sample_rate":       h.config.Audio.SampleRate,
			"channels":          h.config.Audio.Channels,
			"frame_duration_ms": h.config.Audio.FrameDurationMs,
			"min_flush_ms":      h.config.Audio.MinFlushMs,
			"recording_enabled": h.config.Audio.RecordingEnabled,
		},
		"transcription": map[string]any{
			"endpoint":     h.config.Transcription.Endpoint,
			"format_turns": h.config.Transcription.FormatTurns,
		},
		"extraction": map[string]any{
			"endpoint":        h.config.Extraction.Endpoint,
			"model":           h.config.Extraction.Model,
			"framework":       h.config.Extraction.Framework,
			"max_tool_rounds": h.config.Extraction.MaxToolRounds,
		},
		"speakers": map[string]any{
			"role_a_label": h.config.Speakers.RoleALabel,
			"role_b_label": h.config.Speakers.RoleBLabel,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":                                       "API documentation",
			"GET /health":                                 "Service health check",
			"POST /webhook":                               "Meeting lifecycle events",
			"GET /api/meetings":                           "List active and recently ended meetings",
			"GET /api/meetings/{id}":                      "Live meeting view",
			"PUT /api/meetings/{id}/speakers/{speakerId}": "Override a speaker role",
			"GET /api/reports":                            "List final reports",
			"GET /api/reports/{id}":                       "Get a final report",
			"GET /config":                                 "Get service configuration",
			"GET /metrics":                                "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
