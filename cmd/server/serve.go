package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-insight-service/internal/audio"
	"github.com/skypro1111/meeting-insight-service/internal/config"
	"github.com/skypro1111/meeting-insight-service/internal/insight"
	"github.com/skypro1111/meeting-insight-service/internal/meeting"
	"github.com/skypro1111/meeting-insight-service/internal/metrics"
	"github.com/skypro1111/meeting-insight-service/internal/server"
	"github.com/skypro1111/meeting-insight-service/internal/speaker"
	"github.com/skypro1111/meeting-insight-service/internal/store"
	"github.com/skypro1111/meeting-insight-service/internal/transcription"
	"github.com/skypro1111/meeting-insight-service/internal/vad"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, dashboard and audio ingest servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, *configPath)
		},
	}
}

// managerConfig maps the service configuration onto the meeting components
func managerConfig(cfg *config.Config) meeting.Config {
	return meeting.Config{
		Rebuffer: audio.RebufferConfig{
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         cfg.Audio.Channels,
			BytesPerSample:   cfg.Audio.BitDepth / 8,
			FrameDuration:    cfg.Audio.GetFrameDuration(),
			MinFlushDuration: cfg.Audio.GetMinFlushDuration(),
		},
		Transcription: transcription.Config{
			Endpoint:     cfg.Transcription.Endpoint,
			APIKey:       cfg.Transcription.APIKey,
			SampleRate:   cfg.Audio.SampleRate,
			FormatTurns:  cfg.Transcription.FormatTurns,
			CloseTimeout: cfg.Transcription.GetCloseTimeoutDuration(),
		},
		Extraction: insight.Config{
			Framework:         cfg.Extraction.Framework,
			MaxToolRounds:     cfg.Extraction.MaxToolRounds,
			RequestTimeout:    cfg.Extraction.GetTimeoutDuration(),
			MaxRetries:        cfg.Extraction.PairingRetries,
			MaxContextEntries: cfg.Extraction.MaxContextEntries,
			ResetKeepTurns:    cfg.Extraction.ResetKeepTurns,
		},
		Labels: speaker.Labels{
			RoleA: cfg.Speakers.RoleALabel,
			RoleB: cfg.Speakers.RoleBLabel,
		},
		Voice: vad.Config{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			Threshold:  cfg.Audio.VoiceThreshold,
		},
		MaxMeetings: cfg.Server.MaxMeetings,
		RecentTurns: cfg.HTTP.RecentTurns,
		Recording:   cfg.Audio.RecordingEnabled,
		IdleTimeout: cfg.Server.GetIdleTimeoutDuration(),
		StopTimeout: shutdownTimeout,
	}
}

func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.Bool("udp_enabled", !cfg.Server.DisableUDP),
		slog.Int("max_meetings", cfg.Server.MaxMeetings),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_duration_ms", cfg.Audio.FrameDurationMs),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("extraction_model", cfg.Extraction.Model),
		slog.String("framework", cfg.Extraction.Framework),
		slog.String("storage_dir", cfg.Storage.Dir),
		slog.String("log_level", cfg.Logging.Level),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)

	fileStore, err := store.NewFileStore(cfg.Storage.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	index, err := store.OpenReportIndex(ctx, cfg.Storage.GetIndexPath())
	if err != nil {
		return fmt.Errorf("failed to open report index: %w", err)
	}
	defer index.Close()

	// Reports written while the index was unavailable are picked up here
	if reports, err := fileStore.ListReports(); err != nil {
		logger.Warn("Failed to scan reports for the index", slog.String("error", err.Error()))
	} else {
		summaries := make([]store.ReportSummary, 0, len(reports))
		for i := range reports {
			summaries = append(summaries, reports[i].Summary())
		}
		if err := index.Rebuild(ctx, summaries); err != nil {
			logger.Warn("Failed to rebuild report index", slog.String("error", err.Error()))
		}
		logger.Info("Report index ready", slog.Int("reports", len(summaries)))
	}

	model, err := insight.NewChatClient(insight.ChatClientConfig{
		Endpoint:      cfg.Extraction.Endpoint,
		APIKey:        cfg.Extraction.APIKey,
		Model:         cfg.Extraction.Model,
		Temperature:   cfg.Extraction.Temperature,
		Timeout:       cfg.Extraction.GetTimeoutDuration(),
		MaxRetries:    cfg.Extraction.MaxRetries,
		MaxConcurrent: cfg.Extraction.MaxConcurrent,
	}, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	manager, err := meeting.NewManager(managerConfig(cfg), meeting.Dependencies{
		Model:   model,
		Dialer:  transcription.NewWebsocketDialer(cfg.Transcription.GetHandshakeTimeoutDuration()),
		Store:   fileStore,
		Index:   index,
		Metrics: appMetrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create meeting manager: %w", err)
	}
	logger.Info("Meeting manager initialized",
		slog.Duration("idle_timeout", cfg.Server.GetIdleTimeoutDuration()),
	)

	var udpServer *server.UDPServer
	if !cfg.Server.DisableUDP {
		udpServer = server.NewUDPServer(&cfg.Server, manager, appMetrics, logger)
		if err := udpServer.Start(); err != nil {
			manager.StopAll(context.Background())
			return fmt.Errorf("failed to start UDP server: %w", err)
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, server.HTTPServerDeps{
			Meetings:  manager,
			Reports:   fileStore,
			Index:     index,
			UDPServer: udpServer,
			Metrics:   appMetrics,
			Gatherer:  reg,
		}, logger)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests and packets before tearing meetings down
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}
	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
		}
	}

	manager.StopAll(shutdownCtx)

	stats := model.GetStats()
	logger.Info("Final model statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
	return nil
}
