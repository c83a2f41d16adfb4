package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Speakers      SpeakersConfig      `yaml:"speakers"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains UDP audio ingest configuration
type ServerConfig struct {
	UDPPort     int    `yaml:"udp_port"`
	BindAddress string `yaml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size"`
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"` // per worker
	MaxMeetings int    `yaml:"max_meetings"`
	IdleTimeout int    `yaml:"idle_timeout"` // seconds without audio before a meeting is stopped, 0 disables
	DisableUDP  bool   `yaml:"disable_udp"`
}

// HTTPConfig contains webhook and dashboard server configuration
type HTTPConfig struct {
	Port        int    `yaml:"port"`
	Address     string `yaml:"address"`
	Enabled     bool   `yaml:"enabled"`
	RecentTurns int    `yaml:"recent_turns"` // transcript tail shown on the dashboard
}

// AudioConfig contains audio format and pacing parameters
type AudioConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	BitDepth         int     `yaml:"bit_depth"`
	FrameDurationMs  int     `yaml:"frame_duration_ms"`
	MinFlushMs       int     `yaml:"min_flush_ms"`
	RecordingEnabled bool    `yaml:"recording_enabled"`
	VoiceThreshold   float64 `yaml:"voice_threshold"` // normalized RMS level counted as talking
}

// TranscriptionConfig contains streaming speech-to-text configuration
type TranscriptionConfig struct {
	Endpoint         string  `yaml:"endpoint"`
	APIKey           string  `yaml:"api_key"`
	FormatTurns      bool    `yaml:"format_turns"`
	HandshakeTimeout int     `yaml:"handshake_timeout"` // seconds
	CloseTimeout     float64 `yaml:"close_timeout"`     // seconds
}

// ExtractionConfig contains language model and extraction configuration
type ExtractionConfig struct {
	Endpoint          string  `yaml:"endpoint"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	Framework         string  `yaml:"framework"`
	Timeout           int     `yaml:"timeout"` // seconds, per model call
	MaxRetries        int     `yaml:"max_retries"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
	MaxToolRounds     int     `yaml:"max_tool_rounds"`
	PairingRetries    int     `yaml:"pairing_retries"`
	MaxContextEntries int     `yaml:"max_context_entries"`
	ResetKeepTurns    int     `yaml:"reset_keep_turns"`
}

// SpeakersConfig contains the display labels of the two roles
type SpeakersConfig struct {
	RoleALabel string `yaml:"role_a_label"`
	RoleBLabel string `yaml:"role_b_label"`
}

// StorageConfig contains persistence configuration
type StorageConfig struct {
	Dir       string `yaml:"dir"`
	IndexPath string `yaml:"index_path"` // defaults to <dir>/index.db
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every optional field populated
func Default() Config {
	return Config{
		Server: ServerConfig{
			UDPPort:     4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			Workers:     4,
			QueueSize:   1000,
			MaxMeetings: 100,
			IdleTimeout: 300,
		},
		HTTP: HTTPConfig{
			Port:        8080,
			Address:     "0.0.0.0",
			Enabled:     true,
			RecentTurns: 20,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			BitDepth:        16,
			FrameDurationMs: 100,
			MinFlushMs:      50,
			VoiceThreshold:  0.02,
		},
		Transcription: TranscriptionConfig{
			Endpoint:         "wss://streaming.assemblyai.com/v3/ws",
			FormatTurns:      true,
			HandshakeTimeout: 10,
			CloseTimeout:     1,
		},
		Extraction: ExtractionConfig{
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			Model:             "gpt-4o-mini",
			Temperature:       0.1,
			Framework:         "faint",
			Timeout:           30,
			MaxRetries:        2,
			MaxConcurrent:     8,
			MaxToolRounds:     10,
			PairingRetries:    1,
			MaxContextEntries: 40,
			ResetKeepTurns:    3,
		},
		Speakers: SpeakersConfig{
			RoleALabel: "Consultant",
			RoleBLabel: "Client",
		},
		Storage: StorageConfig{
			Dir: "./data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	config, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Read is Load without validation, for tools that only need some sections
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv(os.LookupEnv)

	return &config, nil
}

// ApplyEnv overrides secrets and the storage directory from the environment.
// The first variable found in each list wins.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	first := func(names ...string) (string, bool) {
		for _, name := range names {
			if v, ok := lookup(name); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}

	if v, ok := first("TRANSCRIPTION_API_KEY", "ASSEMBLYAI_API_KEY"); ok {
		c.Transcription.APIKey = v
	}
	if v, ok := first("EXTRACTION_API_KEY", "OPENAI_API_KEY"); ok {
		c.Extraction.APIKey = v
	}
	if v, ok := first("INSIGHT_STORAGE_DIR"); ok {
		c.Storage.Dir = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Extraction.Validate(); err != nil {
		return fmt.Errorf("extraction config: %w", err)
	}

	if err := c.Speakers.Validate(); err != nil {
		return fmt.Errorf("speakers config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates UDP ingest configuration
func (s *ServerConfig) Validate() error {
	if s.MaxMeetings < 1 {
		return fmt.Errorf("max_meetings must be at least 1, got %d", s.MaxMeetings)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.DisableUDP {
		return nil
	}

	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.RecentTurns < 0 {
		return fmt.Errorf("recent_turns cannot be negative, got %d", h.RecentTurns)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16 for pcm_s16le, got %d", a.BitDepth)
	}

	if a.FrameDurationMs < 50 || a.FrameDurationMs > 1000 {
		return fmt.Errorf("frame_duration_ms must be between 50 and 1000, got %d", a.FrameDurationMs)
	}

	if a.MinFlushMs < 0 || a.MinFlushMs > a.FrameDurationMs {
		return fmt.Errorf("min_flush_ms must be between 0 and frame_duration_ms (%d), got %d",
			a.FrameDurationMs, a.MinFlushMs)
	}

	if a.VoiceThreshold < 0 || a.VoiceThreshold > 1 {
		return fmt.Errorf("voice_threshold must be between 0 and 1, got %f", a.VoiceThreshold)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", t.HandshakeTimeout)
	}

	if t.CloseTimeout <= 0 {
		return fmt.Errorf("close_timeout must be positive, got %f", t.CloseTimeout)
	}

	return nil
}

// Validate validates extraction configuration
func (e *ExtractionConfig) Validate() error {
	if e.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if e.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if e.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	validFrameworks := map[string]bool{"faint": true, "bant": true}
	if !validFrameworks[e.Framework] {
		return fmt.Errorf("framework must be 'faint' or 'bant', got '%s'", e.Framework)
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
	}

	if e.MaxToolRounds < 1 {
		return fmt.Errorf("max_tool_rounds must be at least 1, got %d", e.MaxToolRounds)
	}

	if e.PairingRetries < 0 {
		return fmt.Errorf("pairing_retries cannot be negative, got %d", e.PairingRetries)
	}

	if e.MaxContextEntries < 2 {
		return fmt.Errorf("max_context_entries must be at least 2, got %d", e.MaxContextEntries)
	}

	if e.ResetKeepTurns < 1 {
		return fmt.Errorf("reset_keep_turns must be at least 1, got %d", e.ResetKeepTurns)
	}

	return nil
}

// Validate validates speaker label configuration
func (s *SpeakersConfig) Validate() error {
	if s.RoleALabel == "" || s.RoleBLabel == "" {
		return fmt.Errorf("role labels cannot be empty")
	}

	if s.RoleALabel == s.RoleBLabel {
		return fmt.Errorf("role labels must differ, both are '%s'", s.RoleALabel)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path

	return nil
}

// GetIdleTimeoutDuration returns the meeting inactivity timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetFrameDuration returns the rebuffer frame duration as a time.Duration
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// GetMinFlushDuration returns the shortest remainder flushed on stop
func (a *AudioConfig) GetMinFlushDuration() time.Duration {
	return time.Duration(a.MinFlushMs) * time.Millisecond
}

// GetHandshakeTimeoutDuration returns the websocket handshake timeout as a time.Duration
func (t *TranscriptionConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(t.HandshakeTimeout) * time.Second
}

// GetCloseTimeoutDuration returns the close timeout as a time.Duration
func (t *TranscriptionConfig) GetCloseTimeoutDuration() time.Duration {
	return time.Duration(t.CloseTimeout * float64(time.Second))
}

// GetTimeoutDuration returns the model call timeout as a time.Duration
func (e *ExtractionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetIndexPath returns the report index location
func (s *StorageConfig) GetIndexPath() string {
	if s.IndexPath != "" {
		return s.IndexPath
	}
	return filepath.Join(s.Dir, "index.db")
}
