package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	DefaultThreshold = 0.02 // roughly -34 dBFS
	DefaultSmoothing = 0.3
)

// Config describes the audio fed to a Meter
type Config struct {
	SampleRate int
	Channels   int
	Threshold  float64 // normalized RMS level in [0, 1] at which audio counts as voice
	Smoothing  float64 // weight of the newest packet in the running level, (0, 1]
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", c.Smoothing)
	}
	return nil
}

// Result is the outcome of measuring one packet
type Result struct {
	Level    float64 `json:"level"`
	HasVoice bool    `json:"has_voice"`
}

// SpeakerActivity is the accumulated talk time of one speaker
type SpeakerActivity struct {
	SpeakerID       int           `json:"speakerId"`
	Voice           time.Duration `json:"voiceNs"`
	Total           time.Duration `json:"totalNs"`
	VoicePercentage float64       `json:"voicePercentage"`
	LastVoiceAt     *time.Time    `json:"lastVoiceAt,omitempty"`
}

// MeterStats represents meter totals across speakers
type MeterStats struct {
	Packets         uint64  `json:"packets"`
	VoicePackets    uint64  `json:"voice_packets"`
	VoicePercentage float64 `json:"voice_percentage"`
	Threshold       float64 `json:"threshold"`
}

type speakerState struct {
	level        float64
	seen         bool
	voiceSamples uint64
	totalSamples uint64
	lastVoiceAt  time.Time
}

// Meter tracks voice activity per speaker
type Meter struct {
	config   Config
	speakers map[int]*speakerState
	now      func() time.Time

	packets      uint64
	voicePackets uint64

	mu sync.Mutex
}

// NewMeter creates a meter; zero Threshold and Smoothing take the defaults
func NewMeter(cfg Config) (*Meter, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Smoothing == 0 {
		cfg.Smoothing = DefaultSmoothing
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Meter{
		config:   cfg,
		speakers: make(map[int]*speakerState),
		now:      time.Now,
	}, nil
}

// Process measures one packet of little-endian 16-bit PCM from speakerID.
// A trailing odd byte is ignored.
func (m *Meter) Process(speakerID int, pcm []byte) Result {
	samples := len(pcm) / 2
	if samples == 0 {
		return Result{}
	}

	var energy float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		energy += s * s
	}
	level := math.Sqrt(energy/float64(samples)) / 32768.0

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.speakers[speakerID]
	if !ok {
		st = &speakerState{}
		m.speakers[speakerID] = st
	}
	if st.seen {
		level = m.config.Smoothing*level + (1-m.config.Smoothing)*st.level
	}
	st.level = level
	st.seen = true

	hasVoice := level >= m.config.Threshold
	frames := uint64(samples / m.config.Channels)
	st.totalSamples += frames
	m.packets++
	if hasVoice {
		st.voiceSamples += frames
		st.lastVoiceAt = m.now()
		m.voicePackets++
	}

	return Result{Level: level, HasVoice: hasVoice}
}

func (m *Meter) samplesToDuration(n uint64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(m.config.SampleRate)
}

// Activity returns talk time per speaker ordered by speaker id
func (m *Meter) Activity() []SpeakerActivity {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SpeakerActivity, 0, len(m.speakers))
	for id, st := range m.speakers {
		a := SpeakerActivity{
			SpeakerID: id,
			Voice:     m.samplesToDuration(st.voiceSamples),
			Total:     m.samplesToDuration(st.totalSamples),
		}
		if st.totalSamples > 0 {
			a.VoicePercentage = float64(st.voiceSamples) / float64(st.totalSamples) * 100
		}
		if !st.lastVoiceAt.IsZero() {
			t := st.lastVoiceAt
			a.LastVoiceAt = &t
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpeakerID < out[j].SpeakerID })
	return out
}

// GetStats returns current meter statistics
func (m *Meter) GetStats() MeterStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	voicePercentage := float64(0)
	if m.packets > 0 {
		voicePercentage = float64(m.voicePackets) / float64(m.packets) * 100
	}
	return MeterStats{
		Packets:         m.packets,
		VoicePackets:    m.voicePackets,
		VoicePercentage: voicePercentage,
		Threshold:       m.config.Threshold,
	}
}
