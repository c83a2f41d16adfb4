package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrEmptyFrame is returned when an audio packet carries no data
var ErrEmptyFrame = errors.New("empty audio frame")

// FrameSink receives fixed-size frames emitted by a Rebuffer
type FrameSink interface {
	SendFrame(frame []byte) error
}

// RebufferConfig describes the PCM layout and the target frame pacing
type RebufferConfig struct {
	SampleRate       int
	Channels         int
	BytesPerSample   int
	FrameDuration    time.Duration // target outbound frame duration
	MinFlushDuration time.Duration // shorter remainders are discarded on flush
}

// DefaultRebufferConfig returns 16kHz mono PCM-16 paced in 100ms frames
func DefaultRebufferConfig() RebufferConfig {
	return RebufferConfig{
		SampleRate:       16000,
		Channels:         1,
		BytesPerSample:   2,
		FrameDuration:    100 * time.Millisecond,
		MinFlushDuration: 50 * time.Millisecond,
	}
}

// Validate checks the configuration produces a usable frame size
func (c RebufferConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BytesPerSample <= 0 {
		return fmt.Errorf("bytes per sample must be positive, got %d", c.BytesPerSample)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("frame duration must be positive, got %s", c.FrameDuration)
	}
	if c.MinFlushDuration < 0 || c.MinFlushDuration > c.FrameDuration {
		return fmt.Errorf("min flush duration must be between 0 and %s, got %s", c.FrameDuration, c.MinFlushDuration)
	}
	return nil
}

// FrameBytes returns the exact size of every full outbound frame
func (c RebufferConfig) FrameBytes() int {
	return c.bytesFor(c.FrameDuration)
}

// MinFlushBytes returns the smallest remainder worth sending on flush
func (c RebufferConfig) MinFlushBytes() int {
	return c.bytesFor(c.MinFlushDuration)
}

// bytesFor converts a duration to a byte count aligned to whole sample blocks
func (c RebufferConfig) bytesFor(d time.Duration) int {
	block := c.Channels * c.BytesPerSample
	samples := int(int64(c.SampleRate) * int64(d) / int64(time.Second))
	return samples * block
}

// Rebuffer accumulates variable-size audio packets into fixed-size frames
// and forwards them, in push order, to a FrameSink.
type Rebuffer struct {
	config        RebufferConfig
	frameBytes    int
	minFlushBytes int
	sink          FrameSink
	tap           io.Writer
	logger        *slog.Logger

	pending     []byte
	stopped     bool
	lastSpeaker int

	// Statistics
	bytesIn        uint64
	framesEmitted  uint64
	framesDropped  uint64
	bytesDiscarded uint64

	mu sync.Mutex
}

// RebufferStats represents rebuffer statistics
type RebufferStats struct {
	BytesIn        uint64 `json:"bytes_in"`
	FramesEmitted  uint64 `json:"frames_emitted"`
	FramesDropped  uint64 `json:"frames_dropped"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
	PendingBytes   int    `json:"pending_bytes"`
	FrameBytes     int    `json:"frame_bytes"`
	Stopped        bool   `json:"stopped"`
}

// NewRebuffer creates a rebuffer that forwards frames to sink
func NewRebuffer(config RebufferConfig, sink FrameSink, logger *slog.Logger) (*Rebuffer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rebuffer config: %w", err)
	}
	if sink == nil {
		return nil, fmt.Errorf("frame sink cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	frameBytes := config.FrameBytes()
	return &Rebuffer{
		config:        config,
		frameBytes:    frameBytes,
		minFlushBytes: config.MinFlushBytes(),
		sink:          sink,
		logger:        logger,
		pending:       make([]byte, 0, frameBytes*2),
		lastSpeaker:   -1,
	}, nil
}

// SetTap mirrors every accepted byte to w (used for meeting recordings).
// Tap write failures are logged and never affect forwarding.
func (r *Rebuffer) SetTap(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tap = w
}

// Push appends a raw packet and emits every full frame now available
func (r *Rebuffer) Push(frame []byte, speakerID int) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.bytesIn += uint64(len(frame))
	r.lastSpeaker = speakerID

	if r.tap != nil {
		if _, err := r.tap.Write(frame); err != nil {
			r.logger.Warn("Failed to write audio tap", slog.String("error", err.Error()))
			r.tap = nil
		}
	}

	r.pending = append(r.pending, frame...)

	for len(r.pending) >= r.frameBytes {
		out := make([]byte, r.frameBytes)
		copy(out, r.pending[:r.frameBytes])

		// Shift the remainder down so the backing array does not grow unbounded
		n := copy(r.pending, r.pending[r.frameBytes:])
		r.pending = r.pending[:n]

		r.forward(out)
	}

	return nil
}

// Flush emits the remainder if it is long enough, otherwise discards it
func (r *Rebuffer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return
	}

	if len(r.pending) < r.minFlushBytes {
		r.bytesDiscarded += uint64(len(r.pending))
		r.pending = r.pending[:0]
		return
	}

	out := make([]byte, len(r.pending))
	copy(out, r.pending)
	r.pending = r.pending[:0]

	r.forward(out)
}

// StopForwarding makes every later emitted frame a silent drop
func (r *Rebuffer) StopForwarding() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// forward must be called with r.mu held
func (r *Rebuffer) forward(frame []byte) {
	if r.stopped {
		r.framesDropped++
		return
	}

	if err := r.sink.SendFrame(frame); err != nil {
		r.framesDropped++
		r.logger.Warn("Failed to forward audio frame",
			slog.Int("frame_bytes", len(frame)),
			slog.Int("speaker_id", r.lastSpeaker),
			slog.String("error", err.Error()),
		)
		return
	}

	r.framesEmitted++
}

// GetStats returns current rebuffer statistics
func (r *Rebuffer) GetStats() RebufferStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RebufferStats{
		BytesIn:        r.bytesIn,
		FramesEmitted:  r.framesEmitted,
		FramesDropped:  r.framesDropped,
		BytesDiscarded: r.bytesDiscarded,
		PendingBytes:   len(r.pending),
		FrameBytes:     r.frameBytes,
		Stopped:        r.stopped,
	}
}

// FrameBytes returns the configured outbound frame size
func (r *Rebuffer) FrameBytes() int {
	return r.frameBytes
}
