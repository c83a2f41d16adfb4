package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/meeting-insight-service/internal/config"
	"github.com/skypro1111/meeting-insight-service/internal/meeting"
	"github.com/skypro1111/meeting-insight-service/internal/metrics"
	"github.com/skypro1111/meeting-insight-service/internal/protocol"
)

// UDPServer receives raw meeting audio and control packets
type UDPServer struct {
	conn     *net.UDPConn
	config   *config.ServerConfig
	logger   *slog.Logger
	meetings Meetings
	metrics  *metrics.Metrics

	// Concurrency management
	ctx      context.Context
	cancel   context.CancelFunc
	recvWG   sync.WaitGroup
	workerWG sync.WaitGroup
	stopWG   sync.WaitGroup

	// One queue per worker; a meeting always lands on the same worker
	queues []chan *incomingPacket

	stopTimeout time.Duration

	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	dropped          uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, meetings Meetings, m *metrics.Metrics, logger *slog.Logger) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1000
	}

	queues := make([]chan *incomingPacket, workers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, queueSize)
	}

	return &UDPServer{
		config:      cfg,
		logger:      logger,
		meetings:    meetings,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		queues:      queues,
		stopTimeout: 30 * time.Second,
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.queues)),
	)

	for i := range s.queues {
		s.workerWG.Add(1)
		go s.packetProcessor(i)
	}

	s.recvWG.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server. Queued packets are still processed.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	// Close UDP connection to unblock the receive loop
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}
	s.recvWG.Wait()

	for _, q := range s.queues {
		close(q)
	}
	s.workerWG.Wait()
	s.stopWG.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("dropped", stats.Dropped),
	)

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.recvWG.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		// Copy out of the reused buffer
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		queue := s.queues[s.shardFor(packetData)]
		select {
		case queue <- packet:
			s.metrics.SetQueueSize(s.queueDepth())
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()

			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// shardFor picks a worker from the meeting id in the header. Packets too
// short to carry one go to worker 0, which reports the parse error.
func (s *UDPServer) shardFor(data []byte) int {
	if len(data) < protocol.HeaderSize {
		return 0
	}
	idEnd := protocol.HeaderSize + int(data[protocol.HeaderSize-1])
	if idEnd > len(data) {
		return 0
	}

	h := fnv.New32a()
	_, _ = h.Write(data[protocol.HeaderSize:idEnd])
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *UDPServer) queueDepth() int {
	depth := 0
	for _, q := range s.queues {
		depth += len(q)
	}
	return depth
}

// packetProcessor processes packets from one shard queue
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.workerWG.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.queues[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()

	switch parsed.Header.PacketType {
	case protocol.PacketTypeControl:
		s.processControlPacket(parsed, workerID)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(parsed, workerID)
	}
}

// processControlPacket starts or stops a meeting
func (s *UDPServer) processControlPacket(packet *protocol.ParsedPacket, workerID int) {
	logger := s.logger.With(
		slog.String("meeting_id", packet.MeetingID),
		slog.Int("worker_id", workerID),
	)

	switch packet.Control.Action {
	case protocol.ActionStart:
		snap, err := s.meetings.Start(s.ctx, meeting.StartRequest{
			MeetingID: packet.MeetingID,
			StreamID:  packet.Control.StreamID,
		})
		if err != nil {
			logger.Error("Failed to start meeting", slog.String("error", err.Error()))
			return
		}
		logger.Info("Meeting started from control packet", slog.String("session_id", snap.SessionID))

	case protocol.ActionStop:
		// Stop waits for the final extraction; other meetings on this worker keep flowing
		s.stopWG.Add(1)
		go func() {
			defer s.stopWG.Done()

			ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
			defer cancel()

			if _, err := s.meetings.Stop(ctx, packet.MeetingID); err != nil {
				logger.Error("Failed to stop meeting", slog.String("error", err.Error()))
				return
			}
			logger.Info("Meeting stopped from control packet")
		}()
	}
}

// processAudioPacket routes audio to its meeting
func (s *UDPServer) processAudioPacket(packet *protocol.ParsedPacket, workerID int) {
	err := s.meetings.HandleAudio(packet.MeetingID, int(packet.Header.SpeakerID), packet.Audio)
	if err != nil {
		if errors.Is(err, meeting.ErrUnknownMeeting) {
			s.logger.Debug("Received audio packet for unknown meeting",
				slog.String("meeting_id", packet.MeetingID),
				slog.Int("audio_size", len(packet.Audio)),
				slog.Int("worker_id", workerID),
			)
			return
		}
		s.logger.Warn("Failed to route audio packet",
			slog.String("meeting_id", packet.MeetingID),
			slog.Uint64("speaker_id", uint64(packet.Header.SpeakerID)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
	}
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capacity := 0
	for _, q := range s.queues {
		capacity += cap(q)
	}

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		Dropped:          s.dropped,
		QueueSize:        uint64(s.queueDepth()),
		QueueCapacity:    uint64(capacity),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	Dropped          uint64 `json:"dropped"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
