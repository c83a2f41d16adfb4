package server

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/meeting-insight-service/internal/config"
	"github.com/skypro1111/meeting-insight-service/internal/metrics"
	"github.com/skypro1111/meeting-insight-service/internal/protocol"
)

func startUDPServer(t *testing.T, meetings Meetings) (*UDPServer, net.Conn) {
	t.Helper()

	cfg := &config.ServerConfig{
		BindAddress: "127.0.0.1",
		UDPPort:     0,
		BufferSize:  65536,
		Workers:     4,
		QueueSize:   100,
	}
	s := NewUDPServer(cfg, meetings, metrics.NewMetrics(prometheus.NewRegistry()), testLogger())
	require.NoError(t, s.Start())

	client, err := net.Dial("udp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return s, client
}

// sender returns a function writing encoded packets to conn
func sender(t *testing.T, conn net.Conn) func([]byte, error) {
	return func(packet []byte, err error) {
		t.Helper()
		require.NoError(t, err)
		_, err = conn.Write(packet)
		require.NoError(t, err)
	}
}

func TestUDPServerRoutesPackets(t *testing.T) {
	meetings := newFakeMeetings()
	s, client := startUDPServer(t, meetings)
	send := sender(t, client)

	send(protocol.EncodeControlPacket("m1", protocol.ActionStart, "stream-9"))
	assert.Eventually(t, func() bool { return meetings.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	// Packets of one meeting are handled in arrival order
	sizes := []int{1000, 1500, 700}
	for i, n := range sizes {
		send(protocol.EncodeAudioPacket("m1", uint32(7+i), make([]byte, n)))
	}
	assert.Eventually(t, func() bool { return len(meetings.audioCalls()) == 3 }, time.Second, 5*time.Millisecond)

	calls := meetings.audioCalls()
	for i, n := range sizes {
		assert.Equal(t, audioCall{meetingID: "m1", speakerID: 7 + i, size: n}, calls[i])
	}

	// Audio for a meeting nobody started is counted but not routed
	send(protocol.EncodeAudioPacket("other", 1, []byte{1, 2}))

	// Garbage is a parse error
	_, err := client.Write([]byte{0x02, 0x00})
	require.NoError(t, err)

	send(protocol.EncodeControlPacket("m1", protocol.ActionStop, ""))
	assert.Eventually(t, func() bool { return meetings.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		stats := s.GetStatistics()
		return stats.PacketsReceived == 7 && stats.ParseErrors == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())

	stats := s.GetStatistics()
	assert.Equal(t, uint64(6), stats.PacketsProcessed)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, uint64(400), stats.QueueCapacity)

	meetings.mu.Lock()
	defer meetings.mu.Unlock()
	require.Len(t, meetings.started, 1)
	assert.Equal(t, "stream-9", meetings.started[0].StreamID)
	assert.Equal(t, []string{"m1"}, meetings.stopped)
}

func TestShardForIsStable(t *testing.T) {
	s := NewUDPServer(&config.ServerConfig{Workers: 8, QueueSize: 1}, newFakeMeetings(), nil, testLogger())

	a1, _ := protocol.EncodeAudioPacket("meeting-a", 1, []byte{1})
	a2, _ := protocol.EncodeAudioPacket("meeting-a", 2, make([]byte, 640))
	ctl, _ := protocol.EncodeControlPacket("meeting-a", protocol.ActionStop, "")

	shard := s.shardFor(a1)
	if s.shardFor(a2) != shard || s.shardFor(ctl) != shard {
		t.Errorf("Packets of one meeting should share a worker")
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x02, 0x00, 0x10}},
		{"id longer than packet", []byte{0x02, 0x00, 0x20, 0, 0, 0, 1, 200, 'a'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.shardFor(tt.data); got != 0 {
				t.Errorf("Expected shard 0, got %d", got)
			}
		})
	}
}
