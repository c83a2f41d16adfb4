package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants
const (
	// Packet types
	PacketTypeControl = 0x01
	PacketTypeAudio   = 0x02

	// Control actions
	ActionStart = 0x01
	ActionStop  = 0x02

	// Packet structure sizes
	HeaderSize         = 8 // 1 + 2 + 4 + 1 bytes
	ControlHeaderSize  = 1 // action byte
	MaxMeetingIDLength = 255
	MaxPacketSize      = 65535
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][SpeakerID:4][MeetingIDLen:1]
type Header struct {
	PacketType   uint8  // 0x01=Control, 0x02=Audio
	PacketLen    uint16 // Total packet size (header + meeting id + payload)
	SpeakerID    uint32 // Speaker identifier assigned by the media source
	MeetingIDLen uint8  // Length of the meeting id that follows the header
}

// ControlPayload carries a lifecycle action for gateways without webhooks
// Layout: [Action:1][StreamID:N]
type ControlPayload struct {
	Action   uint8
	StreamID string
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header    *Header
	MeetingID string
	Control   *ControlPayload // Only set for control packets
	Audio     []byte          // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType:   data[0],
		PacketLen:    binary.BigEndian.Uint16(data[1:3]),
		SpeakerID:    binary.BigEndian.Uint32(data[3:7]),
		MeetingIDLen: data[7],
	}

	return header, nil
}

// ParseControlPayload parses the payload of a control packet
func ParseControlPayload(data []byte) (*ControlPayload, error) {
	if len(data) < ControlHeaderSize {
		return nil, fmt.Errorf("control payload too short: expected at least %d bytes, got %d",
			ControlHeaderSize, len(data))
	}

	payload := &ControlPayload{
		Action:   data[0],
		StreamID: string(data[ControlHeaderSize:]),
	}
	if !IsValidAction(payload.Action) {
		return nil, fmt.Errorf("invalid control action: 0x%02x", payload.Action)
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + meeting id + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	idEnd := HeaderSize + int(header.MeetingIDLen)
	packet := &ParsedPacket{
		Header:    header,
		MeetingID: string(data[HeaderSize:idEnd]),
	}
	payloadData := data[idEnd:]

	switch header.PacketType {
	case PacketTypeControl:
		payload, err := ParseControlPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse control payload: %w", err)
		}
		packet.Control = payload

	case PacketTypeAudio:
		// Copy audio data so the caller may reuse the read buffer
		packet.Audio = make([]byte, len(payloadData))
		copy(packet.Audio, payloadData)

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.MeetingIDLen == 0 {
		return fmt.Errorf("meeting id length cannot be zero")
	}

	minLen := HeaderSize + int(header.MeetingIDLen)
	if int(header.PacketLen) < minLen {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, minLen)
	}

	payloadSize := int(header.PacketLen) - minLen
	switch header.PacketType {
	case PacketTypeControl:
		if payloadSize < ControlHeaderSize {
			return fmt.Errorf("control packet payload too small: expected at least %d, got %d",
				ControlHeaderSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize == 0 {
			return fmt.Errorf("audio packet carries no audio data")
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeControl || ptype == PacketTypeAudio
}

// IsValidAction checks if the control action is valid
func IsValidAction(action uint8) bool {
	return action == ActionStart || action == ActionStop
}

// EncodeAudioPacket builds an audio packet for meetingID and speakerID
func EncodeAudioPacket(meetingID string, speakerID uint32, pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("audio data cannot be empty")
	}
	return encode(PacketTypeAudio, meetingID, speakerID, pcm)
}

// EncodeControlPacket builds a control packet carrying action for meetingID
func EncodeControlPacket(meetingID string, action uint8, streamID string) ([]byte, error) {
	if !IsValidAction(action) {
		return nil, fmt.Errorf("invalid control action: 0x%02x", action)
	}
	payload := make([]byte, 0, ControlHeaderSize+len(streamID))
	payload = append(payload, action)
	payload = append(payload, streamID...)
	return encode(PacketTypeControl, meetingID, 0, payload)
}

func encode(ptype uint8, meetingID string, speakerID uint32, payload []byte) ([]byte, error) {
	if len(meetingID) == 0 || len(meetingID) > MaxMeetingIDLength {
		return nil, fmt.Errorf("meeting id length must be between 1 and %d, got %d", MaxMeetingIDLength, len(meetingID))
	}

	total := HeaderSize + len(meetingID) + len(payload)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", total, MaxPacketSize)
	}

	buf := make([]byte, total)
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(total))
	binary.BigEndian.PutUint32(buf[3:7], speakerID)
	buf[7] = uint8(len(meetingID))
	copy(buf[HeaderSize:], meetingID)
	copy(buf[HeaderSize+len(meetingID):], payload)

	return buf, nil
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeControl:
		packetType = "Control"
	case PacketTypeAudio:
		packetType = "Audio"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, SpeakerID:%d, MeetingIDLen:%d}",
		packetType, h.PacketLen, h.SpeakerID, h.MeetingIDLen)
}

// String returns a human-readable representation of the control payload
func (c *ControlPayload) String() string {
	action := "stop"
	if c.Action == ActionStart {
		action = "start"
	}
	return fmt.Sprintf("ControlPayload{Action:%s, StreamID:%q}", action, c.StreamID)
}
