package rtc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

const (
	PacketTypePing       = 0x01
	PacketTypePong       = 0x02
	PacketTypeAudioFrame = 0x03
	PacketTypeBinding    = 0x04
	PacketTypeBindingAck = 0x05
	PacketTypeBye        = 0x06
)

const (
	ProtocolVersion = 0x01
	MaxPayloadSize  = 1400
	MaxPacketSize   = 2048

	// header: version(1) + type(1) + session(16) + seq(4) + checksum(4) + len(2)
	headerSize = 28
)

// Packet is one datagram of the call transport
type Packet struct {
	Version    uint8
	Type       uint8
	SessionID  uuid.UUID
	Seq        uint32
	Checksum   uint32
	PayloadLen uint16
	Payload    []byte
}

// Marshal converts a Packet to bytes
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d", len(p.Payload), MaxPayloadSize)
	}

	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.BigEndian, p.Version); err != nil {
		return nil, err
	}

	if err := binary.Write(buf, binary.BigEndian, p.Type); err != nil {
		return nil, err
	}

	if _, err := buf.Write(p.SessionID[:]); err != nil {
		return nil, err
	}

	if err := binary.Write(buf, binary.BigEndian, p.Seq); err != nil {
		return nil, err
	}

	// Calculate checksum of payload
	p.Checksum = crc32.ChecksumIEEE(p.Payload)
	if err := binary.Write(buf, binary.BigEndian, p.Checksum); err != nil {
		return nil, err
	}

	p.PayloadLen = uint16(len(p.Payload))
	if err := binary.Write(buf, binary.BigEndian, p.PayloadLen); err != nil {
		return nil, err
	}

	if _, err := buf.Write(p.Payload); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal converts bytes to a Packet
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("packet too small: %d bytes", len(data))
	}

	buf := bytes.NewReader(data)
	p := &Packet{}

	if err := binary.Read(buf, binary.BigEndian, &p.Version); err != nil {
		return nil, err
	}
	if err := binary.Read(buf, binary.BigEndian, &p.Type); err != nil {
		return nil, err
	}

	sessionIDBytes := make([]byte, 16)
	if _, err := buf.Read(sessionIDBytes); err != nil {
		return nil, err
	}
	p.SessionID, _ = uuid.FromBytes(sessionIDBytes)

	if err := binary.Read(buf, binary.BigEndian, &p.Seq); err != nil {
		return nil, err
	}

	if err := binary.Read(buf, binary.BigEndian, &p.Checksum); err != nil {
		return nil, err
	}

	if err := binary.Read(buf, binary.BigEndian, &p.PayloadLen); err != nil {
		return nil, err
	}

	if p.PayloadLen > 0 {
		p.Payload = make([]byte, p.PayloadLen)
		if _, err := buf.Read(p.Payload); err != nil {
			return nil, err
		}

		// Verify checksum
		calculatedChecksum := crc32.ChecksumIEEE(p.Payload)
		if calculatedChecksum != p.Checksum {
			return nil, fmt.Errorf("checksum mismatch: expected %d, got %d", p.Checksum, calculatedChecksum)
		}
	} else {
		p.Payload = []byte{}
	}

	return p, nil
}

// NewPacket creates a new Packet with default values
func NewPacket(packetType uint8, sessionID uuid.UUID, seq uint32) *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      packetType,
		SessionID: sessionID,
		Seq:       seq,
	}
}
