package rtc

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestPacketRoundtrip(t *testing.T) {
	p := NewPacket(PacketTypeAudioFrame, uuid.New(), 42)
	p.Payload = []byte("frame data")

	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Version != ProtocolVersion {
		t.Errorf("Version = %d, want %d", got.Version, ProtocolVersion)
	}
	if got.Type != PacketTypeAudioFrame {
		t.Errorf("Type = %d, want %d", got.Type, PacketTypeAudioFrame)
	}
	if got.SessionID != p.SessionID {
		t.Errorf("SessionID = %s, want %s", got.SessionID, p.SessionID)
	}
	if got.Seq != 42 {
		t.Errorf("Seq = %d, want 42", got.Seq)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, p.Payload)
	}
}

func TestPacketEmptyPayload(t *testing.T) {
	p := NewPacket(PacketTypePing, uuid.New(), 1)

	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("Payload = %v, want empty", got.Payload)
	}
}

func TestPacketRejectsCorruptPayload(t *testing.T) {
	p := NewPacket(PacketTypeAudioFrame, uuid.New(), 7)
	p.Payload = []byte("original payload")

	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	// Flip a payload byte so the checksum no longer matches
	data[len(data)-1] ^= 0xff

	if _, err := Unmarshal(data); err == nil {
		t.Fatal("Unmarshal() accepted corrupt payload")
	}
}

func TestPacketRejectsOversizedPayload(t *testing.T) {
	p := NewPacket(PacketTypeAudioFrame, uuid.New(), 1)
	p.Payload = make([]byte, MaxPayloadSize+1)

	if _, err := p.Marshal(); err == nil {
		t.Fatal("Marshal() accepted oversized payload")
	}
}

func TestPacketRejectsTruncatedData(t *testing.T) {
	if _, err := Unmarshal([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("Unmarshal() accepted truncated data")
	}
}
