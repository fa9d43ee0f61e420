package tds

import (
	"bytes"
	"testing"
)

func TestTryParsePacketNeedsMoreBytes(t *testing.T) {
	pkt, consumed, err := TryParsePacket([]byte{0x01, 0x01, 0x00}, DefaultMaxPacketSize)
	if err != nil || consumed != 0 {
		t.Fatalf("expected not-yet, got pkt=%+v consumed=%d err=%v", pkt, consumed, err)
	}
}

func TestTryParsePacketNeedsMorePayload(t *testing.T) {
	h := Header{Type: PacketSQLBatch, Status: StatusEOM, Length: 12}
	wire := h.Marshal()
	buf := append(wire[:], []byte{1, 2, 3}...) // only 3 of 4 payload bytes

	_, consumed, err := TryParsePacket(buf, DefaultMaxPacketSize)
	if err != nil || consumed != 0 {
		t.Fatalf("expected not-yet on truncated payload, got consumed=%d err=%v", consumed, err)
	}
}

func TestTryParsePacketRejectsInvalidHeader(t *testing.T) {
	h := Header{Type: PacketSQLBatch, Length: HeaderSize}
	wire := h.Marshal()
	wire[0] = 0xFF // corrupt the type byte after marshaling a valid header

	_, consumed, err := TryParsePacket(wire[:], DefaultMaxPacketSize)
	if err == nil || consumed != 0 {
		t.Fatalf("expected reject, got consumed=%d err=%v", consumed, err)
	}
	if _, ok := err.(*InvalidFraming); !ok {
		t.Fatalf("expected *InvalidFraming, got %T", err)
	}
}

func TestTryParsePacketConsumesExactly(t *testing.T) {
	payload := []byte("hello")
	pkt, err := NewPacketFromMessage(payload, PacketSQLBatch, true, 1, 0, DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("NewPacketFromMessage: %v", err)
	}
	wire := pkt.Bytes()
	trailing := []byte("next-packet-bytes")
	buf := append(append([]byte{}, wire...), trailing...)

	got, consumed, err := TryParsePacket(buf, DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("TryParsePacket: %v", err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
	if !bytes.Equal(got.Payload(), payload) {
		t.Fatalf("Payload() = %q, want %q", got.Payload(), payload)
	}
	if !got.Header.Status.IsEOM() {
		t.Fatal("expected EOM set")
	}
}

func TestNewPacketFromMessageRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, DefaultMaxPacketSize)
	_, err := NewPacketFromMessage(payload, PacketSQLBatch, true, 1, 0, DefaultMaxPacketSize)
	if err == nil {
		t.Fatal("expected PayloadTooLarge")
	}
	if _, ok := err.(*PayloadTooLarge); !ok {
		t.Fatalf("expected *PayloadTooLarge, got %T", err)
	}
}

func TestNewPacketFromMessageNotLast(t *testing.T) {
	pkt, err := NewPacketFromMessage([]byte("abc"), PacketSQLBatch, false, 5, 0, DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("NewPacketFromMessage: %v", err)
	}
	if pkt.Header.Status.IsEOM() {
		t.Fatal("expected EOM unset")
	}
	if pkt.Header.PacketID != 5 {
		t.Fatalf("PacketID = %d, want 5", pkt.Header.PacketID)
	}
}
