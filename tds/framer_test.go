package tds

import (
	"bytes"
	"testing"
)

func TestFramerRoundTrip(t *testing.T) {
	payload := []byte("hello, world, this is a test payload")

	enc := NewStreamFramer(DefaultMaxPacketSize)
	packets, err := enc.EncodeMessage(PacketSQLBatch, payload)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	dec := NewStreamFramer(DefaultMaxPacketSize)
	for _, p := range packets {
		dec.Feed(p.Bytes())
	}
	msgs, err := dec.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != PacketSQLBatch || !bytes.Equal(msgs[0].Payload, payload) {
		t.Fatalf("got %+v", msgs[0])
	}
}

func TestFramerFragmentationInvariance(t *testing.T) {
	payload := bytes.Repeat([]byte{0x41}, DefaultMaxPacketSize*3) // forces multiple packets

	enc := NewStreamFramer(DefaultMaxPacketSize)
	packets, err := enc.EncodeMessage(PacketBulkLoad, payload)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	var wire []byte
	for _, p := range packets {
		wire = append(wire, p.Bytes()...)
	}

	chunkSizes := []int{1, 3, 7, 512}
	for _, sz := range chunkSizes {
		dec := NewStreamFramer(DefaultMaxPacketSize)
		var msgs []Message
		for off := 0; off < len(wire); off += sz {
			end := off + sz
			if end > len(wire) {
				end = len(wire)
			}
			dec.Feed(wire[off:end])
			got, err := dec.Drain()
			if err != nil {
				t.Fatalf("chunk size %d: Drain: %v", sz, err)
			}
			msgs = append(msgs, got...)
		}
		if len(msgs) != 1 {
			t.Fatalf("chunk size %d: got %d messages, want 1", sz, len(msgs))
		}
		if !bytes.Equal(msgs[0].Payload, payload) {
			t.Fatalf("chunk size %d: payload mismatch", sz)
		}
	}
}

func TestFramerOrderingPreservation(t *testing.T) {
	enc := NewStreamFramer(DefaultMaxPacketSize)
	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}

	var wire []byte
	for _, p := range payloads {
		packets, err := enc.EncodeMessage(PacketRPCRequest, p)
		if err != nil {
			t.Fatalf("EncodeMessage: %v", err)
		}
		for _, pkt := range packets {
			wire = append(wire, pkt.Bytes()...)
		}
	}

	dec := NewStreamFramer(DefaultMaxPacketSize)
	dec.Feed(wire[:5])
	dec.Feed(wire[5:])
	msgs, err := dec.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(msgs) != len(payloads) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(payloads))
	}
	for i, p := range payloads {
		if !bytes.Equal(msgs[i].Payload, p) {
			t.Fatalf("message %d = %q, want %q", i, msgs[i].Payload, p)
		}
	}
}

func TestFramerScenario1SinglePacket(t *testing.T) {
	dec := NewStreamFramer(DefaultMaxPacketSize)
	dec.Feed([]byte{0x01, 0x01, 0x00, 0x09, 0x00, 0x00, 0x01, 0x00, 0x5A})

	msgs, err := dec.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != PacketSQLBatch || !bytes.Equal(msgs[0].Payload, []byte{0x5A}) {
		t.Fatalf("got %+v", msgs[0])
	}
}

func TestFramerScenario2SplitBytes(t *testing.T) {
	dec := NewStreamFramer(DefaultMaxPacketSize)
	dec.Feed([]byte{0x01, 0x01, 0x00, 0x09})
	if msgs, err := dec.Drain(); err != nil || len(msgs) != 0 {
		t.Fatalf("unexpected emission on partial header: msgs=%v err=%v", msgs, err)
	}
	dec.Feed([]byte{0x00, 0x00, 0x01, 0x00})
	if msgs, err := dec.Drain(); err != nil || len(msgs) != 0 {
		t.Fatalf("unexpected emission on partial payload: msgs=%v err=%v", msgs, err)
	}
	dec.Feed([]byte{0x5A})

	msgs, err := dec.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(msgs) != 1 || !bytes.Equal(msgs[0].Payload, []byte{0x5A}) {
		t.Fatalf("got %+v", msgs)
	}
}

func TestFramerScenario3MultiPacketMessage(t *testing.T) {
	dec := NewStreamFramer(DefaultMaxPacketSize)

	p1, err := NewPacketFromMessage([]byte{0xAA, 0xBB}, PacketReply, false, 1, 0, DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("NewPacketFromMessage: %v", err)
	}
	p2, err := NewPacketFromMessage([]byte{0xCC}, PacketReply, true, 2, 0, DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("NewPacketFromMessage: %v", err)
	}

	dec.Feed(p1.Bytes())
	dec.Feed(p2.Bytes())

	msgs, err := dec.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != PacketReply || !bytes.Equal(msgs[0].Payload, []byte{0xAA, 0xBB, 0xCC}) {
		t.Fatalf("got %+v", msgs[0])
	}
}

func TestFramerScenario4UnknownType(t *testing.T) {
	dec := NewStreamFramer(DefaultMaxPacketSize)
	dec.Feed([]byte{0x99, 0x01, 0x00, 0x09, 0x00, 0x00, 0x01, 0x00, 0x5A})

	msgs, err := dec.Drain()
	if err == nil {
		t.Fatal("expected InvalidFraming")
	}
	fe, ok := err.(*InvalidFraming)
	if !ok || fe.Reason != ReasonUnknownType {
		t.Fatalf("expected InvalidFraming(unknown_type), got %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages emitted, got %d", len(msgs))
	}
}

func TestFramerScenario5LengthTooShort(t *testing.T) {
	dec := NewStreamFramer(DefaultMaxPacketSize)
	dec.Feed([]byte{0x01, 0x01, 0x00, 0x05, 0x00, 0x00, 0x01, 0x00})

	_, err := dec.Drain()
	fe, ok := err.(*InvalidFraming)
	if !ok || fe.Reason != ReasonLengthOutOfRange {
		t.Fatalf("expected InvalidFraming(length_out_of_range), got %v", err)
	}
}

func TestFramerDefensiveEmitOnTypeChange(t *testing.T) {
	dec := NewStreamFramer(DefaultMaxPacketSize)

	unterminated, err := NewPacketFromMessage([]byte{0x01}, PacketSQLBatch, false, 1, 0, DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("NewPacketFromMessage: %v", err)
	}
	other, err := NewPacketFromMessage([]byte{0x02}, PacketRPCRequest, true, 1, 0, DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("NewPacketFromMessage: %v", err)
	}

	dec.Feed(unterminated.Bytes())
	dec.Feed(other.Bytes())

	msgs, err := dec.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (defensive emit + new message)", len(msgs))
	}
	if msgs[0].Type != PacketSQLBatch || !bytes.Equal(msgs[0].Payload, []byte{0x01}) {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[0].Partial {
		t.Fatal("defensive emit is not the same as a close-time partial emit")
	}
	if msgs[1].Type != PacketRPCRequest || !bytes.Equal(msgs[1].Payload, []byte{0x02}) {
		t.Fatalf("second message = %+v", msgs[1])
	}
}

func TestFramerCloseEmitsPartialMessage(t *testing.T) {
	dec := NewStreamFramer(DefaultMaxPacketSize)

	pkt, err := NewPacketFromMessage([]byte{0x01, 0x02}, PacketSQLBatch, false, 1, 0, DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("NewPacketFromMessage: %v", err)
	}
	dec.Feed(pkt.Bytes())
	if _, err := dec.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	msg := dec.Close()
	if msg == nil {
		t.Fatal("expected a partial Message on close")
	}
	if !msg.Partial {
		t.Fatal("expected Partial == true")
	}
	if !bytes.Equal(msg.Payload, []byte{0x01, 0x02}) {
		t.Fatalf("payload = %v, want [1 2]", msg.Payload)
	}
}

func TestFramerCloseWithNothingPendingReturnsNil(t *testing.T) {
	dec := NewStreamFramer(DefaultMaxPacketSize)
	if msg := dec.Close(); msg != nil {
		t.Fatalf("expected nil, got %+v", msg)
	}
}

func TestEncodeMessagePacketIDsSequential(t *testing.T) {
	enc := NewStreamFramer(DefaultMaxPacketSize)
	payload := bytes.Repeat([]byte{0x01}, (DefaultMaxPacketSize-HeaderSize)*3+10)

	packets, err := enc.EncodeMessage(PacketBulkLoad, payload)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if len(packets) != 4 {
		t.Fatalf("got %d packets, want 4", len(packets))
	}
	for i, p := range packets {
		if p.Header.PacketID != uint8(i+1) {
			t.Fatalf("packet %d has PacketID %d, want %d", i, p.Header.PacketID, i+1)
		}
		isLast := i == len(packets)-1
		if p.Header.Status.IsEOM() != isLast {
			t.Fatalf("packet %d EOM = %v, want %v", i, p.Header.Status.IsEOM(), isLast)
		}
	}
}
