package tds

// Message is a fully reassembled logical unit of TDS traffic: one or
// more Packets of the same type, concatenated payload-first in the
// order their packet_id values were sent.
type Message struct {
	Type    PacketType
	Payload []byte
	// Partial is set on a Message emitted by Close because the
	// transport ended mid-message: the accumulator was non-empty but
	// no EOM had arrived.
	Partial bool
}

// StreamFramer reassembles an inbound byte stream into Messages and
// splits outbound Messages into Packets. A StreamFramer is owned by a
// single connection's executor; it is not safe for concurrent use.
type StreamFramer struct {
	maxPacketSize int

	buf []byte // bytes fed but not yet consumed into a Packet

	accumulated []Packet
	currentType PacketType
	hasCurrent  bool

	closed bool
}

// NewStreamFramer constructs a decoder/encoder pair bound to
// maxPacketSize. Use DefaultMaxPacketSize before TDS login negotiates a
// different size; call SetMaxPacketSize after negotiation completes.
func NewStreamFramer(maxPacketSize int) *StreamFramer {
	return &StreamFramer{maxPacketSize: maxPacketSize}
}

// SetMaxPacketSize updates the packet size used for both parse
// validation and outbound splitting, reflecting a post-login
// negotiation.
func (f *StreamFramer) SetMaxPacketSize(n int) {
	f.maxPacketSize = n
}

// Feed appends bytes to the framer's internal buffer. It never blocks
// and never parses; call Drain to extract Messages.
func (f *StreamFramer) Feed(b []byte) {
	if f.closed {
		return
	}
	f.buf = append(f.buf, b...)
}

// Drain attempts to extract as many complete Messages as the current
// buffer permits, in arrival order. It returns a fatal, non-nil
// *InvalidFraming error the instant framing drifts; once that happens
// the StreamFramer must not be used again and the connection must be
// closed.
func (f *StreamFramer) Drain() ([]Message, error) {
	if f.closed {
		return nil, nil
	}

	var out []Message
	for {
		pkt, consumed, err := TryParsePacket(f.buf, f.maxPacketSize)
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			return out, nil
		}
		f.buf = f.buf[consumed:]

		out = append(out, f.absorb(pkt)...)
	}
}

// absorb folds pkt into the current accumulator, defensively emitting
// the prior Message if pkt's type differs, and emitting the current
// Message when pkt carries the EOM bit. Both can fire for the same
// packet (a single-packet message whose type differs from the
// unterminated message ahead of it), so this returns every Message
// absorbing pkt produced, in emission order.
func (f *StreamFramer) absorb(pkt Packet) []Message {
	var out []Message

	if !f.hasCurrent {
		f.currentType = pkt.Header.Type
		f.hasCurrent = true
	} else if pkt.Header.Type != f.currentType {
		out = append(out, f.flush(false))
		f.currentType = pkt.Header.Type
		f.hasCurrent = true
	}

	f.accumulated = append(f.accumulated, pkt)

	if pkt.Header.Status.IsEOM() {
		out = append(out, f.flush(false))
	}

	return out
}

// flush concatenates the accumulator's payloads into one Message and
// resets accumulation state. partial marks a Message emitted because
// the transport closed rather than because EOM arrived.
func (f *StreamFramer) flush(partial bool) Message {
	typ := f.currentType
	total := 0
	for _, p := range f.accumulated {
		total += len(p.Payload())
	}
	payload := make([]byte, 0, total)
	for _, p := range f.accumulated {
		payload = append(payload, p.Payload()...)
	}

	f.accumulated = nil
	f.hasCurrent = false

	return Message{Type: typ, Payload: payload, Partial: partial}
}

// Close signals that the transport has ended. If a Message was
// mid-accumulation, it is emitted as a Partial Message rather than
// silently discarded, so the caller can report truncation instead of
// hanging. After Close, Feed and Drain are no-ops.
func (f *StreamFramer) Close() *Message {
	if f.closed {
		return nil
	}
	f.closed = true

	if !f.hasCurrent || len(f.accumulated) == 0 {
		return nil
	}
	msg := f.flush(true)
	return &msg
}

// EncodeMessage splits payload into Packets of at most
// maxPacketSize-HeaderSize bytes each, with sequential packet_id
// values starting at 1 (wrapping modulo 256) and the EOM bit set on
// the last Packet only.
func (f *StreamFramer) EncodeMessage(typ PacketType, payload []byte) ([]Packet, error) {
	maxPayload := f.maxPacketSize - HeaderSize
	if maxPayload <= 0 {
		return nil, &PayloadTooLarge{PayloadLen: len(payload), Max: 0}
	}

	if len(payload) == 0 {
		pkt, err := NewPacketFromMessage(nil, typ, true, 1, 0, f.maxPacketSize)
		if err != nil {
			return nil, err
		}
		return []Packet{pkt}, nil
	}

	var packets []Packet
	id := uint8(1)
	for off := 0; off < len(payload); off += maxPayload {
		end := off + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		isLast := end == len(payload)

		pkt, err := NewPacketFromMessage(payload[off:end], typ, isLast, id, 0, f.maxPacketSize)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)

		id++
	}

	return packets, nil
}
