package tds

// Packet is a single framed TDS unit: an 8-byte header followed by its
// payload, stored contiguously so that buffer.len() == header.Length.
type Packet struct {
	Header Header
	buf    []byte // full wire bytes: header + payload
}

// Payload returns the packet's payload bytes (buf without the header).
func (p Packet) Payload() []byte {
	return p.buf[HeaderSize:]
}

// Bytes returns the full wire-form bytes of the packet (header + payload).
func (p Packet) Bytes() []byte {
	return p.buf
}

// TryParsePacket attempts to parse one complete packet from the front of
// buf. It is restartable: on anything other than full success it leaves
// buf untouched (conceptually — it never mutates buf) and reports how
// many bytes, if any, to advance.
//
// Returns (packet, consumed, error):
//   - consumed == 0, error == nil: not enough bytes yet, try again later
//   - consumed == 0, error != nil: invalid framing, connection must close
//   - consumed  > 0, error == nil: packet parsed, advance buf[:consumed]
func TryParsePacket(buf []byte, maxPacketSize int) (Packet, int, error) {
	if len(buf) < HeaderSize {
		return Packet{}, 0, nil
	}

	hdr, err := ParseHeader(buf[:HeaderSize], maxPacketSize)
	if err != nil {
		return Packet{}, 0, err
	}

	total := int(hdr.Length)
	if len(buf) < total {
		return Packet{}, 0, nil
	}

	owned := make([]byte, total)
	copy(owned, buf[:total])
	return Packet{Header: hdr, buf: owned}, total, nil
}

// NewPacketFromMessage builds a single packet wrapping payload, with the
// given type, packet id, and EOM bit set iff isLast. Fails if the
// payload does not fit within maxPacketSize - HeaderSize bytes.
func NewPacketFromMessage(payload []byte, typ PacketType, isLast bool, packetID uint8, spid uint16, maxPacketSize int) (Packet, error) {
	maxPayload := maxPacketSize - HeaderSize
	if len(payload) > maxPayload {
		return Packet{}, &PayloadTooLarge{PayloadLen: len(payload), Max: maxPayload}
	}

	status := StatusNormal
	if isLast {
		status = StatusEOM
	}

	hdr := Header{
		Type:     typ,
		Status:   status,
		Length:   uint16(HeaderSize + len(payload)),
		SPID:     spid,
		PacketID: packetID,
		Window:   0,
	}

	buf := make([]byte, HeaderSize+len(payload))
	hb := hdr.Marshal()
	copy(buf[:HeaderSize], hb[:])
	copy(buf[HeaderSize:], payload)

	return Packet{Header: hdr, buf: buf}, nil
}
