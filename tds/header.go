// Package tds implements the wire-level framing of the Tabular Data
// Stream (TDS) protocol: the 8-byte packet header, the packet itself,
// and the stream framer that reassembles packets into logical messages.
//
// It does not implement the TDS token stream (login, RPC, COLMETADATA,
// ROW, DONE, ENVCHANGE, ...) — that belongs to a higher layer built on
// top of the Messages this package produces.
package tds

import (
	"encoding/binary"
	"fmt"
)

// PacketType identifies the kind of TDS packet carried by a header.
type PacketType uint8

// Recognized TDS packet types (MS-TDS 2.2.3.1.1). Any other byte value
// is invalid framing.
const (
	PacketSQLBatch   PacketType = 0x01
	PacketPreTDS7Login PacketType = 0x02
	PacketRPCRequest PacketType = 0x03
	PacketReply      PacketType = 0x04
	PacketAttention  PacketType = 0x06
	PacketBulkLoad   PacketType = 0x07
	PacketFedAuthToken PacketType = 0x08
	PacketPrelogin   PacketType = 0x12
	PacketLogin7     PacketType = 0x13
	PacketSSPI       PacketType = 0x14
	PacketTransMgr   PacketType = 0x15
	PacketTLS        PacketType = 0x16
)

func (t PacketType) String() string {
	switch t {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketPreTDS7Login:
		return "PRE_TDS7_LOGIN"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketPrelogin:
		return "PRELOGIN"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPI:
		return "SSPI"
	case PacketTransMgr:
		return "TRANS_MGR"
	case PacketTLS:
		return "TLS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// isRecognized reports whether t is one of the wire type values
// understood by this layer.
func (t PacketType) isRecognized() bool {
	switch t {
	case PacketSQLBatch, PacketPreTDS7Login, PacketRPCRequest, PacketReply,
		PacketAttention, PacketBulkLoad, PacketFedAuthToken, PacketPrelogin,
		PacketLogin7, PacketSSPI, PacketTransMgr, PacketTLS:
		return true
	default:
		return false
	}
}

// Status holds the packet-status bit flags (MS-TDS 2.2.3.1.2). This
// layer only interprets StatusEOM; other bits are preserved verbatim.
type Status uint8

const (
	StatusNormal Status = 0x00
	// StatusEOM marks the final packet of a message.
	StatusEOM Status = 0x01
)

// IsEOM reports whether the end-of-message bit is set.
func (s Status) IsEOM() bool {
	return s&StatusEOM != 0
}

// HeaderSize is the fixed size, in bytes, of a TDS packet header.
const HeaderSize = 8

// DefaultMaxPacketSize is the TDS packet size used before any
// negotiation takes place.
const DefaultMaxPacketSize = 4096

// Header is the 8-byte TDS packet header:
//
//	[type:1][status:1][length:2 BE][spid:2 BE][packet_id:1][window:1]
type Header struct {
	Type     PacketType
	Status   Status
	Length   uint16 // total packet length, including this header
	SPID     uint16 // server process id, opaque at this layer
	PacketID uint8  // sequence number within a message, wraps at 256
	Window   uint8  // reserved, always written as 0
}

// ParseHeader decodes an 8-byte buffer into a Header, validating length
// and type against maxPacketSize. buf must be exactly HeaderSize bytes.
func ParseHeader(buf []byte, maxPacketSize int) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("tds: header buffer must be %d bytes, got %d", HeaderSize, len(buf))
	}

	h := Header{
		Type:     PacketType(buf[0]),
		Status:   Status(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}

	if int(h.Length) < HeaderSize || int(h.Length) > maxPacketSize {
		return Header{}, &InvalidFraming{
			Reason: ReasonLengthOutOfRange,
			Detail: fmt.Sprintf("length %d out of range [%d, %d]", h.Length, HeaderSize, maxPacketSize),
		}
	}
	if !h.Type.isRecognized() {
		return Header{}, &InvalidFraming{
			Reason: ReasonUnknownType,
			Detail: fmt.Sprintf("unknown packet type 0x%02X", uint8(h.Type)),
		}
	}

	return h, nil
}

// Marshal encodes the header to its 8-byte wire form.
func (h Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	return buf
}

// PayloadLength returns the number of payload bytes implied by Length.
func (h Header) PayloadLength() int {
	if int(h.Length) <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}
