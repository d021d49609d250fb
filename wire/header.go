// Package wire defines the frame header that precedes every body on the
// connection, its fixed binary encoding, protocol limits and errors.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// HeaderVersion is the only header layout version this package reads or writes.
const HeaderVersion uint8 = 1

// HeaderSize is the fixed width of an encoded header.
//
// Layout (big-endian, frozen for HeaderVersion 1):
//
//	[1B version][1B payload type][1B flags][1B reserved][4B payload length][16B id]
const HeaderSize = 24

const (
	offVersion  = 0
	offType     = 1
	offFlags    = 2
	offReserved = 3
	offLength   = 4
	offID       = 8
)

// flagEnd marks the final frame of a logical payload.
const flagEnd uint8 = 0x01

// PayloadType discriminates what a frame's body belongs to.
// Values are the ASCII letters used on the wire.
type PayloadType uint8

const (
	PayloadTypeRequest      PayloadType = 'A'
	PayloadTypeResponse     PayloadType = 'B'
	PayloadTypeStream       PayloadType = 'S'
	PayloadTypeCancelStream PayloadType = 'C'
)

// String returns the payload type name
func (pt PayloadType) String() string {
	switch pt {
	case PayloadTypeRequest:
		return "request"
	case PayloadTypeResponse:
		return "response"
	case PayloadTypeStream:
		return "stream"
	case PayloadTypeCancelStream:
		return "cancelStream"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(pt))
	}
}

// Valid reports whether pt is one of the known payload types.
func (pt PayloadType) Valid() bool {
	switch pt {
	case PayloadTypeRequest, PayloadTypeResponse, PayloadTypeStream, PayloadTypeCancelStream:
		return true
	default:
		return false
	}
}

// Header describes one frame. Several headers share an ID when a logical
// payload spans more than one frame; End is set on the last of them.
type Header struct {
	ID            uuid.UUID
	Type          PayloadType
	PayloadLength uint32 // length of this frame's body only
	End           bool
	Version       uint8
}

// NewHeader creates a header at the current version.
func NewHeader(id uuid.UUID, payloadType PayloadType, payloadLength uint32, end bool) Header {
	return Header{
		ID:            id,
		Type:          payloadType,
		PayloadLength: payloadLength,
		End:           end,
		Version:       HeaderVersion,
	}
}

// NewCancelStreamHeader creates the single zero-length frame that tells the
// peer to stop sending the attachment with the given id.
func NewCancelStreamHeader(id uuid.UUID) Header {
	return NewHeader(id, PayloadTypeCancelStream, 0, true)
}

// String is used in log fields.
func (h Header) String() string {
	return fmt.Sprintf("%s id=%s len=%d end=%t", h.Type, h.ID, h.PayloadLength, h.End)
}

// SerializeInto writes h into buf, which must be at least HeaderSize bytes.
// The sender reuses one buffer for every header it writes.
func SerializeInto(h Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return &ProtocolError{
			Type:    ProtocolErrorMalformedHeader,
			Message: fmt.Sprintf("header buffer is %d bytes, need %d", len(buf), HeaderSize),
		}
	}
	if err := h.validate(); err != nil {
		return err
	}

	version := h.Version
	if version == 0 {
		version = HeaderVersion
	}
	buf[offVersion] = version
	buf[offType] = uint8(h.Type)
	buf[offFlags] = 0
	if h.End {
		buf[offFlags] = flagEnd
	}
	buf[offReserved] = 0
	binary.BigEndian.PutUint32(buf[offLength:offID], h.PayloadLength)
	copy(buf[offID:HeaderSize], h.ID[:])
	return nil
}

// Serialize encodes h into a new HeaderSize block.
func Serialize(h Header) ([]byte, error) {
	buf := make([]byte, HeaderSize)
	if err := SerializeInto(h, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Deserialize decodes exactly one header from the first HeaderSize bytes of data.
func Deserialize(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, malformed("header is %d bytes, need %d", len(data), HeaderSize)
	}
	if data[offVersion] != HeaderVersion {
		return Header{}, malformed("unsupported header version %d, expected %d", data[offVersion], HeaderVersion)
	}

	h := Header{
		Version:       data[offVersion],
		Type:          PayloadType(data[offType]),
		End:           data[offFlags]&flagEnd != 0,
		PayloadLength: binary.BigEndian.Uint32(data[offLength:offID]),
	}
	if data[offFlags]&^flagEnd != 0 {
		return Header{}, malformed("unknown flag bits 0x%02x", data[offFlags]&^flagEnd)
	}
	if data[offReserved] != 0 {
		return Header{}, malformed("reserved byte must be zero, got 0x%02x", data[offReserved])
	}
	copy(h.ID[:], data[offID:HeaderSize])

	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (h Header) validate() error {
	if !h.Type.Valid() {
		return malformed("invalid payload type %s", h.Type)
	}
	if h.Version != 0 && h.Version != HeaderVersion {
		return malformed("unsupported header version %d, expected %d", h.Version, HeaderVersion)
	}
	if uint64(h.PayloadLength) > uint64(MaxFrameHardLimit) {
		return malformed("payload length %d exceeds hard limit %d", h.PayloadLength, MaxFrameHardLimit)
	}
	if h.Type == PayloadTypeCancelStream && (h.PayloadLength != 0 || !h.End) {
		return malformed("cancelStream frame must be empty and final")
	}
	return nil
}

func malformed(format string, args ...interface{}) error {
	return &ProtocolError{
		Type:    ProtocolErrorMalformedHeader,
		Message: fmt.Sprintf(format, args...),
	}
}
