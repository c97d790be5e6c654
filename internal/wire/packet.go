// Package wire implements the on-the-wire datagram codec shared by the
// sender, receiver, and mediator: a fixed 16-byte header plus an opaque
// payload, encoded big-endian.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Flag bits carried in the header's Flags field.
const (
	FlagSYN uint16 = 0x01
	FlagACK uint16 = 0x02
	FlagFIN uint16 = 0x04
)

const (
	// HeaderSize is the fixed on-wire header length in bytes.
	HeaderSize = 16
	// MaxDatagramSize is the largest datagram the substrate will carry.
	MaxDatagramSize = 1024
	// MaxPayloadSize is the most payload a single datagram can hold.
	MaxPayloadSize = MaxDatagramSize - HeaderSize
)

// ErrMalformed is returned by Decode when a buffer is too short to contain
// a full header.
var ErrMalformed = errors.New("wire: datagram shorter than header size")

// Packet is the decoded form of one datagram: a 16-byte header plus an
// opaque payload.
type Packet struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint16
	Window  uint16
	Payload []byte
}

// HasFlag reports whether all bits in mask are set in the packet's flags.
func (p Packet) HasFlag(mask uint16) bool {
	return p.Flags&mask == mask
}

// Encode serializes p into a big-endian header followed by its payload.
// The caller is responsible for keeping len(p.Payload) <= MaxPayloadSize;
// Encode does not itself enforce the MTU: a longer payload is encoded in
// full.
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], p.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], p.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.Ack)
	binary.BigEndian.PutUint16(buf[12:14], p.Flags)
	binary.BigEndian.PutUint16(buf[14:16], p.Window)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decode parses a raw datagram into a Packet. Inputs shorter than
// HeaderSize are malformed and rejected; everything past the header is
// taken verbatim as payload, including zero-length payloads for control
// packets.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, errors.Wrapf(ErrMalformed, "got %d bytes", len(raw))
	}
	p := Packet{
		SrcPort: binary.BigEndian.Uint16(raw[0:2]),
		DstPort: binary.BigEndian.Uint16(raw[2:4]),
		Seq:     binary.BigEndian.Uint32(raw[4:8]),
		Ack:     binary.BigEndian.Uint32(raw[8:12]),
		Flags:   binary.BigEndian.Uint16(raw[12:14]),
		Window:  binary.BigEndian.Uint16(raw[14:16]),
	}
	if n := len(raw) - HeaderSize; n > 0 {
		p.Payload = make([]byte, n)
		copy(p.Payload, raw[HeaderSize:])
	}
	return p, nil
}

// Chunk splits data into segments of at most maxLen bytes, in order. An
// empty input yields zero chunks. Used by the sender to partition a file
// into datagram-sized payloads ahead of assigning sequence numbers.
func Chunk(data []byte, maxLen int) [][]byte {
	if maxLen <= 0 {
		panic("wire: Chunk requires a positive maxLen")
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := maxLen
		if n > len(data) {
			n = len(data)
		}
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		chunks = append(chunks, chunk)
		data = data[n:]
	}
	return chunks
}
