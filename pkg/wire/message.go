// Package wire implements the Snapcast base-message framing: a fixed
// 26-byte little-endian header followed by a type-specific JSON or
// binary payload (spec §3).
package wire

import (
	"encoding/binary"
	"fmt"
)

// Type tags the payload variant carried by a Message.
type Type uint16

const (
	TypeCodecHeader    Type = 1
	TypeWireChunk      Type = 2
	TypeServerSettings Type = 3
	TypeTime           Type = 4
	TypeHello          Type = 5
	TypeClientInfo     Type = 7
	TypeError          Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeCodecHeader:
		return "CodecHeader"
	case TypeWireChunk:
		return "WireChunk"
	case TypeServerSettings:
		return "ServerSettings"
	case TypeTime:
		return "Time"
	case TypeHello:
		return "Hello"
	case TypeClientInfo:
		return "ClientInfo"
	case TypeError:
		return "Error"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// HeaderSize is the fixed wire size of a Message header in bytes.
const HeaderSize = 26

// TimePoint is a (seconds, microseconds) wall-clock pair as carried in
// the header's sent/received fields and in the Time payload's latency
// field.
type TimePoint struct {
	Sec  int32
	Usec int32
}

// Micros returns the time point as a single microsecond count.
func (tp TimePoint) Micros() int64 {
	return int64(tp.Sec)*1_000_000 + int64(tp.Usec)
}

// TimePointFromMicros splits a microsecond count into (sec, usec).
func TimePointFromMicros(us int64) TimePoint {
	sec := us / 1_000_000
	usec := us % 1_000_000
	if usec < 0 {
		usec += 1_000_000
		sec--
	}
	return TimePoint{Sec: int32(sec), Usec: int32(usec)}
}

// Header is the fixed portion of every wire message.
type Header struct {
	Type     Type
	ID       uint16
	RefersTo uint16
	Sent     TimePoint
	Received TimePoint
	Size     uint32
}

// Message is a full wire unit: header plus its payload bytes. Payload
// decoding into a concrete Go type happens one layer up, in the
// router, once Type has been dispatched on.
type Message struct {
	Header  Header
	Payload []byte
}

// EncodeHeader writes h into a 26-byte little-endian buffer.
func EncodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Type))
	binary.LittleEndian.PutUint16(buf[2:4], h.ID)
	binary.LittleEndian.PutUint16(buf[4:6], h.RefersTo)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(h.Sent.Sec))
	binary.LittleEndian.PutUint32(buf[10:14], uint32(h.Sent.Usec))
	binary.LittleEndian.PutUint32(buf[14:18], uint32(h.Received.Sec))
	binary.LittleEndian.PutUint32(buf[18:22], uint32(h.Received.Usec))
	binary.LittleEndian.PutUint32(buf[22:26], h.Size)
	return buf
}

// DecodeHeader parses a 26-byte buffer into a Header. buf must be
// exactly HeaderSize bytes; callers read exactly that many bytes off
// the wire before calling this (spec §4.2 framing).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("wire: header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	return Header{
		Type:     Type(binary.LittleEndian.Uint16(buf[0:2])),
		ID:       binary.LittleEndian.Uint16(buf[2:4]),
		RefersTo: binary.LittleEndian.Uint16(buf[4:6]),
		Sent: TimePoint{
			Sec:  int32(binary.LittleEndian.Uint32(buf[6:10])),
			Usec: int32(binary.LittleEndian.Uint32(buf[10:14])),
		},
		Received: TimePoint{
			Sec:  int32(binary.LittleEndian.Uint32(buf[14:18])),
			Usec: int32(binary.LittleEndian.Uint32(buf[18:22])),
		},
		Size: binary.LittleEndian.Uint32(buf[22:26]),
	}, nil
}

// Encode serializes a full Message (header + payload) for writing to
// the wire. It sets Header.Size from len(m.Payload).
func Encode(m Message) []byte {
	m.Header.Size = uint32(len(m.Payload))
	hdr := EncodeHeader(m.Header)
	out := make([]byte, 0, HeaderSize+len(m.Payload))
	out = append(out, hdr[:]...)
	out = append(out, m.Payload...)
	return out
}
