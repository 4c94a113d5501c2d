package wire

import (
	"encoding/binary"
	"errors"
)

var (
	errShortChunk       = errors.New("wire: WireChunk payload shorter than its fixed header")
	errShortTime        = errors.New("wire: Time payload shorter than its fixed header")
	errShortCodecHeader = errors.New("wire: CodecHeader payload truncated")
)

// Hello is sent client -> server exactly once on connect (spec §3).
type Hello struct {
	MAC                       string `json:"MAC"`
	HostName                  string `json:"HostName"`
	Version                   string `json:"Version"`
	ClientName                string `json:"ClientName"`
	OS                        string `json:"OS"`
	Arch                      string `json:"Arch"`
	Instance                  int    `json:"Instance"`
	SnapStreamProtocolVersion int    `json:"SnapStreamProtocolVersion"`
	ID                        string `json:"ID"`
}

// ServerSettings may be retransmitted by the server at any time and
// is applied live (last-writer-wins, spec §4.3).
type ServerSettings struct {
	BufferMs int  `json:"bufferMs"`
	Latency  int  `json:"latency"`
	Volume   int  `json:"volume"`
	Muted    bool `json:"muted"`
}

// CodecHeader arrives exactly once per session, before any WireChunk.
// On the wire it is a length-prefixed codec name followed by a
// length-prefixed opaque setup blob (the FLAC/Opus/Vorbis decoder's
// out-of-band init data; a WAV header for PCM).
type CodecHeader struct {
	Codec     string
	SetupBlob []byte
}

func EncodeCodecHeader(h CodecHeader) []byte {
	buf := make([]byte, 0, 2+len(h.Codec)+4+len(h.SetupBlob))
	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(h.Codec)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, h.Codec...)

	var blobLen [4]byte
	binary.LittleEndian.PutUint32(blobLen[:], uint32(len(h.SetupBlob)))
	buf = append(buf, blobLen[:]...)
	buf = append(buf, h.SetupBlob...)
	return buf
}

func DecodeCodecHeader(payload []byte) (CodecHeader, error) {
	if len(payload) < 2 {
		return CodecHeader{}, errShortCodecHeader
	}
	nameLen := int(binary.LittleEndian.Uint16(payload[0:2]))
	off := 2 + nameLen
	if len(payload) < off+4 {
		return CodecHeader{}, errShortCodecHeader
	}
	codec := string(payload[2:off])
	blobLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if len(payload) < off+blobLen {
		return CodecHeader{}, errShortCodecHeader
	}
	blob := append([]byte(nil), payload[off:off+blobLen]...)
	return CodecHeader{Codec: codec, SetupBlob: blob}, nil
}

const wireChunkHeaderSize = 8

// EncodeWireChunk serializes a WireChunk payload: 8-byte timestamp + raw audio bytes.
func EncodeWireChunk(ts TimePoint, audio []byte) []byte {
	buf := make([]byte, wireChunkHeaderSize+len(audio))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ts.Sec))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ts.Usec))
	copy(buf[wireChunkHeaderSize:], audio)
	return buf
}

// DecodeWireChunk splits a WireChunk payload into its deadline and audio bytes.
// The returned audio slice aliases payload; callers that retain it past
// the caller's buffer reuse must copy.
func DecodeWireChunk(payload []byte) (TimePoint, []byte, error) {
	if len(payload) < wireChunkHeaderSize {
		return TimePoint{}, nil, errShortChunk
	}
	ts := TimePoint{
		Sec:  int32(binary.LittleEndian.Uint32(payload[0:4])),
		Usec: int32(binary.LittleEndian.Uint32(payload[4:8])),
	}
	return ts, payload[wireChunkHeaderSize:], nil
}

const timePayloadSize = 8

// EncodeTime serializes a Time payload's single TimePoint field (named
// latency in the protocol; pkg/router carries the server's receipt time
// of the probe, T2, in it).
func EncodeTime(latency TimePoint) []byte {
	buf := make([]byte, timePayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(latency.Sec))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(latency.Usec))
	return buf
}

// DecodeTime parses a Time payload's latency field.
func DecodeTime(payload []byte) (TimePoint, error) {
	if len(payload) < timePayloadSize {
		return TimePoint{}, errShortTime
	}
	return TimePoint{
		Sec:  int32(binary.LittleEndian.Uint32(payload[0:4])),
		Usec: int32(binary.LittleEndian.Uint32(payload[4:8])),
	}, nil
}

// ClientInfo is client -> server volume/latency state. The core only
// routes it; the control plane (out of scope, spec §1) owns semantics.
type ClientInfo struct {
	Volume  int  `json:"volume"`
	Muted   bool `json:"muted"`
	Latency int  `json:"latency"`
}

// ErrorPayload is the server's Error message payload.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
