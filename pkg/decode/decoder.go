// Package decode adapts CodecHeader/WireChunk payloads into the
// int32 sample stream the Playout Buffer consumes (spec §4.4). Each
// decoder is constructed once per Session from the CodecHeader's
// codec tag and setup blob, then called once per WireChunk.
package decode

import (
	"fmt"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
)

// Decoder converts one codec's encoded audio chunks to interleaved
// int32 PCM samples in the session's AudioFormat.
type Decoder interface {
	// Decode converts one WireChunk's audio payload to PCM samples.
	Decode(data []byte) ([]int32, error)
	// Close releases decoder resources. Idempotent.
	Close() error
}

// New dispatches on codec to the matching decoder constructor. setupBlob
// is the CodecHeader's opaque configuration (Opus ID header, FLAC
// STREAMINFO stream, a WAV header for pcm).
func New(codec string, format audio.Format, setupBlob []byte) (Decoder, error) {
	switch codec {
	case "pcm":
		return NewPCM(format)
	case "opus":
		return NewOpus(format, setupBlob)
	case "flac":
		return NewFLAC(format, setupBlob)
	case "ogg", "vorbis":
		return NewVorbis(format, setupBlob)
	default:
		return nil, enginerr.New(enginerr.Fatal, "decode.new", fmt.Errorf("unsupported codec %q", codec))
	}
}
