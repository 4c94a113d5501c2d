package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mewkiz/flac"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
)

// SniffFormat derives the session's AudioFormat from a CodecHeader's
// setup blob (spec §4.4: "init(setup_blob) -> AudioFormat"), before
// the Decoder itself is constructed. Each codec carries its format
// information differently on the wire:
//   - pcm:  a canonical 44-byte WAV header, the way upstream Snapcast
//     serializes raw PCM's CodecHeader.
//   - flac: the "fLaC" stream marker plus STREAMINFO, parsed with the
//     same library the Decoder later uses to parse frames.
//   - opus: the OpusHead identification packet; sample rate is fixed
//     at 48 kHz by the Opus spec regardless of the header's declared
//     rate field, channel count is read from the header.
//   - ogg/vorbis: rejected at the Decoder factory, so no format is
//     derivable and none is needed.
func SniffFormat(codec string, setupBlob []byte) (audio.Format, error) {
	switch codec {
	case "pcm":
		return sniffWAV(setupBlob)
	case "flac":
		return sniffFLAC(setupBlob)
	case "opus":
		return sniffOpusHead(setupBlob)
	case "ogg", "vorbis":
		return audio.Format{}, enginerr.New(enginerr.Fatal, "decode.sniff", fmt.Errorf("vorbis/ogg decoding is not supported"))
	default:
		return audio.Format{}, enginerr.New(enginerr.Fatal, "decode.sniff", fmt.Errorf("unsupported codec %q", codec))
	}
}

// sniffWAV reads the sample rate, channel count, and bits-per-sample
// fields out of a canonical "RIFF....WAVEfmt " header.
func sniffWAV(blob []byte) (audio.Format, error) {
	if len(blob) < 36 || string(blob[0:4]) != "RIFF" || string(blob[8:12]) != "WAVE" {
		return audio.Format{}, enginerr.New(enginerr.Fatal, "decode.sniff.pcm", fmt.Errorf("setup blob is not a WAV header"))
	}
	channels := int(binary.LittleEndian.Uint16(blob[22:24]))
	sampleRate := int(binary.LittleEndian.Uint32(blob[24:28]))
	bitDepth := int(binary.LittleEndian.Uint16(blob[34:36]))
	return audio.Format{SampleRate: sampleRate, Channels: channels, BitDepth: bitDepth}, nil
}

func sniffFLAC(blob []byte) (audio.Format, error) {
	stream, err := flac.New(bytes.NewReader(blob))
	if err != nil {
		return audio.Format{}, enginerr.New(enginerr.Fatal, "decode.sniff.flac", fmt.Errorf("parse FLAC setup blob: %w", err))
	}
	return audio.Format{
		SampleRate: int(stream.Info.SampleRate),
		Channels:   int(stream.Info.NChannels),
		BitDepth:   int(stream.Info.BitsPerSample),
	}, nil
}

// sniffOpusHead reads the channel count out of byte 9 of the OpusHead
// packet (RFC 7845 §5.1); Opus is always decoded at 48 kHz.
func sniffOpusHead(blob []byte) (audio.Format, error) {
	if len(blob) < 19 || string(blob[0:8]) != "OpusHead" {
		return audio.Format{}, enginerr.New(enginerr.Fatal, "decode.sniff.opus", fmt.Errorf("setup blob is not an OpusHead packet"))
	}
	channels := int(blob[9])
	return audio.Format{SampleRate: 48000, Channels: channels, BitDepth: 16}, nil
}
