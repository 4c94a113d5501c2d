package decode

import (
	"bytes"
	"fmt"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
)

// flacDecoder parses FLAC frames against a StreamInfo learned once
// from the CodecHeader's setup blob. Completes the reference client's
// "FLAC streaming not yet implemented" stub.
type flacDecoder struct {
	info     *meta.StreamInfo
	channels int
}

// NewFLAC parses setupBlob as a FLAC stream header (the "fLaC" marker
// plus the STREAMINFO block Snapcast forwards verbatim in the
// CodecHeader) to learn the stream's sample format, then decodes
// subsequent WireChunks as individual frames against it.
func NewFLAC(format audio.Format, setupBlob []byte) (Decoder, error) {
	stream, err := flac.New(bytes.NewReader(setupBlob))
	if err != nil {
		return nil, enginerr.New(enginerr.Fatal, "decode.flac", fmt.Errorf("parse FLAC setup blob: %w", err))
	}
	return &flacDecoder{info: stream.Info, channels: format.Channels}, nil
}

// Decode parses one FLAC frame and de-interleaves its subframes into
// the engine's 24-bit internal sample space. mewkiz/flac applies
// channel decorrelation (mid-side, left-side, ...) internally, so
// Subframes[i].Samples are already the final per-channel values.
func (d *flacDecoder) Decode(data []byte) ([]int32, error) {
	f, err := frame.Parse(bytes.NewReader(data), d.info)
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "decode.flac", fmt.Errorf("parse FLAC frame: %w", err))
	}
	if len(f.Subframes) != d.channels {
		return nil, enginerr.New(enginerr.Protocol, "decode.flac",
			fmt.Errorf("FLAC frame has %d channels, format declares %d", len(f.Subframes), d.channels))
	}

	nsamples := len(f.Subframes[0].Samples)
	out := make([]int32, nsamples*d.channels)
	for i := 0; i < nsamples; i++ {
		for ch, sub := range f.Subframes {
			out[i*d.channels+ch] = shiftTo24Bit(sub.Samples[i], d.info.BitsPerSample)
		}
	}
	return out, nil
}

func (d *flacDecoder) Close() error { return nil }

// shiftTo24Bit left-justifies a decoded FLAC sample (at its stream's
// native bit depth) into the engine's 24-bit internal sample space.
func shiftTo24Bit(sample int32, bitsPerSample uint8) int32 {
	shift := 24 - int(bitsPerSample)
	if shift <= 0 {
		return sample
	}
	return sample << uint(shift)
}
