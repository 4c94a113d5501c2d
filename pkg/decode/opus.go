package decode

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
)

// opusDecoder wraps a libopus decoder instance. The setup blob (Opus
// ID header) is accepted for parity with the CodecHeader contract but
// unused: hraban/opus derives its decoder state from sample rate and
// channel count alone.
type opusDecoder struct {
	dec      *opus.Decoder
	channels int
}

// NewOpus constructs a decoder bound to format's sample rate and
// channel count.
func NewOpus(format audio.Format, _ []byte) (Decoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, enginerr.New(enginerr.Fatal, "decode.opus", fmt.Errorf("create opus decoder: %w", err))
	}
	return &opusDecoder{dec: dec, channels: format.Channels}, nil
}

func (d *opusDecoder) Decode(data []byte) ([]int32, error) {
	// 120ms is libopus's largest defined frame size at any supported
	// sample rate; 5760 samples/channel covers it at 48kHz.
	pcm16 := make([]int16, 5760*d.channels)

	n, err := d.dec.Decode(data, pcm16)
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "decode.opus", fmt.Errorf("opus decode: %w", err))
	}

	samples := n * d.channels
	out := make([]int32, samples)
	for i := 0; i < samples; i++ {
		out[i] = audio.SampleFromInt16(pcm16[i])
	}
	return out, nil
}

func (d *opusDecoder) Close() error { return nil }
