package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
)

// pcmDecoder passes raw PCM bytes through to int32 samples; it is built
// from the AudioFormat alone (it does not read the WAV setup blob) and
// keeps no state between chunks.
type pcmDecoder struct {
	bitDepth int
}

// NewPCM validates format and returns a passthrough PCM decoder.
func NewPCM(format audio.Format) (Decoder, error) {
	if format.BitDepth != 16 && format.BitDepth != 24 {
		return nil, enginerr.New(enginerr.Fatal, "decode.pcm",
			fmt.Errorf("unsupported PCM bit depth: %d (supported: 16, 24)", format.BitDepth))
	}
	return &pcmDecoder{bitDepth: format.BitDepth}, nil
}

func (d *pcmDecoder) Decode(data []byte) ([]int32, error) {
	if d.bitDepth == 24 {
		n := len(data) / 3
		samples := make([]int32, n)
		for i := 0; i < n; i++ {
			b := [3]byte{data[i*3], data[i*3+1], data[i*3+2]}
			samples[i] = audio.SampleFrom24Bit(b)
		}
		return samples, nil
	}

	n := len(data) / 2
	samples := make([]int32, n)
	for i := 0; i < n; i++ {
		s16 := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = audio.SampleFromInt16(s16)
	}
	return samples, nil
}

func (d *pcmDecoder) Close() error { return nil }
