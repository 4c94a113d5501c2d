package decode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapclient/snapclient-go/pkg/audio"
)

func TestPCMDecode16Bit(t *testing.T) {
	dec, err := NewPCM(audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16})
	require.NoError(t, err)
	defer dec.Close()

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(buf[2:], uint16(int16(-1000)))

	samples, err := dec.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, []int32{audio.SampleFromInt16(1000), audio.SampleFromInt16(-1000)}, samples)
}

func TestPCMDecode24Bit(t *testing.T) {
	dec, err := NewPCM(audio.Format{SampleRate: 48000, Channels: 1, BitDepth: 24})
	require.NoError(t, err)
	defer dec.Close()

	b := audio.SampleTo24Bit(-12345)
	samples, err := dec.Decode(b[:])
	require.NoError(t, err)
	require.Equal(t, []int32{-12345}, samples)
}

func TestNewPCMRejectsUnsupportedBitDepth(t *testing.T) {
	_, err := NewPCM(audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 8})
	require.Error(t, err)
}

func TestNewDispatchesByCodec(t *testing.T) {
	dec, err := New("pcm", audio.Format{SampleRate: 44100, Channels: 2, BitDepth: 16}, nil)
	require.NoError(t, err)
	require.NotNil(t, dec)
	require.NoError(t, dec.Close())

	_, err = New("vorbis", audio.Format{SampleRate: 44100, Channels: 2, BitDepth: 16}, nil)
	require.Error(t, err)

	_, err = New("mp3", audio.Format{SampleRate: 44100, Channels: 2, BitDepth: 16}, nil)
	require.Error(t, err)
}
