package decode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func wavHeader(sampleRate, channels, bitDepth int) []byte {
	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	copy(buf[8:12], "WAVE")
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitDepth))
	return buf
}

func TestSniffFormatPCM(t *testing.T) {
	f, err := SniffFormat("pcm", wavHeader(48000, 2, 16))
	require.NoError(t, err)
	require.Equal(t, 48000, f.SampleRate)
	require.Equal(t, 2, f.Channels)
	require.Equal(t, 16, f.BitDepth)
}

func TestSniffFormatPCMRejectsGarbage(t *testing.T) {
	_, err := SniffFormat("pcm", []byte("not a wav header"))
	require.Error(t, err)
}

func TestSniffFormatOpusHead(t *testing.T) {
	blob := make([]byte, 19)
	copy(blob[0:8], "OpusHead")
	blob[9] = 2
	f, err := SniffFormat("opus", blob)
	require.NoError(t, err)
	require.Equal(t, 48000, f.SampleRate)
	require.Equal(t, 2, f.Channels)
}

func TestSniffFormatVorbisIsFatal(t *testing.T) {
	_, err := SniffFormat("vorbis", nil)
	require.Error(t, err)
}

func TestSniffFormatUnknownCodec(t *testing.T) {
	_, err := SniffFormat("mp3", nil)
	require.Error(t, err)
}
