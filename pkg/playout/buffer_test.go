package playout

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func monoChunk(deadlineUs int64, values ...int32) Chunk {
	return Chunk{DeadlineUs: deadlineUs, Samples: values}
}

func TestEnqueueThenFillInOrder(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000) // 1000Hz -> 1ms per frame, easy arithmetic
	b.Enqueue(0, monoChunk(0, 10, 20, 30))
	b.Enqueue(0, monoChunk(3000, 40, 50))

	out := make([]int32, 5)
	b.Fill(out, 5, 0, 0, 0)
	require.Equal(t, []int32{10, 20, 30, 40, 50}, out)
	require.Equal(t, int64(0), b.UnderrunUs())
}

func TestLateChunkDroppedOnEnqueue(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000, WithEvictThresholdMs(50))
	// server_now = 1_000_000us; chunk deadline is 100ms in the past, past the 50ms threshold.
	b.Enqueue(1_000_000, monoChunk(900_000, 1, 2, 3))
	require.Equal(t, int64(1), b.LateDropCount())
	require.Equal(t, int64(0), b.BufferedMs())
}

func TestOverflowDropsFromFront(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000, WithBoundsMs(50, 100))
	for i := 0; i < 20; i++ {
		b.Enqueue(0, monoChunk(int64(i)*10_000, int32(i)))
	}
	require.Greater(t, b.OverflowDropCount(), int64(0))
	require.LessOrEqual(t, b.BufferedMs(), int64(100))
}

func TestGapProducesUnderrun(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000)
	b.Enqueue(0, monoChunk(10_000, 1, 2, 3)) // starts 10ms in the future

	out := make([]int32, 5)
	b.Fill(out, 5, 0, 0, 0) // deadline = server_now(0)+latency(0) = 0
	require.Greater(t, b.UnderrunUs(), int64(0))
	require.Equal(t, int32(0), out[0])
}

func TestPauseEmitsSilenceWithoutDraining(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000)
	b.Enqueue(0, monoChunk(0, 1, 2, 3))
	b.SetPaused(true)

	out := []int32{9, 9, 9}
	b.Fill(out, 3, 0, 0, 0)
	require.Equal(t, []int32{0, 0, 0}, out)
	require.Equal(t, int64(3), b.BufferedMs())
}

func TestStallDetectionAfterContinuousUnderrun(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000)
	out := make([]int32, 1)

	b.Fill(out, 1, 0, 0, 0) // empty buffer -> pure silence, starts the stall clock

	nowUs := time.Now().UnixMicro()
	require.False(t, b.IsStalled(nowUs))
	require.True(t, b.IsStalled(nowUs+StallTimeoutUs+1))
}

func TestIsStalledFalseWithoutUnderrun(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000)
	b.Enqueue(0, monoChunk(0, 1, 2, 3))
	out := make([]int32, 3)
	b.Fill(out, 3, 0, 0, 0)
	require.False(t, b.IsStalled(10_000_000))
}

func TestFillAppliesMute(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000)
	b.Enqueue(0, monoChunk(0, 1000, 2000, 3000))
	b.SetMuted(true)

	out := make([]int32, 3)
	b.Fill(out, 3, 0, 0, 0)
	require.Equal(t, []int32{0, 0, 0}, out)
}

func TestFillAppliesVolumeScaling(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000)
	b.Enqueue(0, monoChunk(0, 8000, 8000, 8000))
	b.SetVolume(50)

	out := make([]int32, 3)
	b.Fill(out, 3, 0, 0, 0)
	require.Equal(t, []int32{4000, 4000, 4000}, out)
}

func TestSetVolumeClampsToPercentRange(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000)
	b.Enqueue(0, monoChunk(0, 8000, 8000, 8000))

	b.SetVolume(500)
	out := make([]int32, 1)
	b.Fill(out, 1, 0, 0, 0)
	require.Equal(t, int32(8000), out[0]) // clamped to 100%, not scaled up

	b.SetVolume(-10)
	b.Enqueue(1000, monoChunk(1000, 8000))
	out2 := make([]int32, 1)
	b.Fill(out2, 1, 1000, 0, 0)
	require.Equal(t, int32(0), out2[0]) // clamped to 0%
}

func TestDefaultVolumeIsUnity(t *testing.T) {
	b := New(zerolog.Nop(), 1, 1000)
	b.Enqueue(0, monoChunk(0, 12345))
	out := make([]int32, 1)
	b.Fill(out, 1, 0, 0, 0)
	require.Equal(t, int32(12345), out[0])
}
