// Package oto adapts github.com/ebitengine/oto/v3 to the sink.Sink
// pull contract, completing the reference client's push-based
// pkg/audio/output.Oto (which wrote into an io.Pipe fed by the
// caller) as a proper pull-based real-time callback: oto's player
// reads from an io.Reader, and this reader's Read method IS the
// real-time callback, invoking the Engine's fill function for exactly
// as many frames as the player asked for.
package oto

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	otolib "github.com/ebitengine/oto/v3"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
	"github.com/snapclient/snapclient-go/pkg/sink"
)

// Sink plays 16-bit interleaved PCM through the host's default audio
// device via oto. oto only supports int16 output, so samples from the
// engine's 24-bit internal representation are narrowed on the way out
// (spec's sink-pluggability contract explicitly allows lossy backends).
type Sink struct {
	ctx    *otolib.Context
	player *otolib.Player
	src    *pullReader
}

// New constructs an unopened oto Sink.
func New() *Sink { return &Sink{} }

// Open creates the oto playback context and starts the player. fill is
// called from oto's internal playback goroutine for every buffer
// request; Open itself does not block waiting for audio to start.
func (s *Sink) Open(format audio.Format, fill sink.FillFunc) error {
	op := &otolib.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       otolib.FormatSignedInt16LE,
	}
	ctx, ready, err := otolib.NewContext(op)
	if err != nil {
		return enginerr.New(enginerr.Fatal, "sink.oto.open", fmt.Errorf("create oto context: %w", err))
	}
	<-ready

	src := &pullReader{
		fill:       fill,
		channels:   format.Channels,
		sampleRate: format.SampleRate,
	}

	s.ctx = ctx
	s.src = src
	s.player = ctx.NewPlayer(src)
	src.player = s.player
	s.player.Play()
	return nil
}

// Close stops the player. oto guarantees no further Read call occurs
// on the source once the player is closed (spec: "no callback is in
// flight after stop() returns").
func (s *Sink) Close() error {
	if s.player != nil {
		if err := s.player.Close(); err != nil {
			return enginerr.New(enginerr.Transient, "sink.oto.close", err)
		}
	}
	if s.ctx != nil {
		s.ctx.Suspend()
	}
	return nil
}

// pullReader bridges oto's io.Reader pull model to sink.FillFunc. Its
// scratch buffers are sized once on first Read and reused, so the hot
// path allocates nothing.
// bufferedSizer is the slice of *otolib.Player this package depends
// on; it exists so tests can inject a fake without a real audio
// device.
type bufferedSizer interface {
	BufferedSize() int
}

type pullReader struct {
	fill       sink.FillFunc
	channels   int
	sampleRate int
	player     bufferedSizer // set once, immediately after construction in Open

	pcm32 []int32
}

// Read is oto's real-time callback. p's length is always a whole
// number of frames at 2 bytes/sample/channel (int16 LE).
func (r *pullReader) Read(p []byte) (int, error) {
	bytesPerFrame := 2 * r.channels
	frames := len(p) / bytesPerFrame
	if frames == 0 {
		return 0, nil
	}

	if cap(r.pcm32) < frames*r.channels {
		r.pcm32 = make([]int32, frames*r.channels)
	}
	buf := r.pcm32[:frames*r.channels]

	// expectedHostDeadlineUs is "now plus whatever oto has already
	// buffered ahead of this batch", i.e. the device's actual current
	// output latency (spec §4.6/§6.2's sink_reported_latency_us), not a
	// running total of every frame ever handed to the player.
	var queuedUs int64
	if r.player != nil {
		queuedUs = int64(r.player.BufferedSize()/bytesPerFrame) * 1_000_000 / int64(r.sampleRate)
	}
	expectedHostDeadlineUs := time.Now().UnixMicro() + queuedUs
	r.fill(buf, frames, expectedHostDeadlineUs)

	for i := 0; i < frames*r.channels; i++ {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(audio.SampleToInt16(buf[i])))
	}
	return frames * bytesPerFrame, nil
}

var _ io.Reader = (*pullReader)(nil)
