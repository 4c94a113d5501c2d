// Package sink defines the pluggable audio output contract (spec
// §4.6/§6.2): a backend owns a real-time callback loop and pulls
// frames from the Engine via FillFunc whenever the device wants more.
package sink

import "github.com/snapclient/snapclient-go/pkg/audio"

// FillFunc is the Engine's real-time callback (spec §6.2: "Pull
// callback: backend invokes fill(buffer, n_frames,
// expected_host_deadline_us)"). buf holds exactly frames*channels
// interleaved int32 samples on return; expectedHostDeadlineUs is the
// backend's own estimate, in the local clock, of when these frames
// will actually reach the speaker (hardware + driver latency baked
// in). Implementations must not allocate or block.
type FillFunc func(buf []int32, frames int, expectedHostDeadlineUs int64)

// Sink is a pluggable audio output backend.
type Sink interface {
	// Open starts the backend's callback loop for the given format.
	// fill is invoked repeatedly until Close.
	Open(format audio.Format, fill FillFunc) error
	// Close guarantees no callback is in flight after it returns
	// (spec: "Shutdown: backend guarantees no callback is in flight
	// after stop() returns").
	Close() error
}
