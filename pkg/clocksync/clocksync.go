// Package clocksync estimates the offset between server and client
// wall clocks from round-trip Time probes (spec §4.5): an NTP-style
// calculation, smoothed by a median-of-window filter with
// median-absolute-deviation outlier rejection, plus a linear-regression
// drift estimate for the Playout Buffer's resampling bias.
package clocksync

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultWindow is W from spec §4.5: the number of most recent
	// offset/latency samples kept for the median filter.
	DefaultWindow = 30
	// DefaultDriftWindow is W_drift: the number of offsets used for
	// the linear-regression drift estimate.
	DefaultDriftWindow = 120
	// DefaultResetGap is T_reset: a monotonic-clock jump larger than
	// this clears the window and restarts convergence.
	DefaultResetGap = 30 * time.Second
)

// sample is one processed Time exchange.
type sample struct {
	latencyUs int64
	offsetUs  int64
	at        time.Time // local monotonic time the sample was recorded, for drift regression
}

// ClockSync maintains the running offset/drift estimate for one Session.
type ClockSync struct {
	log zerolog.Logger

	window      int
	driftWindow int
	resetGap    time.Duration

	mu      sync.Mutex
	samples []sample // ring buffer, most recent DefaultWindow
	drift   []sample // ring buffer, most recent DefaultDriftWindow, superset source

	publishedOffsetUs atomic.Int64
	publishedDriftPPM atomic.Int64 // stored as ppm * 1000 for sub-ppm precision as int64

	resetCount atomic.Int64
	sampleN    atomic.Int64
	outlierN   atomic.Int64

	lastMonotonic time.Time
}

// Option configures a ClockSync at construction.
type Option func(*ClockSync)

// WithWindow overrides the median-filter window size (default DefaultWindow).
func WithWindow(w int) Option { return func(c *ClockSync) { c.window = w } }

// WithDriftWindow overrides the drift-regression window (default DefaultDriftWindow).
func WithDriftWindow(w int) Option { return func(c *ClockSync) { c.driftWindow = w } }

// WithResetGap overrides T_reset (default DefaultResetGap).
func WithResetGap(d time.Duration) Option { return func(c *ClockSync) { c.resetGap = d } }

// New creates a ClockSync with no samples yet (published offset starts at 0).
func New(log zerolog.Logger, opts ...Option) *ClockSync {
	c := &ClockSync{
		log:         log.With().Str("component", "clocksync").Logger(),
		window:      DefaultWindow,
		driftWindow: DefaultDriftWindow,
		resetGap:    DefaultResetGap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessSample ingests one Time round trip. t1 = client send, t2 =
// server receive, t3 = server send, t4 = client receive, all in
// microseconds on their respective clocks (spec §4.5).
func (c *ClockSync) ProcessSample(t1, t2, t3, t4 int64) {
	latency := ((t4 - t1) - (t3 - t2)) / 2
	offset := ((t2 - t1) + (t3 - t4)) / 2

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isOutlierLocked(latency) {
		c.outlierN.Add(1)
		c.log.Debug().Int64("latency_us", latency).Msg("rejected outlier time sample")
		return
	}

	s := sample{latencyUs: latency, offsetUs: offset, at: time.Now()}
	c.samples = appendBounded(c.samples, s, c.window)
	c.drift = appendBounded(c.drift, s, c.driftWindow)
	c.sampleN.Add(1)

	c.publish()
}

// isOutlierLocked rejects a candidate latency that exceeds
// median(latency) + 3*MAD of the current window, per spec §4.5. With
// fewer than 5 prior samples there isn't enough data for a stable MAD,
// so every sample is accepted until the window has some depth. When the
// window's MAD is zero (all latencies equal) no sample is rejected.
func (c *ClockSync) isOutlierLocked(latency int64) bool {
	if len(c.samples) < 5 {
		return false
	}
	latencies := make([]int64, len(c.samples))
	for i, s := range c.samples {
		latencies[i] = s.latencyUs
	}
	med := medianInt64(latencies)
	mad := medianAbsoluteDeviation(latencies, med)
	if mad == 0 {
		return false
	}
	return latency > med+3*mad
}

// publish recomputes the published offset (median of window) and
// drift (linear regression over the drift window). Must hold c.mu.
func (c *ClockSync) publish() {
	if len(c.samples) == 0 {
		return
	}
	offsets := make([]int64, len(c.samples))
	for i, s := range c.samples {
		offsets[i] = s.offsetUs
	}
	c.publishedOffsetUs.Store(medianInt64(offsets))

	if len(c.drift) >= 2 {
		ppm := regressDriftPPM(c.drift)
		c.publishedDriftPPM.Store(int64(ppm * 1000))
	}
}

// Offset returns the current smoothed server-minus-client offset in
// microseconds via a lock-free atomic read (spec §5: "ClockSync's
// published offset is a single atomic 64-bit value").
func (c *ClockSync) Offset() int64 {
	return c.publishedOffsetUs.Load()
}

// DriftPPM returns the estimated clock drift in parts per million.
func (c *ClockSync) DriftPPM() float64 {
	return float64(c.publishedDriftPPM.Load()) / 1000.0
}

// ServerNow returns the current wall-clock time on the server's clock,
// computed from the local clock plus the published offset.
func (c *ClockSync) ServerNow() int64 {
	return time.Now().UnixMicro() + c.Offset()
}

// ServerToLocal converts a server-clock microsecond timestamp to the
// equivalent local monotonic-backed wall time.
func (c *ClockSync) ServerToLocal(serverUs int64) time.Time {
	localUs := serverUs - c.Offset()
	return time.UnixMicro(localUs)
}

// SampleCount returns the number of accepted samples processed so far.
func (c *ClockSync) SampleCount() int64 { return c.sampleN.Load() }

// OutlierCount returns the number of samples rejected as outliers.
func (c *ClockSync) OutlierCount() int64 { return c.outlierN.Load() }

// ResetCount returns how many times CheckForClockJump has reset the window.
func (c *ClockSync) ResetCount() int64 { return c.resetCount.Load() }

// Reset clears the sample window, starting convergence over (spec
// §4.5 "Reset condition"). Called by the Supervisor on foreground
// resume, or internally by CheckForClockJump.
func (c *ClockSync) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = nil
	c.drift = nil
	c.publishedOffsetUs.Store(0)
	c.publishedDriftPPM.Store(0)
	c.resetCount.Add(1)
	c.log.Info().Msg("clock sync reset")
}

// CheckForClockJump compares the current monotonic time against the
// last time it was called; if more than resetGap has elapsed, it
// resets the window. Intended to be called once per scheduling tick
// so a suspended process (laptop sleep, mobile background) is
// detected on resume even without an explicit foreground_hint.
func (c *ClockSync) CheckForClockJump(now time.Time) bool {
	c.mu.Lock()
	last := c.lastMonotonic
	c.lastMonotonic = now
	c.mu.Unlock()

	if last.IsZero() {
		return false
	}
	if now.Sub(last) > c.resetGap {
		c.Reset()
		return true
	}
	return false
}

func appendBounded(buf []sample, s sample, max int) []sample {
	buf = append(buf, s)
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}

func medianInt64(xs []int64) int64 {
	sorted := append([]int64(nil), xs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianAbsoluteDeviation(xs []int64, med int64) int64 {
	devs := make([]int64, len(xs))
	for i, x := range xs {
		d := x - med
		if d < 0 {
			d = -d
		}
		devs[i] = d
	}
	return medianInt64(devs)
}

// regressDriftPPM fits a simple least-squares line offset(t) over the
// drift window and reports its slope in parts per million (µs of
// offset drift per second of elapsed wall time, as fractional ppm).
func regressDriftPPM(samples []sample) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	t0 := samples[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.at.Sub(t0).Seconds()
		y := float64(s.offsetUs)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom // microseconds of offset drift per second
	return slope // 1 µs/s == 1 ppm
}
