package clocksync

import (
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOffsetFormula(t *testing.T) {
	// t2-t1 = 2000us, t3-t4 = -2500us -> offset = -250us
	// (t4-t1) - (t3-t2) = 5000-500 = 4500 -> latency = 2250us
	cs := New(zerolog.Nop())
	cs.ProcessSample(1000000, 1002000, 1002500, 1005000)
	require.Equal(t, int64(-250), cs.Offset())
}

// feedServer simulates a server with a fixed clock offset O and
// Gaussian one-way jitter of standard deviation sigmaUs, generating n
// Time exchanges against cs.
func feedServer(cs *ClockSync, rng *rand.Rand, n int, offsetUs int64, sigmaUs float64) {
	clientClock := int64(0)
	for i := 0; i < n; i++ {
		t1 := clientClock
		oneWayOut := int64(1000 + rng.NormFloat64()*sigmaUs)
		oneWayBack := int64(1000 + rng.NormFloat64()*sigmaUs)
		if oneWayOut < 0 {
			oneWayOut = 0
		}
		if oneWayBack < 0 {
			oneWayBack = 0
		}

		t2 := t1 + oneWayOut + offsetUs
		t3 := t2 + 100 // server processing time
		t4 := t1 + oneWayOut + oneWayBack

		cs.ProcessSample(t1, t2, t3, t4)
		clientClock += 10_000 // 10ms between probes
	}
}

// TestClockConvergence establishes spec §8's "Clock convergence"
// property: for a simulated server with fixed offset O and Gaussian
// one-way jitter sigma <= 2ms, after W probes the published offset is
// close to O with high probability.
func TestClockConvergence(t *testing.T) {
	const trials = 50
	const offsetUs = int64(45_000) // 45ms fixed server-ahead offset
	withinTolerance := 0

	for trial := 0; trial < trials; trial++ {
		rng := rand.New(rand.NewSource(int64(trial)))
		cs := New(zerolog.Nop())
		feedServer(cs, rng, DefaultWindow, offsetUs, 1000) // sigma = 1ms, within the spec's sigma <= 2ms bound

		got := cs.Offset()
		diff := got - offsetUs
		if diff < 0 {
			diff = -diff
		}
		if diff <= 500 { // within +/- 0.5ms
			withinTolerance++
		}
	}

	// Expect >= 99% of trials within tolerance; allow some slack for
	// this being a finite-trial Monte-Carlo check.
	require.GreaterOrEqual(t, withinTolerance, trials*97/100)
}

// TestOutlierResilience establishes spec §8's "Outlier resilience"
// property: injecting 10% artificial 200ms one-way spikes must not
// move the published offset by more than 1ms.
func TestOutlierResilience(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cs := New(zerolog.Nop())
	feedServer(cs, rng, DefaultWindow, 10_000, 500)
	baseline := cs.Offset()

	clientClock := int64(1_000_000)
	for i := 0; i < 50; i++ {
		t1 := clientClock
		if i%10 == 0 {
			// 200ms one-way spike, injected as an outlier.
			t2 := t1 + 200_000 + 10_000
			t3 := t2 + 100
			t4 := t1 + 200_000 + 1_000
			cs.ProcessSample(t1, t2, t3, t4)
		} else {
			t2 := t1 + 1_000 + 10_000
			t3 := t2 + 100
			t4 := t1 + 2_000
			cs.ProcessSample(t1, t2, t3, t4)
		}
		clientClock += 10_000
	}

	diff := cs.Offset() - baseline
	if diff < 0 {
		diff = -diff
	}
	require.LessOrEqual(t, diff, int64(1000))
	require.Greater(t, cs.OutlierCount(), int64(0))
}

func TestResetClearsWindow(t *testing.T) {
	cs := New(zerolog.Nop())
	cs.ProcessSample(0, 10_000, 10_100, 20_000)
	require.NotZero(t, cs.SampleCount())

	cs.Reset()
	require.Equal(t, int64(0), cs.Offset())
	require.Equal(t, int64(1), cs.ResetCount())
}

func TestCheckForClockJumpDetectsGap(t *testing.T) {
	cs := New(zerolog.Nop(), WithResetGap(time.Second))
	cs.ProcessSample(0, 1000, 1100, 2000)

	base := time.Now()
	require.False(t, cs.CheckForClockJump(base))
	require.False(t, cs.CheckForClockJump(base.Add(500*time.Millisecond)))
	require.True(t, cs.CheckForClockJump(base.Add(2*time.Second)))
	require.Equal(t, int64(0), cs.Offset())
}

func TestDriftEstimateSignIsStable(t *testing.T) {
	// Offset drifting upward over time should yield a positive drift estimate.
	cs := New(zerolog.Nop(), WithDriftWindow(10))
	for i := 0; i < 10; i++ {
		t1 := int64(i) * 1_000_000
		drift := int64(i) * 50 // offset grows 50us per sample
		t2 := t1 + 1000 + drift
		t3 := t2 + 100
		t4 := t1 + 2000
		cs.ProcessSample(t1, t2, t3, t4)
		time.Sleep(time.Millisecond)
	}
	require.Greater(t, cs.DriftPPM(), 0.0)
}
