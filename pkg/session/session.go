// Package session owns one live connection's Transport, Router,
// ClockSync, Decoder, Playout Buffer, and Sink (spec's component
// diagram, §2), the unit the Supervisor arms, runs, and drains. It is
// the direct descendant of the reference client's internal/app.Player,
// generalized from one hardwired WebSocket/Opus pipeline into the
// spec's pluggable Transport/Decoder/Sink boundaries.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/clocksync"
	"github.com/snapclient/snapclient-go/pkg/decode"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
	"github.com/snapclient/snapclient-go/pkg/playout"
	"github.com/snapclient/snapclient-go/pkg/router"
	"github.com/snapclient/snapclient-go/pkg/sink"
	"github.com/snapclient/snapclient-go/pkg/transport"
	"github.com/snapclient/snapclient-go/pkg/wire"
)

// DefaultHandshakeTimeout bounds how long Run waits for the mandatory
// ServerSettings -> CodecHeader sequence before giving up (spec §5:
// "10 s default for connect").
const DefaultHandshakeTimeout = 10 * time.Second

// Identity is the client-identifying subset of the Hello payload,
// stable across sessions (spec §6.4: "client identity").
type Identity struct {
	ID       string
	MAC      string
	HostName string
	Name     string
	OS       string
	Arch     string
	Version  string
}

// Config holds everything needed to run one Session.
type Config struct {
	Endpoint         string
	Identity         Identity
	Instance         int
	ProtocolVersion  int
	ProbeInterval    time.Duration // defaults to router.DefaultProbeInterval
	HandshakeTimeout time.Duration
	TargetLatencyMs  int // defaults to playout.DefaultTargetLatencyMs
}

// Session drives one connection end to end: handshake, steady-state
// routing, clock sync, decode, and playout, until ctx is cancelled or
// a fatal condition tears it down.
type Session struct {
	log zerolog.Logger
	cfg Config

	conn   *transport.Conn
	router *router.Router
	clock  *clocksync.ClockSync
	buf    atomic.Pointer[playout.Buffer]
	out    sink.Sink

	mu      sync.Mutex
	decoder decode.Decoder
	format  audio.Format
	opened  bool

	destroying atomic.Bool
	inFlight   atomic.Int64

	readyOnce sync.Once
	ready     chan struct{}

	// ServerSettings re-publishes the Router's live settings stream for
	// callers that want volume/mute state (engine/diagnostics), one slot
	// deep since only the latest value matters (last-writer-wins, spec §4.3).
	ServerSettings chan wire.ServerSettings

	// pendingVolume/pendingMuted hold the latest-applied ServerSettings
	// so a setting received during the handshake (before the Playout
	// Buffer exists) is still in effect once openAudio creates one.
	pendingVolume atomic.Int32
	pendingMuted  atomic.Bool
}

// New constructs an unstarted Session bound to out, a not-yet-open Sink
// backend. Call Run to drive it to completion.
func New(log zerolog.Logger, cfg Config, out sink.Sink) *Session {
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = router.DefaultProbeInterval
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.TargetLatencyMs == 0 {
		cfg.TargetLatencyMs = playout.DefaultTargetLatencyMs
	}
	s := &Session{
		log:            log.With().Str("component", "session").Logger(),
		cfg:            cfg,
		conn:           transport.New(log),
		clock:          clocksync.New(log),
		out:            out,
		ready:          make(chan struct{}),
		ServerSettings: make(chan wire.ServerSettings, 1),
	}
	s.pendingVolume.Store(100)
	return s
}

// Ready is closed once the handshake completes and the Sink is open,
// the Supervisor's Arming -> Running transition (spec §4.1).
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Run blocks until the session terminates: ctx cancellation (orderly,
// returns nil), a Protocol/Transport/Stalled condition (returns the
// classifying error, spec §7's table), or handshake timeout.
func (s *Session) Run(ctx context.Context) error {
	if err := s.conn.Connect(ctx, s.cfg.Endpoint); err != nil {
		return err
	}
	defer s.conn.Close()

	s.router = router.New(s.log, s.conn, router.WithProbeInterval(s.cfg.ProbeInterval))

	hello := wire.Hello{
		MAC:                       s.cfg.Identity.MAC,
		HostName:                  s.cfg.Identity.HostName,
		Version:                   s.cfg.Identity.Version,
		ClientName:                s.cfg.Identity.Name,
		OS:                        s.cfg.Identity.OS,
		Arch:                      s.cfg.Identity.Arch,
		Instance:                  s.cfg.Instance,
		SnapStreamProtocolVersion: s.cfg.ProtocolVersion,
		ID:                        s.cfg.Identity.ID,
	}
	if err := s.router.SendHello(hello); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	routerErrs := make(chan error, 1)
	go func() { routerErrs <- s.router.Run(runCtx) }()

	if err := s.awaitHandshake(runCtx, routerErrs); err != nil {
		return err
	}
	defer s.teardownAudio()

	stallTick := time.NewTicker(time.Second)
	defer stallTick.Stop()
	clockJumpTick := time.NewTicker(time.Second)
	defer clockJumpTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-routerErrs:
			return classifyRouterExit(err)

		case settings := <-s.router.ServerSettings:
			s.applySettings(settings)

		case ts := <-s.router.TimeSamples:
			s.clock.ProcessSample(ts.T1, ts.T2, ts.T3, ts.T4)

		case chunk := <-s.router.WireChunks:
			s.decodeChunk(chunk)

		case err := <-s.router.Errors:
			return err

		case now := <-stallTick.C:
			if buf := s.buf.Load(); buf != nil && buf.IsStalled(now.UnixMicro()) {
				return enginerr.New(enginerr.Stalled, "session.run", fmt.Errorf("5s continuous underrun"))
			}

		case now := <-clockJumpTick.C:
			s.clock.CheckForClockJump(now)
		}
	}
}

// awaitHandshake blocks for ServerSettings (any number, applied as
// they arrive) followed by exactly one CodecHeader, per the mandatory
// sequence in spec §4.3, then opens the Decoder, Playout Buffer, and
// Sink for the derived format.
func (s *Session) awaitHandshake(ctx context.Context, routerErrs <-chan error) error {
	deadline := time.NewTimer(s.cfg.HandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-routerErrs:
			return classifyRouterExit(err)
		case settings := <-s.router.ServerSettings:
			s.applySettings(settings)
		case ch := <-s.router.CodecHeaders:
			return s.openAudio(ch)
		case <-deadline.C:
			return enginerr.New(enginerr.Protocol, "session.handshake", fmt.Errorf("no CodecHeader within %s", s.cfg.HandshakeTimeout))
		}
	}
}

// openAudio derives the AudioFormat, constructs the Decoder and
// Playout Buffer, and opens the Sink. Format is immutable for the
// rest of the session's lifetime (spec §3: "format change requires new
// session").
func (s *Session) openAudio(ch wire.CodecHeader) error {
	format, err := decode.SniffFormat(ch.Codec, ch.SetupBlob)
	if err != nil {
		return err
	}
	dec, err := decode.New(ch.Codec, format, ch.SetupBlob)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.decoder = dec
	s.format = format
	s.mu.Unlock()

	buf := playout.New(s.log, format.Channels, format.SampleRate,
		playout.WithTargetLatencyMs(s.cfg.TargetLatencyMs))
	buf.SetVolume(int(s.pendingVolume.Load()))
	buf.SetMuted(s.pendingMuted.Load())
	s.buf.Store(buf)

	if err := s.out.Open(format, s.fill); err != nil {
		return enginerr.New(enginerr.Fatal, "session.sink.open", err)
	}
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

// fill is the Sink backend's real-time callback, converting its local-
// clock deadline estimate to the server-clock deadline the Playout
// Buffer keys on (expectedHostDeadlineUs already bakes in the host's
// own queued latency, so offset is the only conversion needed).
func (s *Session) fill(buf []int32, frames int, expectedHostDeadlineUs int64) {
	playoutBuf := s.buf.Load()
	if playoutBuf == nil {
		return
	}
	serverDeadlineUs := expectedHostDeadlineUs + s.clock.Offset()
	playoutBuf.Fill(buf, frames, serverDeadlineUs, 0, s.clock.DriftPPM())
}

// decodeChunk runs on the Decode thread (spec §5: "consumes
// WireChunks, produces PCM ... may block on queue, may allocate").
// Transient decode errors drop the chunk and continue; Fatal ones are
// swallowed into a log since only Run's select loop may return (the
// decoder itself tears down the session by refusing to decode
// anything further only if Fatal is surfaced via s.router.Errors,
// which decode errors do not use — a malformed single chunk is not a
// protocol violation).
func (s *Session) decodeChunk(chunk router.AudioChunk) {
	s.mu.Lock()
	dec := s.decoder
	s.mu.Unlock()
	if dec == nil {
		return
	}

	samples, err := dec.Decode(chunk.Data)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping undecodable chunk")
		return
	}
	if buf := s.buf.Load(); buf != nil {
		buf.Enqueue(s.clock.ServerNow(), playout.Chunk{
			DeadlineUs: chunk.ServerTimestampUs,
			Samples:    samples,
		})
	}
}

// applySettings stores the latest ServerSettings for external readers
// (engine volume/mute queries), republishes it (coalescing with any
// unread prior value, last-writer-wins per spec §4.3/§5), and scales
// the Playout Buffer's output accordingly. If no buffer exists yet
// (settings received during the handshake), the values are cached and
// applied once openAudio creates one.
func (s *Session) applySettings(settings wire.ServerSettings) {
	select {
	case s.ServerSettings <- settings:
	default:
		select {
		case <-s.ServerSettings:
		default:
		}
		s.ServerSettings <- settings
	}

	s.pendingVolume.Store(int32(settings.Volume))
	s.pendingMuted.Store(settings.Muted)
	if buf := s.buf.Load(); buf != nil {
		buf.SetVolume(settings.Volume)
		buf.SetMuted(settings.Muted)
	}
}

// Format returns the session's negotiated AudioFormat. Valid only
// after the CodecHeader handshake step completes.
func (s *Session) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Diagnostics returns a point-in-time snapshot of the session's health
// counters, consumed by pkg/diagnostics.
type Diagnostics struct {
	ClockOffsetUs int64
	DriftPPM      float64
	BufferedMs    int64
	UnderrunUs    int64
	LateDropCount int64
	OverflowDrops int64
	ClockResets   int64
	ClockSamples  int64
	ClockOutliers int64
}

// Snapshot reports the current diagnostics, safe to call concurrently
// with Run.
func (s *Session) Snapshot() Diagnostics {
	d := Diagnostics{
		ClockOffsetUs: s.clock.Offset(),
		DriftPPM:      s.clock.DriftPPM(),
		ClockResets:   s.clock.ResetCount(),
		ClockSamples:  s.clock.SampleCount(),
		ClockOutliers: s.clock.OutlierCount(),
	}
	if buf := s.buf.Load(); buf != nil {
		d.BufferedMs = buf.BufferedMs()
		d.UnderrunUs = buf.UnderrunUs()
		d.LateDropCount = buf.LateDropCount()
		d.OverflowDrops = buf.OverflowDropCount()
	}
	return d
}

// SetPaused toggles silent playback without tearing the session down
// (spec §4.6: "no separate paused state in the Supervisor").
func (s *Session) SetPaused(paused bool) {
	if buf := s.buf.Load(); buf != nil {
		buf.SetPaused(paused)
	}
}

// ForceClockReset forces ClockSync to clear its window, used by the
// Supervisor's foreground_hint handling (spec §4.5 "Reset condition").
func (s *Session) ForceClockReset() {
	s.clock.Reset()
}

// teardownAudio closes the Decoder and Sink. Safe to call even if
// openAudio never ran.
func (s *Session) teardownAudio() {
	s.mu.Lock()
	dec := s.decoder
	opened := s.opened
	s.mu.Unlock()

	if dec != nil {
		if err := dec.Close(); err != nil {
			s.log.Warn().Err(err).Msg("decoder close failed")
		}
	}
	if opened {
		if err := s.out.Close(); err != nil {
			s.log.Warn().Err(err).Msg("sink close failed")
		}
	}
}

// Destroying reports whether the Session is being torn down by the
// Supervisor's orphan path: any callback that fires afterward must be
// discarded before touching Session state (spec §4.7). BeginCallback/
// EndCallback give subsystems a way to honor that without Session
// exposing its internals.
func (s *Session) Destroying() bool { return s.destroying.Load() }

// MarkDestroying sets the destroying flag, called synchronously by the
// Supervisor at the instant of abandonment (spec §4.7).
func (s *Session) MarkDestroying() { s.destroying.Store(true) }

// BeginCallback reports whether a notification callback may proceed;
// on true, the caller must call EndCallback when done. Returns false
// (and does nothing else) once Destroying is set, so a zombie
// subsystem's in-flight notification is discarded before touching
// Session state.
func (s *Session) BeginCallback() bool {
	if s.destroying.Load() {
		return false
	}
	s.inFlight.Add(1)
	if s.destroying.Load() {
		s.inFlight.Add(-1)
		return false
	}
	return true
}

// EndCallback matches a successful BeginCallback.
func (s *Session) EndCallback() { s.inFlight.Add(-1) }

// InFlightCallbacks reports the number of callbacks currently between
// BeginCallback and EndCallback (spec §4.7 phase 2). The Supervisor's
// reaper does not read it before releasing a drained orphan.
func (s *Session) InFlightCallbacks() int64 { return s.inFlight.Load() }

func classifyRouterExit(err error) error {
	if err == nil {
		return nil
	}
	if enginerr.Is(err, enginerr.Cancelled) {
		return nil
	}
	if err == io.EOF {
		return enginerr.New(enginerr.Transport, "session.router", fmt.Errorf("connection closed: %w", err))
	}
	return err
}
