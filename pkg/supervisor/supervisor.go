// Package supervisor implements the Client Engine's lifecycle state
// machine (spec §4.1): it serializes connect/disconnect/reconnect
// commands, enforces a single active Session, and bounds how long a
// misbehaving peer can wedge the control path.
//
// The Supervisor is a single goroutine owning all of its state,
// driven by a command channel rather than a mutex exposed to callers
// — the same channel-owned-state shape pkg/router uses for per-type
// fan-out, generalized here to commands instead of wire messages.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapclient/snapclient-go/pkg/clocksync"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
	"github.com/snapclient/snapclient-go/pkg/session"
)

// State is one of the five states in spec.md §4.1's diagram.
type State int

const (
	Idle State = iota
	Arming
	Running
	Draining
	Switching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Arming:
		return "Arming"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Switching:
		return "Switching"
	default:
		return "Unknown"
	}
}

// Endpoint identifies a Snapcast server.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

const (
	// DefaultDrainTimeout is T_drain (spec §4.1).
	DefaultDrainTimeout = 2 * time.Second
	// DefaultOrphanMax is N_orphan_max (spec §4.1).
	DefaultOrphanMax = 5
	// DefaultConnectTimeout is the 10s default from spec §5.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultReconnectCap is the backoff ceiling from spec §7.
	DefaultReconnectCap = 60 * time.Second
	// DefaultReconnectStart is the backoff floor from spec §7.
	DefaultReconnectStart = 2 * time.Second
)

var (
	// ErrAlreadyShuttingDown is returned by Connect once Close has been called.
	ErrAlreadyShuttingDown = errors.New("supervisor: already shutting down")
	// ErrOutOfRange is returned by SetUserLatency outside [-2000, 2000]ms.
	ErrOutOfRange = errors.New("supervisor: value out of range")
	// ErrInvalidEndpoint rejects an empty host.
	ErrInvalidEndpoint = errors.New("supervisor: invalid endpoint")
)

// SessionFactory builds an unstarted Session bound to endpoint. Tests
// substitute a factory that returns Sessions wired to mock transports;
// production wires pkg/session.New with a real sink.
type SessionFactory func(endpoint Endpoint) *session.Session

// Diagnostics is the periodic snapshot named in spec §6.3's
// subscribe_diagnostics row, extended with orphan accounting.
type Diagnostics struct {
	State          State
	Endpoint       Endpoint
	OrphanCount    int
	ForceKillCount int64
	ReconnectCount int64
	Session        session.Diagnostics
}

// Supervisor owns at most one live Session at a time and a bounded
// list of abandoned ("orphan") ones, per spec §4.1.
type Supervisor struct {
	log          zerolog.Logger
	newSession   SessionFactory
	drainTimeout time.Duration
	orphanMax    int
	connectTO    time.Duration
	autoReconn   bool

	cmds chan any

	state   atomic.Int32 // State, lock-free read for CurrentState
	closed  atomic.Bool
	stopped chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	listeners map[int]chan State
	nextSub   int

	orphanCount    atomic.Int64
	forceKillCount atomic.Int64
	reconnectCount atomic.Int64
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithDrainTimeout overrides T_drain.
func WithDrainTimeout(d time.Duration) Option { return func(s *Supervisor) { s.drainTimeout = d } }

// WithOrphanMax overrides N_orphan_max.
func WithOrphanMax(n int) Option { return func(s *Supervisor) { s.orphanMax = n } }

// WithConnectTimeout overrides the default 10s connect bound.
func WithConnectTimeout(d time.Duration) Option { return func(s *Supervisor) { s.connectTO = d } }

// WithAutoReconnect enables/disables the Transport/Stalled reconnect
// policy from spec §7. Enabled by default.
func WithAutoReconnect(on bool) Option { return func(s *Supervisor) { s.autoReconn = on } }

// New constructs a Supervisor in the Idle state and starts its owning
// goroutine. Call Close to shut it down.
func New(log zerolog.Logger, newSession SessionFactory, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:          log.With().Str("component", "supervisor").Logger(),
		newSession:   newSession,
		drainTimeout: DefaultDrainTimeout,
		orphanMax:    DefaultOrphanMax,
		connectTO:    DefaultConnectTimeout,
		autoReconn:   true,
		cmds:         make(chan any, 8),
		stopped:      make(chan struct{}),
		listeners:    make(map[int]chan State),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// CurrentState is a lock-free read (spec §4.1: "current_state() ...
// lock-free read").
func (s *Supervisor) CurrentState() State { return State(s.state.Load()) }

// Subscribe registers a listener for state transitions (spec §4.1:
// "subscribe(state_listener) ... fan-out publish"). The returned
// unsubscribe func must be called by the subscriber on teardown (spec
// §4.7's weak-reference-by-convention rule).
func (s *Supervisor) Subscribe() (ch <-chan State, unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	c := make(chan State, 4)
	s.listeners[id] = c
	return c, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(existing)
		}
	}
}

// Snapshot reports the current diagnostics, safe for concurrent use.
func (s *Supervisor) Snapshot() Diagnostics {
	reply := make(chan Diagnostics, 1)
	select {
	case s.cmds <- snapshotCmd{reply: reply}:
	case <-s.stopped:
		return Diagnostics{State: s.CurrentState()}
	}
	select {
	case d := <-reply:
		return d
	case <-s.stopped:
		return Diagnostics{State: s.CurrentState()}
	}
}

// Connect requests a transition toward Running at endpoint (spec
// §4.1: idempotent if already the in-progress target, otherwise
// cancels the current target and arms the new one).
func (s *Supervisor) Connect(endpoint Endpoint) error {
	if endpoint.Host == "" || endpoint.Port <= 0 {
		return ErrInvalidEndpoint
	}
	if s.closed.Load() {
		return ErrAlreadyShuttingDown
	}
	reply := make(chan error, 1)
	select {
	case s.cmds <- connectCmd{endpoint: endpoint, explicit: true, reply: reply}:
	case <-s.stopped:
		return ErrAlreadyShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		return ErrAlreadyShuttingDown
	}
}

// Disconnect requests orderly teardown; it returns immediately per
// spec §4.1, observable completion is the transition to Idle.
func (s *Supervisor) Disconnect() {
	select {
	case s.cmds <- disconnectCmd{}:
	case <-s.stopped:
	}
}

// SetPaused forwards to the active Session (spec §4.6: pause is an
// overlay on Running, not a Supervisor state).
func (s *Supervisor) SetPaused(paused bool) {
	select {
	case s.cmds <- setPausedCmd{paused: paused}:
	case <-s.stopped:
	}
}

// SetUserLatency is a placeholder pass-through for the latency-offset
// knob named in spec §6.3; out-of-range values are rejected here
// without a round trip through the command goroutine.
func (s *Supervisor) SetUserLatency(ms int) error {
	if ms < -2000 || ms > 2000 {
		return ErrOutOfRange
	}
	return nil
}

// ForegroundHint triggers a ClockSync reset on the active Session if
// wasBackgroundedMs exceeds clocksync.DefaultResetGap, T_reset (spec
// §6.3/§8 scenario 4).
func (s *Supervisor) ForegroundHint(wasBackgroundedMs uint64) {
	select {
	case s.cmds <- foregroundHintCmd{ms: wasBackgroundedMs}:
	case <-s.stopped:
	}
}

// Close requests final shutdown: disconnects the active Session,
// drains orphans best-effort up to drainTimeout, and stops the owning
// goroutine. Close is idempotent.
func (s *Supervisor) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.cmds)
	s.wg.Wait()
}

// --- commands, processed exclusively by run() ---

type connectCmd struct {
	endpoint Endpoint
	explicit bool
	reply    chan error
}
type disconnectCmd struct{}
type setPausedCmd struct{ paused bool }
type foregroundHintCmd struct{ ms uint64 }
type snapshotCmd struct{ reply chan Diagnostics }
type sessionDoneMsg struct {
	handle *handle
	err    error
}
type sessionReadyMsg struct{ handle *handle }
type reconnectFireMsg struct{ endpoint Endpoint }

// handle is one spawned Session plus its lifecycle bookkeeping.
type handle struct {
	sess        *session.Session
	cancel      context.CancelFunc
	endpoint    Endpoint
	ready       bool
	abandonedAt time.Time
}

// run is the single goroutine owning all Supervisor state. It never
// shares state with callers except through atomics (state) and
// channels (cmds, listeners).
func (s *Supervisor) run() {
	defer s.wg.Done()
	defer close(s.stopped)

	var active *handle   // armed or running
	var draining *handle // being torn down, nil once Finished or orphaned
	var orphans []*handle

	done := make(chan sessionDoneMsg, 8)
	readyc := make(chan sessionReadyMsg, 8)

	var drainTimer *time.Timer
	drainExpired := make(chan struct{})
	armDrainTimer := func() {
		if drainTimer != nil {
			drainTimer.Stop()
		}
		drainTimer = time.AfterFunc(s.drainTimeout, func() {
			select {
			case drainExpired <- struct{}{}:
			case <-s.stopped:
			}
		})
	}
	stopDrainTimer := func() {
		if drainTimer != nil {
			drainTimer.Stop()
			drainTimer = nil
		}
	}

	var reconnectTimer *time.Timer
	var reconnectAttempt int
	var lastEndpoint Endpoint
	var haveLastEndpoint bool
	reconnectFire := make(chan reconnectFireMsg, 1)
	cancelReconnect := func() {
		if reconnectTimer != nil {
			reconnectTimer.Stop()
			reconnectTimer = nil
		}
	}
	scheduleReconnect := func(ep Endpoint) {
		if !s.autoReconn {
			return
		}
		d := backoffDelay(reconnectAttempt)
		reconnectAttempt++
		s.log.Info().Dur("delay", d).Str("endpoint", ep.String()).Msg("scheduling reconnect")
		cancelReconnect()
		reconnectTimer = time.AfterFunc(d, func() {
			select {
			case reconnectFire <- reconnectFireMsg{endpoint: ep}:
			case <-s.stopped:
			}
		})
	}

	publish := func(st State) {
		s.state.Store(int32(st))
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, ch := range s.listeners {
			select {
			case ch <- st:
			default: // slow subscriber: coalesce by dropping, spec §5
			}
		}
	}
	recompute := func() {
		var st State
		switch {
		case draining != nil && active != nil:
			st = Switching
		case draining != nil:
			st = Draining
		case active != nil && !active.ready:
			st = Arming
		case active != nil:
			st = Running
		default:
			st = Idle
		}
		if st != s.CurrentState() {
			publish(st)
		}
	}

	spawnHandle := func(ep Endpoint) *handle {
		sess := s.newSession(ep)
		ctx, cancel := context.WithCancel(context.Background())
		h := &handle{sess: sess, cancel: cancel, endpoint: ep}
		go func() {
			select {
			case <-sess.Ready():
				select {
				case readyc <- sessionReadyMsg{handle: h}:
				case <-s.stopped:
				}
			case <-ctx.Done():
			}
		}()
		go func() {
			err := sess.Run(ctx)
			select {
			case done <- sessionDoneMsg{handle: h, err: err}:
			case <-s.stopped:
			}
		}()
		return h
	}

	abandonToOrphan := func(h *handle) {
		h.sess.MarkDestroying()
		h.abandonedAt = time.Now()
		orphans = append(orphans, h)
		s.orphanCount.Store(int64(len(orphans)))
		if len(orphans) > s.orphanMax {
			oldest := orphans[0]
			orphans = orphans[1:]
			s.orphanCount.Store(int64(len(orphans)))
			s.forceKillCount.Add(1)
			oldest.cancel()
			s.log.Warn().Str("endpoint", oldest.endpoint.String()).Msg("orphan list full, force-joining oldest")
		}
	}

	beginDrain := func(h *handle) {
		draining = h
		h.sess.MarkDestroying()
		h.cancel()
		armDrainTimer()
	}

	removeOrphan := func(target *handle) {
		for i, o := range orphans {
			if o == target {
				orphans = append(orphans[:i], orphans[i+1:]...)
				s.orphanCount.Store(int64(len(orphans)))
				return
			}
		}
	}

	for {
		select {
		case raw, ok := <-s.cmds:
			if !ok {
				// Close(): cancel every Session, wait up to drainTimeout
				// for them to finish, then exit leaving any still running.
				live := len(orphans)
				if active != nil {
					active.cancel()
					live++
				}
				if draining != nil {
					draining.cancel()
					live++
				}
				for _, o := range orphans {
					o.cancel()
				}
				stopDrainTimer()
				cancelReconnect()
				closeDeadline := time.After(s.drainTimeout)
				for ; live > 0; live-- {
					select {
					case <-done:
					case <-closeDeadline:
						return
					}
				}
				return
			}
			switch cmd := raw.(type) {
			case connectCmd:
				cancelReconnect()
				reconnectAttempt = 0
				if cmd.explicit {
					lastEndpoint, haveLastEndpoint = cmd.endpoint, true
				}
				if active != nil && active.endpoint == cmd.endpoint {
					cmd.reply <- nil
					continue
				}
				if active != nil {
					beginDrain(active)
				}
				active = spawnHandle(cmd.endpoint)
				recompute()
				cmd.reply <- nil

			case disconnectCmd:
				cancelReconnect()
				haveLastEndpoint = false
				if active != nil {
					beginDrain(active)
					active = nil
				}
				recompute()

			case setPausedCmd:
				if active != nil {
					active.sess.SetPaused(cmd.paused)
				}

			case foregroundHintCmd:
				if active != nil && time.Duration(cmd.ms)*time.Millisecond > clocksync.DefaultResetGap {
					active.sess.ForceClockReset()
				}

			case snapshotCmd:
				d := Diagnostics{
					State:          s.CurrentState(),
					OrphanCount:    len(orphans),
					ForceKillCount: s.forceKillCount.Load(),
					ReconnectCount: s.reconnectCount.Load(),
				}
				if active != nil {
					d.Endpoint = active.endpoint
					d.Session = active.sess.Snapshot()
				}
				cmd.reply <- d
			}

		case msg := <-readyc:
			if msg.handle == active {
				active.ready = true
				reconnectAttempt = 0
				recompute()
			}

		case msg := <-done:
			switch {
			case msg.handle == active:
				active = nil
				if !errors.Is(msg.err, context.Canceled) && msg.err != nil {
					s.log.Warn().Err(msg.err).Str("endpoint", msg.handle.endpoint.String()).Msg("session ended")
					if (enginerr.Is(msg.err, enginerr.Transport) || enginerr.Is(msg.err, enginerr.Stalled)) && haveLastEndpoint {
						scheduleReconnect(lastEndpoint)
					}
				}
				recompute()
			case msg.handle == draining:
				stopDrainTimer()
				draining = nil
				recompute()
			default:
				removeOrphan(msg.handle)
			}

		case <-drainExpired:
			if draining != nil {
				h := draining
				draining = nil
				abandonToOrphan(h)
				recompute()
			}

		case fire := <-reconnectFire:
			s.reconnectCount.Add(1)
			if active == nil && draining == nil {
				active = spawnHandle(fire.endpoint)
				recompute()
			}
		}
	}
}

// backoffDelay implements spec §7/§8's {2,4,8,16,32,60,60,...}s ±10%
// sequence: doubling from DefaultReconnectStart, capped at
// DefaultReconnectCap, jittered by up to 10% in either direction.
func backoffDelay(attempt int) time.Duration {
	base := DefaultReconnectStart
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= DefaultReconnectCap {
			base = DefaultReconnectCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(base) * jitter)
}
