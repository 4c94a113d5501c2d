// Package engine is the thin façade named in spec §6.3: it translates
// the public control API (connect/disconnect/set_paused/...) into
// pkg/supervisor commands and public subscriptions into the
// Supervisor's and pkg/diagnostics's fan-out channels. Nothing in
// this package holds engine state directly; it is a narrow adapter.
package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapclient/snapclient-go/pkg/diagnostics"
	"github.com/snapclient/snapclient-go/pkg/session"
	"github.com/snapclient/snapclient-go/pkg/sink"
	"github.com/snapclient/snapclient-go/pkg/state"
	"github.com/snapclient/snapclient-go/pkg/supervisor"
)

// Config bundles everything needed to construct an Engine.
type Config struct {
	Identity session.Identity
	Sink     sink.Sink

	// StatePath, if non-empty, persists the client identity and last
	// endpoint across restarts (spec §6.4). Empty disables persistence.
	StatePath string

	ProbeInterval       time.Duration
	HandshakeTimeout    time.Duration
	TargetLatencyMs     int
	DrainTimeout        time.Duration
	OrphanMax           int
	ConnectTimeout      time.Duration
	AutoReconnect       bool
	DiagnosticsInterval time.Duration
}

// Engine is the top-level object an embedding application constructs
// once per logical audio endpoint.
type Engine struct {
	log       zerolog.Logger
	sup       *supervisor.Supervisor
	diag      *diagnostics.Publisher
	statePath string

	mu sync.Mutex
	st *state.State
}

// New constructs an Engine in the Idle state. It does not connect
// anywhere until Connect is called.
func New(log zerolog.Logger, cfg Config) *Engine {
	e := &Engine{log: log.With().Str("component", "engine").Logger(), statePath: cfg.StatePath}

	if cfg.StatePath != "" {
		e.st = state.Load(e.log, cfg.StatePath)
	} else {
		e.st = state.New()
	}

	// The Hello identity sent to the server MUST be the persisted
	// stable ClientID (spec §6.4: "the server can recognize this
	// device across reconnects"), not whatever human-readable ID the
	// caller passed in cfg.Identity.
	identity := cfg.Identity
	identity.ID = e.st.ClientID

	factory := func(ep supervisor.Endpoint) *session.Session {
		return session.New(e.log, session.Config{
			Endpoint:         ep.String(),
			Identity:         identity,
			ProbeInterval:    cfg.ProbeInterval,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TargetLatencyMs:  cfg.TargetLatencyMs,
		}, cfg.Sink)
	}

	var opts []supervisor.Option
	if cfg.DrainTimeout > 0 {
		opts = append(opts, supervisor.WithDrainTimeout(cfg.DrainTimeout))
	}
	if cfg.OrphanMax > 0 {
		opts = append(opts, supervisor.WithOrphanMax(cfg.OrphanMax))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, supervisor.WithConnectTimeout(cfg.ConnectTimeout))
	}
	opts = append(opts, supervisor.WithAutoReconnect(cfg.AutoReconnect))

	e.sup = supervisor.New(e.log, factory, opts...)
	e.diag = diagnostics.NewPublisher(e.sup.Snapshot, cfg.DiagnosticsInterval)
	return e
}

// Connect requests a transition toward Running at host:port (spec
// §6.3 connect). On success, if persistence is enabled, it becomes
// the new last-connected endpoint.
func (e *Engine) Connect(host string, port int) error {
	ep := supervisor.Endpoint{Host: host, Port: port}
	if err := e.sup.Connect(ep); err != nil {
		return err
	}
	if e.statePath != "" {
		e.mu.Lock()
		e.st.LastEndpoint = &state.Endpoint{Host: host, Port: port}
		snapshot := *e.st
		e.mu.Unlock()
		if err := state.Save(e.statePath, &snapshot); err != nil {
			e.log.Warn().Err(err).Msg("failed to persist last endpoint")
		}
	}
	return nil
}

// ConnectToLastEndpoint reconnects to the persisted last-connected
// endpoint, if any. Returns false if none is recorded.
func (e *Engine) ConnectToLastEndpoint() (bool, error) {
	e.mu.Lock()
	ep := e.st.LastEndpoint
	e.mu.Unlock()
	if ep == nil {
		return false, nil
	}
	return true, e.Connect(ep.Host, ep.Port)
}

// Disconnect requests orderly teardown (spec §6.3 disconnect);
// observable completion is a state transition to Idle.
func (e *Engine) Disconnect() { e.sup.Disconnect() }

// SetUserLatency checks a user-latency offset against the -2000..2000ms
// range (spec §6.3 set_user_latency) and returns supervisor.ErrOutOfRange outside
// it; an in-range value is accepted but does not change playout timing.
func (e *Engine) SetUserLatency(ms int) error { return e.sup.SetUserLatency(ms) }

// SetPaused toggles silent playback without tearing the session down
// (spec §6.3 set_paused).
func (e *Engine) SetPaused(paused bool) { e.sup.SetPaused(paused) }

// ForegroundHint triggers a ClockSync reset if wasBackgroundedMs
// exceeds clocksync.DefaultResetGap (spec §6.3 foreground_hint).
func (e *Engine) ForegroundHint(wasBackgroundedMs uint64) { e.sup.ForegroundHint(wasBackgroundedMs) }

// CurrentState is a lock-free read of the Supervisor's state.
func (e *Engine) CurrentState() supervisor.State { return e.sup.CurrentState() }

// SubscribeState streams Supervisor state transitions (spec §6.3
// subscribe_state).
func (e *Engine) SubscribeState() (<-chan supervisor.State, func()) { return e.sup.Subscribe() }

// SubscribeDiagnostics streams periodic diagnostics snapshots (spec
// §6.3 subscribe_diagnostics).
func (e *Engine) SubscribeDiagnostics() (<-chan diagnostics.Snapshot, func()) {
	return e.diag.Subscribe()
}

// Diagnostics returns the current diagnostics snapshot without
// waiting for the next publish tick.
func (e *Engine) Diagnostics() diagnostics.Snapshot { return e.sup.Snapshot() }

// ClientID returns the stable per-install identity (spec §6.4).
func (e *Engine) ClientID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.ClientID
}

// Close tears the Engine down: stops diagnostics publishing and the
// Supervisor (which drains or orphans its active Session per
// T_drain), then returns.
func (e *Engine) Close() {
	e.diag.Close()
	e.sup.Close()
}
