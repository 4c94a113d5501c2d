// Package router drives the protocol handshake and fans inbound
// messages out to per-type channels (spec §4.3), the same shape the
// reference client's protocol.Client uses for its AudioChunks/
// ControlMsgs/TimeSyncResp channels, adapted from JSON message-type
// strings to the binary type tag in pkg/wire.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapclient/snapclient-go/pkg/enginerr"
	"github.com/snapclient/snapclient-go/pkg/transport"
	"github.com/snapclient/snapclient-go/pkg/wire"
)

// DefaultProbeInterval is the Time-probe cadence (spec §4.3: "1 Hz,
// configurable").
const DefaultProbeInterval = time.Second

// maxProbeAge is how long after sending a Time probe its reply is still
// accepted; a later reply is stale and produces no TimeSample.
const maxProbeAge = 2 * time.Second

// AudioChunk is one WireChunk, decoded to its server-clock deadline
// and raw (still encoded) audio payload.
type AudioChunk struct {
	ServerTimestampUs int64
	Data              []byte
}

// TimeSample is one completed Time round trip, in the four-timestamp
// form ClockSync.ProcessSample expects.
//
// Wire mapping (resolved ambiguity, spec.md leaves the Time payload's
// exact field meaning unspecified): T1 is recorded locally when the
// probe is sent; T4 is the reply's header Received field, stamped by
// transport.Conn.Recv in the reader's own clock; T3 is the reply's
// header Sent field, stamped by the server in its own clock; T2 is
// carried in the reply's payload as the server's receipt time of the
// original probe, reusing wire.TimePoint rather than inventing a new
// payload shape.
type TimeSample struct {
	T1, T2, T3, T4 int64
}

// Router owns the single Transport.Conn for one Session and performs
// the mandatory handshake (Hello -> ServerSettings -> CodecHeader)
// before routing steady-state traffic.
type Router struct {
	log           zerolog.Logger
	conn          *transport.Conn
	probeInterval time.Duration

	CodecHeaders   chan wire.CodecHeader
	WireChunks     chan AudioChunk
	ServerSettings chan wire.ServerSettings
	TimeSamples    chan TimeSample
	Errors         chan error

	mu      sync.Mutex
	pending map[uint16]int64
	nextID  uint16

	handshakeComplete bool
}

// Option configures a Router at construction.
type Option func(*Router)

// WithProbeInterval overrides the Time-probe cadence.
func WithProbeInterval(d time.Duration) Option {
	return func(r *Router) { r.probeInterval = d }
}

// New creates a Router bound to conn. Call Run after SendHello.
func New(log zerolog.Logger, conn *transport.Conn, opts ...Option) *Router {
	r := &Router{
		log:            log.With().Str("component", "router").Logger(),
		conn:           conn,
		probeInterval:  DefaultProbeInterval,
		CodecHeaders:   make(chan wire.CodecHeader, 1),
		WireChunks:     make(chan AudioChunk, 256),
		ServerSettings: make(chan wire.ServerSettings, 8),
		TimeSamples:    make(chan TimeSample, 8),
		Errors:         make(chan error, 8),
		pending:        make(map[uint16]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendHello transmits the Hello handshake message (spec §4.3 step 1).
// Must be called exactly once, before Run.
func (r *Router) SendHello(hello wire.Hello) error {
	payload, err := json.Marshal(hello)
	if err != nil {
		return enginerr.New(enginerr.Fatal, "router.hello", fmt.Errorf("encode hello: %w", err))
	}
	return r.conn.Send(wire.Message{Header: wire.Header{Type: wire.TypeHello}, Payload: payload})
}

// Run reads and dispatches messages until ctx is cancelled or the
// connection fails. It also drives the 1Hz Time-probe schedule. The
// caller's conn.Close() (via Supervisor teardown) unblocks the
// in-flight Recv.
func (r *Router) Run(ctx context.Context) error {
	msgs := make(chan wire.Message, 32)
	recvErrs := make(chan error, 1)

	go func() {
		for {
			m, err := r.conn.Recv()
			if err != nil {
				recvErrs <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErrs:
			return err
		case <-ticker.C:
			if err := r.sendTimeProbe(); err != nil {
				r.log.Warn().Err(err).Msg("time probe send failed")
			}
		case m := <-msgs:
			if err := r.dispatch(m); err != nil {
				select {
				case r.Errors <- err:
				default:
				}
			}
		}
	}
}

func (r *Router) sendTimeProbe() error {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	t1 := time.Now().UnixMicro()
	r.pending[id] = t1
	// Bound the pending set: a probe that never gets a reply (server
	// silently drops Time) must not leak forever.
	if len(r.pending) > 64 {
		for k := range r.pending {
			delete(r.pending, k)
			break
		}
	}
	r.mu.Unlock()

	hdr := wire.Header{Type: wire.TypeTime, ID: id, Sent: wire.TimePointFromMicros(t1)}
	return r.conn.Send(wire.Message{Header: hdr, Payload: wire.EncodeTime(wire.TimePoint{})})
}

// dispatch routes one inbound message by wire type. spec §4.3's prose
// allows a WireChunk preceding CodecHeader to be dropped with a
// warning ("servers sometimes preload"), but §8's testable property
// "Handshake enforcement" is more specific and overrides it: any such
// interleaving must tear the session down with reason Protocol. This
// is also consistent with §9's own design note flagging the
// prose/property tension and asking to resolve it conservatively.
func (r *Router) dispatch(m wire.Message) error {
	switch m.Header.Type {
	case wire.TypeServerSettings:
		var settings wire.ServerSettings
		if err := json.Unmarshal(m.Payload, &settings); err != nil {
			return enginerr.New(enginerr.Protocol, "router.serversettings", err)
		}
		select {
		case r.ServerSettings <- settings:
		default:
			<-r.ServerSettings
			r.ServerSettings <- settings
		}
		return nil

	case wire.TypeCodecHeader:
		ch, err := wire.DecodeCodecHeader(m.Payload)
		if err != nil {
			return enginerr.New(enginerr.Protocol, "router.codecheader", err)
		}
		r.mu.Lock()
		r.handshakeComplete = true
		r.mu.Unlock()
		select {
		case r.CodecHeaders <- ch:
		default:
		}
		return nil

	case wire.TypeWireChunk:
		r.mu.Lock()
		ready := r.handshakeComplete
		r.mu.Unlock()
		if !ready {
			return enginerr.New(enginerr.Protocol, "router.wirechunk",
				fmt.Errorf("WireChunk received before CodecHeader handshake completed"))
		}
		ts, audioData, err := wire.DecodeWireChunk(m.Payload)
		if err != nil {
			return enginerr.New(enginerr.Protocol, "router.wirechunk", err)
		}
		chunk := AudioChunk{ServerTimestampUs: ts.Micros(), Data: audioData}
		select {
		case r.WireChunks <- chunk:
		default:
			r.log.Warn().Msg("WireChunks channel full, dropping chunk")
		}
		return nil

	case wire.TypeTime:
		t2, err := wire.DecodeTime(m.Payload)
		if err != nil {
			return enginerr.New(enginerr.Protocol, "router.time", err)
		}
		r.mu.Lock()
		t1, ok := r.pending[m.Header.RefersTo]
		if ok {
			delete(r.pending, m.Header.RefersTo)
		}
		r.mu.Unlock()
		if !ok {
			r.log.Debug().Uint16("refersTo", m.Header.RefersTo).Msg("time reply for unknown/expired probe")
			return nil
		}
		if m.Header.Received.Micros()-t1 > maxProbeAge.Microseconds() {
			r.log.Debug().Uint16("refersTo", m.Header.RefersTo).Msg("discarding stale time reply")
			return nil
		}
		sample := TimeSample{
			T1: t1,
			T2: t2.Micros(),
			T3: m.Header.Sent.Micros(),
			T4: m.Header.Received.Micros(),
		}
		select {
		case r.TimeSamples <- sample:
		default:
		}
		return nil

	case wire.TypeError:
		return enginerr.New(enginerr.Protocol, "router.error", fmt.Errorf("server error message: %q", string(m.Payload)))

	default:
		r.log.Debug().Stringer("type", m.Header.Type).Msg("ignoring unrecognized message type")
		return nil
	}
}
