package supervisor

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/session"
	"github.com/snapclient/snapclient-go/pkg/sink"
	"github.com/snapclient/snapclient-go/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// time.AfterFunc timers run on the runtime's own internal
		// goroutine pool; not a leak this package introduces.
		goleak.IgnoreTopFunction("time.goFunc"),
	)
}

// silentSink never opens a real device; it records calls for assertions.
type silentSink struct {
	opened int
	closed int
}

func (s *silentSink) Open(format audio.Format, fill sink.FillFunc) error {
	s.opened++
	return nil
}

func (s *silentSink) Close() error {
	s.closed++
	return nil
}

func wavHeader(sampleRate, channels, bitDepth int) []byte {
	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	copy(buf[8:12], "WAVE")
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitDepth))
	return buf
}

// fakeServer listens on loopback and hands the test the accepted conn,
// the same pattern pkg/session's tests use.
func fakeServer(t *testing.T) (accepted <-chan net.Conn, ep Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			ch <- c
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ch, Endpoint{Host: host, Port: port}
}

func writeMessage(t *testing.T, c net.Conn, hdr wire.Header, payload []byte) {
	t.Helper()
	_, err := c.Write(wire.Encode(wire.Message{Header: hdr, Payload: payload}))
	require.NoError(t, err)
}

func readHeader(t *testing.T, c net.Conn) wire.Header {
	t.Helper()
	var hdrBuf [wire.HeaderSize]byte
	n := 0
	for n < len(hdrBuf) {
		m, err := c.Read(hdrBuf[n:])
		require.NoError(t, err)
		n += m
	}
	hdr, err := wire.DecodeHeader(hdrBuf[:])
	require.NoError(t, err)
	payload := make([]byte, hdr.Size)
	n = 0
	for n < len(payload) {
		m, err := c.Read(payload[n:])
		require.NoError(t, err)
		n += m
	}
	return hdr
}

// serveHappyPath drives one accepted connection through the mandatory
// Hello -> ServerSettings -> CodecHeader -> WireChunk sequence.
func serveHappyPath(t *testing.T, c net.Conn) {
	t.Helper()
	readHeader(t, c) // Hello

	settings, err := json.Marshal(wire.ServerSettings{Volume: 50})
	require.NoError(t, err)
	writeMessage(t, c, wire.Header{Type: wire.TypeServerSettings}, settings)

	ch := wire.EncodeCodecHeader(wire.CodecHeader{Codec: "pcm", SetupBlob: wavHeader(48000, 2, 16)})
	writeMessage(t, c, wire.Header{Type: wire.TypeCodecHeader}, ch)
}

// serveHappyPathBestEffort is serveHappyPath without test assertions,
// for use from a background goroutine racing a Disconnect — the peer
// may vanish mid-handshake, which is the scenario under test, not a
// test failure.
func serveHappyPathBestEffort(c net.Conn) {
	defer c.Close()
	var hdrBuf [wire.HeaderSize]byte
	if _, err := readFullBestEffort(c, hdrBuf[:]); err != nil {
		return
	}
	hdr, err := wire.DecodeHeader(hdrBuf[:])
	if err != nil {
		return
	}
	payload := make([]byte, hdr.Size)
	if _, err := readFullBestEffort(c, payload); err != nil {
		return
	}

	settings, err := json.Marshal(wire.ServerSettings{Volume: 50})
	if err != nil {
		return
	}
	if _, err := c.Write(wire.Encode(wire.Message{Header: wire.Header{Type: wire.TypeServerSettings}, Payload: settings})); err != nil {
		return
	}
	ch := wire.EncodeCodecHeader(wire.CodecHeader{Codec: "pcm", SetupBlob: wavHeader(48000, 2, 16)})
	_, _ = c.Write(wire.Encode(wire.Message{Header: wire.Header{Type: wire.TypeCodecHeader}, Payload: ch}))
}

func readFullBestEffort(c net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := c.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func newTestFactory(t *testing.T, out *silentSink) SessionFactory {
	return func(ep Endpoint) *session.Session {
		return session.New(zerolog.Nop(), session.Config{
			Endpoint:      ep.String(),
			Identity:      session.Identity{ID: "sup-test"},
			ProbeInterval: time.Hour,
		}, out)
	}
}

func waitForState(t *testing.T, sup *Supervisor, want State, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return sup.CurrentState() == want }, within, time.Millisecond)
}

func TestSupervisorConnectReachesRunning(t *testing.T) {
	accepted, ep := fakeServer(t)
	out := &silentSink{}
	sup := New(zerolog.Nop(), newTestFactory(t, out))
	defer sup.Close()

	require.Equal(t, Idle, sup.CurrentState())
	require.NoError(t, sup.Connect(ep))

	server := <-accepted
	defer server.Close()
	serveHappyPath(t, server)

	waitForState(t, sup, Running, time.Second)
	require.Equal(t, ep, sup.Snapshot().Endpoint)
}

func TestSupervisorConnectIsIdempotent(t *testing.T) {
	accepted, ep := fakeServer(t)
	out := &silentSink{}
	sup := New(zerolog.Nop(), newTestFactory(t, out))
	defer sup.Close()

	require.NoError(t, sup.Connect(ep))
	server := <-accepted
	defer server.Close()
	serveHappyPath(t, server)
	waitForState(t, sup, Running, time.Second)

	require.NoError(t, sup.Connect(ep))
	require.Equal(t, Running, sup.CurrentState())
}

func TestSupervisorDisconnectReturnsToIdle(t *testing.T) {
	accepted, ep := fakeServer(t)
	out := &silentSink{}
	sup := New(zerolog.Nop(), newTestFactory(t, out))
	defer sup.Close()

	require.NoError(t, sup.Connect(ep))
	server := <-accepted
	defer server.Close()
	serveHappyPath(t, server)
	waitForState(t, sup, Running, time.Second)

	sup.Disconnect()
	waitForState(t, sup, Idle, time.Second)
	require.Zero(t, sup.Snapshot().OrphanCount)
}

func TestSupervisorRejectsConnectAfterClose(t *testing.T) {
	out := &silentSink{}
	sup := New(zerolog.Nop(), newTestFactory(t, out))
	sup.Close()
	require.ErrorIs(t, sup.Connect(Endpoint{Host: "127.0.0.1", Port: 1}), ErrAlreadyShuttingDown)
}

func TestSupervisorRejectsInvalidEndpoint(t *testing.T) {
	out := &silentSink{}
	sup := New(zerolog.Nop(), newTestFactory(t, out))
	defer sup.Close()
	require.ErrorIs(t, sup.Connect(Endpoint{Host: ""}), ErrInvalidEndpoint)
}

func TestSupervisorSetUserLatencyRange(t *testing.T) {
	out := &silentSink{}
	sup := New(zerolog.Nop(), newTestFactory(t, out))
	defer sup.Close()
	require.NoError(t, sup.SetUserLatency(500))
	require.ErrorIs(t, sup.SetUserLatency(5000), ErrOutOfRange)
}

// TestSupervisorOrphanBound races an aggressively short drain timeout
// against a well-behaved session's orderly shutdown to exercise the
// orphan/force-join bookkeeping deterministically (spec §8's "Orphan
// bound" property), rather than relying on a peer that truly can't be
// cancelled (our Go Transport's cancellable net.Conn reads make a real
// indefinite hang the rare case the design notes describe).
func TestSupervisorOrphanBound(t *testing.T) {
	out := &silentSink{}
	sup := New(zerolog.Nop(), newTestFactory(t, out), WithDrainTimeout(0), WithOrphanMax(2))
	defer sup.Close()

	for i := 0; i < 5; i++ {
		accepted, ep := fakeServer(t)
		require.NoError(t, sup.Connect(ep))
		server := <-accepted
		go serveHappyPathBestEffort(server)
		sup.Disconnect()
	}

	require.Eventually(t, func() bool { return sup.CurrentState() == Idle }, time.Second, time.Millisecond)
	require.LessOrEqual(t, sup.Snapshot().OrphanCount, 2)
}

func TestBackoffDelaySequence(t *testing.T) {
	want := []float64{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		got := backoffDelay(i)
		low := time.Duration(w * 0.9 * float64(time.Second))
		high := time.Duration(w * 1.1 * float64(time.Second))
		require.GreaterOrEqualf(t, got, low, "attempt %d", i)
		require.LessOrEqualf(t, got, high, "attempt %d", i)
	}
}

func TestSupervisorSubscribePublishesTransitions(t *testing.T) {
	accepted, ep := fakeServer(t)
	out := &silentSink{}
	sup := New(zerolog.Nop(), newTestFactory(t, out))
	defer sup.Close()

	ch, unsubscribe := sup.Subscribe()
	defer unsubscribe()

	require.NoError(t, sup.Connect(ep))
	server := <-accepted
	defer server.Close()
	serveHappyPath(t, server)

	seen := map[State]bool{}
	timeout := time.After(time.Second)
	for !seen[Running] {
		select {
		case st := <-ch:
			seen[st] = true
		case <-timeout:
			t.Fatal("did not observe Running transition")
		}
	}
	require.True(t, seen[Arming])
}
