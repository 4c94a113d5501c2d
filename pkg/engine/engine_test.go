package engine

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/session"
	"github.com/snapclient/snapclient-go/pkg/sink"
	"github.com/snapclient/snapclient-go/pkg/supervisor"
	"github.com/snapclient/snapclient-go/pkg/wire"
)

type capturingSink struct {
	fill sink.FillFunc
}

func (c *capturingSink) Open(format audio.Format, fill sink.FillFunc) error {
	c.fill = fill
	return nil
}
func (c *capturingSink) Close() error { return nil }

func wavHeader(sampleRate, channels, bitDepth int) []byte {
	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	copy(buf[8:12], "WAVE")
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitDepth))
	return buf
}

func listen(t *testing.T) (accepted <-chan net.Conn, host string, port int) {
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
	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return ch, h, port
}

func writeMessage(t *testing.T, c net.Conn, hdr wire.Header, payload []byte) {
	t.Helper()
	_, err := c.Write(wire.Encode(wire.Message{Header: hdr, Payload: payload}))
	require.NoError(t, err)
}

func readHeader(t *testing.T, c net.Conn) wire.Header {
	t.Helper()
	hdr, _ := readMessage(t, c)
	return hdr
}

func readMessage(t *testing.T, c net.Conn) (wire.Header, []byte) {
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
	return hdr, payload
}

// TestEngineHappyPath exercises spec §8 scenario 1: a server emitting
// a PCM CodecHeader then WireChunks reaches Running and opens the Sink
// with a fill callback.
func TestEngineHappyPath(t *testing.T) {
	accepted, host, port := listen(t)
	out := &capturingSink{}
	e := New(zerolog.Nop(), Config{
		Identity:      session.Identity{ID: "engine-test"},
		Sink:          out,
		ProbeInterval: time.Hour,
		AutoReconnect: false,
	})
	defer e.Close()

	require.NoError(t, e.Connect(host, port))

	server := <-accepted
	defer server.Close()
	readHeader(t, server) // Hello

	settings, err := json.Marshal(wire.ServerSettings{Volume: 42})
	require.NoError(t, err)
	writeMessage(t, server, wire.Header{Type: wire.TypeServerSettings}, settings)

	ch := wire.EncodeCodecHeader(wire.CodecHeader{Codec: "pcm", SetupBlob: wavHeader(48000, 2, 16)})
	writeMessage(t, server, wire.Header{Type: wire.TypeCodecHeader}, ch)

	require.Eventually(t, func() bool { return e.CurrentState() == supervisor.Running }, 500*time.Millisecond, time.Millisecond)

	pcm := make([]byte, 8) // 2 frames stereo int16, first frame set
	binary.LittleEndian.PutUint16(pcm[0:2], 1234)
	binary.LittleEndian.PutUint16(pcm[2:4], 1234)
	chunk := wire.EncodeWireChunk(wire.TimePoint{Sec: 0, Usec: 0}, pcm)
	writeMessage(t, server, wire.Header{Type: wire.TypeWireChunk}, chunk)

	require.Eventually(t, func() bool {
		return out.fill != nil
	}, time.Second, time.Millisecond)
}

// TestEngineHangingPeerDisconnect exercises spec §8 scenario 3: the
// peer accepts but never completes the handshake; disconnect must
// still return the engine to Idle promptly.
func TestEngineHangingPeerDisconnect(t *testing.T) {
	accepted, host, port := listen(t)
	out := &capturingSink{}
	e := New(zerolog.Nop(), Config{
		Identity:      session.Identity{ID: "engine-test"},
		Sink:          out,
		ProbeInterval: time.Hour,
		DrainTimeout:  50 * time.Millisecond,
		AutoReconnect: false,
	})
	defer e.Close()

	require.NoError(t, e.Connect(host, port))
	server := <-accepted
	defer server.Close()
	readHeader(t, server) // consumes Hello, then goes silent

	require.Eventually(t, func() bool { return e.CurrentState() == supervisor.Arming }, time.Second, time.Millisecond)

	e.Disconnect()
	require.Eventually(t, func() bool { return e.CurrentState() == supervisor.Idle }, time.Second, time.Millisecond)
	require.Nil(t, out.fill)
}

func TestEngineConnectPersistsLastEndpoint(t *testing.T) {
	_, host, port := listen(t)
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	out := &capturingSink{}
	e := New(zerolog.Nop(), Config{
		Identity:      session.Identity{ID: "engine-test"},
		Sink:          out,
		StatePath:     statePath,
		ProbeInterval: time.Hour,
		AutoReconnect: false,
	})
	require.NoError(t, e.Connect(host, port))
	firstClientID := e.ClientID()
	e.Close()

	out2 := &capturingSink{}
	e2 := New(zerolog.Nop(), Config{
		Identity:      session.Identity{ID: "engine-test"},
		Sink:          out2,
		StatePath:     statePath,
		ProbeInterval: time.Hour,
		AutoReconnect: false,
	})
	defer e2.Close()

	require.Equal(t, firstClientID, e2.ClientID())
	ok, _ := e2.ConnectToLastEndpoint()
	require.True(t, ok)
}

// TestEngineSendsPersistedClientIDAsHelloID exercises spec §6.4: the
// server must be able to recognize this device across reconnects, so
// the Hello sent on the wire carries the persisted ClientID, not
// whatever human-readable Identity the caller configured.
func TestEngineSendsPersistedClientIDAsHelloID(t *testing.T) {
	accepted, host, port := listen(t)
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	out := &capturingSink{}
	e := New(zerolog.Nop(), Config{
		Identity:      session.Identity{Name: "display-name-only"},
		Sink:          out,
		StatePath:     statePath,
		ProbeInterval: time.Hour,
		AutoReconnect: false,
	})
	defer e.Close()

	clientID := e.ClientID()
	require.NotEmpty(t, clientID)
	require.NoError(t, e.Connect(host, port))

	server := <-accepted
	defer server.Close()
	_, payload := readMessage(t, server) // Hello

	var hello wire.Hello
	require.NoError(t, json.Unmarshal(payload, &hello))
	require.Equal(t, clientID, hello.ID)
	require.NotEqual(t, "display-name-only", hello.ID)
}
