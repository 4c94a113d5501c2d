// Command snapclient is the primary entrypoint: it wires pkg/engine,
// pkg/sink/oto, and pkg/state together behind CLI flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapclient/snapclient-go/pkg/engine"
	"github.com/snapclient/snapclient-go/pkg/session"
	"github.com/snapclient/snapclient-go/pkg/sink/oto"
)

func main() {
	server := flag.String("server", "", "server address as host:port (skip to use the last persisted endpoint)")
	name := flag.String("name", "", "player name advertised to the server (default: hostname)")
	statePath := flag.String("state", defaultStatePath(), "path to persisted client identity/last-endpoint state")
	latencyMs := flag.Int("latency-ms", 150, "target playout latency in milliseconds")
	autoReconnect := flag.Bool("reconnect", true, "automatically reconnect on transport errors")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if *debug {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(logLevel).With().Timestamp().Logger()

	playerName := *name
	if playerName == "" {
		if hostname, err := os.Hostname(); err == nil {
			playerName = hostname
		} else {
			playerName = "snapclient"
		}
	}

	e := engine.New(log, engine.Config{
		// ID is left unset: engine.New overrides it with the persisted
		// stable ClientID (spec §6.4) so the server recognizes this
		// device across reconnects regardless of -name.
		Identity: session.Identity{
			HostName: playerName,
			Name:     playerName,
		},
		Sink:                oto.New(),
		StatePath:           *statePath,
		ProbeInterval:       time.Second,
		HandshakeTimeout:    5 * time.Second,
		TargetLatencyMs:     *latencyMs,
		AutoReconnect:       *autoReconnect,
		DiagnosticsInterval: time.Second,
	})
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := connect(e, *server, log); err != nil {
		log.Fatal().Err(err).Msg("initial connect failed")
	}

	states, unsubscribe := e.SubscribeState()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			log.Info().Stringer("state", st).Msg("state changed")
		}
	}
}

func connect(e *engine.Engine, server string, log zerolog.Logger) error {
	if server == "" {
		ok, err := e.ConnectToLastEndpoint()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no -server given and no persisted last endpoint")
		}
		return nil
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return fmt.Errorf("invalid -server %q: %w", server, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in -server %q: %w", server, err)
	}
	return e.Connect(host, port)
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "snapclient-state.json"
	}
	return dir + "/snapclient/state.json"
}
