// Command snapclient-monitor is a terminal diagnostics dashboard
// (SPEC_FULL §6.3): it runs its own engine connected to the given
// server and renders that engine's Supervisor state and live Session
// diagnostics snapshot, refreshed on every publish tick.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/snapclient/snapclient-go/pkg/diagnostics"
	"github.com/snapclient/snapclient-go/pkg/engine"
	"github.com/snapclient/snapclient-go/pkg/session"
	"github.com/snapclient/snapclient-go/pkg/sink/oto"
)

func main() {
	server := flag.String("server", "", "server address as host:port")
	latencyMs := flag.Int("latency-ms", 150, "target playout latency in milliseconds")
	flag.Parse()

	log := zerolog.Nop()

	e := engine.New(log, engine.Config{
		Identity:            session.Identity{ID: "snapclient-monitor"},
		Sink:                oto.New(),
		ProbeInterval:       time.Second,
		HandshakeTimeout:    5 * time.Second,
		TargetLatencyMs:     *latencyMs,
		AutoReconnect:       true,
		DiagnosticsInterval: 500 * time.Millisecond,
	})
	defer e.Close()

	if *server != "" {
		host, portStr, err := net.SplitHostPort(*server)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -server: %v\n", err)
			os.Exit(1)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid port in -server: %v\n", err)
			os.Exit(1)
		}
		if err := e.Connect(host, port); err != nil {
			fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
			os.Exit(1)
		}
	}

	diagCh, unsubscribe := e.SubscribeDiagnostics()
	defer unsubscribe()

	p := tea.NewProgram(newModel(diagCh))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui error: %v\n", err)
		os.Exit(1)
	}
}

// snapshotMsg carries one diagnostics.Snapshot into the bubbletea
// update loop.
type snapshotMsg diagnostics.Snapshot

func waitForSnapshot(ch <-chan diagnostics.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(s)
	}
}
