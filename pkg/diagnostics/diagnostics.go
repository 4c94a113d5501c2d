// Package diagnostics exposes the Client Engine's health as a
// subscribable stream (spec §6.3: "subscribe_diagnostics() ...
// periodic snapshot: orphan count, underruns, late drops, clock
// offset, drift ppm") and, optionally, as Prometheus metrics.
package diagnostics

import (
	"sync"
	"time"

	"github.com/snapclient/snapclient-go/pkg/supervisor"
)

// Snapshot is one periodic diagnostics sample.
type Snapshot = supervisor.Diagnostics

// SnapshotFunc produces the current diagnostics; satisfied by
// (*supervisor.Supervisor).Snapshot.
type SnapshotFunc func() Snapshot

const DefaultInterval = time.Second

// Publisher polls a SnapshotFunc on an interval and fans the result
// out to subscribers, the same owned-goroutine-plus-channel-fan-out
// shape pkg/supervisor uses for state transitions.
type Publisher struct {
	snapshot SnapshotFunc
	interval time.Duration

	mu        sync.Mutex
	listeners map[int]chan Snapshot
	nextID    int

	stop chan struct{}
	done chan struct{}
}

// NewPublisher starts a Publisher polling snapshot every interval (0
// uses DefaultInterval). Call Close to stop it.
func NewPublisher(snapshot SnapshotFunc, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Publisher{
		snapshot:  snapshot,
		interval:  interval,
		listeners: make(map[int]chan Snapshot),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.publish(p.snapshot())
		}
	}
}

func (p *Publisher) publish(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.listeners {
		select {
		case ch <- s:
		default: // slow subscriber: drop, matching supervisor's state fan-out policy
		}
	}
}

// Subscribe registers a listener for periodic snapshots. The returned
// unsubscribe func must be called on teardown.
func (p *Publisher) Subscribe() (ch <-chan Snapshot, unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	c := make(chan Snapshot, 4)
	p.listeners[id] = c
	return c, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if existing, ok := p.listeners[id]; ok {
			delete(p.listeners, id)
			close(existing)
		}
	}
}

// Close stops the polling goroutine.
func (p *Publisher) Close() {
	close(p.stop)
	<-p.done
}
