package remote

import (
	"barnsync/internal/events"
	"context"
	"log"
	"sync"
	"time"
)

// Monitor tracks whether the remote store is reachable. It probes
// periodically and also accepts externally reported state, for platforms
// that surface network-interface changes directly.
type Monitor struct {
	store    Store
	bus      *events.Bus
	interval time.Duration

	mu     sync.RWMutex
	online bool
}

// NewMonitor creates a monitor. The device starts offline until the first
// successful probe.
func NewMonitor(store Store, bus *events.Bus, interval time.Duration) *Monitor {
	return &Monitor{
		store:    store,
		bus:      bus,
		interval: interval,
	}
}

// Online reports the last known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Report force-sets the connectivity state from an external signal.
func (m *Monitor) Report(online bool) {
	m.setOnline(online)
}

// Run probes the remote until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.store.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}
	m.setOnline(err == nil)
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	log.Printf("connectivity: online=%v", online)

	state := online
	message := "remote store unreachable"
	if online {
		message = "remote store reachable"
	}
	m.bus.Publish(events.Event{
		Type:    events.EventConnectivityChanged,
		Online:  &state,
		Message: message,
	})
}
