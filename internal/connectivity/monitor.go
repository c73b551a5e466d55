// ABOUTME: Connectivity monitor that probes the agent API host on an interval
// ABOUTME: Publishes transitions only, with a direct subscriber fanout for the drain scheduler

package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/stackmark/relay/internal/events"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Monitor tracks whether the agent API host is reachable. Reachability is
// observational: any completed HTTP exchange with the probe endpoint counts
// as online regardless of status code, since an HTTP error still proves the
// network path works. Only transitions are announced; steady state is silent.
type Monitor struct {
	probeURL string
	interval time.Duration
	timeout  time.Duration
	httpc    *http.Client
	bus      *events.Bus
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool
	wake   chan struct{}
}

// NewMonitor creates a monitor probing the given URL. The monitor starts
// offline until the first probe completes; callers that need an immediate
// answer should WakeProbe after Run starts.
func NewMonitor(probeURL string, interval, timeout time.Duration, bus *events.Bus) *Monitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		timeout:  timeout,
		httpc:    &http.Client{Timeout: timeout},
		bus:      bus,
		logger:   slog.Default().With("component", "connectivity"),
		wake:     make(chan struct{}, 1),
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel that receives the new state on every
// transition. The subscription is removed when ctx is done. This direct
// fanout exists for components that act on transitions (the drain
// scheduler); UI-facing consumers should watch the event bus instead.
func (m *Monitor) Subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 4)

	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()

	return ch
}

// WakeProbe schedules an immediate probe outside the regular interval. Used
// after a request failure or an OS network-change hint. Coalesces: multiple
// wakes before the probe runs trigger a single probe.
func (m *Monitor) WakeProbe() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ReportReachable feeds an out-of-band reachability observation into the
// monitor, typically from a request elsewhere in the client that just
// completed an HTTP exchange. A successful exchange while marked offline
// flips the state without waiting for the next probe.
func (m *Monitor) ReportReachable() {
	m.setOnline(true)
}

// ReportUnreachable records a transport-level failure observed elsewhere.
func (m *Monitor) ReportUnreachable() {
	m.setOnline(false)
	m.WakeProbe()
}

// Run probes on the configured interval until ctx is done. An immediate
// probe fires on entry so startup does not wait a full interval.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		case <-m.wake:
			m.probe(ctx)
		}
	}
}

// probe issues one HEAD request against the probe URL and records the result.
func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Error("building probe request", "error", err)
		return
	}

	resp, err := m.httpc.Do(req)
	if err != nil {
		m.setOnline(false)
		return
	}
	resp.Body.Close()

	// Any completed exchange proves reachability; the status code is the
	// server's business, not the network's.
	m.setOnline(true)
}

// setOnline records the observation and announces on transition.
func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// Slow subscriber; it will catch the next transition.
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.ConnectivityChanged, Online: online})
	}
}
