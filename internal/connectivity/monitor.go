// Package connectivity owns the online/offline signal the data access layer
// consults before deciding to hit the network, and notifies subscribers when
// connectivity returns so deferred work can run.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Options configures NewMonitor. Without a ProbeURL the monitor starts online
// and only changes state through SetOnline.
type Options struct {
	ProbeURL string
	Interval time.Duration
	Logger   *slog.Logger

	httpClient *http.Client
}

// Monitor tracks whether the upstream network is reachable. Subscribers are
// notified on every offline-to-online transition.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	subs   []chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewMonitor builds the monitor and, when a probe URL is configured, starts
// probing in the background until Close is called.
func NewMonitor(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	client := opts.httpClient
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}

	m := &Monitor{
		probeURL: opts.ProbeURL,
		interval: interval,
		client:   client,
		logger:   logger.With(slog.String("agent", "connectivity")),
		online:   true,
		done:     make(chan struct{}),
	}
	if m.probeURL != "" {
		go m.loop()
	}
	return m
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline overrides the connectivity state. An offline-to-online transition
// wakes every subscriber.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	var subs []chan struct{}
	if online && !wasOnline {
		subs = make([]chan struct{}, len(m.subs))
		copy(subs, m.subs)
	}
	m.mu.Unlock()

	if subs != nil {
		m.logger.Info("connectivity restored")
		for _, ch := range subs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	} else if !online && wasOnline {
		m.logger.Warn("connectivity lost")
	}
}

// Subscribe returns a channel that receives a token on each offline-to-online
// transition. The channel is buffered so a slow consumer coalesces bursts
// instead of blocking the monitor.
func (m *Monitor) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Close stops the background prober.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Monitor) loop() {
	// Probe once immediately so the state reflects reality before the first tick.
	m.probe()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.SetOnline(false)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.SetOnline(false)
		return
	}
	resp.Body.Close()
	m.SetOnline(resp.StatusCode < 500)
}
