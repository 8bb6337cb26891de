package eventsync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Connectivity
// ============================================================================

type connWatcher struct {
	token uint64
	fn    func(online bool)
}

// Connectivity is the process-wide network flag, held explicitly rather than
// as hidden module state so the facade can be exercised without faking
// platform events. An adapter such as Monitor flips it; anything may watch it.
type Connectivity struct {
	mu        sync.Mutex
	online    bool
	nextToken uint64
	watchers  []connWatcher
}

// NewConnectivity creates the flag with an initial state.
func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online}
}

// Online returns the current state.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline updates the state. Watchers fire synchronously on a transition
// and not at all when the state is unchanged.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	watchers := append([]connWatcher(nil), c.watchers...)
	c.mu.Unlock()

	for _, w := range watchers {
		w.fn(online)
	}
}

// OnChange registers a transition watcher and returns its removal function.
func (c *Connectivity) OnChange(fn func(online bool)) func() {
	c.mu.Lock()
	c.nextToken++
	token := c.nextToken
	c.watchers = append(c.watchers, connWatcher{token: token, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, w := range c.watchers {
			if w.token == token {
				c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
				return
			}
		}
	}
}

// ============================================================================
// Monitor
// ============================================================================

const (
	defaultProbeInterval = 30 * time.Second
	probeTimeout         = 10 * time.Second
)

// Monitor probes the remote service's health endpoint on an interval and
// drives a Connectivity flag, standing in for the platform's online/offline
// events.
type Monitor struct {
	client   *Client
	conn     *Connectivity
	interval time.Duration
	log      logrus.FieldLogger

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewMonitor creates a monitor. Interval 0 means the default of 30 seconds.
func NewMonitor(client *Client, conn *Connectivity, interval time.Duration, log logrus.FieldLogger) *Monitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		client:   client,
		conn:     conn,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start probes immediately and then on every tick until Stop is called.
func (m *Monitor) Start() {
	go func() {
		m.probe()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.probe()
			}
		}
	}()
}

// Stop halts the probe loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := m.client.Health(ctx)
	online := err == nil
	if !online {
		m.log.WithError(err).Debug("connectivity: probe failed")
	}
	m.conn.SetOnline(online)
}
