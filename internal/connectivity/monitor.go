// Package connectivity turns periodic health checks into online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Listener is notified of connectivity transitions
type Listener interface {
	Online(ctx context.Context)
	Offline(ctx context.Context)
}

// HealthCheck reports an error when the network is unusable
type HealthCheck func(ctx context.Context) error

// Monitor polls a health check and notifies listeners when the result flips.
// It starts in the online state.
type Monitor struct {
	check    HealthCheck
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	online    bool
	listeners []Listener
}

// New creates a monitor checking every interval.
// A single check may take up to timeout, which is independent of the interval.
// A non-positive timeout falls back to the interval.
func New(check HealthCheck, interval, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = interval
	}
	return &Monitor{
		check:    check,
		interval: interval,
		timeout:  timeout,
		online:   true,
	}
}

// AddListener registers l for every later transition
func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Online returns the last observed state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check runs the health check once and notifies listeners synchronously on a transition
func (m *Monitor) Check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.check(checkCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	online := err == nil
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		logrus.Infof("Network is back online")
		for _, l := range listeners {
			l.Online(ctx)
		}
	} else {
		logrus.Warnf("Network went offline: %v", err)
		for _, l := range listeners {
			l.Offline(ctx)
		}
	}
}

// Run checks every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
