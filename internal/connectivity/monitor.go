// Package connectivity turns reachability probes and app lifecycle changes into transition signals.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Signal is a transition notification without payload.
type Signal string

const (
	Online  Signal = "online"
	Offline Signal = "offline"
	Visible Signal = "visible"
	Hidden  Signal = "hidden"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	signalBuffer         = 8
)

var errMissingProber = errors.New("connectivity: prober is required")

// Prober checks whether the data service is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// MonitorConfig describes a Monitor.
type MonitorConfig struct {
	Prober       Prober
	Interval     time.Duration
	ProbeTimeout time.Duration
	Logger       *zap.Logger
}

// Monitor probes the service periodically and emits Online/Offline on transitions only. Lifecycle
// signals from the host (Visible, Hidden) are forwarded through Emit on the same channel.
type Monitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
	signals      chan Signal

	mu    sync.Mutex
	known bool
	state Signal
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, errMissingProber
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:       cfg.Prober,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
		signals:      make(chan Signal, signalBuffer),
	}, nil
}

// Signals delivers transitions in the order they were observed.
func (m *Monitor) Signals() <-chan Signal {
	return m.signals
}

// Emit forwards a host lifecycle signal.
func (m *Monitor) Emit(ctx context.Context, signal Signal) {
	select {
	case m.signals <- signal:
	case <-ctx.Done():
	}
}

// Run probes until ctx ends. The first probe always emits the initial state.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Probe checks reachability once and emits a signal if the state changed.
func (m *Monitor) Probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Ping(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	next := Online
	if err != nil {
		next = Offline
	}

	m.mu.Lock()
	changed := !m.known || m.state != next
	m.known = true
	m.state = next
	m.mu.Unlock()

	if !changed {
		return
	}
	if err != nil {
		m.logger.Info("data service unreachable", zap.Error(err))
	} else {
		m.logger.Info("data service reachable")
	}
	m.Emit(ctx, next)
}
