package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/connectivity"
	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/outbox"
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 30 * time.Second
	stableFeed           = time.Minute
	opFlush              = "syncer.flush"
	opSubscribe          = "syncer.subscribe"
)

var errMissingCore = errors.New("syncer: core is required")

// FlushState tells whether a flush pass is running.
type FlushState int

const (
	Idle FlushState = iota
	Flushing
)

// OrchestratorConfig describes an Orchestrator.
type OrchestratorConfig struct {
	Core    *Core
	Signals <-chan connectivity.Signal
	// Active lists the collections on screen; visibility refetches them and only they are watched.
	// Empty means every collection.
	Active        []couple.Collection
	FlushInterval time.Duration
	// Reconnect builds the backoff used between realtime reconnects; nil uses the library default.
	Reconnect func() backoff.BackOff
	Logger    *zap.Logger
}

// Orchestrator reacts to connectivity and lifecycle signals by flushing the outbox, refetching
// snapshots and keeping realtime feeds open.
type Orchestrator struct {
	core          *Core
	signals       <-chan connectivity.Signal
	active        []couple.Collection
	flushInterval time.Duration
	reconnect     func() backoff.BackOff
	logger        *zap.Logger

	flushing atomic.Int32
	visible  atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Core == nil {
		return nil, errMissingCore
	}
	active := cfg.Active
	if len(active) == 0 {
		active = couple.Collections()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	reconnect := cfg.Reconnect
	if reconnect == nil {
		reconnect = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Core.logger
	}
	orchestrator := &Orchestrator{
		core:          cfg.Core,
		signals:       cfg.Signals,
		active:        append([]couple.Collection(nil), active...),
		flushInterval: interval,
		reconnect:     reconnect,
		logger:        logger,
	}
	orchestrator.visible.Store(true)
	return orchestrator, nil
}

// FlushState reports whether a flush pass is running.
func (o *Orchestrator) FlushState() FlushState {
	if o.flushing.Load() > 0 {
		return Flushing
	}
	return Idle
}

// Visible reports the last lifecycle state received.
func (o *Orchestrator) Visible() bool {
	return o.visible.Load()
}

// Start launches the signal loop and one realtime subscription per active collection.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		o.loop(runCtx)
	}()
	for _, collection := range o.active {
		o.workers.Add(1)
		go func() {
			defer o.workers.Done()
			o.watch(runCtx, collection)
		}()
	}
}

// Close cancels in-flight flushes and subscriptions and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.workers.Wait()
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case signal, ok := <-o.signals:
			if !ok {
				o.signals = nil
				continue
			}
			o.Handle(ctx, signal)
		case <-o.core.FlushRequests():
			if o.core.Online() {
				o.flush(ctx, outbox.TriggerWrite)
			}
		case <-ticker.C:
			if o.core.Online() {
				o.flush(ctx, outbox.TriggerTimer)
			}
		}
	}
}

// Handle applies one signal synchronously.
func (o *Orchestrator) Handle(ctx context.Context, signal connectivity.Signal) {
	o.logger.Debug("connectivity signal", zap.String("signal", string(signal)))
	switch signal {
	case connectivity.Online:
		o.core.SetOnline(true)
		o.flush(ctx, outbox.TriggerReconnect)
		o.refreshAll(ctx, couple.Collections())
	case connectivity.Offline:
		o.core.SetOnline(false)
	case connectivity.Visible:
		o.visible.Store(true)
		for _, collection := range o.active {
			o.core.MarkStale(collection)
		}
		o.refreshAll(ctx, o.active)
		if o.core.Online() {
			o.flush(ctx, outbox.TriggerVisible)
		}
	case connectivity.Hidden:
		o.visible.Store(false)
	}
}

func (o *Orchestrator) flush(ctx context.Context, trigger outbox.Trigger) {
	o.flushing.Add(1)
	defer o.flushing.Add(-1)
	report, err := o.core.Flush(ctx, trigger)
	if err != nil {
		if ctx.Err() == nil {
			logError(o.logger, opFlush, "flush_failed", err, zap.String("trigger", string(trigger)))
		}
		return
	}
	if report.Sent+report.Dropped+report.Discarded+report.Retried > 0 {
		o.logger.Info("outbox flushed",
			zap.String("trigger", string(trigger)),
			zap.Int("sent", report.Sent),
			zap.Int("retried", report.Retried),
			zap.Int("dropped", report.Dropped),
			zap.Int("discarded", report.Discarded),
			zap.Int("remaining", report.Remaining))
	}
}

// refreshAll refetches collections concurrently; failures leave them stale.
func (o *Orchestrator) refreshAll(ctx context.Context, collections []couple.Collection) {
	var group sync.WaitGroup
	for _, collection := range collections {
		group.Add(1)
		go func() {
			defer group.Done()
			_ = o.core.Refresh(ctx, collection)
		}()
	}
	group.Wait()
}

// watch keeps one realtime feed open until ctx ends.
func (o *Orchestrator) watch(ctx context.Context, collection couple.Collection) {
	drops := o.reconnect()
	for ctx.Err() == nil {
		events, err := remote.SubscribeWithRetry(ctx, o.core.remote, collection, o.reconnect())
		if err != nil {
			if ctx.Err() == nil {
				logError(o.logger, opSubscribe, "subscribe_failed", err, zap.String("collection", collection.String()))
			}
			return
		}
		connectedAt := time.Now()
		// Events may have been missed while disconnected.
		_ = o.core.Refresh(ctx, collection)
		for event := range events {
			_ = o.core.Apply(ctx, event)
		}
		o.core.MarkStale(collection)

		if time.Since(connectedAt) > stableFeed {
			drops.Reset()
		}
		wait := drops.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
