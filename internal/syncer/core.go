// Package syncer ties the outbox, the reconciliation engines and the data service together: one Core
// per signed-in couple serves every page, and the Orchestrator drives it from connectivity signals.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/localstore"
	"github.com/MarcoPoloResearchLab/nous/internal/outbox"
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownCollection indicates an operation on a collection the core does not serve.
	ErrUnknownCollection = errors.New("syncer: unknown collection")

	errMissingRemote = errors.New("syncer: remote service is required")
	errMissingStore  = errors.New("syncer: store is required")
	errMissingScope  = errors.New("syncer: couple scope is required")
	errMissingUser   = errors.New("syncer: user id is required")
)

const (
	defaultNotifyTimeout = 10 * time.Second

	opSend    = "syncer.send"
	opNotify  = "syncer.notify"
	opRefresh = "syncer.refresh"
	opApply   = "syncer.apply"
)

// Freshness describes how far a collection snapshot can be trusted.
type Freshness int

const (
	Stale Freshness = iota
	Refreshing
	Fresh
)

func (f Freshness) String() string {
	switch f {
	case Refreshing:
		return "refreshing"
	case Fresh:
		return "fresh"
	default:
		return "stale"
	}
}

// DroppedMutation is reported to the user when a write was abandoned and rolled back.
type DroppedMutation struct {
	Mutation outbox.PendingMutation
	Err      error
}

// Config describes the dependencies of a Core.
type Config struct {
	Remote      remote.Service
	Store       localstore.Store
	Scope       couple.CoupleID
	UserID      couple.UserID
	Clock       func() time.Time
	Logger      *zap.Logger
	RetryPolicy outbox.RetryPolicy
	// OnDropped receives every abandoned write; nil ignores them.
	OnDropped     func(DroppedMutation)
	NotifyTimeout time.Duration
}

// Core is the single sync instance shared by every page of one couple.
type Core struct {
	remote        remote.Service
	store         *localstore.Atomic
	outbox        *outbox.Outbox
	scope         couple.CoupleID
	userID        couple.UserID
	clock         func() time.Time
	logger        *zap.Logger
	onDropped     func(DroppedMutation)
	notifyTimeout time.Duration

	online atomic.Bool

	notes       *Collection[couple.Note, couple.NotePatch]
	bucketItems *Collection[couple.BucketItem, couple.BucketItemPatch]
	events      *Collection[couple.Event, couple.EventPatch]
	byName      map[couple.Collection]collectionSync

	refreshGroup singleflight.Group
	freshnessMu  sync.Mutex
	freshness    map[couple.Collection]Freshness

	flushRequests chan struct{}

	// backgroundMu orders background.Add against Close.
	backgroundMu sync.Mutex
	closed       bool
	background   sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

var (
	_ outbox.Sender   = (*Core)(nil)
	_ outbox.Listener = (*Core)(nil)
)

// New constructs a Core. It starts offline; call Load before showing data.
func New(cfg Config) (*Core, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(cfg.Scope.String()) == "" {
		return nil, errMissingScope
	}
	if strings.TrimSpace(cfg.UserID.String()) == "" {
		return nil, errMissingUser
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}
	store, err := localstore.NewAtomic(cfg.Store)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	core := &Core{
		remote:        cfg.Remote,
		store:         store,
		scope:         cfg.Scope,
		userID:        cfg.UserID,
		clock:         clock,
		logger:        logger.With(zap.String("couple_id", cfg.Scope.String())),
		onDropped:     cfg.OnDropped,
		notifyTimeout: notifyTimeout,
		freshness:     make(map[couple.Collection]Freshness),
		flushRequests: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	box, err := outbox.New(outbox.Config{
		Store:    store,
		Scope:    cfg.Scope.String(),
		Sender:   core,
		Listener: core,
		Policy:   cfg.RetryPolicy,
		Clock:    clock,
		Logger:   core.logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	core.outbox = box

	if core.notes, err = newCollection[couple.Note, couple.NotePatch](core, noteKind()); err != nil {
		cancel()
		return nil, err
	}
	if core.bucketItems, err = newCollection[couple.BucketItem, couple.BucketItemPatch](core, bucketItemKind()); err != nil {
		cancel()
		return nil, err
	}
	if core.events, err = newCollection[couple.Event, couple.EventPatch](core, eventKind()); err != nil {
		cancel()
		return nil, err
	}
	core.byName = map[couple.Collection]collectionSync{
		couple.CollectionNotes:       core.notes,
		couple.CollectionBucketItems: core.bucketItems,
		couple.CollectionEvents:      core.events,
	}
	return core, nil
}

// Notes returns the love notes collection.
func (c *Core) Notes() *Collection[couple.Note, couple.NotePatch] {
	return c.notes
}

// BucketItems returns the bucket list collection.
func (c *Core) BucketItems() *Collection[couple.BucketItem, couple.BucketItemPatch] {
	return c.bucketItems
}

// Events returns the calendar collection.
func (c *Core) Events() *Collection[couple.Event, couple.EventPatch] {
	return c.events
}

// Outbox exposes the durable queue for inspection.
func (c *Core) Outbox() *outbox.Outbox {
	return c.outbox
}

// Scope returns the couple served.
func (c *Core) Scope() couple.CoupleID {
	return c.scope
}

// Load paints every collection from its persisted snapshot. Missing or corrupt snapshots leave the
// collection empty and stale.
func (c *Core) Load(ctx context.Context) error {
	for _, collection := range couple.Collections() {
		if err := c.byName[collection].load(ctx); err != nil {
			return err
		}
	}
	pending, err := c.outbox.Len(ctx)
	if err != nil {
		c.logger.Warn("outbox unreadable", zap.Error(err))
		return nil
	}
	if pending > 0 {
		c.logger.Info("pending writes restored", zap.Int("count", pending))
		c.requestFlush()
	}
	return nil
}

// SetOnline records the connectivity state. It reports whether the state changed.
func (c *Core) SetOnline(online bool) bool {
	return c.online.Swap(online) != online
}

// Online reports the last recorded connectivity state.
func (c *Core) Online() bool {
	return c.online.Load()
}

// Flush drains the outbox.
func (c *Core) Flush(ctx context.Context, trigger outbox.Trigger) (outbox.FlushReport, error) {
	return c.outbox.Flush(ctx, trigger)
}

// FlushRequests signals after writes were queued.
func (c *Core) FlushRequests() <-chan struct{} {
	return c.flushRequests
}

func (c *Core) requestFlush() {
	select {
	case c.flushRequests <- struct{}{}:
	default:
	}
}

// Freshness returns the snapshot state of collection.
func (c *Core) Freshness(collection couple.Collection) Freshness {
	c.freshnessMu.Lock()
	defer c.freshnessMu.Unlock()
	return c.freshness[collection]
}

// MarkStale flags collection for a refetch.
func (c *Core) MarkStale(collection couple.Collection) {
	c.setFreshness(collection, Stale)
}

func (c *Core) setFreshness(collection couple.Collection, state Freshness) {
	c.freshnessMu.Lock()
	c.freshness[collection] = state
	c.freshnessMu.Unlock()
}

// Refresh refetches collection from the service. Concurrent calls for one collection share a single
// query.
func (c *Core) Refresh(ctx context.Context, collection couple.Collection) error {
	target, ok := c.byName[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	_, err, _ := c.refreshGroup.Do(collection.String(), func() (any, error) {
		c.setFreshness(collection, Refreshing)
		if err := target.refresh(ctx); err != nil {
			c.setFreshness(collection, Stale)
			return nil, err
		}
		c.setFreshness(collection, Fresh)
		return nil, nil
	})
	if err != nil {
		logError(c.logger, opRefresh, "query_failed", err, zap.String("collection", collection.String()))
	}
	return err
}

// Apply merges one realtime change event.
func (c *Core) Apply(ctx context.Context, event remote.ChangeEvent) error {
	target, ok := c.byName[event.Collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, event.Collection)
	}
	if err := target.apply(ctx, event); err != nil {
		logError(c.logger, opApply, "event_rejected", err,
			zap.String("collection", event.Collection.String()),
			zap.String("op", string(event.Op)))
		return err
	}
	return nil
}

// Close cancels background work and waits for it.
func (c *Core) Close() {
	c.backgroundMu.Lock()
	c.closed = true
	c.cancel()
	c.backgroundMu.Unlock()
	c.background.Wait()
}

// Send transmits one mutation to the service.
func (c *Core) Send(ctx context.Context, mutation outbox.PendingMutation) (outbox.Result, error) {
	switch mutation.Op {
	case remote.OpInsert:
		row, err := c.remote.Insert(ctx, mutation.Collection, mutation.Payload)
		if err != nil {
			return outbox.Result{}, err
		}
		ref, err := decodeRow[rowRef](row)
		if err != nil {
			return outbox.Result{}, err
		}
		if strings.TrimSpace(ref.ID) == "" {
			return outbox.Result{}, fmt.Errorf("%w: insert response without id", remote.ErrProtocol)
		}
		c.notify(mutation.Collection, ref.ID)
		return outbox.Result{EntityID: ref.ID, Row: row}, nil
	case remote.OpUpdate:
		row, err := c.remote.Update(ctx, mutation.Collection, mutation.EntityID, mutation.Payload)
		if err != nil {
			return outbox.Result{}, err
		}
		return outbox.Result{EntityID: mutation.EntityID, Row: row}, nil
	case remote.OpDelete:
		if err := c.remote.Delete(ctx, mutation.Collection, mutation.EntityID); err != nil {
			return outbox.Result{}, err
		}
		return outbox.Result{EntityID: mutation.EntityID}, nil
	default:
		return outbox.Result{}, fmt.Errorf("%w: unknown op %q", remote.ErrProtocol, mutation.Op)
	}
}

// OnConfirmed settles the optimistic state of an accepted mutation.
func (c *Core) OnConfirmed(mutation outbox.PendingMutation, result outbox.Result) {
	target, ok := c.byName[mutation.Collection]
	if !ok {
		return
	}
	target.confirmed(context.Background(), mutation, result)
}

// OnDropped rolls back an abandoned mutation and reports it.
func (c *Core) OnDropped(mutation outbox.PendingMutation, err error) {
	if target, ok := c.byName[mutation.Collection]; ok {
		target.rollback(context.Background(), mutation)
	}
	c.logger.Warn("write abandoned",
		zap.String("collection", mutation.Collection.String()),
		zap.String("op", string(mutation.Op)),
		zap.String("entity_id", mutation.EntityID),
		zap.Error(err))
	if c.onDropped != nil {
		c.onDropped(DroppedMutation{Mutation: mutation, Err: err})
	}
}

// submit sends mutation right away when nothing is queued ahead of it and queues it otherwise.
func (c *Core) submit(ctx context.Context, target collectionSync, mutation outbox.PendingMutation) error {
	if c.canSendDirect(ctx, mutation) {
		result, err := c.Send(ctx, mutation)
		switch {
		case err == nil:
			target.confirmed(context.WithoutCancel(ctx), mutation, result)
			return nil
		case remote.IsPermanent(err):
			target.rollback(context.WithoutCancel(ctx), mutation)
			logError(c.logger, opSend, "rejected", err,
				zap.String("collection", mutation.Collection.String()),
				zap.String("entity_id", mutation.EntityID))
			return err
		default:
			c.logger.Info("send failed, queueing",
				zap.String("collection", mutation.Collection.String()),
				zap.String("entity_id", mutation.EntityID),
				zap.Error(err))
		}
	}

	if _, err := c.outbox.Enqueue(context.WithoutCancel(ctx), mutation.Collection, mutation.Op, mutation.EntityID, mutation.Payload); err != nil {
		logError(c.logger, opSend, "enqueue_failed", err,
			zap.String("collection", mutation.Collection.String()),
			zap.String("entity_id", mutation.EntityID))
		result, sendErr := c.Send(ctx, mutation)
		if sendErr != nil {
			target.rollback(context.WithoutCancel(ctx), mutation)
			return errors.Join(err, sendErr)
		}
		target.confirmed(context.WithoutCancel(ctx), mutation, result)
		return nil
	}
	c.requestFlush()
	return nil
}

func (c *Core) canSendDirect(ctx context.Context, mutation outbox.PendingMutation) bool {
	if !c.Online() || ctx.Err() != nil {
		return false
	}
	if mutation.Op != remote.OpInsert && couple.IsPlaceholderID(mutation.EntityID) {
		return false
	}
	pending, err := c.outbox.Pending(ctx, mutation.Collection)
	if err != nil {
		return false
	}
	return len(pending) == 0
}

// notify asks the service to tell the partner about a new record without waiting for it.
func (c *Core) notify(collection couple.Collection, id string) {
	c.backgroundMu.Lock()
	defer c.backgroundMu.Unlock()
	if c.closed {
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.notifyTimeout)
		defer cancel()
		if err := c.remote.Notify(ctx, collection, id); err != nil {
			c.logger.Debug("push trigger failed",
				zap.String("operation", opNotify),
				zap.String("collection", collection.String()),
				zap.String("entity_id", id),
				zap.Error(err))
		}
	}()
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	logger.Error("syncer operation failed", allFields...)
}
