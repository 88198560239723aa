package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/outbox"
	"github.com/MarcoPoloResearchLab/nous/internal/reconcile"
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
	"go.uber.org/zap"
)

// collectionSync is the type-erased view the Core keeps of every Collection.
type collectionSync interface {
	name() couple.Collection
	load(ctx context.Context) error
	refresh(ctx context.Context) error
	apply(ctx context.Context, event remote.ChangeEvent) error
	confirmed(ctx context.Context, mutation outbox.PendingMutation, result outbox.Result)
	rollback(ctx context.Context, mutation outbox.PendingMutation)
	changed() <-chan struct{}
}

// Collection is the read/write facade every page uses for one entity type.
type Collection[T reconcile.Record, P Patch[T]] struct {
	core   *Core
	kind   kind[T]
	engine *reconcile.Engine[T]
}

func newCollection[T reconcile.Record, P Patch[T]](core *Core, definition kind[T]) (*Collection[T, P], error) {
	engine, err := reconcile.NewEngine(reconcile.Config[T]{
		Collection: definition.collection,
		Scope:      core.scope.String(),
		Policy:     definition.policy,
		Store:      core.store,
		Clock:      core.clock,
		Logger:     core.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Collection[T, P]{core: core, kind: definition, engine: engine}, nil
}

// Name returns the collection served.
func (c *Collection[T, P]) Name() couple.Collection {
	return c.kind.collection
}

// Items returns the visible collection in display order.
func (c *Collection[T, P]) Items() []T {
	return c.engine.Items()
}

// Active returns the default view at now.
func (c *Collection[T, P]) Active(now time.Time) []T {
	return c.engine.Active(now)
}

// Get returns the visible entity with id.
func (c *Collection[T, P]) Get(id string) (T, bool) {
	return c.engine.Get(id)
}

// Changed signals after every change of the visible view.
func (c *Collection[T, P]) Changed() <-chan struct{} {
	return c.engine.Changed()
}

// Refresh forces a full refetch.
func (c *Collection[T, P]) Refresh(ctx context.Context) error {
	return c.core.Refresh(ctx, c.kind.collection)
}

// Create shows draft immediately under a placeholder id and sends or queues the insert. Validation
// errors and rejections by the service are returned; connectivity failures are not.
func (c *Collection[T, P]) Create(ctx context.Context, draft T) (T, error) {
	var zero T
	if err := c.kind.validate(draft); err != nil {
		return zero, err
	}
	placeholder, err := couple.NewPlaceholderID()
	if err != nil {
		return zero, err
	}
	entity := c.kind.draft(draft, draftFields{
		placeholder: placeholder,
		scope:       c.core.scope.String(),
		author:      c.core.userID.String(),
		now:         c.core.clock().UTC(),
	}, c.engine.Items())

	optimistic, err := c.engine.ApplyOptimisticLocal(ctx, entity, placeholder)
	if err != nil {
		return zero, err
	}
	payload, err := json.Marshal(c.kind.policy.WithID(optimistic, ""))
	if err != nil {
		c.engine.DropOptimistic(ctx, placeholder)
		return zero, err
	}
	mutation := outbox.PendingMutation{
		Collection: c.kind.collection,
		Op:         remote.OpInsert,
		EntityID:   placeholder,
		Payload:    payload,
	}
	if err := c.core.submit(ctx, c, mutation); err != nil {
		return zero, err
	}
	current, ok := c.engine.Get(placeholder)
	if !ok {
		return optimistic, nil
	}
	return current, nil
}

// Update applies patch to the entity with id locally and sends or queues it.
func (c *Collection[T, P]) Update(ctx context.Context, id string, patch P) (T, error) {
	var zero T
	if err := patch.Validate(); err != nil {
		return zero, err
	}
	current, ok := c.engine.Get(id)
	if !ok {
		return zero, fmt.Errorf("%w: %s", reconcile.ErrNotFound, id)
	}
	now := c.core.clock().UTC()
	if _, err := c.engine.ApplyLocalUpdate(ctx, id, func(visible T) T {
		return patch.Apply(visible, now)
	}); err != nil {
		return zero, err
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		c.engine.RevertLocal(ctx, id)
		return zero, err
	}
	targetID := current.RecordID()
	mutation := outbox.PendingMutation{
		Collection: c.kind.collection,
		Op:         remote.OpUpdate,
		EntityID:   targetID,
		Payload:    payload,
	}
	if err := c.core.submit(ctx, c, mutation); err != nil {
		return zero, err
	}
	updated, _ := c.engine.Get(targetID)
	return updated, nil
}

// Delete hides the entity with id and sends or queues the delete. Deleting an entity that never
// reached the service only discards its queued writes.
func (c *Collection[T, P]) Delete(ctx context.Context, id string) error {
	if _, ok := c.engine.Get(id); !ok {
		return nil
	}
	removed, ok := c.engine.ApplyLocalDelete(ctx, id)
	if !ok {
		return nil
	}
	targetID := removed.RecordID()
	box := c.core.outbox

	if couple.IsPlaceholderID(targetID) {
		resolved, err := box.Resolve(ctx, c.kind.collection, targetID)
		if err != nil {
			c.core.logger.Warn("placeholder lookup failed", zap.String("entity_id", targetID), zap.Error(err))
			resolved = targetID
		}
		if resolved == targetID {
			_, inFlight, err := box.DiscardEntity(ctx, c.kind.collection, targetID)
			if err == nil && !inFlight {
				c.engine.ConfirmDelete(ctx, targetID)
				return nil
			}
			// The insert is on the wire; the delete queues behind it and follows the alias.
		} else {
			targetID = resolved
		}
	}
	if !couple.IsPlaceholderID(targetID) {
		if _, _, err := box.DiscardEntity(ctx, c.kind.collection, targetID); err != nil {
			c.core.logger.Warn("discarding queued writes failed", zap.String("entity_id", targetID), zap.Error(err))
		}
	}
	return c.core.submit(ctx, c, outbox.PendingMutation{
		Collection: c.kind.collection,
		Op:         remote.OpDelete,
		EntityID:   targetID,
	})
}

func (c *Collection[T, P]) name() couple.Collection {
	return c.kind.collection
}

func (c *Collection[T, P]) changed() <-chan struct{} {
	return c.engine.Changed()
}

func (c *Collection[T, P]) load(ctx context.Context) error {
	return c.engine.Load(ctx)
}

func (c *Collection[T, P]) refresh(ctx context.Context) error {
	rows, err := c.core.remote.Query(ctx, c.kind.collection)
	if err != nil {
		return err
	}
	items := make([]T, 0, len(rows))
	for _, row := range rows {
		entity, err := decodeRow[T](row)
		if err != nil {
			c.core.logger.Warn("skipping undecodable row",
				zap.String("collection", c.kind.collection.String()),
				zap.Error(err))
			continue
		}
		items = append(items, entity)
	}
	c.engine.Replace(ctx, items)
	return nil
}

func (c *Collection[T, P]) apply(ctx context.Context, event remote.ChangeEvent) error {
	switch event.Op {
	case remote.OpInsert:
		entity, err := decodeRow[T](event.Row)
		if err != nil {
			return err
		}
		c.engine.ApplyRemoteInsert(ctx, entity)
	case remote.OpUpdate:
		entity, err := decodeRow[T](event.Row)
		if err != nil {
			return err
		}
		c.engine.ApplyRemoteUpdate(ctx, entity)
	case remote.OpDelete:
		ref, err := decodeRow[rowRef](event.Row)
		if err != nil {
			return err
		}
		if ref.CoupleID != "" && ref.CoupleID != c.core.scope.String() {
			return nil
		}
		c.engine.ApplyRemoteDelete(ctx, ref.ID)
		if c.engine.HasPendingDelete(ref.ID) {
			c.engine.ConfirmDelete(ctx, ref.ID)
		}
		if _, _, err := c.core.outbox.DiscardEntity(ctx, c.kind.collection, ref.ID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown op %q", remote.ErrProtocol, event.Op)
	}
	return nil
}

func (c *Collection[T, P]) confirmed(ctx context.Context, mutation outbox.PendingMutation, result outbox.Result) {
	switch mutation.Op {
	case remote.OpInsert:
		c.engine.ReconcileID(ctx, mutation.EntityID, result.EntityID)
		if entity, err := decodeRow[T](result.Row); err == nil {
			c.engine.ApplyRemoteUpdate(ctx, entity)
		}
	case remote.OpUpdate:
		entity, err := decodeRow[T](result.Row)
		if err != nil {
			c.engine.RevertLocal(ctx, result.EntityID)
			c.core.MarkStale(c.kind.collection)
			return
		}
		c.engine.ConfirmLocalUpdate(ctx, result.EntityID, entity)
	case remote.OpDelete:
		c.engine.ConfirmDelete(ctx, result.EntityID)
	}
}

func (c *Collection[T, P]) rollback(ctx context.Context, mutation outbox.PendingMutation) {
	switch mutation.Op {
	case remote.OpInsert:
		c.engine.DropOptimistic(ctx, mutation.EntityID)
		if _, _, err := c.core.outbox.DiscardEntity(ctx, c.kind.collection, mutation.EntityID); err != nil {
			c.core.logger.Warn("discarding orphaned writes failed", zap.String("entity_id", mutation.EntityID), zap.Error(err))
		}
	case remote.OpUpdate:
		c.engine.RevertLocal(ctx, mutation.EntityID)
	case remote.OpDelete:
		c.engine.RevertDelete(ctx, mutation.EntityID)
		c.core.MarkStale(c.kind.collection)
	}
}

type rowRef struct {
	ID       string `json:"id"`
	CoupleID string `json:"couple_id"`
}

func decodeRow[T any](row json.RawMessage) (T, error) {
	var entity T
	if len(row) == 0 {
		return entity, fmt.Errorf("%w: empty row", remote.ErrProtocol)
	}
	if err := json.Unmarshal(row, &entity); err != nil {
		return entity, fmt.Errorf("%w: %v", remote.ErrProtocol, err)
	}
	return entity, nil
}
