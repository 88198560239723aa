// Package reconcile merges the persisted snapshot, optimistic local edits and realtime change events
// of one collection into the single ordered view shown to the user.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/localstore"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates that no visible entity carries the requested id.
	ErrNotFound = errors.New("reconcile: entity not found")
	// ErrInvalidPlaceholder indicates an optimistic insert without a placeholder id.
	ErrInvalidPlaceholder = errors.New("reconcile: placeholder id required")

	errMissingPolicy = errors.New("reconcile: policy is incomplete")
	errMissingScope  = errors.New("reconcile: scope is required")
)

const (
	snapshotKeyPrefix = "snapshot"
	// DefaultTombstoneGrace is how long a confirmed delete keeps filtering late events and stale
	// refetches.
	DefaultTombstoneGrace = 5 * time.Minute

	opPersist = "reconcile.persist"
	opLoad    = "reconcile.load"
)

// Record is implemented by every entity the engine can hold.
type Record interface {
	RecordID() string
	RecordScope() string
	RecordClientRef() string
}

// Policy carries the collection-specific rules of an Engine.
type Policy[T Record] struct {
	// WithID returns a copy of the entity carrying id.
	WithID func(T, string) T
	// Less is the display order.
	Less func(a, b T) bool
	// Active filters the default view; nil keeps everything.
	Active func(T, time.Time) bool
}

// Config describes the dependencies of an Engine.
type Config[T Record] struct {
	Collection couple.Collection
	Scope      string
	Policy     Policy[T]
	// Store persists the snapshot; nil keeps it in memory only.
	Store          *localstore.Atomic
	Clock          func() time.Time
	Logger         *zap.Logger
	TombstoneGrace time.Duration
}

type entry[T Record] struct {
	// base is the last state the service confirmed, or the optimistic value while unconfirmed.
	base T
	// overlay is a local edit not yet confirmed; it is what the user sees.
	overlay      *T
	pendingEdits int
	unconfirmed  bool
}

func (e *entry[T]) visible() T {
	if e.overlay != nil {
		return *e.overlay
	}
	return e.base
}

type tombstone struct {
	pending   bool
	expiresAt time.Time
}

// Engine owns the authoritative view of one collection in one scope. It is safe for concurrent use.
type Engine[T Record] struct {
	collection couple.Collection
	scope      string
	policy     Policy[T]
	store      *localstore.Atomic
	clock      func() time.Time
	logger     *zap.Logger
	grace      time.Duration

	mu         sync.Mutex
	entries    map[string]*entry[T]
	tombstones map[string]tombstone
	// aliases remembers placeholder ids already replaced by real ones.
	aliases map[string]string
	savedAt time.Time
	changed chan struct{}
}

// NewEngine constructs an empty Engine; call Load to paint from the persisted snapshot.
func NewEngine[T Record](cfg Config[T]) (*Engine[T], error) {
	if cfg.Policy.WithID == nil || cfg.Policy.Less == nil {
		return nil, errMissingPolicy
	}
	scope := strings.TrimSpace(cfg.Scope)
	if scope == "" {
		return nil, errMissingScope
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := cfg.TombstoneGrace
	if grace <= 0 {
		grace = DefaultTombstoneGrace
	}
	return &Engine[T]{
		collection: cfg.Collection,
		scope:      scope,
		policy:     cfg.Policy,
		store:      cfg.Store,
		clock:      clock,
		logger:     logger,
		grace:      grace,
		entries:    make(map[string]*entry[T]),
		tombstones: make(map[string]tombstone),
		aliases:    make(map[string]string),
		changed:    make(chan struct{}, 1),
	}, nil
}

// Collection returns the collection this engine serves.
func (e *Engine[T]) Collection() couple.Collection {
	return e.collection
}

// Changed delivers a coalesced signal after every change of the visible view.
func (e *Engine[T]) Changed() <-chan struct{} {
	return e.changed
}

// SavedAt returns when the snapshot was last persisted.
func (e *Engine[T]) SavedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.savedAt
}

// InScope reports whether entity belongs to the loaded scope.
func (e *Engine[T]) InScope(entity T) bool {
	return entity.RecordScope() == e.scope
}

// Items returns the visible collection in display order.
func (e *Engine[T]) Items() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLocked()
}

// Active returns the visible collection restricted to the default view at now.
func (e *Engine[T]) Active(now time.Time) []T {
	items := e.Items()
	if e.policy.Active == nil {
		return items
	}
	active := items[:0]
	for _, item := range items {
		if e.policy.Active(item, now) {
			active = append(active, item)
		}
	}
	return active
}

// Get returns the visible entity with id; placeholder ids already replaced still resolve.
func (e *Engine[T]) Get(id string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.lookupLocked(id)
	if !ok {
		var zero T
		return zero, false
	}
	return current.visible(), true
}

// IsUnconfirmed reports whether id names an optimistic entity the service has not acknowledged.
func (e *Engine[T]) IsUnconfirmed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.entries[id]
	return ok && current.unconfirmed
}

// HasPendingDelete reports whether id was deleted locally and the delete is not yet confirmed.
func (e *Engine[T]) HasPendingDelete(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	stone, ok := e.tombstones[e.resolveLocked(id)]
	return ok && stone.pending
}

// ApplyRemoteInsert adds an entity announced by the service. Entities of another scope, ids already
// present and ids removed locally are ignored. An insert echoing the placeholder of an optimistic
// entity replaces that entity.
func (e *Engine[T]) ApplyRemoteInsert(ctx context.Context, entity T) bool {
	if !e.InScope(entity) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := entity.RecordID()
	if e.isTombstonedLocked(id) || e.isTombstonedLocked(entity.RecordClientRef()) {
		return false
	}
	if _, exists := e.entries[id]; exists {
		return false
	}
	if e.adoptPlaceholderLocked(entity) {
		e.commitLocked(ctx)
		return true
	}
	e.entries[id] = &entry[T]{base: entity}
	e.commitLocked(ctx)
	return true
}

// ApplyRemoteUpdate replaces the confirmed state of an entity. A pending local edit keeps showing
// until it is confirmed or reverted. Updates for locally deleted ids never bring them back.
func (e *Engine[T]) ApplyRemoteUpdate(ctx context.Context, entity T) bool {
	if !e.InScope(entity) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := entity.RecordID()
	if e.isTombstonedLocked(id) || e.isTombstonedLocked(entity.RecordClientRef()) {
		return false
	}
	if current, exists := e.entries[id]; exists {
		current.base = entity
		current.unconfirmed = false
		e.commitLocked(ctx)
		return true
	}
	if e.adoptPlaceholderLocked(entity) {
		e.commitLocked(ctx)
		return true
	}
	// The insert event was missed; the update carries the whole row.
	e.entries[id] = &entry[T]{base: entity}
	e.commitLocked(ctx)
	return true
}

// ApplyRemoteDelete removes the entity with id. The id stays tombstoned for the grace period, so
// redelivered or reordered events and refetches started before the delete cannot bring it back.
// Unknown ids leave the view unchanged.
func (e *Engine[T]) ApplyRemoteDelete(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stone, ok := e.tombstones[id]; !ok || !stone.pending {
		e.tombstones[id] = tombstone{expiresAt: e.clock().Add(e.grace)}
	}
	if _, exists := e.entries[id]; !exists {
		return false
	}
	delete(e.entries, id)
	e.commitLocked(ctx)
	return true
}

// ApplyOptimisticLocal shows entity under placeholderID before the service confirms it.
func (e *Engine[T]) ApplyOptimisticLocal(ctx context.Context, entity T, placeholderID string) (T, error) {
	if !couple.IsPlaceholderID(placeholderID) {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrInvalidPlaceholder, placeholderID)
	}
	optimistic := e.policy.WithID(entity, placeholderID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[placeholderID] = &entry[T]{base: optimistic, unconfirmed: true}
	e.commitLocked(ctx)
	return optimistic, nil
}

// ReconcileID swaps a placeholder id for the id the service assigned. A second call with the same
// pair is a no-op.
func (e *Engine[T]) ReconcileID(ctx context.Context, placeholderID, realID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stone, ok := e.tombstones[placeholderID]; ok {
		delete(e.tombstones, placeholderID)
		e.tombstones[realID] = stone
		e.aliases[placeholderID] = realID
		e.commitLocked(ctx)
		return false
	}
	current, exists := e.entries[placeholderID]
	if !exists {
		return false
	}
	delete(e.entries, placeholderID)
	e.aliases[placeholderID] = realID
	if confirmed, already := e.entries[realID]; already {
		// The realtime insert won the race; keep its state and carry the local edit over.
		if current.overlay != nil && confirmed.overlay == nil {
			overlay := e.policy.WithID(*current.overlay, realID)
			confirmed.overlay = &overlay
			confirmed.pendingEdits = current.pendingEdits
		}
		e.commitLocked(ctx)
		return true
	}
	e.entries[realID] = e.rekey(current, realID)
	e.commitLocked(ctx)
	return true
}

// ApplyLocalUpdate shows the result of edit on the entity with id until the write is confirmed.
func (e *Engine[T]) ApplyLocalUpdate(ctx context.Context, id string, edit func(T) T) (T, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.lookupLocked(id)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated := edit(current.visible())
	current.overlay = &updated
	current.pendingEdits++
	e.commitLocked(ctx)
	return updated, nil
}

// ConfirmLocalUpdate records the state the service returned for an edit of id.
func (e *Engine[T]) ConfirmLocalUpdate(ctx context.Context, id string, confirmed T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.lookupLocked(id)
	if !ok {
		return
	}
	current.base = confirmed
	current.unconfirmed = false
	e.settleEditLocked(current)
	e.commitLocked(ctx)
}

// RevertLocal abandons one pending edit of id.
func (e *Engine[T]) RevertLocal(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.lookupLocked(id)
	if !ok {
		return
	}
	e.settleEditLocked(current)
	e.commitLocked(ctx)
}

// ApplyLocalDelete hides the entity with id and keeps it hidden against realtime events until the
// delete is confirmed. It returns the entity that was removed.
func (e *Engine[T]) ApplyLocalDelete(ctx context.Context, id string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resolved := e.resolveLocked(id)
	current, ok := e.entries[resolved]
	e.tombstones[resolved] = tombstone{pending: true}
	delete(e.entries, resolved)
	e.commitLocked(ctx)
	if !ok {
		var zero T
		return zero, false
	}
	return current.visible(), true
}

// ConfirmDelete records that the service deleted id. The tombstone outlives the confirmation for
// a grace period so late events and stale refetches cannot resurrect the entity.
func (e *Engine[T]) ConfirmDelete(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resolved := e.resolveLocked(id)
	e.tombstones[resolved] = tombstone{expiresAt: e.clock().Add(e.grace)}
	e.commitLocked(ctx)
}

// RevertDelete lifts the tombstone of id after a delete was rejected. The entity comes back with
// the next refetch or remote event.
func (e *Engine[T]) RevertDelete(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resolved := e.resolveLocked(id)
	if _, ok := e.tombstones[resolved]; !ok {
		return
	}
	delete(e.tombstones, resolved)
	e.commitLocked(ctx)
}

// DropOptimistic removes an unconfirmed entity whose insert was abandoned.
func (e *Engine[T]) DropOptimistic(ctx context.Context, placeholderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.entries[placeholderID]
	if !ok || !current.unconfirmed {
		return false
	}
	delete(e.entries, placeholderID)
	e.commitLocked(ctx)
	return true
}

// Replace installs the result of a full refetch. Unconfirmed optimistic entities, pending edits
// and local deletes survive; everything else follows the service.
func (e *Engine[T]) Replace(ctx context.Context, items []T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.expireTombstonesLocked(now)

	next := make(map[string]*entry[T], len(items))
	for _, item := range items {
		if !e.InScope(item) {
			continue
		}
		id := item.RecordID()
		if e.isTombstonedLocked(id) || e.isTombstonedLocked(item.RecordClientRef()) {
			continue
		}
		fresh := &entry[T]{base: item}
		if previous, ok := e.entries[id]; ok && previous.overlay != nil {
			fresh.overlay = previous.overlay
			fresh.pendingEdits = previous.pendingEdits
		}
		if ref := item.RecordClientRef(); ref != "" {
			if optimistic, ok := e.entries[ref]; ok && optimistic.unconfirmed {
				e.aliases[ref] = id
				if optimistic.overlay != nil {
					overlay := e.policy.WithID(*optimistic.overlay, id)
					fresh.overlay = &overlay
					fresh.pendingEdits = optimistic.pendingEdits
				}
			}
		}
		next[id] = fresh
	}
	for id, current := range e.entries {
		if !current.unconfirmed {
			continue
		}
		if _, adopted := e.aliases[id]; adopted {
			continue
		}
		next[id] = current
	}
	e.entries = next
	e.commitLocked(ctx)
}

// Load paints the view from the persisted snapshot. A missing snapshot leaves the view empty; a
// corrupt one is logged and ignored.
func (e *Engine[T]) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	raw, found, err := e.store.Get(ctx, e.snapshotKey())
	if err != nil {
		e.logger.Warn("snapshot read failed",
			zap.String("operation", opLoad),
			zap.String("collection", e.collection.String()),
			zap.Error(err))
		return err
	}
	if !found {
		return nil
	}
	var stored snapshot[T]
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		e.logger.Warn("snapshot corrupt; starting empty",
			zap.String("operation", opLoad),
			zap.String("collection", e.collection.String()),
			zap.Error(err))
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[string]*entry[T], len(stored.Items))
	for _, item := range stored.Items {
		if !e.InScope(item.Value) {
			continue
		}
		e.entries[item.Value.RecordID()] = &entry[T]{
			base:         item.Value,
			overlay:      item.Overlay,
			pendingEdits: item.PendingEdits,
			unconfirmed:  item.Unconfirmed,
		}
	}
	for _, id := range stored.PendingDeletes {
		e.tombstones[id] = tombstone{pending: true}
	}
	for placeholder, realID := range stored.Aliases {
		e.aliases[placeholder] = realID
	}
	e.savedAt = stored.SavedAt
	e.signalLocked()
	return nil
}

type snapshotItem[T Record] struct {
	Value        T    `json:"value"`
	Overlay      *T   `json:"overlay,omitempty"`
	PendingEdits int  `json:"pending_edits,omitempty"`
	Unconfirmed  bool `json:"unconfirmed,omitempty"`
}

// snapshot is the persisted form of a collection view.
type snapshot[T Record] struct {
	CollectionKey  string            `json:"collection_key"`
	Items          []snapshotItem[T] `json:"items"`
	PendingDeletes []string          `json:"pending_deletes,omitempty"`
	Aliases        map[string]string `json:"aliases,omitempty"`
	SavedAt        time.Time         `json:"saved_at"`
}

func (e *Engine[T]) snapshotKey() string {
	return localstore.Key(snapshotKeyPrefix, e.scope, e.collection.String())
}

func (e *Engine[T]) commitLocked(ctx context.Context) {
	e.signalLocked()
	if e.store == nil {
		return
	}
	savedAt := e.clock().UTC()
	stored := snapshot[T]{
		CollectionKey: e.snapshotKey(),
		Items:         make([]snapshotItem[T], 0, len(e.entries)),
		Aliases:       e.aliases,
		SavedAt:       savedAt,
	}
	for _, current := range e.sortedEntriesLocked() {
		stored.Items = append(stored.Items, snapshotItem[T]{
			Value:        current.base,
			Overlay:      current.overlay,
			PendingEdits: current.pendingEdits,
			Unconfirmed:  current.unconfirmed,
		})
	}
	for id, stone := range e.tombstones {
		if stone.pending {
			stored.PendingDeletes = append(stored.PendingDeletes, id)
		}
	}
	sort.Strings(stored.PendingDeletes)

	encoded, err := json.Marshal(stored)
	if err == nil {
		err = e.store.Set(ctx, e.snapshotKey(), string(encoded))
	}
	if err != nil {
		// The view stays correct in memory; only durability of this change is lost.
		e.logger.Warn("snapshot persist failed",
			zap.String("operation", opPersist),
			zap.String("collection", e.collection.String()),
			zap.Error(err))
		return
	}
	e.savedAt = savedAt
}

func (e *Engine[T]) signalLocked() {
	select {
	case e.changed <- struct{}{}:
	default:
	}
}

func (e *Engine[T]) sortedEntriesLocked() []*entry[T] {
	ordered := make([]*entry[T], 0, len(e.entries))
	for _, current := range e.entries {
		ordered = append(ordered, current)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return e.policy.Less(ordered[i].visible(), ordered[j].visible())
	})
	return ordered
}

func (e *Engine[T]) sortedLocked() []T {
	ordered := e.sortedEntriesLocked()
	items := make([]T, 0, len(ordered))
	for _, current := range ordered {
		items = append(items, current.visible())
	}
	return items
}

// adoptPlaceholderLocked moves an optimistic entity to the real id carried by entity when entity
// echoes its placeholder.
func (e *Engine[T]) adoptPlaceholderLocked(entity T) bool {
	ref := entity.RecordClientRef()
	if ref == "" {
		return false
	}
	optimistic, ok := e.entries[ref]
	if !ok || !optimistic.unconfirmed {
		return false
	}
	realID := entity.RecordID()
	delete(e.entries, ref)
	e.aliases[ref] = realID
	adopted := &entry[T]{base: entity, pendingEdits: optimistic.pendingEdits}
	if optimistic.overlay != nil {
		overlay := e.policy.WithID(*optimistic.overlay, realID)
		adopted.overlay = &overlay
	}
	e.entries[realID] = adopted
	return true
}

func (e *Engine[T]) rekey(current *entry[T], realID string) *entry[T] {
	moved := &entry[T]{
		base:         e.policy.WithID(current.base, realID),
		pendingEdits: current.pendingEdits,
	}
	if current.overlay != nil {
		overlay := e.policy.WithID(*current.overlay, realID)
		moved.overlay = &overlay
	}
	return moved
}

func (e *Engine[T]) settleEditLocked(current *entry[T]) {
	if current.pendingEdits > 0 {
		current.pendingEdits--
	}
	if current.pendingEdits == 0 {
		current.overlay = nil
	}
}

func (e *Engine[T]) resolveLocked(id string) string {
	if realID, ok := e.aliases[id]; ok {
		return realID
	}
	return id
}

func (e *Engine[T]) lookupLocked(id string) (*entry[T], bool) {
	current, ok := e.entries[e.resolveLocked(id)]
	return current, ok
}

func (e *Engine[T]) isTombstonedLocked(id string) bool {
	if id == "" {
		return false
	}
	stone, ok := e.tombstones[id]
	if !ok {
		return false
	}
	if stone.pending || e.clock().Before(stone.expiresAt) {
		return true
	}
	delete(e.tombstones, id)
	return false
}

func (e *Engine[T]) expireTombstonesLocked(now time.Time) {
	for id, stone := range e.tombstones {
		if !stone.pending && !now.Before(stone.expiresAt) {
			delete(e.tombstones, id)
		}
	}
}
