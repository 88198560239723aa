// Package outbox keeps writes made while offline in a durable per-collection queue and replays them
// in order once the data service is reachable.
package outbox

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
	"github.com/MarcoPoloResearchLab/nous/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAttemptsExhausted is reported for a mutation abandoned after too many service failures.
	ErrAttemptsExhausted = errors.New("outbox: attempts exhausted")
	// ErrInvalidMutation indicates an enqueue request with missing fields.
	ErrInvalidMutation = errors.New("outbox: invalid mutation")

	errMissingStore  = errors.New("outbox: store is required")
	errMissingSender = errors.New("outbox: sender is required")
	errMissingScope  = errors.New("outbox: scope is required")
)

const (
	keyPrefix = "outbox"
	aliasTTL  = 24 * time.Hour

	opFlush   = "outbox.flush"
	opEnqueue = "outbox.enqueue"
	opDiscard = "outbox.discard"
)

// PendingMutation is a write awaiting transmission. Entries are only ever appended, have their
// attempt bookkeeping rewritten, or are removed.
type PendingMutation struct {
	ID            string            `json:"id"`
	Collection    couple.Collection `json:"collection"`
	Op            remote.Op         `json:"op"`
	EntityID      string            `json:"entity_id"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Attempts      int               `json:"attempts"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
}

type alias struct {
	RealID    string    `json:"real_id"`
	CreatedAt time.Time `json:"created_at"`
}

// queueState is the persisted value of one collection queue.
type queueState struct {
	Entries []PendingMutation `json:"entries"`
	// Aliases map placeholder ids of flushed inserts to the ids the service assigned, so queued
	// updates and deletes reach the real entity.
	Aliases map[string]alias `json:"aliases,omitempty"`
}

// Result is what the service returned for a successful send.
type Result struct {
	EntityID string
	Row      json.RawMessage
}

// Sender transmits one mutation. EntityID has already been resolved through known aliases.
type Sender interface {
	Send(ctx context.Context, mutation PendingMutation) (Result, error)
}

// Listener observes the fate of queued mutations. Calls may arrive concurrently for different
// collections.
type Listener interface {
	// OnConfirmed fires after the service accepted a mutation. For inserts created under a
	// placeholder, mutation.EntityID is the placeholder and result.EntityID the real id.
	OnConfirmed(mutation PendingMutation, result Result)
	// OnDropped fires when a mutation is abandoned and the user should be told.
	OnDropped(mutation PendingMutation, err error)
}

// FlushReport summarizes one flush pass.
type FlushReport struct {
	Trigger   Trigger
	Sent      int
	Retried   int
	Dropped   int
	Discarded int
	Deferred  int
	Remaining int
	// Interrupted lists collections whose pass stopped on a connectivity failure.
	Interrupted []couple.Collection
}

func (r *FlushReport) merge(other FlushReport) {
	r.Sent += other.Sent
	r.Retried += other.Retried
	r.Dropped += other.Dropped
	r.Discarded += other.Discarded
	r.Deferred += other.Deferred
	r.Remaining += other.Remaining
	r.Interrupted = append(r.Interrupted, other.Interrupted...)
}

// Config describes the dependencies of an Outbox.
type Config struct {
	Store    *localstore.Atomic
	Scope    string
	Sender   Sender
	Listener Listener
	Policy   RetryPolicy
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Outbox is the durable queue of one scope.
type Outbox struct {
	store    *localstore.Atomic
	scope    string
	sender   Sender
	listener Listener
	policy   RetryPolicy
	clock    func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New constructs an Outbox.
func New(cfg Config) (*Outbox, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
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
	return &Outbox{
		store:    cfg.Store,
		scope:    scope,
		sender:   cfg.Sender,
		listener: cfg.Listener,
		policy:   cfg.Policy.normalized(),
		clock:    clock,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}, nil
}

// SetListener replaces the listener. It must be called before the first flush.
func (o *Outbox) SetListener(listener Listener) {
	o.listener = listener
}

func (o *Outbox) key(collection couple.Collection) string {
	return localstore.Key(keyPrefix, o.scope, collection.String())
}

// Enqueue appends a mutation and persists it before returning. It never touches the network.
func (o *Outbox) Enqueue(ctx context.Context, collection couple.Collection, op remote.Op, entityID string, payload json.RawMessage) (PendingMutation, error) {
	if strings.TrimSpace(entityID) == "" {
		return PendingMutation{}, fmt.Errorf("%w: entity id is required", ErrInvalidMutation)
	}
	switch op {
	case remote.OpInsert, remote.OpUpdate, remote.OpDelete:
	default:
		return PendingMutation{}, fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, op)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return PendingMutation{}, err
	}
	mutation := PendingMutation{
		ID:         id.String(),
		Collection: collection,
		Op:         op,
		EntityID:   entityID,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  o.clock().UTC(),
	}

	err = o.update(ctx, collection, func(state *queueState) (bool, error) {
		if known, ok := state.Aliases[mutation.EntityID]; ok && op != remote.OpInsert {
			mutation.EntityID = known.RealID
		}
		state.Entries = append(state.Entries, mutation)
		return true, nil
	})
	if err != nil {
		o.logger.Error("outbox enqueue failed",
			zap.String("operation", opEnqueue),
			zap.String("collection", collection.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return PendingMutation{}, err
	}
	return mutation, nil
}

// Pending returns the queued mutations of collection in send order.
func (o *Outbox) Pending(ctx context.Context, collection couple.Collection) ([]PendingMutation, error) {
	state, err := o.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	return state.Entries, nil
}

// Len counts queued mutations across every collection.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	total := 0
	for _, collection := range couple.Collections() {
		state, err := o.load(ctx, collection)
		if err != nil {
			return 0, err
		}
		total += len(state.Entries)
	}
	return total, nil
}

// Resolve maps a placeholder id to the id the service assigned, when known.
func (o *Outbox) Resolve(ctx context.Context, collection couple.Collection, entityID string) (string, error) {
	state, err := o.load(ctx, collection)
	if err != nil {
		return "", err
	}
	if known, ok := state.Aliases[entityID]; ok {
		return known.RealID, nil
	}
	return entityID, nil
}

// DiscardEntity removes queued mutations targeting entityID. It reports how many were removed and
// whether one of them is being sent right now; an in-flight mutation cannot be recalled.
func (o *Outbox) DiscardEntity(ctx context.Context, collection couple.Collection, entityID string) (int, bool, error) {
	removed := 0
	busy := false
	err := o.update(ctx, collection, func(state *queueState) (bool, error) {
		targets := map[string]struct{}{entityID: {}}
		for placeholder, known := range state.Aliases {
			if known.RealID == entityID || placeholder == entityID {
				targets[placeholder] = struct{}{}
				targets[known.RealID] = struct{}{}
			}
		}
		kept := state.Entries[:0]
		for _, entry := range state.Entries {
			if _, match := targets[entry.EntityID]; !match {
				kept = append(kept, entry)
				continue
			}
			if o.isInFlight(entry.ID) {
				busy = true
				kept = append(kept, entry)
				continue
			}
			removed++
		}
		state.Entries = kept
		return removed > 0, nil
	})
	if err != nil {
		o.logger.Error("outbox discard failed",
			zap.String("operation", opDiscard),
			zap.String("collection", collection.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return 0, false, err
	}
	return removed, busy, nil
}

// Flush replays queued mutations. Collections are processed in parallel; within a collection
// entries go out strictly in creation order. Concurrent calls never send the same entry twice.
func (o *Outbox) Flush(ctx context.Context, trigger Trigger) (FlushReport, error) {
	report := FlushReport{Trigger: trigger}
	var reportMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for _, collection := range couple.Collections() {
		group.Go(func() error {
			collectionReport, err := o.flushCollection(groupCtx, collection, trigger)
			reportMu.Lock()
			report.merge(collectionReport)
			reportMu.Unlock()
			return err
		})
	}
	err := group.Wait()
	sort.Slice(report.Interrupted, func(i, j int) bool {
		return report.Interrupted[i] < report.Interrupted[j]
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("outbox flush failed",
			zap.String("operation", opFlush),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
	}
	return report, err
}

func (o *Outbox) flushCollection(ctx context.Context, collection couple.Collection, trigger Trigger) (FlushReport, error) {
	report := FlushReport{}
	state, err := o.load(ctx, collection)
	if err != nil {
		return report, err
	}

	// blocked holds entities whose earlier mutation is still queued; later ones for the same
	// entity must wait behind it.
	blocked := make(map[string]struct{})
	now := o.clock().UTC()

	for index, entry := range state.Entries {
		if err := ctx.Err(); err != nil {
			return o.withRemaining(ctx, collection, report), err
		}
		if _, wait := blocked[entry.EntityID]; wait {
			report.Deferred++
			continue
		}
		if trigger.honorsBackoff() && entry.LastAttemptAt != nil {
			if now.Before(entry.LastAttemptAt.Add(o.policy.Delay(entry.Attempts))) {
				blocked[entry.EntityID] = struct{}{}
				report.Deferred++
				continue
			}
		}
		if !o.claim(entry.ID) {
			// Another pass owns this entry; everything behind it has to wait for that pass.
			report.Deferred += len(state.Entries) - index
			break
		}

		outcome, sendErr := o.sendClaimed(ctx, collection, entry)
		switch outcome {
		case outcomeSent:
			report.Sent++
		case outcomeGone:
		case outcomeDiscarded:
			report.Discarded++
		case outcomeDropped:
			report.Dropped++
		case outcomeRetry:
			report.Retried++
			blocked[entry.EntityID] = struct{}{}
		case outcomeOffline:
			report.Retried++
			report.Interrupted = append(report.Interrupted, collection)
			return o.withRemaining(ctx, collection, report), nil
		case outcomeAborted:
			return o.withRemaining(ctx, collection, report), sendErr
		case outcomeStoreFailed:
			return o.withRemaining(ctx, collection, report), sendErr
		}
	}

	if err := o.pruneAliases(ctx, collection); err != nil {
		return o.withRemaining(ctx, collection, report), err
	}
	return o.withRemaining(ctx, collection, report), nil
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeGone
	outcomeDiscarded
	outcomeDropped
	outcomeRetry
	outcomeOffline
	outcomeAborted
	outcomeStoreFailed
)

func (o *Outbox) sendClaimed(ctx context.Context, collection couple.Collection, entry PendingMutation) (sendOutcome, error) {
	defer o.release(entry.ID)

	// The entry may have been sent and removed by a pass that finished after ours loaded.
	current, err := o.load(ctx, collection)
	if err != nil {
		return outcomeStoreFailed, err
	}
	if !containsEntry(current.Entries, entry.ID) {
		return outcomeGone, nil
	}
	outgoing := entry
	if known, ok := current.Aliases[entry.EntityID]; ok && entry.Op != remote.OpInsert {
		outgoing.EntityID = known.RealID
	}
	if outgoing.Op != remote.OpInsert && couple.IsPlaceholderID(outgoing.EntityID) {
		// The insert this mutation depended on never reached the service.
		if err := o.remove(ctx, collection, entry.ID, nil); err != nil {
			return outcomeStoreFailed, err
		}
		return outcomeDiscarded, nil
	}

	result, sendErr := o.sender.Send(ctx, outgoing)
	if sendErr == nil {
		var newAlias *aliasEntry
		if entry.Op == remote.OpInsert && result.EntityID != "" && result.EntityID != entry.EntityID {
			newAlias = &aliasEntry{placeholder: entry.EntityID, realID: result.EntityID}
		}
		if err := o.remove(ctx, collection, entry.ID, newAlias); err != nil {
			return outcomeStoreFailed, err
		}
		if o.listener != nil {
			o.listener.OnConfirmed(entry, result)
		}
		return outcomeSent, nil
	}

	if ctx.Err() != nil {
		return outcomeAborted, ctx.Err()
	}

	fields := []zap.Field{
		zap.String("operation", opFlush),
		zap.String("collection", collection.String()),
		zap.String("mutation_id", entry.ID),
		zap.String("entity_id", outgoing.EntityID),
		zap.String("op", string(entry.Op)),
		zap.Int("attempts", entry.Attempts+1),
		zap.Error(sendErr),
	}

	if remote.IsPermanent(sendErr) {
		o.logger.Warn("outbox mutation rejected", fields...)
		if err := o.remove(ctx, collection, entry.ID, nil); err != nil {
			return outcomeStoreFailed, err
		}
		if o.listener != nil {
			o.listener.OnDropped(entry, sendErr)
		}
		return outcomeDropped, nil
	}

	attempts, err := o.recordFailure(ctx, collection, entry.ID, sendErr)
	if err != nil {
		return outcomeStoreFailed, err
	}

	if remote.IsConnectivity(sendErr) {
		o.logger.Info("outbox flush paused: service unreachable", fields...)
		return outcomeOffline, nil
	}

	if o.policy.Exhausted(attempts) {
		o.logger.Warn("outbox mutation abandoned", fields...)
		if err := o.remove(ctx, collection, entry.ID, nil); err != nil {
			return outcomeStoreFailed, err
		}
		if o.listener != nil {
			o.listener.OnDropped(entry, fmt.Errorf("%w: %v", ErrAttemptsExhausted, sendErr))
		}
		return outcomeDropped, nil
	}
	o.logger.Warn("outbox mutation failed; will retry", fields...)
	return outcomeRetry, nil
}

type aliasEntry struct {
	placeholder string
	realID      string
}

func (o *Outbox) remove(ctx context.Context, collection couple.Collection, mutationID string, newAlias *aliasEntry) error {
	return o.update(ctx, collection, func(state *queueState) (bool, error) {
		changed := false
		kept := state.Entries[:0]
		for _, entry := range state.Entries {
			if entry.ID == mutationID {
				changed = true
				continue
			}
			kept = append(kept, entry)
		}
		state.Entries = kept
		if newAlias != nil {
			if state.Aliases == nil {
				state.Aliases = make(map[string]alias)
			}
			state.Aliases[newAlias.placeholder] = alias{RealID: newAlias.realID, CreatedAt: o.clock().UTC()}
			changed = true
		}
		return changed, nil
	})
}

func (o *Outbox) recordFailure(ctx context.Context, collection couple.Collection, mutationID string, cause error) (int, error) {
	attempts := 0
	attemptedAt := o.clock().UTC()
	err := o.update(ctx, collection, func(state *queueState) (bool, error) {
		for index := range state.Entries {
			if state.Entries[index].ID != mutationID {
				continue
			}
			state.Entries[index].Attempts++
			state.Entries[index].LastAttemptAt = &attemptedAt
			state.Entries[index].LastError = cause.Error()
			attempts = state.Entries[index].Attempts
			return true, nil
		}
		return false, nil
	})
	return attempts, err
}

// pruneAliases forgets placeholders that no queued entry references once they are old enough that
// no caller can still hold them.
func (o *Outbox) pruneAliases(ctx context.Context, collection couple.Collection) error {
	cutoff := o.clock().UTC().Add(-aliasTTL)
	return o.update(ctx, collection, func(state *queueState) (bool, error) {
		changed := false
		for placeholder, known := range state.Aliases {
			if known.CreatedAt.After(cutoff) || referencesEntity(state.Entries, placeholder) {
				continue
			}
			delete(state.Aliases, placeholder)
			changed = true
		}
		return changed, nil
	})
}

func (o *Outbox) withRemaining(ctx context.Context, collection couple.Collection, report FlushReport) FlushReport {
	// Count with a fresh context so an aborted pass still reports what is left.
	state, err := o.load(context.WithoutCancel(ctx), collection)
	if err == nil {
		report.Remaining = len(state.Entries)
	}
	return report
}

func (o *Outbox) claim(mutationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[mutationID]; busy {
		return false
	}
	o.inFlight[mutationID] = struct{}{}
	return true
}

func (o *Outbox) release(mutationID string) {
	o.mu.Lock()
	delete(o.inFlight, mutationID)
	o.mu.Unlock()
}

func (o *Outbox) isInFlight(mutationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inFlight[mutationID]
	return busy
}

func (o *Outbox) load(ctx context.Context, collection couple.Collection) (queueState, error) {
	raw, found, err := o.store.Get(ctx, o.key(collection))
	if err != nil {
		return queueState{}, err
	}
	if !found {
		return queueState{}, nil
	}
	return decodeState(raw)
}

func (o *Outbox) update(ctx context.Context, collection couple.Collection, mutate func(*queueState) (bool, error)) error {
	return o.store.Update(ctx, o.key(collection), func(current string, found bool) (string, error) {
		state := queueState{}
		if found {
			decoded, err := decodeState(current)
			if err != nil {
				return "", err
			}
			state = decoded
		}
		changed, err := mutate(&state)
		if err != nil {
			return "", err
		}
		if !changed {
			return "", localstore.ErrNoChange
		}
		encoded, err := json.Marshal(state)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	})
}

func decodeState(raw string) (queueState, error) {
	var state queueState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return queueState{}, fmt.Errorf("%w: %v", localstore.ErrCorruptValue, err)
	}
	sort.SliceStable(state.Entries, func(i, j int) bool {
		return state.Entries[i].CreatedAt.Before(state.Entries[j].CreatedAt)
	})
	return state, nil
}

func containsEntry(entries []PendingMutation, mutationID string) bool {
	for _, entry := range entries {
		if entry.ID == mutationID {
			return true
		}
	}
	return false
}

func referencesEntity(entries []PendingMutation, entityID string) bool {
	for _, entry := range entries {
		if entry.EntityID == entityID {
			return true
		}
	}
	return false
}
