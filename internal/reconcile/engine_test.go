package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/localstore"
	"github.com/stretchr/testify/require"
)

const testScope = "couple-1"

var baseTime = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func bucketPolicy() Policy[couple.BucketItem] {
	return Policy[couple.BucketItem]{
		WithID: func(item couple.BucketItem, id string) couple.BucketItem {
			item.ID = id
			return item
		},
		Less: couple.LessBucketItems,
	}
}

func eventPolicy() Policy[couple.Event] {
	return Policy[couple.Event]{
		WithID: func(event couple.Event, id string) couple.Event {
			event.ID = id
			return event
		},
		Less:   couple.LessEvents,
		Active: couple.IsActiveEvent,
	}
}

func newBucketEngine(t *testing.T, store *localstore.Atomic) *Engine[couple.BucketItem] {
	t.Helper()
	engine, err := NewEngine(Config[couple.BucketItem]{
		Collection: couple.CollectionBucketItems,
		Scope:      testScope,
		Policy:     bucketPolicy(),
		Store:      store,
		Clock:      func() time.Time { return baseTime },
	})
	require.NoError(t, err)
	return engine
}

func item(id, title string, position int64, offset time.Duration) couple.BucketItem {
	return couple.BucketItem{
		ID:        id,
		CoupleID:  testScope,
		AuthorID:  "alice",
		Title:     title,
		Position:  position,
		CreatedAt: baseTime.Add(offset),
	}
}

func ids(items []couple.BucketItem) []string {
	result := make([]string, 0, len(items))
	for _, current := range items {
		result = append(result, current.ID)
	}
	return result
}

func TestRemoteInsertDeduplicatesAndFiltersScope(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()

	require.True(t, engine.ApplyRemoteInsert(ctx, item("a", "Paris", 1, 0)))
	require.False(t, engine.ApplyRemoteInsert(ctx, item("a", "Paris again", 1, 0)))

	foreign := item("b", "Not ours", 1, 0)
	foreign.CoupleID = "couple-2"
	require.False(t, engine.ApplyRemoteInsert(ctx, foreign))

	items := engine.Items()
	require.Equal(t, []string{"a"}, ids(items))
	require.Equal(t, "Paris", items[0].Title)
}

func TestBucketOrderingFollowsDoneStatePositionAndCreation(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()

	done := item("done-early", "Done", 0, -time.Hour)
	done.IsDone = true
	engine.ApplyRemoteInsert(ctx, done)
	engine.ApplyRemoteInsert(ctx, item("second", "Second", 2, -2*time.Hour))
	engine.ApplyRemoteInsert(ctx, item("first-late", "First late", 1, time.Minute))
	engine.ApplyRemoteInsert(ctx, item("first-early", "First early", 1, 0))

	require.Equal(t, []string{"first-early", "first-late", "second", "done-early"}, ids(engine.Items()))

	moved := item("second", "Second", 0, -2*time.Hour)
	require.True(t, engine.ApplyRemoteUpdate(ctx, moved))
	require.Equal(t, []string{"second", "first-early", "first-late", "done-early"}, ids(engine.Items()))
}

func TestRemoteDeleteOfUnknownIDIsNoOp(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()
	engine.ApplyRemoteInsert(ctx, item("a", "Paris", 1, 0))

	require.False(t, engine.ApplyRemoteDelete(ctx, "missing"))
	require.True(t, engine.ApplyRemoteDelete(ctx, "a"))
	require.Empty(t, engine.Items())
}

func TestRemoteDeleteSurvivesLateEvents(t *testing.T) {
	now := baseTime
	engine, err := NewEngine(Config[couple.BucketItem]{
		Collection:     couple.CollectionBucketItems,
		Scope:          testScope,
		Policy:         bucketPolicy(),
		Clock:          func() time.Time { return now },
		TombstoneGrace: time.Minute,
	})
	require.NoError(t, err)
	ctx := context.Background()

	engine.ApplyRemoteInsert(ctx, item("srv-1", "Concert", 1, 0))
	require.True(t, engine.ApplyRemoteDelete(ctx, "srv-1"))

	late := item("srv-1", "Concert (renamed)", 1, 0)
	require.False(t, engine.ApplyRemoteUpdate(ctx, late))
	require.False(t, engine.ApplyRemoteInsert(ctx, late))
	engine.Replace(ctx, []couple.BucketItem{late})
	require.Empty(t, engine.Items())

	// A delete that overtakes its insert also holds.
	require.False(t, engine.ApplyRemoteDelete(ctx, "srv-2"))
	require.False(t, engine.ApplyRemoteInsert(ctx, item("srv-2", "Ski", 2, 0)))
	require.Empty(t, engine.Items())

	now = now.Add(2 * time.Minute)
	require.True(t, engine.ApplyRemoteInsert(ctx, item("srv-1", "Concert", 1, 0)))
}

func TestOptimisticInsertReplacedByRealtimeInsertWithRealID(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()

	placeholder := "local-0001"
	draft := item("", "Beach trip", 1, 0)
	draft.ClientRef = placeholder
	_, err := engine.ApplyOptimisticLocal(ctx, draft, placeholder)
	require.NoError(t, err)
	require.True(t, engine.IsUnconfirmed(placeholder))

	confirmed := item("real-1", "Beach trip", 1, 0)
	confirmed.ClientRef = placeholder
	require.True(t, engine.ApplyRemoteInsert(ctx, confirmed))

	items := engine.Items()
	require.Len(t, items, 1)
	require.Equal(t, "real-1", items[0].ID)

	// The HTTP response arrives after the realtime event.
	require.False(t, engine.ReconcileID(ctx, placeholder, "real-1"))
	require.Len(t, engine.Items(), 1)

	resolved, ok := engine.Get(placeholder)
	require.True(t, ok)
	require.Equal(t, "real-1", resolved.ID)
}

func TestReconcileIDIsIdempotent(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()

	_, err := engine.ApplyOptimisticLocal(ctx, item("", "Ski", 1, 0), "local-ski")
	require.NoError(t, err)

	require.True(t, engine.ReconcileID(ctx, "local-ski", "real-ski"))
	require.False(t, engine.ReconcileID(ctx, "local-ski", "real-ski"))
	require.Equal(t, []string{"real-ski"}, ids(engine.Items()))
	require.False(t, engine.IsUnconfirmed("real-ski"))

	// A realtime insert without the placeholder echo still deduplicates by id.
	require.False(t, engine.ApplyRemoteInsert(ctx, item("real-ski", "Ski", 1, 0)))
	require.Len(t, engine.Items(), 1)
}

func TestOptimisticPlaceholderRequired(t *testing.T) {
	engine := newBucketEngine(t, nil)
	_, err := engine.ApplyOptimisticLocal(context.Background(), item("", "Ski", 1, 0), "real-looking-id")
	require.ErrorIs(t, err, ErrInvalidPlaceholder)
}

func TestPendingLocalDeleteBlocksResurrection(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()
	engine.ApplyRemoteInsert(ctx, item("x", "Concert", 1, 0))

	removed, ok := engine.ApplyLocalDelete(ctx, "x")
	require.True(t, ok)
	require.Equal(t, "Concert", removed.Title)

	renamed := item("x", "Concert (renamed)", 1, 0)
	require.False(t, engine.ApplyRemoteUpdate(ctx, renamed))
	require.False(t, engine.ApplyRemoteInsert(ctx, renamed))
	engine.Replace(ctx, []couple.BucketItem{renamed})
	require.Empty(t, engine.Items())

	engine.ConfirmDelete(ctx, "x")
	require.False(t, engine.ApplyRemoteUpdate(ctx, renamed), "late events within the grace period stay hidden")
	require.Empty(t, engine.Items())
}

func TestConfirmedTombstoneExpires(t *testing.T) {
	now := baseTime
	engine, err := NewEngine(Config[couple.BucketItem]{
		Collection:     couple.CollectionBucketItems,
		Scope:          testScope,
		Policy:         bucketPolicy(),
		Clock:          func() time.Time { return now },
		TombstoneGrace: time.Minute,
	})
	require.NoError(t, err)
	ctx := context.Background()

	engine.ApplyRemoteInsert(ctx, item("x", "Concert", 1, 0))
	engine.ApplyLocalDelete(ctx, "x")
	engine.ConfirmDelete(ctx, "x")

	now = now.Add(2 * time.Minute)
	require.True(t, engine.ApplyRemoteInsert(ctx, item("x", "Concert", 1, 0)))
}

func TestRevertDeleteAllowsEntityBack(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()
	engine.ApplyRemoteInsert(ctx, item("x", "Concert", 1, 0))
	engine.ApplyLocalDelete(ctx, "x")
	engine.RevertDelete(ctx, "x")

	engine.Replace(ctx, []couple.BucketItem{item("x", "Concert", 1, 0)})
	require.Equal(t, []string{"x"}, ids(engine.Items()))
}

func TestLocalEditOverlayWinsUntilConfirmed(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()
	engine.ApplyRemoteInsert(ctx, item("x", "Concert", 1, 0))

	_, err := engine.ApplyLocalUpdate(ctx, "x", func(current couple.BucketItem) couple.BucketItem {
		current.Title = "Opera"
		return current
	})
	require.NoError(t, err)

	require.True(t, engine.ApplyRemoteUpdate(ctx, item("x", "Theatre", 1, 0)))
	visible, _ := engine.Get("x")
	require.Equal(t, "Opera", visible.Title, "an unconfirmed local edit is not overwritten by an older remote update")

	engine.ConfirmLocalUpdate(ctx, "x", item("x", "Opera", 1, 0))
	visible, _ = engine.Get("x")
	require.Equal(t, "Opera", visible.Title)

	require.True(t, engine.ApplyRemoteUpdate(ctx, item("x", "Ballet", 1, 0)))
	visible, _ = engine.Get("x")
	require.Equal(t, "Ballet", visible.Title)
}

func TestRevertLocalRestoresConfirmedState(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()
	engine.ApplyRemoteInsert(ctx, item("x", "Concert", 1, 0))

	_, err := engine.ApplyLocalUpdate(ctx, "x", func(current couple.BucketItem) couple.BucketItem {
		current.Title = "Opera"
		return current
	})
	require.NoError(t, err)
	engine.RevertLocal(ctx, "x")

	visible, _ := engine.Get("x")
	require.Equal(t, "Concert", visible.Title)

	_, err = engine.ApplyLocalUpdate(ctx, "missing", func(current couple.BucketItem) couple.BucketItem { return current })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceKeepsUnconfirmedEntries(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()

	engine.ApplyRemoteInsert(ctx, item("stale", "Gone remotely", 1, 0))
	_, err := engine.ApplyOptimisticLocal(ctx, item("", "Pending", 3, time.Hour), "local-pending")
	require.NoError(t, err)
	adopted := item("", "Flushed", 4, 2*time.Hour)
	adopted.ClientRef = "local-flushed"
	_, err = engine.ApplyOptimisticLocal(ctx, adopted, "local-flushed")
	require.NoError(t, err)

	serverCopy := item("real-flushed", "Flushed", 4, 2*time.Hour)
	serverCopy.ClientRef = "local-flushed"
	engine.Replace(ctx, []couple.BucketItem{
		item("fresh", "New from partner", 2, 0),
		serverCopy,
	})

	require.Equal(t, []string{"fresh", "local-pending", "real-flushed"}, ids(engine.Items()))
}

func TestSnapshotPersistsAndReloads(t *testing.T) {
	store, err := localstore.NewAtomic(localstore.NewMemoryStore(0))
	require.NoError(t, err)
	ctx := context.Background()

	engine := newBucketEngine(t, store)
	engine.ApplyRemoteInsert(ctx, item("a", "Paris", 1, 0))
	_, err = engine.ApplyOptimisticLocal(ctx, item("", "Rome", 2, 0), "local-rome")
	require.NoError(t, err)
	engine.ApplyRemoteInsert(ctx, item("b", "Lisbon", 3, 0))
	engine.ApplyLocalDelete(ctx, "b")
	require.False(t, engine.SavedAt().IsZero())

	reloaded := newBucketEngine(t, store)
	require.NoError(t, reloaded.Load(ctx))
	require.Equal(t, []string{"a", "local-rome"}, ids(reloaded.Items()))
	require.True(t, reloaded.IsUnconfirmed("local-rome"))
	require.False(t, reloaded.ApplyRemoteInsert(ctx, item("b", "Lisbon", 3, 0)), "pending delete survives reload")
}

func TestLoadIgnoresCorruptSnapshot(t *testing.T) {
	memory := localstore.NewMemoryStore(0)
	store, err := localstore.NewAtomic(memory)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, memory.Set(ctx, "snapshot/couple-1/bucket_item", "{not json"))

	engine := newBucketEngine(t, store)
	require.NoError(t, engine.Load(ctx))
	require.Empty(t, engine.Items())
}

func TestPersistFailureKeepsInMemoryView(t *testing.T) {
	memory := localstore.NewMemoryStore(1)
	store, err := localstore.NewAtomic(memory)
	require.NoError(t, err)

	engine := newBucketEngine(t, store)
	require.True(t, engine.ApplyRemoteInsert(context.Background(), item("a", "Paris", 1, 0)))
	require.Len(t, engine.Items(), 1)
	require.True(t, engine.SavedAt().IsZero())
}

func TestEventActiveViewExcludesOldEvents(t *testing.T) {
	engine, err := NewEngine(Config[couple.Event]{
		Collection: couple.CollectionEvents,
		Scope:      testScope,
		Policy:     eventPolicy(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	engine.ApplyRemoteInsert(ctx, couple.Event{ID: "old", CoupleID: testScope, Title: "Old", StartsAt: now.Add(-72 * time.Hour)})
	engine.ApplyRemoteInsert(ctx, couple.Event{ID: "yesterday", CoupleID: testScope, Title: "Yesterday", StartsAt: now.Add(-20 * time.Hour)})
	engine.ApplyRemoteInsert(ctx, couple.Event{ID: "tomorrow", CoupleID: testScope, Title: "Tomorrow", StartsAt: now.Add(24 * time.Hour)})

	active := engine.Active(now)
	require.Len(t, active, 2)
	require.Equal(t, "yesterday", active[0].ID)
	require.Equal(t, "tomorrow", active[1].ID)
	require.Len(t, engine.Items(), 3)
}

func TestChangedSignalsCoalesce(t *testing.T) {
	engine := newBucketEngine(t, nil)
	ctx := context.Background()
	engine.ApplyRemoteInsert(ctx, item("a", "Paris", 1, 0))
	engine.ApplyRemoteInsert(ctx, item("b", "Rome", 2, 0))

	select {
	case <-engine.Changed():
	default:
		t.Fatalf("expected a change signal")
	}
	select {
	case <-engine.Changed():
		t.Fatalf("signals should coalesce")
	default:
	}
}
