package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	scopeA = couple.CoupleID("couple-a")
	scopeB = couple.CoupleID("couple-b")
	alice  = couple.UserID("alice")
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("record-%d", p.next), nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "records.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&couple.Note{}, &couple.BucketItem{}, &couple.Event{}); err != nil {
		t.Fatalf("failed to migrate records schema: %v", err)
	}
	tick := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{},
		Clock: func() time.Time {
			tick = tick.Add(time.Minute)
			return tick
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustCreate(t *testing.T, service *Service, scope couple.CoupleID, collection couple.Collection, payload string) Record {
	t.Helper()
	record, _, err := service.Create(context.Background(), scope, alice, collection, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("create %s failed: %v", collection, err)
	}
	return record
}

func decode[T any](t *testing.T, record Record) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(record.Row, &value); err != nil {
		t.Fatalf("decode %s: %v", record.Collection, err)
	}
	return value
}

func TestCreateAssignsIDAndOwnership(t *testing.T) {
	service := newTestService(t)
	record := mustCreate(t, service, scopeA, couple.CollectionNotes,
		`{"id":"local-1","couple_id":"someone-else","author_id":"mallory","client_ref":"local-1","content":"  salut  "}`)

	note := decode[couple.Note](t, record)
	if note.ID != "record-1" || record.ID != "record-1" {
		t.Fatalf("expected server-assigned id, got %q", note.ID)
	}
	if note.CoupleID != scopeA.String() || note.AuthorID != alice.String() {
		t.Fatalf("ownership not stamped: %+v", note)
	}
	if note.ClientRef != "local-1" {
		t.Fatalf("client_ref must be echoed, got %q", note.ClientRef)
	}
	if note.Content != "salut" {
		t.Fatalf("content must be trimmed, got %q", note.Content)
	}
}

func TestCreateWithRepeatedClientRefReturnsFirstRecord(t *testing.T) {
	service := newTestService(t)
	payload := json.RawMessage(`{"client_ref":"local-7","title":"Paris"}`)
	first, created, err := service.Create(context.Background(), scopeA, alice, couple.CollectionBucketItems, payload)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := service.Create(context.Background(), scopeA, alice, couple.CollectionBucketItems, payload)
	if err != nil {
		t.Fatalf("repeated create failed: %v", err)
	}
	if created {
		t.Fatalf("a repeated client_ref must not create a second record")
	}
	if second.ID != first.ID {
		t.Fatalf("expected %s, got %s", first.ID, second.ID)
	}
	items, err := service.List(context.Background(), scopeA, couple.CollectionBucketItems)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
}

func TestBucketItemsAppendAfterHighestOpenPosition(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	first := mustCreate(t, service, scopeA, couple.CollectionBucketItems, `{"title":"Rome"}`)
	mustCreate(t, service, scopeA, couple.CollectionBucketItems, `{"title":"Lisbonne"}`)
	mustCreate(t, service, scopeB, couple.CollectionBucketItems, `{"title":"Other couple","position":10}`)

	done, err := service.Update(ctx, scopeA, couple.CollectionBucketItems, first.ID, json.RawMessage(`{"is_done":true}`))
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	completed := decode[couple.BucketItem](t, done)
	if !completed.IsDone || completed.DoneAt == nil {
		t.Fatalf("completing must stamp done_at: %+v", completed)
	}

	third := decode[couple.BucketItem](t, mustCreate(t, service, scopeA, couple.CollectionBucketItems, `{"title":"Oslo"}`))
	if third.Position != 3 {
		t.Fatalf("expected position 3, got %d", third.Position)
	}

	records, err := service.List(ctx, scopeA, couple.CollectionBucketItems)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var titles []string
	for _, record := range records {
		titles = append(titles, decode[couple.BucketItem](t, record).Title)
	}
	expected := []string{"Lisbonne", "Oslo", "Rome"}
	if fmt.Sprint(titles) != fmt.Sprint(expected) {
		t.Fatalf("expected order %v, got %v", expected, titles)
	}
}

func TestUpdateValidatesResultAndScope(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	event := mustCreate(t, service, scopeA, couple.CollectionEvents,
		`{"title":"Concert","starts_at":"2026-03-01T20:00:00Z","ends_at":"2026-03-01T23:00:00Z"}`)

	_, err := service.Update(ctx, scopeA, couple.CollectionEvents, event.ID, json.RawMessage(`{"starts_at":"2026-03-02T20:00:00Z"}`))
	if !errors.Is(err, couple.ErrInvalidEntity) {
		t.Fatalf("expected invalid entity for an event ending before it starts, got %v", err)
	}

	_, err = service.Update(ctx, scopeB, couple.CollectionEvents, event.ID, json.RawMessage(`{"title":"Hijack"}`))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found across couples, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "records.update.not_found" {
		t.Fatalf("unexpected error code: %v", err)
	}

	_, err = service.Update(ctx, scopeA, couple.CollectionEvents, event.ID, json.RawMessage(`{}`))
	if !errors.Is(err, couple.ErrInvalidEntity) {
		t.Fatalf("expected an empty patch to be rejected, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	note := mustCreate(t, service, scopeA, couple.CollectionNotes, `{"content":"bye"}`)

	deleted, err := service.Delete(ctx, scopeB, couple.CollectionNotes, note.ID)
	if err != nil || deleted {
		t.Fatalf("another couple must not delete the note: deleted=%v err=%v", deleted, err)
	}
	deleted, err = service.Delete(ctx, scopeA, couple.CollectionNotes, note.ID)
	if err != nil || !deleted {
		t.Fatalf("delete failed: deleted=%v err=%v", deleted, err)
	}
	deleted, err = service.Delete(ctx, scopeA, couple.CollectionNotes, note.ID)
	if err != nil || deleted {
		t.Fatalf("second delete must be a no-op: deleted=%v err=%v", deleted, err)
	}
	if _, err := service.Get(ctx, scopeA, couple.CollectionNotes, note.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestCreateRejectsInvalidPayloads(t *testing.T) {
	service := newTestService(t)
	testCases := []struct {
		name       string
		collection couple.Collection
		payload    string
		target     error
	}{
		{name: "malformed json", collection: couple.CollectionNotes, payload: `{`, target: ErrInvalidPayload},
		{name: "blank note", collection: couple.CollectionNotes, payload: `{"content":"   "}`, target: couple.ErrInvalidEntity},
		{name: "event without start", collection: couple.CollectionEvents, payload: `{"title":"Soon"}`, target: couple.ErrInvalidEntity},
		{name: "unknown collection", collection: couple.Collection("photos"), payload: `{}`, target: couple.ErrUnknownCollection},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, _, err := service.Create(context.Background(), scopeA, alice, testCase.collection, json.RawMessage(testCase.payload))
			if !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}
}
