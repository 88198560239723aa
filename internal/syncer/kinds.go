package syncer

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/reconcile"
)

// Patch is the mutable part of an entity.
type Patch[T any] interface {
	Validate() error
	Apply(T, time.Time) T
}

type draftFields struct {
	placeholder string
	scope       string
	author      string
	now         time.Time
}

// kind binds an entity type to its collection rules.
type kind[T reconcile.Record] struct {
	collection couple.Collection
	policy     reconcile.Policy[T]
	validate   func(T) error
	// draft stamps ownership fields on a new entity; existing is the current view.
	draft func(entity T, fields draftFields, existing []T) T
}

func noteKind() kind[couple.Note] {
	return kind[couple.Note]{
		collection: couple.CollectionNotes,
		policy: reconcile.Policy[couple.Note]{
			WithID: func(note couple.Note, id string) couple.Note {
				note.ID = id
				return note
			},
			Less: couple.LessNotes,
		},
		validate: couple.ValidateNote,
		draft: func(note couple.Note, fields draftFields, _ []couple.Note) couple.Note {
			note.ID = fields.placeholder
			note.ClientRef = fields.placeholder
			note.CoupleID = fields.scope
			note.AuthorID = fields.author
			note.Content = strings.TrimSpace(note.Content)
			note.CreatedAt = fields.now
			return note
		},
	}
}

func bucketItemKind() kind[couple.BucketItem] {
	return kind[couple.BucketItem]{
		collection: couple.CollectionBucketItems,
		policy: reconcile.Policy[couple.BucketItem]{
			WithID: func(item couple.BucketItem, id string) couple.BucketItem {
				item.ID = id
				return item
			},
			Less: couple.LessBucketItems,
		},
		validate: couple.ValidateBucketItem,
		draft: func(item couple.BucketItem, fields draftFields, existing []couple.BucketItem) couple.BucketItem {
			item.ID = fields.placeholder
			item.ClientRef = fields.placeholder
			item.CoupleID = fields.scope
			item.AuthorID = fields.author
			item.Title = strings.TrimSpace(item.Title)
			item.IsDone = false
			item.DoneAt = nil
			item.CreatedAt = fields.now
			if item.Position <= 0 {
				item.Position = nextOpenPosition(existing)
			}
			return item
		},
	}
}

func eventKind() kind[couple.Event] {
	return kind[couple.Event]{
		collection: couple.CollectionEvents,
		policy: reconcile.Policy[couple.Event]{
			WithID: func(event couple.Event, id string) couple.Event {
				event.ID = id
				return event
			},
			Less:   couple.LessEvents,
			Active: couple.IsActiveEvent,
		},
		validate: couple.ValidateEvent,
		draft: func(event couple.Event, fields draftFields, _ []couple.Event) couple.Event {
			event.ID = fields.placeholder
			event.ClientRef = fields.placeholder
			event.CoupleID = fields.scope
			event.AuthorID = fields.author
			event.Title = strings.TrimSpace(event.Title)
			event.Notes = strings.TrimSpace(event.Notes)
			event.StartsAt = event.StartsAt.UTC()
			if event.EndsAt != nil {
				endsAt := event.EndsAt.UTC()
				event.EndsAt = &endsAt
			}
			event.CreatedAt = fields.now
			return event
		},
	}
}

func nextOpenPosition(items []couple.BucketItem) int64 {
	var highest int64
	for _, item := range items {
		if !item.IsDone && item.Position > highest {
			highest = item.Position
		}
	}
	return highest + 1
}
