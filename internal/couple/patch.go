package couple

import (
	"fmt"
	"strings"
	"time"
)

// NotePatch carries the mutable fields of a note.
type NotePatch struct {
	Content *string `json:"content,omitempty"`
}

// Validate reports whether the patch can be applied.
func (p NotePatch) Validate() error {
	if p.Content == nil {
		return fmt.Errorf("%w: empty note patch", ErrInvalidEntity)
	}
	return ValidateNote(Note{Content: *p.Content})
}

// Apply returns a copy of note with the patch applied.
func (p NotePatch) Apply(note Note, _ time.Time) Note {
	if p.Content != nil {
		note.Content = strings.TrimSpace(*p.Content)
	}
	return note
}

// BucketItemPatch carries the mutable fields of a bucket item.
type BucketItemPatch struct {
	Title    *string `json:"title,omitempty"`
	IsDone   *bool   `json:"is_done,omitempty"`
	Position *int64  `json:"position,omitempty"`
}

// Validate reports whether the patch can be applied.
func (p BucketItemPatch) Validate() error {
	if p.Title == nil && p.IsDone == nil && p.Position == nil {
		return fmt.Errorf("%w: empty bucket item patch", ErrInvalidEntity)
	}
	if p.Title != nil {
		if err := validateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Position != nil && *p.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidEntity)
	}
	return nil
}

// Apply returns a copy of item with the patch applied. Completing an item stamps done_at with now;
// reopening it clears done_at.
func (p BucketItemPatch) Apply(item BucketItem, now time.Time) BucketItem {
	if p.Title != nil {
		item.Title = strings.TrimSpace(*p.Title)
	}
	if p.Position != nil {
		item.Position = *p.Position
	}
	if p.IsDone != nil && *p.IsDone != item.IsDone {
		item.IsDone = *p.IsDone
		if item.IsDone {
			doneAt := now.UTC()
			item.DoneAt = &doneAt
		} else {
			item.DoneAt = nil
		}
	}
	return item
}

// EventPatch carries the mutable fields of a calendar event.
type EventPatch struct {
	Title    *string    `json:"title,omitempty"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	Notes    *string    `json:"notes,omitempty"`
}

// Validate reports whether the patch can be applied.
func (p EventPatch) Validate() error {
	if p.Title == nil && p.StartsAt == nil && p.EndsAt == nil && p.Notes == nil {
		return fmt.Errorf("%w: empty event patch", ErrInvalidEntity)
	}
	if p.Title != nil {
		if err := validateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.StartsAt != nil && p.StartsAt.IsZero() {
		return fmt.Errorf("%w: event start is required", ErrInvalidEntity)
	}
	return nil
}

// Apply returns a copy of event with the patch applied.
func (p EventPatch) Apply(event Event, _ time.Time) Event {
	if p.Title != nil {
		event.Title = strings.TrimSpace(*p.Title)
	}
	if p.StartsAt != nil {
		event.StartsAt = p.StartsAt.UTC()
	}
	if p.EndsAt != nil {
		endsAt := p.EndsAt.UTC()
		event.EndsAt = &endsAt
	}
	if p.Notes != nil {
		event.Notes = strings.TrimSpace(*p.Notes)
	}
	return event
}
