package couple

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Collection enumerates the shared data sets of a couple.
type Collection string

const (
	// CollectionNotes holds love notes exchanged between partners.
	CollectionNotes Collection = "note"
	// CollectionBucketItems holds the shared bucket list.
	CollectionBucketItems Collection = "bucket_item"
	// CollectionEvents holds the shared calendar.
	CollectionEvents Collection = "event"
)

const (
	maxIdentifierLength = 190
	maxNoteLength       = 2000
	maxTitleLength      = 280
	maxEventNotesLength = 2000
)

var (
	// ErrUnknownCollection indicates that a collection name is not recognised.
	ErrUnknownCollection = errors.New("couple: unknown collection")
	// ErrInvalidCoupleID indicates that a couple identifier is empty or exceeds storage bounds.
	ErrInvalidCoupleID = errors.New("couple: invalid couple id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("couple: invalid user id")
	// ErrInvalidEntity indicates that an entity payload failed validation.
	ErrInvalidEntity = errors.New("couple: invalid entity")
)

// Collections lists every collection in a stable order.
func Collections() []Collection {
	return []Collection{CollectionNotes, CollectionBucketItems, CollectionEvents}
}

// ParseCollection validates raw input and returns a Collection.
func ParseCollection(rawInput string) (Collection, error) {
	switch Collection(strings.ToLower(strings.TrimSpace(rawInput))) {
	case CollectionNotes:
		return CollectionNotes, nil
	case CollectionBucketItems:
		return CollectionBucketItems, nil
	case CollectionEvents:
		return CollectionEvents, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, rawInput)
	}
}

// String returns the collection name.
func (c Collection) String() string {
	return string(c)
}

// CoupleID represents a validated couple identifier; it is the scope of every shared record.
type CoupleID string

// NewCoupleID validates raw input and returns a CoupleID.
func NewCoupleID(rawInput string) (CoupleID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCoupleID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCoupleID, maxIdentifierLength)
	}
	return CoupleID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CoupleID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Note is a love note left for the partner.
type Note struct {
	ID        string    `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	CoupleID  string    `json:"couple_id" gorm:"column:couple_id;size:190;not null;index:idx_love_notes_couple_created,priority:1"`
	AuthorID  string    `json:"author_id" gorm:"column:author_id;size:190;not null"`
	ClientRef string    `json:"client_ref,omitempty" gorm:"column:client_ref;size:190;not null;default:''"`
	Content   string    `json:"content" gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;not null;index:idx_love_notes_couple_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "love_notes"
}

// BucketItem is one idea on the shared bucket list.
type BucketItem struct {
	ID        string     `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	CoupleID  string     `json:"couple_id" gorm:"column:couple_id;size:190;not null;index:idx_bucket_items_couple,priority:1"`
	AuthorID  string     `json:"author_id" gorm:"column:author_id;size:190;not null"`
	ClientRef string     `json:"client_ref,omitempty" gorm:"column:client_ref;size:190;not null;default:''"`
	Title     string     `json:"title" gorm:"column:title;size:280;not null"`
	IsDone    bool       `json:"is_done" gorm:"column:is_done;not null;default:false;index:idx_bucket_items_couple,priority:2"`
	DoneAt    *time.Time `json:"done_at" gorm:"column:done_at"`
	Position  int64      `json:"position" gorm:"column:position;not null;default:0"`
	CreatedAt time.Time  `json:"created_at" gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BucketItem) TableName() string {
	return "bucket_items"
}

// Event is an entry of the shared calendar.
type Event struct {
	ID        string     `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	CoupleID  string     `json:"couple_id" gorm:"column:couple_id;size:190;not null;index:idx_couple_events_couple_start,priority:1"`
	AuthorID  string     `json:"author_id" gorm:"column:author_id;size:190;not null"`
	ClientRef string     `json:"client_ref,omitempty" gorm:"column:client_ref;size:190;not null;default:''"`
	Title     string     `json:"title" gorm:"column:title;size:280;not null"`
	StartsAt  time.Time  `json:"starts_at" gorm:"column:starts_at;not null;index:idx_couple_events_couple_start,priority:2"`
	EndsAt    *time.Time `json:"ends_at" gorm:"column:ends_at"`
	Notes     string     `json:"notes,omitempty" gorm:"column:notes;type:text;not null;default:''"`
	CreatedAt time.Time  `json:"created_at" gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "couple_events"
}

// RecordID returns the entity identifier.
func (n Note) RecordID() string { return n.ID }

// RecordScope returns the owning couple.
func (n Note) RecordScope() string { return n.CoupleID }

// RecordClientRef returns the placeholder id the entity was created under, if any.
func (n Note) RecordClientRef() string { return n.ClientRef }

// RecordID returns the entity identifier.
func (b BucketItem) RecordID() string { return b.ID }

// RecordScope returns the owning couple.
func (b BucketItem) RecordScope() string { return b.CoupleID }

// RecordClientRef returns the placeholder id the entity was created under, if any.
func (b BucketItem) RecordClientRef() string { return b.ClientRef }

// RecordID returns the entity identifier.
func (e Event) RecordID() string { return e.ID }

// RecordScope returns the owning couple.
func (e Event) RecordScope() string { return e.CoupleID }

// RecordClientRef returns the placeholder id the entity was created under, if any.
func (e Event) RecordClientRef() string { return e.ClientRef }

// ValidateNote checks the user-supplied fields of a note.
func ValidateNote(note Note) error {
	content := strings.TrimSpace(note.Content)
	if content == "" {
		return fmt.Errorf("%w: note content is empty", ErrInvalidEntity)
	}
	if len(content) > maxNoteLength {
		return fmt.Errorf("%w: note content exceeds %d characters", ErrInvalidEntity, maxNoteLength)
	}
	return nil
}

// ValidateBucketItem checks the user-supplied fields of a bucket item.
func ValidateBucketItem(item BucketItem) error {
	return validateTitle(item.Title)
}

// ValidateEvent checks the user-supplied fields of a calendar event.
func ValidateEvent(event Event) error {
	if err := validateTitle(event.Title); err != nil {
		return err
	}
	if event.StartsAt.IsZero() {
		return fmt.Errorf("%w: event start is required", ErrInvalidEntity)
	}
	if event.EndsAt != nil && event.EndsAt.Before(event.StartsAt) {
		return fmt.Errorf("%w: event ends before it starts", ErrInvalidEntity)
	}
	if len(event.Notes) > maxEventNotesLength {
		return fmt.Errorf("%w: event notes exceed %d characters", ErrInvalidEntity, maxEventNotesLength)
	}
	return nil
}

func validateTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalidEntity)
	}
	if len(trimmed) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidEntity, maxTitleLength)
	}
	return nil
}
