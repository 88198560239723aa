// Package records stores the shared collections of every couple on the data service.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that no record with the id exists in the caller's couple.
	ErrNotFound = errors.New("records: record not found")
	// ErrInvalidPayload indicates a request body that is not a valid entity or patch.
	ErrInvalidPayload = errors.New("records: invalid payload")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "records.service.new"
	opList       = "records.list"
	opGet        = "records.get"
	opCreate     = "records.create"
	opUpdate     = "records.update"
	opDelete     = "records.delete"

	reasonQuery      = "query_failed"
	reasonInvalid    = "invalid_payload"
	reasonNotFound   = "not_found"
	reasonPersist    = "persist_failed"
	reasonCollection = "unknown_collection"
)

// ServiceError carries a stable code of the form operation.reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Record is one stored row as sent to clients.
type Record struct {
	Collection couple.Collection
	ID         string
	Row        json.RawMessage
}

// ServiceConfig describes the dependencies of the records service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider couple.IDProvider
	Logger     *zap.Logger
}

// Service validates and persists notes, bucket items and events. Every call is confined to one
// couple; records of other couples behave as missing.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider couple.IDProvider
	logger     *zap.Logger
}

// NewService constructs the records service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// List returns every record of collection in display order.
func (s *Service) List(ctx context.Context, scope couple.CoupleID, collection couple.Collection) ([]Record, error) {
	switch collection {
	case couple.CollectionNotes:
		return list(ctx, s, scope, noteTable())
	case couple.CollectionBucketItems:
		return list(ctx, s, scope, bucketItemTable())
	case couple.CollectionEvents:
		return list(ctx, s, scope, eventTable())
	default:
		return nil, newServiceError(opList, reasonCollection, fmt.Errorf("%w: %q", couple.ErrUnknownCollection, collection))
	}
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, scope couple.CoupleID, collection couple.Collection, id string) (Record, error) {
	switch collection {
	case couple.CollectionNotes:
		return get(ctx, s, scope, noteTable(), id)
	case couple.CollectionBucketItems:
		return get(ctx, s, scope, bucketItemTable(), id)
	case couple.CollectionEvents:
		return get(ctx, s, scope, eventTable(), id)
	default:
		return Record{}, newServiceError(opGet, reasonCollection, fmt.Errorf("%w: %q", couple.ErrUnknownCollection, collection))
	}
}

// Create stores a new record written by author. The id is assigned here; a repeated request with
// the same client_ref returns the record created the first time and created=false.
func (s *Service) Create(ctx context.Context, scope couple.CoupleID, author couple.UserID, collection couple.Collection, payload json.RawMessage) (Record, bool, error) {
	switch collection {
	case couple.CollectionNotes:
		return create(ctx, s, scope, author, noteTable(), payload)
	case couple.CollectionBucketItems:
		return create(ctx, s, scope, author, bucketItemTable(), payload)
	case couple.CollectionEvents:
		return create(ctx, s, scope, author, eventTable(), payload)
	default:
		return Record{}, false, newServiceError(opCreate, reasonCollection, fmt.Errorf("%w: %q", couple.ErrUnknownCollection, collection))
	}
}

// Update applies a partial patch to one record.
func (s *Service) Update(ctx context.Context, scope couple.CoupleID, collection couple.Collection, id string, patch json.RawMessage) (Record, error) {
	switch collection {
	case couple.CollectionNotes:
		return update[couple.Note, couple.NotePatch](ctx, s, scope, noteTable(), id, patch)
	case couple.CollectionBucketItems:
		return update[couple.BucketItem, couple.BucketItemPatch](ctx, s, scope, bucketItemTable(), id, patch)
	case couple.CollectionEvents:
		return update[couple.Event, couple.EventPatch](ctx, s, scope, eventTable(), id, patch)
	default:
		return Record{}, newServiceError(opUpdate, reasonCollection, fmt.Errorf("%w: %q", couple.ErrUnknownCollection, collection))
	}
}

// Delete removes one record. Deleting a missing record succeeds with deleted=false.
func (s *Service) Delete(ctx context.Context, scope couple.CoupleID, collection couple.Collection, id string) (bool, error) {
	var model any
	switch collection {
	case couple.CollectionNotes:
		model = &couple.Note{}
	case couple.CollectionBucketItems:
		model = &couple.BucketItem{}
	case couple.CollectionEvents:
		model = &couple.Event{}
	default:
		return false, newServiceError(opDelete, reasonCollection, fmt.Errorf("%w: %q", couple.ErrUnknownCollection, collection))
	}
	result := s.db.WithContext(ctx).
		Where("id = ? AND couple_id = ?", id, scope.String()).
		Delete(model)
	if result.Error != nil {
		s.logError(opDelete, reasonPersist, result.Error,
			zap.String("collection", collection.String()),
			zap.String("record_id", id))
		return false, newServiceError(opDelete, reasonPersist, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ownership carries the fields the service stamps on every new record.
type ownership struct {
	id     string
	scope  string
	author string
	now    time.Time
}

type table[T any] struct {
	collection couple.Collection
	validate   func(T) error
	// prepare stamps ownership and server-computed fields on a decoded entity.
	prepare   func(tx *gorm.DB, entity *T, owner ownership) error
	clientRef func(T) string
	id        func(T) string
	less      func(a, b T) bool
}

func noteTable() table[couple.Note] {
	return table[couple.Note]{
		collection: couple.CollectionNotes,
		validate:   couple.ValidateNote,
		prepare: func(_ *gorm.DB, note *couple.Note, owner ownership) error {
			note.ID = owner.id
			note.CoupleID = owner.scope
			note.AuthorID = owner.author
			note.Content = strings.TrimSpace(note.Content)
			note.CreatedAt = owner.now
			return nil
		},
		clientRef: func(note couple.Note) string { return note.ClientRef },
		id:        func(note couple.Note) string { return note.ID },
		less:      couple.LessNotes,
	}
}

func bucketItemTable() table[couple.BucketItem] {
	return table[couple.BucketItem]{
		collection: couple.CollectionBucketItems,
		validate:   couple.ValidateBucketItem,
		prepare: func(tx *gorm.DB, item *couple.BucketItem, owner ownership) error {
			item.ID = owner.id
			item.CoupleID = owner.scope
			item.AuthorID = owner.author
			item.Title = strings.TrimSpace(item.Title)
			item.IsDone = false
			item.DoneAt = nil
			item.CreatedAt = owner.now
			if item.Position > 0 {
				return nil
			}
			var highest int64
			if err := tx.Model(&couple.BucketItem{}).
				Where("couple_id = ? AND is_done = ?", owner.scope, false).
				Select("COALESCE(MAX(position), 0)").
				Scan(&highest).Error; err != nil {
				return err
			}
			item.Position = highest + 1
			return nil
		},
		clientRef: func(item couple.BucketItem) string { return item.ClientRef },
		id:        func(item couple.BucketItem) string { return item.ID },
		less:      couple.LessBucketItems,
	}
}

func eventTable() table[couple.Event] {
	return table[couple.Event]{
		collection: couple.CollectionEvents,
		validate:   couple.ValidateEvent,
		prepare: func(_ *gorm.DB, event *couple.Event, owner ownership) error {
			event.ID = owner.id
			event.CoupleID = owner.scope
			event.AuthorID = owner.author
			event.Title = strings.TrimSpace(event.Title)
			event.Notes = strings.TrimSpace(event.Notes)
			event.StartsAt = event.StartsAt.UTC()
			if event.EndsAt != nil {
				endsAt := event.EndsAt.UTC()
				event.EndsAt = &endsAt
			}
			event.CreatedAt = owner.now
			return nil
		},
		clientRef: func(event couple.Event) string { return event.ClientRef },
		id:        func(event couple.Event) string { return event.ID },
		less:      couple.LessEvents,
	}
}

func list[T any](ctx context.Context, s *Service, scope couple.CoupleID, definition table[T]) ([]Record, error) {
	var rows []T
	if err := s.db.WithContext(ctx).Where("couple_id = ?", scope.String()).Find(&rows).Error; err != nil {
		s.logError(opList, reasonQuery, err,
			zap.String("collection", definition.collection.String()),
			zap.String("couple_id", scope.String()))
		return nil, newServiceError(opList, reasonQuery, err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return definition.less(rows[i], rows[j])
	})
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := encode(definition, row)
		if err != nil {
			return nil, newServiceError(opList, "encode_failed", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func get[T any](ctx context.Context, s *Service, scope couple.CoupleID, definition table[T], id string) (Record, error) {
	row, err := load[T](s.db.WithContext(ctx), scope, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQuery, err, zap.String("record_id", id))
		return Record{}, newServiceError(opGet, reasonQuery, err)
	}
	return encode(definition, row)
}

func create[T any](ctx context.Context, s *Service, scope couple.CoupleID, author couple.UserID, definition table[T], payload json.RawMessage) (Record, bool, error) {
	var entity T
	if err := json.Unmarshal(payload, &entity); err != nil {
		return Record{}, false, newServiceError(opCreate, reasonInvalid, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if err := definition.validate(entity); err != nil {
		return Record{}, false, newServiceError(opCreate, reasonInvalid, err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Record{}, false, newServiceError(opCreate, "id_generation_failed", err)
	}

	created := true
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ref := strings.TrimSpace(definition.clientRef(entity)); ref != "" {
			var existing T
			err := tx.Where("couple_id = ? AND client_ref = ?", scope.String(), ref).Take(&existing).Error
			if err == nil {
				entity = existing
				created = false
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opCreate, reasonQuery, err)
			}
		}
		owner := ownership{id: id, scope: scope.String(), author: author.String(), now: s.now().UTC()}
		if err := definition.prepare(tx, &entity, owner); err != nil {
			return newServiceError(opCreate, reasonQuery, err)
		}
		if err := tx.Create(&entity).Error; err != nil {
			return newServiceError(opCreate, reasonPersist, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, "transaction_failed", txErr,
			zap.String("collection", definition.collection.String()),
			zap.String("couple_id", scope.String()))
		return Record{}, false, txErr
	}
	record, err := encode(definition, entity)
	if err != nil {
		return Record{}, false, newServiceError(opCreate, "encode_failed", err)
	}
	return record, created, nil
}

type patch[T any] interface {
	Validate() error
	Apply(T, time.Time) T
}

func update[T any, P patch[T]](ctx context.Context, s *Service, scope couple.CoupleID, definition table[T], id string, raw json.RawMessage) (Record, error) {
	var changes P
	if err := json.Unmarshal(raw, &changes); err != nil {
		return Record{}, newServiceError(opUpdate, reasonInvalid, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if err := changes.Validate(); err != nil {
		return Record{}, newServiceError(opUpdate, reasonInvalid, err)
	}

	var updated T
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := load[T](tx, scope, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdate, reasonNotFound, ErrNotFound)
		}
		if err != nil {
			return newServiceError(opUpdate, reasonQuery, err)
		}
		updated = changes.Apply(current, s.now())
		if err := definition.validate(updated); err != nil {
			return newServiceError(opUpdate, reasonInvalid, err)
		}
		if err := tx.Save(&updated).Error; err != nil {
			return newServiceError(opUpdate, reasonPersist, err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFound) && !errors.Is(txErr, couple.ErrInvalidEntity) {
			s.logError(opUpdate, "transaction_failed", txErr,
				zap.String("collection", definition.collection.String()),
				zap.String("record_id", id))
		}
		return Record{}, txErr
	}
	record, err := encode(definition, updated)
	if err != nil {
		return Record{}, newServiceError(opUpdate, "encode_failed", err)
	}
	return record, nil
}

func load[T any](db *gorm.DB, scope couple.CoupleID, id string) (T, error) {
	var row T
	err := db.Where("id = ? AND couple_id = ?", id, scope.String()).Take(&row).Error
	return row, err
}

func encode[T any](definition table[T], row T) (Record, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Record{}, err
	}
	return Record{Collection: definition.collection, ID: definition.id(row), Row: raw}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records service error", attrs...)
}
