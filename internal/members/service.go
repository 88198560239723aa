// Package members manages couples and the scope every shared record belongs to.
package members

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNoCouple indicates that the user has not created or joined a couple.
	ErrNoCouple = errors.New("members: user has no couple")
	// ErrCoupleIncomplete indicates that the couple is still waiting for the partner.
	ErrCoupleIncomplete = errors.New("members: couple is incomplete")
	// ErrCoupleNotFound indicates that the couple to join does not exist.
	ErrCoupleNotFound = errors.New("members: couple not found")
	// ErrCoupleFull indicates that the couple already has two members.
	ErrCoupleFull = errors.New("members: couple is full")
	// ErrAlreadyMember indicates that the user belongs to another couple.
	ErrAlreadyMember = errors.New("members: user already belongs to a couple")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "members.service.new"
	opCreateCouple  = "members.create_couple"
	opJoinCouple    = "members.join_couple"
	opStatus        = "members.status"
	opResolveScope  = "members.resolve_scope"
	opListMembers   = "members.list_members"
	reasonQuery     = "query_failed"
	reasonInsert    = "insert_failed"
	reasonIDFailure = "id_generation_failed"
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

// ServiceConfig describes the dependencies of the membership service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider couple.IDProvider
	Logger     *zap.Logger
}

// Service creates couples, admits partners and resolves the scope of a user.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider couple.IDProvider
	logger     *zap.Logger
	// scopes caches complete couples per user; a complete couple never changes.
	scopes sync.Map
}

// NewService constructs the membership service.
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

// CreateCouple opens a new couple with userID as its first member.
func (s *Service) CreateCouple(ctx context.Context, userID couple.UserID) (Status, error) {
	coupleID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCouple, reasonIDFailure, err, zap.String("user_id", userID.String()))
		return Status{}, newServiceError(opCreateCouple, reasonIDFailure, err)
	}
	now := s.now().UTC()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := membershipOf(tx, userID.String())
		if err != nil {
			return newServiceError(opCreateCouple, reasonQuery, err)
		}
		if found {
			return newServiceError(opCreateCouple, "already_member", fmt.Errorf("%w: %s", ErrAlreadyMember, existing.CoupleID))
		}
		if err := tx.Create(&Couple{ID: coupleID, CreatedBy: userID.String(), CreatedAt: now}).Error; err != nil {
			return newServiceError(opCreateCouple, reasonInsert, err)
		}
		if err := tx.Create(&Membership{CoupleID: coupleID, UserID: userID.String(), JoinedAt: now}).Error; err != nil {
			return newServiceError(opCreateCouple, reasonInsert, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateCouple, "transaction_failed", txErr, zap.String("user_id", userID.String()))
		return Status{}, txErr
	}
	return Status{CoupleID: coupleID, Members: []string{userID.String()}}, nil
}

// JoinCouple admits userID as the second member of coupleID. Joining a couple the user already
// belongs to is a no-op.
func (s *Service) JoinCouple(ctx context.Context, coupleID couple.CoupleID, userID couple.UserID) (Status, error) {
	var status Status
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target Couple
		err := tx.Where("id = ?", coupleID.String()).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opJoinCouple, "couple_not_found", ErrCoupleNotFound)
		}
		if err != nil {
			return newServiceError(opJoinCouple, reasonQuery, err)
		}

		existing, found, err := membershipOf(tx, userID.String())
		if err != nil {
			return newServiceError(opJoinCouple, reasonQuery, err)
		}
		if found && existing.CoupleID != coupleID.String() {
			return newServiceError(opJoinCouple, "already_member", fmt.Errorf("%w: %s", ErrAlreadyMember, existing.CoupleID))
		}

		memberIDs, err := memberIDsOf(tx, coupleID.String())
		if err != nil {
			return newServiceError(opJoinCouple, reasonQuery, err)
		}
		if !found {
			if len(memberIDs) >= MaxMembers {
				return newServiceError(opJoinCouple, "couple_full", ErrCoupleFull)
			}
			membership := Membership{CoupleID: coupleID.String(), UserID: userID.String(), JoinedAt: s.now().UTC()}
			if err := tx.Create(&membership).Error; err != nil {
				return newServiceError(opJoinCouple, reasonInsert, err)
			}
			memberIDs = append(memberIDs, userID.String())
		}
		status = Status{CoupleID: coupleID.String(), Members: memberIDs, Complete: len(memberIDs) >= MaxMembers}
		return nil
	})
	if txErr != nil {
		s.logError(opJoinCouple, "transaction_failed", txErr,
			zap.String("user_id", userID.String()),
			zap.String("couple_id", coupleID.String()))
		return Status{}, txErr
	}
	return status, nil
}

// Status reports the couple of userID.
func (s *Service) Status(ctx context.Context, userID couple.UserID) (Status, error) {
	db := s.db.WithContext(ctx)
	membership, found, err := membershipOf(db, userID.String())
	if err != nil {
		s.logError(opStatus, reasonQuery, err, zap.String("user_id", userID.String()))
		return Status{}, newServiceError(opStatus, reasonQuery, err)
	}
	if !found {
		return Status{}, ErrNoCouple
	}
	memberIDs, err := memberIDsOf(db, membership.CoupleID)
	if err != nil {
		s.logError(opStatus, reasonQuery, err, zap.String("couple_id", membership.CoupleID))
		return Status{}, newServiceError(opStatus, reasonQuery, err)
	}
	return Status{CoupleID: membership.CoupleID, Members: memberIDs, Complete: len(memberIDs) >= MaxMembers}, nil
}

// ResolveScope returns the couple whose records userID may read and write. Shared collections are
// only available once the partner has joined.
func (s *Service) ResolveScope(ctx context.Context, userID couple.UserID) (couple.CoupleID, error) {
	if cached, ok := s.scopes.Load(userID.String()); ok {
		if coupleID, ok := cached.(couple.CoupleID); ok {
			return coupleID, nil
		}
	}
	status, err := s.Status(ctx, userID)
	if err != nil {
		return "", err
	}
	if !status.Complete {
		return "", ErrCoupleIncomplete
	}
	coupleID, err := couple.NewCoupleID(status.CoupleID)
	if err != nil {
		s.logError(opResolveScope, "invalid_couple_id", err, zap.String("user_id", userID.String()))
		return "", newServiceError(opResolveScope, "invalid_couple_id", err)
	}
	s.scopes.Store(userID.String(), coupleID)
	return coupleID, nil
}

// Members lists the user ids of coupleID in join order.
func (s *Service) Members(ctx context.Context, coupleID couple.CoupleID) ([]string, error) {
	memberIDs, err := memberIDsOf(s.db.WithContext(ctx), coupleID.String())
	if err != nil {
		s.logError(opListMembers, reasonQuery, err, zap.String("couple_id", coupleID.String()))
		return nil, newServiceError(opListMembers, reasonQuery, err)
	}
	return memberIDs, nil
}

func membershipOf(db *gorm.DB, userID string) (Membership, bool, error) {
	var membership Membership
	err := db.Where("user_id = ?", userID).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, false, nil
	}
	if err != nil {
		return Membership{}, false, err
	}
	return membership, true, nil
}

func memberIDsOf(db *gorm.DB, coupleID string) ([]string, error) {
	var memberships []Membership
	if err := db.Where("couple_id = ?", coupleID).
		Order("joined_at ASC").
		Order("user_id ASC").
		Find(&memberships).Error; err != nil {
		return nil, err
	}
	memberIDs := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		memberIDs = append(memberIDs, membership.UserID)
	}
	return memberIDs, nil
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
	s.logger.Error("members service error", attrs...)
}
