// Package remote speaks to the couple data service: per-collection CRUD, a realtime change feed and
// the push trigger.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
)

var (
	// ErrUnavailable marks connectivity failures. Writes failing with it are retried later.
	ErrUnavailable = errors.New("remote: service unavailable")
	// ErrRejected marks permanent failures: validation, permission or a missing entity.
	ErrRejected = errors.New("remote: request rejected")
	// ErrServer marks transient failures reported by the service itself.
	ErrServer = errors.New("remote: server error")
	// ErrProtocol marks a response that could not be understood.
	ErrProtocol = errors.New("remote: protocol error")
)

// Op names a change applied to a collection.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent announces one write on a watched collection. Delivery is at least once and unordered
// across collections.
type ChangeEvent struct {
	Op         Op                `json:"op"`
	Collection couple.Collection `json:"collection"`
	Row        json.RawMessage   `json:"row"`
}

// Notification is a push message delivered to the partner after a write.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Message is the envelope of every frame sent on the realtime feed.
type Message struct {
	Type         string            `json:"type"`
	Op           Op                `json:"op,omitempty"`
	Collection   couple.Collection `json:"collection,omitempty"`
	Row          json.RawMessage   `json:"row,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
}

const (
	// MessageChange carries a ChangeEvent.
	MessageChange = "change"
	// MessageNotification carries a Notification about a record of Collection.
	MessageNotification = "notification"
	// MessageSubscribed acknowledges a subscribe command; changes after it are delivered.
	MessageSubscribed = "subscribed"
)

// Command is sent by a realtime client to choose its collections.
type Command struct {
	Action     string            `json:"action"`
	Collection couple.Collection `json:"collection"`
}

const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// NotifyRequest asks the service to tell the partner about a freshly written record.
type NotifyRequest struct {
	Collection couple.Collection `json:"collection"`
	ID         string            `json:"id"`
}

// Membership describes the caller and its couple as reported by the service.
type Membership struct {
	UserID   string   `json:"user_id"`
	CoupleID string   `json:"couple_id"`
	Members  []string `json:"members"`
	Complete bool     `json:"complete"`
}

// Service is the contract the sync core consumes. Rows travel as raw JSON so one implementation
// serves every collection.
type Service interface {
	Insert(ctx context.Context, collection couple.Collection, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, collection couple.Collection, id string, patch json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, collection couple.Collection, id string) error
	Query(ctx context.Context, collection couple.Collection) ([]json.RawMessage, error)
	// Subscribe streams change events until ctx ends or the feed drops; the channel is closed then.
	Subscribe(ctx context.Context, collection couple.Collection) (<-chan ChangeEvent, error)
	Notify(ctx context.Context, collection couple.Collection, id string) error
	Ping(ctx context.Context) error
}

// IsPermanent reports whether err will fail again on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrProtocol)
}

// IsConnectivity reports whether err means the service could not be reached.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
