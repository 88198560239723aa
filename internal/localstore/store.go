// Package localstore provides the string-keyed durable storage used by the offline sync core.
package localstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrQuotaExceeded indicates that the store refused a write because it is full.
	ErrQuotaExceeded = errors.New("localstore: quota exceeded")
	// ErrCorruptValue indicates that a stored value could not be decoded.
	ErrCorruptValue = errors.New("localstore: corrupt value")
	// ErrNoChange may be returned by an UpdateFunc to leave the stored value untouched.
	ErrNoChange = errors.New("localstore: no change")
	// ErrMissingStore indicates that a nil Store was supplied.
	ErrMissingStore = errors.New("localstore: store is required")
)

const keySeparator = "/"

// Store is the minimal durable key-value contract. Values survive process restarts for durable
// implementations; nothing more is promised.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// UpdateFunc computes the next value of a key from its current value. Returning ErrNoChange skips
// the write.
type UpdateFunc func(current string, found bool) (string, error)

// Key joins non-empty parts into a store key.
func Key(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			filtered = append(filtered, trimmed)
		}
	}
	return strings.Join(filtered, keySeparator)
}

// Atomic serializes read-modify-write cycles per key on top of any Store.
type Atomic struct {
	store Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewAtomic wraps store with per-key serialization.
func NewAtomic(store Store) (*Atomic, error) {
	if store == nil {
		return nil, ErrMissingStore
	}
	return &Atomic{store: store, locks: make(map[string]*keyLock)}, nil
}

// Get reads key without taking the key lock.
func (a *Atomic) Get(ctx context.Context, key string) (string, bool, error) {
	return a.store.Get(ctx, key)
}

// Set overwrites key while holding the key lock.
func (a *Atomic) Set(ctx context.Context, key, value string) error {
	unlock := a.lock(key)
	defer unlock()
	return a.store.Set(ctx, key, value)
}

// Delete removes key while holding the key lock.
func (a *Atomic) Delete(ctx context.Context, key string) error {
	unlock := a.lock(key)
	defer unlock()
	return a.store.Delete(ctx, key)
}

// Update runs fn against the current value of key and stores the result. No other Update, Set or
// Delete on the same key interleaves with it.
func (a *Atomic) Update(ctx context.Context, key string, fn UpdateFunc) error {
	unlock := a.lock(key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	current, found, err := a.store.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current, found)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.store.Set(ctx, key, next)
}

func (a *Atomic) lock(key string) func() {
	a.mu.Lock()
	entry, ok := a.locks[key]
	if !ok {
		entry = &keyLock{}
		a.locks[key] = entry
	}
	entry.refs++
	a.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		a.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}
