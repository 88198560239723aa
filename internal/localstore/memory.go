package localstore

import (
	"context"
	"sync"
)

// MemoryStore keeps values in process memory. A positive quota bounds the total stored bytes.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	quota  int
	used   int
}

// NewMemoryStore constructs an empty store; quota <= 0 disables the size limit.
func NewMemoryStore(quota int) *MemoryStore {
	return &MemoryStore{values: make(map[string]string), quota: quota}
}

// Get returns the value stored under key and whether it exists.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

// Set stores value under key, honoring the quota.
func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := len(s.values[key])
	nextUsed := s.used - previous + len(value)
	if s.quota > 0 && nextUsed > s.quota {
		return ErrQuotaExceeded
	}
	s.values[key] = value
	s.used = nextUsed
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= len(s.values[key])
	delete(s.values, key)
	return nil
}

// SetQuota changes the byte limit; existing values are kept even when they exceed it.
func (s *MemoryStore) SetQuota(quota int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota = quota
}
