// Package kvstore is the persistent key-value boundary the orchestration core
// saves its state through. No transactions are assumed; last write wins.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store reads and writes opaque values by key.
type Store interface {
	// Get returns the values for the requested keys. Missing keys are
	// simply absent from the result.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes every entry. Partial writes are tolerated by callers.
	Set(ctx context.Context, entries map[string][]byte) error
}

// GetJSON loads key into out. Returns false if the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	vals, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := vals[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, map[string][]byte{key: raw})
}
