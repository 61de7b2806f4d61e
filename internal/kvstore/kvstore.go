// Package kvstore defines the key-value persistence port used by forgectl and its
// in-memory, file-backed and SQLite adapters.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Store is a minimal key-value persistence port.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) (SetResult, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// SetResult describes a successful write.
type SetResult struct {
	// SizeKB is the size of the written value in kilobytes, rounded to two decimals.
	SizeKB float64 `json:"sizeKB"`
	// Recovered is true when the write only succeeded after a purge.
	Recovered bool `json:"recovered,omitempty"`
}

const (
	// CodeQuotaExceeded is reported when a write would exceed the store quota.
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	// CodeStorageError is reported for any other persistence failure.
	CodeStorageError = "STORAGE_ERROR"
)

// QuotaExceededError indicates that a write was rejected because the store is full.
type QuotaExceededError struct {
	// Key is the key that was being written.
	Key string
	// Need is the total number of bytes the store would hold after the write.
	Need int64
	// Limit is the configured quota in bytes.
	Limit int64
}

func (e *QuotaExceededError) Error() string {
	if e == nil {
		return "storage quota exceeded"
	}
	return fmt.Sprintf("storage quota exceeded writing %q: need %d bytes, limit %d", e.Key, e.Need, e.Limit)
}

// IsQuotaExceededError reports whether err indicates an exceeded storage quota.
func IsQuotaExceededError(err error) bool {
	var target *QuotaExceededError
	return errors.As(err, &target)
}

// StorageError wraps a backend failure for a single operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is a backend storage failure.
func IsStorageError(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// ConflictError reports that a record changed since the caller last read it.
type ConflictError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s was modified concurrently: expected revision %d, found %d", e.Key, e.Expected, e.Actual)
}

// IsConflictError reports whether err is a ConflictError.
func IsConflictError(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// Code maps err to its failure code, or "" when err is nil.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsQuotaExceededError(err):
		return CodeQuotaExceeded
	default:
		return CodeStorageError
	}
}

// GetJSON decodes the JSON value stored under key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, &StorageError{Op: "decode", Key: key, Err: err}
	}
	return true, nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) (SetResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return SetResult{}, &StorageError{Op: "encode", Key: key, Err: err}
	}
	return s.Set(ctx, key, raw)
}

func sizeKB(n int) float64 {
	return math.Round(float64(n)/1024*100) / 100
}

type options struct {
	maxBytes int64
}

// Option configures an adapter.
type Option func(*options)

// WithQuota limits the total bytes an adapter will hold. Zero disables the limit.
func WithQuota(maxBytes int64) Option {
	return func(o *options) { o.maxBytes = maxBytes }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func checkQuota(o options, key string, total int64) error {
	if o.maxBytes > 0 && total > o.maxBytes {
		return &QuotaExceededError{Key: key, Need: total, Limit: o.maxBytes}
	}
	return nil
}
