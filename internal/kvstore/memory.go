package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu    sync.RWMutex
	data  map[string][]byte
	total int64
	opts  options
}

// NewMemory constructs an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		data: make(map[string][]byte),
		opts: buildOptions(opts),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) (SetResult, error) {
	if err := ctx.Err(); err != nil {
		return SetResult{}, &StorageError{Op: "set", Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.total - int64(len(m.data[key])) + int64(len(value))
	if err := checkQuota(m.opts, key, total); err != nil {
		return SetResult{}, err
	}
	m.data[key] = append([]byte(nil), value...)
	m.total = total
	return SetResult{SizeKB: sizeKB(len(value))}, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total -= int64(len(m.data[key]))
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "keys", Key: prefix, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
