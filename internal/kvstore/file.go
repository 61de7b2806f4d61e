package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileSuffix = ".kv"

// File is a Store keeping one file per key under a directory.
// Writes go through a temporary file and an atomic rename.
type File struct {
	mu   sync.Mutex
	dir  string
	opts options
}

// NewFile constructs a file-backed store rooted at dir, creating it if needed.
func NewFile(dir string, opts ...Option) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file store directory must be set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Err: fmt.Errorf("create directory %q: %w", dir, err)}
	}
	return &File{dir: dir, opts: buildOptions(opts)}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+fileSuffix)
}

func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	return data, true, nil
}

func (f *File) Set(ctx context.Context, key string, value []byte) (SetResult, error) {
	if err := ctx.Err(); err != nil {
		return SetResult{}, &StorageError{Op: "set", Key: key, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.opts.maxBytes > 0 {
		used, err := f.usage(key)
		if err != nil {
			return SetResult{}, &StorageError{Op: "set", Key: key, Err: err}
		}
		if err := checkQuota(f.opts, key, used+int64(len(value))); err != nil {
			return SetResult{}, err
		}
	}

	tmp, err := os.CreateTemp(f.dir, ".write-*")
	if err != nil {
		return SetResult{}, &StorageError{Op: "set", Key: key, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return SetResult{}, &StorageError{Op: "set", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return SetResult{}, &StorageError{Op: "set", Key: key, Err: err}
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return SetResult{}, &StorageError{Op: "set", Key: key, Err: err}
	}
	return SetResult{SizeKB: sizeKB(len(value))}, nil
}

// usage sums the sizes of all stored values except the one under skipKey.
func (f *File) usage(skipKey string) (int64, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, err
	}
	skip := filepath.Base(f.path(skipKey))
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) || e.Name() == skip {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func (f *File) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (f *File) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "keys", Key: prefix, Err: err}
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, &StorageError{Op: "keys", Key: prefix, Err: err}
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
