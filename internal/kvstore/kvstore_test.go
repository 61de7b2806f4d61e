package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newSQLiteMemory(t *testing.T, opts ...Option) *SQLite {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLite(db, opts...)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return s
}

func adapters(t *testing.T, opts ...Option) map[string]Store {
	file, err := NewFile(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(opts...),
		"file":   file,
		"sqlite": newSQLiteMemory(t, opts...),
	}
}

func TestAdaptersRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "versions/a")
			assert.Equal(t, nil, err)
			assert.Equal(t, false, ok)

			res, err := s.Set(ctx, "versions/a", make([]byte, 2048))
			assert.Equal(t, nil, err)
			assert.Equal(t, 2.0, res.SizeKB)
			assert.Equal(t, false, res.Recovered)

			_, err = s.Set(ctx, "versions/b", []byte(`[]`))
			assert.Equal(t, nil, err)
			_, err = s.Set(ctx, "workspace/a", []byte(`{}`))
			assert.Equal(t, nil, err)

			keys, err := s.Keys(ctx, "versions/")
			assert.Equal(t, nil, err)
			assert.Equal(t, []string{"versions/a", "versions/b"}, keys)

			_, err = s.Set(ctx, "versions/b", []byte(`[1]`))
			assert.Equal(t, nil, err)
			got, ok, err := s.Get(ctx, "versions/b")
			assert.Equal(t, nil, err)
			assert.Equal(t, true, ok)
			assert.Equal(t, "[1]", string(got))

			assert.Equal(t, nil, s.Delete(ctx, "versions/a"))
			assert.Equal(t, nil, s.Delete(ctx, "versions/missing"))
			keys, err = s.Keys(ctx, "versions/")
			assert.Equal(t, nil, err)
			assert.Equal(t, []string{"versions/b"}, keys)
		})
	}
}

func TestAdaptersEnforceQuota(t *testing.T) {
	ctx := context.Background()
	for name, s := range adapters(t, WithQuota(10)) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Set(ctx, "a", []byte("123456"))
			assert.Equal(t, nil, err)

			_, err = s.Set(ctx, "b", []byte("123456"))
			assert.Equal(t, true, IsQuotaExceededError(err))
			assert.Equal(t, CodeQuotaExceeded, Code(err))

			// Overwriting an existing key only counts the new size.
			_, err = s.Set(ctx, "a", []byte("1234567890"))
			assert.Equal(t, nil, err)
		})
	}
}

func TestRecoveringPurgesAndRetriesOnce(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(WithQuota(8))
	_, err := mem.Set(ctx, "old", []byte("12345678"))
	assert.Equal(t, nil, err)

	purges := 0
	r := WithRecovery(mem, func(ctx context.Context) (int, error) {
		purges++
		return 1, mem.Delete(ctx, "old")
	}, nil)

	res, err := r.Set(ctx, "new", []byte("1234"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, res.Recovered)
	assert.Equal(t, 1, purges)

	_, err = r.Set(ctx, "huge", []byte("123456789"))
	assert.Equal(t, true, IsQuotaExceededError(err))
	assert.Equal(t, 2, purges)
}

func TestRecoveringSurfacesPurgeFailure(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(WithQuota(1))
	r := WithRecovery(mem, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	}, nil)

	_, err := r.Set(ctx, "k", []byte("too big"))
	assert.Equal(t, true, IsQuotaExceededError(err))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, CodeStorageError, Code(&StorageError{Op: "get", Err: errors.New("disk")}))
	assert.Equal(t, CodeQuotaExceeded, Code(&QuotaExceededError{Key: "k"}))
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	_, err := SetJSON(ctx, mem, "k", map[string]int{"n": 3})
	assert.Equal(t, nil, err)

	var out map[string]int
	ok, err := GetJSON(ctx, mem, "k", &out)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, 3, out["n"])

	_, _ = mem.Set(ctx, "bad", []byte("{"))
	_, err = GetJSON(ctx, mem, "bad", &out)
	assert.Equal(t, true, IsStorageError(err))
}
