package state

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/tattester/forgectl/internal/canvas"
	"github.com/tattester/forgectl/internal/ids"
	"github.com/tattester/forgectl/internal/kvstore"
	"github.com/tattester/forgectl/internal/layer"
)

func newTestStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	s, err := NewStore(kvstore.NewMemory(), nil, WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestOpenSaveRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	ls, ws, err := s.Open(ctx, "s1", layer.WithIDSource(ids.Sequence("l")))
	assert.Equal(t, nil, err)
	defer ls.Close()
	assert.Equal(t, int64(0), ws.Revision)
	assert.Equal(t, canvas.Forearm, ws.Canvas.BodyPart)

	a, err := ls.Add("a.png", layer.TypeSubject)
	assert.Equal(t, nil, err)
	_, err = ls.Add("b.png", layer.TypeBackground)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, ls.Select(a.ID))

	saved, err := s.Save(ctx, ws, ls)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), saved.Revision)
	assert.Equal(t, now, saved.CreatedAt)

	reopened, ws2, err := s.Open(ctx, "s1", layer.WithIDSource(ids.Sequence("x")))
	assert.Equal(t, nil, err)
	defer reopened.Close()
	assert.Equal(t, int64(1), ws2.Revision)
	assert.Equal(t, ls.Layers(), reopened.Layers())
	assert.Equal(t, a.ID, reopened.Selected())

	assert.Equal(t, true, reopened.Undo())
	assert.Equal(t, 1, len(reopened.Layers()))
}

func TestSaveDetectsConflict(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	ls, ws, err := s.Open(ctx, "s1")
	assert.Equal(t, nil, err)
	defer ls.Close()

	_, err = s.Save(ctx, ws, ls)
	assert.Equal(t, nil, err)

	_, err = s.Save(ctx, ws, ls)
	assert.Equal(t, true, kvstore.IsConflictError(err))
}

func TestListDeleteAndGarbageCollect(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, &now)

	for _, id := range []string{"old", "new"} {
		ls, ws, err := s.Open(ctx, id)
		assert.Equal(t, nil, err)
		_, err = s.Save(ctx, ws, ls)
		assert.Equal(t, nil, err)
		ls.Close()
		now = now.Add(48 * time.Hour)
	}

	list, err := s.List(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(list))

	removed, err := s.GarbageCollect(ctx, 72*time.Hour)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(removed))
	assert.Equal(t, "old", removed[0].SessionID)

	assert.Equal(t, nil, s.Delete(ctx, "new"))
	assert.Equal(t, true, IsNotFoundError(s.Delete(ctx, "new")))

	_, _, err = s.Load(ctx, "a/b")
	assert.Equal(t, true, layer.IsValidationError(err))
}
