package layer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/tattester/forgectl/internal/ids"
)

func newTestStore(opts ...Option) *Store {
	return NewStore(append([]Option{WithIDSource(ids.Sequence("l"))}, opts...)...)
}

func zIndexes(layers []Layer) []int {
	out := make([]int, len(layers))
	for i, l := range layers {
		out[i] = l.ZIndex
	}
	return out
}

func displayIDs(s *Store) []string {
	var out []string
	for _, l := range s.Sorted() {
		out = append(out, l.ID)
	}
	return out
}

func mustAdd(t *testing.T, s *Store, url string, typ Type) Layer {
	t.Helper()
	l, err := s.Add(url, typ)
	if err != nil {
		t.Fatalf("add %s: %v", url, err)
	}
	return l
}

func TestAddAndReorderScenario(t *testing.T) {
	s := newTestStore()

	a := mustAdd(t, s, "a.png", TypeSubject)
	assert.Equal(t, 1, a.ZIndex)
	assert.Equal(t, "Subject 1", a.Name)
	assert.Equal(t, IdentityTransform(), a.Transform)
	assert.Equal(t, BlendNormal, a.BlendMode)
	assert.Equal(t, true, a.Visible)
	assert.Equal(t, a.ID, s.Selected())

	b := mustAdd(t, s, "b.png", TypeBackground)
	assert.Equal(t, 2, b.ZIndex)
	assert.Equal(t, "Background 1", b.Name)

	assert.Equal(t, nil, s.Reorder(0, 1))
	gotA, _ := s.Get(a.ID)
	gotB, _ := s.Get(b.ID)
	assert.Equal(t, true, gotB.ZIndex < gotA.ZIndex)
}

func TestAddNamesCountPerType(t *testing.T) {
	s := newTestStore()
	mustAdd(t, s, "a.png", TypeSubject)
	mustAdd(t, s, "b.png", TypeEffect)
	c := mustAdd(t, s, "c.png", TypeSubject)
	assert.Equal(t, "Subject 2", c.Name)

	_, err := s.Add("", TypeSubject)
	assert.Equal(t, true, IsValidationError(err))
	_, err = s.Add("d.png", Type("sticker"))
	assert.Equal(t, true, IsValidationError(err))
}

func TestRemoveDensifies(t *testing.T) {
	for remove := 0; remove < 4; remove++ {
		s := newTestStore()
		var added []Layer
		for _, url := range []string{"a", "b", "c", "d"} {
			added = append(added, mustAdd(t, s, url, TypeSubject))
		}
		assert.Equal(t, nil, s.Remove(added[remove].ID))
		assert.Equal(t, []int{0, 1, 2}, zIndexes(s.Sorted()))
	}
}

func TestRemoveClearsSelection(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	assert.Equal(t, nil, s.Remove(a.ID))
	assert.Equal(t, "", s.Selected())

	err := s.Remove("missing")
	assert.Equal(t, true, errors.Is(err, ErrLayerNotFound))
}

func TestReorderRoundTrip(t *testing.T) {
	s := newTestStore()
	for _, url := range []string{"a", "b", "c", "d"} {
		mustAdd(t, s, url, TypeSubject)
	}
	assert.Equal(t, nil, s.Reorder(0, 1))
	original := displayIDs(s)

	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if i == j {
				continue
			}
			assert.Equal(t, nil, s.Reorder(i, j))
			assert.Equal(t, []int{0, 1, 2, 3}, zIndexes(s.Sorted()))
			assert.Equal(t, nil, s.Reorder(j, i))
			assert.Equal(t, original, displayIDs(s))
		}
	}
}

func TestReorderValidatesIndices(t *testing.T) {
	s := newTestStore()
	mustAdd(t, s, "a", TypeSubject)
	assert.Equal(t, true, IsValidationError(s.Reorder(0, 1)))
	assert.Equal(t, true, IsValidationError(s.Reorder(-1, 0)))

	undo, _ := s.HistoryDepth()
	assert.Equal(t, nil, s.Reorder(0, 0))
	after, _ := s.HistoryDepth()
	assert.Equal(t, undo, after)
}

func TestFlipIsInvolution(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	x, y := 2.5, 0.75
	_, err := s.UpdateTransform(a.ID, TransformPatch{ScaleX: &x, ScaleY: &y})
	assert.Equal(t, nil, err)

	l, _ := s.FlipHorizontal(a.ID)
	assert.Equal(t, -2.5, l.Transform.ScaleX)
	l, _ = s.FlipHorizontal(a.ID)
	assert.Equal(t, 2.5, l.Transform.ScaleX)

	l, _ = s.FlipVertical(a.ID)
	l, _ = s.FlipVertical(a.ID)
	assert.Equal(t, 0.75, l.Transform.ScaleY)
}

func TestUpdateTransformMergesPartially(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	x, rot := 12.0, 45.0
	_, _ = s.UpdateTransform(a.ID, TransformPatch{X: &x})
	l, err := s.UpdateTransform(a.ID, TransformPatch{Rotation: &rot})
	assert.Equal(t, nil, err)
	assert.Equal(t, Transform{X: 12, ScaleX: 1, ScaleY: 1, Rotation: 45}, l.Transform)
}

func TestUpdateTransformWithoutHistory(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	before, _ := s.HistoryDepth()
	y := 5.0
	_, err := s.UpdateTransform(a.ID, TransformPatch{Y: &y}, WithoutHistory())
	assert.Equal(t, nil, err)
	after, _ := s.HistoryDepth()
	assert.Equal(t, before, after)
}

func TestFieldUpdates(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)

	l, _ := s.ToggleVisibility(a.ID)
	assert.Equal(t, false, l.Visible)
	l, _ = s.Rename(a.ID, "Koi")
	assert.Equal(t, "Koi", l.Name)
	l, _ = s.UpdateBlendMode(a.ID, BlendMultiply)
	assert.Equal(t, BlendMultiply, l.BlendMode)
	l, _ = s.UpdateImage(a.ID, "b.png")
	assert.Equal(t, "b.png", l.ImageURL)
	assert.Equal(t, a.ZIndex, l.ZIndex)

	_, err := s.UpdateBlendMode(a.ID, BlendMode("dodge"))
	assert.Equal(t, true, IsValidationError(err))
	_, err = s.Rename("missing", "x")
	assert.Equal(t, true, errors.Is(err, ErrLayerNotFound))
}

func TestUnknownIDLeavesHistoryUntouched(t *testing.T) {
	s := newTestStore()
	mustAdd(t, s, "a", TypeSubject)
	before, _ := s.HistoryDepth()
	_, _ = s.ToggleVisibility("nope")
	_, ok := s.Duplicate("nope")
	assert.Equal(t, false, ok)
	after, _ := s.HistoryDepth()
	assert.Equal(t, before, after)
}

func TestMoveToFrontAndBackStayDense(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	b := mustAdd(t, s, "b", TypeSubject)
	c := mustAdd(t, s, "c", TypeSubject)

	assert.Equal(t, nil, s.MoveToFront(a.ID))
	assert.Equal(t, []string{b.ID, c.ID, a.ID}, displayIDs(s))
	assert.Equal(t, []int{0, 1, 2}, zIndexes(s.Sorted()))

	assert.Equal(t, nil, s.MoveToBack(c.ID))
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, displayIDs(s))
	assert.Equal(t, []int{0, 1, 2}, zIndexes(s.Sorted()))

	assert.Equal(t, true, errors.Is(s.MoveToFront("missing"), ErrLayerNotFound))
}

func TestDuplicate(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeEffect)
	mustAdd(t, s, "b", TypeSubject)

	dup, ok := s.Duplicate(a.ID)
	assert.Equal(t, true, ok)
	assert.NotEqual(t, a.ID, dup.ID)
	assert.Equal(t, "Effect 1 Copy", dup.Name)
	assert.Equal(t, 3, dup.ZIndex)
	assert.Equal(t, a.ImageURL, dup.ImageURL)
	assert.Equal(t, dup.ID, s.Selected())
}

func TestUndoRedoExactSnapshots(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	mustAdd(t, s, "b", TypeSubject)
	before := s.Snapshot()

	_, _ = s.Rename(a.ID, "renamed")
	after := s.Snapshot()

	assert.Equal(t, true, s.Undo())
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, true, s.Redo())
	assert.Equal(t, after, s.Snapshot())

	assert.Equal(t, false, s.Redo())
}

func TestUndoOnEmptyIsNoOp(t *testing.T) {
	s := newTestStore()
	assert.Equal(t, false, s.Undo())
	assert.Equal(t, false, s.CanUndo())
	assert.Equal(t, 0, len(s.Layers()))
}

func TestHistoryLimit(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 60; i++ {
		mustAdd(t, s, "img", TypeSubject)
	}
	undo, redo := s.HistoryDepth()
	assert.Equal(t, 50, undo)
	assert.Equal(t, 0, redo)

	for s.Undo() {
	}
	assert.Equal(t, 10, len(s.Layers()))
	_, redo = s.HistoryDepth()
	assert.Equal(t, 50, redo)
}

func TestClearAndReplaceResetHistory(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	s.Clear()
	assert.Equal(t, 0, len(s.Layers()))
	assert.Equal(t, false, s.CanUndo())

	s.Replace([]Layer{a})
	assert.Equal(t, []Layer{a}, s.Layers())
	assert.Equal(t, false, s.CanUndo())
	assert.Equal(t, "", s.Selected())
}

func TestSelect(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	mustAdd(t, s, "b", TypeSubject)
	before, _ := s.HistoryDepth()

	assert.Equal(t, nil, s.Select(a.ID))
	assert.Equal(t, a.ID, s.Selected())
	assert.Equal(t, true, errors.Is(s.Select("missing"), ErrLayerNotFound))
	assert.Equal(t, nil, s.Select(""))

	after, _ := s.HistoryDepth()
	assert.Equal(t, before, after)
}

func TestRestore(t *testing.T) {
	s := newTestStore()
	a := mustAdd(t, s, "a", TypeSubject)
	_, _ = s.Rename(a.ID, "x")

	restored := newTestStore()
	restored.Restore(s.Snapshot(), s.History())
	assert.Equal(t, s.Snapshot(), restored.Snapshot())
	assert.Equal(t, true, restored.Undo())
	l, _ := restored.Get(a.ID)
	assert.Equal(t, "Subject 1", l.Name)
}

type gatedThumbnailer struct {
	mu      sync.Mutex
	release chan struct{}
	calls   []string
	fail    bool
}

func (g *gatedThumbnailer) Thumbnail(ctx context.Context, url string, size int) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, url)
	g.mu.Unlock()
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.fail {
		return "", errors.New("decode failed")
	}
	return "thumb:" + url, nil
}

func TestThumbnailDoesNotTouchHistory(t *testing.T) {
	th := &gatedThumbnailer{}
	s := newTestStore(WithThumbnailer(th, 64))
	a := mustAdd(t, s, "a.png", TypeSubject)
	s.Wait()

	l, _ := s.Get(a.ID)
	assert.Equal(t, "thumb:a.png", l.Thumbnail)
	undo, _ := s.HistoryDepth()
	assert.Equal(t, 1, undo)
}

func TestThumbnailNeverClobbersStructuralChanges(t *testing.T) {
	th := &gatedThumbnailer{release: make(chan struct{})}
	s := newTestStore(WithThumbnailer(th, 64))
	a := mustAdd(t, s, "a.png", TypeSubject)

	x := 40.0
	_, _ = s.UpdateTransform(a.ID, TransformPatch{X: &x})
	_, _ = s.Rename(a.ID, "moved")
	close(th.release)
	s.Wait()

	l, _ := s.Get(a.ID)
	assert.Equal(t, 40.0, l.Transform.X)
	assert.Equal(t, "moved", l.Name)
	assert.Equal(t, "thumb:a.png", l.Thumbnail)
}

func TestStaleThumbnailIsDropped(t *testing.T) {
	th := &gatedThumbnailer{release: make(chan struct{})}
	s := newTestStore(WithThumbnailer(th, 64))
	a := mustAdd(t, s, "a.png", TypeSubject)
	b := mustAdd(t, s, "b.png", TypeSubject)

	_, _ = s.UpdateImage(a.ID, "c.png")
	assert.Equal(t, nil, s.Remove(b.ID))
	close(th.release)
	s.Wait()

	l, _ := s.Get(a.ID)
	assert.Equal(t, "thumb:c.png", l.Thumbnail)
	assert.Equal(t, 1, len(s.Layers()))
}

func TestThumbnailFailureLeavesFieldUnset(t *testing.T) {
	th := &gatedThumbnailer{fail: true}
	s := newTestStore(WithThumbnailer(th, 64))
	a := mustAdd(t, s, "a.png", TypeSubject)
	s.Wait()

	l, _ := s.Get(a.ID)
	assert.Equal(t, "", l.Thumbnail)
}

func TestCloseMakesCompletionsNoOps(t *testing.T) {
	th := &gatedThumbnailer{release: make(chan struct{})}
	s := newTestStore(WithThumbnailer(th, 64))
	a := mustAdd(t, s, "a.png", TypeSubject)
	s.Close()
	close(th.release)
	s.Wait()

	l, _ := s.Get(a.ID)
	assert.Equal(t, "", l.Thumbnail)
	assert.Equal(t, false, s.applyThumbnail(a.ID, "a.png", "late"))
}

type recordingObserver struct {
	ops []string
}

func (r *recordingObserver) LayerMutation(op string, _, _ int) { r.ops = append(r.ops, op) }

func TestObserverSeesMutations(t *testing.T) {
	obs := &recordingObserver{}
	s := newTestStore(WithObserver(obs))
	a := mustAdd(t, s, "a", TypeSubject)
	_, _ = s.FlipHorizontal(a.ID)
	s.Undo()
	assert.Equal(t, []string{"add", "flip_horizontal", "undo"}, obs.ops)
}
