package version

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/tattester/forgectl/internal/ids"
	"github.com/tattester/forgectl/internal/kvstore"
	"github.com/tattester/forgectl/internal/layer"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type countingObserver struct {
	ops []string
}

func (o *countingObserver) VersionsChanged(op string, _ int) { o.ops = append(o.ops, op) }

func newTestRepo(t *testing.T, opts ...Option) (*Repository, *fakeClock, kvstore.Store) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemory()
	base := []Option{WithClock(clock.now), WithIDSource(ids.Sequence("v"))}
	repo, err := NewRepository(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo, clock, store
}

func twoLayers(prefix string) []layer.Layer {
	return []layer.Layer{
		{ID: prefix + "-0", Name: prefix + " zero", Type: layer.TypeSubject, ImageURL: prefix + "0.png", Transform: layer.IdentityTransform(), BlendMode: layer.BlendNormal, Visible: true, ZIndex: 0},
		{ID: prefix + "-1", Name: prefix + " one", Type: layer.TypeBackground, ImageURL: prefix + "1.png", Transform: layer.IdentityTransform(), BlendMode: layer.BlendMultiply, Visible: true, ZIndex: 1},
	}
}

func TestAddAssignsNumbersAndEvicts(t *testing.T) {
	ctx := context.Background()
	repo, clock, _ := newTestRepo(t)

	for i := 1; i <= 51; i++ {
		v, err := repo.Add(ctx, "s1", Draft{Prompt: fmt.Sprintf("prompt %d", i)})
		assert.Equal(t, nil, err)
		assert.Equal(t, i, v.VersionNumber)
		clock.advance(time.Second)
	}

	versions, err := repo.List(ctx, "s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 50, len(versions))
	for _, v := range versions {
		assert.NotEqual(t, "prompt 1", v.Prompt)
	}
	assert.Equal(t, "prompt 2", versions[0].Prompt)
	assert.Equal(t, 2, versions[0].VersionNumber)
	assert.Equal(t, 51, versions[49].VersionNumber)

	v, err := repo.Add(ctx, "s1", Draft{Prompt: "prompt 52"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 52, v.VersionNumber)
	versions, err = repo.List(ctx, "s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, versions[0].VersionNumber)
	assert.Equal(t, 51, versions[48].VersionNumber)
}

func TestAddAfterDeleteKeepsNumbersUnique(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	v1, _ := repo.Add(ctx, "s1", Draft{Prompt: "a"})
	_, _ = repo.Add(ctx, "s1", Draft{Prompt: "b"})
	remaining, err := repo.Delete(ctx, "s1", v1.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(remaining))
	assert.Equal(t, 2, remaining[0].VersionNumber)

	v3, err := repo.Add(ctx, "s1", Draft{Prompt: "c"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, v3.VersionNumber)
}

func TestAddStoresDeepCopy(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	layers := twoLayers("a")
	chips := []string{"bold"}
	v, err := repo.Add(ctx, "s1", Draft{Layers: layers, Parameters: Parameters{VibeChips: chips}})
	assert.Equal(t, nil, err)

	layers[0].Name = "mutated"
	chips[0] = "mutated"

	got, ok, err := repo.Get(ctx, "s1", v.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "a zero", got.Layers[0].Name)
	assert.Equal(t, []string{"bold"}, got.Parameters.VibeChips)
}

func TestToggleFavoriteAndClear(t *testing.T) {
	ctx := context.Background()
	obs := &countingObserver{}
	repo, _, _ := newTestRepo(t, WithObserver(obs))

	v, _ := repo.Add(ctx, "s1", Draft{Prompt: "a"})
	fav, ok, err := repo.ToggleFavorite(ctx, "s1", v.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, fav.IsFavorite)

	_, ok, err = repo.ToggleFavorite(ctx, "s1", "missing")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	assert.Equal(t, nil, repo.Clear(ctx, "s1"))
	versions, err := repo.List(ctx, "s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(versions))
	assert.Equal(t, []string{"add", "favorite", "clear"}, obs.ops)
}

func TestBranchIsIndependent(t *testing.T) {
	ctx := context.Background()
	repo, clock, _ := newTestRepo(t)

	src, _ := repo.Add(ctx, "s1", Draft{Prompt: "dragon", Layers: twoLayers("a")})
	_, _ = repo.Add(ctx, "s1", Draft{Prompt: "dragon v2"})

	branch, ok, err := repo.Branch(ctx, "s1", src.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, fmt.Sprintf("s1_branch_%d", clock.t.UnixMilli()), branch.SessionID)
	assert.Equal(t, 1, branch.Version.VersionNumber)
	assert.Equal(t, "dragon", branch.Version.Prompt)
	assert.Equal(t, &BranchRef{SessionID: "s1", VersionID: src.ID, VersionNumber: 1}, branch.Version.BranchedFrom)

	_, err = repo.Add(ctx, branch.SessionID, Draft{Prompt: "branch only"})
	assert.Equal(t, nil, err)
	_, err = repo.Delete(ctx, branch.SessionID, branch.Version.ID)
	assert.Equal(t, nil, err)

	original, ok, err := repo.Get(ctx, "s1", src.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, src, original)
	versions, _ := repo.List(ctx, "s1")
	assert.Equal(t, 2, len(versions))

	again, ok, err := repo.Branch(ctx, "s1", src.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.NotEqual(t, branch.SessionID, again.SessionID)

	_, ok, err = repo.Branch(ctx, "s1", "missing")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	repo, clock, _ := newTestRepo(t)

	a, _ := repo.Add(ctx, "s1", Draft{Prompt: "a", Parameters: Parameters{AIModel: "flux"}, Layers: twoLayers("a")})
	clock.advance(1500 * time.Millisecond)
	b, _ := repo.Add(ctx, "s1", Draft{Prompt: "b", Parameters: Parameters{AIModel: "flux"}, Layers: twoLayers("b")[:1]})

	same, ok, err := repo.Compare(ctx, "s1", a.ID, a.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, 100, same.SimilarityScore)
	assert.Equal(t, Differences{}, same.Differences)
	assert.Equal(t, int64(0), same.TimeDifference)

	diff, ok, err := repo.Compare(ctx, "s1", a.ID, b.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, Differences{Prompt: true, LayerCount: true}, diff.Differences)
	assert.Equal(t, 60, diff.SimilarityScore)
	assert.Equal(t, int64(1500), diff.TimeDifference)

	_, ok, err = repo.Compare(ctx, "s1", a.ID, "missing")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)
}

func TestMergeSelectsLayersByIndex(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	v1, _ := repo.Add(ctx, "s1", Draft{Prompt: "first", Parameters: Parameters{Size: "1024x1024"}, Layers: twoLayers("a"), ImageURL: "flat1.png"})
	v2, _ := repo.Add(ctx, "s1", Draft{Prompt: "second", Layers: twoLayers("b")})

	opts := MergeOptions{LayersFromVersion1: []int{0}, LayersFromVersion2: []int{1}}
	merged, ok, err := repo.Merge(ctx, "s1", v1.ID, v2.ID, opts)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, 2, len(merged.Layers))
	assert.Equal(t, v1.Layers[0], merged.Layers[0])
	assert.Equal(t, v2.Layers[1], merged.Layers[1])
	assert.Equal(t, "first", merged.Prompt)
	assert.Equal(t, "1024x1024", merged.Parameters.Size)
	assert.Equal(t, "", merged.ImageURL)
	assert.Equal(t, 3, merged.VersionNumber)
	assert.Equal(t, v1.ID, merged.MergedFrom.Version1)
	assert.Equal(t, v2.ID, merged.MergedFrom.Version2)
	assert.Equal(t, []int{1}, merged.MergedFrom.MergeOptions.LayersFromVersion2)
}

func TestMergeDensifiesAndOverrides(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	v1, _ := repo.Add(ctx, "s1", Draft{Prompt: "first", Layers: twoLayers("a")})
	merged, ok, err := repo.Merge(ctx, "s1", v1.ID, v1.ID, MergeOptions{
		LayersFromVersion1: []int{1, 0},
		LayersFromVersion2: []int{1},
		Prompt:             ptr("override"),
		Parameters:         &Parameters{AIModel: "sdxl"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, 3, len(merged.Layers))
	assert.Equal(t, "a-0", merged.Layers[0].ID)
	assert.Equal(t, "a-1", merged.Layers[1].ID)
	assert.NotEqual(t, "a-1", merged.Layers[2].ID)
	assert.Equal(t, []int{0, 1, 2}, []int{merged.Layers[0].ZIndex, merged.Layers[1].ZIndex, merged.Layers[2].ZIndex})
	assert.Equal(t, "override", merged.Prompt)
	assert.Equal(t, "sdxl", merged.Parameters.AIModel)
}

func TestMergeRejectsBadIndices(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	v1, _ := repo.Add(ctx, "s1", Draft{Layers: twoLayers("a")})
	v2, _ := repo.Add(ctx, "s1", Draft{Layers: twoLayers("b")})

	_, _, err := repo.Merge(ctx, "s1", v1.ID, v2.ID, MergeOptions{LayersFromVersion1: []int{2}})
	assert.Equal(t, true, layer.IsValidationError(err))
	_, _, err = repo.Merge(ctx, "s1", v1.ID, v2.ID, MergeOptions{LayersFromVersion2: []int{-1}})
	assert.Equal(t, true, layer.IsValidationError(err))

	_, ok, err := repo.Merge(ctx, "s1", v1.ID, "missing", MergeOptions{})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	versions, _ := repo.List(ctx, "s1")
	assert.Equal(t, 2, len(versions))
}

func TestTimeline(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	long := strings.Repeat("x", 60)
	_, _ = repo.Add(ctx, "s1", Draft{Prompt: long, Layers: twoLayers("a")})
	_, _ = repo.Add(ctx, "s1", Draft{Prompt: "short", ImageURL: "flat.png", IsFavorite: true})

	entries, err := repo.Timeline(ctx, "s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(entries))
	assert.Equal(t, strings.Repeat("x", 50)+"...", entries[0].PromptPreview)
	assert.Equal(t, "a0.png", entries[0].Thumbnail)
	assert.Equal(t, 2, entries[0].LayerCount)
	assert.Equal(t, "short", entries[1].PromptPreview)
	assert.Equal(t, "flat.png", entries[1].Thumbnail)
	assert.Equal(t, true, entries[1].IsFavorite)
}

func TestRevisionGuard(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	h, err := repo.Load(ctx, "s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(0), h.Revision)

	_, err = repo.Add(ctx, "s1", Draft{Prompt: "a"}, IfRevision(0))
	assert.Equal(t, nil, err)

	_, err = repo.Add(ctx, "s1", Draft{Prompt: "stale"}, IfRevision(0))
	assert.Equal(t, true, kvstore.IsConflictError(err))

	h, err = repo.Load(ctx, "s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), h.Revision)
	assert.Equal(t, 1, len(h.Versions))
}

func TestEmptySessionRejected(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	_, err := repo.Add(context.Background(), " ", Draft{})
	assert.Equal(t, true, layer.IsValidationError(err))
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	repo, clock, store := newTestRepo(t, WithExpiry(48*time.Hour))

	_, _ = repo.Add(ctx, "old", Draft{Prompt: "a"})
	fav, _ := repo.Add(ctx, "kept-favorite", Draft{Prompt: "b"})
	_, _, _ = repo.ToggleFavorite(ctx, "kept-favorite", fav.ID)
	_, err := store.Set(ctx, KeyPrefix+"broken", []byte("{not json"))
	assert.Equal(t, nil, err)

	clock.advance(72 * time.Hour)
	_, _ = repo.Add(ctx, "fresh", Draft{Prompt: "c"})

	removed, err := repo.PurgeExpired(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, removed)

	sessions, err := repo.Sessions(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"fresh", "kept-favorite"}, sessions)
}

func ptr[T any](v T) *T { return &v }
