package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tattester/forgectl/internal/ids"
	"github.com/tattester/forgectl/internal/kvstore"
	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/logging"
)

const (
	// KeyPrefix prefixes every session's version list in the key-value store.
	KeyPrefix = "versions/"
	// DefaultMaxVersions caps how many versions a session keeps.
	DefaultMaxVersions = 50
	// DefaultExpiry is how long an idle session history is retained.
	DefaultExpiry = 90 * 24 * time.Hour

	promptPreviewRunes = 50
)

// Observer is notified after the repository changes a session.
type Observer interface {
	VersionsChanged(op string, sessionVersions int)
}

// History is a session's stored versions with the revision they were read at.
type History struct {
	SessionID string    `json:"sessionId"`
	Revision  int64     `json:"revision"`
	Versions  []Version `json:"versions"`
}

type record struct {
	Revision int64     `json:"revision"`
	Versions []Version `json:"versions"`
}

// Repository persists version lists through a kvstore.Store.
// Writers to one session are serialised in-process; writers in other processes
// are detected through the record revision.
type Repository struct {
	store       kvstore.Store
	logger      *slog.Logger
	observer    Observer
	maxVersions int
	expiry      time.Duration
	now         func() time.Time
	newID       ids.Source

	locks sync.Map
}

// Option customises a Repository.
type Option func(*Repository)

// WithMaxVersions sets the per-session cap.
func WithMaxVersions(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxVersions = n
		}
	}
}

// WithExpiry sets the idle age after which PurgeExpired drops a session.
func WithExpiry(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.expiry = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDSource overrides version and merged-layer id generation.
func WithIDSource(src ids.Source) Option {
	return func(r *Repository) { r.newID = src }
}

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

// WithObserver registers a change observer.
func WithObserver(o Observer) Option {
	return func(r *Repository) { r.observer = o }
}

// WriteOption adjusts a single write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	expect *int64
}

// IfRevision makes the write fail with a kvstore.ConflictError unless the
// session is still at rev.
func IfRevision(rev int64) WriteOption {
	return func(o *writeOptions) { o.expect = &rev }
}

// NewRepository constructs a Repository over store.
func NewRepository(store kvstore.Store, opts ...Option) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("version repository requires a store")
	}
	r := &Repository{
		store:       store,
		maxVersions: DefaultMaxVersions,
		expiry:      DefaultExpiry,
		now:         time.Now,
		newID:       ids.New,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	return r, nil
}

func key(sessionID string) string {
	return KeyPrefix + sessionID
}

func validateSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return &layer.ValidationError{Field: "sessionId", Reason: "must not be empty"}
	}
	return nil
}

func (r *Repository) lock(sessionID string) func() {
	v, _ := r.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// tryLock locks a session unless another caller already holds it.
func (r *Repository) tryLock(sessionID string) (func(), bool) {
	v, _ := r.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func (r *Repository) load(ctx context.Context, sessionID string) (record, error) {
	var rec record
	if _, err := kvstore.GetJSON(ctx, r.store, key(sessionID), &rec); err != nil {
		return record{}, fmt.Errorf("load versions for session %s: %w", sessionID, err)
	}
	return rec, nil
}

// errUnchanged aborts a mutation without writing.
var errUnchanged = errors.New("unchanged")

// mutate loads a session record, applies fn and writes the result with the revision bumped.
func (r *Repository) mutate(ctx context.Context, op, sessionID string, opts []WriteOption, fn func(*record) error) (record, error) {
	if err := validateSession(sessionID); err != nil {
		return record{}, err
	}
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}

	unlock := r.lock(sessionID)
	defer unlock()

	rec, err := r.load(ctx, sessionID)
	if err != nil {
		return record{}, err
	}
	base := rec.Revision
	if wo.expect != nil && *wo.expect != base {
		return record{}, &kvstore.ConflictError{Key: key(sessionID), Expected: *wo.expect, Actual: base}
	}

	if err := fn(&rec); err != nil {
		if errors.Is(err, errUnchanged) {
			return rec, nil
		}
		return record{}, err
	}

	current, err := r.load(ctx, sessionID)
	if err != nil {
		return record{}, err
	}
	if current.Revision != base {
		return record{}, &kvstore.ConflictError{Key: key(sessionID), Expected: base, Actual: current.Revision}
	}

	rec.Revision = base + 1
	res, err := kvstore.SetJSON(ctx, r.store, key(sessionID), rec)
	if err != nil {
		return record{}, fmt.Errorf("save versions for session %s: %w", sessionID, err)
	}
	r.logger.Debug("versions saved", "op", op, "session", sessionID,
		"count", len(rec.Versions), "revision", rec.Revision, "sizeKB", res.SizeKB, "recovered", res.Recovered)
	if r.observer != nil {
		r.observer.VersionsChanged(op, len(rec.Versions))
	}
	return rec, nil
}

// Load returns the stored history of a session. Unknown sessions yield an empty history.
func (r *Repository) Load(ctx context.Context, sessionID string) (History, error) {
	if err := validateSession(sessionID); err != nil {
		return History{}, err
	}
	rec, err := r.load(ctx, sessionID)
	if err != nil {
		return History{}, err
	}
	return History{SessionID: sessionID, Revision: rec.Revision, Versions: rec.Versions}, nil
}

// List returns a session's versions, oldest first.
func (r *Repository) List(ctx context.Context, sessionID string) ([]Version, error) {
	h, err := r.Load(ctx, sessionID)
	return h.Versions, err
}

// Get returns one version. ok is false when it does not exist.
func (r *Repository) Get(ctx context.Context, sessionID, versionID string) (Version, bool, error) {
	versions, err := r.List(ctx, sessionID)
	if err != nil {
		return Version{}, false, err
	}
	for _, v := range versions {
		if v.ID == versionID {
			return v, true, nil
		}
	}
	return Version{}, false, nil
}

// Add appends a new version built from d. Once the session exceeds the cap the
// oldest version is evicted, favourite or not. Version numbers are never reassigned.
func (r *Repository) Add(ctx context.Context, sessionID string, d Draft, opts ...WriteOption) (Version, error) {
	var created Version
	_, err := r.mutate(ctx, "add", sessionID, opts, func(rec *record) error {
		created = r.newVersion(d, nextNumber(rec.Versions))
		rec.Versions = append(rec.Versions, created)
		if over := len(rec.Versions) - r.maxVersions; over > 0 {
			r.logger.Info("evicting oldest versions", "session", sessionID, "count", over)
			rec.Versions = append([]Version(nil), rec.Versions[over:]...)
		}
		return nil
	})
	if err != nil {
		return Version{}, err
	}
	return created.Clone(), nil
}

// nextNumber is one past the newest version number. It equals len+1 until the
// session loses a version to eviction or Delete; past that point len+1 would
// repeat a number still held by a surviving version, so the newest number wins.
func nextNumber(versions []Version) int {
	if len(versions) == 0 {
		return 1
	}
	return max(versions[len(versions)-1].VersionNumber, len(versions)) + 1
}

func (r *Repository) newVersion(d Draft, number int) Version {
	v := Version{
		ID:             r.newID(),
		Timestamp:      r.now().UTC(),
		VersionNumber:  number,
		Prompt:         d.Prompt,
		EnhancedPrompt: d.EnhancedPrompt,
		Parameters:     d.Parameters.Clone(),
		Layers:         layer.Clone(d.Layers),
		ImageURL:       d.ImageURL,
		IsFavorite:     d.IsFavorite,
		BranchedFrom:   d.branchedFrom,
		MergedFrom:     d.mergedFrom,
	}
	if v.Layers == nil {
		v.Layers = []layer.Layer{}
	}
	return v.Clone()
}

// Delete removes a version without renumbering the rest and returns the remaining list.
func (r *Repository) Delete(ctx context.Context, sessionID, versionID string, opts ...WriteOption) ([]Version, error) {
	rec, err := r.mutate(ctx, "delete", sessionID, opts, func(rec *record) error {
		kept := make([]Version, 0, len(rec.Versions))
		for _, v := range rec.Versions {
			if v.ID != versionID {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(rec.Versions) {
			return errUnchanged
		}
		rec.Versions = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.Versions, nil
}

// ToggleFavorite flips the favourite flag of a version. ok is false when it does not exist.
func (r *Repository) ToggleFavorite(ctx context.Context, sessionID, versionID string, opts ...WriteOption) (Version, bool, error) {
	var (
		updated Version
		found   bool
	)
	_, err := r.mutate(ctx, "favorite", sessionID, opts, func(rec *record) error {
		for i := range rec.Versions {
			if rec.Versions[i].ID == versionID {
				rec.Versions[i].IsFavorite = !rec.Versions[i].IsFavorite
				updated, found = rec.Versions[i], true
				return nil
			}
		}
		return errUnchanged
	})
	if err != nil {
		return Version{}, false, err
	}
	return updated, found, nil
}

// Clear removes a session's entire history.
func (r *Repository) Clear(ctx context.Context, sessionID string) error {
	if err := validateSession(sessionID); err != nil {
		return err
	}
	unlock := r.lock(sessionID)
	defer unlock()
	if err := r.store.Delete(ctx, key(sessionID)); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	if r.observer != nil {
		r.observer.VersionsChanged("clear", 0)
	}
	return nil
}

// Sessions lists every session with stored versions.
func (r *Repository) Sessions(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, KeyPrefix))
	}
	return out, nil
}

// Branch forks a version into a new single-version session. ok is false when the
// version does not exist. The branch shares no data with the source session.
func (r *Repository) Branch(ctx context.Context, sessionID, versionID string) (Branch, bool, error) {
	src, ok, err := r.Get(ctx, sessionID, versionID)
	if err != nil || !ok {
		return Branch{}, false, err
	}

	branchID, err := r.freeBranchID(ctx, sessionID)
	if err != nil {
		return Branch{}, false, err
	}
	d := Draft{
		Prompt:         src.Prompt,
		EnhancedPrompt: src.EnhancedPrompt,
		Parameters:     src.Parameters,
		Layers:         src.Layers,
		ImageURL:       src.ImageURL,
		branchedFrom: &BranchRef{
			SessionID:     sessionID,
			VersionID:     src.ID,
			VersionNumber: src.VersionNumber,
		},
	}
	v, err := r.Add(ctx, branchID, d, IfRevision(0))
	if err != nil {
		return Branch{}, false, fmt.Errorf("create branch %s: %w", branchID, err)
	}
	r.logger.Info("branched version", "session", sessionID, "version", versionID, "branch", branchID)
	return Branch{SessionID: branchID, Version: v}, true, nil
}

func (r *Repository) freeBranchID(ctx context.Context, sessionID string) (string, error) {
	stamp := r.now().UnixMilli()
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("%s_branch_%d", sessionID, stamp+int64(i))
		_, exists, err := r.store.Get(ctx, key(id))
		if err != nil {
			return "", fmt.Errorf("check branch session %s: %w", id, err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free branch id for session %s", sessionID)
}

// Compare diffs two versions on five fields. ok is false when either is missing.
func (r *Repository) Compare(ctx context.Context, sessionID, versionID1, versionID2 string) (Comparison, bool, error) {
	v1, ok1, err := r.Get(ctx, sessionID, versionID1)
	if err != nil {
		return Comparison{}, false, err
	}
	v2, ok2, err := r.Get(ctx, sessionID, versionID2)
	if err != nil {
		return Comparison{}, false, err
	}
	if !ok1 || !ok2 {
		return Comparison{}, false, nil
	}
	return Compare(v1, v2), true, nil
}

// Compare diffs two versions on prompt, enhanced prompt, parameters, layer count and image URL.
func Compare(v1, v2 Version) Comparison {
	d := Differences{
		Prompt:         v1.Prompt != v2.Prompt,
		EnhancedPrompt: v1.EnhancedPrompt != v2.EnhancedPrompt,
		Parameters:     !v1.Parameters.Equal(v2.Parameters),
		LayerCount:     len(v1.Layers) != len(v2.Layers),
		ImageURL:       v1.ImageURL != v2.ImageURL,
	}
	return Comparison{
		Version1:        v1,
		Version2:        v2,
		Differences:     d,
		SimilarityScore: int(math.Round(100 * float64(d.unchanged()) / 5)),
		TimeDifference:  v2.Timestamp.Sub(v1.Timestamp).Milliseconds(),
	}
}

// Merge builds a new version from layers selected by index in two versions and
// appends it to the session. ok is false when either version is missing.
// Selected layers keep source order, version1's first, and are re-indexed to a dense
// zIndex sequence; a layer id already used by an earlier selection is replaced.
func (r *Repository) Merge(ctx context.Context, sessionID, versionID1, versionID2 string, opts MergeOptions, wopts ...WriteOption) (Version, bool, error) {
	v1, ok1, err := r.Get(ctx, sessionID, versionID1)
	if err != nil {
		return Version{}, false, err
	}
	v2, ok2, err := r.Get(ctx, sessionID, versionID2)
	if err != nil {
		return Version{}, false, err
	}
	if !ok1 || !ok2 {
		return Version{}, false, nil
	}

	if err := validateIndices("layersFromVersion1", opts.LayersFromVersion1, len(v1.Layers)); err != nil {
		return Version{}, false, err
	}
	if err := validateIndices("layersFromVersion2", opts.LayersFromVersion2, len(v2.Layers)); err != nil {
		return Version{}, false, err
	}

	merged := append(selectLayers(v1.Layers, opts.LayersFromVersion1), selectLayers(v2.Layers, opts.LayersFromVersion2)...)
	seen := make(map[string]struct{}, len(merged))
	for i := range merged {
		if _, dup := seen[merged[i].ID]; dup || merged[i].ID == "" {
			merged[i].ID = r.newID()
		}
		seen[merged[i].ID] = struct{}{}
	}
	layer.Densify(merged)

	d := Draft{
		Prompt:     v1.Prompt,
		Parameters: v1.Parameters,
		Layers:     merged,
		mergedFrom: &MergeRef{Version1: versionID1, Version2: versionID2, MergeOptions: opts.clone()},
	}
	if opts.Prompt != nil {
		d.Prompt = *opts.Prompt
	}
	if opts.Parameters != nil {
		d.Parameters = *opts.Parameters
	}

	v, err := r.Add(ctx, sessionID, d, wopts...)
	if err != nil {
		return Version{}, false, err
	}
	return v, true, nil
}

func validateIndices(field string, indices []int, n int) error {
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return &layer.ValidationError{Field: field, Reason: fmt.Sprintf("index %d out of range [0,%d)", idx, n)}
		}
	}
	return nil
}

// selectLayers keeps layers whose index appears in indices, in source order.
func selectLayers(layers []layer.Layer, indices []int) []layer.Layer {
	want := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		want[idx] = struct{}{}
	}
	var out []layer.Layer
	for i, l := range layers {
		if _, ok := want[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Timeline projects a session's versions into summaries.
func (r *Repository) Timeline(ctx context.Context, sessionID string) ([]TimelineEntry, error) {
	versions, err := r.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEntry, 0, len(versions))
	for _, v := range versions {
		thumb := v.ImageURL
		if thumb == "" && len(v.Layers) > 0 {
			thumb = v.Layers[0].ImageURL
		}
		out = append(out, TimelineEntry{
			ID:            v.ID,
			VersionNumber: v.VersionNumber,
			Timestamp:     v.Timestamp,
			Thumbnail:     thumb,
			PromptPreview: previewPrompt(v.Prompt),
			LayerCount:    len(v.Layers),
			IsFavorite:    v.IsFavorite,
			BranchedFrom:  v.BranchedFrom,
			MergedFrom:    v.MergedFrom,
		})
	}
	return out, nil
}

func previewPrompt(prompt string) string {
	if utf8.RuneCountInString(prompt) <= promptPreviewRunes {
		return prompt
	}
	return string([]rune(prompt)[:promptPreviewRunes]) + "..."
}

// PurgeExpired removes session histories whose newest version is older than the
// expiry, keeping any session that holds a favourite. Empty or unreadable
// histories are removed as well. Sessions being written are left alone. It
// returns the number of sessions removed.
func (r *Repository) PurgeExpired(ctx context.Context) (int, error) {
	sessions, err := r.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	removed := 0
	for _, sessionID := range sessions {
		drop, err := r.expired(ctx, sessionID, now)
		if err != nil {
			return removed, err
		}
		if drop {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("purged expired version histories", "removed", removed)
	}
	return removed, nil
}

// expired skips sessions with a write in flight. Purge runs inside a rejected
// write, so the writer's own session lock is held at that point.
func (r *Repository) expired(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	unlock, ok := r.tryLock(sessionID)
	if !ok {
		r.logger.Debug("skipping busy version history", "session", sessionID)
		return false, nil
	}
	defer unlock()

	rec, err := r.load(ctx, sessionID)
	if err != nil {
		if !kvstore.IsStorageError(err) {
			return false, err
		}
		r.logger.Warn("removing unreadable version history", "session", sessionID, "error", err)
		rec = record{}
	}
	if len(rec.Versions) > 0 {
		for _, v := range rec.Versions {
			if v.IsFavorite {
				return false, nil
			}
		}
		last := rec.Versions[len(rec.Versions)-1]
		if now.Sub(last.Timestamp) <= r.expiry {
			return false, nil
		}
	}
	if err := r.store.Delete(ctx, key(sessionID)); err != nil {
		return false, fmt.Errorf("purge session %s: %w", sessionID, err)
	}
	r.logger.Debug("purged version history", "session", sessionID)
	return true, nil
}
