package layer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tattester/forgectl/internal/history"
	"github.com/tattester/forgectl/internal/ids"
	"github.com/tattester/forgectl/internal/logging"
)

// Snapshot is the state captured by the undo history.
type Snapshot struct {
	Layers     []Layer `json:"layers"`
	SelectedID string  `json:"selectedLayerId,omitempty"`
}

func cloneSnapshot(s Snapshot) Snapshot {
	return Snapshot{Layers: Clone(s.Layers), SelectedID: s.SelectedID}
}

// HistoryState is the persisted form of the store's undo history.
type HistoryState = history.State[Snapshot]

// Thumbnailer renders a small preview for an image URL.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, imageURL string, size int) (string, error)
}

// Observer is notified after every state change.
type Observer interface {
	LayerMutation(op string, undoDepth, redoDepth int)
}

const (
	defaultThumbnailSize    = 64
	defaultThumbnailTimeout = 30 * time.Second
)

// Option customises a Store.
type Option func(*Store)

// WithHistoryLimit sets how many snapshots the undo and redo stacks each retain.
func WithHistoryLimit(limit int) Option {
	return func(s *Store) { s.historyLimit = limit }
}

// WithThumbnailer enables background thumbnail generation at the given pixel size.
func WithThumbnailer(t Thumbnailer, size int) Option {
	return func(s *Store) {
		s.thumbnailer = t
		if size > 0 {
			s.thumbSize = size
		}
	}
}

// WithThumbnailTimeout bounds a single thumbnail render.
func WithThumbnailTimeout(d time.Duration) Option {
	return func(s *Store) { s.thumbTimeout = d }
}

// WithLogger sets the logger used for background failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithIDSource overrides layer id generation.
func WithIDSource(src ids.Source) Option {
	return func(s *Store) { s.newID = src }
}

// WithObserver registers an observer for state changes.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// MutationOption adjusts a single mutation.
type MutationOption func(*mutation)

type mutation struct {
	skipHistory bool
}

// WithoutHistory applies a mutation to the live state without recording an undo entry.
// It is meant for continuous gestures whose final value is committed separately.
func WithoutHistory() MutationOption {
	return func(m *mutation) { m.skipHistory = true }
}

// Store owns the live layer stack of one session. All methods are safe for
// concurrent use; mutations are serialised.
type Store struct {
	mu       sync.Mutex
	layers   []Layer
	selected string
	history  *history.Log[Snapshot]

	historyLimit int
	thumbnailer  Thumbnailer
	thumbSize    int
	thumbTimeout time.Duration
	logger       *slog.Logger
	newID        ids.Source
	observer     Observer

	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	pending sync.WaitGroup
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		historyLimit: history.DefaultLimit,
		thumbSize:    defaultThumbnailSize,
		thumbTimeout: defaultThumbnailTimeout,
		newID:        ids.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.history = history.NewLog(s.historyLimit, cloneSnapshot)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add appends a new layer for imageURL and selects it.
func (s *Store) Add(imageURL string, typ Type) (Layer, error) {
	if strings.TrimSpace(imageURL) == "" {
		return Layer{}, &ValidationError{Field: "imageUrl", Reason: "must not be empty"}
	}
	typ, err := ParseType(string(typ))
	if err != nil {
		return Layer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, l := range s.layers {
		if l.Type == typ {
			count++
		}
	}
	l := Layer{
		ID:        s.newID(),
		Name:      fmt.Sprintf("%s %d", typ.DisplayName(), count+1),
		Type:      typ,
		ImageURL:  imageURL,
		Transform: IdentityTransform(),
		BlendMode: BlendNormal,
		Visible:   true,
		ZIndex:    MaxZ(s.layers) + 1,
	}
	next := append(Clone(s.layers), l)
	s.commitLocked("add", next, l.ID, true)
	s.startThumbnailLocked(l.ID, l.ImageURL)
	return l, nil
}

// Remove deletes a layer and re-densifies the remaining zIndex values.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.layers, id)
	if idx < 0 {
		return fmt.Errorf("remove layer %q: %w", id, ErrLayerNotFound)
	}
	next := make([]Layer, 0, len(s.layers)-1)
	next = append(next, s.layers[:idx]...)
	next = append(next, s.layers[idx+1:]...)
	Densify(next)

	selected := s.selected
	if selected == id {
		selected = ""
	}
	s.commitLocked("remove", next, selected, true)
	return nil
}

// Reorder moves the layer at display position from to display position to.
// Afterwards the stack is stored in display order with zIndex 0..n-1.
func (s *Store) Reorder(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reorderLocked("reorder", from, to)
}

func (s *Store) reorderLocked(op string, from, to int) error {
	n := len(s.layers)
	if from < 0 || from >= n {
		return &ValidationError{Field: "from", Reason: fmt.Sprintf("index %d out of range [0,%d)", from, n)}
	}
	if to < 0 || to >= n {
		return &ValidationError{Field: "to", Reason: fmt.Sprintf("index %d out of range [0,%d)", to, n)}
	}
	if from == to {
		return nil
	}

	sorted := Sorted(s.layers)
	moved := sorted[from]
	rest := append(sorted[:from:from], sorted[from+1:]...)
	next := make([]Layer, 0, n)
	next = append(next, rest[:to]...)
	next = append(next, moved)
	next = append(next, rest[to:]...)
	for i := range next {
		next[i].ZIndex = i
	}
	s.commitLocked(op, next, s.selected, true)
	return nil
}

// MoveToFront reorders a layer to the top of the paint order.
func (s *Store) MoveToFront(id string) error {
	return s.moveToEdge("move_to_front", id, true)
}

// MoveToBack reorders a layer to the bottom of the paint order.
func (s *Store) MoveToBack(id string) error {
	return s.moveToEdge("move_to_back", id, false)
}

func (s *Store) moveToEdge(op, id string, front bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := Sorted(s.layers)
	from := indexOf(sorted, id)
	if from < 0 {
		return fmt.Errorf("%s %q: %w", strings.ReplaceAll(op, "_", " "), id, ErrLayerNotFound)
	}
	to := 0
	if front {
		to = len(sorted) - 1
	}
	return s.reorderLocked(op, from, to)
}

// ToggleVisibility flips the visible flag of a layer.
func (s *Store) ToggleVisibility(id string) (Layer, error) {
	return s.update("toggle_visibility", id, nil, func(l *Layer) { l.Visible = !l.Visible })
}

// Rename changes a layer's display name.
func (s *Store) Rename(id, name string) (Layer, error) {
	return s.update("rename", id, nil, func(l *Layer) { l.Name = name })
}

// UpdateImage points a layer at a new image and regenerates its thumbnail.
func (s *Store) UpdateImage(id, imageURL string) (Layer, error) {
	if strings.TrimSpace(imageURL) == "" {
		return Layer{}, &ValidationError{Field: "imageUrl", Reason: "must not be empty"}
	}
	l, err := s.update("update_image", id, nil, func(l *Layer) {
		l.ImageURL = imageURL
		l.Thumbnail = ""
	})
	if err != nil {
		return l, err
	}
	s.mu.Lock()
	s.startThumbnailLocked(l.ID, l.ImageURL)
	s.mu.Unlock()
	return l, nil
}

// UpdateBlendMode sets the compositing operator of a layer.
func (s *Store) UpdateBlendMode(id string, mode BlendMode) (Layer, error) {
	mode, err := ParseBlendMode(string(mode))
	if err != nil {
		return Layer{}, err
	}
	return s.update("update_blend_mode", id, nil, func(l *Layer) { l.BlendMode = mode })
}

// UpdateTransform merges patch into the layer transform. Omitted fields keep their values.
func (s *Store) UpdateTransform(id string, patch TransformPatch, opts ...MutationOption) (Layer, error) {
	return s.update("update_transform", id, opts, func(l *Layer) { l.Transform = patch.Apply(l.Transform) })
}

// FlipHorizontal negates the horizontal scale.
func (s *Store) FlipHorizontal(id string) (Layer, error) {
	return s.update("flip_horizontal", id, nil, func(l *Layer) { l.Transform.ScaleX = -l.Transform.ScaleX })
}

// FlipVertical negates the vertical scale.
func (s *Store) FlipVertical(id string) (Layer, error) {
	return s.update("flip_vertical", id, nil, func(l *Layer) { l.Transform.ScaleY = -l.Transform.ScaleY })
}

func (s *Store) update(op, id string, opts []MutationOption, fn func(*Layer)) (Layer, error) {
	var m mutation
	for _, opt := range opts {
		opt(&m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.layers, id)
	if idx < 0 {
		return Layer{}, fmt.Errorf("%s %q: %w", strings.ReplaceAll(op, "_", " "), id, ErrLayerNotFound)
	}
	next := Clone(s.layers)
	fn(&next[idx])
	s.commitLocked(op, next, s.selected, !m.skipHistory)
	return next[idx], nil
}

// Duplicate clones a layer with a fresh id, a " Copy" name suffix and the top zIndex,
// then selects the copy. ok is false when id is unknown.
func (s *Store) Duplicate(id string) (Layer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.layers, id)
	if idx < 0 {
		return Layer{}, false
	}
	dup := s.layers[idx]
	dup.ID = s.newID()
	dup.Name = dup.Name + " Copy"
	dup.ZIndex = MaxZ(s.layers) + 1

	next := append(Clone(s.layers), dup)
	s.commitLocked("duplicate", next, dup.ID, true)
	return dup, true
}

// Select marks a layer as selected. An empty id clears the selection.
// Selection changes are not recorded in history.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" && indexOf(s.layers, id) < 0 {
		return fmt.Errorf("select layer %q: %w", id, ErrLayerNotFound)
	}
	s.selected = id
	s.notifyLocked("select")
	return nil
}

// Clear removes every layer and resets history.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = nil
	s.selected = ""
	s.history.Reset()
	s.notifyLocked("clear")
}

// Replace loads a new layer stack, typically from a saved version, and resets history.
// Layers without a thumbnail get one generated in the background.
func (s *Store) Replace(layers []Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = Clone(layers)
	s.selected = ""
	s.history.Reset()
	s.notifyLocked("replace")
	for _, l := range s.layers {
		if l.Thumbnail == "" {
			s.startThumbnailLocked(l.ID, l.ImageURL)
		}
	}
}

// ClearHistory drops all undo and redo entries.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Reset()
	s.notifyLocked("clear_history")
}

// Undo restores the previous snapshot. It reports false when there is nothing to undo.
func (s *Store) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.history.Undo(s.snapshotLocked())
	if !ok {
		return false
	}
	s.layers, s.selected = prev.Layers, prev.SelectedID
	s.notifyLocked("undo")
	return true
}

// Redo re-applies the most recently undone snapshot. It reports false when there is nothing to redo.
func (s *Store) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.history.Redo(s.snapshotLocked())
	if !ok {
		return false
	}
	s.layers, s.selected = next.Layers, next.SelectedID
	s.notifyLocked("redo")
	return true
}

// CanUndo reports whether Undo would change state.
func (s *Store) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

// CanRedo reports whether Redo would change state.
func (s *Store) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}

// HistoryDepth returns the number of undo and redo entries.
func (s *Store) HistoryDepth() (undo, redo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Depth()
}

// Layers returns a copy of the stack in storage order.
func (s *Store) Layers() []Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Clone(s.layers)
}

// Sorted returns a copy of the stack in paint order.
func (s *Store) Sorted() []Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sorted(s.layers)
}

// Get returns a copy of one layer.
func (s *Store) Get(id string) (Layer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexOf(s.layers, id)
	if idx < 0 {
		return Layer{}, false
	}
	return s.layers[idx], true
}

// Selected returns the selected layer id, or "" when nothing is selected.
func (s *Store) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Snapshot returns a copy of the live state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// History returns a copy of the undo history.
func (s *Store) History() HistoryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.State()
}

// Restore replaces live state and history, e.g. when reopening a persisted workspace.
func (s *Store) Restore(snap Snapshot, h HistoryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap = cloneSnapshot(snap)
	s.layers, s.selected = snap.Layers, snap.SelectedID
	s.history.LoadState(h)
}

// Close stops background thumbnail work. Completions arriving afterwards are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
}

// Wait blocks until every background thumbnail render has finished.
func (s *Store) Wait() {
	s.pending.Wait()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{Layers: Clone(s.layers), SelectedID: s.selected}
}

func (s *Store) commitLocked(op string, next []Layer, selected string, record bool) {
	if record {
		s.history.Record(s.snapshotLocked())
	}
	s.layers = next
	s.selected = selected
	s.notifyLocked(op)
}

func (s *Store) notifyLocked(op string) {
	if s.observer == nil {
		return
	}
	undo, redo := s.history.Depth()
	s.observer.LayerMutation(op, undo, redo)
}

func (s *Store) startThumbnailLocked(id, imageURL string) {
	if s.thumbnailer == nil || s.closed || imageURL == "" {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.thumbTimeout)
		defer cancel()

		thumb, err := s.thumbnailer.Thumbnail(ctx, imageURL, s.thumbSize)
		if err != nil {
			s.logger.Warn("thumbnail generation failed",
				"error", &ThumbnailGenerationError{LayerID: id, ImageURL: imageURL, Err: err})
			return
		}
		s.applyThumbnail(id, imageURL, thumb)
	}()
}

// applyThumbnail writes only the thumbnail field, and only when the layer still
// exists and still shows the image the thumbnail was rendered from.
func (s *Store) applyThumbnail(id, imageURL, thumb string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	idx := indexOf(s.layers, id)
	if idx < 0 || s.layers[idx].ImageURL != imageURL {
		s.logger.Debug("discarding stale thumbnail", "layer", id)
		return false
	}
	s.layers[idx].Thumbnail = thumb
	s.notifyLocked("thumbnail")
	return true
}
