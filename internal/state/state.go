// Package state persists design workspaces: the live layer stack, its undo/redo
// history and the canvas chosen for a session.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tattester/forgectl/internal/canvas"
	"github.com/tattester/forgectl/internal/kvstore"
	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/logging"
)

// KeyPrefix prefixes every workspace record in the key-value store.
const KeyPrefix = "workspace/"

// Store loads and saves workspaces through a key-value store.
type Store struct {
	kv     kvstore.Store
	logger *slog.Logger
	now    func() time.Time
	canvas canvas.State

	locks sync.Map
}

// Workspace is the persisted state of one design session.
type Workspace struct {
	// SessionID names the session.
	SessionID string `json:"sessionId"`
	// Revision increases by one on every save and guards concurrent writers.
	Revision int64 `json:"revision"`
	// Layers is the live layer stack.
	Layers []layer.Layer `json:"layers"`
	// SelectedLayerID is the layer selected in the editor, if any.
	SelectedLayerID string `json:"selectedLayerId,omitempty"`
	// History is the undo/redo log of the layer stack.
	History layer.HistoryState `json:"history"`
	// Canvas holds the placement and pixel dimensions of the design.
	Canvas canvas.State `json:"canvas"`
	// CreatedAt is when the workspace was first saved.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the workspace was last saved.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is a short description of a stored workspace.
type Summary struct {
	SessionID string          `json:"sessionId"`
	Revision  int64           `json:"revision"`
	Layers    int             `json:"layers"`
	BodyPart  canvas.BodyPart `json:"bodyPart,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (w Workspace) summary() Summary {
	return Summary{
		SessionID: w.SessionID,
		Revision:  w.Revision,
		Layers:    len(w.Layers),
		BodyPart:  w.Canvas.BodyPart,
		UpdatedAt: w.UpdatedAt,
	}
}

// NotFoundError indicates that a session has no stored workspace.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return "workspace not found"
	}
	return fmt.Sprintf("workspace %q not found", e.SessionID)
}

// IsNotFoundError reports whether err indicates a missing workspace.
func IsNotFoundError(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDefaultCanvas sets the canvas given to new workspaces.
func WithDefaultCanvas(c canvas.State) Option {
	return func(s *Store) { s.canvas = c }
}

// NewStore constructs a workspace Store backed by kv.
func NewStore(kv kvstore.Store, logger *slog.Logger, opts ...Option) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("workspace store requires a key-value store")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Store{kv: kv, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.canvas.Width == 0 || s.canvas.Height == 0 {
		c, err := canvas.Resolve("", 1024)
		if err != nil {
			return nil, err
		}
		s.canvas = c
	}
	return s, nil
}

// KV returns the underlying key-value store.
func (s *Store) KV() kvstore.Store {
	return s.kv
}

// DefaultCanvas returns the canvas given to new workspaces.
func (s *Store) DefaultCanvas() canvas.State {
	return s.canvas
}

func key(sessionID string) string {
	return KeyPrefix + sessionID
}

func validateSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" || strings.ContainsAny(sessionID, "/\\") {
		return &layer.ValidationError{Field: "sessionId", Reason: "must be a non-empty name without path separators"}
	}
	return nil
}

func (s *Store) lock(sessionID string) func() {
	v, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Load returns the stored workspace. ok is false when none exists.
func (s *Store) Load(ctx context.Context, sessionID string) (Workspace, bool, error) {
	if err := validateSession(sessionID); err != nil {
		return Workspace{}, false, err
	}
	var ws Workspace
	ok, err := kvstore.GetJSON(ctx, s.kv, key(sessionID), &ws)
	if err != nil {
		return Workspace{}, false, fmt.Errorf("load workspace %s: %w", sessionID, err)
	}
	if !ok {
		return Workspace{}, false, nil
	}
	ws.SessionID = sessionID
	return ws, true, nil
}

// Open loads a workspace, or starts a new one at revision 0, and returns a Layer
// Store restored from it. The caller owns the returned Store and must Close it.
func (s *Store) Open(ctx context.Context, sessionID string, opts ...layer.Option) (*layer.Store, Workspace, error) {
	ws, ok, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, Workspace{}, err
	}
	if !ok {
		ws = Workspace{SessionID: sessionID, Canvas: s.canvas}
		s.logger.Debug("starting new workspace", "session", sessionID, "bodyPart", ws.Canvas.BodyPart)
	}
	ls := layer.NewStore(opts...)
	ls.Restore(layer.Snapshot{Layers: ws.Layers, SelectedID: ws.SelectedLayerID}, ws.History)
	return ls, ws, nil
}

// Save writes the layer stack and history of ls into ws. ws.Revision must match the
// stored revision, otherwise a kvstore.ConflictError is returned. The saved workspace
// with its new revision is returned.
func (s *Store) Save(ctx context.Context, ws Workspace, ls *layer.Store) (Workspace, error) {
	if err := validateSession(ws.SessionID); err != nil {
		return Workspace{}, err
	}
	if ls == nil {
		return Workspace{}, fmt.Errorf("save workspace %s: layer store is nil", ws.SessionID)
	}

	unlock := s.lock(ws.SessionID)
	defer unlock()

	current, exists, err := s.Load(ctx, ws.SessionID)
	if err != nil {
		return Workspace{}, err
	}
	if current.Revision != ws.Revision {
		return Workspace{}, &kvstore.ConflictError{Key: key(ws.SessionID), Expected: ws.Revision, Actual: current.Revision}
	}

	now := s.now().UTC()
	snap := ls.Snapshot()
	ws.Layers = snap.Layers
	ws.SelectedLayerID = snap.SelectedID
	ws.History = ls.History()
	ws.Revision = current.Revision + 1
	ws.UpdatedAt = now
	if exists {
		ws.CreatedAt = current.CreatedAt
	} else {
		ws.CreatedAt = now
	}
	if ws.Layers == nil {
		ws.Layers = []layer.Layer{}
	}

	res, err := kvstore.SetJSON(ctx, s.kv, key(ws.SessionID), ws)
	if err != nil {
		return Workspace{}, fmt.Errorf("save workspace %s: %w", ws.SessionID, err)
	}
	s.logger.Debug("workspace saved", "session", ws.SessionID, "revision", ws.Revision,
		"layers", len(ws.Layers), "sizeKB", res.SizeKB, "recovered", res.Recovered)
	return ws, nil
}

// List returns summaries of all stored workspaces.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	res := make([]Summary, 0, len(keys))
	for _, k := range keys {
		sessionID := strings.TrimPrefix(k, KeyPrefix)
		ws, ok, err := s.Load(ctx, sessionID)
		if err != nil {
			s.logger.Warn("skipping unreadable workspace", "session", sessionID, "error", err)
			continue
		}
		if ok {
			res = append(res, ws.summary())
		}
	}
	return res, nil
}

// Delete removes a workspace. A missing workspace yields a NotFoundError.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := validateSession(sessionID); err != nil {
		return err
	}
	unlock := s.lock(sessionID)
	defer unlock()

	_, exists, err := s.kv.Get(ctx, key(sessionID))
	if err != nil {
		return fmt.Errorf("delete workspace %s: %w", sessionID, err)
	}
	if !exists {
		return &NotFoundError{SessionID: sessionID}
	}
	if err := s.kv.Delete(ctx, key(sessionID)); err != nil {
		return fmt.Errorf("delete workspace %s: %w", sessionID, err)
	}
	s.logger.Info("workspace deleted", "session", sessionID)
	return nil
}

// GarbageCollect removes workspaces not saved within ttl and returns what was removed.
func (s *Store) GarbageCollect(ctx context.Context, ttl time.Duration) ([]Summary, error) {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var removed []Summary
	for _, sum := range all {
		if now.Sub(sum.UpdatedAt) < ttl {
			continue
		}
		s.logger.Info("garbage-collecting workspace", "session", sum.SessionID, "updatedAt", sum.UpdatedAt)
		if err := s.kv.Delete(ctx, key(sum.SessionID)); err != nil {
			s.logger.Error("failed to delete workspace during gc", "session", sum.SessionID, "error", err)
			continue
		}
		removed = append(removed, sum)
	}
	return removed, nil
}
