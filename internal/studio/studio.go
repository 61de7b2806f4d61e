// Package studio ties the layer store, workspace persistence, version repository
// and compositing engine together into the session operations used by the CLI
// and the HTTP API.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tattester/forgectl/internal/canvas"
	"github.com/tattester/forgectl/internal/config"
	"github.com/tattester/forgectl/internal/engine"
	"github.com/tattester/forgectl/internal/ids"
	"github.com/tattester/forgectl/internal/imageload"
	"github.com/tattester/forgectl/internal/kvstore"
	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/metrics"
	"github.com/tattester/forgectl/internal/state"
	"github.com/tattester/forgectl/internal/version"
)

// AnyRevision disables the revision check of an edit.
const AnyRevision int64 = -1

var (
	// ErrVersionNotFound is returned when a referenced version does not exist.
	ErrVersionNotFound = errors.New("version not found")

	// errNoChange ends an edit without saving; Edit returns the workspace as loaded.
	errNoChange = errors.New("no change")
)

// Service runs session operations against persisted state.
type Service struct {
	Config     *config.Config
	Workspaces *state.Store
	Versions   *version.Repository
	Engine     *engine.Engine
	Loader     *imageload.Loader
	Metrics    *metrics.Metrics

	logger    *slog.Logger
	layerOpts []layer.Option
	closers   []func() error
}

// Close releases the storage backend.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return ids.NewSession()
}

// Edit opens a session's workspace, applies fn to its layer store and saves the
// result. With expect other than AnyRevision the edit fails with a
// kvstore.ConflictError unless the workspace is still at that revision.
// Pending thumbnails are awaited before saving so they persist with the edit.
func (s *Service) Edit(ctx context.Context, sessionID string, expect int64, fn func(ls *layer.Store, ws *state.Workspace) error) (state.Workspace, error) {
	ls, ws, err := s.Workspaces.Open(ctx, sessionID, s.layerOpts...)
	if err != nil {
		return state.Workspace{}, err
	}
	defer ls.Close()

	if expect != AnyRevision && expect != ws.Revision {
		return state.Workspace{}, &kvstore.ConflictError{Key: state.KeyPrefix + sessionID, Expected: expect, Actual: ws.Revision}
	}
	if err := fn(ls, &ws); err != nil {
		if errors.Is(err, errNoChange) {
			return ws, nil
		}
		return state.Workspace{}, err
	}
	ls.Wait()
	return s.Workspaces.Save(ctx, ws, ls)
}

// View returns a session's workspace without modifying it. Unknown sessions yield
// a fresh, unsaved workspace at revision 0.
func (s *Service) View(ctx context.Context, sessionID string) (state.Workspace, error) {
	ls, ws, err := s.Workspaces.Open(ctx, sessionID)
	if err != nil {
		return state.Workspace{}, err
	}
	ls.Close()
	return ws, nil
}

// Create saves an empty workspace for a new session.
func (s *Service) Create(ctx context.Context, sessionID string, c canvas.State) (state.Workspace, error) {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	return s.Edit(ctx, sessionID, 0, func(_ *layer.Store, ws *state.Workspace) error {
		if c.Width > 0 && c.Height > 0 {
			ws.Canvas = c
		}
		return nil
	})
}

// Remove deletes a session's workspace and its version history.
func (s *Service) Remove(ctx context.Context, sessionID string) error {
	err := s.Workspaces.Delete(ctx, sessionID)
	if err != nil && !state.IsNotFoundError(err) {
		return err
	}
	if clearErr := s.Versions.Clear(ctx, sessionID); clearErr != nil {
		return clearErr
	}
	return err
}

// Undo reverts the last structural edit. With an empty history it is a no-op and
// the workspace is returned unchanged.
func (s *Service) Undo(ctx context.Context, sessionID string, expect int64) (state.Workspace, error) {
	return s.Edit(ctx, sessionID, expect, func(ls *layer.Store, _ *state.Workspace) error {
		if !ls.Undo() {
			return errNoChange
		}
		return nil
	})
}

// Redo re-applies the last undone edit, or does nothing when nothing was undone.
func (s *Service) Redo(ctx context.Context, sessionID string, expect int64) (state.Workspace, error) {
	return s.Edit(ctx, sessionID, expect, func(ls *layer.Store, _ *state.Workspace) error {
		if !ls.Redo() {
			return errNoChange
		}
		return nil
	})
}

// SetCanvas changes the placement preset and resolution of a session.
func (s *Service) SetCanvas(ctx context.Context, sessionID, bodyPart string, longSide int, expect int64) (state.Workspace, error) {
	if longSide <= 0 {
		longSide = s.Config.Canvas.LongSide
	}
	c, err := canvas.Resolve(bodyPart, longSide)
	if err != nil {
		return state.Workspace{}, &layer.ValidationError{Field: "canvas", Reason: err.Error()}
	}
	return s.Edit(ctx, sessionID, expect, func(_ *layer.Store, ws *state.Workspace) error {
		ws.Canvas = c
		return nil
	})
}

// RenderRequest selects the output of Render. Zero fields fall back to the
// workspace canvas and the configured export defaults.
type RenderRequest struct {
	Width   int
	Height  int
	Format  engine.Format
	Quality float64
	Only    []string
	Skip    []string
}

// Render composites a session's current layers.
func (s *Service) Render(ctx context.Context, sessionID string, req RenderRequest) ([]byte, engine.Format, error) {
	ws, err := s.View(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	opts := engine.ExportOptions{
		Width:   req.Width,
		Height:  req.Height,
		Format:  req.Format,
		Quality: req.Quality,
		Render: engine.RenderOptions{
			OnlyLayers: idSet(req.Only),
			SkipLayers: idSet(req.Skip),
		},
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = ws.Canvas.Width, ws.Canvas.Height
	}
	if opts.Format == "" {
		if opts.Format, err = engine.ParseFormat(s.Config.Export.Format); err != nil {
			return nil, "", err
		}
	}
	if opts.Quality <= 0 {
		opts.Quality = s.Config.Export.Quality
	}
	data, err := s.Engine.Export(ctx, ws.Layers, opts)
	if err != nil {
		return nil, "", fmt.Errorf("render session %s: %w", sessionID, err)
	}
	return data, opts.Format, nil
}

// ExportAR composites a session's layers as a transparent PNG AR asset.
func (s *Service) ExportAR(ctx context.Context, sessionID string) ([]byte, error) {
	ws, err := s.View(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := s.Engine.ExportAR(ctx, ws.Layers, ws.Canvas.Width, ws.Canvas.Height)
	if err != nil {
		return nil, fmt.Errorf("export ar asset for session %s: %w", sessionID, err)
	}
	return data, nil
}

// SaveRequest carries the generation metadata saved with a version.
type SaveRequest struct {
	Prompt         string             `json:"prompt,omitempty"`
	EnhancedPrompt string             `json:"enhancedPrompt,omitempty"`
	Parameters     version.Parameters `json:"parameters"`
	ImageURL       string             `json:"imageUrl,omitempty"`
	IsFavorite     bool               `json:"isFavorite,omitempty"`
	// Flatten stores a PNG composite as a data URL when ImageURL is empty.
	Flatten bool `json:"flatten,omitempty"`
}

// SaveVersion appends the session's current layers as a new version.
func (s *Service) SaveVersion(ctx context.Context, sessionID string, req SaveRequest) (version.Version, error) {
	ws, err := s.View(ctx, sessionID)
	if err != nil {
		return version.Version{}, err
	}
	if req.Parameters.BodyPart == "" {
		req.Parameters.BodyPart = string(ws.Canvas.BodyPart)
	}
	if req.ImageURL == "" && req.Flatten && len(ws.Layers) > 0 {
		data, err := s.Engine.Export(ctx, ws.Layers, engine.ExportOptions{
			Width: ws.Canvas.Width, Height: ws.Canvas.Height, Format: engine.FormatPNG, Quality: s.Config.Export.Quality,
		})
		if err != nil {
			return version.Version{}, fmt.Errorf("flatten session %s: %w", sessionID, err)
		}
		req.ImageURL = imageload.EncodeDataURL(engine.FormatPNG.MediaType(), data)
	}
	v, err := s.Versions.Add(ctx, sessionID, version.Draft{
		Prompt:         req.Prompt,
		EnhancedPrompt: req.EnhancedPrompt,
		Parameters:     req.Parameters,
		Layers:         ws.Layers,
		ImageURL:       req.ImageURL,
		IsFavorite:     req.IsFavorite,
	})
	if err != nil {
		return version.Version{}, err
	}
	s.logger.Info("version saved", "session", sessionID, "version", v.ID, "number", v.VersionNumber, "layers", len(v.Layers))
	return v, nil
}

// Checkout loads a version's layers into the session workspace, resetting its history.
// The version may belong to another session, e.g. the one a branch was made from.
func (s *Service) Checkout(ctx context.Context, sessionID, fromSession, versionID string, expect int64) (state.Workspace, error) {
	if fromSession == "" {
		fromSession = sessionID
	}
	v, ok, err := s.Versions.Get(ctx, fromSession, versionID)
	if err != nil {
		return state.Workspace{}, err
	}
	if !ok {
		return state.Workspace{}, fmt.Errorf("checkout %s/%s: %w", fromSession, versionID, ErrVersionNotFound)
	}
	return s.Edit(ctx, sessionID, expect, func(ls *layer.Store, ws *state.Workspace) error {
		ls.Replace(v.Layers)
		if bp := v.Parameters.BodyPart; bp != "" && canvas.BodyPart(bp) != ws.Canvas.BodyPart {
			if c, err := canvas.Resolve(bp, max(ws.Canvas.Width, ws.Canvas.Height)); err == nil {
				ws.Canvas = c
			}
		}
		return nil
	})
}

// Purge drops expired version histories and idle workspaces. It is also the
// purge step of the storage quota recovery.
func (s *Service) Purge(ctx context.Context) (int, error) {
	removed, err := s.Versions.PurgeExpired(ctx)
	if err != nil {
		return removed, err
	}
	gone, err := s.Workspaces.GarbageCollect(ctx, s.Config.Versions.Expiry())
	return removed + len(gone), err
}

func idSet(list []string) map[string]struct{} {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(list))
	for _, id := range list {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}
