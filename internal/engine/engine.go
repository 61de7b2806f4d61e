// Package engine flattens layer stacks into rasters and produces export blobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/logging"
)

const (
	// DefaultARTargetSide is the length of the longer side of an AR asset.
	DefaultARTargetSide = 1024
	// DefaultMaxCanvasSide bounds either canvas dimension.
	DefaultMaxCanvasSide = 8192
)

// ImageLoader decodes the image behind a layer URL.
type ImageLoader interface {
	Load(ctx context.Context, url string) (image.Image, error)
}

// Observer receives composite timings.
type Observer interface {
	CompositeRendered(d time.Duration, painted, skipped int)
}

// LayerRenderError records a layer that was skipped during compositing.
type LayerRenderError struct {
	LayerID  string
	ImageURL string
	Err      error
}

func (e *LayerRenderError) Error() string {
	return fmt.Sprintf("render layer %s: %v", e.LayerID, e.Err)
}

func (e *LayerRenderError) Unwrap() error { return e.Err }

// IsLayerRenderError reports whether err is a LayerRenderError.
func IsLayerRenderError(err error) bool {
	var target *LayerRenderError
	return errors.As(err, &target)
}

// Engine composites layer stacks.
type Engine struct {
	loader        ImageLoader
	logger        *slog.Logger
	observer      Observer
	interp        draw.Transformer
	arTargetSide  int
	maxCanvasSide int
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithObserver registers a composite observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithARTargetSide overrides the longer side of AR exports.
func WithARTargetSide(px int) Option {
	return func(e *Engine) {
		if px > 0 {
			e.arTargetSide = px
		}
	}
}

// WithMaxCanvasSide overrides the largest accepted canvas dimension.
func WithMaxCanvasSide(px int) Option {
	return func(e *Engine) {
		if px > 0 {
			e.maxCanvasSide = px
		}
	}
}

// WithInterpolator selects the resampling kernel, e.g. draw.NearestNeighbor or draw.CatmullRom.
func WithInterpolator(t draw.Transformer) Option {
	return func(e *Engine) { e.interp = t }
}

// NewEngine constructs an Engine reading images through loader.
func NewEngine(loader ImageLoader, opts ...Option) *Engine {
	e := &Engine{
		loader:        loader,
		interp:        draw.BiLinear,
		arTargetSide:  DefaultARTargetSide,
		maxCanvasSide: DefaultMaxCanvasSide,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	return e
}

// RenderOptions filters which layers take part in a composite.
type RenderOptions struct {
	OnlyLayers map[string]struct{}
	SkipLayers map[string]struct{}
}

// Result is a composite together with the layers that could not be painted.
type Result struct {
	Image   *image.RGBA
	Painted int
	Skipped []*LayerRenderError
}

// Composite flattens layers onto a transparent width×height canvas.
// Layers that fail to load are logged and skipped.
func (e *Engine) Composite(ctx context.Context, layers []layer.Layer, width, height int) (*image.RGBA, error) {
	res, err := e.Render(ctx, layers, width, height, RenderOptions{})
	if err != nil {
		return nil, err
	}
	return res.Image, nil
}

// Render is Composite with layer filters and a report of skipped layers.
func (e *Engine) Render(ctx context.Context, layers []layer.Layer, width, height int, opts RenderOptions) (Result, error) {
	if err := e.validateSize(width, height); err != nil {
		return Result{}, err
	}
	start := time.Now()
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	res := Result{Image: canvas}

	for _, l := range layer.Sorted(layers) {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("composite canceled: %w", err)
		}
		if !l.Visible || !layerIncluded(l.ID, opts.OnlyLayers, opts.SkipLayers) {
			continue
		}

		img, err := e.loader.Load(ctx, l.ImageURL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, fmt.Errorf("composite canceled: %w", ctxErr)
			}
			rerr := &LayerRenderError{LayerID: l.ID, ImageURL: l.ImageURL, Err: err}
			e.logger.Warn("skipping layer", "layer", l.ID, "error", rerr)
			res.Skipped = append(res.Skipped, rerr)
			continue
		}

		buf, ok := renderLayer(img, l.Transform, width, height, e.interp)
		if !ok {
			e.logger.Debug("layer has zero scale, nothing to paint", "layer", l.ID)
			continue
		}
		compositeOver(canvas, buf, blendFor(l.BlendMode))
		res.Painted++
	}

	if e.observer != nil {
		e.observer.CompositeRendered(time.Since(start), res.Painted, len(res.Skipped))
	}
	e.logger.Debug("composite rendered", "width", width, "height", height,
		"painted", res.Painted, "skipped", len(res.Skipped))
	return res, nil
}

func (e *Engine) validateSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return &layer.ValidationError{Field: "size", Reason: fmt.Sprintf("canvas %dx%d must be positive", width, height)}
	}
	if width > e.maxCanvasSide || height > e.maxCanvasSide {
		return &layer.ValidationError{Field: "size", Reason: fmt.Sprintf("canvas %dx%d exceeds %d px", width, height, e.maxCanvasSide)}
	}
	return nil
}

// layerIncluded reports whether a layer passes the only/skip filters.
func layerIncluded(id string, only, skip map[string]struct{}) bool {
	if len(only) > 0 {
		if _, ok := only[id]; !ok {
			return false
		}
	}
	if len(skip) > 0 {
		if _, ok := skip[id]; ok {
			return false
		}
	}
	return true
}
