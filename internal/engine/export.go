package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/draw"

	"github.com/tattester/forgectl/internal/imageload"
	"github.com/tattester/forgectl/internal/layer"
)

// Format is an export encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ParseFormat validates a textual export format.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	default:
		return "", &layer.ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported export format %q", value)}
	}
}

// MediaType returns the MIME type of the format.
func (f Format) MediaType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// ExportOptions describes a full-resolution export.
type ExportOptions struct {
	Width   int
	Height  int
	Format  Format
	Quality float64
	Render  RenderOptions
}

// Export composites layers at the requested size and encodes the result.
func (e *Engine) Export(ctx context.Context, layers []layer.Layer, opts ExportOptions) ([]byte, error) {
	res, err := e.Render(ctx, layers, opts.Width, opts.Height, opts.Render)
	if err != nil {
		return nil, err
	}
	return encode(res.Image, opts.Format, opts.Quality)
}

// ARSize scales (width, height) so that the longer side equals target. Neither
// side drops below 1 px.
func ARSize(width, height, target int) (int, int) {
	longer := max(width, height)
	if longer <= 0 || target <= 0 {
		return width, height
	}
	k := float64(target) / float64(longer)
	return max(1, int(math.Round(float64(width)*k))), max(1, int(math.Round(float64(height)*k)))
}

// ExportAR recomposites layers at the AR size derived from (width, height) and
// encodes a transparent PNG. Transforms are interpreted in the new canvas space.
func (e *Engine) ExportAR(ctx context.Context, layers []layer.Layer, width, height int) ([]byte, error) {
	if err := e.validateSize(width, height); err != nil {
		return nil, err
	}
	w, h := ARSize(width, height, e.arTargetSide)
	img, err := e.Composite(ctx, layers, w, h)
	if err != nil {
		return nil, fmt.Errorf("composite ar asset: %w", err)
	}
	return encode(img, FormatPNG, 0.9)
}

// Thumbnail renders imageURL fitted and centred into a size×size transparent PNG
// and returns it as a data URL.
func (e *Engine) Thumbnail(ctx context.Context, imageURL string, size int) (string, error) {
	if size <= 0 {
		return "", &layer.ValidationError{Field: "size", Reason: "thumbnail size must be positive"}
	}
	src, err := e.loader.Load(ctx, imageURL)
	if err != nil {
		return "", err
	}
	sb := src.Bounds()
	if sb.Empty() {
		return "", fmt.Errorf("image %q is empty", imageURL)
	}

	scale := math.Min(float64(size)/float64(sb.Dx()), float64(size)/float64(sb.Dy()))
	w := max(1, int(math.Round(float64(sb.Dx())*scale)))
	h := max(1, int(math.Round(float64(sb.Dy())*scale)))
	x0 := (size - w) / 2
	y0 := (size - h) / 2

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, image.Rect(x0, y0, x0+w, y0+h), src, sb, draw.Src, nil)

	data, err := encode(dst, FormatPNG, 1)
	if err != nil {
		return "", err
	}
	return imageload.EncodeDataURL(FormatPNG.MediaType(), data), nil
}

// encode writes img in the given format. PNG is lossless, so quality only selects
// the compression effort; JPEG maps quality in (0,1] to 1..100.
func encode(img image.Image, format Format, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJPEG:
		q := jpeg.DefaultQuality
		if quality > 0 {
			q = int(math.Round(math.Min(quality, 1) * 100))
			q = max(q, 1)
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG, "":
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if quality > 0 && quality < 1 {
			enc.CompressionLevel = png.BestCompression
		}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, &layer.ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported export format %q", format)}
	}
	return buf.Bytes(), nil
}
