package engine

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/tattester/forgectl/internal/layer"
)

// minScale is the smallest scale magnitude that still produces a drawable layer.
const minScale = 1e-6

// layerMatrix maps source image pixels to canvas pixels:
//
//	T(w/2+x, h/2+y) · R(rotation) · S(|sx|, |sy|) · F(sign sx, sign sy) · T(-iw/2, -ih/2)
//
// The second result is false when either scale magnitude is zero.
func layerMatrix(t layer.Transform, src image.Rectangle, width, height int) (f64.Aff3, bool) {
	if math.Abs(t.ScaleX) < minScale || math.Abs(t.ScaleY) < minScale {
		return f64.Aff3{}, false
	}
	theta := t.Rotation * math.Pi / 180
	sin, cos := math.Sincos(theta)

	// Sign and magnitude multiply back to the signed scale.
	a, d := t.ScaleX, t.ScaleY
	m00, m01 := cos*a, -sin*d
	m10, m11 := sin*a, cos*d

	ox := -(float64(src.Min.X) + float64(src.Dx())/2)
	oy := -(float64(src.Min.Y) + float64(src.Dy())/2)
	cx := float64(width)/2 + t.X
	cy := float64(height)/2 + t.Y

	return f64.Aff3{
		m00, m01, cx + m00*ox + m01*oy,
		m10, m11, cy + m10*ox + m11*oy,
	}, true
}

// renderLayer draws img into a fresh transparent buffer the size of the canvas.
func renderLayer(img image.Image, t layer.Transform, width, height int, interp draw.Transformer) (*image.RGBA, bool) {
	m, ok := layerMatrix(t, img.Bounds(), width, height)
	if !ok {
		return nil, false
	}
	buf := image.NewRGBA(image.Rect(0, 0, width, height))
	interp.Transform(buf, m, img, img.Bounds(), draw.Src, nil)
	return buf, true
}
