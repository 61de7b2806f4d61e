package engine

import (
	"image"

	"github.com/tattester/forgectl/internal/layer"
)

// blendFunc is a separable blend function B(cs, cb) over straight (non-premultiplied)
// channel values in [0,1].
type blendFunc func(cs, cb float64) float64

func blendNormal(cs, _ float64) float64 { return cs }

func blendMultiply(cs, cb float64) float64 { return cs * cb }

func blendScreen(cs, cb float64) float64 { return cs + cb - cs*cb }

// blendOverlay is HardLight with the operands swapped.
func blendOverlay(cs, cb float64) float64 {
	if cb <= 0.5 {
		return blendMultiply(cs, 2*cb)
	}
	return blendScreen(cs, 2*cb-1)
}

func blendFor(mode layer.BlendMode) blendFunc {
	switch mode {
	case layer.BlendMultiply:
		return blendMultiply
	case layer.BlendScreen:
		return blendScreen
	case layer.BlendOverlay:
		return blendOverlay
	default:
		return blendNormal
	}
}

// compositeOver paints src onto dst with the W3C separable blending formula:
//
//	co = cs·(1-αb) + cb·(1-αs) + αs·αb·B(cs, cb)
//	αo = αs + αb·(1-αs)
//
// where the linear terms use premultiplied colour and B takes straight colour.
// With B(cs, cb) = cs this reduces to source-over.
// Both images must share bounds.
func compositeOver(dst, src *image.RGBA, blend blendFunc) {
	b := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		si := src.PixOffset(b.Min.X, y)
		di := dst.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x, si, di = x+1, si+4, di+4 {
			sa := src.Pix[si+3]
			if sa == 0 {
				continue
			}
			as := float64(sa) / 255
			ab := float64(dst.Pix[di+3]) / 255
			for c := 0; c < 3; c++ {
				ps := float64(src.Pix[si+c]) / 255
				pb := float64(dst.Pix[di+c]) / 255
				cs := ps / as
				cb := 0.0
				if ab > 0 {
					cb = pb / ab
				}
				co := ps*(1-ab) + pb*(1-as) + as*ab*blend(clamp01(cs), clamp01(cb))
				dst.Pix[di+c] = toByte(co)
			}
			dst.Pix[di+3] = toByte(as + ab*(1-as))
		}
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func toByte(v float64) uint8 {
	return uint8(clamp01(v)*255 + 0.5)
}
