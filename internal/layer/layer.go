// Package layer contains the layer data model and the Layer Store that owns the
// live layer stack of a design session.
package layer

import (
	"fmt"
	"sort"
	"strings"
)

// Type classifies what a layer depicts.
type Type string

const (
	TypeSubject    Type = "subject"
	TypeBackground Type = "background"
	TypeEffect     Type = "effect"
)

// ParseType validates a textual layer type.
func ParseType(value string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(value))); t {
	case TypeSubject, TypeBackground, TypeEffect:
		return t, nil
	default:
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown layer type %q", value)}
	}
}

// DisplayName is the capitalised label used in generated layer names.
func (t Type) DisplayName() string {
	switch t {
	case TypeBackground:
		return "Background"
	case TypeEffect:
		return "Effect"
	default:
		return "Subject"
	}
}

// BlendMode is the compositing operator applied when painting a layer.
type BlendMode string

const (
	BlendNormal   BlendMode = "normal"
	BlendMultiply BlendMode = "multiply"
	BlendScreen   BlendMode = "screen"
	BlendOverlay  BlendMode = "overlay"
)

// ParseBlendMode validates a textual blend mode.
func ParseBlendMode(value string) (BlendMode, error) {
	switch m := BlendMode(strings.ToLower(strings.TrimSpace(value))); m {
	case BlendNormal, BlendMultiply, BlendScreen, BlendOverlay:
		return m, nil
	default:
		return "", &ValidationError{Field: "blendMode", Reason: fmt.Sprintf("unknown blend mode %q", value)}
	}
}

// Transform places a layer on the canvas. X and Y are pixel offsets from the canvas
// centre, Rotation is in degrees, and the sign of each scale component is a flip.
type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	ScaleX   float64 `json:"scaleX"`
	ScaleY   float64 `json:"scaleY"`
	Rotation float64 `json:"rotation"`
}

// IdentityTransform returns a transform that draws the image unchanged at the canvas centre.
func IdentityTransform() Transform {
	return Transform{ScaleX: 1, ScaleY: 1}
}

// TransformPatch carries a partial transform update; nil fields are left untouched.
type TransformPatch struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	ScaleX   *float64 `json:"scaleX,omitempty"`
	ScaleY   *float64 `json:"scaleY,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
}

// Apply merges the patch into t.
func (p TransformPatch) Apply(t Transform) Transform {
	if p.X != nil {
		t.X = *p.X
	}
	if p.Y != nil {
		t.Y = *p.Y
	}
	if p.ScaleX != nil {
		t.ScaleX = *p.ScaleX
	}
	if p.ScaleY != nil {
		t.ScaleY = *p.ScaleY
	}
	if p.Rotation != nil {
		t.Rotation = *p.Rotation
	}
	return t
}

// Empty reports whether the patch changes nothing.
func (p TransformPatch) Empty() bool {
	return p.X == nil && p.Y == nil && p.ScaleX == nil && p.ScaleY == nil && p.Rotation == nil
}

// Layer is one image in the design stack.
type Layer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      Type      `json:"type"`
	ImageURL  string    `json:"imageUrl"`
	Transform Transform `json:"transform"`
	BlendMode BlendMode `json:"blendMode"`
	Visible   bool      `json:"visible"`
	ZIndex    int       `json:"zIndex"`
	Thumbnail string    `json:"thumbnail,omitempty"`
}

// Clone returns an independent copy of layers.
func Clone(layers []Layer) []Layer {
	if layers == nil {
		return nil
	}
	out := make([]Layer, len(layers))
	copy(out, layers)
	return out
}

// Sorted returns a copy of layers in paint order: zIndex ascending, ties kept in slice order.
func Sorted(layers []Layer) []Layer {
	out := Clone(layers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ZIndex < out[j].ZIndex })
	return out
}

// MaxZ returns the highest zIndex, or 0 for an empty stack.
func MaxZ(layers []Layer) int {
	if len(layers) == 0 {
		return 0
	}
	maxZ := layers[0].ZIndex
	for _, l := range layers[1:] {
		if l.ZIndex > maxZ {
			maxZ = l.ZIndex
		}
	}
	return maxZ
}

// Densify rewrites zIndex values in place to 0..n-1 following the current paint
// order. Slice order is preserved.
func Densify(layers []Layer) {
	order := make([]int, len(layers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return layers[order[a]].ZIndex < layers[order[b]].ZIndex })
	for rank, idx := range order {
		layers[idx].ZIndex = rank
	}
}

func indexOf(layers []Layer, id string) int {
	for i := range layers {
		if layers[i].ID == id {
			return i
		}
	}
	return -1
}
