// Package canvas holds body-part placement presets and resolves canvas dimensions from them.
package canvas

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// BodyPart identifies a tattoo placement.
type BodyPart string

const (
	Forearm    BodyPart = "forearm"
	Chest      BodyPart = "chest"
	Back       BodyPart = "back"
	Thigh      BodyPart = "thigh"
	Shoulder   BodyPart = "shoulder"
	FullSleeve BodyPart = "full-sleeve"
	Ribs       BodyPart = "ribs"
	Calf       BodyPart = "calf"
)

// DefaultBodyPart is used when a session has not chosen a placement.
const DefaultBodyPart = Forearm

// Preset describes the proportions of a placement.
type Preset struct {
	ID       BodyPart `json:"id" yaml:"id"`
	Label    string   `json:"label" yaml:"label"`
	Width    float64  `json:"width" yaml:"width"`
	Height   float64  `json:"height" yaml:"height"`
	Category string   `json:"category" yaml:"category"`
}

// AspectRatio is width divided by height.
func (p Preset) AspectRatio() float64 {
	return p.Width / p.Height
}

var presets = map[BodyPart]Preset{
	Forearm:    {ID: Forearm, Label: "Forearm", Width: 1, Height: 3, Category: "arm"},
	Chest:      {ID: Chest, Label: "Chest", Width: 4, Height: 5, Category: "torso"},
	Back:       {ID: Back, Label: "Back", Width: 3, Height: 4, Category: "torso"},
	Thigh:      {ID: Thigh, Label: "Thigh", Width: 2, Height: 3, Category: "leg"},
	Shoulder:   {ID: Shoulder, Label: "Shoulder", Width: 1, Height: 1, Category: "arm"},
	FullSleeve: {ID: FullSleeve, Label: "Full Sleeve", Width: 1, Height: 4, Category: "arm"},
	Ribs:       {ID: Ribs, Label: "Ribs", Width: 2, Height: 3, Category: "torso"},
	Calf:       {ID: Calf, Label: "Calf", Width: 1, Height: 2.5, Category: "leg"},
}

// Lookup returns the preset for a body part name.
func Lookup(name string) (Preset, error) {
	p, ok := presets[BodyPart(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return Preset{}, fmt.Errorf("unknown body part %q", name)
	}
	return p, nil
}

// Presets lists every preset ordered by id.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCategory lists presets of one category ordered by id.
func ByCategory(category string) []Preset {
	var out []Preset
	for _, p := range Presets() {
		if p.Category == category {
			out = append(out, p)
		}
	}
	return out
}

// State is the canvas metadata kept alongside a workspace.
type State struct {
	BodyPart    BodyPart `json:"bodyPart,omitempty"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	AspectRatio float64  `json:"aspectRatio"`
}

// Size returns pixel dimensions for the preset whose longer side is longSide.
func (p Preset) Size(longSide int) (int, int) {
	if longSide <= 0 {
		return 0, 0
	}
	if p.Width >= p.Height {
		return longSide, int(math.Round(float64(longSide) * p.Height / p.Width))
	}
	return int(math.Round(float64(longSide) * p.Width / p.Height)), longSide
}

// Resolve builds canvas state for a body part at the given long side.
// An empty name selects DefaultBodyPart.
func Resolve(name string, longSide int) (State, error) {
	if strings.TrimSpace(name) == "" {
		name = string(DefaultBodyPart)
	}
	p, err := Lookup(name)
	if err != nil {
		return State{}, err
	}
	w, h := p.Size(longSide)
	if w <= 0 || h <= 0 {
		return State{}, fmt.Errorf("canvas long side must be positive, got %d", longSide)
	}
	return State{BodyPart: p.ID, Width: w, Height: h, AspectRatio: p.AspectRatio()}, nil
}
