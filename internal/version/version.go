// Package version stores immutable design snapshots per session and implements
// branching, merging, comparison and timeline projection over them.
package version

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"

	"github.com/tattester/forgectl/internal/layer"
)

// Parameters is the closed set of generation settings saved with a version.
type Parameters struct {
	Size             string   `json:"size,omitempty" yaml:"size,omitempty"`
	AIModel          string   `json:"aiModel,omitempty" yaml:"aiModel,omitempty"`
	NegativePrompt   string   `json:"negativePrompt,omitempty" yaml:"negativePrompt,omitempty"`
	EnhancementLevel string   `json:"enhancementLevel,omitempty" yaml:"enhancementLevel,omitempty"`
	BodyPart         string   `json:"bodyPart,omitempty" yaml:"bodyPart,omitempty"`
	VibeChips        []string `json:"vibeChips,omitempty" yaml:"vibeChips,omitempty"`
}

// Clone returns a copy that shares no memory with p.
func (p Parameters) Clone() Parameters {
	p.VibeChips = slices.Clone(p.VibeChips)
	return p
}

// Equal compares parameters by their JSON encoding.
func (p Parameters) Equal(o Parameters) bool {
	a, errA := json.Marshal(p)
	b, errB := json.Marshal(o)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// BranchRef records where a branch was forked from.
type BranchRef struct {
	SessionID     string `json:"sessionId"`
	VersionID     string `json:"versionId"`
	VersionNumber int    `json:"versionNumber"`
}

// MergeOptions selects layers by index from each merged version.
// Prompt and Parameters default to the first version's values when nil.
type MergeOptions struct {
	LayersFromVersion1 []int       `json:"layersFromVersion1"`
	LayersFromVersion2 []int       `json:"layersFromVersion2"`
	Prompt             *string     `json:"prompt,omitempty"`
	Parameters         *Parameters `json:"parameters,omitempty"`
}

func (o MergeOptions) clone() MergeOptions {
	out := MergeOptions{
		LayersFromVersion1: slices.Clone(o.LayersFromVersion1),
		LayersFromVersion2: slices.Clone(o.LayersFromVersion2),
	}
	if o.Prompt != nil {
		p := *o.Prompt
		out.Prompt = &p
	}
	if o.Parameters != nil {
		p := o.Parameters.Clone()
		out.Parameters = &p
	}
	return out
}

// MergeRef records the inputs of a merge.
type MergeRef struct {
	Version1     string       `json:"version1"`
	Version2     string       `json:"version2"`
	MergeOptions MergeOptions `json:"mergeOptions"`
}

// Version is a saved design snapshot.
type Version struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	VersionNumber  int           `json:"versionNumber"`
	Prompt         string        `json:"prompt,omitempty"`
	EnhancedPrompt string        `json:"enhancedPrompt,omitempty"`
	Parameters     Parameters    `json:"parameters"`
	Layers         []layer.Layer `json:"layers"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	BranchedFrom   *BranchRef    `json:"branchedFrom,omitempty"`
	MergedFrom     *MergeRef     `json:"mergedFrom,omitempty"`
	IsFavorite     bool          `json:"isFavorite"`
}

// Clone returns a deep copy of v.
func (v Version) Clone() Version {
	v.Parameters = v.Parameters.Clone()
	v.Layers = layer.Clone(v.Layers)
	if v.BranchedFrom != nil {
		b := *v.BranchedFrom
		v.BranchedFrom = &b
	}
	if v.MergedFrom != nil {
		m := MergeRef{Version1: v.MergedFrom.Version1, Version2: v.MergedFrom.Version2, MergeOptions: v.MergedFrom.MergeOptions.clone()}
		v.MergedFrom = &m
	}
	return v
}

// Draft is the caller-supplied content of a new version.
type Draft struct {
	Prompt         string        `json:"prompt,omitempty"`
	EnhancedPrompt string        `json:"enhancedPrompt,omitempty"`
	Parameters     Parameters    `json:"parameters"`
	Layers         []layer.Layer `json:"layers"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	IsFavorite     bool          `json:"isFavorite,omitempty"`

	branchedFrom *BranchRef
	mergedFrom   *MergeRef
}

// Differences flags which of the five compared fields changed.
type Differences struct {
	Prompt         bool `json:"prompt"`
	EnhancedPrompt bool `json:"enhancedPrompt"`
	Parameters     bool `json:"parameters"`
	LayerCount     bool `json:"layerCount"`
	ImageURL       bool `json:"imageUrl"`
}

func (d Differences) unchanged() int {
	n := 0
	for _, changed := range []bool{d.Prompt, d.EnhancedPrompt, d.Parameters, d.LayerCount, d.ImageURL} {
		if !changed {
			n++
		}
	}
	return n
}

// Comparison is the result of comparing two versions.
type Comparison struct {
	Version1        Version     `json:"version1"`
	Version2        Version     `json:"version2"`
	Differences     Differences `json:"differences"`
	SimilarityScore int         `json:"similarityScore"`
	// TimeDifference is Version2.Timestamp minus Version1.Timestamp in milliseconds.
	TimeDifference int64 `json:"timeDifference"`
}

// Branch is a newly forked session and its only version.
type Branch struct {
	SessionID string  `json:"sessionId"`
	Version   Version `json:"version"`
}

// TimelineEntry is a read-only summary of a version.
type TimelineEntry struct {
	ID            string     `json:"id"`
	VersionNumber int        `json:"versionNumber"`
	Timestamp     time.Time  `json:"timestamp"`
	Thumbnail     string     `json:"thumbnail,omitempty"`
	PromptPreview string     `json:"promptPreview"`
	LayerCount    int        `json:"layerCount"`
	IsFavorite    bool       `json:"isFavorite"`
	BranchedFrom  *BranchRef `json:"branchedFrom,omitempty"`
	MergedFrom    *MergeRef  `json:"mergedFrom,omitempty"`
}
