// Package ids generates identifiers for layers, versions and sessions.
package ids

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Source produces a fresh identifier on every call.
type Source func() string

// New returns a time-ordered ULID string.
func New() string {
	return ulid.Make().String()
}

// NewSession returns a random session identifier.
func NewSession() string {
	return uuid.NewString()
}

// Sequence returns a deterministic Source yielding prefix-1, prefix-2, and so on.
func Sequence(prefix string) Source {
	var n atomic.Int64
	return func() string {
		return prefix + "-" + strconv.FormatInt(n.Add(1), 10)
	}
}
