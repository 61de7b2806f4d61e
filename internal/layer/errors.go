package layer

import (
	"errors"
	"fmt"
)

// ErrLayerNotFound is returned when an operation names a layer id that is not in the store.
var ErrLayerNotFound = errors.New("layer not found")

// ValidationError reports an argument that cannot be applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// ThumbnailGenerationError records a failed background thumbnail render.
// It is logged only; the layer keeps no thumbnail.
type ThumbnailGenerationError struct {
	LayerID  string
	ImageURL string
	Err      error
}

func (e *ThumbnailGenerationError) Error() string {
	return fmt.Sprintf("generate thumbnail for layer %s: %v", e.LayerID, e.Err)
}

func (e *ThumbnailGenerationError) Unwrap() error { return e.Err }
