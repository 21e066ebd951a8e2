package morphology

import (
	"github.com/pkg/errors"

	"refregion/internal/models"
)

var (
	// ErrInvalidParameter is returned for out-of-range operation parameters
	// such as a negative structuring element radius.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrShapeMismatch is returned when two volumes taking part in one
	// operation do not share the same voxel grid.
	ErrShapeMismatch = errors.New("shape mismatch")
)

func checkShapes(what string, a, b models.Shape) error {
	if a != b {
		return errors.Wrapf(ErrShapeMismatch, "%s: %v vs %v", what, a, b)
	}
	return nil
}
