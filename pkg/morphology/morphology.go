// Package morphology implements binary morphology on 3D masks using a
// spherical (ball) structuring element, plus the voxel-wise helpers the
// reference region pipelines are built from.
//
// Erosion treats voxels outside the grid as "on", so a selection touching the
// volume edge is only eroded from its interior boundary. Dilation treats them
// as "off". Both operations allocate a new mask and never modify their input.
package morphology

import (
	"github.com/pkg/errors"

	"refregion/internal/models"
)

// Offset is a voxel displacement inside a structuring element
type Offset struct {
	X, Y, Z int
}

// Ball returns the offsets of a digital ball of the given radius: every
// integer displacement with dx²+dy²+dz² <= radius². Radius 0 yields the
// single centre offset.
func Ball(radius int) ([]Offset, error) {
	if radius < 0 {
		return nil, errors.Wrapf(ErrInvalidParameter, "radius must be >= 0, got %d", radius)
	}
	r2 := radius * radius
	offsets := make([]Offset, 0, (2*radius+1)*(2*radius+1)*(2*radius+1))
	for dz := -radius; dz <= radius; dz++ {
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				if dx*dx+dy*dy+dz*dz <= r2 {
					offsets = append(offsets, Offset{dx, dy, dz})
				}
			}
		}
	}
	return offsets, nil
}

// Erode shrinks the "on" region of mask by radius voxels. Any non-zero
// input value counts as "on".
func Erode(mask *models.Mask, radius int) (*models.Mask, error) {
	ball, err := Ball(radius)
	if err != nil {
		return nil, errors.Wrap(err, "erode")
	}
	if radius == 0 {
		return Clip(mask), nil
	}

	shape := mask.Shape
	out := models.NewMask(shape)
	for idx, v := range mask.Data {
		if v == 0 {
			continue
		}
		x, y, z := shape.Coord(idx)
		keep := uint8(1)
		for _, o := range ball {
			nx, ny, nz := x+o.X, y+o.Y, z+o.Z
			if !shape.Contains(nx, ny, nz) {
				continue
			}
			if mask.Data[shape.Index(nx, ny, nz)] == 0 {
				keep = 0
				break
			}
		}
		out.Data[idx] = keep
	}
	return out, nil
}

// Dilate grows the "on" region of mask by radius voxels
func Dilate(mask *models.Mask, radius int) (*models.Mask, error) {
	ball, err := Ball(radius)
	if err != nil {
		return nil, errors.Wrap(err, "dilate")
	}
	if radius == 0 {
		return Clip(mask), nil
	}

	shape := mask.Shape
	out := models.NewMask(shape)
	for idx, v := range mask.Data {
		if v == 0 {
			continue
		}
		x, y, z := shape.Coord(idx)
		for _, o := range ball {
			nx, ny, nz := x+o.X, y+o.Y, z+o.Z
			if shape.Contains(nx, ny, nz) {
				out.Data[shape.Index(nx, ny, nz)] = 1
			}
		}
	}
	return out, nil
}

// Clip returns a copy of mask with every non-zero value set to 1
func Clip(mask *models.Mask) *models.Mask {
	out := models.NewMask(mask.Shape)
	for i, v := range mask.Data {
		if v != 0 {
			out.Data[i] = 1
		}
	}
	return out
}

// ApplyProbabilityMask keeps the voxels of mask whose probability is at
// least threshold. The comparison is inclusive.
func ApplyProbabilityMask(mask *models.Mask, probability *models.ProbabilityVolume, threshold float64) (*models.Mask, error) {
	if err := checkShapes("probability volume", mask.Shape, probability.Shape); err != nil {
		return nil, err
	}
	out := models.NewMask(mask.Shape)
	for i, v := range mask.Data {
		if v != 0 && probability.Data[i] >= threshold {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// SelectLabels returns a mask that is 1 wherever the label volume holds a
// member of set. An empty set gives an all-zero mask.
func SelectLabels(labels *models.LabelVolume, set models.LabelSet) *models.Mask {
	out := models.NewMask(labels.Shape)
	if len(set) == 0 {
		return out
	}
	for i, l := range labels.Data {
		if set.Has(l) {
			out.Data[i] = 1
		}
	}
	return out
}

// Subtract computes clip(base - s1 - s2 - ...) voxel-wise
func Subtract(base *models.Mask, subtrahends ...*models.Mask) (*models.Mask, error) {
	for _, s := range subtrahends {
		if err := checkShapes("subtract", base.Shape, s.Shape); err != nil {
			return nil, err
		}
	}
	out := Clip(base)
	for _, s := range subtrahends {
		for i, v := range s.Data {
			if v != 0 {
				out.Data[i] = 0
			}
		}
	}
	return out, nil
}

// IsSubset reports whether every "on" voxel of a is also "on" in b
func IsSubset(a, b *models.Mask) bool {
	if a.Shape != b.Shape {
		return false
	}
	for i, v := range a.Data {
		if v != 0 && b.Data[i] == 0 {
			return false
		}
	}
	return true
}
