package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Shape is the voxel-grid size of a volume along the X, Y and Z axes
type Shape [3]int

// Len returns the number of voxels in a volume of this shape
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Index converts a voxel coordinate into the flat offset used by every
// volume type. X varies fastest, matching the on-disk NIfTI ordering.
func (s Shape) Index(x, y, z int) int {
	return z*s[0]*s[1] + y*s[0] + x
}

// Coord is the inverse of Index
func (s Shape) Coord(idx int) (x, y, z int) {
	plane := s[0] * s[1]
	z = idx / plane
	rem := idx % plane
	y = rem / s[0]
	x = rem % s[0]
	return x, y, z
}

// Contains reports whether the coordinate lies inside the grid
func (s Shape) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < s[0] && y < s[1] && z < s[2]
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s[0], s[1], s[2])
}

// VoxelSize is the physical size of each voxel in mm, one value per axis
type VoxelSize [3]float64

// IsotropicVoxel is the 1mm voxel size used when no header is available
var IsotropicVoxel = VoxelSize{1, 1, 1}

// LabelVolume holds one integer region identifier per voxel.
// Zero conventionally means "no label".
type LabelVolume struct {
	Shape Shape
	Data  []int32
}

// NewLabelVolume allocates an all-zero label volume
func NewLabelVolume(shape Shape) *LabelVolume {
	return &LabelVolume{Shape: shape, Data: make([]int32, shape.Len())}
}

// At returns the label at a voxel coordinate
func (v *LabelVolume) At(x, y, z int) int32 {
	return v.Data[v.Shape.Index(x, y, z)]
}

// Set writes the label at a voxel coordinate
func (v *LabelVolume) Set(x, y, z int, label int32) {
	v.Data[v.Shape.Index(x, y, z)] = label
}

// Fill sets every voxel in the half-open box [lo, hi) to label
func (v *LabelVolume) Fill(lo, hi [3]int, label int32) {
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[0]; x < hi[0]; x++ {
				v.Set(x, y, z, label)
			}
		}
	}
}

// Labels returns the distinct non-zero labels present in the volume
func (v *LabelVolume) Labels() map[int32]struct{} {
	out := make(map[int32]struct{})
	for _, l := range v.Data {
		if l != 0 {
			out[l] = struct{}{}
		}
	}
	return out
}

// ProbabilityVolume holds a continuous value per voxel, nominally in [0,1]
type ProbabilityVolume struct {
	Shape Shape
	Data  []float64
}

// NewProbabilityVolume allocates an all-zero probability volume
func NewProbabilityVolume(shape Shape) *ProbabilityVolume {
	return &ProbabilityVolume{Shape: shape, Data: make([]float64, shape.Len())}
}

// At returns the probability at a voxel coordinate
func (v *ProbabilityVolume) At(x, y, z int) float64 {
	return v.Data[v.Shape.Index(x, y, z)]
}

// Set writes the probability at a voxel coordinate
func (v *ProbabilityVolume) Set(x, y, z int, p float64) {
	v.Data[v.Shape.Index(x, y, z)] = p
}

// Mask is a binary volume. Every value is 0 or 1 after any operation in
// this module; operations return new masks rather than mutating inputs.
type Mask struct {
	Shape Shape
	Data  []uint8
}

// NewMask allocates an all-zero mask
func NewMask(shape Shape) *Mask {
	return &Mask{Shape: shape, Data: make([]uint8, shape.Len())}
}

// At returns the mask value at a voxel coordinate
func (m *Mask) At(x, y, z int) uint8 {
	return m.Data[m.Shape.Index(x, y, z)]
}

// Set writes the mask value at a voxel coordinate
func (m *Mask) Set(x, y, z int, v uint8) {
	m.Data[m.Shape.Index(x, y, z)] = v
}

// Clone returns a deep copy
func (m *Mask) Clone() *Mask {
	out := &Mask{Shape: m.Shape, Data: make([]uint8, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// Affine maps voxel indices to world (scanner) coordinates in mm
type Affine struct {
	m *mat.Dense
}

// NewAffine builds an affine from the three rows of a NIfTI sform. The
// fourth row is always (0, 0, 0, 1).
func NewAffine(rowX, rowY, rowZ [4]float64) Affine {
	data := make([]float64, 0, 16)
	data = append(data, rowX[:]...)
	data = append(data, rowY[:]...)
	data = append(data, rowZ[:]...)
	data = append(data, 0, 0, 0, 1)
	return Affine{m: mat.NewDense(4, 4, data)}
}

// ScalingAffine returns a diagonal affine built from voxel sizes
func ScalingAffine(size VoxelSize) Affine {
	return NewAffine(
		[4]float64{size[0], 0, 0, 0},
		[4]float64{0, size[1], 0, 0},
		[4]float64{0, 0, size[2], 0},
	)
}

// World converts a voxel coordinate to world coordinates
func (a Affine) World(x, y, z int) [3]float64 {
	if a.m == nil {
		return [3]float64{float64(x), float64(y), float64(z)}
	}
	v := mat.NewVecDense(4, []float64{float64(x), float64(y), float64(z), 1})
	var out mat.VecDense
	out.MulVec(a.m, v)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// Row returns one of the first three rows of the affine
func (a Affine) Row(i int) [4]float64 {
	var r [4]float64
	if a.m == nil {
		r[i] = 1
		return r
	}
	for j := 0; j < 4; j++ {
		r[j] = a.m.At(i, j)
	}
	return r
}

// Header is the geometry carried alongside a volume so that a derived mask
// can be written back onto the same grid.
type Header struct {
	Shape     Shape
	VoxelSize VoxelSize
	Affine    Affine

	// Raw is the untouched container header of the source file, used as a
	// template when writing derived volumes. It may be nil for volumes that
	// were built in memory.
	Raw []byte
}

// LabelImage is a label volume together with its header
type LabelImage struct {
	Volume *LabelVolume
	Header Header
}

// ProbabilityImage is a probability volume together with its header
type ProbabilityImage struct {
	Volume *ProbabilityVolume
	Header Header
}

// ScalarImage is a continuous-valued anatomical background image
type ScalarImage struct {
	Data   []float64
	Header Header
}

// LabelSet is a set of region identifiers used for membership tests
type LabelSet map[int32]struct{}

// NewLabelSet builds a set from a list of labels. Duplicates collapse.
func NewLabelSet(labels ...int32) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

// Has reports whether label is a member of the set
func (s LabelSet) Has(label int32) bool {
	_, ok := s[label]
	return ok
}

// Union returns a new set containing the members of both sets
func (s LabelSet) Union(other LabelSet) LabelSet {
	out := make(LabelSet, len(s)+len(other))
	for l := range s {
		out[l] = struct{}{}
	}
	for l := range other {
		out[l] = struct{}{}
	}
	return out
}
