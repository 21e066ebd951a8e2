package morphology

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refregion/internal/models"
)

// maskFromGrid builds a mask where grid[x][y][z] is the voxel value
func maskFromGrid(grid [][][]uint8) *models.Mask {
	shape := models.Shape{len(grid), len(grid[0]), len(grid[0][0])}
	m := models.NewMask(shape)
	for x := range grid {
		for y := range grid[x] {
			for z := range grid[x][y] {
				m.Set(x, y, z, grid[x][y][z])
			}
		}
	}
	return m
}

func probabilityFromGrid(grid [][][]float64) *models.ProbabilityVolume {
	shape := models.Shape{len(grid), len(grid[0]), len(grid[0][0])}
	p := models.NewProbabilityVolume(shape)
	for x := range grid {
		for y := range grid[x] {
			for z := range grid[x][y] {
				p.Set(x, y, z, grid[x][y][z])
			}
		}
	}
	return p
}

func repeat3(layer [][]uint8) [][][]uint8 {
	return [][][]uint8{layer, layer, layer}
}

var roundedSlab = repeat3([][]uint8{
	{0, 1, 1, 1, 0},
	{1, 1, 1, 1, 1},
	{1, 1, 1, 1, 1},
	{1, 1, 1, 1, 1},
	{0, 1, 1, 1, 0},
})

func randomMask(rng *rand.Rand, shape models.Shape, density float64) *models.Mask {
	m := models.NewMask(shape)
	for i := range m.Data {
		if rng.Float64() < density {
			m.Data[i] = 1
		}
	}
	return m
}

func TestBall(t *testing.T) {
	tests := []struct {
		radius int
		want   int
	}{
		{0, 1},
		{1, 7},
		{2, 33},
		{3, 123},
	}
	for _, tt := range tests {
		ball, err := Ball(tt.radius)
		require.NoError(t, err)
		assert.Len(t, ball, tt.want, "radius %d", tt.radius)
	}

	_, err := Ball(-1)
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestDilate(t *testing.T) {
	ones := repeat3([][]uint8{
		{1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1},
	})

	got, err := Dilate(maskFromGrid(roundedSlab), 1)
	require.NoError(t, err)
	assert.Equal(t, maskFromGrid(ones).Data, got.Data)
}

func TestErode(t *testing.T) {
	want := repeat3([][]uint8{
		{0, 0, 1, 0, 0},
		{0, 1, 1, 1, 0},
		{1, 1, 1, 1, 1},
		{0, 1, 1, 1, 0},
		{0, 0, 1, 0, 0},
	})

	got, err := Erode(maskFromGrid(roundedSlab), 1)
	require.NoError(t, err)
	assert.Equal(t, maskFromGrid(want).Data, got.Data)
}

func TestErodeSolidBlock(t *testing.T) {
	m := models.NewMask(models.Shape{7, 7, 7})
	for z := 1; z < 6; z++ {
		for y := 1; y < 6; y++ {
			for x := 1; x < 6; x++ {
				m.Set(x, y, z, 1)
			}
		}
	}

	got, err := Erode(m, 1)
	require.NoError(t, err)
	assert.Equal(t, 27, countOn(got))

	got, err = Erode(m, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, countOn(got))
}

func TestNegativeRadius(t *testing.T) {
	m := models.NewMask(models.Shape{2, 2, 2})

	_, err := Erode(m, -1)
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	_, err = Dilate(m, -3)
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestRadiusZeroIsClip(t *testing.T) {
	m := models.NewMask(models.Shape{2, 2, 1})
	m.Data = []uint8{0, 5, 1, 255}
	want := []uint8{0, 1, 1, 1}

	eroded, err := Erode(m, 0)
	require.NoError(t, err)
	assert.Equal(t, want, eroded.Data)

	dilated, err := Dilate(m, 0)
	require.NoError(t, err)
	assert.Equal(t, want, dilated.Data)

	// input untouched
	assert.Equal(t, []uint8{0, 5, 1, 255}, m.Data)
}

func TestMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	shape := models.Shape{9, 8, 7}

	for trial := 0; trial < 5; trial++ {
		m := randomMask(rng, shape, 0.4+0.1*float64(trial))
		before := m.Clone()
		for r := 0; r <= 3; r++ {
			eroded, err := Erode(m, r)
			require.NoError(t, err)
			dilated, err := Dilate(m, r)
			require.NoError(t, err)

			assert.True(t, IsSubset(eroded, m), "erode(M,%d) must be a subset of M", r)
			assert.True(t, IsSubset(m, dilated), "M must be a subset of dilate(M,%d)", r)
			assertBinary(t, eroded)
			assertBinary(t, dilated)
			assert.Equal(t, shape, eroded.Shape)
			assert.Equal(t, shape, dilated.Shape)
		}
		assert.Equal(t, before.Data, m.Data, "operations must not mutate their input")
	}
}

func TestDilateFromSingleVoxel(t *testing.T) {
	m := models.NewMask(models.Shape{9, 9, 9})
	m.Set(4, 4, 4, 1)

	for r, want := range []int{1, 7, 33, 123} {
		got, err := Dilate(m, r)
		require.NoError(t, err)
		assert.Equal(t, want, countOn(got), "radius %d", r)
	}
}

func TestApplyProbabilityMask(t *testing.T) {
	ones := repeat3([][]uint8{
		{1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1},
	})
	prob := probabilityFromGrid([][][]float64{
		{
			{0.1, 0.2, 0.3, 0.4, 0.5},
			{0.2, 0.4, 0.6, 0.8, 1.0},
			{0.3, 0.5, 0.7, 0.9, 0.9},
			{0.4, 0.6, 0.8, 0.7, 0.8},
			{0.5, 0.7, 0.9, 0.6, 0.7},
		},
		{
			{0.2, 0.3, 0.4, 0.5, 0.6},
			{0.3, 0.5, 0.7, 0.9, 0.8},
			{0.4, 0.6, 0.8, 1.0, 0.9},
			{0.5, 0.7, 0.9, 0.8, 0.7},
			{0.6, 0.8, 1.0, 0.7, 0.6},
		},
		{
			{0.3, 0.4, 0.5, 0.6, 0.7},
			{0.4, 0.6, 0.8, 1.0, 0.9},
			{0.5, 0.7, 0.9, 0.8, 0.7},
			{0.6, 0.8, 1.0, 0.7, 0.6},
			{0.7, 0.9, 0.8, 0.6, 0.5},
		},
	})
	want := [][][]uint8{
		{
			{0, 0, 0, 0, 0},
			{0, 0, 0, 1, 1},
			{0, 0, 1, 1, 1},
			{0, 0, 1, 1, 1},
			{0, 1, 1, 0, 1},
		},
		{
			{0, 0, 0, 0, 0},
			{0, 0, 1, 1, 1},
			{0, 0, 1, 1, 1},
			{0, 1, 1, 1, 1},
			{0, 1, 1, 1, 0},
		},
		{
			{0, 0, 0, 0, 1},
			{0, 0, 1, 1, 1},
			{0, 1, 1, 1, 1},
			{0, 1, 1, 1, 0},
			{1, 1, 1, 0, 0},
		},
	}

	mask := maskFromGrid(ones)
	got, err := ApplyProbabilityMask(mask, prob, 0.7)
	require.NoError(t, err)
	assert.Equal(t, maskFromGrid(want).Data, got.Data)
	assertBinary(t, got)

	lower, err := ApplyProbabilityMask(mask, prob, 0.5)
	require.NoError(t, err)
	assert.Greater(t, countOn(lower), countOn(got))

	exact, err := ApplyProbabilityMask(mask, prob, 1.0)
	require.NoError(t, err)
	for i, p := range prob.Data {
		if p >= 1.0 {
			assert.Equal(t, uint8(1), exact.Data[i])
		} else {
			assert.Equal(t, uint8(0), exact.Data[i])
		}
	}
}

func TestApplyProbabilityMaskShapeMismatch(t *testing.T) {
	mask := models.NewMask(models.Shape{2, 2, 2})
	prob := models.NewProbabilityVolume(models.Shape{2, 2, 3})

	_, err := ApplyProbabilityMask(mask, prob, 0.5)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestSelectLabelsAndSubtract(t *testing.T) {
	labels := models.NewLabelVolume(models.Shape{2, 2, 2})
	labels.Data = []int32{1, 2, 3, 4, 1, 2, 3, 4}

	sel := SelectLabels(labels, models.NewLabelSet(1, 2))
	assert.Equal(t, []uint8{1, 1, 0, 0, 1, 1, 0, 0}, sel.Data)

	empty := SelectLabels(labels, models.NewLabelSet())
	assert.Equal(t, 0, countOn(empty))

	excl := SelectLabels(labels, models.NewLabelSet(2))
	diff, err := Subtract(sel, excl)
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 0, 0, 0, 1, 0, 0, 0}, diff.Data)

	_, err = Subtract(sel, models.NewMask(models.Shape{1, 1, 1}))
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func countOn(m *models.Mask) int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

func assertBinary(t *testing.T, m *models.Mask) {
	t.Helper()
	for i, v := range m.Data {
		if v > 1 {
			t.Fatalf("voxel %d has non-binary value %d", i, v)
		}
	}
}
