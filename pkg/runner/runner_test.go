package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refregion/internal/models"
	"refregion/pkg/cerebellum"
	"refregion/pkg/config"
	"refregion/pkg/nifti"
	"refregion/pkg/refregion"
)

// writeTwoLabelMask writes a 2x2x2 volume alternating labels 1 and 2 along z
func writeTwoLabelMask(t *testing.T, dir string, size models.VoxelSize) string {
	t.Helper()
	labels := models.NewLabelVolume(models.Shape{2, 2, 2})
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			labels.Set(x, y, 0, 1)
			labels.Set(x, y, 1, 2)
		}
	}
	path := filepath.Join(dir, "mask.nii")
	require.NoError(t, nifti.WriteLabelVolume(path, labels, models.Header{VoxelSize: size}))
	return path
}

func writeProbability(t *testing.T, dir string, shape models.Shape, values []float64) string {
	t.Helper()
	prob := models.NewProbabilityVolume(shape)
	copy(prob.Data, values)
	path := filepath.Join(dir, "prob.nii.gz")
	require.NoError(t, nifti.WriteProbabilityVolume(path, prob, models.Header{}))
	return path
}

func readMask(t *testing.T, path string) *models.LabelVolume {
	t.Helper()
	img, err := nifti.ReadLabelVolume(path)
	require.NoError(t, err)
	return img.Volume
}

func countNonZero(v *models.LabelVolume) int {
	n := 0
	for _, l := range v.Data {
		if l != 0 {
			n++
		}
	}
	return n
}

func TestCustomRegion(t *testing.T) {
	dir := t.TempDir()
	mask := writeTwoLabelMask(t, dir, models.VoxelSize{2, 2, 2})
	out := filepath.Join(dir, "out", "ref.nii.gz")

	m, err := New(zerolog.Nop()).CustomRegion(CustomRequest{
		MaskFile:   mask,
		OutputFile: out,
		Definition: refregion.Definition{Include: []int32{1, 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, 8, m.VoxelCount)
	assert.Equal(t, 64.0, m.VolumeMM3)
	assert.Equal(t, 100.0, m.RetentionPercentage)

	written := readMask(t, out)
	assert.Equal(t, 8, countNonZero(written))

	raw, err := nifti.ReadHeader(out)
	require.NoError(t, err)
	h, err := nifti.ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, nifti.DTUint8, h.Datatype)
	assert.Equal(t, models.VoxelSize{2, 2, 2}, h.VoxelSize())
}

func TestCustomRegionInt32Segmentation(t *testing.T) {
	dir := t.TempDir()
	labels := models.NewLabelVolume(models.Shape{2, 2, 2})
	copy(labels.Data, []int32{601, 601, 606, 3, 42, 0, 601, 628})
	seg := filepath.Join(dir, "cerebnet.nii.gz")
	require.NoError(t, nifti.WriteLabelVolume(seg, labels, models.Header{}))

	raw, err := nifti.ReadHeader(seg)
	require.NoError(t, err)
	h, err := nifti.ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, nifti.DTInt32, h.Datatype)

	out := filepath.Join(dir, "ref.nii.gz")
	m, err := New(zerolog.Nop()).CustomRegion(CustomRequest{
		MaskFile:   seg,
		OutputFile: out,
		Definition: refregion.Definition{Include: []int32{601, 628}, Exclude: []int32{606}},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, m.VoxelCount)
	assert.Equal(t, 100.0, m.RetentionPercentage)
	assert.Equal(t, []int32{1, 1, 0, 0, 0, 0, 1, 1}, readMask(t, out).Data)
}

func TestCustomRegionWithProbability(t *testing.T) {
	dir := t.TempDir()
	mask := writeTwoLabelMask(t, dir, models.IsotropicVoxel)
	prob := writeProbability(t, dir, models.Shape{2, 2, 2}, []float64{0.3, 0.7, 0.6, 0.4, 0.8, 0.2, 0.9, 0.5})

	m, err := New(zerolog.Nop()).CustomRegion(CustomRequest{
		MaskFile:        mask,
		OutputFile:      filepath.Join(dir, "ref.nii"),
		ProbabilityFile: prob,
		Definition:      refregion.Definition{Include: []int32{1, 2}, ProbabilityThreshold: refregion.Threshold(0.5)},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, m.VoxelCount)
	assert.Equal(t, 62.5, m.RetentionPercentage)
}

func TestCustomRegionErrors(t *testing.T) {
	dir := t.TempDir()
	mask := writeTwoLabelMask(t, dir, models.IsotropicVoxel)
	prob := writeProbability(t, dir, models.Shape{2, 2, 2}, nil)
	wrongShape := filepath.Join(dir, "wrong.nii")
	require.NoError(t, nifti.WriteProbabilityVolume(wrongShape, models.NewProbabilityVolume(models.Shape{2, 2, 3}), models.Header{}))
	out := filepath.Join(dir, "out.nii")
	include := []int32{1}

	tests := []struct {
		name string
		req  CustomRequest
		want error
	}{
		{"missing mask", CustomRequest{MaskFile: filepath.Join(dir, "nope.nii"), OutputFile: out,
			Definition: refregion.Definition{Include: include}}, ErrNotFound},
		{"missing probability", CustomRequest{MaskFile: mask, OutputFile: out, ProbabilityFile: filepath.Join(dir, "nope.nii"),
			Definition: refregion.Definition{Include: include, ProbabilityThreshold: refregion.Threshold(0.5)}}, ErrNotFound},
		{"threshold without probability", CustomRequest{MaskFile: mask, OutputFile: out,
			Definition: refregion.Definition{Include: include, ProbabilityThreshold: refregion.Threshold(0.5)}}, refregion.ErrInvalidParameter},
		{"probability without threshold", CustomRequest{MaskFile: mask, OutputFile: out, ProbabilityFile: prob,
			Definition: refregion.Definition{Include: include}}, refregion.ErrInvalidParameter},
		{"negative erode", CustomRequest{MaskFile: mask, OutputFile: out,
			Definition: refregion.Definition{Include: include, ErodeRadius: -1}}, refregion.ErrInvalidParameter},
		{"empty include", CustomRequest{MaskFile: mask, OutputFile: out}, refregion.ErrInvalidParameter},
		{"missing output", CustomRequest{MaskFile: mask, Definition: refregion.Definition{Include: include}}, refregion.ErrInvalidParameter},
		{"shape mismatch", CustomRequest{MaskFile: mask, OutputFile: out, ProbabilityFile: wrongShape,
			Definition: refregion.Definition{Include: include, ProbabilityThreshold: refregion.Threshold(0.5)}}, refregion.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(zerolog.Nop()).CustomRegion(tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err), "no output is written on failure")
}

func TestCustomRegionIntermediates(t *testing.T) {
	dir := t.TempDir()
	mask := writeTwoLabelMask(t, dir, models.IsotropicVoxel)
	stages := filepath.Join(dir, "stages")

	_, err := New(zerolog.Nop()).CustomRegion(CustomRequest{
		MaskFile:        mask,
		OutputFile:      filepath.Join(dir, "ref.nii.gz"),
		Definition:      refregion.Definition{Include: []int32{1}, Exclude: []int32{2}},
		IntermediateDir: stages,
	})
	require.NoError(t, err)

	for _, name := range []string{"selection", "eroded", "exclusion", "exclusion_dilated"} {
		assert.FileExists(t, filepath.Join(stages, "ref_"+name+".nii.gz"))
	}
	assert.NoFileExists(t, filepath.Join(stages, "ref_probability.nii.gz"))
	assert.Equal(t, 4, countNonZero(readMask(t, filepath.Join(stages, "ref_exclusion.nii.gz"))))
}

func TestCerebellumRegion(t *testing.T) {
	dir := t.TempDir()
	shape := models.Shape{10, 10, 10}
	cereb := models.NewLabelVolume(shape)
	cereb.Fill([3]int{3, 3, 3}, [3]int{7, 7, 7}, 601)
	cerebPath := filepath.Join(dir, "cerebellum.nii.gz")
	brainPath := filepath.Join(dir, "brain.nii.gz")
	require.NoError(t, nifti.WriteLabelVolume(cerebPath, cereb, models.Header{}))
	require.NoError(t, nifti.WriteLabelVolume(brainPath, models.NewLabelVolume(shape), models.Header{}))

	out := filepath.Join(dir, "ref.nii.gz")
	m, err := New(zerolog.Nop()).CerebellumRegion(CerebellumRequest{
		CerebellumFile:  cerebPath,
		BrainFile:       brainPath,
		OutputFile:      out,
		Params:          cerebellum.DefaultParams(),
		IntermediateDir: filepath.Join(dir, "stages"),
	})
	require.NoError(t, err)
	assert.Equal(t, 8, m.VoxelCount)
	assert.Equal(t, 12.5, m.RetentionPercentage)
	assert.Equal(t, 8, countNonZero(readMask(t, out)))
	assert.FileExists(t, filepath.Join(dir, "stages", "ref_cerebellum_eroded.nii.gz"))
}

func TestCerebellumRegionErrors(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.nii")
	b := filepath.Join(dir, "b.nii")
	require.NoError(t, nifti.WriteLabelVolume(a, models.NewLabelVolume(models.Shape{4, 4, 4}), models.Header{}))
	require.NoError(t, nifti.WriteLabelVolume(b, models.NewLabelVolume(models.Shape{4, 4, 5}), models.Header{}))
	r := New(zerolog.Nop())

	_, err := r.CerebellumRegion(CerebellumRequest{CerebellumFile: filepath.Join(dir, "x.nii"), BrainFile: b,
		OutputFile: filepath.Join(dir, "o.nii"), Params: cerebellum.DefaultParams()})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = r.CerebellumRegion(CerebellumRequest{CerebellumFile: a, BrainFile: b,
		OutputFile: filepath.Join(dir, "o.nii"), Params: cerebellum.DefaultParams()})
	assert.True(t, errors.Is(err, refregion.ErrShapeMismatch))
}

func batchConfig(mask, dir string) *config.Config {
	return &config.Config{
		Version: config.SupportedConfigVersion,
		ReferenceRegions: []config.ReferenceRegion{
			{Name: "region_a", RefIndices: []int32{1}, MaskFile: mask, OutputFile: filepath.Join(dir, "out1.nii")},
			{Name: "region_b", RefIndices: []int32{2}, MaskFile: mask, OutputFile: filepath.Join(dir, "out2.nii")},
		},
	}
}

func TestBatch(t *testing.T) {
	dir := t.TempDir()
	mask := writeTwoLabelMask(t, dir, models.IsotropicVoxel)
	cfg := batchConfig(mask, dir)

	var seen []string
	results, err := New(zerolog.Nop()).Batch(cfg, BatchOptions{
		IntermediateDir: filepath.Join(dir, "stages"),
		OnResult:        func(r RegionResult) { seen = append(seen, r.Name) },
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"region_a", "region_b"}, seen)
	assert.Equal(t, 4, results[0].Morphometrics.VoxelCount)
	assert.Equal(t, 4, results[1].Morphometrics.VoxelCount)
	assert.FileExists(t, filepath.Join(dir, "out1.nii"))
	assert.FileExists(t, filepath.Join(dir, "out2.nii"))
	assert.FileExists(t, filepath.Join(dir, "stages", "region_b", "region_b_selection.nii.gz"))
}

func TestBatchFailsFast(t *testing.T) {
	dir := t.TempDir()
	mask := writeTwoLabelMask(t, dir, models.IsotropicVoxel)
	cfg := batchConfig(mask, dir)
	cfg.ReferenceRegions[0].MaskFile = ""

	results, err := New(zerolog.Nop()).Batch(cfg, BatchOptions{})
	assert.True(t, errors.Is(err, refregion.ErrInvalidParameter))
	assert.Empty(t, results)
	assert.NoFileExists(t, filepath.Join(dir, "out2.nii"))

	cfg = batchConfig(mask, dir)
	cfg.ReferenceRegions[1].OutputFile = ""
	results, err = New(zerolog.Nop()).Batch(cfg, BatchOptions{})
	assert.True(t, errors.Is(err, refregion.ErrInvalidParameter))
	assert.Len(t, results, 1)
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	results := []RegionResult{{Name: "pons", OutputFile: "pons.nii"}}
	results[0].Morphometrics.VoxelCount = 12

	jsonPath := filepath.Join(dir, "report.json")
	require.NoError(t, WriteReport(jsonPath, results))
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, results, back.Regions)

	require.NoError(t, WriteReport(filepath.Join(dir, "report.yaml"), nil))
	data, err = os.ReadFile(filepath.Join(dir, "report.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "regions: []\n", string(data))

	err = WriteReport(filepath.Join(dir, "report.txt"), results)
	assert.True(t, errors.Is(err, config.ErrUnsupportedFormat))
}
