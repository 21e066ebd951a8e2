// Package metrics computes morphometric summaries of binary masks.
package metrics

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"refregion/internal/models"
)

// Morphometrics summarises a reference region mask
type Morphometrics struct {
	// VoxelCount is the number of non-zero voxels in the mask
	VoxelCount int `json:"voxel_count" yaml:"voxel_count"`

	// VolumeMM3 is VoxelCount times the physical volume of one voxel
	VolumeMM3 float64 `json:"volume_mm3" yaml:"volume_mm3"`

	// RetentionPercentage is the share of the original label selection that
	// survived processing, in percent. It is 0 when the original selection
	// is empty.
	RetentionPercentage float64 `json:"retention_percentage" yaml:"retention_percentage"`
}

// VoxelCount counts the non-zero voxels of mask
func VoxelCount(mask *models.Mask) int {
	n := 0
	for _, v := range mask.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// VoxelVolume returns the physical volume of a single voxel in mm³
func VoxelVolume(size models.VoxelSize) float64 {
	return floats.Prod(size[:])
}

// VolumeMM3 converts the voxel count of mask to a physical volume
func VolumeMM3(mask *models.Mask, size models.VoxelSize) float64 {
	return float64(VoxelCount(mask)) * VoxelVolume(size)
}

// RetentionPercentage returns count(processed) / count(original) * 100.
// An empty original selection yields exactly 0.
func RetentionPercentage(original, processed *models.Mask) float64 {
	originalCount := VoxelCount(original)
	if originalCount == 0 {
		return 0.0
	}
	return float64(VoxelCount(processed)) / float64(originalCount) * 100
}

// Compute fills a Morphometrics record for processed, measuring retention
// against original.
func Compute(original, processed *models.Mask, size models.VoxelSize) Morphometrics {
	return Morphometrics{
		VoxelCount:          VoxelCount(processed),
		VolumeMM3:           VolumeMM3(processed, size),
		RetentionPercentage: RetentionPercentage(original, processed),
	}
}

// Print writes the human-readable morphometrics block
func (m Morphometrics) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Morphometrics:\n  Voxel count:           %d\n  Volume (mm3):          %.2f\n  Retention (%%):         %.2f\n",
		m.VoxelCount, m.VolumeMM3, m.RetentionPercentage)
	return err
}

// ProbabilitySummary describes the probability values sampled inside a mask
type ProbabilitySummary struct {
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"std_dev" yaml:"std_dev"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
}

// SummarizeProbability reports the distribution of probability values over
// the "on" voxels of mask. The boolean is false when the mask is empty.
func SummarizeProbability(mask *models.Mask, probability *models.ProbabilityVolume) (ProbabilitySummary, bool) {
	values := make([]float64, 0, VoxelCount(mask))
	for i, v := range mask.Data {
		if v != 0 {
			values = append(values, probability.Data[i])
		}
	}
	if len(values) == 0 {
		return ProbabilitySummary{}, false
	}
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}
	return ProbabilitySummary{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}, true
}
