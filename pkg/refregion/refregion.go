// Package refregion builds binary reference region masks from a labeled
// segmentation.
//
// The pipeline runs in a fixed order:
//  1. select the include labels
//  2. optionally keep only voxels whose probability reaches a threshold
//  3. erode the selection
//  4. select the exclude labels and dilate them
//  5. subtract the dilated exclusion from the eroded selection
//
// Retention is always measured against the raw label selection of step 1,
// see OriginalSelection.
package refregion

import (
	"math"

	"github.com/pkg/errors"

	"refregion/internal/models"
	"refregion/pkg/metrics"
	"refregion/pkg/morphology"
)

var (
	// ErrInvalidParameter is returned when a Definition or its inputs fail
	// validation. It is the same value as morphology.ErrInvalidParameter.
	ErrInvalidParameter = morphology.ErrInvalidParameter

	// ErrShapeMismatch is returned when companion volumes differ in shape
	ErrShapeMismatch = morphology.ErrShapeMismatch
)

// Definition fully determines one invocation of Build
type Definition struct {
	// Include lists the labels selected into the reference region. Must be
	// non-empty.
	Include []int32

	// Exclude lists labels whose (dilated) footprint is removed from the
	// region. May be empty.
	Exclude []int32

	// ErodeRadius is the ball radius, in voxels, used to erode the selection
	ErodeRadius int

	// DilateRadius is the ball radius, in voxels, used to grow the exclusion
	DilateRadius int

	// ProbabilityThreshold, when set, keeps only voxels whose probability is
	// >= the threshold. It must be paired with a probability volume.
	ProbabilityThreshold *float64
}

// Threshold is a small helper for filling Definition.ProbabilityThreshold
func Threshold(v float64) *float64 {
	return &v
}

// Validate checks the definition on its own, without any volume
func (d Definition) Validate() error {
	if len(d.Include) == 0 {
		return errors.Wrap(ErrInvalidParameter, "include label set must not be empty")
	}
	if d.ErodeRadius < 0 {
		return errors.Wrapf(ErrInvalidParameter, "erosion radius must be >= 0, got %d", d.ErodeRadius)
	}
	if d.DilateRadius < 0 {
		return errors.Wrapf(ErrInvalidParameter, "dilation radius must be >= 0, got %d", d.DilateRadius)
	}
	if t := d.ProbabilityThreshold; t != nil {
		if math.IsNaN(*t) || *t < 0 || *t > 1 {
			return errors.Wrapf(ErrInvalidParameter, "probability threshold must be between 0 and 1, got %g", *t)
		}
	}
	return nil
}

// Input bundles the volumes consumed by Build
type Input struct {
	Labels *models.LabelVolume

	// Probability is optional. It must be supplied exactly when the
	// definition carries a probability threshold.
	Probability *models.ProbabilityVolume
}

// Stages holds the intermediate masks of one Build call. Every mask is an
// independent value; later stages never alias earlier ones.
type Stages struct {
	Selection   *models.Mask
	Probability *models.Mask
	Eroded      *models.Mask
	Exclusion   *models.Mask
	Dilated     *models.Mask
	Result      *models.Mask
}

// Validate checks the definition against concrete inputs. All checks run
// before any morphology so a failing call has no partial results.
func Validate(def Definition, in Input) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if in.Labels == nil {
		return errors.Wrap(ErrInvalidParameter, "label volume is required")
	}
	hasProb := in.Probability != nil
	hasThreshold := def.ProbabilityThreshold != nil
	if hasProb != hasThreshold {
		return errors.Wrap(ErrInvalidParameter, "probability volume and probability threshold must be used together")
	}
	if hasProb && in.Probability.Shape != in.Labels.Shape {
		return errors.Wrapf(ErrShapeMismatch, "probability volume shape %v does not match label volume shape %v",
			in.Probability.Shape, in.Labels.Shape)
	}
	return nil
}

// OriginalSelection is the raw label selection used as the denominator of
// the retention percentage.
func OriginalSelection(labels *models.LabelVolume, include []int32) *models.Mask {
	return morphology.SelectLabels(labels, models.NewLabelSet(include...))
}

// Build runs the reference region pipeline and returns the final mask
func Build(def Definition, in Input) (*models.Mask, error) {
	stages, err := BuildStages(def, in)
	if err != nil {
		return nil, err
	}
	return stages.Result, nil
}

// BuildStages runs the pipeline and keeps every intermediate mask
func BuildStages(def Definition, in Input) (*Stages, error) {
	if err := Validate(def, in); err != nil {
		return nil, err
	}

	s := &Stages{}
	s.Selection = OriginalSelection(in.Labels, def.Include)

	working := s.Selection
	if in.Probability != nil {
		masked, err := morphology.ApplyProbabilityMask(working, in.Probability, *def.ProbabilityThreshold)
		if err != nil {
			return nil, err
		}
		s.Probability = masked
		working = masked
	}

	eroded, err := morphology.Erode(working, def.ErodeRadius)
	if err != nil {
		return nil, err
	}
	s.Eroded = eroded

	s.Exclusion = morphology.SelectLabels(in.Labels, models.NewLabelSet(def.Exclude...))
	dilated, err := morphology.Dilate(s.Exclusion, def.DilateRadius)
	if err != nil {
		return nil, err
	}
	s.Dilated = dilated

	result, err := morphology.Subtract(s.Eroded, s.Dilated)
	if err != nil {
		return nil, err
	}
	s.Result = result
	return s, nil
}

// Result is a reference region mask together with its morphometrics
type Result struct {
	Mask          *models.Mask
	Morphometrics metrics.Morphometrics
}

// BuildWithMetrics runs Build and measures the outcome against the raw
// label selection.
func BuildWithMetrics(def Definition, in Input, size models.VoxelSize) (*Result, *Stages, error) {
	stages, err := BuildStages(def, in)
	if err != nil {
		return nil, nil, err
	}
	return &Result{
		Mask:          stages.Result,
		Morphometrics: metrics.Compute(stages.Selection, stages.Result, size),
	}, stages, nil
}
