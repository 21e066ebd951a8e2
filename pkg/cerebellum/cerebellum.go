// Package cerebellum builds a cerebellar reference region.
//
// Cerebral cortex and vermis lie next to the lateral cerebellar cortex and
// would spill PET signal into it. Both are dilated and subtracted from an
// eroded cerebellar cortex mask, leaving a safety margin around them.
package cerebellum

import (
	"github.com/pkg/errors"

	"refregion/internal/models"
	"refregion/pkg/metrics"
	"refregion/pkg/morphology"
	"refregion/pkg/refregion"
)

// Default radii, in voxels
const (
	DefaultCortexDilation    = 4
	DefaultVermisDilation    = 4
	DefaultCerebellumErosion = 1
)

// Params controls the cerebellar pipeline
type Params struct {
	Atlas Atlas

	CortexDilation    int
	VermisDilation    int
	CerebellumErosion int
}

// DefaultParams returns the parameters used when nothing is overridden
func DefaultParams() Params {
	return Params{
		Atlas:             DefaultAtlas,
		CortexDilation:    DefaultCortexDilation,
		VermisDilation:    DefaultVermisDilation,
		CerebellumErosion: DefaultCerebellumErosion,
	}
}

// Validate checks the radii and the atlas
func (p Params) Validate() error {
	if len(p.Atlas.CerebellumNoVermis) == 0 {
		return errors.Wrap(refregion.ErrInvalidParameter, "atlas has no cerebellar labels")
	}
	radii := []struct {
		name string
		r    int
	}{
		{"cortex dilation", p.CortexDilation},
		{"vermis dilation", p.VermisDilation},
		{"cerebellum erosion", p.CerebellumErosion},
	}
	for _, rd := range radii {
		if rd.r < 0 {
			return errors.Wrapf(refregion.ErrInvalidParameter, "%s radius must be >= 0, got %d", rd.name, rd.r)
		}
	}
	return nil
}

// Stages holds the intermediate masks of one Build call
type Stages struct {
	Cortex           *models.Mask
	Cerebellum       *models.Mask
	Vermis           *models.Mask
	CortexDilated    *models.Mask
	VermisDilated    *models.Mask
	CerebellumEroded *models.Mask
	Result           *models.Mask
}

// Build returns the cerebellar reference region. cerebellar is the
// cerebellar segmentation, brain the whole-brain segmentation on the same
// grid.
func Build(cerebellar, brain *models.LabelVolume, p Params) (*models.Mask, error) {
	s, err := BuildStages(cerebellar, brain, p)
	if err != nil {
		return nil, err
	}
	return s.Result, nil
}

// BuildStages runs the pipeline and keeps every intermediate mask
func BuildStages(cerebellar, brain *models.LabelVolume, p Params) (*Stages, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cerebellar == nil || brain == nil {
		return nil, errors.Wrap(refregion.ErrInvalidParameter, "cerebellar and brain segmentations are required")
	}
	if cerebellar.Shape != brain.Shape {
		return nil, errors.Wrapf(refregion.ErrShapeMismatch, "cerebellum shape %v does not match brain shape %v",
			cerebellar.Shape, brain.Shape)
	}

	s := &Stages{
		Cortex:     morphology.SelectLabels(brain, p.Atlas.cortexSet()),
		Cerebellum: morphology.SelectLabels(cerebellar, p.Atlas.cerebellumSet()),
		Vermis:     morphology.SelectLabels(cerebellar, p.Atlas.vermisSet()),
	}

	var err error
	if s.CortexDilated, err = morphology.Dilate(s.Cortex, p.CortexDilation); err != nil {
		return nil, err
	}
	if s.VermisDilated, err = morphology.Dilate(s.Vermis, p.VermisDilation); err != nil {
		return nil, err
	}
	if s.CerebellumEroded, err = morphology.Erode(s.Cerebellum, p.CerebellumErosion); err != nil {
		return nil, err
	}
	if s.Result, err = morphology.Subtract(s.CerebellumEroded, s.VermisDilated, s.CortexDilated); err != nil {
		return nil, err
	}
	return s, nil
}

// OriginalSelection is the full cerebellar selection, vermis included,
// that retention is measured against.
func OriginalSelection(cerebellar *models.LabelVolume, a Atlas) *models.Mask {
	return morphology.SelectLabels(cerebellar, models.NewLabelSet(a.AllCerebellar...))
}

// BuildWithMetrics runs Build and measures the result
func BuildWithMetrics(cerebellar, brain *models.LabelVolume, p Params, size models.VoxelSize) (*refregion.Result, *Stages, error) {
	s, err := BuildStages(cerebellar, brain, p)
	if err != nil {
		return nil, nil, err
	}
	original := OriginalSelection(cerebellar, p.Atlas)
	return &refregion.Result{
		Mask:          s.Result,
		Morphometrics: metrics.Compute(original, s.Result, size),
	}, s, nil
}
