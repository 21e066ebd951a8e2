// Package session holds the state of an interactive editing session: the
// loaded volumes, the region definitions being edited and the most recent
// processed mask. A Session is owned by its caller and is not safe for
// concurrent use.
package session

import (
	"image"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"refregion/internal/models"
	"refregion/pkg/config"
	"refregion/pkg/metrics"
	"refregion/pkg/nifti"
	"refregion/pkg/refregion"
	"refregion/pkg/visualization"
)

// DefaultRegionName is used when no region name has been set
const DefaultRegionName = "reference_region"

// ErrNotLoaded is returned when an operation needs a volume that has not
// been loaded yet.
var ErrNotLoaded = errors.New("volume not loaded")

// Session is the state of one interactive session
type Session struct {
	ID string

	log zerolog.Logger

	anatomical   *models.ScalarImage
	segmentation *models.LabelImage
	probability  *models.ProbabilityImage
	available    models.LabelSet

	regions  []config.ReferenceRegion
	selected int
	name     string

	lastDef *refregion.Definition
	result  *refregion.Result
}

// New creates an empty session
func New(log zerolog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		ID:   id,
		log:  log.With().Str("component", "session").Str("session", id).Logger(),
		name: DefaultRegionName,
	}
}

func (s *Session) gridShape() (models.Shape, bool) {
	switch {
	case s.segmentation != nil:
		return s.segmentation.Volume.Shape, true
	case s.anatomical != nil:
		return s.anatomical.Header.Shape, true
	case s.probability != nil:
		return s.probability.Volume.Shape, true
	}
	return models.Shape{}, false
}

func (s *Session) checkGrid(what string, shape models.Shape) error {
	if grid, ok := s.gridShape(); ok && grid != shape {
		return errors.Wrapf(refregion.ErrShapeMismatch, "%s shape %v does not match loaded shape %v", what, shape, grid)
	}
	return nil
}

// LoadAnatomical loads the background image used for rendering
func (s *Session) LoadAnatomical(path string) error {
	img, err := nifti.ReadScalarImage(path)
	if err != nil {
		return errors.Wrap(err, "load anatomical image")
	}
	if s.segmentation != nil || s.probability != nil {
		if err := s.checkGrid("anatomical", img.Header.Shape); err != nil {
			return err
		}
	}
	s.anatomical = img
	s.log.Info().Str("path", path).Stringer("shape", img.Header.Shape).Msg("anatomical image loaded")
	return nil
}

// LoadSegmentation loads the label volume and discards any processed mask
func (s *Session) LoadSegmentation(path string) error {
	img, err := nifti.ReadLabelVolume(path)
	if err != nil {
		return errors.Wrap(err, "load segmentation")
	}
	if s.anatomical != nil {
		if err := s.checkGrid("segmentation", img.Volume.Shape); err != nil {
			return err
		}
	}
	s.segmentation = img
	s.available = models.LabelSet(img.Volume.Labels())
	s.result = nil
	s.log.Info().Str("path", path).Stringer("shape", img.Volume.Shape).
		Int("labels", len(s.available)).Msg("segmentation loaded")
	return nil
}

// LoadProbability loads the probability volume used by thresholded regions
func (s *Session) LoadProbability(path string) error {
	img, err := nifti.ReadProbabilityVolume(path)
	if err != nil {
		return errors.Wrap(err, "load probability volume")
	}
	if err := s.checkGrid("probability", img.Volume.Shape); err != nil {
		return err
	}
	s.probability = img
	s.log.Info().Str("path", path).Msg("probability volume loaded")
	return nil
}

// AvailableLabels lists the labels present in the segmentation, ascending
func (s *Session) AvailableLabels() []int32 {
	out := make([]int32, 0, len(s.available))
	for l := range s.available {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// knownLabels keeps the labels present in the segmentation and logs the rest
func (s *Session) knownLabels(kind string, labels []int32) []int32 {
	var kept []int32
	for _, l := range labels {
		if s.available.Has(l) {
			kept = append(kept, l)
			continue
		}
		s.log.Warn().Int32("label", l).Str("kind", kind).Msg("label not found in segmentation, ignoring")
	}
	return kept
}

// Apply builds the reference region for def on the loaded segmentation.
// Labels absent from the segmentation are dropped with a warning. The
// loaded probability volume is used only when def sets a threshold.
func (s *Session) Apply(def refregion.Definition) (*refregion.Result, error) {
	if s.segmentation == nil {
		return nil, errors.Wrap(ErrNotLoaded, "load a segmentation first")
	}

	def.Include = s.knownLabels("include", def.Include)
	def.Exclude = s.knownLabels("exclude", def.Exclude)
	if len(def.Include) == 0 {
		return nil, errors.Wrap(refregion.ErrInvalidParameter, "no include label is present in the segmentation")
	}

	in := refregion.Input{Labels: s.segmentation.Volume}
	if def.ProbabilityThreshold != nil {
		if s.probability == nil {
			return nil, errors.Wrap(refregion.ErrInvalidParameter, "a probability threshold needs a loaded probability volume")
		}
		in.Probability = s.probability.Volume
	}

	res, _, err := refregion.BuildWithMetrics(def, in, s.segmentation.Header.VoxelSize)
	if err != nil {
		return nil, err
	}

	s.result = res
	s.lastDef = &def
	s.log.Info().Int("include", len(def.Include)).Int("exclude", len(def.Exclude)).
		Int("voxels", res.Morphometrics.VoxelCount).Msg("operations applied")
	return res, nil
}

// Reset discards the processed mask
func (s *Session) Reset() {
	s.result = nil
	s.log.Debug().Msg("mask reset to original")
}

// Mask returns the processed mask, or nil before Apply
func (s *Session) Mask() *models.Mask {
	if s.result == nil {
		return nil
	}
	return s.result.Mask
}

// Morphometrics returns the measurements of the processed mask
func (s *Session) Morphometrics() (metrics.Morphometrics, bool) {
	if s.result == nil {
		return metrics.Morphometrics{}, false
	}
	return s.result.Morphometrics, true
}

// RegionName is the name of the selected region, or the session name when
// no config has been imported.
func (s *Session) RegionName() string {
	if len(s.regions) > 0 {
		return s.regions[s.selected].Name
	}
	return s.name
}

// SetRegionName renames the selected region
func (s *Session) SetRegionName(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultRegionName
	}
	if len(s.regions) > 0 {
		s.regions[s.selected].Name = name
		return
	}
	s.name = name
}

// ImportConfig replaces the session regions with those of a config file
// and selects the first one.
func (s *Session) ImportConfig(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return errors.Wrap(err, "import config")
	}
	s.regions = cfg.ReferenceRegions
	s.selected = 0
	s.log.Info().Str("path", path).Int("regions", len(s.regions)).Msg("config imported")
	return nil
}

// Regions returns the imported regions
func (s *Session) Regions() []config.ReferenceRegion {
	return s.regions
}

// SelectRegion makes region i the current one and returns its definition
func (s *Session) SelectRegion(i int) (refregion.Definition, error) {
	if i < 0 || i >= len(s.regions) {
		return refregion.Definition{}, errors.Wrapf(refregion.ErrInvalidParameter, "region index %d out of range [0, %d)", i, len(s.regions))
	}
	s.selected = i
	return s.regions[i].Definition(), nil
}

// UpdateRegion stores def into the selected region, keeping its name and
// file paths.
func (s *Session) UpdateRegion(def refregion.Definition) error {
	if len(s.regions) == 0 {
		return errors.Wrap(refregion.ErrInvalidParameter, "no config imported")
	}
	cur := s.regions[s.selected]
	next := config.RegionFromDefinition(cur.Name, def)
	next.ProbabilityMaskFile = cur.ProbabilityMaskFile
	next.MaskFile = cur.MaskFile
	next.OutputFile = cur.OutputFile
	s.regions[s.selected] = next
	return nil
}

// ExportConfig writes the session regions to path. Without an imported
// config the last applied definition is exported as a single region.
func (s *Session) ExportConfig(path string) error {
	cfg := &config.Config{Version: config.SupportedConfigVersion, ReferenceRegions: s.regions}
	if len(cfg.ReferenceRegions) == 0 {
		if s.lastDef == nil {
			return errors.Wrap(ErrNotLoaded, "nothing to export, apply a definition first")
		}
		cfg.ReferenceRegions = []config.ReferenceRegion{config.RegionFromDefinition(s.name, *s.lastDef)}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}
	s.log.Info().Str("path", path).Int("regions", len(cfg.ReferenceRegions)).Msg("config exported")
	return nil
}

// DefaultMaskFilename is the suggested file name for SaveMask
func (s *Session) DefaultMaskFilename() string {
	if name := strings.TrimSpace(s.RegionName()); name != "" {
		return "label-" + name + "_mask.nii.gz"
	}
	return "processed_mask.nii.gz"
}

// SaveMask writes the processed mask on the segmentation grid. An empty
// path uses DefaultMaskFilename; a path without a NIfTI extension gets
// .nii.gz appended. The written path is returned.
func (s *Session) SaveMask(path string) (string, error) {
	if s.result == nil || s.segmentation == nil {
		return "", errors.Wrap(ErrNotLoaded, "apply operations before saving")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = s.DefaultMaskFilename()
	}
	if !strings.HasSuffix(path, ".nii.gz") && !strings.HasSuffix(path, ".nii") {
		path += ".nii.gz"
	}
	if err := nifti.WriteMask(path, s.result.Mask, s.segmentation.Header); err != nil {
		return "", err
	}
	s.log.Info().Str("path", path).Msg("mask saved")
	return path, nil
}

// RenderSlice renders one slice of the anatomical image with the processed
// mask, or the raw segmentation before Apply, drawn on top.
func (s *Session) RenderSlice(axis string, index int) (*image.RGBA, error) {
	if s.anatomical == nil {
		return nil, errors.Wrap(ErrNotLoaded, "load an anatomical image first")
	}
	viewer, err := visualization.NewViewer(s.anatomical.Data, s.anatomical.Header.Shape)
	if err != nil {
		return nil, err
	}

	overlay := s.Mask()
	if overlay == nil && s.segmentation != nil {
		overlay = nonZero(s.segmentation.Volume)
	}
	if viewer, err = viewer.WithOverlay(overlay); err != nil {
		return nil, err
	}
	return viewer.ExtractSlice(axis, index)
}

func nonZero(labels *models.LabelVolume) *models.Mask {
	m := models.NewMask(labels.Shape)
	for i, l := range labels.Data {
		if l != 0 {
			m.Data[i] = 1
		}
	}
	return m
}

// WorldCoordinate maps a voxel index to scanner coordinates using the
// anatomical image, or the segmentation when no anatomical image is loaded.
func (s *Session) WorldCoordinate(i, j, k int) ([3]float64, error) {
	var h models.Header
	switch {
	case s.anatomical != nil:
		h = s.anatomical.Header
	case s.segmentation != nil:
		h = s.segmentation.Header
	default:
		return [3]float64{}, errors.Wrap(ErrNotLoaded, "no volume loaded")
	}
	if !h.Shape.Contains(i, j, k) {
		return [3]float64{}, errors.Wrapf(refregion.ErrInvalidParameter, "voxel (%d, %d, %d) outside %v", i, j, k, h.Shape)
	}
	return h.Affine.World(i, j, k), nil
}
