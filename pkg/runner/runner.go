// Package runner wires the region builders to files on disk. Each call
// checks its inputs, loads the volumes, builds the mask, measures it and
// writes the result next to the geometry of the source segmentation.
package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"refregion/internal/models"
	"refregion/pkg/cerebellum"
	"refregion/pkg/metrics"
	"refregion/pkg/nifti"
	"refregion/pkg/refregion"
)

// ErrNotFound is returned when an input file does not exist
var ErrNotFound = nifti.ErrNotFound

// CustomRequest describes one custom reference region run
type CustomRequest struct {
	MaskFile   string
	OutputFile string
	Definition refregion.Definition

	// ProbabilityFile must be set exactly when Definition carries a
	// probability threshold.
	ProbabilityFile string

	// IntermediateDir, when set, receives every pipeline stage as its own
	// mask file.
	IntermediateDir string

	// Name prefixes intermediate files. Defaults to the output file stem.
	Name string
}

// CerebellumRequest describes one cerebellar reference region run
type CerebellumRequest struct {
	CerebellumFile  string
	BrainFile       string
	OutputFile      string
	Params          cerebellum.Params
	IntermediateDir string
}

// Runner executes region requests and logs its progress
type Runner struct {
	log zerolog.Logger
}

// New returns a Runner that logs to log. Pass zerolog.Nop() to stay quiet.
func New(log zerolog.Logger) *Runner {
	return &Runner{log: log.With().Str("component", "runner").Logger()}
}

func checkExists(what, path string) error {
	if path == "" {
		return errors.Wrapf(refregion.ErrInvalidParameter, "%s path is required", what)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "%s does not exist: %s", what, path)
		}
		return errors.Wrapf(err, "stat %s", path)
	}
	return nil
}

// stem strips directories and NIfTI extensions from path
func stem(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".nii.gz", ".nii", ".gz"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CustomRegion builds a custom reference region from req.MaskFile and
// writes it to req.OutputFile.
func (r *Runner) CustomRegion(req CustomRequest) (metrics.Morphometrics, error) {
	def := req.Definition

	if err := checkExists("mask file", req.MaskFile); err != nil {
		return metrics.Morphometrics{}, err
	}
	if req.ProbabilityFile != "" {
		if err := checkExists("probability mask file", req.ProbabilityFile); err != nil {
			return metrics.Morphometrics{}, err
		}
	}
	if err := def.Validate(); err != nil {
		return metrics.Morphometrics{}, err
	}
	if (req.ProbabilityFile != "") != (def.ProbabilityThreshold != nil) {
		return metrics.Morphometrics{}, errors.Wrap(refregion.ErrInvalidParameter,
			"probability mask and probability threshold must be used together")
	}
	if req.OutputFile == "" {
		return metrics.Morphometrics{}, errors.Wrap(refregion.ErrInvalidParameter, "output path is required")
	}

	log := r.log.With().Str("mask", req.MaskFile).Logger()
	log.Debug().Ints32("include", def.Include).Ints32("exclude", def.Exclude).
		Int("erode", def.ErodeRadius).Int("dilate", def.DilateRadius).Msg("loading segmentation")

	labels, err := nifti.ReadLabelVolume(req.MaskFile)
	if err != nil {
		return metrics.Morphometrics{}, errors.Wrapf(err, "failed to load mask file %s", req.MaskFile)
	}

	in := refregion.Input{Labels: labels.Volume}
	if req.ProbabilityFile != "" {
		prob, err := nifti.ReadProbabilityVolume(req.ProbabilityFile)
		if err != nil {
			return metrics.Morphometrics{}, errors.Wrapf(err, "failed to load probability mask file %s", req.ProbabilityFile)
		}
		in.Probability = prob.Volume
	}

	res, stages, err := refregion.BuildWithMetrics(def, in, labels.Header.VoxelSize)
	if err != nil {
		return metrics.Morphometrics{}, err
	}

	if in.Probability != nil {
		if s, ok := metrics.SummarizeProbability(res.Mask, in.Probability); ok {
			log.Debug().Float64("mean", s.Mean).Float64("std", s.StdDev).
				Float64("min", s.Min).Float64("max", s.Max).Msg("probability within region")
		}
	}

	if req.IntermediateDir != "" {
		name := req.Name
		if name == "" {
			name = stem(req.OutputFile)
		}
		err := r.writeStages(req.IntermediateDir, name, labels.Header, []namedMask{
			{"selection", stages.Selection},
			{"probability", stages.Probability},
			{"eroded", stages.Eroded},
			{"exclusion", stages.Exclusion},
			{"exclusion_dilated", stages.Dilated},
		})
		if err != nil {
			return metrics.Morphometrics{}, err
		}
	}

	if err := nifti.WriteMask(req.OutputFile, res.Mask, labels.Header); err != nil {
		return metrics.Morphometrics{}, errors.Wrapf(err, "failed to save output file %s", req.OutputFile)
	}

	log.Info().Str("output", req.OutputFile).Int("voxels", res.Morphometrics.VoxelCount).Msg("reference region written")
	return res.Morphometrics, nil
}

// CerebellumRegion builds the cerebellar reference region from a cerebellar
// and a whole-brain segmentation on the same grid.
func (r *Runner) CerebellumRegion(req CerebellumRequest) (metrics.Morphometrics, error) {
	if err := checkExists("cerebellum segmentation file", req.CerebellumFile); err != nil {
		return metrics.Morphometrics{}, err
	}
	if err := checkExists("brain segmentation file", req.BrainFile); err != nil {
		return metrics.Morphometrics{}, err
	}
	if err := req.Params.Validate(); err != nil {
		return metrics.Morphometrics{}, err
	}
	if req.OutputFile == "" {
		return metrics.Morphometrics{}, errors.Wrap(refregion.ErrInvalidParameter, "output path is required")
	}

	log := r.log.With().Str("atlas", req.Params.Atlas.Name).Logger()

	cereb, err := nifti.ReadLabelVolume(req.CerebellumFile)
	if err != nil {
		return metrics.Morphometrics{}, errors.Wrap(err, "failed to load segmentation files")
	}
	brain, err := nifti.ReadLabelVolume(req.BrainFile)
	if err != nil {
		return metrics.Morphometrics{}, errors.Wrap(err, "failed to load segmentation files")
	}

	res, stages, err := cerebellum.BuildWithMetrics(cereb.Volume, brain.Volume, req.Params, cereb.Header.VoxelSize)
	if err != nil {
		return metrics.Morphometrics{}, err
	}

	if req.IntermediateDir != "" {
		err := r.writeStages(req.IntermediateDir, stem(req.OutputFile), cereb.Header, []namedMask{
			{"cortex", stages.Cortex},
			{"cortex_dilated", stages.CortexDilated},
			{"vermis", stages.Vermis},
			{"vermis_dilated", stages.VermisDilated},
			{"cerebellum", stages.Cerebellum},
			{"cerebellum_eroded", stages.CerebellumEroded},
		})
		if err != nil {
			return metrics.Morphometrics{}, err
		}
	}

	if err := nifti.WriteMask(req.OutputFile, res.Mask, cereb.Header); err != nil {
		return metrics.Morphometrics{}, errors.Wrapf(err, "failed to save output file %s", req.OutputFile)
	}

	log.Info().Str("output", req.OutputFile).Int("voxels", res.Morphometrics.VoxelCount).Msg("cerebellar reference region written")
	return res.Morphometrics, nil
}

type namedMask struct {
	name string
	mask *models.Mask
}

// writeStages saves each non-nil stage as <dir>/<prefix>_<stage>.nii.gz
func (r *Runner) writeStages(dir, prefix string, template models.Header, stages []namedMask) error {
	for _, s := range stages {
		if s.mask == nil {
			continue
		}
		path := filepath.Join(dir, prefix+"_"+s.name+".nii.gz")
		if err := nifti.WriteMask(path, s.mask, template); err != nil {
			return errors.Wrapf(err, "failed to save intermediate %s", s.name)
		}
		r.log.Debug().Str("stage", s.name).Str("path", path).Msg("intermediate saved")
	}
	return nil
}
