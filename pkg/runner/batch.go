package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"refregion/pkg/config"
	"refregion/pkg/metrics"
	"refregion/pkg/refregion"
)

// RegionResult is the outcome of one region of a batch
type RegionResult struct {
	Name          string                `yaml:"name" json:"name"`
	OutputFile    string                `yaml:"output_file" json:"output_file"`
	Morphometrics metrics.Morphometrics `yaml:"morphometrics" json:"morphometrics"`
}

// BatchOptions tunes Batch
type BatchOptions struct {
	IntermediateDir string

	// OnResult, when set, is called after each region completes
	OnResult func(RegionResult)
}

// Batch runs every region of cfg in order. It stops at the first failing
// region and returns the results gathered so far together with the error.
func (r *Runner) Batch(cfg *config.Config, opts BatchOptions) ([]RegionResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.log.Info().Int("regions", len(cfg.ReferenceRegions)).
		Str("segmentation_type", cfg.SegmentationType).Msg("starting batch")

	results := make([]RegionResult, 0, len(cfg.ReferenceRegions))
	for _, region := range cfg.ReferenceRegions {
		if region.MaskFile == "" {
			return results, errors.Wrapf(refregion.ErrInvalidParameter, "region %q: mask_file is required", region.Name)
		}
		if region.OutputFile == "" {
			return results, errors.Wrapf(refregion.ErrInvalidParameter, "region %q: output_file is required", region.Name)
		}

		intermediate := ""
		if opts.IntermediateDir != "" {
			intermediate = filepath.Join(opts.IntermediateDir, region.Name)
		}

		m, err := r.CustomRegion(CustomRequest{
			MaskFile:        region.MaskFile,
			OutputFile:      region.OutputFile,
			Definition:      region.Definition(),
			ProbabilityFile: region.ProbabilityMaskFile,
			IntermediateDir: intermediate,
			Name:            region.Name,
		})
		if err != nil {
			return results, errors.Wrapf(err, "region %q", region.Name)
		}

		res := RegionResult{Name: region.Name, OutputFile: region.OutputFile, Morphometrics: m}
		results = append(results, res)
		if opts.OnResult != nil {
			opts.OnResult(res)
		}
	}
	return results, nil
}

// Report is the document written by WriteReport
type Report struct {
	Regions []RegionResult `yaml:"regions" json:"regions"`
}

// WriteReport saves results as YAML (.yaml, .yml) or JSON (.json)
func WriteReport(path string, results []RegionResult) error {
	report := Report{Regions: results}
	if report.Regions == nil {
		report.Regions = []RegionResult{}
	}

	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(report)
	case ".json":
		data, err = json.MarshalIndent(report, "", "  ")
		data = append(data, '\n')
	default:
		return errors.Wrapf(config.ErrUnsupportedFormat, "report %q", ext)
	}
	if err != nil {
		return errors.Wrap(err, "encode report")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create report directory")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write report")
	}
	return nil
}
