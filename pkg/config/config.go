// Package config provides loading and saving of multi-region batch
// definitions. A batch file lists named reference regions, each with its
// label selection, morphology radii and input/output paths. YAML (.yaml,
// .yml) and JSON (.json) are supported, chosen by file extension.
package config

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"refregion/pkg/refregion"
)

// SupportedConfigVersion is the only schema version this package accepts
const SupportedConfigVersion = 1

var (
	// ErrInvalidConfig is returned when a config fails schema validation
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNotFound is returned when the config file does not exist
	ErrNotFound = errors.New("config file not found")

	// ErrUnsupportedFormat is returned for file extensions other than
	// .yaml, .yml and .json
	ErrUnsupportedFormat = errors.New("unsupported config file extension")
)

// ReferenceRegion is one entry of a batch definition
type ReferenceRegion struct {
	// Name labels the region in reports and default file names
	Name string `yaml:"name" json:"name"`

	// RefIndices are the labels included in the region
	RefIndices []int32 `yaml:"ref_indices" json:"ref_indices"`

	// Erode is the erosion radius in voxels
	Erode int `yaml:"erode" json:"erode"`

	// ExcludeIndices are labels removed (after dilation) from the region
	ExcludeIndices []int32 `yaml:"exclude_indices" json:"exclude_indices"`

	// Dilate is the dilation radius applied to the excluded labels
	Dilate int `yaml:"dilate" json:"dilate"`

	ProbabilityMaskFile  string   `yaml:"probability_mask_file,omitempty" json:"probability_mask_file,omitempty"`
	ProbabilityThreshold *float64 `yaml:"probability_threshold,omitempty" json:"probability_threshold,omitempty"`

	MaskFile   string `yaml:"mask_file,omitempty" json:"mask_file,omitempty"`
	OutputFile string `yaml:"output_file,omitempty" json:"output_file,omitempty"`
}

// Config is a complete batch definition
type Config struct {
	Version          int               `yaml:"version" json:"version"`
	SegmentationType string            `yaml:"segmentation_type,omitempty" json:"segmentation_type,omitempty"`
	ReferenceRegions []ReferenceRegion `yaml:"reference_regions" json:"reference_regions"`
}

// Validate checks a single region entry
func (r ReferenceRegion) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.Wrap(ErrInvalidConfig, "name must not be empty")
	}
	if len(r.RefIndices) == 0 {
		return errors.Wrapf(ErrInvalidConfig, "region %q: ref_indices must not be empty", r.Name)
	}
	if r.Erode < 0 {
		return errors.Wrapf(ErrInvalidConfig, "region %q: erode must be >= 0, got %d", r.Name, r.Erode)
	}
	if r.Dilate < 0 {
		return errors.Wrapf(ErrInvalidConfig, "region %q: dilate must be >= 0, got %d", r.Name, r.Dilate)
	}
	if t := r.ProbabilityThreshold; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
		return errors.Wrapf(ErrInvalidConfig, "region %q: probability_threshold must be between 0 and 1, got %g", r.Name, *t)
	}
	return nil
}

// Definition converts the entry into builder parameters
func (r ReferenceRegion) Definition() refregion.Definition {
	def := refregion.Definition{
		Include:      append([]int32(nil), r.RefIndices...),
		Exclude:      append([]int32(nil), r.ExcludeIndices...),
		ErodeRadius:  r.Erode,
		DilateRadius: r.Dilate,
	}
	if r.ProbabilityThreshold != nil {
		def.ProbabilityThreshold = refregion.Threshold(*r.ProbabilityThreshold)
	}
	return def
}

// RegionFromDefinition builds a config entry from builder parameters
func RegionFromDefinition(name string, def refregion.Definition) ReferenceRegion {
	r := ReferenceRegion{
		Name:           name,
		RefIndices:     append([]int32{}, def.Include...),
		ExcludeIndices: append([]int32{}, def.Exclude...),
		Erode:          def.ErodeRadius,
		Dilate:         def.DilateRadius,
	}
	if def.ProbabilityThreshold != nil {
		v := *def.ProbabilityThreshold
		r.ProbabilityThreshold = &v
	}
	return r
}

// Validate checks the whole batch definition
func (c *Config) Validate() error {
	if c.Version != SupportedConfigVersion {
		return errors.Wrapf(ErrInvalidConfig, "unsupported config version %d, expected %d", c.Version, SupportedConfigVersion)
	}
	if len(c.ReferenceRegions) == 0 {
		return errors.Wrap(ErrInvalidConfig, "reference_regions must not be empty")
	}
	for i := range c.ReferenceRegions {
		if err := c.ReferenceRegions[i].Validate(); err != nil {
			return errors.Wrapf(err, "reference_regions[%d]", i)
		}
	}
	return nil
}

// normalize fills defaults that the zero value leaves unset
func (c *Config) normalize() {
	for i := range c.ReferenceRegions {
		if c.ReferenceRegions[i].ExcludeIndices == nil {
			c.ReferenceRegions[i].ExcludeIndices = []int32{}
		}
	}
}

// normalized returns a normalized copy of c, leaving c untouched
func (c *Config) normalized() *Config {
	out := *c
	out.ReferenceRegions = append([]ReferenceRegion(nil), c.ReferenceRegions...)
	out.normalize()
	return &out
}

// DefaultConfig returns an example batch definition with one region
func DefaultConfig() *Config {
	return &Config{
		Version: SupportedConfigVersion,
		ReferenceRegions: []ReferenceRegion{
			{
				Name:           "reference_region",
				RefIndices:     []int32{1},
				ExcludeIndices: []int32{},
				MaskFile:       "segmentation.nii.gz",
				OutputFile:     "reference_region.nii.gz",
			},
		},
	}
}

type format int

const (
	formatYAML format = iota
	formatJSON
)

func formatFor(path string) (format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".json":
		return formatJSON, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedFormat, "%q (use .yaml, .yml, or .json)", ext)
	}
}

// LoadConfig loads and validates a batch definition
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", configPath)
	}
	f, err := formatFor(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	cfg := &Config{}
	switch f {
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	case formatJSON:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Marshal encodes cfg in the given file's format without writing it
func Marshal(cfg *Config, configPath string) ([]byte, error) {
	f, err := formatFor(configPath)
	if err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	switch f {
	case formatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "error marshaling config")
		}
		return append(data, '\n'), nil
	default:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, errors.Wrap(err, "error marshaling config")
		}
		if err := enc.Close(); err != nil {
			return nil, errors.Wrap(err, "error marshaling config")
		}
		return buf.Bytes(), nil
	}
}

// SaveConfig writes cfg to configPath, omitting unset optional fields
func SaveConfig(cfg *Config, configPath string) error {
	data, err := Marshal(cfg, configPath)
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}
	return nil
}

// CreateDefaultConfigFile writes DefaultConfig to configPath
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// ToMap converts cfg into a plain map, leaving out unset optional fields
func ToMap(cfg *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg.normalized())
	if err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "decode config map")
	}
	return out, nil
}

// FromMap builds and validates a Config from a plain map
func FromMap(m map[string]interface{}) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode config map")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}
