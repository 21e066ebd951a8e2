package cerebellum

import (
	"sort"

	"github.com/pkg/errors"

	"refregion/internal/models"
	"refregion/pkg/refregion"
)

// Atlas names the label tables of one pair of segmentations: a whole-brain
// segmentation providing the cerebral cortex and a cerebellar segmentation
// split into lateral cortex and vermis.
type Atlas struct {
	// Name identifies the atlas version, e.g. "fastsurfer-cerebnet-v1"
	Name string

	// CerebralCortex holds the cortex labels of the whole-brain segmentation
	CerebralCortex []int32

	// CerebellumNoVermis holds the cerebellar cortex labels excluding vermis
	CerebellumNoVermis []int32

	// Vermis holds the vermis labels of the cerebellar segmentation
	Vermis []int32

	// AllCerebellar is the selection that retention is measured against
	AllCerebellar []int32
}

// FastSurferCerebNetV1 covers FreeSurfer aseg (cortex 3/42) combined with a
// CerebNet or SUIT style cerebellar parcellation (labels 600-628).
var FastSurferCerebNetV1 = Atlas{
	Name:           "fastsurfer-cerebnet-v1",
	CerebralCortex: []int32{3, 42},
	CerebellumNoVermis: []int32{
		600, 601, 602, 603, 604, 605, 607, 608, 610, 611, 613,
		614, 616, 617, 619, 620, 622, 623, 625, 626, 628,
	},
	Vermis: []int32{606, 609, 612, 615, 618, 621, 624, 627},
	AllCerebellar: []int32{
		601, 602, 603, 604, 605, 606, 607, 608, 609, 610, 611, 612, 613, 614,
		615, 616, 617, 618, 619, 620, 621, 622, 623, 624, 625, 626, 627, 628,
	},
}

// DefaultAtlas is used when no atlas is named
var DefaultAtlas = FastSurferCerebNetV1

// builtinAtlases are the atlases every Registry starts with
var builtinAtlases = []Atlas{FastSurferCerebNetV1}

// Registry maps atlas names to atlases. It is owned by its caller and is not
// safe for concurrent mutation.
type Registry struct {
	atlases map[string]Atlas
}

// NewRegistry returns a registry holding the built-in atlases
func NewRegistry() *Registry {
	r := &Registry{atlases: make(map[string]Atlas, len(builtinAtlases))}
	for _, a := range builtinAtlases {
		r.atlases[a.Name] = a
	}
	return r
}

// Lookup returns the atlas registered under name
func (r *Registry) Lookup(name string) (Atlas, error) {
	a, ok := r.atlases[name]
	if !ok {
		return Atlas{}, errors.Wrapf(refregion.ErrInvalidParameter, "unknown atlas %q (known: %v)", name, r.Names())
	}
	return a, nil
}

// Register adds or replaces an atlas
func (r *Registry) Register(a Atlas) error {
	if a.Name == "" {
		return errors.Wrap(refregion.ErrInvalidParameter, "atlas name must not be empty")
	}
	if len(a.CerebellumNoVermis) == 0 {
		return errors.Wrapf(refregion.ErrInvalidParameter, "atlas %q has no cerebellar labels", a.Name)
	}
	if r.atlases == nil {
		r.atlases = make(map[string]Atlas)
	}
	r.atlases[a.Name] = a
	return nil
}

// Names lists the registered atlas names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.atlases))
	for n := range r.atlases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupAtlas returns the built-in atlas called name
func LookupAtlas(name string) (Atlas, error) {
	return NewRegistry().Lookup(name)
}

// AtlasNames lists the built-in atlas names
func AtlasNames() []string {
	return NewRegistry().Names()
}

func (a Atlas) cortexSet() models.LabelSet {
	return models.NewLabelSet(a.CerebralCortex...)
}

func (a Atlas) cerebellumSet() models.LabelSet {
	return models.NewLabelSet(a.CerebellumNoVermis...)
}

func (a Atlas) vermisSet() models.LabelSet {
	return models.NewLabelSet(a.Vermis...)
}
