package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"refregion/internal/models"
)

// overlayShift is how much the green channel is darkened on mask voxels
const overlayShift = 50

// Viewer renders orthogonal slices of an anatomical volume with an optional
// binary mask drawn on top.
type Viewer struct {
	// background holds the anatomical intensities in x-fastest order
	background []float64
	shape      models.Shape

	// overlay is drawn on top of the background when set
	overlay *models.Mask

	// global intensity window, shared by every slice
	min float64
	max float64
}

// NewViewer creates a viewer for a background volume of the given shape
func NewViewer(background []float64, shape models.Shape) (*Viewer, error) {
	if len(background) == 0 {
		return nil, errors.New("background volume is empty")
	}
	if len(background) != shape.Len() {
		return nil, errors.Errorf("background has %d voxels, shape %v needs %d", len(background), shape, shape.Len())
	}
	return &Viewer{
		background: background,
		shape:      shape,
		min:        floats.Min(background),
		max:        floats.Max(background),
	}, nil
}

// WithOverlay returns a copy of the viewer that draws mask on top of the
// background. A nil mask removes the overlay.
func (v *Viewer) WithOverlay(mask *models.Mask) (*Viewer, error) {
	if mask != nil && mask.Shape != v.shape {
		return nil, errors.Errorf("overlay shape %v does not match background shape %v", mask.Shape, v.shape)
	}
	out := *v
	out.overlay = mask
	return &out, nil
}

// gray maps an intensity to 0-255 using the global window
func (v *Viewer) gray(value float64) uint8 {
	span := v.max - v.min
	if span <= 0 {
		return 0
	}
	if value < v.min {
		value = v.min
	}
	if value > v.max {
		value = v.max
	}
	return uint8((value - v.min) / span * 255)
}

func (v *Viewer) pixel(x, y, z int) color.RGBA {
	idx := v.shape.Index(x, y, z)
	g := v.gray(v.background[idx])
	c := color.RGBA{R: g, G: g, B: g, A: 255}
	if v.overlay != nil && v.overlay.Data[idx] > 0 {
		if c.G > overlayShift {
			c.G -= overlayShift
		} else {
			c.G = 0
		}
	}
	return c
}

// SliceCount returns the number of slices along axis
func (v *Viewer) SliceCount(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.shape[0], nil
	case "y", "Y":
		return v.shape[1], nil
	case "z", "Z":
		return v.shape[2], nil
	default:
		return 0, errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (*image.RGBA, error) {
	if position < 0 {
		return nil, errors.New("position must be non-negative")
	}
	n, err := v.SliceCount(axis)
	if err != nil {
		return nil, err
	}
	if position >= n {
		return nil, errors.Errorf("position %d exceeds %s extent %d", position, axis, n)
	}

	width, height, depth := v.shape[0], v.shape[1], v.shape[2]
	var img *image.RGBA

	switch axis {
	case "x", "X":
		// YZ plane
		img = image.NewRGBA(image.Rect(0, 0, depth, height))
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				img.SetRGBA(z, y, v.pixel(position, y, z))
			}
		}

	case "y", "Y":
		// XZ plane
		img = image.NewRGBA(image.Rect(0, 0, width, depth))
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.SetRGBA(x, z, v.pixel(x, position, z))
			}
		}

	default:
		// XY plane
		img = image.NewRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetRGBA(x, y, v.pixel(x, y, position))
			}
		}
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create slice file")
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return errors.Wrap(err, "encode slice")
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	n, err := v.SliceCount(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return errors.Wrap(err, "create slice directory")
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
