// Package nifti reads and writes volumes in the NIfTI-1 container format
// (.nii and .nii.gz).
//
// Voxels are decoded according to the header's datatype and byte order, and
// scl_slope/scl_inter are applied on read. The header is kept alongside the
// data so that derived masks can be written back with the exact geometry
// (qform/sform) of their source.
package nifti

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"refregion/internal/models"
	"refregion/pkg/morphology"
)

var (
	// ErrNotFound is returned when an input file does not exist
	ErrNotFound = errors.New("file not found")

	// ErrShapeMismatch is returned when a template header describes a
	// different grid than the volume being written.
	ErrShapeMismatch = morphology.ErrShapeMismatch

	// ErrUnsupportedDatatype is returned for voxel types that are not
	// plain integers or floats, e.g. complex or RGB.
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// decodeFunc converts one stored voxel to float64
type decodeFunc func(b []byte) float64

// decoder returns the converter and byte width for a datatype
func decoder(datatype int16, order binary.ByteOrder) (decodeFunc, int, error) {
	switch datatype {
	case DTUint8:
		return func(b []byte) float64 { return float64(b[0]) }, 1, nil
	case DTInt8:
		return func(b []byte) float64 { return float64(int8(b[0])) }, 1, nil
	case DTInt16:
		return func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, 2, nil
	case DTUint16:
		return func(b []byte) float64 { return float64(order.Uint16(b)) }, 2, nil
	case DTInt32:
		return func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, 4, nil
	case DTUint32:
		return func(b []byte) float64 { return float64(order.Uint32(b)) }, 4, nil
	case DTFloat32:
		return func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, 4, nil
	case DTInt64:
		return func(b []byte) float64 { return float64(int64(order.Uint64(b))) }, 8, nil
	case DTUint64:
		return func(b []byte) float64 { return float64(order.Uint64(b)) }, 8, nil
	case DTFloat64:
		return func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, 8, nil
	}
	return nil, 0, errors.Wrapf(ErrUnsupportedDatatype, "datatype %d", datatype)
}

// readFile returns the decompressed contents of a .nii or .nii.gz file
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isGzip(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrapf(err, "gzip %s", path)
		}
		defer gz.Close()
		r = gz
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return buf, nil
}

// readVoxels decodes the first volume of a file in x-fastest order with the
// header's scaling applied.
func readVoxels(path string) (models.Header, []float64, error) {
	buf, err := readFile(path)
	if err != nil {
		return models.Header{}, nil, err
	}
	if len(buf) < HeaderSize {
		return models.Header{}, nil, errors.Errorf("%s: %d bytes is too short for a NIfTI-1 header", path, len(buf))
	}
	raw := append([]byte(nil), buf[:HeaderSize]...)
	h, order, err := parseHeader(raw)
	if err != nil {
		return models.Header{}, nil, errors.Wrapf(err, "%s", path)
	}
	if string(h.Magic[:3]) != "n+1" {
		return models.Header{}, nil, errors.Errorf("%s: only single-file NIfTI-1 images are supported", path)
	}
	for i := 1; i <= 3 && i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return models.Header{}, nil, errors.Errorf("%s: invalid dimension %d = %d", path, i, h.Dim[i])
		}
	}

	decode, size, err := decoder(h.Datatype, order)
	if err != nil {
		return models.Header{}, nil, errors.Wrapf(err, "%s", path)
	}

	geom := geometry(h, raw)
	n := geom.Shape.Len()
	offset := int(h.VoxOffset)
	if offset < voxOffset {
		offset = voxOffset
	}
	if have, need := len(buf)-offset, n*size; have < need {
		return models.Header{}, nil, errors.Errorf("%s: truncated voxel data: have %d bytes, need %d", path, max(have, 0), need)
	}

	slope, inter := h.Scaling()
	payload := buf[offset:]
	data := make([]float64, n)
	for i := range data {
		data[i] = decode(payload[i*size:])*slope + inter
	}
	return geom, data, nil
}

// ReadLabelVolume loads a segmentation. Voxel values are rounded to the
// nearest integer label.
func ReadLabelVolume(path string) (*models.LabelImage, error) {
	geom, data, err := readVoxels(path)
	if err != nil {
		return nil, err
	}
	vol := models.NewLabelVolume(geom.Shape)
	for i, v := range data {
		vol.Data[i] = int32(math.Round(v))
	}
	return &models.LabelImage{Volume: vol, Header: geom}, nil
}

// ReadProbabilityVolume loads a continuous probability map
func ReadProbabilityVolume(path string) (*models.ProbabilityImage, error) {
	geom, data, err := readVoxels(path)
	if err != nil {
		return nil, err
	}
	return &models.ProbabilityImage{
		Volume: &models.ProbabilityVolume{Shape: geom.Shape, Data: data},
		Header: geom,
	}, nil
}

// ReadScalarImage loads an anatomical image, e.g. a T1 used as a
// background for display.
func ReadScalarImage(path string) (*models.ScalarImage, error) {
	geom, data, err := readVoxels(path)
	if err != nil {
		return nil, err
	}
	return &models.ScalarImage{Data: data, Header: geom}, nil
}

// WriteMask writes mask as an unsigned 8-bit image on the grid of template.
// Parent directories are created as needed; a .gz suffix selects gzip.
func WriteMask(path string, mask *models.Mask, template models.Header) error {
	payload := make([]byte, len(mask.Data))
	for i, v := range mask.Data {
		if v != 0 {
			payload[i] = 1
		}
	}
	return write(path, mask.Shape, DTUint8, 8, template, func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
}

// WriteLabelVolume writes labels as signed 32-bit integers
func WriteLabelVolume(path string, labels *models.LabelVolume, template models.Header) error {
	return write(path, labels.Shape, DTInt32, 32, template, func(w io.Writer) error {
		return binary.Write(w, binary.LittleEndian, labels.Data)
	})
}

// WriteProbabilityVolume writes probabilities as 32-bit floats
func WriteProbabilityVolume(path string, prob *models.ProbabilityVolume, template models.Header) error {
	data := make([]float32, len(prob.Data))
	for i, v := range prob.Data {
		data[i] = float32(v)
	}
	return write(path, prob.Shape, DTFloat32, 32, template, func(w io.Writer) error {
		return binary.Write(w, binary.LittleEndian, data)
	})
}

func write(path string, shape models.Shape, datatype, bitpix int16, template models.Header, body func(io.Writer) error) error {
	h, err := newHeader(template, shape, datatype, bitpix)
	if err != nil {
		return errors.Wrapf(err, "write %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "create output directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if isGzip(path) {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return errors.Wrapf(err, "write header of %s", path)
	}
	if _, err := w.Write(make([]byte, voxOffset-HeaderSize)); err != nil {
		return errors.Wrapf(err, "write extension flags of %s", path)
	}
	if err := body(w); err != nil {
		return errors.Wrapf(err, "write voxels of %s", path)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrapf(err, "finish gzip stream of %s", path)
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrapf(err, "flush %s", path)
	}
	return f.Close()
}
