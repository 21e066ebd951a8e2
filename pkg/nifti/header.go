package nifti

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"refregion/internal/models"
)

// HeaderSize is the fixed size of a NIfTI-1 header in bytes
const HeaderSize = 348

// voxOffset is where voxel data starts in a single-file image: the header
// followed by four bytes of (empty) extension flags.
const voxOffset = HeaderSize + 4

// NIfTI-1 datatype codes readable by this package
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

// Header mirrors the on-disk NIfTI-1 header layout field by field
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// ReadHeader reads the raw header bytes of a .nii or .nii.gz file
func ReadHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if isGzip(path) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "gzip %s", path)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "read header of %s", path)
	}
	if _, err := ParseHeader(raw); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return raw, nil
}

// ParseHeader decodes raw header bytes, detecting the byte order from the
// sizeof_hdr field.
func ParseHeader(raw []byte) (*Header, error) {
	h, _, err := parseHeader(raw)
	return h, err
}

func parseHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < HeaderSize {
		return nil, nil, errors.Errorf("header too short: %d bytes", len(raw))
	}
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[:4]) == HeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, errors.New("not a NIfTI-1 header")
	}
	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw[:HeaderSize]), order, h); err != nil {
		return nil, nil, errors.Wrap(err, "decode header")
	}
	return h, order, nil
}

// Scaling returns the slope and intercept applied to stored voxel values.
// A zero or NaN slope means the values are used as stored.
func (h *Header) Scaling() (slope, inter float64) {
	slope = float64(h.SclSlope)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 1, 0
	}
	inter = float64(h.SclInter)
	if math.IsNaN(inter) || math.IsInf(inter, 0) {
		inter = 0
	}
	return slope, inter
}

// Shape returns the spatial grid size
func (h *Header) Shape() models.Shape {
	s := models.Shape{1, 1, 1}
	n := int(h.Dim[0])
	for i := 0; i < 3 && i < n; i++ {
		s[i] = int(h.Dim[i+1])
	}
	return s
}

// VoxelSize returns the spatial voxel size from pixdim, falling back to
// 1mm for unset axes.
func (h *Header) VoxelSize() models.VoxelSize {
	var v models.VoxelSize
	for i := 0; i < 3; i++ {
		d := math.Abs(float64(h.Pixdim[i+1]))
		if d == 0 {
			d = 1
		}
		v[i] = d
	}
	return v
}

// Affine returns the voxel to world transform, preferring the sform, then
// the qform, then plain voxel scaling.
func (h *Header) Affine() models.Affine {
	switch {
	case h.SformCode > 0:
		return models.NewAffine(row(h.SrowX), row(h.SrowY), row(h.SrowZ))
	case h.QformCode > 0:
		return h.qformAffine()
	default:
		return models.ScalingAffine(h.VoxelSize())
	}
}

func row(r [4]float32) [4]float64 {
	return [4]float64{float64(r[0]), float64(r[1]), float64(r[2]), float64(r[3])}
}

// qformAffine builds the affine from the quaternion parameters
func (h *Header) qformAffine() models.Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	rot := mat.NewDense(3, 3, []float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
		2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b,
	})
	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	size := h.VoxelSize()
	scale := mat.NewDiagDense(3, []float64{size[0], size[1], size[2] * qfac})

	var m mat.Dense
	m.Mul(rot, scale)
	offset := [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)}
	var rows [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rows[i][j] = m.At(i, j)
		}
		rows[i][3] = offset[i]
	}
	return models.NewAffine(rows[0], rows[1], rows[2])
}

// Geometry converts raw header bytes into the format-independent header
// carried by in-memory images.
func Geometry(raw []byte) (models.Header, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return models.Header{}, err
	}
	return geometry(h, raw), nil
}

func geometry(h *Header, raw []byte) models.Header {
	return models.Header{
		Shape:     h.Shape(),
		VoxelSize: h.VoxelSize(),
		Affine:    h.Affine(),
		Raw:       raw,
	}
}

// newHeader builds a header for a fresh 3D image. Geometry comes from the
// template's raw header when present, otherwise from its affine.
func newHeader(template models.Header, shape models.Shape, datatype, bitpix int16) (*Header, error) {
	var h *Header
	if template.Raw != nil {
		parsed, err := ParseHeader(template.Raw)
		if err != nil {
			return nil, errors.Wrap(err, "template header")
		}
		if ts := parsed.Shape(); ts != shape {
			return nil, errors.Wrapf(ErrShapeMismatch, "template shape %v does not match volume shape %v", ts, shape)
		}
		h = parsed
	} else {
		h = &Header{}
		size := template.VoxelSize
		if size == (models.VoxelSize{}) {
			size = models.IsotropicVoxel
		}
		affine := template.Affine
		if affine == (models.Affine{}) {
			affine = models.ScalingAffine(size)
		}
		h.Pixdim = [8]float32{1, float32(size[0]), float32(size[1]), float32(size[2]), 1, 1, 1, 1}
		h.SformCode = 2
		h.SrowX = row32(affine.Row(0))
		h.SrowY = row32(affine.Row(1))
		h.SrowZ = row32(affine.Row(2))
		h.XYZTUnits = 2 // mm
	}

	h.SizeofHdr = HeaderSize
	h.Dim = [8]int16{3, int16(shape[0]), int16(shape[1]), int16(shape[2]), 1, 1, 1, 1}
	h.Datatype = datatype
	h.Bitpix = bitpix
	h.VoxOffset = voxOffset
	h.SclSlope = 1
	h.SclInter = 0
	h.CalMax = 0
	h.CalMin = 0
	h.GLMax = 0
	h.GLMin = 0
	h.Magic = [4]byte{'n', '+', '1', 0}
	return h, nil
}

func row32(r [4]float64) [4]float32 {
	return [4]float32{float32(r[0]), float32(r[1]), float32(r[2]), float32(r[3])}
}
