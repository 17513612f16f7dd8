package container

import (
	"strings"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

// Kind classifies a plane.
type Kind string

const (
	// KindPyramid is a tiled resolution level.
	KindPyramid Kind = "pyramid"
	// KindThumbnail is an untiled overview image.
	KindThumbnail Kind = "thumbnail"
	// KindLabel is the photographed slide label, usually carrying a barcode.
	KindLabel Kind = "label"
	// KindMacro is the low-magnification photo of the whole slide.
	KindMacro Kind = "macro"
)

// MaxDimension bounds the width and height of any plane.
const MaxDimension = 1 << 20

// MaxRewritableBytes bounds the decoded size of a plane that is read into
// memory for rewriting.
const MaxRewritableBytes = 256 << 20

// Plane is one image layer of the container.
type Plane struct {
	// IFD is the index of the directory the plane was built from.
	IFD int
	// Kind is the plane classification.
	Kind Kind
	// Level is the pyramid level, 0 being full resolution. Only set for pyramid planes.
	Level int

	Width, Height   int
	Compression     uint16
	Photometric     uint16
	SamplesPerPixel int
	BitsPerSample   []int
	Predictor       uint16
	PlanarConfig    uint16

	// Tiled planes use TileWidth x TileHeight chunks; strip planes use RowsPerStrip.
	Tiled        bool
	RowsPerStrip int
	TileWidth    int
	TileHeight   int

	Offsets    []int64
	ByteCounts []int64

	Description string
}

// Chunks returns the pixel data regions of the plane in storage order.
func (p *Plane) Chunks() []Region {
	out := make([]Region, len(p.Offsets))
	for i := range p.Offsets {
		out[i] = Region{Offset: p.Offsets[i], Length: p.ByteCounts[i]}
	}
	return out
}

// StripRows returns the number of image rows stored in strip i.
func (p *Plane) StripRows(i int) int {
	return min(p.RowsPerStrip, p.Height-i*p.RowsPerStrip)
}

// Rewritable returns ErrUnsupportedPlaneLayout when the plane cannot be
// decoded and re-encoded without loss.
func (p *Plane) Rewritable() error {
	fail := func(format string, args ...any) error {
		return errs.New("container.Rewritable", errs.ErrUnsupportedPlaneLayout, "IFD %d: "+format, append([]any{p.IFD}, args...)...)
	}
	if p.Tiled {
		return fail("tiled layout")
	}
	if p.PlanarConfig != 1 {
		return fail("planar configuration %d", p.PlanarConfig)
	}
	for _, b := range p.BitsPerSample {
		if b != 8 {
			return fail("%d bits per sample", b)
		}
	}
	switch p.Compression {
	case CompressionNone, CompressionLZW, CompressionAdobeDeflate, CompressionDeflate:
	default:
		return fail("compression %d is lossy or unknown", p.Compression)
	}
	switch {
	case p.SamplesPerPixel == 1 && (p.Photometric == PhotometricBlackIsZero || p.Photometric == PhotometricWhiteIsZero):
	case p.SamplesPerPixel == 3 && p.Photometric == PhotometricRGB:
	default:
		return fail("photometric %d with %d samples", p.Photometric, p.SamplesPerPixel)
	}
	if p.Predictor != 1 && p.Predictor != 2 {
		return fail("predictor %d", p.Predictor)
	}
	if n := int64(p.Width) * int64(p.Height) * int64(p.SamplesPerPixel); n > MaxRewritableBytes {
		return fail("%d decoded bytes exceed %d", n, MaxRewritableBytes)
	}
	return nil
}

func (c *Container) buildPlanes() error {
	level := 0
	for _, d := range c.IFDs {
		p, err := c.buildPlane(d)
		if err != nil {
			return err
		}
		role := planeRole(p.Description)
		switch {
		case role == "label":
			p.Kind = KindLabel
		case role == "macro":
			p.Kind = KindMacro
		case p.Tiled:
			p.Kind = KindPyramid
			p.Level = level
			level++
		default:
			p.Kind = KindThumbnail
		}
		c.Planes = append(c.Planes, p)
	}
	return nil
}

// planeRole returns the first word of the line Aperio writes after its
// banner ("label 387x463", "macro 1280x431"), lower-cased. Single-line
// descriptions are read from their first word. The key/value segments after
// the first "|" never count.
func planeRole(desc string) string {
	head, _, _ := strings.Cut(desc, "|")
	lines := strings.Split(strings.ReplaceAll(head, "\r", ""), "\n")
	line := lines[0]
	if len(lines) > 1 {
		line = lines[1]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func (c *Container) scalar(d *IFD, tag uint16, def int64) (int64, error) {
	e, ok := d.Entry(tag)
	if !ok {
		return def, nil
	}
	v := e.Uints(c.Order)
	if len(v) == 0 {
		return 0, malformed("IFD %d tag %d has no integer value", d.Index, tag)
	}
	return int64(v[0]), nil
}

func (c *Container) array(d *IFD, tag uint16) ([]int64, bool) {
	e, ok := d.Entry(tag)
	if !ok {
		return nil, false
	}
	raw := e.Uints(c.Order)
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out, true
}

func (c *Container) buildPlane(d *IFD) (*Plane, error) {
	p := &Plane{IFD: d.Index}
	if e, ok := d.Entry(TagImageDescription); ok {
		p.Description = e.String()
	}

	var err error
	var w, h, v int64
	if w, err = c.scalar(d, TagImageWidth, 0); err != nil {
		return nil, err
	}
	if h, err = c.scalar(d, TagImageLength, 0); err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 {
		return nil, malformed("IFD %d has no image dimensions", d.Index)
	}
	if w > MaxDimension || h > MaxDimension {
		return nil, malformed("IFD %d is %dx%d; sides are limited to %d", d.Index, w, h, MaxDimension)
	}
	p.Width, p.Height = int(w), int(h)

	if v, err = c.scalar(d, TagCompression, int64(CompressionNone)); err != nil {
		return nil, err
	}
	p.Compression = uint16(v)
	if v, err = c.scalar(d, TagSamplesPerPixel, 1); err != nil {
		return nil, err
	}
	if v < 1 || v > 16 {
		return nil, malformed("IFD %d has %d samples per pixel", d.Index, v)
	}
	p.SamplesPerPixel = int(v)
	defPhotometric := int64(PhotometricBlackIsZero)
	if p.SamplesPerPixel >= 3 {
		defPhotometric = int64(PhotometricRGB)
	}
	if v, err = c.scalar(d, TagPhotometric, defPhotometric); err != nil {
		return nil, err
	}
	p.Photometric = uint16(v)
	if v, err = c.scalar(d, TagPredictor, 1); err != nil {
		return nil, err
	}
	p.Predictor = uint16(v)
	if v, err = c.scalar(d, TagPlanarConfig, 1); err != nil {
		return nil, err
	}
	p.PlanarConfig = uint16(v)

	bits, ok := c.array(d, TagBitsPerSample)
	if !ok || len(bits) == 0 {
		bits = []int64{1}
	}
	for _, b := range bits {
		p.BitsPerSample = append(p.BitsPerSample, int(b))
	}

	stripOffsets, hasStrips := c.array(d, TagStripOffsets)
	tileOffsets, hasTiles := c.array(d, TagTileOffsets)
	if hasStrips == hasTiles {
		return nil, errs.New("container.Parse", errs.ErrUnsupportedPlaneLayout,
			"IFD %d must have exactly one of strip or tile layout", d.Index)
	}

	perSample := int64(1)
	if p.PlanarConfig == 2 {
		perSample = int64(p.SamplesPerPixel)
	}

	var counts []int64
	var want int64
	if hasTiles {
		p.Tiled = true
		p.Offsets = tileOffsets
		counts, ok = c.array(d, TagTileByteCounts)
		if v, err = c.scalar(d, TagTileWidth, 0); err != nil {
			return nil, err
		}
		p.TileWidth = int(v)
		if v, err = c.scalar(d, TagTileLength, 0); err != nil {
			return nil, err
		}
		p.TileHeight = int(v)
		if p.TileWidth <= 0 || p.TileHeight <= 0 {
			return nil, malformed("IFD %d has tile offsets but no tile size", d.Index)
		}
		want = ceilDiv(w, int64(p.TileWidth)) * ceilDiv(h, int64(p.TileHeight)) * perSample
	} else {
		p.Offsets = stripOffsets
		counts, ok = c.array(d, TagStripByteCounts)
		if v, err = c.scalar(d, TagRowsPerStrip, h); err != nil {
			return nil, err
		}
		if v <= 0 || v > h {
			v = h
		}
		p.RowsPerStrip = int(v)
		want = ceilDiv(h, v) * perSample
	}
	if !ok {
		return nil, malformed("IFD %d has offsets but no byte counts", d.Index)
	}
	if len(counts) != len(p.Offsets) {
		return nil, malformed("IFD %d has %d offsets and %d byte counts", d.Index, len(p.Offsets), len(counts))
	}
	if int64(len(p.Offsets)) != want {
		return nil, malformed("IFD %d has %d chunks; layout needs %d", d.Index, len(p.Offsets), want)
	}
	p.ByteCounts = counts

	for i := range p.Offsets {
		if p.Offsets[i] > c.Size || p.ByteCounts[i] > c.Size-p.Offsets[i] {
			return nil, malformed("IFD %d chunk %d [%d, +%d) outside %d-byte stream",
				d.Index, i, p.Offsets[i], p.ByteCounts[i], c.Size)
		}
	}
	return p, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
