// Package container reads and rewrites classic TIFF based whole-slide
// containers (Aperio SVS and plain tiled TIFF).
//
// The parser walks the IFD chain over an io.ReaderAt and never loads pixel
// data. Every offset is checked against the stream size before it is used.
package container

import (
	"encoding/binary"
	"strings"
)

// TIFF tags used by the parser and rewriter.
const (
	TagNewSubfileType   uint16 = 254
	TagImageWidth       uint16 = 256
	TagImageLength      uint16 = 257
	TagBitsPerSample    uint16 = 258
	TagCompression      uint16 = 259
	TagPhotometric      uint16 = 262
	TagDocumentName     uint16 = 269
	TagImageDescription uint16 = 270
	TagStripOffsets     uint16 = 273
	TagSamplesPerPixel  uint16 = 277
	TagRowsPerStrip     uint16 = 278
	TagStripByteCounts  uint16 = 279
	TagPlanarConfig     uint16 = 284
	TagDateTime         uint16 = 306
	TagArtist           uint16 = 315
	TagHostComputer     uint16 = 316
	TagPredictor        uint16 = 317
	TagTileWidth        uint16 = 322
	TagTileLength       uint16 = 323
	TagTileOffsets      uint16 = 324
	TagTileByteCounts   uint16 = 325
)

// Field types.
const (
	TypeByte      uint16 = 1
	TypeASCII     uint16 = 2
	TypeShort     uint16 = 3
	TypeLong      uint16 = 4
	TypeRational  uint16 = 5
	TypeSByte     uint16 = 6
	TypeUndefined uint16 = 7
	TypeSShort    uint16 = 8
	TypeSLong     uint16 = 9
	TypeSRational uint16 = 10
	TypeFloat     uint16 = 11
	TypeDouble    uint16 = 12
	TypeIFD       uint16 = 13
)

var typeSize = [...]int64{
	TypeByte: 1, TypeASCII: 1, TypeShort: 2, TypeLong: 4, TypeRational: 8,
	TypeSByte: 1, TypeUndefined: 1, TypeSShort: 2, TypeSLong: 4,
	TypeSRational: 8, TypeFloat: 4, TypeDouble: 8, TypeIFD: 4,
}

// Compression schemes.
const (
	CompressionNone         uint16 = 1
	CompressionLZW          uint16 = 5
	CompressionOldJPEG      uint16 = 6
	CompressionJPEG         uint16 = 7
	CompressionAdobeDeflate uint16 = 8
	CompressionPackBits     uint16 = 32773
	CompressionDeflate      uint16 = 32946
	CompressionJP2kYCbCr    uint16 = 33003
	CompressionJP2kRGB      uint16 = 33005
	CompressionJP2k         uint16 = 34712
)

// Photometric interpretations.
const (
	PhotometricWhiteIsZero uint16 = 0
	PhotometricBlackIsZero uint16 = 1
	PhotometricRGB         uint16 = 2
)

// Entry is one 12-byte IFD entry.
type Entry struct {
	Tag   uint16
	Type  uint16
	Count uint32
	// Field is the file offset of the entry itself.
	Field int64
	// ValueOffset is where the value bytes live; Field+8 for inline values.
	ValueOffset int64
	// Value holds the raw value bytes for BYTE, ASCII, SHORT, LONG and
	// RATIONAL entries. Other types are bounds-checked but not loaded.
	Value []byte
}

// Len returns the size of the value in bytes, or 0 for unknown types.
func (e *Entry) Len() int64 {
	if int(e.Type) >= len(typeSize) {
		return 0
	}
	return int64(e.Count) * typeSize[e.Type]
}

// Inline reports whether the value is stored in the entry's offset field.
func (e *Entry) Inline() bool {
	return e.Len() <= 4
}

// String returns an ASCII value up to its first NUL.
func (e *Entry) String() string {
	s := string(e.Value)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s
}

// Uints decodes BYTE, SHORT and LONG values.
func (e *Entry) Uints(order binary.ByteOrder) []uint64 {
	var out []uint64
	switch e.Type {
	case TypeByte, TypeUndefined:
		for _, b := range e.Value {
			out = append(out, uint64(b))
		}
	case TypeShort:
		for i := 0; i+2 <= len(e.Value); i += 2 {
			out = append(out, uint64(order.Uint16(e.Value[i:])))
		}
	case TypeLong, TypeIFD:
		for i := 0; i+4 <= len(e.Value); i += 4 {
			out = append(out, uint64(order.Uint32(e.Value[i:])))
		}
	}
	return out
}

// IFD is one image file directory in chain order.
type IFD struct {
	Index   int
	Offset  int64
	Entries []Entry
	// Next is the offset of the following IFD, 0 at the end of the chain.
	Next int64
}

// NextField returns the file offset of the next-IFD pointer.
func (d *IFD) NextField() int64 {
	return d.Offset + 2 + 12*int64(len(d.Entries))
}

// Entry returns the entry for tag.
func (d *IFD) Entry(tag uint16) (*Entry, bool) {
	for i := range d.Entries {
		if d.Entries[i].Tag == tag {
			return &d.Entries[i], true
		}
	}
	return nil, false
}

// Container is the structural model of a parsed file.
type Container struct {
	Order  binary.ByteOrder
	Size   int64
	IFDs   []*IFD
	Planes []*Plane
}

// Plane returns the plane built from IFD index i.
func (c *Container) Plane(i int) (*Plane, bool) {
	for _, p := range c.Planes {
		if p.IFD == i {
			return p, true
		}
	}
	return nil, false
}

// PlanesOf returns every plane of kind k in chain order.
func (c *Container) PlanesOf(k Kind) []*Plane {
	var out []*Plane
	for _, p := range c.Planes {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	return out
}

// Region is a byte range of the stream.
type Region struct {
	Offset int64
	Length int64
}

// End returns the first offset after the region.
func (r Region) End() int64 { return r.Offset + r.Length }

// Overlaps reports whether two non-empty regions share a byte.
func (r Region) Overlaps(o Region) bool {
	if r.Length == 0 || o.Length == 0 {
		return false
	}
	return r.Offset < o.End() && o.Offset < r.End()
}

// regions lists every out-of-line value and pixel data region, each tagged
// with an owner key.
func (c *Container) regions() map[regionKey]Region {
	out := make(map[regionKey]Region)
	out[regionKey{ifd: -1, chunk: -2}] = Region{0, 8}
	for _, d := range c.IFDs {
		out[regionKey{ifd: d.Index, chunk: -2}] = Region{d.Offset, d.NextField() + 4 - d.Offset}
		for i := range d.Entries {
			e := &d.Entries[i]
			if !e.Inline() {
				out[regionKey{ifd: d.Index, tag: e.Tag, chunk: -1}] = Region{e.ValueOffset, e.Len()}
			}
		}
	}
	for _, p := range c.Planes {
		for i, r := range p.Chunks() {
			out[regionKey{ifd: p.IFD, chunk: i}] = r
		}
	}
	return out
}

type regionKey struct {
	ifd   int
	tag   uint16
	chunk int
}

// exclusive reports whether r overlaps no region other than the one owned by key.
func exclusive(all map[regionKey]Region, key regionKey, r Region) bool {
	for k, o := range all {
		if k != key && r.Overlaps(o) {
			return false
		}
	}
	return true
}
