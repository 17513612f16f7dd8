// Package containertest writes small synthetic slide containers for tests.
package containertest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
)

// Plane describes one directory of a synthetic container.
type Plane struct {
	Description     string
	Width, Height   int
	SamplesPerPixel int
	// Photometric defaults to BlackIsZero for one sample, RGB for three.
	Photometric uint16
	WhiteIsZero bool
	// Compression is 1 (none) or 8 (deflate). Any other value stores the
	// pixel bytes verbatim as opaque chunk data.
	Compression uint16
	Predictor   uint16
	// TileSize > 0 makes a tiled plane with square tiles.
	TileSize     int
	RowsPerStrip int
	// Pixels holds chunky 8-bit samples. Nil fills the plane with a pattern
	// derived from Seed.
	Pixels []byte
	Seed   byte
	// ASCII adds extra ASCII tags.
	ASCII map[uint16]string
	// ShortOffsets stores strip offsets and byte counts as SHORT.
	ShortOffsets bool
	// Chunks, when set, is written verbatim in place of Pixels.
	Chunks [][]byte
}

// Builder assembles planes into a classic TIFF stream.
type Builder struct {
	BigEndian bool
	// ShareValues stores identical out-of-line values once.
	ShareValues bool
	Planes      []Plane
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	val   []byte
}

// Bytes encodes the container.
func (b *Builder) Bytes() ([]byte, error) {
	var order binary.ByteOrder = binary.LittleEndian
	mark := "II"
	if b.BigEndian {
		order, mark = binary.BigEndian, "MM"
	}

	var buf bytes.Buffer
	buf.WriteString(mark)
	_ = binary.Write(&buf, order, uint16(42))
	_ = binary.Write(&buf, order, uint32(0))

	shared := make(map[string]uint32)
	link := 4
	for i, p := range b.Planes {
		p = p.withDefaults()
		chunks, err := p.chunks()
		if err != nil {
			return nil, fmt.Errorf("plane %d: %w", i, err)
		}
		offsets := make([]uint32, len(chunks))
		counts := make([]uint32, len(chunks))
		for j, c := range chunks {
			align(&buf)
			offsets[j] = uint32(buf.Len())
			counts[j] = uint32(len(c))
			buf.Write(c)
		}

		entries := p.entries(order, offsets, counts)
		for j := range entries {
			e := &entries[j]
			if len(e.val) <= 4 {
				continue
			}
			key := fmt.Sprintf("%d:%x", e.typ, e.val)
			if off, ok := shared[key]; ok && b.ShareValues {
				e.val = le32(order, off)
				continue
			}
			align(&buf)
			off := uint32(buf.Len())
			buf.Write(e.val)
			shared[key] = off
			e.val = le32(order, off)
		}

		align(&buf)
		ifd := buf.Len()
		order.PutUint32(buf.Bytes()[link:], uint32(ifd))
		_ = binary.Write(&buf, order, uint16(len(entries)))
		for _, e := range entries {
			_ = binary.Write(&buf, order, e.tag)
			_ = binary.Write(&buf, order, e.typ)
			_ = binary.Write(&buf, order, e.count)
			var field [4]byte
			copy(field[:], e.val)
			buf.Write(field[:])
		}
		link = buf.Len()
		_ = binary.Write(&buf, order, uint32(0))
	}
	return buf.Bytes(), nil
}

// WriteFile writes the container into dir and returns its path.
func (b *Builder) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("build container: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write container: %v", err)
	}
	return path
}

func (p Plane) withDefaults() Plane {
	if p.SamplesPerPixel == 0 {
		p.SamplesPerPixel = 1
	}
	switch {
	case p.WhiteIsZero:
		p.Photometric = 0
	case p.Photometric == 0 && p.SamplesPerPixel == 3:
		p.Photometric = 2
	case p.Photometric == 0:
		p.Photometric = 1
	}
	if p.Compression == 0 {
		p.Compression = 1
	}
	if p.Predictor == 0 {
		p.Predictor = 1
	}
	if p.RowsPerStrip <= 0 || p.RowsPerStrip > p.Height {
		p.RowsPerStrip = p.Height
	}
	if p.Pixels == nil {
		p.Pixels = make([]byte, p.Width*p.Height*p.SamplesPerPixel)
		for i := range p.Pixels {
			p.Pixels[i] = byte(i*7) ^ p.Seed
		}
	}
	return p
}

func (p Plane) entries(order binary.ByteOrder, offsets, counts []uint32) []entry {
	spp := p.SamplesPerPixel
	bits := make([]uint16, spp)
	for i := range bits {
		bits[i] = 8
	}
	es := []entry{
		{tag: 256, typ: 4, count: 1, val: le32(order, uint32(p.Width))},
		{tag: 257, typ: 4, count: 1, val: le32(order, uint32(p.Height))},
		{tag: 258, typ: 3, count: uint32(spp), val: shorts(order, bits...)},
		{tag: 259, typ: 3, count: 1, val: shorts(order, p.Compression)},
		{tag: 262, typ: 3, count: 1, val: shorts(order, p.Photometric)},
		{tag: 277, typ: 3, count: 1, val: shorts(order, uint16(spp))},
		{tag: 284, typ: 3, count: 1, val: shorts(order, 1)},
	}
	if p.Predictor != 1 {
		es = append(es, entry{tag: 317, typ: 3, count: 1, val: shorts(order, p.Predictor)})
	}
	if p.Description != "" {
		es = append(es, asciiEntry(270, p.Description))
	}
	for tag, v := range p.ASCII {
		es = append(es, asciiEntry(tag, v))
	}

	if p.TileSize > 0 {
		es = append(es,
			entry{tag: 322, typ: 3, count: 1, val: shorts(order, uint16(p.TileSize))},
			entry{tag: 323, typ: 3, count: 1, val: shorts(order, uint16(p.TileSize))},
			entry{tag: 324, typ: 4, count: uint32(len(offsets)), val: longs(order, offsets...)},
			entry{tag: 325, typ: 4, count: uint32(len(counts)), val: longs(order, counts...)},
		)
	} else {
		es = append(es, entry{tag: 278, typ: 4, count: 1, val: le32(order, uint32(p.RowsPerStrip))})
		if p.ShortOffsets {
			es = append(es,
				entry{tag: 273, typ: 3, count: uint32(len(offsets)), val: shorts(order, narrow(offsets)...)},
				entry{tag: 279, typ: 3, count: uint32(len(counts)), val: shorts(order, narrow(counts)...)},
			)
		} else {
			es = append(es,
				entry{tag: 273, typ: 4, count: uint32(len(offsets)), val: longs(order, offsets...)},
				entry{tag: 279, typ: 4, count: uint32(len(counts)), val: longs(order, counts...)},
			)
		}
	}
	sort.Slice(es, func(i, j int) bool { return es[i].tag < es[j].tag })
	return es
}

func (p Plane) chunks() ([][]byte, error) {
	if p.Chunks != nil {
		return p.Chunks, nil
	}
	spp := p.SamplesPerPixel
	if len(p.Pixels) != p.Width*p.Height*spp {
		return nil, fmt.Errorf("%d pixel bytes for %dx%dx%d", len(p.Pixels), p.Width, p.Height, spp)
	}
	rowLen := p.Width * spp

	var raw [][]byte
	if p.TileSize > 0 {
		ts := p.TileSize
		for ty := 0; ty < p.Height; ty += ts {
			for tx := 0; tx < p.Width; tx += ts {
				tile := make([]byte, ts*ts*spp)
				for y := 0; y < ts && ty+y < p.Height; y++ {
					w := min(ts, p.Width-tx) * spp
					src := p.Pixels[(ty+y)*rowLen+tx*spp:]
					copy(tile[y*ts*spp:], src[:w])
				}
				raw = append(raw, tile)
			}
		}
	} else {
		for y := 0; y < p.Height; y += p.RowsPerStrip {
			rows := min(p.RowsPerStrip, p.Height-y)
			raw = append(raw, append([]byte(nil), p.Pixels[y*rowLen:(y+rows)*rowLen]...))
		}
	}

	for i, c := range raw {
		if p.Predictor == 2 && p.TileSize == 0 {
			for r := 0; r < len(c); r += rowLen {
				row := c[r : r+rowLen]
				for j := len(row) - 1; j >= spp; j-- {
					row[j] -= row[j-spp]
				}
			}
		}
		if p.Compression != 8 && p.Compression != 32946 {
			continue
		}
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(c); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		raw[i] = buf.Bytes()
	}
	return raw, nil
}

// Pixels flattens img into chunky 8-bit samples: gray for spp 1, RGB for 3.
func Pixels(img image.Image, spp int) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*spp)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if spp == 1 {
				out = append(out, color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
				continue
			}
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			out = append(out, c.R, c.G, c.B)
		}
	}
	return out
}

// AperioDescription joins a banner and "Key = value" segments the way
// Aperio scanners write ImageDescription.
func AperioDescription(banner string, segments ...string) string {
	return strings.Join(append([]string{banner}, segments...), "|")
}

// SVS returns a four-plane slide: two tiled pyramid levels, a strip label
// holding label and a strip macro. The second level and the macro carry
// opaque JPEG-tagged data.
func SVS(label image.Image) *Builder {
	desc := AperioDescription("Aperio Image Library v12.0.15\r\n256x192 [0,0 256x192] (64x64) JPEG/RGB Q=70",
		"AppMag = 20",
		"Filename = CMU-1",
		"Title = Study_1",
		"Date = 02/21/22",
		"Time = 10:43:00",
		"Time Zone = GMT+01:00",
		"User = 5c1d2e3f-aaaa-bbbb-cccc-0123456789ab",
		"MPP = 0.4990",
	)
	lb := label.Bounds()
	return &Builder{Planes: []Plane{
		{
			Description: desc, Width: 256, Height: 192, SamplesPerPixel: 3,
			Compression: 8, TileSize: 64, Seed: 0x11,
			ASCII: map[uint16]string{306: "2022:02:21 10:43:00", 315: "jdoe", 316: "scanner-07"},
		},
		{
			Description: "Aperio Image Library v12.0.15\r\n128x96 -> 64x48 - |AppMag = 20",
			Width:       128, Height: 96, SamplesPerPixel: 3, Compression: 7, TileSize: 64, Seed: 0x22,
		},
		{
			Description: "Aperio Image Library v12.0.15\r\nlabel " + fmt.Sprintf("%dx%d", lb.Dx(), lb.Dy()),
			Width:       lb.Dx(), Height: lb.Dy(), SamplesPerPixel: 3, Compression: 8, Predictor: 2,
			RowsPerStrip: 16, Pixels: Pixels(label, 3),
		},
		{
			Description: "Aperio Image Library v12.0.15\r\nmacro 96x64",
			Width:       96, Height: 64, SamplesPerPixel: 3, Compression: 7, RowsPerStrip: 32, Seed: 0x44,
		},
	}}
}

func align(buf *bytes.Buffer) {
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}
}

func asciiEntry(tag uint16, s string) entry {
	v := append([]byte(s), 0)
	return entry{tag: tag, typ: 2, count: uint32(len(v)), val: v}
}

func le32(order binary.ByteOrder, v uint32) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	return b
}

func shorts(order binary.ByteOrder, vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		order.PutUint16(b[2*i:], v)
	}
	return b
}

func longs(order binary.ByteOrder, vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		order.PutUint32(b[4*i:], v)
	}
	return b
}

func narrow(vs []uint32) []uint16 {
	out := make([]uint16, len(vs))
	for i, v := range vs {
		out[i] = uint16(v)
	}
	return out
}
