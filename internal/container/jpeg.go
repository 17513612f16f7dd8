package container

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

// TagJPEGTables holds the quantisation and Huffman tables shared by
// abbreviated JPEG strips.
const TagJPEGTables uint16 = 347

// DecodeJPEG decodes a single-strip JPEG plane for inspection. An
// abbreviated strip is completed with the directory's JPEGTables. The
// plane stays lossy and cannot be rewritten from the result.
func (c *Container) DecodeJPEG(r io.ReaderAt, p *Plane) (image.Image, error) {
	const op = "container.DecodeJPEG"
	if p.Compression != CompressionJPEG {
		return nil, errs.New(op, errs.ErrUnsupportedPlaneLayout, "IFD %d uses compression %d", p.IFD, p.Compression)
	}
	if p.Tiled || len(p.Offsets) != 1 {
		return nil, errs.New(op, errs.ErrUnsupportedPlaneLayout, "IFD %d is not a single JPEG strip", p.IFD)
	}
	strips, err := ReadStrips(r, c.Size, p)
	if err != nil {
		return nil, err
	}
	data := strips[0]
	tables, err := c.jpegTables(r, p.IFD)
	if err != nil {
		return nil, err
	}
	if len(tables) > 4 && len(data) > 2 {
		// tables: SOI ... EOI, strip: SOI ... EOI
		data = append(tables[:len(tables)-2:len(tables)-2], data[2:]...)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(op, errs.ErrMalformedContainer, err)
	}
	if cfg.Width != p.Width || cfg.Height != p.Height {
		return nil, errs.New(op, errs.ErrMalformedContainer,
			"IFD %d JPEG is %dx%d, directory says %dx%d", p.IFD, cfg.Width, cfg.Height, p.Width, p.Height)
	}
	if n := int64(cfg.Width) * int64(cfg.Height) * 4; n > MaxRewritableBytes {
		return nil, errs.New(op, errs.ErrUnsupportedPlaneLayout, "IFD %d decodes to %d bytes", p.IFD, n)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(op, errs.ErrMalformedContainer, err)
	}
	return img, nil
}

// jpegTables reads the JPEGTables of directory index, which the parser
// leaves unloaded as UNDEFINED data.
func (c *Container) jpegTables(r io.ReaderAt, index int) ([]byte, error) {
	for _, d := range c.IFDs {
		if d.Index != index {
			continue
		}
		e, ok := d.Entry(TagJPEGTables)
		if !ok {
			return nil, nil
		}
		if e.Len() > maxValueLen {
			return nil, malformed("IFD %d JPEG tables of %d bytes", index, e.Len())
		}
		return readAt(r, c.Size, e.ValueOffset, e.Len())
	}
	return nil, nil
}
