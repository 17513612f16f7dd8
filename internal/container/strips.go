package container

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

// ReadStrips returns the encoded bytes of every chunk of p.
func ReadStrips(r io.ReaderAt, size int64, p *Plane) ([][]byte, error) {
	out := make([][]byte, len(p.Offsets))
	for i, reg := range p.Chunks() {
		b, err := readAt(r, size, reg.Offset, reg.Length)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// ReadPixels decodes a rewritable strip plane into an image.
func ReadPixels(r io.ReaderAt, size int64, p *Plane) (image.Image, error) {
	if err := p.Rewritable(); err != nil {
		return nil, err
	}
	strips, err := ReadStrips(r, size, p)
	if err != nil {
		return nil, err
	}

	spp := p.SamplesPerPixel
	rowLen := p.Width * spp
	pix := make([]byte, 0, rowLen*p.Height)
	for i, raw := range strips {
		want := p.StripRows(i) * rowLen
		data, err := decompress(p.Compression, raw, want)
		if err != nil {
			return nil, errs.Wrap("container.ReadPixels", errs.ErrMalformedContainer,
				fmt.Errorf("IFD %d strip %d: %w", p.IFD, i, err))
		}
		if len(data) < want {
			return nil, errs.New("container.ReadPixels", errs.ErrMalformedContainer,
				"IFD %d strip %d holds %d of %d bytes", p.IFD, i, len(data), want)
		}
		data = data[:want]
		if p.Predictor == 2 {
			for row := 0; row < len(data); row += rowLen {
				undifference(data[row:row+rowLen], spp)
			}
		}
		pix = append(pix, data...)
	}

	rect := image.Rect(0, 0, p.Width, p.Height)
	if spp == 1 {
		if p.Photometric == PhotometricWhiteIsZero {
			for i := range pix {
				pix[i] = 0xff - pix[i]
			}
		}
		return &image.Gray{Pix: pix, Stride: p.Width, Rect: rect}, nil
	}

	img := image.NewRGBA(rect)
	for i, j := 0, 0; i < len(pix); i, j = i+3, j+4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = pix[i], pix[i+1], pix[i+2], 0xff
	}
	return img, nil
}

// EncodePixels encodes img with the layout of p. LZW planes are written as
// Adobe Deflate, so the returned compression may differ from p.Compression.
func EncodePixels(p *Plane, img image.Image) ([][]byte, uint16, error) {
	if err := p.Rewritable(); err != nil {
		return nil, 0, err
	}
	b := img.Bounds()
	if b.Dx() != p.Width || b.Dy() != p.Height {
		return nil, 0, fmt.Errorf("image is %dx%d; plane %d is %dx%d", b.Dx(), b.Dy(), p.IFD, p.Width, p.Height)
	}

	compression := p.Compression
	if compression == CompressionLZW {
		compression = CompressionAdobeDeflate
	}

	spp := p.SamplesPerPixel
	rowLen := p.Width * spp
	nStrips := len(p.Offsets)
	out := make([][]byte, nStrips)
	for i := 0; i < nStrips; i++ {
		rows := p.StripRows(i)
		data := make([]byte, 0, rows*rowLen)
		for y := i * p.RowsPerStrip; y < i*p.RowsPerStrip+rows; y++ {
			start := len(data)
			for x := 0; x < p.Width; x++ {
				c := img.At(b.Min.X+x, b.Min.Y+y)
				if spp == 1 {
					v := color.GrayModel.Convert(c).(color.Gray).Y
					if p.Photometric == PhotometricWhiteIsZero {
						v = 0xff - v
					}
					data = append(data, v)
					continue
				}
				rgba := color.RGBAModel.Convert(c).(color.RGBA)
				data = append(data, rgba.R, rgba.G, rgba.B)
			}
			if p.Predictor == 2 {
				difference(data[start:], spp)
			}
		}
		enc, err := compress(compression, data)
		if err != nil {
			return nil, 0, err
		}
		out[i] = enc
	}
	return out, compression, nil
}

func decompress(compression uint16, raw []byte, want int) ([]byte, error) {
	var rd io.ReadCloser
	switch compression {
	case CompressionNone:
		return raw, nil
	case CompressionLZW:
		rd = lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
	case CompressionAdobeDeflate, CompressionDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		rd = zr
	default:
		return nil, fmt.Errorf("compression %d", compression)
	}
	defer rd.Close()

	out, err := io.ReadAll(io.LimitReader(rd, int64(want)))
	if err != nil && len(out) < want {
		return nil, err
	}
	return out, nil
}

func compress(compression uint16, data []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionAdobeDeflate, CompressionDeflate:
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, errs.New("container.EncodePixels", errs.ErrUnsupportedPlaneLayout, "cannot encode compression %d", compression)
}

// difference applies the horizontal predictor to one row in place.
func difference(row []byte, spp int) {
	for i := len(row) - 1; i >= spp; i-- {
		row[i] -= row[i-spp]
	}
}

func undifference(row []byte, spp int) {
	for i := spp; i < len(row); i++ {
		row[i] += row[i-spp]
	}
}
