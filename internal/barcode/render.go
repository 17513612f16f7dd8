package barcode

import (
	"image"
	"image/color"
)

// Image renders the symbol with scale pixels per module and a light border
// of quiet modules.
func (s *Symbol) Image(scale, quiet int) *image.Gray {
	scale = max(scale, 1)
	quiet = max(quiet, 0)
	edge := (s.Size + 2*quiet) * scale
	img := image.NewGray(image.Rect(0, 0, edge, edge))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}

	for r := 0; r < s.Size; r++ {
		for c := 0; c < s.Size; c++ {
			if !s.Dark(r, c) {
				continue
			}
			x0, y0 := (c+quiet)*scale, (r+quiet)*scale
			for y := y0; y < y0+scale; y++ {
				for x := x0; x < x0+scale; x++ {
					img.SetGray(x, y, color.Gray{})
				}
			}
		}
	}
	return img
}

// PixelSize returns the rendered edge length for the given scale and quiet zone.
func (s *Symbol) PixelSize(scale, quiet int) int {
	return (s.Size + 2*quiet) * max(scale, 1)
}
