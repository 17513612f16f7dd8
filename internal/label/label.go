// Package label draws slide label images: a barcode carrying the identity
// payload with the identity printed next to it.
package label

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/barcode"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// Renderer draws labels. The zero value uses a 2 module quiet zone, a
// 4 pixel margin and the 7x13 bitmap face.
type Renderer struct {
	Quiet  int
	Margin int
	Face   font.Face
}

func (r Renderer) withDefaults() Renderer {
	if r.Quiet <= 0 {
		r.Quiet = 2
	}
	if r.Margin <= 0 {
		r.Margin = 4
	}
	if r.Face == nil {
		r.Face = basicfont.Face7x13
	}
	return r
}

// Render returns a width x height label for id. The barcode is scaled to
// the largest size that fits the label height and the left half of its width.
func (r Renderer) Render(width, height int, id models.SlideIdentity) (*image.RGBA, error) {
	const op = "label.Render"
	r = r.withDefaults()

	payload, err := barcode.PayloadFor(id).Bytes()
	if err != nil {
		return nil, err
	}
	sym, err := barcode.Encode(payload)
	if err != nil {
		return nil, err
	}
	room := min(height, width/2) - 2*r.Margin
	scale := room / sym.PixelSize(1, r.Quiet)
	if scale < 1 {
		return nil, errs.New(op, errs.ErrPayloadTooLarge,
			"%d module symbol does not fit a %dx%d label", sym.Size, width, height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	code := sym.Image(scale, r.Quiet)
	edge := code.Bounds().Dx()
	at := image.Pt(r.Margin, (height-edge)/2)
	draw.Draw(img, image.Rectangle{Min: at, Max: at.Add(image.Pt(edge, edge))}, code, image.Point{}, draw.Src)

	r.text(img, at.X+edge+r.Margin, lines(id))
	return img, nil
}

func lines(id models.SlideIdentity) []string {
	var out []string
	for _, s := range []string{id.Name, id.ID, id.AcquiredAt, id.Stain, id.Tissue} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// text prints lines top down starting at x. Lines past the bottom edge are
// dropped and long lines are clipped by the image bounds.
func (r Renderer) text(img draw.Image, x int, lines []string) {
	m := r.Face.Metrics()
	lineHeight := m.Height.Ceil()
	if lineHeight <= 0 {
		lineHeight = 13
	}
	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.Black), Face: r.Face}
	y := r.Margin + m.Ascent.Ceil()
	for _, s := range lines {
		if y+m.Descent.Ceil() > img.Bounds().Dy()-r.Margin {
			return
		}
		d.Dot = fixed.P(x, y)
		d.DrawString(s)
		y += lineHeight
	}
}

// Read decodes the identity payload of the barcode on a label.
func Read(img image.Image) (barcode.Payload, error) {
	data, err := barcode.Decode(img)
	if err != nil {
		return barcode.Payload{}, err
	}
	return barcode.ParsePayload(data)
}
