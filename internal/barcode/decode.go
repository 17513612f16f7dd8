package barcode

import (
	"image"
	"image/color"
	"sort"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

// minContrast is the smallest luminance spread treated as ink on paper.
const minContrast = 48

// minFitScore is the fraction of finder and timing modules that must match.
const minFitScore = 0.92

type bitmap struct {
	w, h int
	dark []bool
}

func (b *bitmap) at(x, y int) bool {
	if x < 0 || y < 0 || x >= b.w || y >= b.h {
		return false
	}
	return b.dark[y*b.w+x]
}

type box struct {
	x0, y0, x1, y1 int
	area           int
}

func (b box) width() int  { return b.x1 - b.x0 + 1 }
func (b box) height() int { return b.y1 - b.y0 + 1 }

// Decode locates a symbol in img and returns its payload.
func Decode(img image.Image) ([]byte, error) {
	const op = "barcode.Decode"

	bm := binarize(img)
	if bm == nil {
		return nil, errs.New(op, errs.ErrBarcodeNotFound, "image has no contrast")
	}

	var lastErr error
	for _, b := range bm.candidates() {
		size, ok := bm.fit(b)
		if !ok {
			continue
		}
		payload, err := decodeStream(size, bm.sample(b, size))
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errs.New(op, errs.ErrBarcodeNotFound, "no symbol located")
}

func binarize(img image.Image) *bitmap {
	r := img.Bounds()
	w, h := r.Dx(), r.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	lum := make([]uint8, w*h)
	lo, hi := uint8(255), uint8(0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := luminance(img, r.Min.X+x, r.Min.Y+y)
			lum[y*w+x] = v
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	if int(hi)-int(lo) < minContrast {
		return nil
	}

	threshold := uint8((int(lo) + int(hi) + 1) / 2)
	bm := &bitmap{w: w, h: h, dark: make([]bool, w*h)}
	for i, v := range lum {
		bm.dark[i] = v < threshold
	}
	return bm
}

func luminance(img image.Image, x, y int) uint8 {
	if g, ok := img.(*image.Gray); ok {
		return g.GrayAt(x, y).Y
	}
	return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
}

// candidates returns bounding boxes of dark 4-connected components that are
// large and square enough to be a symbol, biggest first.
func (b *bitmap) candidates() []box {
	seen := make([]bool, len(b.dark))
	var out []box
	stack := make([]int, 0, 256)

	for start, d := range b.dark {
		if !d || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		bx := box{x0: b.w, y0: b.h, x1: -1, y1: -1}
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%b.w, p/b.w
			bx.x0, bx.x1 = min(bx.x0, x), max(bx.x1, x)
			bx.y0, bx.y1 = min(bx.y0, y), max(bx.y1, y)
			bx.area++

			for _, q := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if !b.at(q[0], q[1]) {
					continue
				}
				i := q[1]*b.w + q[0]
				if !seen[i] {
					seen[i] = true
					stack = append(stack, i)
				}
			}
		}

		w, h := bx.width(), bx.height()
		if w < MinSize || h < MinSize {
			continue
		}
		if 4*w < 3*h || 4*h < 3*w {
			continue
		}
		out = append(out, bx)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].area > out[j].area })
	return out
}

// fit finds the symbol size whose finder and timing patterns best match the
// box.
func (b *bitmap) fit(bx box) (int, bool) {
	best, bestScore := 0, 0.0
	for size := MinSize; size <= MaxSize; size += 2 {
		if bx.width() < size || bx.height() < size {
			break
		}
		match := 0
		for i := 0; i < size; i++ {
			if b.module(bx, size, 0, i) == (i%2 == 0) {
				match++
			}
			if b.module(bx, size, size-1, i) {
				match++
			}
			if b.module(bx, size, i, 0) {
				match++
			}
			if b.module(bx, size, i, size-1) == ((size-1-i)%2 == 0) {
				match++
			}
		}
		score := float64(match) / float64(4*size)
		if score > bestScore {
			best, bestScore = size, score
		}
	}
	return best, bestScore >= minFitScore
}

// module samples the module at row, col of a size x size grid laid over bx.
// Large modules are sampled with a 3x3 majority vote around their centre.
func (b *bitmap) module(bx box, size, row, col int) bool {
	pw := float64(bx.width()) / float64(size)
	ph := float64(bx.height()) / float64(size)
	cx := float64(bx.x0) + (float64(col)+0.5)*pw
	cy := float64(bx.y0) + (float64(row)+0.5)*ph

	if pw < 3 || ph < 3 {
		return b.at(int(cx), int(cy))
	}
	dx, dy := pw/4, ph/4
	votes := 0
	for _, oy := range [3]float64{-dy, 0, dy} {
		for _, ox := range [3]float64{-dx, 0, dx} {
			if b.at(int(cx+ox), int(cy+oy)) {
				votes++
			}
		}
	}
	return votes >= 5
}

// sample reads the data region of a fitted symbol into a byte stream.
func (b *bitmap) sample(bx box, size int) []byte {
	side := size - 2
	stream := make([]byte, (side*side+7)/8)
	for r := 0; r < side; r++ {
		for c := 0; c < side; c++ {
			on := b.module(bx, size, r+1, c+1) != mask(r+1, c+1)
			if on {
				bit := r*side + c
				stream[bit/8] |= 0x80 >> (bit % 8)
			}
		}
	}
	return stream
}
