// Package barcode implements the square matrix barcode rendered into slide
// label planes.
//
// A symbol of size N has a solid finder along the left column and bottom row
// and an alternating timing pattern along the top row and right column. The
// remaining (N-2)x(N-2) modules carry the data stream, most significant bit
// first, XORed with a checkerboard mask. The stream is split into blocks of at
// most 255 bytes, each ending with Reed-Solomon check bytes over GF(256).
package barcode

import (
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"

	"rsc.io/qr/gf256"
)

const (
	// MinSize and MaxSize bound the symbol edge in modules. Sizes are even.
	MinSize = 12
	MaxSize = 104

	formatV1  = 0xA7
	headerLen = 3
)

var field = gf256.NewField(0x11d, 2)

// layout describes how a symbol of a given size splits its bytes.
type layout struct {
	size   int
	total  int   // bytes in the data region
	check  int   // check bytes per block
	blocks []int // total bytes per block, check included
}

func layoutFor(size int) layout {
	side := size - 2
	total := side * side / 8
	check := 6 + total/40
	if check > 16 {
		check = 16
	}

	n := (total + 254) / 255
	blocks := make([]int, n)
	for i := range blocks {
		blocks[i] = total / n
		if i < total%n {
			blocks[i]++
		}
	}
	return layout{size: size, total: total, check: check, blocks: blocks}
}

// dataCap is the number of bytes available for header, payload and padding.
func (l layout) dataCap() int {
	return l.total - l.check*len(l.blocks)
}

// SizeFor returns the smallest symbol size that holds n payload bytes.
func SizeFor(n int) (int, error) {
	for size := MinSize; size <= MaxSize; size += 2 {
		if layoutFor(size).dataCap() >= n+headerLen {
			return size, nil
		}
	}
	return 0, errs.New("barcode.SizeFor", errs.ErrPayloadTooLarge, "%d bytes", n)
}

// Capacity returns the largest payload a symbol can carry.
func Capacity() int {
	return layoutFor(MaxSize).dataCap() - headerLen
}

// Symbol is an encoded barcode as a grid of modules.
type Symbol struct {
	// Size is the edge length in modules.
	Size    int
	modules []bool
}

// Dark reports whether the module at row, col is dark.
func (s *Symbol) Dark(row, col int) bool {
	return s.modules[row*s.Size+col]
}

func (s *Symbol) set(row, col int, dark bool) {
	s.modules[row*s.Size+col] = dark
}

// Encode builds the smallest symbol that carries payload.
func Encode(payload []byte) (*Symbol, error) {
	size, err := SizeFor(len(payload))
	if err != nil {
		return nil, err
	}
	l := layoutFor(size)

	data := make([]byte, l.dataCap())
	data[0] = formatV1
	data[1] = byte(len(payload) >> 8)
	data[2] = byte(len(payload))
	copy(data[headerLen:], payload)
	for i, pad := headerLen+len(payload), 0; i < len(data); i, pad = i+1, pad+1 {
		if pad%2 == 0 {
			data[i] = 0xEC
		} else {
			data[i] = 0x11
		}
	}

	stream := make([]byte, 0, l.total)
	rs := gf256.NewRSEncoder(field, l.check)
	for _, n := range l.blocks {
		k := n - l.check
		block := data[:k]
		data = data[k:]
		check := make([]byte, l.check)
		rs.ECC(block, check)
		stream = append(stream, block...)
		stream = append(stream, check...)
	}

	s := &Symbol{Size: size, modules: make([]bool, size*size)}
	for i := 0; i < size; i++ {
		s.set(i, 0, true)
		s.set(size-1, i, true)
		s.set(0, i, i%2 == 0)
		s.set(i, size-1, (size-1-i)%2 == 0)
	}

	side := size - 2
	for r := 0; r < side; r++ {
		for c := 0; c < side; c++ {
			bit := r*side + c
			on := false
			if bit/8 < len(stream) {
				on = stream[bit/8]&(0x80>>(bit%8)) != 0
			}
			s.set(r+1, c+1, on != mask(r+1, c+1))
		}
	}
	return s, nil
}

func mask(row, col int) bool {
	return (row+col)%2 == 0
}

// decodeStream validates the block check bytes of a sampled stream and
// returns the payload it carries.
func decodeStream(size int, stream []byte) ([]byte, error) {
	const op = "barcode.Decode"
	l := layoutFor(size)
	if len(stream) < l.total {
		return nil, errs.New(op, errs.ErrBarcodeUnreadable, "short stream")
	}

	data := make([]byte, 0, l.dataCap())
	rs := gf256.NewRSEncoder(field, l.check)
	want := make([]byte, l.check)
	for i, n := range l.blocks {
		k := n - l.check
		block, check := stream[:k], stream[k:n]
		stream = stream[n:]
		rs.ECC(block, want)
		for j := range want {
			if want[j] != check[j] {
				return nil, errs.New(op, errs.ErrBarcodeUnreadable, "check bytes mismatch in block %d", i)
			}
		}
		data = append(data, block...)
	}

	if data[0] != formatV1 {
		return nil, errs.New(op, errs.ErrBarcodeUnreadable, "unknown format 0x%02x", data[0])
	}
	n := int(data[1])<<8 | int(data[2])
	if n > len(data)-headerLen {
		return nil, errs.New(op, errs.ErrBarcodeUnreadable, "length %d exceeds capacity", n)
	}
	out := make([]byte, n)
	copy(out, data[headerLen:])
	return out, nil
}
