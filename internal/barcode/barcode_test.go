package barcode

import (
	"bytes"
	"encoding"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

func randomPayload(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 3, 17, 64, 255, 400, 700, Capacity()} {
		payload := randomPayload(n, int64(n))
		sym, err := Encode(payload)
		require.NoError(t, err, "Encode(%d bytes)", n)

		got, err := Decode(sym.Image(3, 2))
		require.NoError(t, err, "Decode(%d bytes) size %d", n, sym.Size)
		require.True(t, bytes.Equal(payload, got), "payload of %d bytes did not round trip", n)
	}
}

func TestRoundTripScaleOne(t *testing.T) {
	payload := []byte("0001|10:43AM 21.02.2022")
	sym, err := Encode(payload)
	require.NoError(t, err)

	got, err := Decode(sym.Image(1, 2))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSizeMonotonic(t *testing.T) {
	prev := 0
	for n := 0; n <= Capacity(); n++ {
		size, err := SizeFor(n)
		require.NoError(t, err)
		if size < prev {
			t.Fatalf("SizeFor(%d) = %d; smaller than SizeFor(%d) = %d", n, size, n-1, prev)
		}
		if size%2 != 0 {
			t.Fatalf("SizeFor(%d) = %d; want even size", n, size)
		}
		prev = size
	}
}

func TestPayloadTooLarge(t *testing.T) {
	_, err := Encode(make([]byte, Capacity()+1))
	if !errors.Is(err, errs.ErrPayloadTooLarge) {
		t.Fatalf("Encode error = %v; want %v", err, errs.ErrPayloadTooLarge)
	}
}

func TestDecodeResampled(t *testing.T) {
	payload := randomPayload(120, 7)
	sym, err := Encode(payload)
	require.NoError(t, err)
	src := sym.Image(4, 3)

	// Nearest-neighbour upscale by 1.5 leaves modules of uneven width.
	b := src.Bounds()
	w, h := b.Dx()*3/2, b.Dy()*3/2
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetGray(x, y, src.GrayAt(x*2/3, y*2/3))
		}
	}

	got, err := Decode(dst)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDecodeInsideLabel(t *testing.T) {
	payload := []byte("surrogate payload")
	sym, err := Encode(payload)
	require.NoError(t, err)
	code := sym.Image(5, 2)

	label := image.NewRGBA(image.Rect(0, 0, 400, 300))
	draw.Draw(label, label.Bounds(), &image.Uniform{C: color.RGBA{R: 240, G: 236, B: 230, A: 255}}, image.Point{}, draw.Src)
	// Small marks standing in for printed text.
	for i := 0; i < 10; i++ {
		draw.Draw(label, image.Rect(260+i*12, 40, 266+i*12, 50), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	}
	draw.Draw(label, code.Bounds().Add(image.Pt(20, 30)), code, image.Point{}, draw.Src)

	got, err := Decode(label)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDecodeNotFound(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range blank.Pix {
		blank.Pix[i] = 0xff
	}
	_, err := Decode(blank)
	if !errors.Is(err, errs.ErrBarcodeNotFound) {
		t.Fatalf("Decode(blank) error = %v; want %v", err, errs.ErrBarcodeNotFound)
	}

	// A plain square has no timing pattern.
	for y := 20; y < 80; y++ {
		for x := 20; x < 80; x++ {
			blank.SetGray(x, y, color.Gray{})
		}
	}
	_, err = Decode(blank)
	if !errors.Is(err, errs.ErrBarcodeNotFound) {
		t.Fatalf("Decode(square) error = %v; want %v", err, errs.ErrBarcodeNotFound)
	}
}

func TestDecodeUnreadable(t *testing.T) {
	sym, err := Encode([]byte("some payload bytes"))
	require.NoError(t, err)
	const scale, quiet = 4, 2
	img := sym.Image(scale, quiet)

	// Flip the first data module (row 1, col 1).
	x0, y0 := (1+quiet)*scale, (1+quiet)*scale
	v := uint8(0)
	if sym.Dark(1, 1) {
		v = 0xff
	}
	for y := y0; y < y0+scale; y++ {
		for x := x0; x < x0+scale; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}

	_, err = Decode(img)
	if !errors.Is(err, errs.ErrBarcodeUnreadable) {
		t.Fatalf("Decode(corrupted) error = %v; want %v", err, errs.ErrBarcodeUnreadable)
	}
}

func TestPayloadMatch(t *testing.T) {
	id := models.SlideIdentity{ID: "0001", AcquiredAt: "10:43AM 21.02.2022", Stain: "Ki67", Tissue: "bone marrow"}
	p := PayloadFor(id)

	data, err := p.Bytes()
	require.NoError(t, err)
	back, err := ParsePayload(data)
	require.NoError(t, err)
	require.NoError(t, back.Match(p))

	other := p
	other.ID = "0002"
	err = back.Match(other)
	require.ErrorIs(t, err, errs.ErrIdentityMismatch)
	require.NotContains(t, err.Error(), "0002")

	_, err = ParsePayload([]byte{0xff})
	require.ErrorIs(t, err, errs.ErrBarcodeUnreadable)
}

func TestPayloadBytes(t *testing.T) {
	p := PayloadFor(models.SlideIdentity{ID: "0001", AcquiredAt: "10:43AM 21.02.2022", Stain: "Ki67"})

	// The CBOR encoder calls MarshalBinary on values that have it, so the
	// payload must encode as a plain struct.
	_, isMarshaler := any(p).(encoding.BinaryMarshaler)
	require.False(t, isMarshaler)

	data, err := p.Bytes()
	require.NoError(t, err)
	require.Equal(t, byte(0xa0), data[0]&0xe0, "payload is a CBOR map")

	again, err := p.Bytes()
	require.NoError(t, err)
	require.Equal(t, data, again)

	sym, err := Encode(data)
	require.NoError(t, err)
	decoded, err := Decode(sym.Image(4, 4))
	require.NoError(t, err)
	back, err := ParsePayload(decoded)
	require.NoError(t, err)
	require.Equal(t, p, back)
}
