package label

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/barcode"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

var identity = models.SlideIdentity{
	ID: "0001", Name: "Study_1", AcquiredAt: "10:43AM 21.02.2022",
	Stain: "Ki67", Tissue: "bone marrow", Path: "CMU-1.svs",
}

func TestRenderRead(t *testing.T) {
	img, err := Renderer{}.Render(320, 160, identity)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 320, 160), img.Bounds())

	got, err := Read(img)
	require.NoError(t, err)
	assert.Equal(t, barcode.PayloadFor(identity), got)
}

func TestRenderDrawsText(t *testing.T) {
	img, err := Renderer{}.Render(320, 160, identity)
	require.NoError(t, err)

	dark := 0
	for y := 0; y < 160; y++ {
		for x := 240; x < 320; x++ {
			if r, _, _, _ := img.At(x, y).RGBA(); r < 0x8000 {
				dark++
			}
		}
	}
	assert.Positive(t, dark, "expected printed text right of the barcode")
}

func TestRenderTooSmall(t *testing.T) {
	_, err := Renderer{}.Render(24, 24, identity)
	assert.ErrorIs(t, err, errs.ErrPayloadTooLarge)
}

func TestReadBlank(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range blank.Pix {
		blank.Pix[i] = 0xff
	}
	_, err := Read(blank)
	assert.ErrorIs(t, err, errs.ErrBarcodeNotFound)
}
