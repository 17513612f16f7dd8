package container_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/container"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/container/containertest"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

func blankWithMark(r image.Rectangle) *image.RGBA {
	img := image.NewRGBA(r)
	draw.Draw(img, r, image.White, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(4, 4, 20, 12), image.Black, image.Point{}, draw.Src)
	return img
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	es, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range es {
		names = append(names, e.Name())
	}
	return names
}

func TestRewritePreservesUntouchedPlanes(t *testing.T) {
	dir := t.TempDir()
	src := containertest.SVS(testLabel(160, 120)).WriteFile(t, dir, "CMU-1.svs")
	dst := filepath.Join(dir, "out.svs")
	before, err := os.ReadFile(src)
	require.NoError(t, err)

	c, err := container.ParseFile(src)
	require.NoError(t, err)
	e, _ := c.IFDs[0].Entry(container.TagImageDescription)
	desc := container.ParseDescription(e.String())
	desc.Set("Filename", "Kx81BQfTZ0aLw")
	desc.Set("Title", "Slide_Kx81BQfTZ0aLw")
	desc.Delete("User")
	desc.Delete("Time Zone")

	label := c.PlanesOf(container.KindLabel)[0]
	replacement := blankWithMark(image.Rect(0, 0, label.Width, label.Height))
	plan := container.Plan{
		Tags: []container.TagEdit{
			{IFD: 0, Tag: container.TagImageDescription, Value: desc.String()},
			{IFD: 0, Tag: container.TagDateTime, Value: "2021:07:30 08:12:55"},
			{IFD: 0, Tag: container.TagArtist, Value: "anonymous operator"},
		},
		Planes: []container.PlaneEdit{{
			IFD: label.IFD,
			Pixels: func(p *container.Plane, current image.Image) (image.Image, error) {
				assert.Equal(t, label.Width, current.Bounds().Dx())
				return replacement, nil
			},
		}},
	}

	res, err := container.NewRewriter(zap.NewNop()).Rewrite(context.Background(), src, dst, plan)
	require.NoError(t, err)
	assert.Positive(t, res.InPlace)
	assert.Positive(t, res.Relocated)

	after, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, before, after, "source must not change")

	out, err := container.ParseFile(dst)
	require.NoError(t, err)
	require.Len(t, out.Planes, len(c.Planes))

	srcFile, err := os.Open(src)
	require.NoError(t, err)
	defer srcFile.Close()
	dstFile, err := os.Open(dst)
	require.NoError(t, err)
	defer dstFile.Close()

	for i, p := range c.Planes {
		q := out.Planes[i]
		assert.Equal(t, p.Kind, q.Kind)
		if p.Kind == container.KindLabel {
			continue
		}
		a, err := container.PlaneDigest(srcFile, p)
		require.NoError(t, err)
		b, err := container.PlaneDigest(dstFile, q)
		require.NoError(t, err)
		assert.Equal(t, a, b, "plane %d (%s)", p.IFD, p.Kind)
		assert.Equal(t, p.Offsets, q.Offsets)
	}

	sameRGB(t, replacement, readPlane(t, dst, out.PlanesOf(container.KindLabel)[0]))

	info := container.ExtractScanInfo(out)
	assert.Equal(t, "Kx81BQfTZ0aLw", info.Filename)
	assert.Equal(t, "Slide_Kx81BQfTZ0aLw", info.Title)
	assert.Empty(t, info.User)
	assert.Empty(t, info.TimeZone)
	assert.Equal(t, "2021:07:30 08:12:55", info.DateTime)
	assert.Equal(t, "anonymous operator", info.Artist)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	for _, secret := range []string{"CMU-1", "Study_1", "5c1d2e3f-aaaa", "GMT+01:00", "2022:02:21"} {
		assert.False(t, bytes.Contains(data, []byte(secret)), "%q left in output", secret)
	}

	srcDigest, err := container.FileDigest(src)
	require.NoError(t, err)
	dstDigest, err := container.FileDigest(dst)
	require.NoError(t, err)
	assert.Equal(t, srcDigest, res.SourceDigest)
	assert.Equal(t, dstDigest, res.OutputDigest)
	assert.Equal(t, int64(len(data)), res.Size)

	assert.ElementsMatch(t, []string{"CMU-1.svs", "out.svs"}, dirEntries(t, dir))
}

func TestRewriteInPlaceOverSource(t *testing.T) {
	dir := t.TempDir()
	src := containertest.SVS(testLabel(64, 48)).WriteFile(t, dir, "slide.svs")
	size := func() int64 {
		st, err := os.Stat(src)
		require.NoError(t, err)
		return st.Size()
	}
	before := size()

	res, err := container.NewRewriter(nil).Rewrite(context.Background(), src, src, container.Plan{
		Tags: []container.TagEdit{{IFD: 0, Tag: container.TagHostComputer, Value: "pc1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.InPlace)
	assert.Zero(t, res.Relocated)
	assert.Equal(t, before, size())

	c, err := container.ParseFile(src)
	require.NoError(t, err)
	e, ok := c.IFDs[0].Entry(container.TagHostComputer)
	require.True(t, ok)
	assert.Equal(t, "pc1", e.String())
	assert.True(t, e.Inline())
}

func TestRewriteKeepsSourceMode(t *testing.T) {
	dir := t.TempDir()
	src := containertest.SVS(testLabel(32, 32)).WriteFile(t, dir, "slide.svs")
	require.NoError(t, os.Chmod(src, 0o644))
	dst := filepath.Join(dir, "out.svs")

	_, err := container.NewRewriter(nil).Rewrite(context.Background(), src, dst, container.Plan{
		Tags: []container.TagEdit{{IFD: 0, Tag: container.TagHostComputer, Value: ""}},
	})
	require.NoError(t, err)
	st, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), st.Mode().Perm())
}

func TestRewriteSharedValueRelocated(t *testing.T) {
	dir := t.TempDir()
	b := &containertest.Builder{ShareValues: true, Planes: []containertest.Plane{
		{Width: 8, Height: 8, Seed: 1, ASCII: map[uint16]string{container.TagArtist: "shared operator"}},
		{Width: 8, Height: 8, Seed: 2, ASCII: map[uint16]string{container.TagArtist: "shared operator"}},
	}}
	src := b.WriteFile(t, dir, "shared.tif")
	dst := filepath.Join(dir, "out.tif")

	res, err := container.NewRewriter(nil).Rewrite(context.Background(), src, dst, container.Plan{
		Tags: []container.TagEdit{{IFD: 0, Tag: container.TagArtist, Value: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.InPlace)

	out, err := container.ParseFile(dst)
	require.NoError(t, err)
	e0, _ := out.IFDs[0].Entry(container.TagArtist)
	e1, _ := out.IFDs[1].Entry(container.TagArtist)
	assert.Equal(t, "x", e0.String())
	assert.Equal(t, "shared operator", e1.String(), "storage shared with another directory must survive")

	res, err = container.NewRewriter(nil).Rewrite(context.Background(), src, dst, container.Plan{
		Tags: []container.TagEdit{{IFD: 1, Tag: container.TagArtist, Value: "somebody else entirely"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Relocated)
	out, err = container.ParseFile(dst)
	require.NoError(t, err)
	e0, _ = out.IFDs[0].Entry(container.TagArtist)
	assert.Equal(t, "shared operator", e0.String())
}

func TestRewritePromotesShortOffsets(t *testing.T) {
	dir := t.TempDir()
	white := bytes.Repeat([]byte{0xff}, 64*32)
	b := &containertest.Builder{Planes: []containertest.Plane{
		{
			Description: "label 64x32", Width: 64, Height: 32, RowsPerStrip: 8,
			Compression: 8, Pixels: white, ShortOffsets: true,
		},
		{Description: "overview", Width: 300, Height: 300, Seed: 9},
	}}
	src := b.WriteFile(t, dir, "short.tif")
	dst := filepath.Join(dir, "out.tif")

	rng := rand.New(rand.NewPCG(1, 2))
	noise := image.NewGray(image.Rect(0, 0, 64, 32))
	for i := range noise.Pix {
		noise.Pix[i] = uint8(rng.UintN(256))
	}

	_, err := container.NewRewriter(nil).Rewrite(context.Background(), src, dst, container.Plan{
		Planes: []container.PlaneEdit{{
			IFD:    0,
			Pixels: func(*container.Plane, image.Image) (image.Image, error) { return noise, nil },
		}},
	})
	require.NoError(t, err)

	out, err := container.ParseFile(dst)
	require.NoError(t, err)
	e, _ := out.IFDs[0].Entry(container.TagStripOffsets)
	assert.Equal(t, container.TypeLong, e.Type)
	for _, off := range out.Planes[0].Offsets {
		assert.Greater(t, off, int64(0xFFFF))
	}

	got := readPlane(t, dst, out.Planes[0]).(*image.Gray)
	assert.Equal(t, noise.Pix, got.Pix)
}

func TestRewriteAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	src := containertest.SVS(testLabel(32, 32)).WriteFile(t, dir, "slide.svs")
	dst := filepath.Join(dir, "out.svs")
	c, err := container.ParseFile(src)
	require.NoError(t, err)
	label := c.PlanesOf(container.KindLabel)[0]

	mismatch := errs.New("test", errs.ErrIdentityMismatch, "id differs")
	_, err = container.NewRewriter(nil).Rewrite(context.Background(), src, dst, container.Plan{
		Planes: []container.PlaneEdit{{
			IFD:    label.IFD,
			Pixels: func(*container.Plane, image.Image) (image.Image, error) { return nil, mismatch },
		}},
	})
	assert.ErrorIs(t, err, errs.ErrIdentityMismatch)
	assert.Equal(t, []string{"slide.svs"}, dirEntries(t, dir))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = container.NewRewriter(nil).Rewrite(ctx, src, dst, container.Plan{
		Tags: []container.TagEdit{{IFD: 0, Tag: container.TagArtist, Value: "x"}},
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"slide.svs"}, dirEntries(t, dir))
}

func TestRewriteRejectsBadPlans(t *testing.T) {
	dir := t.TempDir()
	src := containertest.SVS(testLabel(32, 32)).WriteFile(t, dir, "slide.svs")
	dst := filepath.Join(dir, "out.svs")
	keep := func(_ *container.Plane, img image.Image) (image.Image, error) { return img, nil }

	tests := []struct {
		name string
		plan container.Plan
		kind error
	}{
		{name: "missing tag", plan: container.Plan{Tags: []container.TagEdit{{IFD: 1, Tag: container.TagArtist, Value: "x"}}}},
		{name: "non ascii tag", plan: container.Plan{Tags: []container.TagEdit{{IFD: 0, Tag: container.TagImageWidth, Value: "x"}}}},
		{name: "ifd out of range", plan: container.Plan{Tags: []container.TagEdit{{IFD: 9, Tag: container.TagArtist, Value: "x"}}}},
		{name: "tiled plane", plan: container.Plan{Planes: []container.PlaneEdit{{IFD: 0, Pixels: keep}}}, kind: errs.ErrUnsupportedPlaneLayout},
		{name: "jpeg macro", plan: container.Plan{Planes: []container.PlaneEdit{{IFD: 3, Pixels: keep}}}, kind: errs.ErrUnsupportedPlaneLayout},
		{name: "strip count", plan: container.Plan{Planes: []container.PlaneEdit{{IFD: 2, Strips: [][]byte{{1}}}}}, kind: errs.ErrUnsupportedPlaneLayout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := container.NewRewriter(nil).Rewrite(context.Background(), src, dst, tt.plan)
			require.Error(t, err)
			if tt.kind != nil {
				assert.ErrorIs(t, err, tt.kind)
			}
			assert.Equal(t, []string{"slide.svs"}, dirEntries(t, dir))
		})
	}
}

func TestRewriteGrayLabelColorInput(t *testing.T) {
	dir := t.TempDir()
	b := &containertest.Builder{Planes: []containertest.Plane{
		{Description: "label", Width: 20, Height: 10, Compression: 1},
	}}
	src := b.WriteFile(t, dir, "g.tif")
	dst := filepath.Join(dir, "o.tif")

	red := image.NewRGBA(image.Rect(0, 0, 20, 10))
	draw.Draw(red, red.Bounds(), &image.Uniform{C: color.RGBA{R: 0xff, A: 0xff}}, image.Point{}, draw.Src)
	res, err := container.NewRewriter(nil).Rewrite(context.Background(), src, dst, container.Plan{
		Planes: []container.PlaneEdit{{IFD: 0, Pixels: func(*container.Plane, image.Image) (image.Image, error) { return red, nil }}},
	})
	require.NoError(t, err)
	assert.Positive(t, res.InPlace)
	assert.Zero(t, res.Relocated)

	out, err := container.ParseFile(dst)
	require.NoError(t, err)
	g := readPlane(t, dst, out.Planes[0]).(*image.Gray)
	assert.Equal(t, color.GrayModel.Convert(color.RGBA{R: 0xff, A: 0xff}).(color.Gray).Y, g.Pix[0])
}
