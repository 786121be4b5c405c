package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFitSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		max          int
		wantW, wantH int
	}{
		{"landscape", 1600, 1200, 800, 800, 600},
		{"portrait", 1200, 1600, 200, 150, 200},
		{"square", 1000, 1000, 200, 200, 200},
		{"already small", 120, 80, 200, 120, 80},
		{"exact box", 800, 800, 800, 800, 800},
		{"thin strip keeps a pixel", 4000, 2, 200, 200, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := FitSize(tt.w, tt.h, tt.max, tt.max)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestThumbnailNeverUpscales(t *testing.T) {
	data := pngBytes(t, 120, 60)

	img, _, err := Decode(data)
	require.NoError(t, err)
	thumb, err := Thumbnail(img, 800, 85)
	require.NoError(t, err)

	w, h, format, err := Dimensions(thumb)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 120, w)
	assert.Equal(t, 60, h)
}

func TestThumbnailKeepsAspect(t *testing.T) {
	data := pngBytes(t, 400, 300)

	img, _, err := Decode(data)
	require.NoError(t, err)
	thumb, err := Thumbnail(img, 200, 85)
	require.NoError(t, err)

	w, h, _, err := Dimensions(thumb)
	require.NoError(t, err)
	assert.Equal(t, 200, w)
	assert.Equal(t, 150, h)
}

func TestDimensionsRejectsGarbage(t *testing.T) {
	_, _, _, err := Dimensions([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = Recompress(nil, 70)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestOverlayChangesBottomRightOnly(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 300, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 300; x++ {
			src.Set(x, y, color.White)
		}
	}

	out := Overlay(src, "Patient: Jane | Date: 2024-03-14")
	assert.Equal(t, src.Bounds().Size(), out.Bounds().Size())

	r, g, b, _ := out.At(0, 0).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b})

	r, _, _, _ = out.At(299, 99).RGBA()
	assert.Less(t, r, uint32(0xffff))
}
