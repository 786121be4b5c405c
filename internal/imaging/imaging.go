// Package imaging wraps the decode, resize, re-encode and text overlay operations used to
// derive image renditions.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned when bytes are not in a registered image format.
var ErrUndecodable = errors.New("imaging: unrecognized image data")

// Dimensions reads the pixel size without decoding the whole image.
func Dimensions(data []byte) (width, height int, format string, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return cfg.Width, cfg.Height, format, nil
}

// Decode fully decodes data.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img, format, nil
}

// FitSize returns the largest size with the source aspect ratio that fits inside
// maxW×maxH. Sources already inside the box keep their size.
func FitSize(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		nh := h * maxW / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := w * maxH / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}

// Fit scales img down into maxW×maxH. It never upscales.
func Fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), maxW, maxH)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// EncodeJPEG flattens img onto white and encodes it at quality 1-100.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	b := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail fits img into size×size and encodes it as JPEG.
func Thumbnail(img image.Image, size, quality int) ([]byte, error) {
	return EncodeJPEG(Fit(img, size, size), quality)
}

// Recompress re-encodes data as JPEG at the given quality.
func Recompress(data []byte, quality int) ([]byte, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(img, quality)
}

const overlayPadding = 6

// Overlay draws text in the bottom-right corner on a translucent dark band.
func Overlay(img image.Image, text string) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(color.White), Face: face}
	textW := d.MeasureString(text).Ceil()
	metrics := face.Metrics()
	textH := (metrics.Ascent + metrics.Descent).Ceil()

	band := image.Rect(
		dst.Bounds().Dx()-textW-2*overlayPadding,
		dst.Bounds().Dy()-textH-2*overlayPadding,
		dst.Bounds().Dx(),
		dst.Bounds().Dy(),
	).Intersect(dst.Bounds())
	draw.Draw(dst, band, image.NewUniform(color.NRGBA{A: 128}), image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I(band.Min.X + overlayPadding),
		Y: fixed.I(band.Max.Y-overlayPadding) - metrics.Descent,
	}
	d.DrawString(text)
	return dst
}
