package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

// Resample filter names accepted by resizing transforms.
const (
	ResampleNearest  = "nearest"
	ResampleBilinear = "bilinear"
	ResampleBicubic  = "bicubic"
	ResampleLanczos  = "antialias"
)

// Scaler maps a resample filter name to its scaler. Unknown names get the
// bicubic scaler, the same default resizing transforms declare.
func Scaler(name string) draw.Scaler {
	switch name {
	case ResampleNearest:
		return draw.NearestNeighbor
	case ResampleBilinear:
		return draw.BiLinear
	case ResampleBicubic, ResampleLanczos:
		return draw.CatmullRom
	}
	return draw.CatmullRom
}

// Resize scales img to width x height with the given scaler.
func Resize(img image.Image, width, height int, scaler draw.Scaler) image.Image {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// Crop returns the part of img inside rect, clamped to the image bounds.
func Crop(img image.Image, rect image.Rectangle) image.Image {
	rect = rect.Intersect(img.Bounds())
	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// Rotate returns img rotated counter-clockwise by 90, 180 or 270 degrees.
// Other angles return the image unchanged.
func Rotate(img image.Image, degrees int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch degrees {
	case 90:
		dst := image.NewNRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(y, w-1-x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return dst
	case 180:
		dst := image.NewNRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(w-1-x, h-1-y, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return dst
	case 270:
		dst := image.NewNRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(h-1-y, x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return dst
	}
	return img
}

// FlipH mirrors img left to right.
func FlipH(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(w-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// FlipV mirrors img top to bottom.
func FlipV(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(x, h-1-y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
