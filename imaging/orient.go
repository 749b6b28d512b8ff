package imaging

import (
	"bytes"
	"image"

	"github.com/rwcarlsen/goexif/exif"
)

// readOrientation extracts the EXIF orientation tag from encoded bytes,
// returning 0 when the image carries no usable EXIF block.
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 0
	}
	return o
}

// Orient returns img with the EXIF orientation applied so the pixels read
// top-left first. Orientations 0 and 1 are returned unchanged.
func Orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return FlipH(img)
	case 3:
		return Rotate(img, 180)
	case 4:
		return FlipV(img)
	case 5:
		return FlipV(Rotate(img, 90))
	case 6:
		return Rotate(img, 270)
	case 7:
		return FlipH(Rotate(img, 90))
	case 8:
		return Rotate(img, 90)
	}
	return img
}
