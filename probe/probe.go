// Package probe extracts intrinsic metadata from uploaded files.
//
// Probes run synchronously during upload and only read headers, so they stay
// cheap for large files. Deeper analysis (dominant colors, focal points)
// belongs to analyzers running on workers.
package probe

import (
	"bytes"
	"image"
	"image/color"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image reads the image header and returns {mode, size} metadata, or ok=false
// when the bytes are not a decodable image.
func Image(data []byte) (map[string]any, bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	return map[string]any{
		"mode": colorMode(cfg.ColorModel),
		"size": []int{cfg.Width, cfg.Height},
	}, true
}

// colorMode names the color model the way image editors label modes.
func colorMode(m color.Model) string {
	switch m {
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model:
		return "RGBA"
	case color.GrayModel, color.Gray16Model:
		return "L"
	case color.CMYKModel:
		return "CMYK"
	case color.YCbCrModel:
		return "RGB"
	}
	if _, ok := m.(color.Palette); ok {
		return "P"
	}
	return "RGB"
}
