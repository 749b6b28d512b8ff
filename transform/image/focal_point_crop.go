package image

import (
	"context"
	stdimage "image"
	"math"

	"hangar51.dev/h51/capability"
	"hangar51.dev/h51/imaging"
	"hangar51.dev/h51/transform"
)

var focalPointCropSchema = capability.Schema{
	{Name: "aspect_width", Kind: capability.Float, Min: capability.Bound(0.01)},
	{Name: "aspect_height", Kind: capability.Float, Min: capability.Bound(0.01)},
	{Name: "padding", Kind: capability.Float, Default: 0.0, Min: capability.Bound(0), Max: capability.Bound(1)},
	{Name: "as_fallback", Kind: capability.Bool, Default: false},
}

// FocalPointCrop cuts every frame down around the asset's stored focal point,
// optionally to a target aspect ratio. Without an aspect ratio the crop is
// the focal point rectangle grown by the padding margin; without a stored
// focal point the crop centers on the middle of the image. With as_fallback
// set the transform skips itself when an earlier step already cropped the
// frames.
type FocalPointCrop struct{}

// CheckSettings implements transform.SettingsChecker: the aspect fields come
// as a pair or not at all.
func (t *FocalPointCrop) CheckSettings(settings capability.Settings) map[string][]string {
	_, hasW := settings["aspect_width"]
	_, hasH := settings["aspect_height"]
	switch {
	case hasW && !hasH:
		return map[string][]string{"aspect_height": {"Required when aspect_width is set."}}
	case hasH && !hasW:
		return map[string][]string{"aspect_width": {"Required when aspect_height is set."}}
	}
	return nil
}

// Apply implements transform.Transform.
func (t *FocalPointCrop) Apply(ctx context.Context, in *transform.Input, settings capability.Settings) error {
	if settings.Bool("as_fallback") {
		for _, name := range in.History {
			if name == "crop" {
				return nil
			}
		}
	}
	aspectW := settings.FloatPtr("aspect_width")
	aspectH := settings.FloatPtr("aspect_height")
	padding := settings.Float("padding")

	// Focal point rectangle, normalized. Defaults to the full frame so the
	// centered-crop fallbacks below stay sensible.
	fx, fy, fw, fh := 0.0, 0.0, 1.0, 1.0
	if fp, ok := in.Meta["focal_point"].(map[string]any); ok {
		x, _ := fp["x"].(float64)
		y, _ := fp["y"].(float64)
		pw, _ := fp["width"].(float64)
		ph, _ := fp["height"].(float64)
		if pw > 0 || ph > 0 {
			fx, fy, fw, fh = x, y, pw, ph
		}
	}
	cx := fx + fw/2
	cy := fy + fh/2

	return in.Stack.Map(func(img stdimage.Image) stdimage.Image {
		b := img.Bounds()
		w, h := float64(b.Dx()), float64(b.Dy())

		var x0, y0, cropW, cropH float64
		if aspectW != nil {
			// Largest rect with the requested aspect that fits the frame,
			// shrunk by the padding margin and centered on the focal point.
			aspect := *aspectW / *aspectH
			cropW = w
			cropH = cropW / aspect
			if cropH > h {
				cropH = h
				cropW = cropH * aspect
			}
			cropW *= 1 - padding
			cropH *= 1 - padding
			x0 = cx*w - cropW/2
			y0 = cy*h - cropH/2
		} else {
			// The focal point rectangle grown by the padding margin on each
			// side.
			cropW = math.Min(fw*(1+2*padding), 1) * w
			cropH = math.Min(fh*(1+2*padding), 1) * h
			x0 = cx*w - cropW/2
			y0 = cy*h - cropH/2
		}
		x0 = math.Max(0, math.Min(x0, w-cropW))
		y0 = math.Max(0, math.Min(y0, h-cropH))

		rect := stdimage.Rect(
			b.Min.X+int(math.Round(x0)),
			b.Min.Y+int(math.Round(y0)),
			b.Min.X+int(math.Round(x0+cropW)),
			b.Min.Y+int(math.Round(y0+cropH)),
		)
		return imaging.Crop(img, rect)
	})
}
