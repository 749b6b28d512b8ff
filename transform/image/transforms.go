package image

import (
	"context"
	stdimage "image"
	"math"

	"hangar51.dev/h51/capability"
	"hangar51.dev/h51/imaging"
	"hangar51.dev/h51/transform"
)

var autoOrientSchema = capability.Schema{}

// AutoOrient applies the source image's EXIF orientation so the pixels read
// the way a camera viewer would show them.
type AutoOrient struct{}

// Apply implements transform.Transform.
func (t *AutoOrient) Apply(ctx context.Context, in *transform.Input, settings capability.Settings) error {
	o := in.Stack.Orientation()
	if o <= 1 {
		return nil
	}
	if err := in.Stack.Map(func(img stdimage.Image) stdimage.Image {
		return imaging.Orient(img, o)
	}); err != nil {
		return err
	}
	in.Stack.ClearOrientation()
	return nil
}

var cropSchema = capability.Schema{
	{Name: "top", Kind: capability.Float, Required: true, Min: capability.Bound(0), Max: capability.Bound(1)},
	{Name: "left", Kind: capability.Float, Required: true, Min: capability.Bound(0), Max: capability.Bound(1)},
	{Name: "bottom", Kind: capability.Float, Required: true, Min: capability.Bound(0), Max: capability.Bound(1)},
	{Name: "right", Kind: capability.Float, Required: true, Min: capability.Bound(0), Max: capability.Bound(1)},
}

// Crop cuts every frame down to the rect given as edge ratios of the frame
// size.
type Crop struct{}

// CheckSettings implements transform.SettingsChecker: the rect edges must be
// ordered.
func (t *Crop) CheckSettings(settings capability.Settings) map[string][]string {
	errs := map[string][]string{}
	if settings.Float("bottom") <= settings.Float("top") {
		errs["bottom"] = append(errs["bottom"], "Must be greater than top.")
	}
	if settings.Float("right") <= settings.Float("left") {
		errs["right"] = append(errs["right"], "Must be greater than left.")
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Apply implements transform.Transform.
func (t *Crop) Apply(ctx context.Context, in *transform.Input, settings capability.Settings) error {
	top := settings.Float("top")
	left := settings.Float("left")
	bottom := settings.Float("bottom")
	right := settings.Float("right")
	return in.Stack.Map(func(img stdimage.Image) stdimage.Image {
		b := img.Bounds()
		w, h := float64(b.Dx()), float64(b.Dy())
		rect := stdimage.Rect(
			b.Min.X+int(math.Round(left*w)),
			b.Min.Y+int(math.Round(top*h)),
			b.Min.X+int(math.Round(right*w)),
			b.Min.Y+int(math.Round(bottom*h)),
		)
		return imaging.Crop(img, rect)
	})
}

var fitSchema = capability.Schema{
	{Name: "width", Kind: capability.Int, Required: true, Min: capability.Bound(1), Max: capability.Bound(10000)},
	{Name: "height", Kind: capability.Int, Required: true, Min: capability.Bound(1), Max: capability.Bound(10000)},
	{Name: "resample", Kind: capability.String, Default: imaging.ResampleBicubic,
		Enum: []string{
			imaging.ResampleNearest,
			imaging.ResampleBilinear,
			imaging.ResampleBicubic,
			imaging.ResampleLanczos,
		}},
}

// Fit scales every frame to fit inside a width x height box, preserving the
// aspect ratio. Frames already inside the box are left alone.
type Fit struct{}

// Apply implements transform.Transform.
func (t *Fit) Apply(ctx context.Context, in *transform.Input, settings capability.Settings) error {
	maxW := settings.Int("width")
	maxH := settings.Int("height")
	scaler := imaging.Scaler(settings.String("resample"))
	return in.Stack.Map(func(img stdimage.Image) stdimage.Image {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w <= maxW && h <= maxH {
			return img
		}
		scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
		return imaging.Resize(img,
			int(math.Round(float64(w)*scale)),
			int(math.Round(float64(h)*scale)),
			scaler)
	})
}

var rotateSchema = capability.Schema{
	{Name: "degrees", Kind: capability.Int, Required: true, IntEnum: []int{90, 180, 270}},
}

// Rotate turns every frame counter-clockwise by 90, 180 or 270 degrees.
type Rotate struct{}

// Apply implements transform.Transform.
func (t *Rotate) Apply(ctx context.Context, in *transform.Input, settings capability.Settings) error {
	degrees := settings.Int("degrees")
	return in.Stack.Map(func(img stdimage.Image) stdimage.Image {
		return imaging.Rotate(img, degrees)
	})
}

var singleFrameSchema = capability.Schema{
	{Name: "frame_number", Kind: capability.Int, Default: 0, Min: capability.Bound(-1)},
}

// SingleFrame collapses an animation to one frame. Frame -1 selects the last
// frame.
type SingleFrame struct{}

// Apply implements transform.Transform.
func (t *SingleFrame) Apply(ctx context.Context, in *transform.Input, settings capability.Settings) error {
	return in.Stack.SelectFrame(settings.Int("frame_number"))
}

var outputSchema = capability.Schema{
	{Name: "image_format", Kind: capability.String, Required: true,
		Enum: []string{"GIF", "JPEG", "PNG", "WebP"}},
	{Name: "quality", Kind: capability.Int, Default: 80,
		Min: capability.Bound(1), Max: capability.Bound(100)},
}

// formatExts maps the output format names to the file extensions the encoded
// variations are stored under.
var formatExts = map[string]string{
	"GIF":  "gif",
	"JPEG": "jpg",
	"PNG":  "png",
	"WebP": "webp",
}

// Output encodes the frames into the variation's bytes. It is the only final
// image transform.
type Output struct{}

// Apply implements transform.Transform.
func (t *Output) Apply(ctx context.Context, in *transform.Input, settings capability.Settings) error {
	return in.Stack.Encode(formatExts[settings.String("image_format")], settings.Int("quality"))
}
