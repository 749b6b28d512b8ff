package image

import (
	"bytes"
	"context"
	stdimage "image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/imaging"
	"hangar51.dev/h51/transform"
)

func stackOf(t *testing.T, w, h int) *imaging.Stack {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, stdimage.NewNRGBA(stdimage.Rect(0, 0, w, h))))
	s, err := imaging.Decode(buf.Bytes())
	require.NoError(t, err)
	return s
}

func validated(t *testing.T, r *transform.Registry, name string, raw map[string]any) transform.Step {
	t.Helper()
	reg, ok := r.Find(asset.TypeImage, name)
	require.True(t, ok, name)
	settings, errs := reg.Schema.Validate(raw)
	require.Nil(t, errs)
	return transform.Step{Name: name, Settings: settings}
}

func TestFitShrinksToBox(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)
	in := &transform.Input{Stack: stackOf(t, 100, 50)}

	step := validated(t, r, "fit", map[string]any{"width": 40, "height": 40})
	reg, _ := r.Find(asset.TypeImage, "fit")
	require.NoError(t, reg.Transform.Apply(context.Background(), in, step.Settings))

	b, err := in.Stack.Bounds()
	require.NoError(t, err)
	assert.Equal(t, 40, b.Dx())
	assert.Equal(t, 20, b.Dy())
}

func TestFitLeavesSmallImagesAlone(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)
	in := &transform.Input{Stack: stackOf(t, 10, 10)}

	step := validated(t, r, "fit", map[string]any{"width": 40, "height": 40})
	reg, _ := r.Find(asset.TypeImage, "fit")
	require.NoError(t, reg.Transform.Apply(context.Background(), in, step.Settings))

	b, _ := in.Stack.Bounds()
	assert.Equal(t, 10, b.Dx())
}

func TestCrop(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)
	in := &transform.Input{Stack: stackOf(t, 100, 100)}

	step := validated(t, r, "crop", map[string]any{
		"top": 0.25, "left": 0.25, "bottom": 0.75, "right": 0.75,
	})
	reg, _ := r.Find(asset.TypeImage, "crop")
	require.NoError(t, reg.Transform.Apply(context.Background(), in, step.Settings))

	b, _ := in.Stack.Bounds()
	assert.Equal(t, 50, b.Dx())
	assert.Equal(t, 50, b.Dy())
}

func TestRotateSwapsDimensions(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)
	in := &transform.Input{Stack: stackOf(t, 100, 40)}

	step := validated(t, r, "rotate", map[string]any{"degrees": 90})
	reg, _ := r.Find(asset.TypeImage, "rotate")
	require.NoError(t, reg.Transform.Apply(context.Background(), in, step.Settings))

	b, _ := in.Stack.Bounds()
	assert.Equal(t, 40, b.Dx())
	assert.Equal(t, 100, b.Dy())
}

func TestFocalPointCropAspect(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)
	in := &transform.Input{
		Stack: stackOf(t, 100, 100),
		Meta: map[string]any{
			"focal_point": map[string]any{
				"x": 0.75, "y": 0.75, "width": 0.125, "height": 0.125,
			},
		},
	}

	step := validated(t, r, "focal_point_crop", map[string]any{
		"aspect_width": 2.0, "aspect_height": 1.0,
	})
	reg, _ := r.Find(asset.TypeImage, "focal_point_crop")
	require.NoError(t, reg.Transform.Apply(context.Background(), in, step.Settings))

	b, _ := in.Stack.Bounds()
	assert.Equal(t, 100, b.Dx())
	assert.Equal(t, 50, b.Dy())
	// The crop window slides toward the focal point, clamped to the frame.
	// With a full-width crop the Y offset carries the focal bias.
}

func TestPipelineRunEncodesLast(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)

	steps, errs := transform.ValidatePipeline(r, asset.TypeImage, []map[string]any{
		{"id": "fit", "settings": map[string]any{"width": 10, "height": 10}},
		{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
	})
	require.Nil(t, errs)

	in := &transform.Input{Stack: stackOf(t, 64, 64)}
	require.NoError(t, transform.Run(context.Background(), r, asset.TypeImage, in, steps))

	data, ext, err := in.Stack.Encoded()
	require.NoError(t, err)
	assert.Equal(t, "png", ext)
	assert.NotEmpty(t, data)
}

func TestPipelineOutputMustComeLast(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)

	_, errs := transform.ValidatePipeline(r, asset.TypeImage, []map[string]any{
		{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
		{"id": "fit", "settings": map[string]any{"width": 10, "height": 10}},
	})
	require.NotNil(t, errs)
}

func TestOutputFormatExtensions(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)

	for format, ext := range map[string]string{"JPEG": "jpg", "PNG": "png", "GIF": "gif", "WebP": "webp"} {
		in := &transform.Input{Stack: stackOf(t, 8, 8)}
		step := validated(t, r, "output", map[string]any{"image_format": format})
		reg, _ := r.Find(asset.TypeImage, "output")
		require.NoError(t, reg.Transform.Apply(context.Background(), in, step.Settings), format)

		_, got, err := in.Stack.Encoded()
		require.NoError(t, err)
		assert.Equal(t, ext, got)
	}
}

func TestFocalPointCropWithoutAspect(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)

	steps, errs := transform.ValidatePipeline(r, asset.TypeImage, []map[string]any{
		{"id": "focal_point_crop", "settings": map[string]any{"padding": 0.1}},
		{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
	})
	require.Nil(t, errs)
	require.Len(t, steps, 2)

	in := &transform.Input{
		Stack: stackOf(t, 100, 100),
		Meta: map[string]any{
			"focal_point": map[string]any{
				"x": 0.25, "y": 0.25, "width": 0.5, "height": 0.5,
			},
		},
	}
	reg, _ := r.Find(asset.TypeImage, "focal_point_crop")
	require.NoError(t, reg.Transform.Apply(context.Background(), in, steps[0].Settings))

	// The crop is the focal rect grown by the padding margin on each side.
	b, _ := in.Stack.Bounds()
	assert.Equal(t, 60, b.Dx())
	assert.Equal(t, 60, b.Dy())
}

func TestFocalPointCropAspectComesAsAPair(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)

	_, errs := transform.ValidatePipeline(r, asset.TypeImage, []map[string]any{
		{"id": "focal_point_crop", "settings": map[string]any{"aspect_width": 2.0}},
		{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
	})
	require.NotNil(t, errs)
	assert.Contains(t, errs["transforms.0.aspect_height"][0], "Required when aspect_width is set")

	_, errs = transform.ValidatePipeline(r, asset.TypeImage, []map[string]any{
		{"id": "focal_point_crop", "settings": map[string]any{"aspect_height": 1.0}},
		{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
	})
	require.NotNil(t, errs)
	assert.Contains(t, errs["transforms.0.aspect_width"][0], "Required when aspect_height is set")
}

func TestRotateRejectsOddAngles(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)

	_, errs := transform.ValidatePipeline(r, asset.TypeImage, []map[string]any{
		{"id": "rotate", "settings": map[string]any{"degrees": 45}},
		{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
	})
	require.NotNil(t, errs)
	assert.Contains(t, errs["transforms.0.degrees"][0], "one of")
}

func TestCropRejectsInvertedRect(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)

	_, errs := transform.ValidatePipeline(r, asset.TypeImage, []map[string]any{
		{"id": "crop", "settings": map[string]any{
			"top": 0.75, "left": 0.25, "bottom": 0.25, "right": 0.75,
		}},
		{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
	})
	require.NotNil(t, errs)
	assert.Contains(t, errs["transforms.0.bottom"][0], "greater than top")
}

func TestFocalPointCropAsFallbackSkipsAfterCrop(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)
	in := &transform.Input{
		Stack:   stackOf(t, 100, 100),
		History: []string{"crop"},
	}

	step := validated(t, r, "focal_point_crop", map[string]any{
		"aspect_width": 2.0, "aspect_height": 1.0, "as_fallback": true,
	})
	reg, _ := r.Find(asset.TypeImage, "focal_point_crop")
	require.NoError(t, reg.Transform.Apply(context.Background(), in, step.Settings))

	// An earlier crop already framed the image, so the fallback is a no-op.
	b, _ := in.Stack.Bounds()
	assert.Equal(t, 100, b.Dx())
	assert.Equal(t, 100, b.Dy())
}

func TestSingleFrameOnStill(t *testing.T) {
	r := transform.NewRegistry()
	Register(r)
	in := &transform.Input{Stack: stackOf(t, 8, 8)}

	step := validated(t, r, "single_frame", map[string]any{})
	reg, _ := r.Find(asset.TypeImage, "single_frame")
	require.NoError(t, reg.Transform.Apply(context.Background(), in, step.Settings))
	assert.Equal(t, 1, in.Stack.FrameCount())
}
