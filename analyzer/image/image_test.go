package image

import (
	"bytes"
	"context"
	stdimage "image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hangar51.dev/h51/analyzer"
	"hangar51.dev/h51/asset"
)

func pngInput(t *testing.T, img stdimage.Image) *analyzer.Input {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &analyzer.Input{Data: buf.Bytes(), AssetType: asset.TypeImage}
}

func TestAnimationStill(t *testing.T) {
	in := pngInput(t, stdimage.NewNRGBA(stdimage.Rect(0, 0, 4, 4)))
	out, err := (&Animation{}).Analyze(context.Background(), in, nil)
	require.NoError(t, err)
	meta := out.(map[string]any)
	assert.Equal(t, false, meta["animated"])
	assert.Equal(t, 1, meta["frames"])
}

func TestAnimationGIF(t *testing.T) {
	g := &gif.GIF{}
	for i := 0; i < 4; i++ {
		g.Image = append(g.Image, stdimage.NewPaletted(stdimage.Rect(0, 0, 4, 4), palette.Plan9))
		g.Delay = append(g.Delay, 5)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))

	in := &analyzer.Input{Data: buf.Bytes(), AssetType: asset.TypeImage}
	out, err := (&Animation{}).Analyze(context.Background(), in, nil)
	require.NoError(t, err)
	meta := out.(map[string]any)
	assert.Equal(t, true, meta["animated"])
	assert.Equal(t, 4, meta["frames"])
}

func TestDominantColorsSolid(t *testing.T) {
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	settings, argErrs := dominantColorsSchema.Validate(map[string]any{})
	require.Nil(t, argErrs)

	out, err := (&DominantColors{}).Analyze(context.Background(), pngInput(t, img), settings)
	require.NoError(t, err)
	colors := out.(map[string]any)["colors"].([]map[string]any)
	require.NotEmpty(t, colors)
	assert.Equal(t, []int{255, 0, 0}, colors[0]["rgb"])
	assert.Equal(t, 1.0, colors[0]["weight"])
}

func TestDominantColorsMaxColorsAndWeights(t *testing.T) {
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), A: 255})
		}
	}
	settings, argErrs := dominantColorsSchema.Validate(map[string]any{"max_colors": 2})
	require.Nil(t, argErrs)

	out, err := (&DominantColors{}).Analyze(context.Background(), pngInput(t, img), settings)
	require.NoError(t, err)
	colors := out.(map[string]any)["colors"].([]map[string]any)
	require.LessOrEqual(t, len(colors), 2)
	// Weights are in (0,1] and sorted heaviest first.
	last := 1.0
	for _, c := range colors {
		w := c["weight"].(float64)
		assert.Greater(t, w, 0.0)
		assert.LessOrEqual(t, w, last)
		last = w
	}
}

func TestDominantColorsMinWeightFilters(t *testing.T) {
	// 3/4 red, 1/4 blue.
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			c := color.NRGBA{R: 255, A: 255}
			if x < 4 {
				c = color.NRGBA{B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	settings, argErrs := dominantColorsSchema.Validate(map[string]any{"min_weight": 0.5})
	require.Nil(t, argErrs)

	out, err := (&DominantColors{}).Analyze(context.Background(), pngInput(t, img), settings)
	require.NoError(t, err)
	colors := out.(map[string]any)["colors"].([]map[string]any)
	require.Len(t, colors, 1)
	assert.Equal(t, []int{255, 0, 0}, colors[0]["rgb"])
}

func TestFocalPointBounds(t *testing.T) {
	// Flat background with a busy block near the bottom right.
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, 64, 64))
	for y := 48; y < 64; y++ {
		for x := 48; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * y), G: uint8(x ^ y), B: uint8(x + y), A: 255})
		}
	}

	out, err := (&FocalPoint{}).Analyze(context.Background(), pngInput(t, img), nil)
	require.NoError(t, err)
	rect := out.(map[string]any)
	for _, k := range []string{"x", "y", "width", "height"} {
		v := rect[k].(float64)
		assert.GreaterOrEqual(t, v, 0.0, k)
		assert.LessOrEqual(t, v, 1.0, k)
	}
	// The busy corner should pull the focal point into the lower right half.
	assert.GreaterOrEqual(t, rect["x"].(float64), 0.5)
	assert.GreaterOrEqual(t, rect["y"].(float64), 0.5)
}

func TestRegister(t *testing.T) {
	r := analyzer.NewRegistry()
	Register(r)
	for _, name := range []string{"animation", "dominant_colors", "focal_point"} {
		_, ok := r.Find(asset.TypeImage, name)
		assert.True(t, ok, name)
	}
	_, ok := r.Find(asset.TypeAudio, "animation")
	assert.False(t, ok)
}
