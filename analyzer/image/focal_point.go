package image

import (
	"context"
	stdimage "image"
	"image/color"

	"hangar51.dev/h51/analyzer"
	"hangar51.dev/h51/capability"
	"hangar51.dev/h51/imaging"
)

var focalPointSchema = capability.Schema{}

// focalGrid is the cell grid the image is scored over.
const focalGrid = 8

// FocalPoint estimates the visually busiest region of the image and returns
// it as a rect normalized to [0,1]: {x, y, width, height}. Cropping
// transforms use it to keep the interesting part of a picture in frame.
type FocalPoint struct{}

// Analyze implements analyzer.Analyzer.
func (a *FocalPoint) Analyze(ctx context.Context, in *analyzer.Input, settings capability.Settings) (any, error) {
	stack, err := in.Stack()
	if err != nil {
		return nil, err
	}
	frame, err := stack.Frame(0)
	if err != nil {
		return nil, err
	}

	small := imaging.Resize(frame, sampleSize, sampleSize,
		imaging.Scaler(imaging.ResampleBilinear))

	// Score each grid cell by its luminance variance. Flat areas (sky,
	// backdrops) score low, detailed subjects score high.
	cell := sampleSize / focalGrid
	var bestX, bestY int
	var bestScore float64
	for gy := 0; gy < focalGrid; gy++ {
		for gx := 0; gx < focalGrid; gx++ {
			score := cellVariance(small, gx*cell, gy*cell, cell)
			if score > bestScore {
				bestScore, bestX, bestY = score, gx, gy
			}
		}
	}

	size := 1.0 / focalGrid
	return map[string]any{
		"x":      float64(bestX) * size,
		"y":      float64(bestY) * size,
		"width":  size,
		"height": size,
	}, nil
}

func cellVariance(img stdimage.Image, x0, y0, cell int) float64 {
	var sum, sumSq float64
	n := float64(cell * cell)
	for y := y0; y < y0+cell; y++ {
		for x := x0; x < x0+cell; x++ {
			c := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			v := float64(c.Y)
			sum += v
			sumSq += v * v
		}
	}
	mean := sum / n
	return sumSq/n - mean*mean
}
