package image

import (
	"context"
	"image/color"
	"sort"

	"hangar51.dev/h51/analyzer"
	"hangar51.dev/h51/capability"
	"hangar51.dev/h51/imaging"
)

var dominantColorsSchema = capability.Schema{
	{Name: "max_colors", Kind: capability.Int,
		Min: capability.Bound(1), Max: capability.Bound(16), Default: 4},
	{Name: "min_weight", Kind: capability.Float, Default: 0.0,
		Min: capability.Bound(0), Max: capability.Bound(1)},
}

// sampleSize is the edge length images are downsampled to before counting
// colors. Keeps the analyzer O(1) regardless of source size.
const sampleSize = 64

// DominantColors returns the most common colors in the image with their
// relative weights, heaviest first.
type DominantColors struct{}

// Analyze implements analyzer.Analyzer.
func (a *DominantColors) Analyze(ctx context.Context, in *analyzer.Input, settings capability.Settings) (any, error) {
	stack, err := in.Stack()
	if err != nil {
		return nil, err
	}
	frame, err := stack.Frame(0)
	if err != nil {
		return nil, err
	}
	maxColors := settings.Int("max_colors")
	if maxColors <= 0 {
		maxColors = 4
	}
	minWeight := settings.Float("min_weight")

	small := imaging.Resize(frame, sampleSize, sampleSize,
		imaging.Scaler(imaging.ResampleNearest))

	// Quantize to 4 bits per channel so near-identical shades count
	// together.
	counts := map[uint32]int{}
	total := 0
	b := small.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(small.At(x, y)).(color.NRGBA)
			if c.A < 128 {
				continue
			}
			key := uint32(c.R>>4)<<8 | uint32(c.G>>4)<<4 | uint32(c.B>>4)
			counts[key]++
			total++
		}
	}

	if total == 0 {
		return map[string]any{"colors": []map[string]any{}}, nil
	}

	type bucket struct {
		key   uint32
		count int
	}
	buckets := make([]bucket, 0, len(counts))
	for key, count := range counts {
		buckets = append(buckets, bucket{key, count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return buckets[i].key < buckets[j].key
	})

	if len(buckets) > maxColors {
		buckets = buckets[:maxColors]
	}
	colors := make([]map[string]any, 0, len(buckets))
	for _, bk := range buckets {
		weight := float64(bk.count) / float64(total)
		if weight < minWeight {
			continue
		}
		// Expand each 4 bit channel back to 8 bits.
		colors = append(colors, map[string]any{
			"rgb": []int{
				int(bk.key>>8&0xf) * 17,
				int(bk.key>>4&0xf) * 17,
				int(bk.key&0xf) * 17,
			},
			"weight": weight,
		})
	}
	return map[string]any{"colors": colors}, nil
}
