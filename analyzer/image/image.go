// Package image provides the built-in analyzers for image assets.
package image

import (
	"hangar51.dev/h51/analyzer"
	"hangar51.dev/h51/asset"
)

// Register adds the image analyzers to the registry under their public
// names.
func Register(r *analyzer.Registry) {
	r.Register(asset.TypeImage, "animation", animationSchema, &Animation{})
	r.Register(asset.TypeImage, "dominant_colors", dominantColorsSchema, &DominantColors{})
	r.Register(asset.TypeImage, "focal_point", focalPointSchema, &FocalPoint{})
}
