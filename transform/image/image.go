// Package image provides the built-in transforms for image assets.
package image

import (
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/transform"
)

// Register adds the image transforms to the registry under their public
// names. Only output is final.
func Register(r *transform.Registry) {
	r.Register(asset.TypeImage, "auto_orient", autoOrientSchema, false, &AutoOrient{})
	r.Register(asset.TypeImage, "crop", cropSchema, false, &Crop{})
	r.Register(asset.TypeImage, "fit", fitSchema, false, &Fit{})
	r.Register(asset.TypeImage, "focal_point_crop", focalPointCropSchema, false, &FocalPointCrop{})
	r.Register(asset.TypeImage, "rotate", rotateSchema, false, &Rotate{})
	r.Register(asset.TypeImage, "single_frame", singleFrameSchema, false, &SingleFrame{})
	r.Register(asset.TypeImage, "output", outputSchema, true, &Output{})
}
