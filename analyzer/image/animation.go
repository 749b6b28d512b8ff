package image

import (
	"context"

	"hangar51.dev/h51/analyzer"
	"hangar51.dev/h51/capability"
)

var animationSchema = capability.Schema{}

// Animation reports whether the image animates and how many frames it holds.
type Animation struct{}

// Analyze implements analyzer.Analyzer.
func (a *Animation) Analyze(ctx context.Context, in *analyzer.Input, settings capability.Settings) (any, error) {
	stack, err := in.Stack()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"animated": stack.Animated(),
		"frames":   stack.FrameCount(),
	}, nil
}
