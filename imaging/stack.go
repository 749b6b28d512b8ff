// Package imaging decodes uploads into frame stacks that image transforms
// operate on, and encodes the result back to bytes.
//
// A stack moves through three states. It starts Empty, gains frames when a
// file is decoded and becomes Encoded when an output transform renders it.
// Pixel operations are only legal on a stack with frames and encoding is a
// one-way door, which is what lets pipelines insist that the encoding
// transform comes last.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// State tags the frame stack lifecycle.
type State int

const (
	// Empty is a stack with nothing decoded into it.
	Empty State = iota
	// WithFrames is a stack holding decoded pixel frames.
	WithFrames
	// Encoded is a stack whose frames have been rendered to bytes.
	Encoded
)

// Stack errors.
var (
	ErrNoFrames       = errors.New("stack has no frames")
	ErrAlreadyEncoded = errors.New("stack already encoded")
	ErrNotEncoded     = errors.New("stack not encoded")
)

// Stack is a decoded image as an ordered list of frames. Still images hold
// one frame; animated GIFs hold one frame per animation step.
type Stack struct {
	state State

	frames []image.Image
	// delays holds per-frame delays in 100ths of a second for animations.
	delays    []int
	loopCount int

	// format is the decoded source format (gif, jpeg, png, webp, bmp, tiff).
	format string
	// orientation is the EXIF orientation tag (1..8, 0 when absent).
	orientation int

	encoded    []byte
	encodedExt string
}

// Decode builds a stack from encoded image bytes. GIFs decode every frame,
// other formats decode a single frame. JPEG and TIFF sources also carry
// their EXIF orientation tag.
func Decode(data []byte) (*Stack, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}

	s := &Stack{state: WithFrames, format: format}

	if format == "gif" {
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode gif: %w", err)
		}
		s.frames = make([]image.Image, len(g.Image))
		for i, frame := range g.Image {
			s.frames[i] = frame
		}
		s.delays = append([]int(nil), g.Delay...)
		s.loopCount = g.LoopCount
		return s, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	s.frames = []image.Image{img}
	s.orientation = readOrientation(data)
	return s, nil
}

// State returns the stack's lifecycle state.
func (s *Stack) State() State { return s.state }

// Format returns the decoded source format.
func (s *Stack) Format() string { return s.format }

// Orientation returns the EXIF orientation tag, 0 when absent.
func (s *Stack) Orientation() int { return s.orientation }

// Animated reports whether the stack holds more than one frame.
func (s *Stack) Animated() bool { return len(s.frames) > 1 }

// FrameCount returns the number of frames.
func (s *Stack) FrameCount() int { return len(s.frames) }

// Bounds returns the first frame's bounds.
func (s *Stack) Bounds() (image.Rectangle, error) {
	if s.state != WithFrames {
		return image.Rectangle{}, ErrNoFrames
	}
	return s.frames[0].Bounds(), nil
}

// Frame returns the frame at index.
func (s *Stack) Frame(index int) (image.Image, error) {
	if s.state != WithFrames {
		return nil, ErrNoFrames
	}
	if index < 0 || index >= len(s.frames) {
		return nil, fmt.Errorf("frame %d out of range", index)
	}
	return s.frames[index], nil
}

// Map replaces every frame with fn(frame). All pixel transforms go through
// here so animations are transformed frame by frame.
func (s *Stack) Map(fn func(image.Image) image.Image) error {
	if s.state != WithFrames {
		return ErrNoFrames
	}
	for i, frame := range s.frames {
		s.frames[i] = fn(frame)
	}
	return nil
}

// SelectFrame collapses the stack to the single frame at index, dropping
// animation delays. A negative index selects the last frame.
func (s *Stack) SelectFrame(index int) error {
	if s.state != WithFrames {
		return ErrNoFrames
	}
	if index < 0 {
		index = len(s.frames) - 1
	}
	if index >= len(s.frames) {
		index = len(s.frames) - 1
	}
	s.frames = []image.Image{s.frames[index]}
	s.delays = nil
	return nil
}

// ClearOrientation marks the stack's orientation as applied.
func (s *Stack) ClearOrientation() { s.orientation = 0 }

// Encoded returns the rendered bytes and their extension.
func (s *Stack) Encoded() ([]byte, string, error) {
	if s.state != Encoded {
		return nil, "", ErrNotEncoded
	}
	return s.encoded, s.encodedExt, nil
}
