package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
)

// Output extensions the encoder supports.
var OutputExts = []string{"gif", "jpg", "png", "webp"}

// SupportedOutput reports whether ext is a valid encode target.
func SupportedOutput(ext string) bool {
	for _, e := range OutputExts {
		if e == ext {
			return true
		}
	}
	return false
}

// Encode renders the stack's frames to the given format, moving the stack to
// the Encoded state. Only gif keeps multiple frames; the other formats encode
// the first frame. Quality applies to jpg and webp, 1..100, with 80 used
// when zero.
func (s *Stack) Encode(ext string, quality int) error {
	if s.state == Encoded {
		return ErrAlreadyEncoded
	}
	if s.state != WithFrames {
		return ErrNoFrames
	}
	if quality <= 0 {
		quality = 80
	}

	var buf bytes.Buffer
	switch ext {
	case "gif":
		if err := s.encodeGIF(&buf); err != nil {
			return err
		}
	case "jpg", "jpeg":
		ext = "jpg"
		// JPEG has no alpha; composite onto white the way browsers render
		// transparent sources.
		opaque := flattenToWhite(s.frames[0])
		if err := jpeg.Encode(&buf, opaque, &jpeg.Options{Quality: quality}); err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		if err := png.Encode(&buf, s.frames[0]); err != nil {
			return fmt.Errorf("encode png: %w", err)
		}
	case "webp":
		opts := &webp.Options{Quality: float32(quality)}
		if err := webp.Encode(&buf, s.frames[0], opts); err != nil {
			return fmt.Errorf("encode webp: %w", err)
		}
	default:
		return fmt.Errorf("unsupported output format %q", ext)
	}

	s.state = Encoded
	s.encoded = buf.Bytes()
	s.encodedExt = ext
	s.frames = nil
	s.delays = nil
	return nil
}

func (s *Stack) encodeGIF(buf *bytes.Buffer) error {
	out := &gif.GIF{LoopCount: s.loopCount}
	for i, frame := range s.frames {
		p, ok := frame.(*image.Paletted)
		if !ok {
			p = image.NewPaletted(frame.Bounds(), palette.Plan9)
			draw.FloydSteinberg.Draw(p, frame.Bounds(), frame, frame.Bounds().Min)
		}
		out.Image = append(out.Image, p)
		delay := 0
		if i < len(s.delays) {
			delay = s.delays[i]
		}
		out.Delay = append(out.Delay, delay)
	}
	if err := gif.EncodeAll(buf, out); err != nil {
		return fmt.Errorf("encode gif: %w", err)
	}
	return nil
}

func flattenToWhite(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
