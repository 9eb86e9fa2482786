// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	// Register still image decoders for image.Decode.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/kortschak/reel/internal/animation"
)

// StillDecoder decodes a single still image.
type StillDecoder interface {
	// DecodeStill decodes b into a straight-alpha RGBA8 image.
	DecodeStill(b []byte, opts Options) (*image.NRGBA, Format, error)
}

// NewStill returns a NewDecoderFunc that decodes a still image into a
// single frame covering the canvas, held indefinitely. If dec is nil the
// standard image decoders are used.
func NewStill(dec StillDecoder) NewDecoderFunc {
	if dec == nil {
		dec = stdStill{}
	}
	return func(r io.Reader, opts Options) (Decoder, error) {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, Classify("still", err)
		}
		img, f, err := dec.DecodeStill(b, opts)
		if err != nil {
			return nil, err
		}
		return &still{img: img, format: f}, nil
	}
}

type still struct {
	img    *image.NRGBA
	format Format
	done   bool
}

func (s *still) Header() Header {
	b := s.img.Bounds()
	return Header{Format: s.format, Width: b.Dx(), Height: b.Dy()}
}

func (s *still) Next() (animation.RawFrame, error) {
	if s.done {
		return animation.RawFrame{}, io.EOF
	}
	s.done = true
	return animation.RawFrame{Image: s.img, Disposal: animation.Keep}, nil
}

func (s *still) LoopCount() int { return -1 }

// stdStill decodes stills with the image package's registered decoders.
type stdStill struct{}

func (stdStill) DecodeStill(b []byte, opts Options) (*image.NRGBA, Format, error) {
	const op = "still"
	cfg, name, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, Unknown, classifyStill(op, err)
	}
	f, _ := ParseFormat(name)
	err = opts.CheckSize(op, cfg.Width, cfg.Height)
	if err != nil {
		return nil, f, err
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, f, classifyStill(op, err)
	}
	return ToNRGBA(img), f, nil
}

// ToNRGBA returns img as an *image.NRGBA with its origin at (0, 0).
// img is returned unaltered if it is already in that form.
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, img, b, draw.Src, nil)
	return dst
}

func classifyStill(op string, err error) error {
	var (
		pngFormat       png.FormatError
		pngUnsupported  png.UnsupportedError
		jpegFormat      jpeg.FormatError
		jpegUnsupported jpeg.UnsupportedError
		tiffFormat      tiff.FormatError
		tiffUnsupported tiff.UnsupportedError
	)
	switch {
	case errors.Is(err, image.ErrFormat):
		return &animation.Error{Kind: animation.UnrecognizedFormat, Op: op, Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &animation.Error{Kind: animation.TruncatedData, Op: op, Err: err}
	case errors.As(err, &pngUnsupported), errors.As(err, &jpegUnsupported), errors.As(err, &tiffUnsupported):
		return &animation.Error{Kind: animation.UnsupportedVariant, Op: op, Err: err}
	case errors.As(err, &pngFormat), errors.As(err, &jpegFormat), errors.As(err, &tiffFormat):
		return &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
	default:
		return &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
	}
}
