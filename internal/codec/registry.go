// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codec

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/kortschak/reel/internal/animation"
)

// Header describes a decoded container's canvas.
type Header struct {
	Format        Format
	Width, Height int
}

// Decoder is a frame-at-a-time container decoder.
type Decoder interface {
	// Header returns the container's canvas description.
	Header() Header
	// Next returns the next raw frame. It returns
	// io.EOF when the container holds no more frames.
	Next() (animation.RawFrame, error)
	// LoopCount returns the container's loop count
	// using the animation.Sequence convention. It is
	// only final once Next has returned io.EOF.
	LoopCount() int
}

// DefaultMaxDimension is the largest canvas side length accepted when
// Options.MaxDimension is zero.
const DefaultMaxDimension = 8192

// Options are decoder options.
type Options struct {
	// MaxDimension is the largest accepted canvas or
	// frame side length. Zero is DefaultMaxDimension.
	MaxDimension int
}

// CheckSize returns an error if a width×height image is empty or exceeds
// the options' maximum dimension.
func (o Options) CheckSize(op string, width, height int) error {
	limit := o.MaxDimension
	if limit <= 0 {
		limit = DefaultMaxDimension
	}
	switch {
	case width <= 0 || height <= 0:
		return animation.Errorf(animation.CorruptStream, op, "invalid size %dx%d", width, height)
	case width > limit || height > limit:
		return animation.Errorf(animation.AllocationFailure, op, "size %dx%d exceeds limit %d", width, height, limit)
	}
	return nil
}

// NewDecoderFunc returns a Decoder reading from r. The Decoder's header
// must be read before the function returns.
type NewDecoderFunc func(r io.Reader, opts Options) (Decoder, error)

// Registry maps format tags to decoders.
type Registry struct {
	decoders map[Format]NewDecoderFunc
	fallback NewDecoderFunc
}

// NewRegistry returns a Registry holding the still image formats, with the
// generic still adapter as the fallback for unrecognised data. Animated
// formats are added with Register.
func NewRegistry() *Registry {
	still := NewStill(nil)
	return &Registry{
		decoders: map[Format]NewDecoderFunc{
			PNG:  still,
			JPEG: still,
			BMP:  still,
			TIFF: still,
		},
		fallback: still,
	}
}

// Register registers fn as the decoder for f, replacing any existing
// decoder.
func (reg *Registry) Register(f Format, fn NewDecoderFunc) {
	reg.decoders[f] = fn
}

// Formats returns the registered formats in ascending order.
func (reg *Registry) Formats() []Format {
	f := make([]Format, 0, len(reg.decoders))
	for k := range reg.decoders {
		f = append(f, k)
	}
	slices.Sort(f)
	return f
}

// NewDecoder returns a decoder for the data in r. If hint is not Unknown
// it selects the decoder, otherwise the data's signature is used. Data
// without a known signature is handed to the fallback decoder.
func (reg *Registry) NewDecoder(r io.Reader, hint Format, opts Options) (Decoder, error) {
	rp := AsReadPeeker(r)
	f, err := Detect(rp, hint)
	if err != nil {
		if _, perr := rp.Peek(1); perr != nil && perr != io.EOF {
			return nil, Classify("detect", perr)
		}
		if reg.fallback == nil {
			return nil, err
		}
		return reg.fallback(rp, opts)
	}
	fn, ok := reg.decoders[f]
	if !ok {
		return nil, animation.Errorf(animation.UnsupportedVariant, "registry", "no decoder for %s", f)
	}
	return fn(rp, opts)
}

// DecodeAll reads all frames from d.
func DecodeAll(d Decoder) (hdr Header, loopCount int, frames []animation.RawFrame, err error) {
	for {
		f, err := d.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return d.Header(), 0, frames, err
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return d.Header(), 0, nil, animation.Errorf(animation.CorruptStream, "decode", "no frames")
	}
	return d.Header(), d.LoopCount(), frames, nil
}

// Classify converts low level read errors into typed decode errors.
// End of data is TruncatedData; other errors are returned unaltered so
// that transport failures remain distinguishable.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case err == io.EOF, err == io.ErrUnexpectedEOF:
		return &animation.Error{Kind: animation.TruncatedData, Op: op, Err: io.ErrUnexpectedEOF}
	}
	var e *animation.Error
	if errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
