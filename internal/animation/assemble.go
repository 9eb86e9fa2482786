// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"errors"
	"image"

	"golang.org/x/image/draw"
)

// Assembler composites RawFrames onto a canvas.
//
// An Assembler must not be used concurrently. Its canvas is never
// exposed; each Frame it returns holds a copy.
type Assembler struct {
	canvas *image.NRGBA

	// Opaque forces the alpha channel of
	// returned frames to fully opaque.
	Opaque bool

	// prev is the region drawn by the last frame
	// and its disposal. saved holds the pixels of
	// that region before it was drawn when prev is
	// RestorePrevious.
	prev     image.Rectangle
	disposal Disposal
	saved    *image.NRGBA

	acct *Accountant
}

// NewAssembler returns an Assembler for a width×height canvas. The canvas
// starts fully transparent. Buffer allocations are recorded in acct which
// may be nil.
func NewAssembler(width, height int, acct *Accountant) (*Assembler, error) {
	if width <= 0 || height <= 0 {
		return nil, Errorf(CorruptStream, "assemble", "invalid canvas size %dx%d", width, height)
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	acct.Add(int64(len(canvas.Pix)))
	return &Assembler{canvas: canvas, acct: acct}, nil
}

// Bounds returns the canvas bounds.
func (a *Assembler) Bounds() image.Rectangle {
	return a.canvas.Bounds()
}

// Add composites f onto the canvas and returns the resulting frame.
func (a *Assembler) Add(f RawFrame) (Frame, error) {
	if a.canvas == nil {
		return Frame{}, errors.New("assemble: use of released assembler")
	}
	if f.Image == nil {
		return Frame{}, Errorf(CorruptStream, "assemble", "frame has no image")
	}

	// Dispose of the previous frame.
	switch a.disposal {
	case RestoreBackground:
		draw.Copy(a.canvas, a.prev.Min, image.Transparent, a.prev, draw.Src, nil)
	case RestorePrevious:
		if a.saved != nil {
			draw.Copy(a.canvas, a.prev.Min, a.saved, a.saved.Bounds(), draw.Src, nil)
		}
	}
	a.dropSaved()

	region := f.Image.Bounds().Intersect(a.canvas.Bounds())
	if f.Disposal == RestorePrevious && !region.Empty() {
		a.saved = image.NewNRGBA(region)
		a.acct.Add(int64(len(a.saved.Pix)))
		draw.Copy(a.saved, region.Min, a.canvas, region, draw.Src, nil)
	}

	op := draw.Src
	if f.Blend {
		op = draw.Over
	}
	if !region.Empty() {
		draw.Copy(a.canvas, region.Min, f.Image, region, op, nil)
	}
	a.prev = region
	a.disposal = f.Disposal

	dst := &image.NRGBA{
		Pix:    make([]byte, len(a.canvas.Pix)),
		Stride: a.canvas.Stride,
		Rect:   a.canvas.Rect,
	}
	copy(dst.Pix, a.canvas.Pix)
	if a.Opaque {
		for i := 3; i < len(dst.Pix); i += 4 {
			dst.Pix[i] = 0xff
		}
	}
	a.acct.Add(int64(len(dst.Pix)))
	return Frame{Image: dst, Duration: f.Duration}, nil
}

// Release releases the canvas and any saved region. The Assembler must
// not be used after Release.
func (a *Assembler) Release() {
	if a.canvas == nil {
		return
	}
	a.dropSaved()
	a.acct.Add(-int64(len(a.canvas.Pix)))
	a.canvas = nil
}

func (a *Assembler) dropSaved() {
	if a.saved == nil {
		return
	}
	a.acct.Add(-int64(len(a.saved.Pix)))
	a.saved = nil
}
