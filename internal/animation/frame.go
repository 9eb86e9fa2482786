// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"
)

// Disposal is the treatment of a frame's region after it has been shown
// and before the next frame is drawn.
type Disposal uint8

const (
	// Keep leaves the frame on the canvas.
	Keep Disposal = iota
	// RestoreBackground clears the frame's region to
	// the transparent background.
	RestoreBackground
	// RestorePrevious restores the frame's region to
	// the state it had before the frame was drawn.
	RestorePrevious
)

func (d Disposal) String() string {
	switch d {
	case Keep:
		return "keep"
	case RestoreBackground:
		return "background"
	case RestorePrevious:
		return "previous"
	default:
		return fmt.Sprintf("disposal(%d)", d)
	}
}

// RawFrame is a decoded frame before compositing.
type RawFrame struct {
	// Image holds the frame's pixels. Its bounds
	// are the frame's region on the canvas.
	Image *image.NRGBA
	// Duration is the display time of the frame.
	// A zero Duration holds the frame until it is
	// superseded.
	Duration time.Duration
	Disposal Disposal
	// Blend indicates the frame is alpha-composited
	// onto the canvas rather than replacing it.
	Blend bool
}

// Frame is a fully composited canvas. Frame images have their origin at
// (0, 0) and are never mutated once produced.
type Frame struct {
	Image    *image.NRGBA
	Duration time.Duration
}

// Sequence is an ordered set of frames sharing canvas dimensions.
//
// A Sequence that is not Complete is a snapshot of a decode in progress.
// Later snapshots of the same decode extend Frames; they never alter the
// frames already present.
type Sequence struct {
	Width, Height int

	// LoopCount controls the number of times the sequence
	// is played.
	// A LoopCount of 0 means to loop forever.
	// A LoopCount of -1 means to show each frame only once.
	// Otherwise, the sequence is played LoopCount+1 times.
	LoopCount int

	Frames []Frame

	// Complete indicates that no more frames will
	// be added.
	Complete bool
	// Truncated indicates that decoding failed after
	// the frames that are present and the sequence
	// was retained as a playable prefix.
	Truncated bool
}

// Len returns the number of frames in the sequence. It is safe to call
// on a nil *Sequence.
func (s *Sequence) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Frames)
}

// Repeats returns the number of times the sequence restarts after the
// first pass, or -1 if it repeats forever.
func (s *Sequence) Repeats() int {
	switch {
	case s.LoopCount == 0:
		return -1
	case s.LoopCount < 0:
		return 0
	default:
		return s.LoopCount
	}
}

// Duration returns the total display time of one pass of the frames.
func (s *Sequence) Duration() time.Duration {
	if s == nil {
		return 0
	}
	var d time.Duration
	for _, f := range s.Frames {
		d += f.Duration
	}
	return d
}

// Bytes returns the number of pixel bytes held by the sequence's frames.
func (s *Sequence) Bytes() int64 {
	if s == nil {
		return 0
	}
	var n int64
	for _, f := range s.Frames {
		n += int64(len(f.Image.Pix))
	}
	return n
}

// Accountant tracks the number of bytes held in frame buffers. A nil
// *Accountant is valid and does no accounting.
type Accountant struct {
	n atomic.Int64
}

// Add adds n bytes to the account. n may be negative.
func (a *Accountant) Add(n int64) {
	if a == nil {
		return
	}
	a.n.Add(n)
}

// Live returns the number of bytes currently accounted.
func (a *Accountant) Live() int64 {
	if a == nil {
		return 0
	}
	return a.n.Load()
}
