// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ebitensink provides a player sink that uploads frames to an
// ebiten texture.
package ebitensink

import (
	"sync"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/kortschak/reel/internal/sink"
)

// Sink is a playback.Sink that holds the most recently submitted frame
// for upload to an ebiten image. Frames are premultiplied on submission
// and uploaded by Draw on the ebiten goroutine.
type Sink struct {
	mu    sync.Mutex
	buf   []byte
	w, h  int
	dirty bool

	img *ebiten.Image
}

// Submit implements playback.Sink.
func (s *Sink) Submit(pix []byte, width, height int) error {
	_, err := sink.Frame(pix, width, height)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cap(s.buf) < len(pix) {
		s.buf = make([]byte, len(pix))
	}
	s.buf = s.buf[:len(pix)]
	sink.Premultiply(s.buf, pix)
	s.w, s.h = width, height
	s.dirty = true
	return nil
}

// HasCapacity implements playback.Capacity. A Sink only holds the latest
// frame so a failed submission is always worth retrying.
func (s *Sink) HasCapacity() bool { return true }

// Size returns the size of the most recently submitted frame.
func (s *Sink) Size() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

// Draw draws the current frame onto screen, scaled to fit and centred.
// It must be called from the ebiten Draw method.
func (s *Sink) Draw(screen *ebiten.Image) {
	s.mu.Lock()
	if s.dirty {
		if s.img == nil || s.img.Bounds().Dx() != s.w || s.img.Bounds().Dy() != s.h {
			if s.img != nil {
				s.img.Deallocate()
			}
			s.img = ebiten.NewImage(s.w, s.h)
		}
		s.img.WritePixels(s.buf)
		s.dirty = false
	}
	img := s.img
	s.mu.Unlock()
	if img == nil {
		return
	}

	sw, sh := screen.Bounds().Dx(), screen.Bounds().Dy()
	iw, ih := img.Bounds().Dx(), img.Bounds().Dy()
	scale := min(float64(sw)/float64(iw), float64(sh)/float64(ih))
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(scale, scale)
	op.GeoM.Translate((float64(sw)-scale*float64(iw))/2, (float64(sh)-scale*float64(ih))/2)
	op.Filter = ebiten.FilterNearest
	screen.DrawImage(img, op)
}
