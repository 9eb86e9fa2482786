// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sink provides frame sinks for players.
package sink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Frame returns an image view of pix, a straight alpha RGBA8 buffer with
// a stride of 4×width. The returned image shares pix.
func Frame(pix []byte, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 || len(pix) != 4*width*height {
		return nil, fmt.Errorf("invalid frame: %d bytes for %dx%d", len(pix), width, height)
	}
	return &image.NRGBA{
		Pix:    pix,
		Stride: 4 * width,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

// Discard is a sink that counts and discards frames.
type Discard struct {
	mu     sync.Mutex
	frames int
	bytes  int64
}

// Submit implements playback.Sink.
func (s *Discard) Submit(pix []byte, width, height int) error {
	s.mu.Lock()
	s.frames++
	s.bytes += int64(len(pix))
	s.mu.Unlock()
	return nil
}

// Frames returns the number of frames and bytes submitted to s.
func (s *Discard) Frames() (n int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes
}

// Dir is a sink that writes each submitted frame to a PNG file in a
// directory. Files are named by submission order.
type Dir struct {
	path string
	log  *slog.Logger

	mu sync.Mutex
	n  int
}

// NewDir returns a new Dir sink writing to path. The directory is created
// if it does not exist.
func NewDir(path string, log *slog.Logger) (*Dir, error) {
	if path == "" {
		return nil, errors.New("missing directory path")
	}
	err := os.MkdirAll(path, 0o755)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dir{path: path, log: log.With(slog.String("component", "sink.dir"))}, nil
}

// Submit implements playback.Sink.
func (d *Dir) Submit(pix []byte, width, height int) error {
	img, err := Frame(pix, width, height)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	name := filepath.Join(d.path, fmt.Sprintf("frame-%06d.png", d.n))
	err = WritePNG(name, img)
	if err != nil {
		return err
	}
	d.log.LogAttrs(context.Background(), slog.LevelDebug, "wrote frame", slog.String("path", name))
	d.n++
	return nil
}

// Written returns the number of frames written.
func (d *Dir) Written() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// WritePNG writes img to a PNG file at path.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = png.Encode(f, img)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Premultiply writes the premultiplied alpha form of the straight alpha
// RGBA8 pixels in src to dst. dst must be at least as long as src.
func Premultiply(dst, src []byte) {
	dst = dst[:len(src)]
	for i := 0; i+3 < len(src); i += 4 {
		a := uint32(src[i+3])
		switch a {
		case 0xff:
			copy(dst[i:i+4], src[i:i+4])
		case 0:
			dst[i], dst[i+1], dst[i+2], dst[i+3] = 0, 0, 0, 0
		default:
			dst[i] = byte((uint32(src[i])*a + 127) / 255)
			dst[i+1] = byte((uint32(src[i+1])*a + 127) / 255)
			dst[i+2] = byte((uint32(src[i+2])*a + 127) / 255)
			dst[i+3] = byte(a)
		}
	}
}
