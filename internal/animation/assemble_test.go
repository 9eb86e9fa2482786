// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var palette = map[byte]color.NRGBA{
	'.': {},
	'r': {R: 0xff, A: 0xff},
	'g': {G: 0xff, A: 0xff},
	'b': {B: 0xff, A: 0xff},
	'w': {R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	'k': {A: 0xff},
	'h': {R: 0xff, A: 0x80},
}

// art returns an image with bounds r described by rows of palette keys.
func art(r image.Rectangle, rows ...string) *image.NRGBA {
	img := image.NewNRGBA(r)
	for y, row := range rows {
		for x := 0; x < len(row); x++ {
			img.SetNRGBA(r.Min.X+x, r.Min.Y+y, palette[row[x]])
		}
	}
	return img
}

// render returns the palette key representation of img. Unknown colours
// are rendered as '?'.
func render(img *image.NRGBA) string {
	var buf strings.Builder
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
	pixel:
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			for k, v := range palette {
				if c == v || (c.A == 0 && v.A == 0) {
					buf.WriteByte(k)
					continue pixel
				}
			}
			buf.WriteByte('?')
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

var assembleTests = []struct {
	name   string
	width  int
	height int
	opaque bool
	frames []RawFrame
	want   []string
}{
	{
		name:  "background_then_previous",
		width: 4, height: 4,
		frames: []RawFrame{
			{
				Image:    art(image.Rect(0, 0, 4, 4), "rrrr", "rrrr", "rrrr", "rrrr"),
				Duration: 10 * time.Millisecond,
			},
			{
				Image:    art(image.Rect(0, 0, 2, 2), "gg", "gg"),
				Duration: 20 * time.Millisecond,
				Disposal: RestoreBackground,
				Blend:    true,
			},
			{
				Image:    art(image.Rect(1, 1, 3, 3), "bb", "bb"),
				Duration: 30 * time.Millisecond,
				Disposal: RestorePrevious,
				Blend:    true,
			},
			{
				Image:    art(image.Rect(3, 3, 4, 4), "g"),
				Duration: 40 * time.Millisecond,
				Blend:    true,
			},
		},
		want: []string{
			"rrrr\nrrrr\nrrrr\nrrrr\n",
			"ggrr\nggrr\nrrrr\nrrrr\n",
			"..rr\n.bbr\nrbbr\nrrrr\n",
			"..rr\n..rr\nrrrr\nrrrg\n",
		},
	},
	{
		name:  "previous_on_first_frame",
		width: 3, height: 1,
		frames: []RawFrame{
			{Image: art(image.Rect(0, 0, 2, 1), "rr"), Disposal: RestorePrevious, Blend: true},
			{Image: art(image.Rect(2, 0, 3, 1), "g"), Blend: true},
		},
		want: []string{
			"rr.\n",
			"..g\n",
		},
	},
	{
		name:  "consecutive_previous",
		width: 3, height: 1,
		frames: []RawFrame{
			{Image: art(image.Rect(0, 0, 3, 1), "www")},
			{Image: art(image.Rect(0, 0, 1, 1), "r"), Disposal: RestorePrevious},
			{Image: art(image.Rect(1, 0, 2, 1), "g"), Disposal: RestorePrevious},
			{Image: art(image.Rect(2, 0, 3, 1), "b")},
		},
		want: []string{
			"www\n",
			"rww\n",
			"wgw\n",
			"wwb\n",
		},
	},
	{
		name:  "blend_keeps_transparent",
		width: 3, height: 1,
		frames: []RawFrame{
			{Image: art(image.Rect(0, 0, 3, 1), "rrr")},
			{Image: art(image.Rect(0, 0, 3, 1), "g.b"), Blend: true},
		},
		want: []string{
			"rrr\n",
			"grb\n",
		},
	},
	{
		name:  "overwrite_replaces_transparent",
		width: 3, height: 1,
		frames: []RawFrame{
			{Image: art(image.Rect(0, 0, 3, 1), "rrr")},
			{Image: art(image.Rect(0, 0, 3, 1), "g.b")},
		},
		want: []string{
			"rrr\n",
			"g.b\n",
		},
	},
	{
		name:  "clipped_region",
		width: 2, height: 2,
		frames: []RawFrame{
			{Image: art(image.Rect(1, 1, 3, 3), "gg", "gg"), Disposal: RestoreBackground, Blend: true},
			{Image: art(image.Rect(0, 0, 1, 1), "b"), Blend: true},
		},
		want: []string{
			"..\n.g\n",
			"b.\n..\n",
		},
	},
	{
		name:  "opaque",
		width: 2, height: 1,
		opaque: true,
		frames: []RawFrame{
			{Image: art(image.Rect(0, 0, 1, 1), "h"), Blend: true},
		},
		want: []string{
			"rk\n",
		},
	},
}

func TestAssembler(t *testing.T) {
	for _, test := range assembleTests {
		t.Run(test.name, func(t *testing.T) {
			var acct Accountant
			a, err := NewAssembler(test.width, test.height, &acct)
			if err != nil {
				t.Fatalf("unexpected error creating assembler: %v", err)
			}
			a.Opaque = test.opaque
			var (
				got   []string
				bytes int64
			)
			for i, f := range test.frames {
				frame, err := a.Add(f)
				if err != nil {
					t.Fatalf("unexpected error adding frame %d: %v", i, err)
				}
				if frame.Duration != f.Duration {
					t.Errorf("unexpected duration for frame %d: got:%v want:%v", i, frame.Duration, f.Duration)
				}
				if b := frame.Image.Bounds(); b != a.Bounds() {
					t.Errorf("unexpected bounds for frame %d: got:%v want:%v", i, b, a.Bounds())
				}
				got = append(got, render(frame.Image))
				bytes += int64(len(frame.Image.Pix))
			}
			if !cmp.Equal(got, test.want) {
				t.Errorf("unexpected frames:\n--- got:\n+++ want:\n%s", cmp.Diff(got, test.want))
			}
			a.Release()
			if live := acct.Live(); live != bytes {
				t.Errorf("unexpected live bytes after release: got:%d want:%d", live, bytes)
			}
		})
	}
}

func TestAssemblerFramesAreCopies(t *testing.T) {
	a, err := NewAssembler(1, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error creating assembler: %v", err)
	}
	first, err := a.Add(RawFrame{Image: art(image.Rect(0, 0, 1, 1), "r")})
	if err != nil {
		t.Fatalf("unexpected error adding frame: %v", err)
	}
	_, err = a.Add(RawFrame{Image: art(image.Rect(0, 0, 1, 1), "g")})
	if err != nil {
		t.Fatalf("unexpected error adding frame: %v", err)
	}
	if got, want := render(first.Image), "r\n"; got != want {
		t.Errorf("earlier frame was mutated: got:%q want:%q", got, want)
	}
}

func TestAssemblerErrors(t *testing.T) {
	_, err := NewAssembler(0, 10, nil)
	if !errors.Is(err, CorruptStream) {
		t.Errorf("unexpected error for empty canvas: got:%v want:%v", err, CorruptStream)
	}
	a, err := NewAssembler(1, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error creating assembler: %v", err)
	}
	_, err = a.Add(RawFrame{})
	if !errors.Is(err, CorruptStream) {
		t.Errorf("unexpected error for missing image: got:%v want:%v", err, CorruptStream)
	}
}
