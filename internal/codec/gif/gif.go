// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gif implements an incremental GIF87a/GIF89a frame decoder.
//
// Frames are returned as soon as their image data has been read, so a
// decoder reading from a network stream yields frames while the transfer
// is still in progress. Frames are not composited; that is the job of
// animation.Assembler.
package gif

import (
	"bufio"
	"compress/lzw"
	"errors"
	"image"
	"image/color"
	"io"
	"time"

	"github.com/kortschak/reel/internal/animation"
	"github.com/kortschak/reel/internal/codec"
)

// Masks etc.
const (
	// Fields.
	fColorMapFollows = 1 << 7
	fColorTableSize  = 7

	// Image fields.
	ifLocalColorTable = 1 << 7
	ifInterlace       = 1 << 6

	// Graphic control flags.
	gcTransparentColorSet = 1 << 0
	gcDisposalMethod      = 7 << 2
)

// Section indicators.
const (
	sExtension       = 0x21
	sImageDescriptor = 0x2C
	sTrailer         = 0x3B
)

// Extensions.
const (
	eText           = 0x01 // Plain Text
	eGraphicControl = 0xF9 // Graphic Control
	eApplication    = 0xFF // Application
)

// Disposal methods.
const (
	dmUnspecified = iota
	dmNone
	dmBackground
	dmPrevious
)

type reader interface {
	io.Reader
	io.ByteReader
}

// Register registers the GIF decoder with reg.
func Register(reg *codec.Registry) {
	reg.Register(codec.GIF, NewDecoder)
}

// decoder is a frame-at-a-time GIF decoder.
type decoder struct {
	r    reader
	opts codec.Options

	hdr     codec.Header
	global  []color.NRGBA
	loop    int
	hasLoop bool

	// Pending graphic control values for
	// the next image.
	delay       time.Duration
	disposal    animation.Disposal
	transparent int

	frames int
	err    error

	tmp [1024]byte // must be at least 768 so we can read a color table
}

// NewDecoder returns a codec.Decoder for the GIF held in r. The header and
// global color table are read before NewDecoder returns.
func NewDecoder(r io.Reader, opts codec.Options) (codec.Decoder, error) {
	d := &decoder{opts: opts, loop: -1, transparent: -1}
	if rr, ok := r.(reader); ok {
		d.r = rr
	} else {
		d.r = bufio.NewReader(r)
	}
	err := d.readHeader()
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *decoder) Header() codec.Header { return d.hdr }

// LoopCount returns the loop count from the NETSCAPE2.0 application
// extension, or -1 if none has been seen.
func (d *decoder) LoopCount() int { return d.loop }

func (d *decoder) readHeader() error {
	const op = "gif: screen descriptor"
	_, err := io.ReadFull(d.r, d.tmp[:13])
	if err != nil {
		return codec.Classify(op, err)
	}
	switch sig := string(d.tmp[:6]); sig {
	case "GIF87a", "GIF89a":
	default:
		return animation.Errorf(animation.UnrecognizedFormat, op, "can't recognize format %q", sig)
	}
	d.hdr = codec.Header{
		Format: codec.GIF,
		Width:  int(d.tmp[6]) | int(d.tmp[7])<<8,
		Height: int(d.tmp[8]) | int(d.tmp[9])<<8,
	}
	err = d.opts.CheckSize(op, d.hdr.Width, d.hdr.Height)
	if err != nil {
		return err
	}
	if fields := d.tmp[10]; fields&fColorMapFollows != 0 {
		d.global, err = d.readColorTable("gif: global color table", fields&fColorTableSize)
		if err != nil {
			return err
		}
	}
	return nil
}

// Next returns the next frame in the stream. It returns io.EOF after the
// trailer has been read.
func (d *decoder) Next() (animation.RawFrame, error) {
	if d.err != nil {
		return animation.RawFrame{}, d.err
	}
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			return d.fail(codec.Classify("gif: block", err))
		}
		switch c {
		case sExtension:
			err = d.readExtension()
			if err != nil {
				return d.fail(err)
			}
		case sImageDescriptor:
			f, err := d.readImage()
			if err != nil {
				return d.fail(err)
			}
			d.frames++
			return f, nil
		case sTrailer:
			if d.frames == 0 {
				return d.fail(animation.Errorf(animation.CorruptStream, "gif: trailer", "no frames"))
			}
			d.err = io.EOF
			return animation.RawFrame{}, io.EOF
		default:
			return d.fail(animation.Errorf(animation.CorruptStream, "gif: block", "unknown block type: 0x%.2x", c))
		}
	}
}

func (d *decoder) fail(err error) (animation.RawFrame, error) {
	d.err = err
	return animation.RawFrame{}, err
}

func (d *decoder) readExtension() error {
	const op = "gif: extension"
	ext, err := d.r.ReadByte()
	if err != nil {
		return codec.Classify(op, err)
	}
	switch ext {
	case eGraphicControl:
		return d.readGraphicControl()
	case eApplication:
		return d.readApplication()
	case eText:
		// Plain text is a graphic rendering block and
		// so consumes any preceding graphic control.
		d.resetControl()
	}
	// Comments, plain text and unknown extensions are skipped.
	return d.skipBlocks(op)
}

func (d *decoder) readGraphicControl() error {
	const op = "gif: graphic control"
	n, err := d.readBlock()
	if err != nil {
		return codec.Classify(op, err)
	}
	if n != 4 {
		return animation.Errorf(animation.CorruptStream, op, "invalid block size: %d", n)
	}
	flags := d.tmp[0]
	d.delay = time.Duration(int(d.tmp[1])|int(d.tmp[2])<<8) * 10 * time.Millisecond
	switch (flags & gcDisposalMethod) >> 2 {
	case dmBackground:
		d.disposal = animation.RestoreBackground
	case dmPrevious:
		d.disposal = animation.RestorePrevious
	default:
		// Unspecified, none and the reserved
		// values leave the frame in place.
		d.disposal = animation.Keep
	}
	d.transparent = -1
	if flags&gcTransparentColorSet != 0 {
		d.transparent = int(d.tmp[3])
	}
	return d.skipBlocks(op)
}

func (d *decoder) resetControl() {
	d.delay = 0
	d.disposal = animation.Keep
	d.transparent = -1
}

func (d *decoder) readApplication() error {
	const op = "gif: application extension"
	n, err := d.readBlock()
	if err != nil {
		return codec.Classify(op, err)
	}
	if n == 0 {
		return nil
	}
	// The block should be 11 bytes, but some
	// encoders write 10.
	switch string(d.tmp[:n]) {
	case "NETSCAPE2.0", "ANIMEXTS1.0":
		n, err = d.readBlock()
		if err != nil {
			return codec.Classify(op, err)
		}
		if n == 0 {
			return nil
		}
		if n == 3 && d.tmp[0] == 1 && !d.hasLoop {
			d.loop = int(d.tmp[1]) | int(d.tmp[2])<<8
			d.hasLoop = true
		}
	}
	return d.skipBlocks(op)
}

func (d *decoder) readColorTable(op string, size byte) ([]color.NRGBA, error) {
	n := 1 << (size + 1)
	_, err := io.ReadFull(d.r, d.tmp[:3*n])
	if err != nil {
		return nil, codec.Classify(op, err)
	}
	p := make([]color.NRGBA, n)
	for i := range p {
		p[i] = color.NRGBA{R: d.tmp[3*i], G: d.tmp[3*i+1], B: d.tmp[3*i+2], A: 0xff}
	}
	return p, nil
}

func (d *decoder) readImage() (animation.RawFrame, error) {
	const op = "gif: image descriptor"
	_, err := io.ReadFull(d.r, d.tmp[:9])
	if err != nil {
		return animation.RawFrame{}, codec.Classify(op, err)
	}
	left := int(d.tmp[0]) | int(d.tmp[1])<<8
	top := int(d.tmp[2]) | int(d.tmp[3])<<8
	width := int(d.tmp[4]) | int(d.tmp[5])<<8
	height := int(d.tmp[6]) | int(d.tmp[7])<<8
	fields := d.tmp[8]
	err = d.opts.CheckSize(op, width, height)
	if err != nil {
		return animation.RawFrame{}, err
	}

	palette := d.global
	if fields&ifLocalColorTable != 0 {
		palette, err = d.readColorTable("gif: local color table", fields&fColorTableSize)
		if err != nil {
			return animation.RawFrame{}, err
		}
	}
	if palette == nil {
		return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, op, "no color table")
	}

	idx, err := d.readPixels(width * height)
	if err != nil {
		return animation.RawFrame{}, err
	}
	if fields&ifInterlace != 0 {
		idx = uninterlace(idx, width, height)
	}

	// The frame's bounds are its region on the canvas. The
	// assembler clips regions that extend past the canvas.
	img := image.NewNRGBA(image.Rect(left, top, left+width, top+height))
	for i, c := range idx {
		if int(c) == d.transparent {
			continue
		}
		if int(c) >= len(palette) {
			return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, "gif: image data", "invalid pixel value %d for palette of %d", c, len(palette))
		}
		p := palette[c]
		s := img.Pix[4*i : 4*i+4 : 4*i+4]
		s[0], s[1], s[2], s[3] = p.R, p.G, p.B, p.A
	}

	f := animation.RawFrame{
		Image:    img,
		Duration: d.delay,
		Disposal: d.disposal,
		Blend:    true,
	}
	d.resetControl()
	return f, nil
}

// readPixels reads n palette indexes from the LZW-compressed image data.
func (d *decoder) readPixels(n int) ([]byte, error) {
	const op = "gif: image data"
	litWidth, err := d.r.ReadByte()
	if err != nil {
		return nil, codec.Classify(op, err)
	}
	if litWidth < 2 || litWidth > 8 {
		return nil, animation.Errorf(animation.CorruptStream, op, "pixel size in decode out of range: %d", litWidth)
	}
	br := &blockReader{r: d.r}
	lzwr := lzw.NewReader(br, lzw.LSB, int(litWidth))
	defer lzwr.Close()
	pix := make([]byte, n)
	_, err = io.ReadFull(lzwr, pix)
	if err != nil {
		switch {
		case br.srcErr != nil:
			return nil, codec.Classify(op, br.srcErr)
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			return nil, animation.Errorf(animation.CorruptStream, op, "not enough image data")
		default:
			return nil, &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
		}
	}
	// Excess image data is discarded.
	err = br.drain()
	if err != nil {
		return nil, codec.Classify(op, err)
	}
	return pix, nil
}

// readBlock reads a single sub-block into d.tmp and returns its length.
// A zero length indicates a block terminator.
func (d *decoder) readBlock() (int, error) {
	n, err := d.r.ReadByte()
	if n == 0 || err != nil {
		return 0, err
	}
	return io.ReadFull(d.r, d.tmp[:n])
}

// skipBlocks discards sub-blocks up to and including the block terminator.
func (d *decoder) skipBlocks(op string) error {
	for {
		n, err := d.readBlock()
		if err != nil {
			return codec.Classify(op, err)
		}
		if n == 0 {
			return nil
		}
	}
}

// blockReader parses the block structure of GIF image data, which
// comprises (n, (n bytes)) blocks, with 1 <= n <= 255. It is the reader
// given to the LZW decoder, which is thus immune to the blocking.
//
// Errors from the underlying reader are retained in srcErr so that a
// stream that is cut short can be distinguished from image data that
// is terminated early.
type blockReader struct {
	r      reader
	slice  []byte
	err    error
	srcErr error
	tmp    [256]byte
}

func (b *blockReader) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(b.slice) == 0 && !b.fill() {
		return 0, b.err
	}
	n := copy(p, b.slice)
	b.slice = b.slice[n:]
	return n, nil
}

func (b *blockReader) fill() bool {
	n, err := b.r.ReadByte()
	if err != nil {
		b.srcErr, b.err = err, err
		return false
	}
	if n == 0 {
		b.err = io.EOF
		return false
	}
	b.slice = b.tmp[:n]
	_, err = io.ReadFull(b.r, b.slice)
	if err != nil {
		b.srcErr, b.err = err, err
		return false
	}
	return true
}

// drain discards the remaining sub-blocks up to and including the block
// terminator.
func (b *blockReader) drain() error {
	b.slice = nil
	for b.err == nil {
		b.fill()
	}
	return b.srcErr
}

// interlacing is the set of scans in an interlaced GIF image.
var interlacing = []struct {
	skip, start int
}{
	{8, 0}, // Every 8th row, starting with row 0.
	{8, 4}, // Every 8th row, starting with row 4.
	{4, 2}, // Every 4th row, starting with row 2.
	{2, 1}, // Every 2nd row, starting with row 1.
}

// uninterlace returns the rows of the interlaced width×height pix in
// display order.
func uninterlace(pix []byte, width, height int) []byte {
	dst := make([]byte, len(pix))
	off := 0
	for _, pass := range interlacing {
		for y := pass.start; y < height; y += pass.skip {
			copy(dst[y*width:(y+1)*width], pix[off:off+width])
			off += width
		}
	}
	return dst
}
