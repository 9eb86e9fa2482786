// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package webp implements a frame decoder for simple and animated WebP
// containers.
//
// The RIFF container is parsed with golang.org/x/image/riff. Each frame's
// VP8 or VP8L bitstream, with any ALPH chunk, is re-wrapped as a stand-alone
// WebP image and decoded with golang.org/x/image/webp.
package webp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"time"

	"golang.org/x/image/riff"
	"golang.org/x/image/webp"

	"github.com/kortschak/reel/internal/animation"
	"github.com/kortschak/reel/internal/codec"
)

var (
	fccALPH = riff.FourCC{'A', 'L', 'P', 'H'}
	fccANIM = riff.FourCC{'A', 'N', 'I', 'M'}
	fccANMF = riff.FourCC{'A', 'N', 'M', 'F'}
	fccVP8  = riff.FourCC{'V', 'P', '8', ' '}
	fccVP8L = riff.FourCC{'V', 'P', '8', 'L'}
	fccVP8X = riff.FourCC{'V', 'P', '8', 'X'}
	fccWEBP = riff.FourCC{'W', 'E', 'B', 'P'}
)

// VP8X flags.
const (
	animationBit = 1 << 1
	alphaBit     = 1 << 4
)

// ANMF flags.
const (
	disposeBit = 1 << 0
	noBlendBit = 1 << 1
)

// Register registers the WebP decoder with reg.
func Register(reg *codec.Registry) {
	reg.Register(codec.WebP, NewDecoder)
}

type decoder struct {
	src  *trackReader
	riff *riff.Reader
	opts codec.Options

	hdr      codec.Header
	animated bool
	maxChunk int64

	// still is the image payload of a simple
	// container without a VP8X chunk.
	still *payload

	loop    int
	hasAnim bool
	frames  int
	err     error
}

// payload is a frame's encoded image data.
type payload struct {
	alpha []byte
	id    riff.FourCC // VP8 or VP8L.
	data  []byte
}

// NewDecoder returns a codec.Decoder for the WebP container held in r. The
// RIFF header and the first chunk are read before NewDecoder returns.
func NewDecoder(r io.Reader, opts codec.Options) (codec.Decoder, error) {
	const op = "webp: header"
	d := &decoder{src: &trackReader{r: r}, opts: opts, loop: -1}
	limit := int64(opts.MaxDimension)
	if limit <= 0 {
		limit = codec.DefaultMaxDimension
	}
	// A compressed payload may be somewhat larger
	// than its raw pixels.
	d.maxChunk = 4*limit*limit + 1<<20

	form, rr, err := riff.NewReader(d.src)
	if err != nil {
		return nil, d.classify(op, err)
	}
	if form != fccWEBP {
		return nil, animation.Errorf(animation.UnrecognizedFormat, op, "riff form type %q is not WEBP", form[:])
	}
	d.riff = rr

	id, n, data, err := d.riff.Next()
	if err != nil {
		if err == io.EOF {
			return nil, animation.Errorf(animation.CorruptStream, op, "no chunks")
		}
		return nil, d.classify(op, err)
	}
	switch id {
	case fccVP8, fccVP8L:
		b, err := d.readChunk(op, n, data)
		if err != nil {
			return nil, err
		}
		d.still = &payload{id: id, data: b}
		cfg, err := webp.DecodeConfig(bytes.NewReader(d.still.standalone(0, 0)))
		if err != nil {
			return nil, &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
		}
		d.hdr = codec.Header{Format: codec.WebP, Width: cfg.Width, Height: cfg.Height}
	case fccVP8X:
		if n != 10 {
			return nil, animation.Errorf(animation.CorruptStream, op, "invalid VP8X chunk length: %d", n)
		}
		b, err := d.readChunk(op, n, data)
		if err != nil {
			return nil, err
		}
		d.animated = b[0]&animationBit != 0
		d.hdr = codec.Header{
			Format: codec.WebP,
			Width:  int(u24(b[4:])) + 1,
			Height: int(u24(b[7:])) + 1,
		}
	default:
		return nil, animation.Errorf(animation.CorruptStream, op, "unexpected first chunk %q", id[:])
	}
	err = opts.CheckSize(op, d.hdr.Width, d.hdr.Height)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *decoder) Header() codec.Header { return d.hdr }

// LoopCount returns the ANIM loop count converted to the
// animation.Sequence convention. Simple containers play once.
func (d *decoder) LoopCount() int { return d.loop }

// Next returns the next frame in the container. It returns io.EOF when
// there are no more frames.
func (d *decoder) Next() (animation.RawFrame, error) {
	if d.err != nil {
		return animation.RawFrame{}, d.err
	}
	var (
		f   animation.RawFrame
		err error
	)
	switch {
	case d.still != nil:
		f, err = d.decodeStill(*d.still)
		d.still = nil
	case d.animated:
		f, err = d.nextFrame()
	default:
		f, err = d.extendedStill()
	}
	if err != nil {
		d.err = err
		return animation.RawFrame{}, err
	}
	d.frames++
	if !d.animated {
		// A simple container holds only one frame.
		d.err = io.EOF
	}
	return f, nil
}

func (d *decoder) decodeStill(p payload) (animation.RawFrame, error) {
	img, err := p.decode("webp: image", d.hdr.Width, d.hdr.Height)
	if err != nil {
		return animation.RawFrame{}, err
	}
	return animation.RawFrame{Image: img, Disposal: animation.Keep}, nil
}

// extendedStill reads the image payload of a VP8X container without
// animation.
func (d *decoder) extendedStill() (animation.RawFrame, error) {
	const op = "webp: image"
	var p payload
	for {
		id, n, data, err := d.riff.Next()
		if err != nil {
			if err == io.EOF {
				return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, op, "no image data")
			}
			return animation.RawFrame{}, d.classify(op, err)
		}
		switch id {
		case fccALPH:
			p.alpha, err = d.readChunk(op, n, data)
			if err != nil {
				return animation.RawFrame{}, err
			}
		case fccVP8, fccVP8L:
			p.id = id
			p.data, err = d.readChunk(op, n, data)
			if err != nil {
				return animation.RawFrame{}, err
			}
			return d.decodeStill(p)
		}
	}
}

// nextFrame reads chunks up to and including the next ANMF chunk.
func (d *decoder) nextFrame() (animation.RawFrame, error) {
	const op = "webp: animation"
	for {
		id, n, data, err := d.riff.Next()
		if err != nil {
			if err == io.EOF {
				if d.frames == 0 {
					return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, op, "no frames")
				}
				return animation.RawFrame{}, io.EOF
			}
			return animation.RawFrame{}, d.classify(op, err)
		}
		switch id {
		case fccANIM:
			if n < 6 {
				return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, op, "short ANIM chunk: %d", n)
			}
			b, err := d.readChunk(op, n, data)
			if err != nil {
				return animation.RawFrame{}, err
			}
			// The first four bytes are the background
			// colour which is not used; the canvas
			// background is always transparent.
			d.loop = loopCount(int(binary.LittleEndian.Uint16(b[4:6])))
			d.hasAnim = true
		case fccANMF:
			if !d.hasAnim {
				return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, op, "ANMF before ANIM")
			}
			if n < 16 {
				return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, op, "short ANMF chunk: %d", n)
			}
			b, err := d.readChunk(op, n, data)
			if err != nil {
				return animation.RawFrame{}, err
			}
			return d.frame(b)
		}
	}
}

// loopCount converts a WebP loop count, the total number of plays with
// zero meaning forever, to the animation.Sequence convention.
func loopCount(n int) int {
	switch n {
	case 0:
		return 0
	case 1:
		return -1
	default:
		return n - 1
	}
}

// frame decodes the ANMF chunk data in b.
func (d *decoder) frame(b []byte) (animation.RawFrame, error) {
	const op = "webp: frame"
	x := 2 * int(u24(b[0:]))
	y := 2 * int(u24(b[3:]))
	w := int(u24(b[6:])) + 1
	h := int(u24(b[9:])) + 1
	dur := time.Duration(u24(b[12:])) * time.Millisecond
	flags := b[15]

	err := d.opts.CheckSize(op, w, h)
	if err != nil {
		return animation.RawFrame{}, err
	}
	rect := image.Rect(x, y, x+w, y+h)
	if !rect.In(image.Rect(0, 0, d.hdr.Width, d.hdr.Height)) {
		return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, op, "frame %v outside canvas %dx%d", rect, d.hdr.Width, d.hdr.Height)
	}

	// The frame data is a sequence of chunks following the
	// 16 byte header. Treating the last four bytes of the
	// header as a list type lets riff iterate over them.
	_, sub, err := riff.NewListReader(uint32(len(b)-12), bytes.NewReader(b[12:]))
	if err != nil {
		return animation.RawFrame{}, &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
	}
	var p payload
	for p.data == nil {
		id, _, data, err := sub.Next()
		if err != nil {
			if err == io.EOF {
				return animation.RawFrame{}, animation.Errorf(animation.CorruptStream, op, "no image data")
			}
			return animation.RawFrame{}, &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
		}
		switch id {
		case fccALPH:
			p.alpha, err = io.ReadAll(data)
		case fccVP8, fccVP8L:
			p.id = id
			p.data, err = io.ReadAll(data)
		}
		if err != nil {
			return animation.RawFrame{}, &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
		}
	}
	img, err := p.decode(op, w, h)
	if err != nil {
		return animation.RawFrame{}, err
	}
	img.Rect = rect
	return animation.RawFrame{
		Image:    img,
		Duration: dur,
		Disposal: disposal(flags),
		Blend:    flags&noBlendBit == 0,
	}, nil
}

func disposal(flags byte) animation.Disposal {
	if flags&disposeBit != 0 {
		return animation.RestoreBackground
	}
	return animation.Keep
}

// decode decodes the payload, checking that it has the expected size.
// The returned image has its origin at (0, 0).
func (p payload) decode(op string, width, height int) (*image.NRGBA, error) {
	img, err := webp.Decode(bytes.NewReader(p.standalone(width, height)))
	if err != nil {
		return nil, &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
	}
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		return nil, animation.Errorf(animation.CorruptStream, op, "image size %dx%d does not match frame size %dx%d", b.Dx(), b.Dy(), width, height)
	}
	return codec.ToNRGBA(img), nil
}

// standalone returns the payload as a complete WebP image. The width and
// height are only used when the payload has alpha data. Alpha data is
// ignored for lossless payloads, which carry their own alpha.
func (p payload) standalone(width, height int) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF\x00\x00\x00\x00WEBP")
	if p.alpha != nil && p.id != fccVP8L {
		var vp8x [10]byte
		vp8x[0] = alphaBit
		putU24(vp8x[4:], uint32(width-1))
		putU24(vp8x[7:], uint32(height-1))
		writeChunk(&buf, fccVP8X, vp8x[:])
		writeChunk(&buf, fccALPH, p.alpha)
	}
	writeChunk(&buf, p.id, p.data)
	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[4:], uint32(len(b)-8))
	return b
}

// writeChunk writes a RIFF chunk, padding odd length data.
func writeChunk(buf *bytes.Buffer, id riff.FourCC, data []byte) {
	var hdr [8]byte
	copy(hdr[:4], id[:])
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(data)))
	buf.Write(hdr[:])
	buf.Write(data)
	if len(data)&1 != 0 {
		buf.WriteByte(0)
	}
}

// readChunk reads the n bytes of chunk data from r.
func (d *decoder) readChunk(op string, n uint32, r io.Reader) ([]byte, error) {
	if int64(n) > d.maxChunk {
		return nil, animation.Errorf(animation.AllocationFailure, op, "chunk length %d exceeds limit %d", n, d.maxChunk)
	}
	b, err := io.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return nil, d.classify(op, err)
	}
	if len(b) != int(n) {
		return nil, d.classify(op, io.ErrUnexpectedEOF)
	}
	return b, nil
}

// classify converts container read errors into typed errors. The riff
// package does not report the end of the underlying data as io.EOF, so
// the state of the underlying reader is used to distinguish truncated
// data from a malformed container.
func (d *decoder) classify(op string, err error) error {
	var e *animation.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case d.src.err != nil:
		return codec.Classify(op, d.src.err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &animation.Error{Kind: animation.TruncatedData, Op: op, Err: io.ErrUnexpectedEOF}
	default:
		return &animation.Error{Kind: animation.CorruptStream, Op: op, Err: err}
	}
}

// trackReader retains the first error returned by the underlying reader.
type trackReader struct {
	r   io.Reader
	err error
}

func (r *trackReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && r.err == nil {
		r.err = err
	}
	return n, err
}

func u24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func putU24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
