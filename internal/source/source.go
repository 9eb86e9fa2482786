// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package source provides providers of encoded image data.
//
// A Source is fetched to obtain a Stream which yields the encoded bytes
// in chunks. Streams are finite and may not be restarted.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
)

// Source is a provider of encoded bytes.
type Source interface {
	// Fetch starts a transfer. The returned Stream must
	// be closed by the caller.
	Fetch(ctx context.Context) (Stream, error)
}

// Stream is a chunked byte stream.
type Stream interface {
	// Next returns the next chunk of data. It returns
	// io.EOF after the last chunk. The returned slice
	// is only valid until the next call to Next and
	// must not be modified. Next never returns data
	// and a non-nil error.
	Next() ([]byte, error)
	// Close releases resources held by the stream.
	Close() error
}

// TransportError is an error in obtaining data from a source. It is never
// a format error.
type TransportError struct {
	URI string
	// StatusCode is the HTTP status code for an
	// unsuccessful response. It is zero for other
	// errors.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("transport error: %s: %d %s", e.URI, e.StatusCode, http.StatusText(e.StatusCode))
	case e.StatusCode != 0:
		return fmt.Sprintf("transport error: %s: %d %s: %v", e.URI, e.StatusCode, http.StatusText(e.StatusCode), e.Err)
	default:
		return fmt.Sprintf("transport error: %s: %v", e.URI, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// SizeLimitError is returned when a source holds more data than is
// permitted.
type SizeLimitError struct {
	Limit int64
	// Size is the known size of the source, or the
	// number of bytes read when the limit was passed.
	Size int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("source size %s exceeds limit of %s", humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

// Limit returns a Stream that returns a *SizeLimitError once more than max
// bytes have been read from s. If max is not positive, s is returned.
func Limit(s Stream, max int64) Stream {
	if max <= 0 {
		return s
	}
	return &limited{Stream: s, max: max}
}

type limited struct {
	Stream
	max int64
	n   int64
	err error
}

func (l *limited) Next() ([]byte, error) {
	if l.err != nil {
		return nil, l.err
	}
	b, err := l.Stream.Next()
	if err != nil {
		return nil, err
	}
	l.n += int64(len(b))
	if l.n > l.max {
		l.err = &SizeLimitError{Limit: l.max, Size: l.n}
		return nil, l.err
	}
	return b, nil
}

// NewReader returns an io.Reader reading from s. The context is checked
// before each chunk is requested and its error is returned when it is
// cancelled.
func NewReader(ctx context.Context, s Stream) io.Reader {
	return &reader{ctx: ctx, s: s}
}

type reader struct {
	ctx context.Context
	s   Stream
	buf []byte
	err error
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if err := r.ctx.Err(); err != nil {
			r.err = err
			return 0, err
		}
		r.buf, r.err = r.s.Next()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// ReadAll returns all the data in s.
func ReadAll(ctx context.Context, s Stream) ([]byte, error) {
	return io.ReadAll(NewReader(ctx, s))
}

// Open returns a Source for the provided URI. URIs with an http or https
// scheme are fetched over HTTP. URIs with a file scheme and plain paths
// are read from the local file system.
func Open(uri string, opts Options) (Source, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") || strings.HasPrefix(uri, "file:") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, err
		}
		switch u.Scheme {
		case "http", "https":
			return &HTTP{
				URL:      u.String(),
				Client:   opts.client(),
				MaxBytes: opts.MaxBytes,
				Cache:    opts.Cache,
				Log:      opts.Log,
			}, nil
		case "file":
			return &File{Path: u.Path, MaxBytes: opts.MaxBytes}, nil
		}
	}
	if i := strings.Index(uri, "://"); i > 0 {
		return nil, fmt.Errorf("unsupported uri scheme: %q", uri[:i])
	}
	return &File{Path: uri, MaxBytes: opts.MaxBytes}, nil
}
