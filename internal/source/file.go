// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package source

import (
	"context"
	"errors"
	"io"
	"os"
)

// Bytes is an in-memory Source.
type Bytes struct {
	Data []byte
	// ChunkSize is the maximum length of chunks
	// returned by the stream. If not positive, the
	// data is returned in a single chunk.
	ChunkSize int
}

// Fetch returns a stream over the data. It does not fail.
func (b Bytes) Fetch(ctx context.Context) (Stream, error) {
	return b.stream(), nil
}

func (b Bytes) stream() *bytesStream {
	n := b.ChunkSize
	if n <= 0 {
		n = len(b.Data)
	}
	return &bytesStream{data: b.Data, chunk: n}
}

type bytesStream struct {
	data  []byte
	chunk int
}

func (s *bytesStream) Next() ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	n := min(s.chunk, len(s.data))
	b := s.data[:n:n]
	s.data = s.data[n:]
	return b, nil
}

func (s *bytesStream) Close() error {
	s.data = nil
	return nil
}

// File is a Source read from the local file system.
type File struct {
	Path string
	// MaxBytes is the maximum acceptable file
	// size. If not positive, there is no limit.
	MaxBytes int64
	// ChunkSize is the size of chunks read from
	// the file. If not positive a default is used.
	ChunkSize int
}

// Fetch opens the file. Failure to open the file is returned as a
// *TransportError and a file larger than MaxBytes results in a
// *SizeLimitError.
func (f *File) Fetch(ctx context.Context) (Stream, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, &TransportError{URI: f.Path, Err: err}
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &TransportError{URI: f.Path, Err: err}
	}
	if fi.IsDir() {
		file.Close()
		return nil, &TransportError{URI: f.Path, Err: errIsDir}
	}
	if f.MaxBytes > 0 && fi.Size() > f.MaxBytes {
		file.Close()
		return nil, &SizeLimitError{Limit: f.MaxBytes, Size: fi.Size()}
	}
	n := f.ChunkSize
	if n <= 0 {
		n = chunkSize
	}
	return &fileStream{path: f.Path, f: file, buf: make([]byte, n)}, nil
}

var errIsDir = errors.New("is a directory")

type fileStream struct {
	path string
	f    *os.File
	buf  []byte
	err  error
}

func (s *fileStream) Next() ([]byte, error) {
	for s.err == nil {
		n, err := s.f.Read(s.buf)
		switch {
		case err == io.EOF:
			s.err = io.EOF
		case err != nil:
			s.err = &TransportError{URI: s.path, Err: err}
		}
		if n > 0 {
			return s.buf[:n], nil
		}
	}
	return nil, s.err
}

func (s *fileStream) Close() error {
	return s.f.Close()
}
