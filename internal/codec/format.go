// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec provides format detection, the codec registry and the
// generic still image adapter.
package codec

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/kortschak/reel/internal/animation"
)

// Format is an image container format tag.
type Format int

const (
	Unknown Format = iota
	GIF
	WebP
	PNG
	JPEG
	BMP
	TIFF
)

var formatNames = []string{
	Unknown: "unknown",
	GIF:     "gif",
	WebP:    "webp",
	PNG:     "png",
	JPEG:    "jpeg",
	BMP:     "bmp",
	TIFF:    "tiff",
}

func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return fmt.Sprintf("format(%d)", int(f))
	}
	return formatNames[f]
}

// ParseFormat returns the Format named by s. The empty string is Unknown.
// Common aliases such as "jpg" and "tif" are accepted.
func ParseFormat(s string) (Format, error) {
	switch s = strings.ToLower(strings.TrimPrefix(s, "image/")); s {
	case "":
		return Unknown, nil
	case "jpg":
		return JPEG, nil
	case "tif":
		return TIFF, nil
	}
	for f, name := range formatNames {
		if name == s {
			return Format(f), nil
		}
	}
	return Unknown, fmt.Errorf("unknown format: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(text []byte) error {
	v, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// SniffLen is the number of bytes needed to detect any known format.
const SniffLen = 16

// signatures is the magic number table. A '?' matches any byte.
var signatures = []struct {
	magic  string
	format Format
}{
	{"GIF87a", GIF},
	{"GIF89a", GIF},
	{"RIFF????WEBP", WebP},
	{"\x89PNG\r\n\x1a\n", PNG},
	{"\xff\xd8\xff", JPEG},
	{"BM", BMP},
	{"II*\x00", TIFF},
	{"MM\x00*", TIFF},
}

// ReadPeeker is an io.Reader that can also peek n bytes ahead.
type ReadPeeker interface {
	io.Reader
	Peek(n int) ([]byte, error)
}

// AsReadPeeker converts an io.Reader to a ReadPeeker.
func AsReadPeeker(r io.Reader) ReadPeeker {
	if r, ok := r.(ReadPeeker); ok {
		return r
	}
	return bufio.NewReader(r)
}

// Detect returns the format of the data held by r without consuming it.
// If hint is not Unknown it is returned without inspecting r. If no
// signature matches, Detect returns an UnrecognizedFormat error.
func Detect(r ReadPeeker, hint Format) (Format, error) {
	if hint != Unknown {
		return hint, nil
	}
	for _, sig := range signatures {
		if hasMagic(sig.magic, r) {
			return sig.format, nil
		}
	}
	return Unknown, animation.Errorf(animation.UnrecognizedFormat, "detect", "no matching signature")
}

// Sniff returns the format of the data starting with b, or Unknown.
func Sniff(b []byte) Format {
	for _, sig := range signatures {
		if matches(sig.magic, b) {
			return sig.format
		}
	}
	return Unknown
}

// hasMagic returns whether r starts with the provided magic bytes.
func hasMagic(magic string, r ReadPeeker) bool {
	b, err := r.Peek(len(magic))
	if err != nil || len(b) != len(magic) {
		return false
	}
	return matches(magic, b)
}

func matches(magic string, b []byte) bool {
	if len(b) < len(magic) {
		return false
	}
	for i := range len(magic) {
		if magic[i] != b[i] && magic[i] != '?' {
			return false
		}
	}
	return true
}
