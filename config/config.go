// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides reel configuration types and schemas.
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

// Config is a complete configuration.
type Config struct {
	Engine  *Engine  `json:"engine,omitempty" toml:"engine"`
	Log     *Log     `json:"log,omitempty" toml:"log"`
	Control *Control `json:"control,omitempty" toml:"control"`

	Sum *Sum `json:"sum,omitempty" toml:"-"`
}

// Engine is the decode engine configuration.
type Engine struct {
	// MaxConcurrentDecodes is the maximum number of
	// sources fetched and decoded at once.
	MaxConcurrentDecodes int `json:"max_concurrent_decodes" toml:"max_concurrent_decodes"`
	// MaxBufferedBytesPerSource is the maximum number
	// of encoded bytes read from a single source.
	MaxBufferedBytesPerSource int64 `json:"max_buffered_bytes_per_source" toml:"max_buffered_bytes_per_source"`
	// NetworkTimeoutMS is the HTTP client timeout.
	NetworkTimeoutMS int `json:"network_timeout_ms" toml:"network_timeout_ms"`
	// DefaultLoopOverride replaces the loop count of
	// played sequences when not nil.
	DefaultLoopOverride *int `json:"default_loop_override,omitempty" toml:"default_loop_override"`
	// DefaultFrameDelayMS is the display time used
	// for zero-delay frames in multi-frame sequences.
	DefaultFrameDelayMS *int `json:"default_frame_delay_ms,omitempty" toml:"default_frame_delay_ms"`
	// MaxDimension is the largest accepted canvas
	// side length.
	MaxDimension int `json:"max_dimension" toml:"max_dimension"`
	// Progressive indicates that frames are made
	// available for playback as they are decoded.
	Progressive bool `json:"progressive" toml:"progressive"`
	// KeepTruncatedPrefix indicates that frames
	// decoded before a data error are retained as a
	// playable sequence.
	KeepTruncatedPrefix bool `json:"keep_truncated_prefix" toml:"keep_truncated_prefix"`
	// Opaque forces decoded frames to be fully opaque.
	Opaque bool `json:"opaque" toml:"opaque"`
	// CacheEntries is the number of decoded sequences
	// retained for reuse. Zero disables the cache.
	CacheEntries int `json:"cache_entries" toml:"cache_entries"`
	// HTTPCache enables revalidation of HTTP sources
	// against stored responses.
	HTTPCache bool `json:"http_cache" toml:"http_cache"`
}

// NetworkTimeout returns the network timeout as a time.Duration.
func (e *Engine) NetworkTimeout() time.Duration {
	return time.Duration(e.NetworkTimeoutMS) * time.Millisecond
}

// DefaultFrameDelay returns the default frame delay as a time.Duration.
// It returns zero if no default delay is configured.
func (e *Engine) DefaultFrameDelay() time.Duration {
	if e.DefaultFrameDelayMS == nil {
		return 0
	}
	return time.Duration(*e.DefaultFrameDelayMS) * time.Millisecond
}

// Log is the logging configuration.
type Log struct {
	Level     *slog.Level `json:"level,omitempty" toml:"level"`
	AddSource *bool       `json:"add_source,omitempty" toml:"add_source"`
}

// Control is the control server configuration.
type Control struct {
	// Network is the network the control server
	// listens on, "unix" or "tcp".
	Network string `json:"network" toml:"network"`
	// Addr is the listen address. If empty a unix
	// socket in the runtime directory or a loopback
	// port chosen by the system is used.
	Addr string `json:"addr,omitempty" toml:"addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Engine:  DefaultEngine(),
		Log:     &Log{},
		Control: &Control{Network: "unix"},
	}
}

// DefaultEngine returns the default engine configuration.
func DefaultEngine() *Engine {
	return &Engine{
		MaxConcurrentDecodes:      4,
		MaxBufferedBytesPerSource: 64 << 20,
		NetworkTimeoutMS:          60000,
		MaxDimension:              8192,
		Progressive:               true,
		CacheEntries:              16,
		HTTPCache:                 true,
	}
}

// Schema is the schema for a valid configuration.
const Schema = `
{
	engine?:  _#engine
	log?:     _#log
	control?: _#control
}

_#engine: {
	max_concurrent_decodes:        int & >=1
	max_buffered_bytes_per_source: int & >=1
	network_timeout_ms:            int & >=1
	default_loop_override?:        int & >=-1
	default_frame_delay_ms?:       int & >=0
	max_dimension:                 int & >=1 & <=65535
	progressive:                   bool
	keep_truncated_prefix:         bool
	opaque:                        bool
	cache_entries:                 int & >=0
	http_cache:                    bool
}

_#log: {
	level?:      _#log_level
	add_source?: bool
}

_#control: {
	network: "tcp" | "unix"
	addr?:   string
}

_#log_level: =~"(?i)^(?:debug|info|warn|error)$"
`

// Sum is a comparable optional SHA-1 sum.
type Sum [sha1.Size]byte

// Equal returns whether s is equal to other.
func (s *Sum) Equal(other *Sum) bool {
	switch {
	case s == other:
		return true
	case s != nil && other != nil:
		return *s == *other
	default:
		return false
	}
}

func (s *Sum) String() string {
	if s == nil {
		return ""
	}
	return hex.EncodeToString(s[:])
}

func (s *Sum) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(len(s)) {
		return fmt.Errorf("invalid length: %d != %d", len(text), hex.EncodedLen(len(s)))
	}
	_, err := hex.Decode(s[:], text)
	if err != nil {
		return err
	}
	return nil
}

func (s *Sum) MarshalText() (text []byte, err error) {
	if s == nil {
		return nil, nil
	}
	text = make([]byte, hex.EncodedLen(len(s)))
	hex.Encode(text, s[:])
	return text, nil
}
