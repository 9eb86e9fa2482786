// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"crypto/sha1"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/reel/config"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

func ptr[T any](v T) *T { return &v }

var loadTests = []struct {
	name    string
	data    string
	want    func() *Config
	wantErr bool
}{
	{
		name: "empty",
		data: "",
		want: config.Default,
	},
	{
		name: "engine",
		data: `[engine]
max_concurrent_decodes = 2
default_loop_override = 3
default_frame_delay_ms = 100
progressive = false
`,
		want: func() *Config {
			c := config.Default()
			c.Engine.MaxConcurrentDecodes = 2
			c.Engine.DefaultLoopOverride = ptr(3)
			c.Engine.DefaultFrameDelayMS = ptr(100)
			c.Engine.Progressive = false
			return c
		},
	},
	{
		name: "log",
		data: `[log]
level = "debug"
add_source = true
`,
		want: func() *Config {
			c := config.Default()
			c.Log.Level = ptr(slog.LevelDebug)
			c.Log.AddSource = ptr(true)
			return c
		},
	},
	{
		name: "control",
		data: `[control]
network = "tcp"
addr = "localhost:7474"
`,
		want: func() *Config {
			c := config.Default()
			c.Control = &Control{Network: "tcp", Addr: "localhost:7474"}
			return c
		},
	},
	{
		name: "invalid_engine",
		data: `[engine]
max_concurrent_decodes = 0

[log]
level = "debug"
`,
		want: func() *Config {
			c := config.Default()
			c.Log.Level = ptr(slog.LevelDebug)
			return c
		},
		wantErr: true,
	},
	{
		name: "invalid_network",
		data: `[engine]
cache_entries = 2

[control]
network = "udp"
`,
		want: func() *Config {
			c := config.Default()
			c.Engine.CacheEntries = 2
			return c
		},
		wantErr: true,
	},
	{
		name: "unknown_key",
		data: `[engine]
max_concurrent_decode = 2
`,
		want:    config.Default,
		wantErr: true,
	},
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for _, test := range loadTests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, test.name+".toml")
			err := os.WriteFile(path, []byte(test.data), 0o644)
			if err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			got, err := Load(path)
			if (err != nil) != test.wantErr {
				t.Errorf("unexpected error: %v", err)
			}
			if got == nil {
				t.Fatal("expected configuration")
			}
			want := test.want()
			if got.Sum == nil {
				t.Error("missing sum")
			}
			if !cmp.Equal(want, got, ignoreSum) {
				t.Errorf("unexpected config:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got, ignoreSum))
			}
		})
	}

	t.Run("syntax_error", func(t *testing.T) {
		path := filepath.Join(dir, "syntax.toml")
		err := os.WriteFile(path, []byte("[engine\n"), 0o644)
		if err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		got, err := Load(path)
		if err == nil || got != nil {
			t.Errorf("expected error and no config: got:%v err:%v", got, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.toml"))
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("unexpected error: got:%v want:%v", err, fs.ErrNotExist)
		}
	})
}

func TestSemanticHash(t *testing.T) {
	a := []byte(`[engine]
max_concurrent_decodes = 2
`)
	b := []byte(`# Limit decoding.
[engine]
max_concurrent_decodes    =  2

`)
	c := []byte(`[engine]
max_concurrent_decodes = 3
`)
	h := sha1.New()
	_, sumA, err := unmarshalConfig(h, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, sumB, err := unmarshalConfig(h, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, sumC, err := unmarshalConfig(h, c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sumA != sumB {
		t.Errorf("formatting changed semantic hash: %s != %s", &sumA, &sumB)
	}
	if sumA == sumC {
		t.Errorf("value change did not change semantic hash: %s", &sumA)
	}
}

var ignoreSum = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".Sum"
}, cmp.Ignore())

var sumTests = []struct {
	a, b *Sum
	want bool
}{
	{a: nil, b: nil, want: true},
	{a: nil, b: &Sum{}, want: false},
	{a: &Sum{}, b: nil, want: false},
	{a: &Sum{}, b: &Sum{}, want: true},
	{a: &Sum{0: 1}, b: &Sum{}, want: false},
	{a: &Sum{}, b: &Sum{0: 1}, want: false},
}

func TestSum(t *testing.T) {
	for _, test := range sumTests {
		got := test.a.Equal(test.b)
		if got != test.want {
			t.Errorf("unexpected result for %q.equal(%q): got:%t want:%t", test.a, test.b, got, test.want)
		}
	}
}

func TestSumText(t *testing.T) {
	want := Sum{0: 0xde, 1: 0xad, 19: 0x01}
	text, err := want.MarshalText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Sum
	err = got.UnmarshalText(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("unexpected round trip: got:%s want:%s", &got, &want)
	}
	if got.UnmarshalText([]byte("dead")) == nil {
		t.Error("expected error for short text")
	}
}
