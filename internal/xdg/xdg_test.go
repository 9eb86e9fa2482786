// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xdg

import (
	"errors"
	"path/filepath"
	"runtime"
	"testing"
)

var envOrDefaultTests = []struct {
	name string
	set  map[string]string

	key, def, home string

	want   string
	wantOK bool
}{
	{
		name: "env",
		set: map[string]string{
			"test_HOME": "testdata/home",
			"testkey":   "testdata/home/dir",
		},
		key:  "testkey",
		def:  "testdata/global_dir",
		home: "test_HOME",

		want:   "testdata/home/dir",
		wantOK: true,
	},
	{
		name: "empty_env",
		set: map[string]string{
			"test_HOME": "testdata/home",
			"testkey":   "",
		},
		key:  "testkey",
		def:  "dir",
		home: "test_HOME",

		want:   "testdata/home/dir",
		wantOK: true,
	},
	{
		name: "default_in_home",
		set: map[string]string{
			"test_HOME": "testdata/home",
		},
		key:  "testkey",
		def:  "testdata/global_dir",
		home: "test_HOME",

		want:   "testdata/home/testdata/global_dir",
		wantOK: true,
	},
	{
		name: "no_default",
		set: map[string]string{
			"test_HOME": "testdata/home",
		},
		key:  "testkey",
		def:  "",
		home: "test_HOME",

		want:   "",
		wantOK: false,
	},
	{
		name: "no_home",
		key:  "testkey",
		def:  "testdata/global_dir",
		home: "",

		want:   "testdata/global_dir",
		wantOK: true,
	},
	{
		name: "absolute_default",
		set: map[string]string{
			"test_HOME": "testdata/home",
		},
		key:  "testkey",
		def:  "/global_dir",
		home: "test_HOME",

		want:   "/global_dir",
		wantOK: true,
	},
	{
		name: "invalid_home",
		key:  "testkey",
		def:  "testdata/global_dir",
		home: "invalid_test_HOME",

		want:   "",
		wantOK: false,
	},
}

func TestEnvOrDefault(t *testing.T) {
	for _, test := range envOrDefaultTests {
		t.Run(test.name, func(t *testing.T) {
			for k, v := range test.set {
				t.Setenv(k, v)
			}
			got, gotOK := envOrDefault(test.key, test.def, test.home)
			if gotOK != test.wantOK {
				t.Errorf("unexpected ok: got:%t want:%t", gotOK, test.wantOK)
			}
			if got != test.want {
				t.Errorf("unexpected result: got:%q want:%q", got, test.want)
			}
		})
	}
}

func TestFor(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG variables are only consulted on linux")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("XDG_RUNTIME_DIR", "")

	got, err := For("reel")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Dirs{
		Config:  filepath.Join(home, ".config", "reel"),
		State:   filepath.Join(home, "state", "reel"),
		Cache:   filepath.Join(home, ".cache", "reel"),
		Runtime: filepath.Join(home, "state", "reel"),
	}
	if got != want {
		t.Errorf("unexpected directories:\ngot: %+v\nwant:%+v", got, want)
	}

	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(home, "run"))
	got, err = For("reel")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "run", "reel"); got.Runtime != want {
		t.Errorf("unexpected runtime directory: got:%q want:%q", got.Runtime, want)
	}

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "")
	_, err = For("reel")
	if err != nil && !errors.Is(err, ErrNoHome) {
		t.Errorf("unexpected error: %v", err)
	}
}
