// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xdg provides resolution of cross-platform configuration, state,
// cache and runtime directories for an application.
package xdg

import (
	"errors"
	"os"
	"path/filepath"
)

// Dirs holds an application's directories. A field is empty when no
// directory could be determined for it.
type Dirs struct {
	Config  string
	State   string
	Cache   string
	Runtime string
}

// ErrNoHome is returned by For when no configuration directory can be
// determined.
var ErrNoHome = errors.New("no home directory")

// For returns the directories for the named application. Each directory
// is the application name joined to the corresponding base directory. If
// no runtime base directory is available, the state directory is used.
// The directories are not created.
func For(app string) (Dirs, error) {
	var d Dirs
	if base, ok := ConfigHome(); ok {
		d.Config = filepath.Join(base, app)
	}
	if base, ok := StateHome(); ok {
		d.State = filepath.Join(base, app)
	}
	if base, ok := CacheHome(); ok {
		d.Cache = filepath.Join(base, app)
	}
	if base, ok := RuntimeDir(); ok {
		d.Runtime = filepath.Join(base, app)
	} else {
		d.Runtime = d.State
	}
	if d.Config == "" {
		return d, ErrNoHome
	}
	return d, nil
}

// ConfigHome returns the path corresponding to XDG_CONFIG_HOME.
func ConfigHome() (string, bool) {
	return envOrDefault(key_XDG_CONFIG_HOME, def_XDG_CONFIG_HOME, _HOME)
}

// StateHome returns the path corresponding to XDG_STATE_HOME.
func StateHome() (string, bool) {
	return envOrDefault(key_XDG_STATE_HOME, def_XDG_STATE_HOME, _HOME)
}

// CacheHome returns the path corresponding to XDG_CACHE_HOME.
func CacheHome() (string, bool) {
	return envOrDefault(key_XDG_CACHE_HOME, def_XDG_CACHE_HOME, _HOME)
}

// RuntimeDir returns the path corresponding to XDG_RUNTIME_DIR.
func RuntimeDir() (string, bool) {
	return envOrDefault(key_XDG_RUNTIME_DIR, def_XDG_RUNTIME_DIR, _HOME)
}

// envOrDefault return the path corresponding to the provided key and
// default. If home is empty or the default is absolute, the default is
// returned unaltered, otherwise the default is returned relative to the
// path held by the home environment variable.
func envOrDefault(key, def, home string) (string, bool) {
	if key != "" {
		val, ok := os.LookupEnv(key)
		if ok && val != "" {
			return val, true
		}
	}
	if def == "" {
		return "", false
	}
	if home == "" || filepath.IsAbs(def) {
		return def, true
	}
	base, ok := os.LookupEnv(home)
	if !ok {
		return "", false
	}
	return filepath.Join(base, def), true
}
