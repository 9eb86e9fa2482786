// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package version reports the build version.
package version

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// Print prints the build version.
func Print() error {
	v, err := String()
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

// String returns the build version, including the VCS revision and its
// modification state when available.
func String() (string, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", errors.New("no build info")
	}
	var revision, modified string
	for _, bs := range bi.Settings {
		switch bs.Key {
		case "vcs.revision":
			revision = bs.Value
		case "vcs.modified":
			modified = bs.Value
		}
	}
	if revision == "" {
		return bi.Main.Version, nil
	}
	parts := []string{bi.Main.Version, revision}
	switch modified {
	case "true":
		parts = append(parts, "(modified)")
	case "false":
	default:
		// This should never happen.
		parts = append(parts, modified)
	}
	return strings.Join(parts, " "), nil
}
