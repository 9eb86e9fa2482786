// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/gocode/gocodec"
	"golang.org/x/exp/slices"
)

// Validate checks cfg against the CUE schema. If cfg is invalid, it
// returns the dotted names of the offending fields, sorted and without
// repeats, and a CUE errors.Error describing the problems. Errors that
// cannot be attributed to a field are only reported in the error.
func Validate(schema string, cfg *Config) (fields []string, err error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schema)
	if v.Err() != nil {
		return nil, v.Err()
	}
	w, err := gocodec.New(ctx, nil).Decode(cfg)
	if err != nil {
		return nil, err
	}

	err = v.Unify(w).Validate(cue.Concrete(true), cue.Final())
	if err == nil {
		return nil, nil
	}
	for _, e := range cerrors.Errors(err) {
		if p := cerrors.Path(e); len(p) != 0 {
			fields = append(fields, strings.Join(p, "."))
		}
	}
	slices.Sort(fields)
	return slices.Compact(fields), cerrors.Promote(err, "invalid configuration")
}

// sections returns the top-level sections holding the provided fields,
// in order and without repeats. The fields must be sorted.
func sections(fields []string) []string {
	var names []string
	for _, f := range fields {
		name, _, _ := strings.Cut(f, ".")
		if len(names) == 0 || names[len(names)-1] != name {
			names = append(names, name)
		}
	}
	return names
}
