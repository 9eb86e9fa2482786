// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides configuration loading, validation and live
// reloading.
package config

import (
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kortschak/reel/config"
)

// Alias the publicly visible types.
type (
	Config  = config.Config
	Engine  = config.Engine
	Log     = config.Log
	Control = config.Control
	Sum     = config.Sum
)

const (
	engineName  = "engine"
	logName     = "log"
	controlName = "control"
)

// Load reads the configuration file at path. Fields and sections missing
// from the file take their default values. If the file holds invalid
// values, the sections holding them are replaced with their defaults and
// the repaired configuration is returned with the validation error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, _, err := unmarshalConfig(sha1.New(), b)
	return cfg, err
}

// unmarshalConfig returns a configuration and its semantic hash from the
// provided raw data. A non-nil configuration is returned with a non-nil
// error if the data was valid TOML but failed validation.
func unmarshalConfig(h hash.Hash, b []byte) (cfg *Config, sum Sum, _ error) {
	c := config.Default()
	md, err := toml.Decode(string(b), c)
	if err != nil {
		return nil, sum, err
	}
	var deferredErr error
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		deferredErr = fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}

	fields, err := Validate(config.Schema, c)
	if err != nil {
		c = repair(c, sections(fields))
		deferredErr = errors.Join(deferredErr, err)
	}

	err = json.NewEncoder(h).Encode(c)
	if err != nil {
		return nil, sum, err
	}
	sum = ([sha1.Size]byte)(h.Sum(nil))
	h.Reset()
	c.Sum = &sum
	return c, sum, deferredErr
}

// repair replaces the named sections of cfg with their default values.
// Unknown names are ignored.
func repair(cfg *Config, sections []string) *Config {
	def := config.Default()
	for _, name := range sections {
		switch name {
		case engineName:
			cfg.Engine = def.Engine
		case logName:
			cfg.Log = def.Log
		case controlName:
			cfg.Control = def.Control
		}
	}
	return cfg
}
