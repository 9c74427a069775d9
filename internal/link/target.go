// Copyright 2024 The nativebind Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package link turns requested library names into link targets and
// assembles them into an ordered descriptor that a Go build can consume.
package link

import (
	"fmt"
	"strings"

	"github.com/goplus/nativebind/pkgs/platform"
)

// Origin says where a target is looked up.
type Origin int

const (
	// Local targets come from an install manifest.
	Local Origin = iota
	// System targets come from pkg-config or the platform library dirs.
	System
)

func (o Origin) String() string {
	if o == System {
		return "system"
	}
	return "local"
}

// ParseOrigin parses "local" or "system". The empty string is Local.
func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(s) {
	case "", "local":
		return Local, nil
	case "system":
		return System, nil
	}
	return 0, fmt.Errorf("unknown target origin %q", s)
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Origin) UnmarshalText(b []byte) error {
	v, err := ParseOrigin(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Request asks for one library. Dynamic prefers the shared variant.
type Request struct {
	Name    string `yaml:"name" toml:"name" json:"name"`
	Origin  Origin `yaml:"origin,omitempty" toml:"origin,omitempty" json:"origin"`
	Dynamic bool   `yaml:"dynamic,omitempty" toml:"dynamic,omitempty" json:"dynamic,omitempty"`
}

func (r Request) String() string {
	return r.Origin.String() + ":" + r.Name
}

// Target is a resolved library.
type Target struct {
	Name    string           `json:"name"`
	Origin  Origin           `json:"origin"`
	Linkage platform.LibKind `json:"linkage"`
	// Paths are the library files backing the target, if known.
	Paths  []string `json:"paths,omitempty"`
	LibDir string   `json:"lib_dir,omitempty"`
	// Flags are the linker arguments for this target alone.
	Flags []string `json:"flags"`
	// CFlags are extra compiler arguments reported for the target.
	CFlags []string `json:"cflags,omitempty"`
	// IncludeDirs are the header directories of the install the target
	// belongs to.
	IncludeDirs []string `json:"include_dirs,omitempty"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s (%s %s)", t.Name, t.Origin, t.Linkage)
}
