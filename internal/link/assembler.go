// Copyright 2024 The nativebind Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goplus/nativebind/internal/install"
	"github.com/goplus/nativebind/internal/proc"
	"github.com/goplus/nativebind/internal/stage"
	"github.com/goplus/nativebind/pkgs/platform"
)

// DefaultCacheSize bounds the number of memoized system lookups.
const DefaultCacheSize = 256

// errNotFound marks a system lookup that found nothing. Such misses are
// memoized like hits.
var errNotFound = errors.New("not found")

type lookup struct {
	target Target
	err    error
}

// Assembler resolves requests against install manifests and the system.
// It is safe for concurrent use.
type Assembler struct {
	policy     platform.Policy
	pkgConfig  string
	systemDirs []string
	cacheSize  int
	cache      *lru.Cache[string, lookup]
	logger     *log.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithPkgConfig sets the pkg-config executable. An empty path disables
// pkg-config lookups.
func WithPkgConfig(path string) Option {
	return func(a *Assembler) { a.pkgConfig = path }
}

// WithSystemDirs replaces the platform's default library directories.
func WithSystemDirs(dirs ...string) Option {
	return func(a *Assembler) { a.systemDirs = dirs }
}

// WithCacheSize sets how many system lookups are memoized.
func WithCacheSize(n int) Option {
	return func(a *Assembler) { a.cacheSize = n }
}

// WithLogger sets the logger used for lookup diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// NewAssembler creates an Assembler following pol.
func NewAssembler(pol platform.Policy, opts ...Option) (*Assembler, error) {
	a := &Assembler{
		policy:     pol,
		pkgConfig:  "pkg-config",
		systemDirs: pol.SystemLibDirs,
		cacheSize:  DefaultCacheSize,
		logger:     log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(a)
	}
	cache, err := lru.New[string, lookup](a.cacheSize)
	if err != nil {
		return nil, err
	}
	a.cache = cache
	return a, nil
}

// Resolve maps every request to a target. Local requests are searched in
// manifests. All requests are attempted; if any fails, no targets are
// returned and the error names every failed request.
func (a *Assembler) Resolve(ctx context.Context, reqs []Request, manifests ...*install.Manifest) ([]Target, error) {
	var errs []error
	seen := make(map[string]bool, len(reqs))
	targets := make([]Target, 0, len(reqs))
	for _, req := range reqs {
		if req.Name == "" {
			errs = append(errs, errors.New("empty target name"))
			continue
		}
		if seen[req.Name] {
			errs = append(errs, fmt.Errorf("target %q requested twice", req.Name))
			continue
		}
		seen[req.Name] = true

		var (
			t   Target
			err error
		)
		if req.Origin == System {
			t, err = a.resolveSystem(ctx, req)
		} else {
			t, err = a.resolveLocal(req, manifests)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		targets = append(targets, t)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, stage.Wrap(stage.ErrResolution, err)
	}
	return targets, nil
}

func (a *Assembler) resolveLocal(req Request, manifests []*install.Manifest) (Target, error) {
	prefer, fallback := platform.Static, platform.Shared
	if req.Dynamic {
		prefer, fallback = fallback, prefer
	}
	for _, kind := range []platform.LibKind{prefer, fallback} {
		var (
			matches []install.Artifact
			owners  []*install.Manifest
		)
		for _, m := range manifests {
			for _, art := range m.Libraries(req.Name, kind) {
				matches = append(matches, art)
				owners = append(owners, m)
			}
		}
		switch len(matches) {
		case 0:
			continue
		case 1:
			return a.localTarget(req.Name, kind, matches[0], owners[0]), nil
		default:
			paths := make([]string, len(matches))
			for i, art := range matches {
				paths[i] = art.Path
			}
			return Target{}, fmt.Errorf("local target %q is ambiguous: %d %s libraries (%s)",
				req.Name, len(matches), kind, strings.Join(paths, ", "))
		}
	}
	var where []string
	for _, m := range manifests {
		where = append(where, m.Prefix)
	}
	if len(where) == 0 {
		return Target{}, fmt.Errorf("local target %q not found: no install manifest", req.Name)
	}
	return Target{}, fmt.Errorf("local target %q not found in %s", req.Name, strings.Join(where, ", "))
}

func (a *Assembler) localTarget(name string, kind platform.LibKind, art install.Artifact, m *install.Manifest) Target {
	dir := filepath.Dir(art.Path)
	t := Target{
		Name:        name,
		Origin:      Local,
		Linkage:     kind,
		Paths:       []string{art.Path},
		LibDir:      dir,
		IncludeDirs: append([]string(nil), m.HeaderDirs...),
	}
	switch {
	case kind == platform.Static:
		t.Flags = []string{art.Path}
	case filepath.Base(art.Path) != a.policy.SharedName(name):
		// Only a versioned file (libbar.so.1) exists, which -lbar cannot find.
		t.Flags = []string{art.Path}
	default:
		t.Flags = []string{"-L" + dir, "-l" + name}
	}
	return t
}

func (a *Assembler) resolveSystem(ctx context.Context, req Request) (Target, error) {
	key := req.Name
	if req.Dynamic {
		key += "+dynamic"
	}
	if hit, ok := a.cache.Get(key); ok {
		a.logger.Debug("system lookup cache hit", "target", req.Name)
		return hit.target, hit.err
	}

	t, err := a.pkgConfigLookup(ctx, req)
	if errors.Is(err, errNotFound) {
		t, err = a.dirLookup(req)
	}
	if errors.Is(err, errNotFound) {
		err = fmt.Errorf("system target %q not found via pkg-config or in %s",
			req.Name, strings.Join(a.systemDirs, string(os.PathListSeparator)))
		a.cache.Add(key, lookup{err: err})
		return Target{}, err
	}
	if err != nil {
		return Target{}, err
	}
	a.cache.Add(key, lookup{target: t})
	return t, nil
}

// pkgConfigLookup asks pkg-config for the target's flags. A missing
// pkg-config binary or an unknown package is errNotFound.
func (a *Assembler) pkgConfigLookup(ctx context.Context, req Request) (Target, error) {
	if a.pkgConfig == "" {
		return Target{}, errNotFound
	}
	if _, err := proc.LookPath(a.pkgConfig); err != nil {
		return Target{}, errNotFound
	}
	libArgs := []string{"--libs"}
	if !req.Dynamic {
		libArgs = append(libArgs, "--static")
	}
	libs, err := proc.Output(ctx, proc.Cmd{Name: a.pkgConfig, Args: append(libArgs, req.Name)})
	if err != nil {
		if ctx.Err() != nil {
			return Target{}, ctx.Err()
		}
		a.logger.Debug("pkg-config miss", "target", req.Name, "err", err)
		return Target{}, errNotFound
	}
	cflags, err := proc.Output(ctx, proc.Cmd{Name: a.pkgConfig, Args: []string{"--cflags", req.Name}})
	if err != nil {
		if ctx.Err() != nil {
			return Target{}, ctx.Err()
		}
		cflags = nil
	}

	t := Target{
		Name:    req.Name,
		Origin:  System,
		Linkage: platform.Shared,
		Flags:   strings.Fields(string(libs)),
		CFlags:  strings.Fields(string(cflags)),
	}
	if !req.Dynamic && a.archivesOnly(t.Flags) {
		t.Linkage = platform.Static
	}
	for _, f := range t.Flags {
		if dir, ok := strings.CutPrefix(f, "-L"); ok && t.LibDir == "" {
			t.LibDir = dir
		}
	}
	return t, nil
}

// archivesOnly reports whether flags link no library the linker may
// resolve to a shared object. "--static" only adds private dependencies;
// a plain -lfoo still picks libfoo.so when one exists.
func (a *Assembler) archivesOnly(flags []string) bool {
	for _, f := range flags {
		if strings.HasPrefix(f, "-l") && !strings.HasSuffix(f, a.policy.StaticExt) {
			return false
		}
	}
	return true
}

// dirLookup searches the system library directories by platform naming
// rules, preferred linkage first across all directories.
func (a *Assembler) dirLookup(req Request) (Target, error) {
	kinds := []platform.LibKind{platform.Static, platform.Shared}
	if req.Dynamic {
		kinds = []platform.LibKind{platform.Shared, platform.Static}
	}
	for _, kind := range kinds {
		file := a.policy.StaticName(req.Name)
		if kind == platform.Shared {
			file = a.policy.SharedName(req.Name)
		}
		for _, dir := range a.systemDirs {
			path := filepath.Join(dir, file)
			if fi, err := os.Stat(path); err != nil || fi.IsDir() {
				continue
			}
			t := Target{
				Name:    req.Name,
				Origin:  System,
				Linkage: kind,
				Paths:   []string{path},
				LibDir:  dir,
			}
			if kind == platform.Static {
				t.Flags = []string{path}
			} else {
				t.Flags = []string{"-L" + dir, "-l" + req.Name}
			}
			return t, nil
		}
	}
	return Target{}, errNotFound
}

// Descriptor resolves reqs and assembles the result in one step. deps maps
// a target name to the names it depends on.
func (a *Assembler) Descriptor(ctx context.Context, reqs []Request, deps map[string][]string, manifests ...*install.Manifest) (*Descriptor, error) {
	targets, err := a.Resolve(ctx, reqs, manifests...)
	if err != nil {
		return nil, err
	}
	return Assemble(a.policy, targets, deps)
}
