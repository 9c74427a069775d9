// Copyright 2024 The nativebind Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"bytes"
	"errors"
	"fmt"
	"go/format"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/goplus/nativebind/internal/stage"
	"github.com/goplus/nativebind/pkgs/platform"
)

// Descriptor is everything a final link step needs.
type Descriptor struct {
	// Targets are ordered so that every target precedes its dependencies.
	Targets []Target `json:"targets"`
	// IncludeDirs are deduplicated, in order of first appearance.
	IncludeDirs []string `json:"include_dirs,omitempty"`
	LibDirs     []string `json:"lib_dirs,omitempty"`
	// RuntimePaths are linker directives that make the final binary find
	// shared libraries next to itself. Applying them is up to the caller.
	RuntimePaths []string `json:"runtime_paths,omitempty"`
}

// Assemble orders targets by deps and collects their include and library
// directories. deps maps a target name to the names it depends on; every
// name in it must be a target. Cycles are resolution errors.
func Assemble(pol platform.Policy, targets []Target, deps map[string][]string) (*Descriptor, error) {
	ordered, err := order(targets, deps)
	if err != nil {
		return nil, stage.Wrap(stage.ErrResolution, err)
	}
	d := &Descriptor{Targets: ordered}
	shared := false
	for _, t := range ordered {
		d.IncludeDirs = appendUnique(d.IncludeDirs, t.IncludeDirs...)
		if t.LibDir != "" {
			d.LibDirs = appendUnique(d.LibDirs, t.LibDir)
		}
		if t.Origin == Local && t.Linkage == platform.Shared {
			shared = true
		}
	}
	if shared && pol.RuntimePath != "" {
		d.RuntimePaths = []string{pol.RuntimePath}
	}
	return d, nil
}

// order is a stable topological sort: a target is emitted once every
// target depending on it has been emitted, and among ready targets the
// earliest declared goes first.
func order(targets []Target, deps map[string][]string) ([]Target, error) {
	index := make(map[string]int, len(targets))
	for i, t := range targets {
		if _, dup := index[t.Name]; dup {
			return nil, fmt.Errorf("target %q listed twice", t.Name)
		}
		index[t.Name] = i
	}

	// dependents[i] counts targets that depend on targets[i] and are not
	// emitted yet.
	dependents := make([]int, len(targets))
	edges := make([][]int, len(targets))
	for name, ds := range deps {
		from, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("dependency declared for unknown target %q", name)
		}
		for _, d := range ds {
			to, ok := index[d]
			if !ok {
				return nil, fmt.Errorf("target %q depends on undeclared target %q", name, d)
			}
			if slices.Contains(edges[from], to) {
				continue
			}
			edges[from] = append(edges[from], to)
			dependents[to]++
		}
	}

	out := make([]Target, 0, len(targets))
	done := make([]bool, len(targets))
	for len(out) < len(targets) {
		next := -1
		for i := range targets {
			if !done[i] && dependents[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cyc []string
			for i, t := range targets {
				if !done[i] {
					cyc = append(cyc, t.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle among %s", strings.Join(cyc, ", "))
		}
		done[next] = true
		out = append(out, targets[next])
		for _, to := range edges[next] {
			dependents[to]--
		}
	}
	return out, nil
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(list, it) {
			list = append(list, it)
		}
	}
	return list
}

// CFlags returns the compiler flags: -I for every include dir, then the
// extra flags of system targets, without duplicates.
func (d *Descriptor) CFlags() []string {
	var flags []string
	for _, dir := range d.IncludeDirs {
		flags = appendUnique(flags, "-I"+dir)
	}
	for _, t := range d.Targets {
		flags = appendUnique(flags, t.CFlags...)
	}
	return flags
}

// LDFlags returns the linker flags in link order. Search paths come first
// and are deduplicated; a repeated library argument keeps only its last
// position so that dependents still precede it. Runtime paths come last.
func (d *Descriptor) LDFlags() []string {
	var dirs, libs []string
	for _, t := range d.Targets {
		for _, f := range t.Flags {
			if strings.HasPrefix(f, "-L") {
				dirs = appendUnique(dirs, f)
				continue
			}
			libs = append(libs, f)
		}
	}
	last := make(map[string]int, len(libs))
	for i, f := range libs {
		last[f] = i
	}
	flags := dirs
	for i, f := range libs {
		if last[f] == i {
			flags = append(flags, f)
		}
	}
	return append(flags, d.RuntimePaths...)
}

// Cgo renders a Go source file for package pkg carrying the descriptor as
// #cgo directives. Non-empty tags become a //go:build constraint joined
// with &&. Runtime paths that cmd/go refuses in #cgo LDFLAGS (such as
// -Wl,-rpath,@loader_path) are left out of the directives and listed in a
// comment for the caller to pass through CGO_LDFLAGS.
func (d *Descriptor) Cgo(pkg string, tags ...string) ([]byte, error) {
	if pkg == "" {
		return nil, errors.New("cgo: empty package name")
	}
	ldflags, rejected := d.cgoLDFlags()

	var b bytes.Buffer
	b.WriteString("// Code generated by nbind; DO NOT EDIT.\n\n")
	if len(tags) > 0 {
		fmt.Fprintf(&b, "//go:build %s\n\n", strings.Join(tags, " && "))
	}
	fmt.Fprintf(&b, "package %s\n\n", pkg)
	if len(rejected) > 0 {
		allow := make([]string, len(rejected))
		for i, f := range rejected {
			allow[i] = regexp.QuoteMeta(f)
		}
		b.WriteString("// The final link also needs the flags below, which cgo does not accept\n")
		b.WriteString("// in #cgo directives. Pass them with the build environment, e.g.\n")
		fmt.Fprintf(&b, "//\n//\tCGO_LDFLAGS=%s\n", quoteFlags([]string{strings.Join(rejected, " ")}))
		fmt.Fprintf(&b, "//\n// or allow them with CGO_LDFLAGS_ALLOW=%s.\n\n", quoteFlags([]string{strings.Join(allow, "|")}))
	}
	if cflags := d.CFlags(); len(cflags) > 0 {
		fmt.Fprintf(&b, "// #cgo CFLAGS: %s\n", quoteFlags(cflags))
	}
	if len(ldflags) > 0 {
		fmt.Fprintf(&b, "// #cgo LDFLAGS: %s\n", quoteFlags(ldflags))
	}
	b.WriteString("import \"C\"\n")
	return format.Source(b.Bytes())
}

// cgoRuntimePath matches the -Wl,-rpath forms cmd/go accepts in #cgo
// LDFLAGS. A path starting with '@' or '-' is refused.
var cgoRuntimePath = regexp.MustCompile(`^-Wl,-rpath(-link)?[=,]([^,@\-][^,]+)$`)

// cgoLDFlags splits LDFlags into the flags safe for a #cgo directive and
// the runtime paths cmd/go would reject.
func (d *Descriptor) cgoLDFlags() (safe, rejected []string) {
	flags := d.LDFlags()
	safe = flags[:len(flags)-len(d.RuntimePaths)]
	for _, rp := range d.RuntimePaths {
		if cgoRuntimePath.MatchString(rp) {
			safe = append(safe, rp)
		} else {
			rejected = append(rejected, rp)
		}
	}
	return safe, rejected
}

// quoteFlags joins flags the way cgo splits them back: arguments with
// spaces or quotes are single-quoted.
func quoteFlags(flags []string) string {
	out := make([]string, len(flags))
	for i, f := range flags {
		if strings.ContainsAny(f, " \t'\"") {
			f = "'" + strings.ReplaceAll(f, "'", `'"'"'`) + "'"
		}
		out[i] = f
	}
	return strings.Join(out, " ")
}

// CopyShared copies the shared libraries of local targets into dir so that
// a binary linked with RuntimePaths finds them next to itself. Symlink
// aliases of a library (libfoo.so.1 -> libfoo.so.1.2) are recreated. It
// returns the paths written.
func (d *Descriptor) CopyShared(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for _, t := range d.Targets {
		if t.Origin != Local || t.Linkage != platform.Shared {
			continue
		}
		for _, p := range t.Paths {
			files, err := copyLibrary(p, dir)
			if err != nil {
				return written, fmt.Errorf("copy %s: %w", t.Name, err)
			}
			written = append(written, files...)
		}
	}
	return written, nil
}

func copyLibrary(path, dstDir string) ([]string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(dstDir, filepath.Base(real))
	if err := copyFile(real, dst); err != nil {
		return nil, err
	}
	written := []string{dst}

	// Recreate the aliases that live next to path and point to the same file.
	srcDir := filepath.Dir(path)
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return written, err
	}
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 || e.Name() == filepath.Base(real) {
			continue
		}
		target, err := filepath.EvalSymlinks(filepath.Join(srcDir, e.Name()))
		if err != nil || target != real {
			continue
		}
		alias := filepath.Join(dstDir, e.Name())
		os.Remove(alias)
		if err := os.Symlink(filepath.Base(real), alias); err != nil {
			return written, err
		}
		written = append(written, alias)
	}
	return written, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	os.Remove(dst)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
