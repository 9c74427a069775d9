package install

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goplus/nativebind/pkgs/platform"
)

// Install prefix layout:
//
//	<prefix>/
//	  .manifest.json      # Manifest of the last successful install
//	  include/
//	  lib/ lib64/
//	  bin/

// ManifestFile is the name of the manifest inside an install prefix.
const ManifestFile = ".manifest.json"

// Key identifies the inputs an install prefix was produced from.
type Key struct {
	Commit     string `json:"commit"`
	ConfigHash string `json:"config_hash"`
}

// Artifact is one installed file. Name is the library name for libraries
// ("z" for libz.a) and the file name for executables.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Manifest is the classified content of an install prefix. All paths are
// absolute.
type Manifest struct {
	Prefix      string     `json:"prefix"`
	Key         Key        `json:"key"`
	Static      []Artifact `json:"static,omitempty"`
	Shared      []Artifact `json:"shared,omitempty"`
	HeaderDirs  []string   `json:"header_dirs,omitempty"`
	Executables []Artifact `json:"executables,omitempty"`
	LibDirs     []string   `json:"lib_dirs,omitempty"`
	InstalledAt time.Time  `json:"installed_at"`
}

// Empty reports whether the install produced nothing usable.
func (m *Manifest) Empty() bool {
	return len(m.Static) == 0 && len(m.Shared) == 0 &&
		len(m.HeaderDirs) == 0 && len(m.Executables) == 0
}

// Libraries returns the artifacts of the given kind called name.
func (m *Manifest) Libraries(name string, kind platform.LibKind) []Artifact {
	var list []Artifact
	switch kind {
	case platform.Static:
		list = m.Static
	case platform.Shared:
		list = m.Shared
	}
	var out []Artifact
	for _, a := range list {
		if a.Name == name {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manifest) artifacts() []Artifact {
	all := slices.Concat(m.Static, m.Shared, m.Executables)
	for _, dir := range m.HeaderDirs {
		all = append(all, Artifact{Path: dir})
	}
	return all
}

// Scan walks the lib, lib64, include and bin directories of prefix and
// classifies what it finds according to pol. Symlink aliases of one file
// collapse into a single artifact: within a directory the shortest alias
// names it, across directories (lib64 -> lib) the first directory wins.
func Scan(prefix string, pol platform.Policy) (*Manifest, error) {
	prefix, err := filepath.Abs(prefix)
	if err != nil {
		return nil, err
	}
	m := &Manifest{Prefix: prefix}

	libDirs := slices.Clone(pol.LibDirs)
	if pol.SharedInBin {
		libDirs = append(libDirs, "bin")
	}
	taken := make(map[string]bool)
	for _, sub := range libDirs {
		dir := filepath.Join(prefix, sub)
		static, shared, err := scanLibDir(dir, pol, taken)
		if err != nil {
			return nil, err
		}
		m.Static = append(m.Static, static...)
		m.Shared = append(m.Shared, shared...)
		if len(static)+len(shared) > 0 && sub != "bin" {
			m.LibDirs = append(m.LibDirs, dir)
		}
	}

	includeDir := filepath.Join(prefix, "include")
	if entries, err := os.ReadDir(includeDir); err == nil && len(entries) > 0 {
		m.HeaderDirs = append(m.HeaderDirs, includeDir)
	}

	exes, err := scanBinDir(filepath.Join(prefix, "bin"), pol)
	if err != nil {
		return nil, err
	}
	m.Executables = exes

	for _, list := range [][]Artifact{m.Static, m.Shared, m.Executables} {
		sortArtifacts(list)
	}
	return m, nil
}

// scanLibDir classifies the regular files and symlinks directly in dir.
// Subdirectories such as pkgconfig and cmake are not entered. Files whose
// real path is in taken were found in an earlier directory and are
// skipped; the real paths found here are added to it.
func scanLibDir(dir string, pol platform.Policy, taken map[string]bool) (static, shared []Artifact, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	// real path -> best alias so far
	seen := make(map[string]Artifact)
	kinds := make(map[string]platform.LibKind)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, kind := pol.Classify(e.Name())
		if kind == platform.NotLibrary {
			continue
		}
		path := filepath.Join(dir, e.Name())
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			// dangling link
			continue
		}
		if fi, err := os.Stat(real); err != nil || !fi.Mode().IsRegular() || taken[real] {
			continue
		}
		prev, ok := seen[real]
		if ok && !shorter(e.Name(), filepath.Base(prev.Path)) {
			continue
		}
		seen[real] = Artifact{Name: name, Path: path}
		kinds[real] = kind
	}
	for real, a := range seen {
		taken[real] = true
		if kinds[real] == platform.Static {
			static = append(static, a)
		} else {
			shared = append(shared, a)
		}
	}
	return static, shared, nil
}

func shorter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func scanBinDir(dir string, pol platform.Policy) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var exes []Artifact
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		if _, kind := pol.Classify(e.Name()); kind != platform.NotLibrary {
			continue
		}
		if pol.IsExecutable(e.Name(), uint32(fi.Mode().Perm())) {
			exes = append(exes, Artifact{Name: e.Name(), Path: path})
		}
	}
	return exes, nil
}

func sortArtifacts(list []Artifact) {
	slices.SortFunc(list, func(a, b Artifact) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.Path, b.Path))
	})
}

// Save writes m to the manifest file of its prefix.
func (m *Manifest) Save() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.Prefix, ManifestFile)
	tmp, err := os.CreateTemp(m.Prefix, ManifestFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the manifest stored in prefix without validating it.
func Load(prefix string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(prefix, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	return &m, nil
}

// Cached returns the manifest stored in prefix if it was produced for key
// and every artifact it lists still exists.
func Cached(prefix string, key Key) (*Manifest, bool) {
	m, err := Load(prefix)
	if err != nil || m.Key != key || m.Empty() {
		return nil, false
	}
	if abs, err := filepath.Abs(prefix); err != nil || abs != m.Prefix {
		return nil, false
	}
	for _, a := range m.artifacts() {
		if _, err := os.Stat(a.Path); err != nil {
			return nil, false
		}
	}
	return m, true
}

// Invalidate removes the manifest of prefix, if any.
func Invalidate(prefix string) error {
	err := os.Remove(filepath.Join(prefix, ManifestFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// walkSize returns the number of regular files below root; used in logs.
func walkSize(root string) int {
	n := 0
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}
