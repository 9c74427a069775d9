package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/goplus/nativebind/internal/link"
	"github.com/goplus/nativebind/internal/repo"
	"github.com/goplus/nativebind/pkgs/buildsys/cmake"
)

// ProjectFile is the default project file name.
const ProjectFile = "nativebind.yaml"

// Project is the content of a nativebind.yaml file:
//
//	repositories:
//	  - name: zlib
//	    url: https://github.com/madler/zlib
//	    revision: v1.3.1
//	    build:
//	      targets: [zlibstatic]
//	      defines:
//	        ZLIB_BUILD_EXAMPLES:BOOL: "OFF"
//	    link:
//	      - name: z
//	cgo:
//	  package: zlib
//	  output: zlib_cgo.go
type Project struct {
	Repositories []Repository `yaml:"repositories" toml:"repositories"`
	Cgo          Cgo          `yaml:"cgo,omitempty" toml:"cgo,omitempty"`
}

// Repository is one native project to acquire, build and link.
type Repository struct {
	repo.Spec `yaml:",inline"`

	// Uses names repositories whose install prefixes must be visible to
	// this one's configure step. They are built first.
	Uses  []string `yaml:"uses,omitempty" toml:"uses,omitempty"`
	Build Build    `yaml:"build,omitempty" toml:"build,omitempty"`
	// Link lists the libraries to resolve, in link order.
	Link []link.Request `yaml:"link,omitempty" toml:"link,omitempty"`
	// Deps maps a link target to the targets it depends on.
	Deps map[string][]string `yaml:"deps,omitempty" toml:"deps,omitempty"`
}

// Build overrides the build defaults for one repository.
type Build struct {
	Generator   string   `yaml:"generator,omitempty" toml:"generator,omitempty"`
	BuildType   string   `yaml:"build_type,omitempty" toml:"build_type,omitempty"`
	CXXStandard string   `yaml:"cxx_standard,omitempty" toml:"cxx_standard,omitempty"`
	CStandard   string   `yaml:"c_standard,omitempty" toml:"c_standard,omitempty"`
	Toolchain   string   `yaml:"toolchain,omitempty" toml:"toolchain,omitempty"`
	Targets     []string `yaml:"targets,omitempty" toml:"targets,omitempty"`
	// Defines are written the way CMake takes them on the command line:
	// "NAME" or "NAME:TYPE" mapped to the value.
	Defines map[string]string `yaml:"defines,omitempty" toml:"defines,omitempty"`
}

// Cgo controls the generated cgo file.
type Cgo struct {
	Package string   `yaml:"package,omitempty" toml:"package,omitempty"`
	Tags    []string `yaml:"tags,omitempty" toml:"tags,omitempty"`
	Output  string   `yaml:"output,omitempty" toml:"output,omitempty"`
	// CopyShared copies shared libraries next to Output.
	CopyShared bool `yaml:"copy_shared,omitempty" toml:"copy_shared,omitempty"`
}

// LoadProject reads and validates the project file at path. A file ending
// in .toml is decoded as TOML, anything else as YAML.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parse := ParseProject
	if filepath.Ext(path) == ".toml" {
		parse = ParseProjectTOML
	}
	p, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseProject decodes a project file. Unknown fields are errors.
func ParseProject(data []byte) (*Project, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Project
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty project file")
		}
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseProjectTOML decodes a project file written in TOML. Unknown keys are
// errors.
func ParseProjectTOML(data []byte) (*Project, error) {
	var p Project
	md, err := toml.Decode(string(data), &p)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks names, references and the uses graph.
func (p *Project) Validate() error {
	if len(p.Repositories) == 0 {
		return errors.New("no repositories")
	}
	var errs []error
	byName := make(map[string]*Repository, len(p.Repositories))
	for i := range p.Repositories {
		r := &p.Repositories[i]
		if err := r.Spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("repositories[%d]: %w", i, err))
			continue
		}
		if _, dup := byName[r.Name]; dup {
			errs = append(errs, fmt.Errorf("repository %q declared twice", r.Name))
			continue
		}
		byName[r.Name] = r
	}
	for _, r := range p.Repositories {
		for _, u := range r.Uses {
			if _, ok := byName[u]; !ok {
				errs = append(errs, fmt.Errorf("repository %q uses unknown repository %q", r.Name, u))
			}
		}
		for key := range r.Build.Defines {
			if _, _, err := splitDefine(key); err != nil {
				errs = append(errs, fmt.Errorf("repository %q: %w", r.Name, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return checkCycles(p.Repositories)
}

func checkCycles(repos []Repository) error {
	uses := make(map[string][]string, len(repos))
	for _, r := range repos {
		uses[r.Name] = r.Uses
	}
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(repos))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("repositories use each other: %s", strings.Join(append(path, name), " -> "))
		case visited:
			return nil
		}
		state[name] = visiting
		for _, u := range uses[name] {
			if err := visit(u, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = visited
		return nil
	}
	for _, r := range repos {
		if err := visit(r.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the repository called name.
func (p *Project) Lookup(name string) (*Repository, bool) {
	for i := range p.Repositories {
		if p.Repositories[i].Name == name {
			return &p.Repositories[i], true
		}
	}
	return nil, false
}

// Config applies the repository's build overrides on top of base.
func (r *Repository) Config(base cmake.Config) cmake.Config {
	c := base
	b := r.Build
	if b.Generator != "" {
		c = c.WithGenerator(b.Generator)
	}
	if b.BuildType != "" {
		c = c.WithBuildType(b.BuildType)
	}
	if b.CXXStandard != "" {
		c = c.WithCXXStandard(b.CXXStandard)
	}
	if b.CStandard != "" {
		c = c.WithCStandard(b.CStandard)
	}
	if b.Toolchain != "" {
		c = c.WithToolchain(b.Toolchain)
	}
	if len(b.Targets) > 0 {
		c = c.WithTargets(b.Targets...)
	}
	for key, value := range b.Defines {
		name, typ, _ := splitDefine(key)
		c = c.WithTypedDefine(name, typ, value)
	}
	return c
}

// splitDefine splits "NAME:TYPE" into its parts. A bare "NAME" is STRING.
func splitDefine(key string) (name, typ string, err error) {
	name, typ, ok := strings.Cut(key, ":")
	if !ok {
		typ = "STRING"
	}
	if name == "" {
		return "", "", fmt.Errorf("invalid define %q", key)
	}
	return name, strings.ToUpper(typ), nil
}
