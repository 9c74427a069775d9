package cmake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/goplus/nativebind/internal/stage"
)

// Define is a typed cache entry passed as -D<key>:<type>=<value>.
type Define struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Config accumulates build parameters. Every With method returns an
// updated copy and leaves the receiver untouched; Finalize validates the
// result and freezes it.
type Config struct {
	Generator   string            `json:"generator"`
	BuildType   string            `json:"build_type"`
	CXXStandard string            `json:"cxx_standard,omitempty"`
	CStandard   string            `json:"c_standard,omitempty"`
	Defines     map[string]Define `json:"defines,omitempty"`
	Toolchain   string            `json:"toolchain,omitempty"`
	Targets     []string          `json:"targets,omitempty"`
	// PrefixPaths are install prefixes of dependencies built earlier.
	PrefixPaths []string `json:"prefix_paths,omitempty"`
	// Jobs is the build parallelism; zero lets the native tool decide.
	Jobs int `json:"-"`
}

// Generators lists the supported CMake generators and the build program
// each one needs on PATH ("" if none is checked).
var Generators = map[string]string{
	"Ninja":                 "ninja",
	"Ninja Multi-Config":    "ninja",
	"Unix Makefiles":        "make",
	"MinGW Makefiles":       "mingw32-make",
	"NMake Makefiles":       "nmake",
	"Xcode":                 "xcodebuild",
	"Visual Studio 16 2019": "",
	"Visual Studio 17 2022": "",
}

var (
	buildTypes   = []string{"Debug", "Release", "RelWithDebInfo", "MinSizeRel"}
	cxxStandards = []string{"98", "11", "14", "17", "20", "23", "26"}
	cStandards   = []string{"90", "99", "11", "17", "23"}
	defineTypes  = []string{"", "STRING", "BOOL", "PATH", "FILEPATH", "INTERNAL"}
)

// NewConfig returns the default configuration: Ninja, Release.
func NewConfig() Config {
	return Config{Generator: "Ninja", BuildType: "Release"}
}

func (c Config) clone() Config {
	c.Defines = maps.Clone(c.Defines)
	c.Targets = slices.Clone(c.Targets)
	c.PrefixPaths = slices.Clone(c.PrefixPaths)
	return c
}

// WithGenerator selects the CMake generator (e.g. "Ninja", "Unix Makefiles").
func (c Config) WithGenerator(name string) Config {
	c = c.clone()
	c.Generator = name
	return c
}

// WithBuildType sets CMAKE_BUILD_TYPE (e.g. "Release", "Debug").
func (c Config) WithBuildType(name string) Config {
	c = c.clone()
	c.BuildType = name
	return c
}

// WithCXXStandard sets CMAKE_CXX_STANDARD. A leading "c++" is accepted.
func (c Config) WithCXXStandard(std string) Config {
	c = c.clone()
	c.CXXStandard = strings.TrimPrefix(strings.ToLower(std), "c++")
	return c
}

// WithCStandard sets CMAKE_C_STANDARD. A leading "c" is accepted.
func (c Config) WithCStandard(std string) Config {
	c = c.clone()
	c.CStandard = strings.TrimPrefix(strings.ToLower(std), "c")
	return c
}

// WithDefine adds a -D<key>:STRING=<value> definition.
func (c Config) WithDefine(key, value string) Config {
	return c.WithTypedDefine(key, "STRING", value)
}

// WithBool adds a -D<key>:BOOL=ON/OFF definition.
func (c Config) WithBool(key string, value bool) Config {
	v := "OFF"
	if value {
		v = "ON"
	}
	return c.WithTypedDefine(key, "BOOL", v)
}

// WithTypedDefine adds a -D<key>:<typ>=<value> definition. An empty typ
// emits -D<key>=<value>.
func (c Config) WithTypedDefine(key, typ, value string) Config {
	c = c.clone()
	if c.Defines == nil {
		c.Defines = make(map[string]Define)
	}
	c.Defines[key] = Define{Value: value, Type: strings.ToUpper(typ)}
	return c
}

// WithToolchain sets CMAKE_TOOLCHAIN_FILE.
func (c Config) WithToolchain(path string) Config {
	c = c.clone()
	c.Toolchain = path
	return c
}

// WithTargets restricts the build step to the given targets.
func (c Config) WithTargets(targets ...string) Config {
	c = c.clone()
	c.Targets = append(c.Targets, targets...)
	return c
}

// WithPrefixPath makes an installed dependency at root visible to the
// configure step.
func (c Config) WithPrefixPath(root string) Config {
	c = c.clone()
	if !slices.Contains(c.PrefixPaths, root) {
		c.PrefixPaths = append(c.PrefixPaths, root)
	}
	return c
}

// WithJobs sets the build parallelism.
func (c Config) WithJobs(n int) Config {
	c = c.clone()
	c.Jobs = n
	return c
}

// Finalize validates c and returns its frozen form. All errors are
// configuration errors and no process is started.
func (c Config) Finalize() (Frozen, error) {
	var errs []error
	if _, ok := Generators[c.Generator]; !ok {
		errs = append(errs, fmt.Errorf("unsupported generator %q (supported: %s)",
			c.Generator, strings.Join(sortedKeys(Generators), ", ")))
	}
	if !slices.Contains(buildTypes, c.BuildType) {
		errs = append(errs, fmt.Errorf("unsupported build type %q (supported: %s)",
			c.BuildType, strings.Join(buildTypes, ", ")))
	}
	if c.CXXStandard != "" && !slices.Contains(cxxStandards, c.CXXStandard) {
		errs = append(errs, fmt.Errorf("unsupported C++ standard %q", c.CXXStandard))
	}
	if c.CStandard != "" && !slices.Contains(cStandards, c.CStandard) {
		errs = append(errs, fmt.Errorf("unsupported C standard %q", c.CStandard))
	}
	for _, k := range sortedKeys(c.Defines) {
		switch {
		case k == "" || strings.ContainsAny(k, " =:;\t\n"):
			errs = append(errs, fmt.Errorf("invalid define name %q", k))
		case !slices.Contains(defineTypes, c.Defines[k].Type):
			errs = append(errs, fmt.Errorf("define %s: unknown type %q", k, c.Defines[k].Type))
		case reservedDefines[k]:
			errs = append(errs, fmt.Errorf("define %s is managed by nativebind", k))
		}
	}
	if c.Jobs < 0 {
		errs = append(errs, fmt.Errorf("negative job count %d", c.Jobs))
	}
	if err := errors.Join(errs...); err != nil {
		return Frozen{}, stage.Wrap(stage.ErrConfiguration, err)
	}
	return Frozen{c: c.clone()}, nil
}

// reservedDefines are set from dedicated Config fields or by the pipeline.
var reservedDefines = map[string]bool{
	"CMAKE_INSTALL_PREFIX": true,
	"CMAKE_BUILD_TYPE":     true,
	"CMAKE_TOOLCHAIN_FILE": true,
	"CMAKE_CXX_STANDARD":   true,
	"CMAKE_C_STANDARD":     true,
	"CMAKE_PREFIX_PATH":    true,
}

// Frozen is a validated, immutable Config.
type Frozen struct {
	c Config
}

// Config returns a copy of the frozen configuration.
func (f Frozen) Config() Config { return f.c.clone() }

func (f Frozen) Generator() string { return f.c.Generator }
func (f Frozen) BuildType() string { return f.c.BuildType }
func (f Frozen) Jobs() int         { return f.c.Jobs }
func (f Frozen) Targets() []string { return slices.Clone(f.c.Targets) }

// IsZero reports whether f was not produced by Finalize.
func (f Frozen) IsZero() bool { return f.c.Generator == "" }

// Hash is a stable digest of every field that influences the build output.
func (f Frozen) Hash() string {
	data, err := json.Marshal(f.c)
	if err != nil {
		panic(fmt.Sprintf("cmake: marshal config: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// defineArgs renders the configure-time -D arguments, sorted by key.
func (f Frozen) defineArgs(installDir string) []string {
	defs := maps.Clone(f.c.Defines)
	if defs == nil {
		defs = make(map[string]Define)
	}
	defs["CMAKE_BUILD_TYPE"] = Define{Value: f.c.BuildType, Type: "STRING"}
	defs["CMAKE_SKIP_INSTALL_ALL_DEPENDENCY"] = Define{Value: "ON", Type: "BOOL"}
	if installDir != "" {
		defs["CMAKE_INSTALL_PREFIX"] = Define{Value: installDir, Type: "PATH"}
	}
	if f.c.Toolchain != "" {
		defs["CMAKE_TOOLCHAIN_FILE"] = Define{Value: f.c.Toolchain, Type: "FILEPATH"}
	}
	if f.c.CXXStandard != "" {
		defs["CMAKE_CXX_STANDARD"] = Define{Value: f.c.CXXStandard, Type: "STRING"}
	}
	if f.c.CStandard != "" {
		defs["CMAKE_C_STANDARD"] = Define{Value: f.c.CStandard, Type: "STRING"}
	}
	if len(f.c.PrefixPaths) > 0 {
		defs["CMAKE_PREFIX_PATH"] = Define{Value: strings.Join(f.c.PrefixPaths, ";"), Type: "STRING"}
	}

	args := make([]string, 0, len(defs))
	for _, k := range sortedKeys(defs) {
		d := defs[k]
		if d.Type != "" {
			args = append(args, "-D"+k+":"+d.Type+"="+d.Value)
			continue
		}
		args = append(args, "-D"+k+"="+d.Value)
	}
	return args
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
