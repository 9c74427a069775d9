// Package cmake drives the configure, build and install steps of a
// CMake project.
package cmake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/goplus/nativebind/internal/proc"
	"github.com/goplus/nativebind/internal/stage"
	"github.com/goplus/nativebind/pkgs/buildsys"
)

// CMake runs one frozen configuration against one source tree.
type CMake struct {
	paths  buildsys.Paths
	cfg    Frozen
	bin    string
	stream io.Writer
	env    map[string]string
}

var _ buildsys.BuildSystem = (*CMake)(nil)

// Option configures a CMake.
type Option func(*CMake)

// WithBinary sets the cmake executable (default "cmake" from PATH).
func WithBinary(path string) Option {
	return func(c *CMake) { c.bin = path }
}

// WithStream mirrors tool output to w (verbose mode).
func WithStream(w io.Writer) Option {
	return func(c *CMake) { c.stream = w }
}

// WithEnv sets an extra environment variable for every step.
func WithEnv(key, value string) Option {
	return func(c *CMake) { c.env[key] = value }
}

// New creates a CMake for the given directories. cfg must come from
// Config.Finalize.
func New(paths buildsys.Paths, cfg Frozen, opts ...Option) *CMake {
	c := &CMake{
		paths: paths,
		cfg:   cfg,
		bin:   "cmake",
		env:   map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OutputDir returns the install dir if set, otherwise the build dir.
func (c *CMake) OutputDir() string {
	if c.paths.Install != "" {
		return c.paths.Install
	}
	return c.paths.Build
}

// checkTools verifies that cmake and the generator's build program exist.
func (c *CMake) checkTools() error {
	if _, err := proc.LookPath(c.bin); err != nil {
		return stage.Errorf(stage.ErrConfiguration, "cmake not found: %w", err)
	}
	prog := Generators[c.cfg.Generator()]
	if _, ok := c.cfg.c.Defines["CMAKE_MAKE_PROGRAM"]; ok {
		prog = ""
	}
	if prog != "" {
		if _, err := proc.LookPath(prog); err != nil {
			return stage.Errorf(stage.ErrConfiguration,
				"generator %q requires %s: %w", c.cfg.Generator(), prog, err)
		}
	}
	return nil
}

// ConfigureArgs returns the arguments of the configure step.
func (c *CMake) ConfigureArgs() []string {
	args := []string{"-S", c.paths.Source, "-B", c.paths.Build, "-G", c.cfg.Generator()}
	return append(args, c.cfg.defineArgs(c.paths.Install)...)
}

// BuildArgs returns the arguments of the build step.
func (c *CMake) BuildArgs() []string {
	args := []string{"--build", c.paths.Build, "--config", c.cfg.BuildType(), "--parallel"}
	if n := c.cfg.Jobs(); n > 0 {
		args = append(args, strconv.Itoa(n))
	}
	if targets := c.cfg.Targets(); len(targets) > 0 {
		args = append(args, "--target")
		args = append(args, targets...)
	}
	return args
}

// InstallArgs returns the arguments of the install step.
func (c *CMake) InstallArgs() []string {
	return []string{"--install", c.paths.Build, "--prefix", c.paths.Install, "--config", c.cfg.BuildType()}
}

// Configure generates the build tree. A missing tool, an invalid
// configuration or a failing cmake run is a configuration error.
func (c *CMake) Configure(ctx context.Context) error {
	if c.cfg.IsZero() {
		return stage.Errorf(stage.ErrConfiguration, "configuration was not finalized")
	}
	if c.paths.Source == "" || c.paths.Build == "" {
		return stage.Errorf(stage.ErrConfiguration, "source and build directories are required")
	}
	if _, err := os.Stat(filepath.Join(c.paths.Source, "CMakeLists.txt")); err != nil {
		return stage.Errorf(stage.ErrConfiguration, "no CMakeLists.txt in %s", c.paths.Source)
	}
	if err := c.checkTools(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.paths.Build, 0o755); err != nil {
		return stage.Wrap(stage.ErrConfiguration, err)
	}
	return c.run(ctx, "configure", stage.ErrConfiguration, c.ConfigureArgs())
}

// Build compiles the configured targets.
func (c *CMake) Build(ctx context.Context) error {
	return c.run(ctx, "build", stage.ErrBuild, c.BuildArgs())
}

// Install copies the build products into the install dir.
func (c *CMake) Install(ctx context.Context) error {
	if c.paths.Install == "" {
		return stage.Errorf(stage.ErrInstall, "no install directory")
	}
	if err := os.MkdirAll(c.paths.Install, 0o755); err != nil {
		return stage.Wrap(stage.ErrInstall, err)
	}
	return c.run(ctx, "install", stage.ErrInstall, c.InstallArgs())
}

func (c *CMake) run(ctx context.Context, step string, kind error, args []string) error {
	err := proc.Run(ctx, proc.Cmd{
		Name:   c.bin,
		Args:   args,
		Env:    c.environ(),
		Stream: c.stream,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, proc.ErrNotFound) {
		kind = stage.ErrConfiguration
	}
	return stage.Wrap(kind, fmt.Errorf("cmake %s: %w", step, err))
}

// environ makes dependency prefixes visible to find_package, find_library
// and pkg-config in the child, leaving this process's environment alone.
func (c *CMake) environ() map[string]string {
	env := make(map[string]string, len(c.env)+8)
	for _, root := range c.cfg.c.PrefixPaths {
		includeDir := filepath.Join(root, "include")
		for _, libDir := range []string{filepath.Join(root, "lib"), filepath.Join(root, "lib64")} {
			if isDir(filepath.Join(libDir, "pkgconfig")) {
				prependEnv(env, "PKG_CONFIG_PATH", filepath.Join(libDir, "pkgconfig"))
			}
			if isDir(libDir) {
				prependEnv(env, "CMAKE_LIBRARY_PATH", libDir)
				if runtime.GOOS == "windows" {
					prependEnv(env, "LIB", libDir)
				}
			}
		}
		if isDir(includeDir) {
			prependEnv(env, "CMAKE_INCLUDE_PATH", includeDir)
			if runtime.GOOS == "windows" {
				prependEnv(env, "INCLUDE", includeDir)
			}
		}
	}
	for k, v := range c.env {
		env[k] = v
	}
	return env
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// prependEnv prepends value to key in env, falling back to the inherited
// value for the first entry.
func prependEnv(env map[string]string, key, value string) {
	current, ok := env[key]
	if !ok {
		current = os.Getenv(key)
	}
	if current == "" {
		env[key] = value
		return
	}
	env[key] = value + string(os.PathListSeparator) + current
}

// Summary is a one-line description of the configuration for logs.
func (f Frozen) Summary() string {
	parts := []string{f.c.Generator, f.c.BuildType}
	if f.c.CXXStandard != "" {
		parts = append(parts, "c++"+f.c.CXXStandard)
	}
	if f.c.CStandard != "" {
		parts = append(parts, "c"+f.c.CStandard)
	}
	if len(f.c.Targets) > 0 {
		parts = append(parts, "targets="+strings.Join(f.c.Targets, ","))
	}
	return strings.Join(parts, " ")
}
