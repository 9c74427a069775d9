package cmake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/goplus/nativebind/internal/stage"
	"github.com/goplus/nativebind/pkgs/buildsys"
)

const fakeCMake = `#!/bin/sh
echo "$@" >> "$FAKE_CMAKE_LOG"
case "$1" in
--build) step=build ;;
--install) step=install ;;
*) step=configure ;;
esac
if [ "$FAKE_CMAKE_FAIL" = "$step" ]; then
	echo "error: $step failed" >&2
	exit 1
fi
if [ "$step" = install ]; then
	mkdir -p "$4/lib" "$4/include"
	: > "$4/lib/libfoo.a"
	echo "int foo(void);" > "$4/include/foo.h"
fi
exit 0
`

// fakeTools writes a fake cmake (and optionally ninja) into a fresh dir and
// returns the dir.
func fakeTools(t *testing.T, withNinja bool) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}
	bin := t.TempDir()
	if err := os.WriteFile(filepath.Join(bin, "cmake"), []byte(fakeCMake), 0o755); err != nil {
		t.Fatal(err)
	}
	if withNinja {
		if err := os.WriteFile(filepath.Join(bin, "ninja"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return bin
}

func newProject(t *testing.T) buildsys.Paths {
	t.Helper()
	root := t.TempDir()
	p := buildsys.Paths{
		Source:  filepath.Join(root, "src"),
		Build:   filepath.Join(root, "build"),
		Install: filepath.Join(root, "install"),
	}
	if err := os.MkdirAll(p.Source, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p.Source, "CMakeLists.txt"), []byte("project(foo C)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func mustFinalize(t *testing.T, c Config) Frozen {
	t.Helper()
	f, err := c.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return f
}

func TestConfigIsImmutable(t *testing.T) {
	base := NewConfig()
	a := base.WithDefine("A", "1")
	b := a.WithDefine("B", "2").WithTargets("foo")

	if base.Defines != nil {
		t.Errorf("base mutated: %v", base.Defines)
	}
	if len(a.Defines) != 1 || len(a.Targets) != 0 {
		t.Errorf("a mutated: %+v", a)
	}
	if len(b.Defines) != 2 || !slices.Equal(b.Targets, []string{"foo"}) {
		t.Errorf("b = %+v", b)
	}

	f := mustFinalize(t, b)
	cfg := f.Config()
	cfg.Defines["C"] = Define{Value: "3"}
	if _, ok := f.Config().Defines["C"]; ok {
		t.Error("Frozen exposed its internal map")
	}
}

func TestFinalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"generator", NewConfig().WithGenerator("Borland Makefiles")},
		{"build type", NewConfig().WithBuildType("Fast")},
		{"cxx standard", NewConfig().WithCXXStandard("c++03")},
		{"c standard", NewConfig().WithCStandard("c89")},
		{"define name", NewConfig().WithDefine("BAD NAME", "x")},
		{"define type", NewConfig().WithTypedDefine("X", "NUMBER", "1")},
		{"reserved define", NewConfig().WithDefine("CMAKE_INSTALL_PREFIX", "/usr")},
		{"jobs", NewConfig().WithJobs(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Finalize()
			if !errors.Is(err, stage.ErrConfiguration) {
				t.Fatalf("Finalize() = %v, want configuration error", err)
			}
		})
	}
}

func TestFinalizeAccepts(t *testing.T) {
	cfg := NewConfig().
		WithGenerator("Unix Makefiles").
		WithBuildType("Debug").
		WithCXXStandard("C++17").
		WithCStandard("c11").
		WithBool("BUILD_SHARED_LIBS", false)
	f := mustFinalize(t, cfg)
	if got := f.Summary(); got != "Unix Makefiles Debug c++17 c11" {
		t.Errorf("Summary() = %q", got)
	}
}

func TestHash(t *testing.T) {
	a := mustFinalize(t, NewConfig().WithDefine("A", "1").WithDefine("B", "2"))
	b := mustFinalize(t, NewConfig().WithDefine("B", "2").WithDefine("A", "1"))
	if a.Hash() != b.Hash() {
		t.Error("hash depends on define order")
	}
	c := mustFinalize(t, NewConfig().WithDefine("A", "1").WithDefine("B", "3"))
	if a.Hash() == c.Hash() {
		t.Error("hash ignores define values")
	}
	d := mustFinalize(t, NewConfig().WithDefine("A", "1").WithDefine("B", "2").WithJobs(8))
	if a.Hash() != d.Hash() {
		t.Error("job count changed the hash")
	}
	if len(a.Hash()) != 64 {
		t.Errorf("Hash() = %q", a.Hash())
	}
}

func TestArgs(t *testing.T) {
	p := buildsys.Paths{Source: "/s", Build: "/b", Install: "/i"}
	cfg := NewConfig().
		WithBool("ZLIB_BUILD_EXAMPLES", false).
		WithCXXStandard("17").
		WithTargets("zlibstatic").
		WithJobs(4)
	c := New(p, mustFinalize(t, cfg))

	wantConfigure := []string{
		"-S", "/s", "-B", "/b", "-G", "Ninja",
		"-DCMAKE_BUILD_TYPE:STRING=Release",
		"-DCMAKE_CXX_STANDARD:STRING=17",
		"-DCMAKE_INSTALL_PREFIX:PATH=/i",
		"-DCMAKE_SKIP_INSTALL_ALL_DEPENDENCY:BOOL=ON",
		"-DZLIB_BUILD_EXAMPLES:BOOL=OFF",
	}
	if got := c.ConfigureArgs(); !slices.Equal(got, wantConfigure) {
		t.Errorf("ConfigureArgs() =\n%q\nwant\n%q", got, wantConfigure)
	}
	wantBuild := []string{"--build", "/b", "--config", "Release", "--parallel", "4", "--target", "zlibstatic"}
	if got := c.BuildArgs(); !slices.Equal(got, wantBuild) {
		t.Errorf("BuildArgs() = %q, want %q", got, wantBuild)
	}
	wantInstall := []string{"--install", "/b", "--prefix", "/i", "--config", "Release"}
	if got := c.InstallArgs(); !slices.Equal(got, wantInstall) {
		t.Errorf("InstallArgs() = %q, want %q", got, wantInstall)
	}
}

func TestOutputDirPrefersInstall(t *testing.T) {
	c := New(buildsys.Paths{Build: "b"}, Frozen{})
	if got := c.OutputDir(); got != "b" {
		t.Errorf("OutputDir() = %q, want b", got)
	}
	c = New(buildsys.Paths{Build: "b", Install: "i"}, Frozen{})
	if got := c.OutputDir(); got != "i" {
		t.Errorf("OutputDir() = %q, want i", got)
	}
}

func TestConfigureMissingTools(t *testing.T) {
	p := newProject(t)
	f := mustFinalize(t, NewConfig())

	c := New(p, f, WithBinary(filepath.Join(t.TempDir(), "cmake")))
	err := c.Configure(context.Background())
	if !errors.Is(err, stage.ErrConfiguration) {
		t.Fatalf("missing cmake: %v", err)
	}
	if _, err := os.Stat(p.Build); !os.IsNotExist(err) {
		t.Error("build dir created before tools were checked")
	}

	bin := fakeTools(t, false)
	t.Setenv("PATH", bin)
	c = New(p, f, WithBinary(filepath.Join(bin, "cmake")))
	err = c.Configure(context.Background())
	if !errors.Is(err, stage.ErrConfiguration) || !strings.Contains(err.Error(), "ninja") {
		t.Fatalf("missing ninja: %v", err)
	}
}

func TestConfigureUnfinalized(t *testing.T) {
	c := New(newProject(t), Frozen{})
	if err := c.Configure(context.Background()); !errors.Is(err, stage.ErrConfiguration) {
		t.Fatalf("Configure() = %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	bin := fakeTools(t, true)
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	logFile := filepath.Join(t.TempDir(), "cmake.log")
	p := newProject(t)

	c := New(p, mustFinalize(t, NewConfig()), WithEnv("FAKE_CMAKE_LOG", logFile))
	ctx := context.Background()
	for _, step := range []func(context.Context) error{c.Configure, c.Build, c.Install} {
		if err := step(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Stat(filepath.Join(p.Install, "lib", "libfoo.a")); err != nil {
		t.Errorf("install did not produce the library: %v", err)
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("cmake ran %d times, want 3:\n%s", len(lines), data)
	}
	for i, prefix := range []string{"-S ", "--build ", "--install "} {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("call %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}
}

func TestStepFailureKinds(t *testing.T) {
	bin := fakeTools(t, true)
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	logFile := filepath.Join(t.TempDir(), "cmake.log")

	tests := []struct {
		step string
		kind error
	}{
		{"configure", stage.ErrConfiguration},
		{"build", stage.ErrBuild},
		{"install", stage.ErrInstall},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			p := newProject(t)
			c := New(p, mustFinalize(t, NewConfig()),
				WithEnv("FAKE_CMAKE_LOG", logFile),
				WithEnv("FAKE_CMAKE_FAIL", tt.step))
			ctx := context.Background()
			var err error
			for _, step := range []func(context.Context) error{c.Configure, c.Build, c.Install} {
				if err = step(ctx); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want %v", err, tt.kind)
			}
			var se *stage.Error
			if !errors.As(err, &se) || !strings.Contains(se.Tail, "error: "+tt.step+" failed") {
				t.Errorf("tail not captured: %#v", se)
			}
		})
	}
}

func TestEnvironFromPrefixPaths(t *testing.T) {
	dep := t.TempDir()
	for _, dir := range []string{"include", filepath.Join("lib", "pkgconfig")} {
		if err := os.MkdirAll(filepath.Join(dep, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PKG_CONFIG_PATH", "")
	t.Setenv("CMAKE_INCLUDE_PATH", "")
	t.Setenv("CMAKE_LIBRARY_PATH", "")

	f := mustFinalize(t, NewConfig().WithPrefixPath(dep).WithPrefixPath(dep))
	if got := f.Config().PrefixPaths; len(got) != 1 {
		t.Errorf("PrefixPaths = %v, want one entry", got)
	}
	env := New(buildsys.Paths{}, f).environ()
	want := map[string]string{
		"PKG_CONFIG_PATH":    filepath.Join(dep, "lib", "pkgconfig"),
		"CMAKE_INCLUDE_PATH": filepath.Join(dep, "include"),
		"CMAKE_LIBRARY_PATH": filepath.Join(dep, "lib"),
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
	if os.Getenv("PKG_CONFIG_PATH") != "" {
		t.Error("environ modified the process environment")
	}

	args := New(buildsys.Paths{Source: "s", Build: "b"}, f).ConfigureArgs()
	if !slices.Contains(args, "-DCMAKE_PREFIX_PATH:STRING="+dep) {
		t.Errorf("ConfigureArgs() = %q, missing prefix path", args)
	}
}
