package internal

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/goplus/nativebind/internal/config"
	"github.com/goplus/nativebind/internal/install"
	"github.com/goplus/nativebind/internal/link"
	"github.com/goplus/nativebind/internal/pipeline"
	"github.com/goplus/nativebind/internal/repo"
	"github.com/goplus/nativebind/internal/stage"
	"github.com/goplus/nativebind/pkgs/buildsys/cmake"
	"github.com/goplus/nativebind/pkgs/platform"
)

const project = `
repositories:
  - {name: zlib, url: https://github.com/madler/zlib, revision: v1.3.1}
  - name: png
    url: https://github.com/pnggroup/libpng
    revision: v1.6.43
    uses: [zlib]
    build: {build_type: Debug}
  - {name: freetype, url: https://gitlab.freedesktop.org/freetype/freetype, revision: VER-2-13-2, uses: [png]}
  - {name: jpeg, url: https://github.com/libjpeg-turbo/libjpeg-turbo, revision: 3.0.3}
`

func TestRequests(t *testing.T) {
	p, err := config.ParseProject([]byte(project))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		only []string
		want []string
	}{
		{nil, []string{"zlib", "png", "freetype", "jpeg"}},
		{[]string{"png"}, []string{"zlib", "png"}},
		{[]string{"freetype"}, []string{"zlib", "png", "freetype"}},
		{[]string{"jpeg", "zlib"}, []string{"zlib", "jpeg"}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.only, ","), func(t *testing.T) {
			reqs, err := requests(p, cmake.NewConfig(), tt.only)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, r := range reqs {
				got = append(got, r.Spec.Name)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("requests(%v) = %v, want %v", tt.only, got, tt.want)
			}
		})
	}

	reqs, _ := requests(p, cmake.NewConfig(), []string{"png"})
	if reqs[1].Config.BuildType != "Debug" || reqs[0].Config.BuildType != "Release" {
		t.Errorf("build types = %s, %s", reqs[0].Config.BuildType, reqs[1].Config.BuildType)
	}
	if _, err := requests(p, cmake.NewConfig(), []string{"nope"}); err == nil {
		t.Error("unknown repository accepted")
	}
}

func TestUnjoin(t *testing.T) {
	a := stage.Errorf(stage.ErrBuild, "a")
	b := stage.Errorf(stage.ErrInstall, "b")
	if got := unjoin(a); len(got) != 1 || got[0] != a {
		t.Errorf("unjoin(stage error) = %v", got)
	}
	if got := unjoin(errors.Join(a, b)); len(got) != 2 {
		t.Errorf("unjoin(joined) = %v", got)
	}
	plain := errors.New("plain")
	if got := unjoin(plain); len(got) != 1 || got[0] != plain {
		t.Errorf("unjoin(plain) = %v", got)
	}
}

func testOutcome(t *testing.T, prefix string) *outcome {
	t.Helper()
	pol, err := platform.For("linux")
	if err != nil {
		t.Fatal(err)
	}
	m, err := install.Scan(prefix, pol)
	if err != nil {
		t.Fatal(err)
	}
	target := link.Target{
		Name:        "foo",
		Origin:      link.Local,
		Linkage:     platform.Static,
		Paths:       []string{filepath.Join(prefix, "lib", "libfoo.a")},
		LibDir:      filepath.Join(prefix, "lib"),
		Flags:       []string{filepath.Join(prefix, "lib", "libfoo.a")},
		IncludeDirs: []string{filepath.Join(prefix, "include")},
	}
	d, err := link.Assemble(pol, []link.Target{target}, nil)
	if err != nil {
		t.Fatal(err)
	}
	frozen, err := cmake.NewConfig().Finalize()
	if err != nil {
		t.Fatal(err)
	}
	spec := repo.Spec{Name: "foo", URL: "https://example.com/foo", Revision: "v1"}
	return &outcome{
		results: []*pipeline.Result{{
			Spec:     spec,
			State:    stage.Resolved,
			Checkout: &repo.Checkout{Spec: spec, Commit: strings.Repeat("a", 40)},
			Config:   frozen,
			Manifest: m,
			Cached:   true,
			Duration: 1500 * time.Millisecond,
		}},
		descriptor: d,
	}
}

func TestWriteReport(t *testing.T) {
	prefix := newPrefix(t)
	out := testOutcome(t, prefix)

	var text bytes.Buffer
	writeText(&text, out)
	for _, want := range []string{"foo@v1 aaaaaaaaaaaa (cached)", "CFLAGS=-I" + filepath.Join(prefix, "include"), "LDFLAGS="} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output lacks %q:\n%s", want, text.String())
		}
	}

	var buf bytes.Buffer
	if err := writeJSON(&buf, out); err != nil {
		t.Fatal(err)
	}
	var got struct {
		Repositories []repoReport `json:"repositories"`
		LDFlags      []string     `json:"ldflags"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Repositories) != 1 || !got.Repositories[0].Cached || got.Repositories[0].Prefix != prefix {
		t.Errorf("repositories = %+v", got.Repositories)
	}
	if len(got.LDFlags) == 0 {
		t.Error("no ldflags in JSON output")
	}
}

// newPrefix creates an install prefix with a static library, a shared
// library behind a symlink, a header and a manifest.
func newPrefix(t *testing.T) string {
	t.Helper()
	prefix := t.TempDir()
	files := map[string]string{
		"lib/libfoo.a":       "!<arch>\n",
		"lib/libfoo.so.1":    "\x7fELF",
		"include/foo.h":      "int foo(void);\n",
		install.ManifestFile: "{}",
	}
	for name, content := range files {
		path := filepath.Join(prefix, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if runtime.GOOS != "windows" {
		if err := os.Symlink("libfoo.so.1", filepath.Join(prefix, "lib", "libfoo.so")); err != nil {
			t.Fatal(err)
		}
	}
	return prefix
}

func TestOutputResultZip(t *testing.T) {
	prefix := newPrefix(t)
	dest := filepath.Join(t.TempDir(), "out.zip")
	if err := outputResult(map[string]string{"foo": prefix}, dest); err != nil {
		t.Fatal(err)
	}
	r, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	for _, want := range []string{"foo/lib/libfoo.a", "foo/include/foo.h"} {
		if !slices.Contains(names, want) {
			t.Errorf("zip lacks %s: %v", want, names)
		}
	}
	if slices.Contains(names, "foo/"+install.ManifestFile) {
		t.Error("zip contains the install manifest")
	}
}

func TestOutputResultTarXZ(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	prefix := newPrefix(t)
	dest := filepath.Join(t.TempDir(), "out.tar.xz")
	if err := outputResult(map[string]string{"foo": prefix}, dest); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(xr)
	entries := make(map[string]*tar.Header)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		entries[h.Name] = h
	}
	if h := entries["foo/lib/libfoo.so"]; h == nil || h.Typeflag != tar.TypeSymlink || h.Linkname != "libfoo.so.1" {
		t.Errorf("symlink entry = %+v", h)
	}
	if h := entries["foo/lib/libfoo.a"]; h == nil || h.Size != int64(len("!<arch>\n")) {
		t.Errorf("archive entry = %+v", h)
	}
	if _, ok := entries["foo/"+install.ManifestFile]; ok {
		t.Error("tarball contains the install manifest")
	}
}

func TestOutputResultDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	prefix := newPrefix(t)
	dest := t.TempDir()
	if err := outputResult(map[string]string{"foo": prefix}, dest); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(dest, "foo", "lib", "libfoo.so"))
	if err != nil || target != "libfoo.so.1" {
		t.Errorf("Readlink = %q, %v", target, err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "foo", "include", "foo.h"))
	if err != nil || string(data) != "int foo(void);\n" {
		t.Errorf("header = %q, %v", data, err)
	}
}
