package platform

import "testing"

func mustFor(t *testing.T, goos string) Policy {
	t.Helper()
	p, err := For(goos)
	if err != nil {
		t.Fatalf("For(%q): %v", goos, err)
	}
	return p
}

func TestFor(t *testing.T) {
	for _, goos := range []string{"linux", "darwin", "windows", "freebsd"} {
		mustFor(t, goos)
	}
	if _, err := For("plan9"); err == nil {
		t.Error("For(plan9) should fail")
	}
	if got := mustFor(t, "freebsd").Kind; got != Linux {
		t.Errorf("freebsd kind = %s, want linux", got)
	}
}

func TestNames(t *testing.T) {
	tests := []struct {
		goos           string
		static, shared string
	}{
		{"linux", "libfoo.a", "libfoo.so"},
		{"darwin", "libfoo.a", "libfoo.dylib"},
		{"windows", "foo.lib", "foo.dll"},
	}
	for _, tt := range tests {
		p := mustFor(t, tt.goos)
		if got := p.StaticName("foo"); got != tt.static {
			t.Errorf("%s StaticName = %q, want %q", tt.goos, got, tt.static)
		}
		if got := p.SharedName("foo"); got != tt.shared {
			t.Errorf("%s SharedName = %q, want %q", tt.goos, got, tt.shared)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		goos     string
		file     string
		wantName string
		wantKind LibKind
	}{
		{"linux", "/p/lib/libfoo.a", "foo", Static},
		{"linux", "libfoo.so", "foo", Shared},
		{"linux", "libfoo.so.1", "foo", Shared},
		{"linux", "libfoo.so.1.2.3", "foo", Shared},
		{"linux", "libfoo.so.debug", "", NotLibrary},
		{"linux", "foo.a", "", NotLibrary},
		{"linux", "libfoo.la", "", NotLibrary},
		{"linux", "libfoo.dylib", "", NotLibrary},
		{"linux", "lib.a", "", NotLibrary},
		{"darwin", "libz.dylib", "z", Shared},
		{"darwin", "libz.1.3.dylib", "z", Shared},
		{"darwin", "libsqlite3.dylib", "sqlite3", Shared},
		{"darwin", "libz.a", "z", Static},
		{"windows", "zlib.lib", "zlib", Static},
		{"windows", "ZLIB.DLL", "zlib", Shared},
		{"windows", "zlib.pdb", "", NotLibrary},
	}
	for _, tt := range tests {
		p := mustFor(t, tt.goos)
		name, kind := p.Classify(tt.file)
		if name != tt.wantName || kind != tt.wantKind {
			t.Errorf("%s Classify(%q) = (%q, %s), want (%q, %s)",
				tt.goos, tt.file, name, kind, tt.wantName, tt.wantKind)
		}
	}
}

func TestRuntimePath(t *testing.T) {
	if got := mustFor(t, "linux").RuntimePath; got != "-Wl,-rpath,$ORIGIN" {
		t.Errorf("linux RuntimePath = %q", got)
	}
	if got := mustFor(t, "darwin").RuntimePath; got != "-Wl,-rpath,@loader_path" {
		t.Errorf("darwin RuntimePath = %q", got)
	}
	if got := mustFor(t, "windows").RuntimePath; got != "" {
		t.Errorf("windows RuntimePath = %q, want empty", got)
	}
}

func TestIsExecutable(t *testing.T) {
	linux := mustFor(t, "linux")
	if !linux.IsExecutable("foo", 0o755) || linux.IsExecutable("foo.txt", 0o644) {
		t.Error("linux IsExecutable mismatch")
	}
	win := mustFor(t, "windows")
	if !win.IsExecutable("foo.EXE", 0) || win.IsExecutable("foo.dll", 0o755) {
		t.Error("windows IsExecutable mismatch")
	}
}
