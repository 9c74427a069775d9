// Package platform describes how native libraries are named, searched for
// and located at run time on each supported operating system.
//
// A Policy is selected once, usually with For(runtime.GOOS), and then
// queried; callers never branch on the OS themselves.
package platform

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind is the tag of a Policy.
type Kind int

const (
	Linux Kind = iota
	Darwin
	Windows
)

func (k Kind) String() string {
	switch k {
	case Linux:
		return "linux"
	case Darwin:
		return "darwin"
	case Windows:
		return "windows"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// LibKind classifies a library file.
type LibKind int

const (
	NotLibrary LibKind = iota
	Static
	Shared
)

func (k LibKind) String() string {
	switch k {
	case Static:
		return "static"
	case Shared:
		return "shared"
	}
	return "none"
}

func (k LibKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Policy holds the naming and linking conventions of one platform.
type Policy struct {
	Kind Kind

	// LibPrefix is prepended to library names ("lib"); empty on Windows.
	LibPrefix string
	StaticExt string
	SharedExt string
	// ExeExt is the executable suffix (".exe" on Windows).
	ExeExt string

	// LibDirs are the install prefix subdirectories holding libraries.
	LibDirs []string
	// SharedInBin reports that shared libraries are installed to bin/.
	SharedInBin bool

	// SystemLibDirs are the default library search paths.
	SystemLibDirs []string

	// RuntimePath is the linker directive that makes the final binary look
	// for shared libraries in its own directory. Empty if the platform
	// has no such directive.
	RuntimePath string
}

var policies = map[string]Policy{
	"linux": {
		Kind:        Linux,
		LibPrefix:   "lib",
		StaticExt:   ".a",
		SharedExt:   ".so",
		LibDirs:     []string{"lib", "lib64"},
		RuntimePath: "-Wl,-rpath,$ORIGIN",
		SystemLibDirs: []string{
			"/usr/local/lib",
			"/usr/local/lib64",
			"/usr/lib/" + multiarch(runtime.GOARCH),
			"/usr/lib64",
			"/usr/lib",
			"/lib/" + multiarch(runtime.GOARCH),
			"/lib64",
			"/lib",
		},
	},
	"darwin": {
		Kind:        Darwin,
		LibPrefix:   "lib",
		StaticExt:   ".a",
		SharedExt:   ".dylib",
		LibDirs:     []string{"lib"},
		RuntimePath: "-Wl,-rpath,@loader_path",
		SystemLibDirs: []string{
			"/opt/homebrew/lib",
			"/usr/local/lib",
			"/usr/lib",
		},
	},
	"windows": {
		Kind:          Windows,
		StaticExt:     ".lib",
		SharedExt:     ".dll",
		ExeExt:        ".exe",
		LibDirs:       []string{"lib"},
		SharedInBin:   true,
		SystemLibDirs: nil,
	},
}

// For returns the policy for goos. Unix flavours other than Linux and Darwin
// follow the Linux conventions.
func For(goos string) (Policy, error) {
	if p, ok := policies[goos]; ok {
		return p, nil
	}
	switch goos {
	case "freebsd", "netbsd", "openbsd", "dragonfly", "illumos", "solaris":
		p := policies["linux"]
		p.SystemLibDirs = []string{"/usr/local/lib", "/usr/lib", "/lib"}
		return p, nil
	}
	return Policy{}, fmt.Errorf("unsupported platform: %s", goos)
}

// Host returns the policy of the running platform.
func Host() (Policy, error) {
	return For(runtime.GOOS)
}

// StaticName returns the file name of the static library called name.
func (p Policy) StaticName(name string) string {
	return p.LibPrefix + name + p.StaticExt
}

// SharedName returns the file name of the shared library called name.
func (p Policy) SharedName(name string) string {
	return p.LibPrefix + name + p.SharedExt
}

// Classify reports whether file is a library and, if so, the library name
// it provides. Versioned shared objects such as libz.so.1.3 (Linux) and
// libz.1.dylib (Darwin) are recognised.
func (p Policy) Classify(file string) (name string, kind LibKind) {
	base := filepath.Base(file)
	if p.Kind == Windows {
		base = strings.ToLower(base)
	}
	if !strings.HasPrefix(base, p.LibPrefix) {
		return "", NotLibrary
	}
	rest := base[len(p.LibPrefix):]

	if n, ok := strings.CutSuffix(rest, p.StaticExt); ok && n != "" {
		return n, Static
	}
	if n, ok := strings.CutSuffix(rest, p.SharedExt); ok && n != "" {
		if p.Kind == Darwin {
			n = trimVersion(n, ".")
		}
		if n != "" {
			return n, Shared
		}
		return "", NotLibrary
	}
	if p.Kind == Linux {
		if i := strings.Index(rest, p.SharedExt+"."); i > 0 && isVersion(rest[i+len(p.SharedExt)+1:]) {
			return rest[:i], Shared
		}
	}
	return "", NotLibrary
}

// IsExecutable reports whether the bin/ entry called file with the given
// mode bits is a program.
func (p Policy) IsExecutable(file string, perm uint32) bool {
	if p.Kind == Windows {
		return strings.EqualFold(filepath.Ext(file), p.ExeExt)
	}
	return perm&0o111 != 0
}

// trimVersion removes a trailing sep-separated numeric version from name,
// e.g. "z.1.3" -> "z".
func trimVersion(name, sep string) string {
	for {
		i := strings.LastIndex(name, sep)
		if i < 0 || !isVersion(name[i+1:]) {
			return name
		}
		name = name[:i]
	}
}

func isVersion(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func multiarch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64-linux-gnu"
	case "arm64":
		return "aarch64-linux-gnu"
	case "386":
		return "i386-linux-gnu"
	case "arm":
		return "arm-linux-gnueabihf"
	case "riscv64":
		return "riscv64-linux-gnu"
	case "ppc64le":
		return "powerpc64le-linux-gnu"
	case "s390x":
		return "s390x-linux-gnu"
	}
	return goarch + "-linux-gnu"
}
