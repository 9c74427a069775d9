package install

import (
	"context"
	"os"
	"path/filepath"
)

// fakeBuild is a BuildSystem whose install step writes files into prefix.
type fakeBuild struct {
	prefix   string
	files    map[string]os.FileMode
	err      error
	installs int
}

func (f *fakeBuild) Configure(ctx context.Context) error { return nil }
func (f *fakeBuild) Build(ctx context.Context) error     { return nil }
func (f *fakeBuild) OutputDir() string                   { return f.prefix }

func (f *fakeBuild) Install(ctx context.Context) error {
	f.installs++
	if f.err != nil {
		return f.err
	}
	for name, mode := range f.files {
		path := filepath.Join(f.prefix, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(name), mode); err != nil {
			return err
		}
	}
	return nil
}
