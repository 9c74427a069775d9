package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goplus/nativebind/internal/vcs"
	"github.com/goplus/nativebind/pkgs/buildsys"
	"github.com/goplus/nativebind/pkgs/buildsys/cmake"
)

// mockVCS resolves revisions through a table and fakes a checkout.
type mockVCS struct {
	mu    sync.Mutex
	revs  map[string]string
	heads map[string]string
	syncs int
}

func newMockVCS(revs map[string]string) *mockVCS {
	return &mockVCS{revs: revs, heads: make(map[string]string)}
}

func (m *mockVCS) Sync(ctx context.Context, remote, ref, dir string, opts vcs.SyncOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	commit, ok := m.revs[ref]
	if !ok {
		return fmt.Errorf("couldn't find remote ref %s", ref)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		return err
	}
	m.heads[dir] = commit
	return nil
}

func (m *mockVCS) Head(dir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.heads[dir]
	if !ok {
		return "", vcs.ErrNoRepo
	}
	return head, nil
}

func (m *mockVCS) Origin(dir string) (string, error)                        { return "", nil }
func (m *mockVCS) Tags(ctx context.Context, remote string) ([]string, error) { return nil, nil }
func (m *mockVCS) Latest(ctx context.Context, remote string) (string, error) { return "", nil }

func (m *mockVCS) syncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

// fakeBuilds hands out fakeBuild values and records every step they run
// as "<repo>:<step>".
type fakeBuilds struct {
	mu     sync.Mutex
	events []string
	// fail maps a repository to the step that fails for it.
	fail map[string]string
	// block maps a repository to a step that waits for its context.
	block map[string]string
	// configs records the last configuration handed to each repository.
	configs map[string]cmake.Frozen
}

func newFakeBuilds() *fakeBuilds {
	return &fakeBuilds{
		fail:    make(map[string]string),
		block:   make(map[string]string),
		configs: make(map[string]cmake.Frozen),
	}
}

func (f *fakeBuilds) factory(paths buildsys.Paths, cfg cmake.Frozen) buildsys.BuildSystem {
	base := filepath.Base(paths.Source)
	name := base[:strings.LastIndex(base, "-")]
	f.mu.Lock()
	f.configs[name] = cfg
	f.mu.Unlock()
	return &fakeBuild{owner: f, name: name, paths: paths}
}

func (f *fakeBuilds) record(name, step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name+":"+step)
	if f.fail[name] == step {
		return fmt.Errorf("%s failed", step)
	}
	return nil
}

func (f *fakeBuilds) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeBuilds) config(name string) cmake.Frozen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[name]
}

// fakeBuild installs lib/lib<name>.a and include/<name>.h.
type fakeBuild struct {
	owner *fakeBuilds
	name  string
	paths buildsys.Paths
}

func (b *fakeBuild) step(ctx context.Context, step string) error {
	b.owner.mu.Lock()
	blocks := b.owner.block[b.name] == step
	b.owner.mu.Unlock()
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.owner.record(b.name, step)
}

func (b *fakeBuild) Configure(ctx context.Context) error { return b.step(ctx, "configure") }
func (b *fakeBuild) Build(ctx context.Context) error     { return b.step(ctx, "build") }
func (b *fakeBuild) OutputDir() string                   { return b.paths.Install }

func (b *fakeBuild) Install(ctx context.Context) error {
	if err := b.step(ctx, "install"); err != nil {
		return err
	}
	files := map[string]string{
		filepath.Join("lib", "lib"+b.name+".a"): "!<arch>\n",
		filepath.Join("include", b.name+".h"):   "int " + b.name + "(void);\n",
	}
	for name, content := range files {
		path := filepath.Join(b.paths.Install, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
