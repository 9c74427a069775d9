package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goplus/nativebind/internal/vcs"
)

// syncCall records one Sync invocation.
type syncCall struct {
	remote, ref, dir string
	existed          bool
}

// mockVCS implements vcs.VCS for unit testing. Revisions resolve to
// commits through the revs table; Sync writes a fake .git directory.
type mockVCS struct {
	mu      sync.Mutex
	revs    map[string]string
	heads   map[string]string
	syncs   []syncCall
	syncErr error
}

func newMockVCS(revs map[string]string) *mockVCS {
	return &mockVCS{revs: revs, heads: make(map[string]string)}
}

func (m *mockVCS) Sync(ctx context.Context, remote, ref, dir string, opts vcs.SyncOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, statErr := os.Stat(filepath.Join(dir, ".git"))
	m.syncs = append(m.syncs, syncCall{remote: remote, ref: ref, dir: dir, existed: statErr == nil})
	if m.syncErr != nil {
		return m.syncErr
	}
	commit, ok := m.revs[ref]
	if !ok {
		return fmt.Errorf("couldn't find remote ref %s", ref)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "REVISION"), []byte(ref), 0o644); err != nil {
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

func (m *mockVCS) Origin(dir string) (string, error) { return "", nil }

func (m *mockVCS) Tags(ctx context.Context, remote string) ([]string, error) {
	return nil, nil
}

func (m *mockVCS) Latest(ctx context.Context, remote string) (string, error) {
	return "", nil
}

func (m *mockVCS) calls() []syncCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]syncCall(nil), m.syncs...)
}
