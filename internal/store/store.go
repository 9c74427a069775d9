// Package store maps repository identities to directories under a cache
// root and serializes access to them.
//
// Cache root layout:
//
//	root/
//	  src/<name>-<id>/             # checkout, keyed by name+URL
//	  src/<name>-<id>.lock         # cross-process lock for the checkout
//	  src/<name>-<id>.stamp.json   # what the checkout holds
//	  build/<name>-<id>@<rev>-<cfg>/    # build directory per BuildConfig
//	  install/<name>-<id>@<rev>-<cfg>/  # private install prefix
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/mod/module"
)

const (
	srcDir     = "src"
	buildDir   = "build"
	installDir = "install"

	lockSuffix  = ".lock"
	stampSuffix = ".stamp.json"
)

// Key is the identity of a checkout. The revision is deliberately not part
// of it: changing the revision updates the same checkout.
type Key struct {
	Name string
	URL  string
}

// Store hands out directories under a cache root.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New returns a store rooted at root, creating it if needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{root: abs, locks: make(map[string]chan struct{})}, nil
}

// Root returns the absolute cache root.
func (s *Store) Root() string { return s.root }

// SourceDir returns the checkout directory of k.
func (s *Store) SourceDir(k Key) (string, error) {
	base, err := k.dirName()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, srcDir, base), nil
}

// BuildDir returns the build directory of k at commit built with the
// configuration whose hash is cfgHash.
func (s *Store) BuildDir(k Key, commit, cfgHash string) (string, error) {
	return s.variantDir(buildDir, k, commit, cfgHash)
}

// InstallDir returns the private install prefix of k at commit built with
// the configuration whose hash is cfgHash.
func (s *Store) InstallDir(k Key, commit, cfgHash string) (string, error) {
	return s.variantDir(installDir, k, commit, cfgHash)
}

// Variants lists the build and install directories that belong to k.
func (s *Store) Variants(k Key) ([]string, error) {
	base, err := k.dirName()
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, sub := range []string{buildDir, installDir} {
		matches, err := filepath.Glob(filepath.Join(s.root, sub, base+"@*"))
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, matches...)
	}
	return dirs, nil
}

func (s *Store) variantDir(sub string, k Key, commit, cfgHash string) (string, error) {
	base, err := k.dirName()
	if err != nil {
		return "", err
	}
	if commit == "" || cfgHash == "" {
		return "", fmt.Errorf("store: %s needs a commit and a config hash", sub)
	}
	rev := short(commit, 12)
	return filepath.Join(s.root, sub, fmt.Sprintf("%s@%s-%s", base, rev, short(cfgHash, 12))), nil
}

// Lock serializes access to dir among goroutines of this process and among
// processes sharing the cache root. It blocks until the lock is held or ctx
// is done.
func (s *Store) Lock(ctx context.Context, dir string) (unlock func(), err error) {
	sem := s.keyLock(dir)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		<-sem
		return nil, err
	}
	release, err := lockFile(ctx, dir+lockSuffix)
	if err != nil {
		<-sem
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			<-sem
		})
	}, nil
}

func (s *Store) keyLock(dir string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.locks[dir]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[dir] = sem
	}
	return sem
}

// dirName returns "<name>-<id>" where name is a filesystem-safe form of
// k.Name and id is a short digest of name and URL.
func (k Key) dirName() (string, error) {
	if k.Name == "" || k.URL == "" {
		return "", fmt.Errorf("store: key needs a name and a URL")
	}
	name, err := module.EscapeVersion(sanitize(k.Name))
	if err != nil {
		name = "repo"
	}
	sum := sha256.Sum256([]byte(k.Name + "\x00" + k.URL))
	return name + "-" + hex.EncodeToString(sum[:])[:12], nil
}

// sanitize keeps letters, digits, '.', '-' and '_' and replaces everything
// else with '_'.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, s)
	return strings.TrimLeft(s, ".")
}

func short(s string, n int) string {
	s = sanitize(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
