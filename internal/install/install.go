// Package install runs the install step of a build into a private prefix
// and records what landed there in a Manifest.
package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/goplus/nativebind/internal/stage"
	"github.com/goplus/nativebind/pkgs/buildsys"
	"github.com/goplus/nativebind/pkgs/platform"
)

// Resolver installs builds and classifies their output.
type Resolver struct {
	policy platform.Policy
	logger *log.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for install progress.
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver classifying files with pol.
func NewResolver(pol platform.Policy, opts ...Option) *Resolver {
	r := &Resolver{policy: pol, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install clears the prefix of bs, runs its install step and scans the
// result. The manifest is saved in the prefix, keyed by key. A failed
// install or an empty prefix is an install error.
func (r *Resolver) Install(ctx context.Context, bs buildsys.BuildSystem, key Key) (*Manifest, error) {
	prefix := bs.OutputDir()
	if prefix == "" {
		return nil, stage.Errorf(stage.ErrInstall, "no install prefix")
	}
	if err := os.RemoveAll(prefix); err != nil {
		return nil, stage.Errorf(stage.ErrInstall, "clear prefix: %w", err)
	}

	start := time.Now()
	if err := bs.Install(ctx); err != nil {
		return nil, stage.Wrap(stage.ErrInstall, err)
	}

	m, err := Scan(prefix, r.policy)
	if err != nil {
		return nil, stage.Errorf(stage.ErrInstall, "scan %s: %w", prefix, err)
	}
	if m.Empty() {
		return nil, stage.Errorf(stage.ErrInstall,
			"install produced no libraries, headers or executables in %s (%d files)", prefix, walkSize(prefix))
	}
	m.Key = key
	m.InstalledAt = time.Now()
	if err := m.Save(); err != nil {
		return nil, stage.Errorf(stage.ErrInstall, "save manifest: %w", err)
	}
	r.logger.Debug("installed", "prefix", prefix,
		"static", len(m.Static), "shared", len(m.Shared),
		"executables", len(m.Executables), "took", time.Since(start).Round(time.Millisecond))
	return m, nil
}

// Reuse returns the manifest of a previous install into prefix when it is
// still valid for key.
func (r *Resolver) Reuse(prefix string, key Key) (*Manifest, bool) {
	m, ok := Cached(prefix, key)
	if ok {
		r.logger.Debug("install cache hit", "prefix", prefix, "commit", short(key.Commit))
	}
	return m, ok
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// String renders m as a short human-readable listing.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s: %d static, %d shared, %d header dirs, %d executables",
		m.Prefix, len(m.Static), len(m.Shared), len(m.HeaderDirs), len(m.Executables))
}
