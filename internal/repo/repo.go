// Package repo acquires source checkouts for repository specs.
package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/goplus/nativebind/internal/stage"
	"github.com/goplus/nativebind/internal/store"
	"github.com/goplus/nativebind/internal/vcs"
)

// Spec identifies an external source checkout.
type Spec struct {
	Name     string `yaml:"name" toml:"name"`
	URL      string `yaml:"url" toml:"url"`
	Revision string `yaml:"revision" toml:"revision"`
	// Submodules also checks out git submodules.
	Submodules bool `yaml:"submodules,omitempty" toml:"submodules,omitempty"`
}

// Validate reports missing fields.
func (s Spec) Validate() error {
	var missing []string
	if s.Name == "" {
		missing = append(missing, "name")
	}
	if s.URL == "" {
		missing = append(missing, "url")
	}
	if s.Revision == "" {
		missing = append(missing, "revision")
	}
	if len(missing) > 0 {
		return fmt.Errorf("repository %q: missing %s", s.Name, strings.Join(missing, ", "))
	}
	return nil
}

// Key returns the store identity of the checkout.
func (s Spec) Key() store.Key {
	return store.Key{Name: s.Name, URL: s.URL}
}

func (s Spec) String() string {
	return s.Name + "@" + s.Revision
}

// Action is what Acquire had to do.
type Action int

const (
	Reused Action = iota
	Cloned
	Updated
)

func (a Action) String() string {
	switch a {
	case Reused:
		return "reused"
	case Cloned:
		return "cloned"
	case Updated:
		return "updated"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Checkout is a local working tree at a pinned revision.
type Checkout struct {
	Spec   Spec
	Dir    string
	Commit string
	Action Action
}

// Acquirer materializes checkouts under a store.
type Acquirer struct {
	vcs    vcs.VCS
	store  *store.Store
	logger *log.Logger
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithLogger sets the logger used for progress messages.
func WithLogger(l *log.Logger) Option {
	return func(a *Acquirer) { a.logger = l }
}

// NewAcquirer returns an Acquirer using v for git operations.
func NewAcquirer(v vcs.VCS, s *store.Store, opts ...Option) *Acquirer {
	a := &Acquirer{vcs: v, store: s, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dir returns the checkout directory of spec without touching it.
func (a *Acquirer) Dir(spec Spec) (string, error) {
	return a.store.SourceDir(spec.Key())
}

// Acquire ensures the checkout of spec exists at spec.Revision.
//
// A checkout whose stamp and HEAD already match is left untouched. An
// existing checkout at another revision is fetched and checked out in
// place. Otherwise a new one is created. Callers must hold the store lock
// of the checkout directory.
func (a *Acquirer) Acquire(ctx context.Context, spec Spec) (*Checkout, error) {
	if err := spec.Validate(); err != nil {
		return nil, stage.Wrap(stage.ErrAcquisition, err)
	}
	dir, err := a.Dir(spec)
	if err != nil {
		return nil, stage.Wrap(stage.ErrAcquisition, err)
	}

	if st, err := store.ReadStamp(dir); err == nil && st.Matches(spec.URL, spec.Revision) {
		if head, err := a.vcs.Head(dir); err == nil && head == st.Commit {
			a.logger.Debug("checkout up to date", "repo", spec.Name, "commit", short(head))
			return &Checkout{Spec: spec, Dir: dir, Commit: head, Action: Reused}, nil
		}
	}

	action := Cloned
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		action = Updated
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, stage.Wrap(stage.ErrAcquisition, err)
	}

	// The stamp is only valid for a completed sync.
	if err := store.RemoveStamp(dir); err != nil {
		return nil, stage.Wrap(stage.ErrAcquisition, err)
	}
	a.logger.Info("fetching", "repo", spec.Name, "revision", spec.Revision, "mode", action)
	if err := a.vcs.Sync(ctx, spec.URL, spec.Revision, dir, vcs.SyncOptions{Submodules: spec.Submodules}); err != nil {
		return nil, stage.Wrap(stage.ErrAcquisition, fmt.Errorf("%s from %s: %w", spec, spec.URL, err))
	}
	head, err := a.vcs.Head(dir)
	if err != nil {
		return nil, stage.Wrap(stage.ErrAcquisition, err)
	}
	err = store.WriteStamp(dir, &store.Stamp{
		Name:      spec.Name,
		URL:       spec.URL,
		Revision:  spec.Revision,
		Commit:    head,
		FetchedAt: time.Now(),
	})
	if err != nil {
		return nil, stage.Wrap(stage.ErrAcquisition, err)
	}
	return &Checkout{Spec: spec, Dir: dir, Commit: head, Action: action}, nil
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
