// Package vcs drives git to materialize a repository at a pinned revision.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/goplus/nativebind/internal/proc"
)

// VCS defines the interface for version control operations.
type VCS interface {
	// Sync ensures the local repo at dir is at the specified ref.
	// ref can be branch, tag, or commit hash.
	// If dir has no repository, one is initialized with remote as origin.
	// If it has one, the ref is fetched and checked out in place.
	Sync(ctx context.Context, remote, ref, dir string, opts SyncOptions) error

	// Head returns the commit checked out in dir.
	Head(dir string) (string, error)

	// Origin returns the URL of the origin remote of dir.
	Origin(dir string) (string, error)

	// Tags returns all tags from the remote repository.
	Tags(ctx context.Context, remote string) ([]string, error)

	// Latest returns the latest commit hash (HEAD) from the remote repository.
	// Returns error if no commits exist.
	Latest(ctx context.Context, remote string) (string, error)
}

// SyncOptions tunes a Sync call.
type SyncOptions struct {
	// Submodules also checks out submodules recursively.
	Submodules bool
}

// ErrNoRepo is returned by Head and Origin when dir holds no repository.
var ErrNoRepo = errors.New("not a git repository")

// gitVCS implements VCS using git.
type gitVCS struct {
	git    string
	stream io.Writer
}

// GitOption configures gitVCS.
type GitOption func(*gitVCS)

// WithGitPath sets a custom git executable path.
func WithGitPath(path string) GitOption {
	return func(g *gitVCS) {
		g.git = path
	}
}

// WithStream mirrors git output to w as it is produced.
func WithStream(w io.Writer) GitOption {
	return func(g *gitVCS) {
		g.stream = w
	}
}

// NewGitVCS creates a new git VCS instance.
func NewGitVCS(opts ...GitOption) VCS {
	g := &gitVCS{git: "git"}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *gitVCS) ensureInit(ctx context.Context, remote, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := g.run(ctx, dir, "init", "--quiet"); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := g.run(ctx, dir, "remote", "add", "origin", remote); err != nil {
			return fmt.Errorf("add remote: %w", err)
		}
		return nil
	}
	origin, err := g.Origin(dir)
	if err == nil && origin == remote {
		return nil
	}
	if errors.Is(err, git.ErrRemoteNotFound) {
		return g.run(ctx, dir, "remote", "add", "origin", remote)
	}
	if err := g.run(ctx, dir, "remote", "set-url", "origin", remote); err != nil {
		return fmt.Errorf("set remote: %w", err)
	}
	return nil
}

func (g *gitVCS) Sync(ctx context.Context, remote, ref, dir string, opts SyncOptions) error {
	if ref == "" {
		return fmt.Errorf("sync %s: empty revision", remote)
	}
	if err := g.ensureInit(ctx, remote, dir); err != nil {
		return err
	}
	if err := g.fetch(ctx, dir, ref); err != nil {
		return err
	}
	if err := g.checkout(ctx, dir, "FETCH_HEAD"); err != nil {
		return err
	}
	if opts.Submodules {
		if err := g.run(ctx, dir, "submodule", "update", "--init", "--recursive", "--depth", "1"); err != nil {
			return fmt.Errorf("submodules: %w", err)
		}
	}
	return nil
}

func (g *gitVCS) fetch(ctx context.Context, dir, ref string) error {
	if err := g.run(ctx, dir, "fetch", "--quiet", "--depth", "1", "origin", ref); err != nil {
		return fmt.Errorf("fetch %s: %w", ref, err)
	}
	return nil
}

func (g *gitVCS) checkout(ctx context.Context, dir, ref string) error {
	if err := g.run(ctx, dir, "-c", "advice.detachedHead=false", "checkout", "--force", "--quiet", ref); err != nil {
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
	return nil
}

func (g *gitVCS) Head(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD of %s: %w", dir, err)
	}
	return head.Hash().String(), nil
}

func (g *gitVCS) Origin(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", git.ErrRemoteNotFound
	}
	return urls[0], nil
}

func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoRepo)
	}
	return repo, err
}

func (g *gitVCS) Tags(ctx context.Context, remote string) ([]string, error) {
	output, err := g.output(ctx, "", "ls-remote", "--tags", "--refs", remote)
	if err != nil {
		return nil, fmt.Errorf("list remote tags: %w", err)
	}

	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	var tags []string
	for _, line := range strings.Split(output, "\n") {
		// format: <hash>\trefs/tags/<tag>
		parts := strings.Split(line, "\t")
		if len(parts) == 2 {
			tag := strings.TrimPrefix(parts[1], "refs/tags/")
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

func (g *gitVCS) Latest(ctx context.Context, remote string) (string, error) {
	output, err := g.output(ctx, "", "ls-remote", remote, "HEAD")
	if err != nil {
		return "", fmt.Errorf("get remote HEAD: %w", err)
	}

	output = strings.TrimSpace(output)
	if output == "" {
		return "", fmt.Errorf("no HEAD found in remote %s", remote)
	}

	// format: <hash>\tHEAD
	hash, _, _ := strings.Cut(output, "\t")
	return hash, nil
}

// gitEnv keeps git from prompting for credentials.
var gitEnv = map[string]string{
	"GIT_TERMINAL_PROMPT": "0",
	"GIT_ASKPASS":         "",
	"SSH_ASKPASS":         "",
}

func (g *gitVCS) run(ctx context.Context, dir string, args ...string) error {
	return proc.Run(ctx, proc.Cmd{
		Name:   g.git,
		Args:   args,
		Dir:    dir,
		Env:    gitEnv,
		Stream: g.stream,
	})
}

func (g *gitVCS) output(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := proc.Output(ctx, proc.Cmd{
		Name: g.git,
		Args: args,
		Dir:  dir,
		Env:  gitEnv,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
