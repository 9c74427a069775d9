package internal

import (
	"fmt"
	"os"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/goplus/nativebind/internal/config"
	"github.com/goplus/nativebind/internal/install"
	"github.com/goplus/nativebind/internal/link"
	"github.com/goplus/nativebind/internal/pipeline"
	"github.com/goplus/nativebind/internal/repo"
	"github.com/goplus/nativebind/internal/store"
	"github.com/goplus/nativebind/internal/vcs"
	"github.com/goplus/nativebind/pkgs/buildsys/cmake"
	"github.com/goplus/nativebind/pkgs/platform"
)

// app is what every command needs: settings, a logger and a pipeline.
type app struct {
	settings *config.Settings
	logger   *log.Logger
	store    *store.Store
	vcs      vcs.VCS
	pipeline *pipeline.Pipeline
}

func newApp(cmd *cobra.Command) (*app, error) {
	s, err := config.Load(config.LoadOptions{
		ConfigFile: cfgFile,
		DotEnv:     []string{".env"},
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return nil, err
	}
	logger := newLogger(s.Verbose)

	pol, err := platform.Host()
	if err != nil {
		return nil, err
	}
	st, err := store.New(s.CacheDir)
	if err != nil {
		return nil, err
	}

	gitOpts := []vcs.GitOption{vcs.WithGitPath(s.Git)}
	cmakeOpts := []cmake.Option{cmake.WithBinary(s.CMake)}
	if s.Verbose {
		gitOpts = append(gitOpts, vcs.WithStream(os.Stderr))
		cmakeOpts = append(cmakeOpts, cmake.WithStream(os.Stderr))
	}
	asm, err := link.NewAssembler(pol,
		link.WithPkgConfig(s.PkgConfig),
		link.WithCacheSize(s.LookupCacheSize),
		link.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	v := vcs.NewGitVCS(gitOpts...)
	p := pipeline.New(st,
		repo.NewAcquirer(v, st, repo.WithLogger(logger)),
		install.NewResolver(pol, install.WithLogger(logger)),
		asm,
		pipeline.WithTimeout(s.Timeout),
		pipeline.WithJobs(s.Jobs),
		pipeline.WithLogger(logger),
		pipeline.WithBuildFactory(pipeline.CMakeFactory(cmakeOpts...)),
	)
	logger.Debug("settings", "cache", s.CacheDir, "jobs", s.Jobs, "timeout", s.Timeout)
	return &app{settings: s, logger: logger, store: st, vcs: v, pipeline: p}, nil
}

func newLogger(verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "nbind", Level: level})
}

// baseConfig is the build configuration every repository starts from.
func (a *app) baseConfig() cmake.Config {
	return cmake.NewConfig().
		WithGenerator(a.settings.Generator).
		WithBuildType(a.settings.BuildType)
}

// requests turns the repositories of p into pipeline requests. If only is
// not empty, just those repositories and the ones they use are included.
func requests(p *config.Project, base cmake.Config, only []string) ([]pipeline.Request, error) {
	selected := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if selected[name] {
			return nil
		}
		r, ok := p.Lookup(name)
		if !ok {
			return fmt.Errorf("unknown repository %q", name)
		}
		selected[name] = true
		for _, u := range r.Uses {
			if err := visit(u); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range only {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	var reqs []pipeline.Request
	for i := range p.Repositories {
		r := &p.Repositories[i]
		if len(only) > 0 && !selected[r.Name] {
			continue
		}
		reqs = append(reqs, pipeline.Request{
			Spec:   r.Spec,
			Config: r.Config(base),
			Link:   slices.Clone(r.Link),
			Deps:   r.Deps,
			Uses:   slices.Clone(r.Uses),
		})
	}
	return reqs, nil
}
