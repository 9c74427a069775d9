// Package pipeline drives one repository from an empty cache to a link
// descriptor: acquire, configure, build, install, resolve.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/charmbracelet/log"

	"github.com/goplus/nativebind/internal/install"
	"github.com/goplus/nativebind/internal/link"
	"github.com/goplus/nativebind/internal/repo"
	"github.com/goplus/nativebind/internal/stage"
	"github.com/goplus/nativebind/internal/store"
	"github.com/goplus/nativebind/pkgs/buildsys"
	"github.com/goplus/nativebind/pkgs/buildsys/cmake"
)

// Request is one repository to process.
type Request struct {
	Spec   repo.Spec
	Config cmake.Config
	// Link lists the libraries to resolve, in link order. Empty means
	// every library the install produced.
	Link []link.Request
	// Deps maps a link target to the targets it depends on.
	Deps map[string][]string
	// Uses names other requests of the same RunAll whose install prefixes
	// this one builds against.
	Uses []string
}

// Result is the outcome of one run. State is Resolved on success and
// Errored otherwise; Err then is a *stage.Error.
type Result struct {
	Spec       repo.Spec
	State      stage.State
	Checkout   *repo.Checkout
	Config     cmake.Frozen
	Manifest   *install.Manifest
	Descriptor *link.Descriptor
	// Link holds the requests that were resolved.
	Link []link.Request
	// Cached reports that configure, build and install were skipped.
	Cached   bool
	Err      error
	Duration time.Duration
}

// BuildFactory creates the build system for one configured run.
type BuildFactory func(paths buildsys.Paths, cfg cmake.Frozen) buildsys.BuildSystem

// Pipeline runs requests against a store.
type Pipeline struct {
	store     *store.Store
	acquirer  *repo.Acquirer
	resolver  *install.Resolver
	assembler *link.Assembler
	newBuild  BuildFactory
	timeout   time.Duration
	jobs      int
	logger    *log.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds every stage of a run. Zero means no bound beyond the
// caller's context.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithJobs sets how many repositories RunAll processes at once.
func WithJobs(n int) Option {
	return func(p *Pipeline) { p.jobs = n }
}

// WithLogger sets the logger for stage transitions.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithBuildFactory replaces the CMake build system.
func WithBuildFactory(f BuildFactory) Option {
	return func(p *Pipeline) { p.newBuild = f }
}

// CMakeFactory returns a BuildFactory creating CMake builds with opts.
func CMakeFactory(opts ...cmake.Option) BuildFactory {
	return func(paths buildsys.Paths, cfg cmake.Frozen) buildsys.BuildSystem {
		return cmake.New(paths, cfg, opts...)
	}
}

// New creates a Pipeline.
func New(st *store.Store, acq *repo.Acquirer, res *install.Resolver, asm *link.Assembler, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     st,
		acquirer:  acq,
		resolver:  res,
		assembler: asm,
		newBuild:  CMakeFactory(),
		jobs:      1,
		logger:    log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.jobs < 1 {
		p.jobs = 1
	}
	return p
}

// run tracks the state of one request.
type run struct {
	p   *Pipeline
	res *Result
	log *log.Logger
}

func (r *run) advance(to stage.State) {
	r.res.State = to
	r.log.Info(to.String())
}

func (r *run) fail(err error, kind error) *Result {
	r.res.Err = stage.Tag(err, kind, r.res.Spec.Name, r.res.State)
	r.res.State = stage.Errored
	r.log.Error("failed", "err", r.res.Err)
	return r.res
}

// stageCtx applies the per-stage timeout.
func (r *run) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.p.timeout > 0 {
		return context.WithTimeout(ctx, r.p.timeout)
	}
	return context.WithCancel(ctx)
}

// deadline tags err with kind and, if the stage context expired, adds
// ErrTimeout to its causes.
func (r *run) deadline(sctx context.Context, kind error, err error) error {
	if err == nil {
		return nil
	}
	err = stage.Wrap(kind, err)
	if errors.Is(sctx.Err(), context.DeadlineExceeded) && !errors.Is(err, stage.ErrTimeout) {
		var se *stage.Error
		if errors.As(err, &se) {
			se.Err = fmt.Errorf("%w after %s: %w", stage.ErrTimeout, r.p.timeout, se.Err)
		}
	}
	return err
}

// Run processes req to completion. It never returns nil.
func (p *Pipeline) Run(ctx context.Context, req Request) *Result {
	return p.run(ctx, req, nil)
}

func (p *Pipeline) run(ctx context.Context, req Request, uses []*Result) *Result {
	start := time.Now()
	r := &run{
		p:   p,
		res: &Result{Spec: req.Spec, State: stage.Uncloned},
		log: p.logger.With("repo", req.Spec.Name),
	}
	defer func() { r.res.Duration = time.Since(start) }()

	cfg := req.Config
	for _, dep := range uses {
		if dep.State != stage.Resolved {
			return r.fail(fmt.Errorf("uses %s, which failed", dep.Spec.Name), stage.ErrConfiguration)
		}
		cfg = cfg.WithPrefixPath(dep.Manifest.Prefix)
	}
	frozen, err := cfg.Finalize()
	if err != nil {
		return r.fail(err, stage.ErrConfiguration)
	}
	r.res.Config = frozen

	if err := r.install(ctx, req); err != nil {
		return r.fail(err, stage.ErrInstall)
	}
	if err := r.resolve(ctx, req); err != nil {
		return r.fail(err, stage.ErrResolution)
	}
	r.log.Debug("done", "took", time.Since(start).Round(time.Millisecond))
	return r.res
}

// install takes the run from Uncloned to Installed under the checkout lock.
func (r *run) install(ctx context.Context, req Request) error {
	p := r.p
	dir, err := p.acquirer.Dir(req.Spec)
	if err != nil {
		return stage.Wrap(stage.ErrAcquisition, err)
	}
	unlock, err := p.store.Lock(ctx, dir)
	if err != nil {
		return stage.Wrap(stage.ErrAcquisition, fmt.Errorf("lock %s: %w", dir, err))
	}
	defer unlock()

	sctx, cancel := r.stageCtx(ctx)
	co, err := p.acquirer.Acquire(sctx, req.Spec)
	err = r.deadline(sctx, stage.ErrAcquisition, err)
	cancel()
	if err != nil {
		return err
	}
	r.res.Checkout = co
	r.log.Debug("checkout", "action", co.Action, "commit", co.Commit)
	r.advance(stage.Cloned)

	frozen := r.res.Config
	key := install.Key{Commit: co.Commit, ConfigHash: frozen.Hash()}
	prefix, err := p.store.InstallDir(req.Spec.Key(), co.Commit, key.ConfigHash)
	if err != nil {
		return stage.Wrap(stage.ErrInstall, err)
	}
	if m, ok := p.resolver.Reuse(prefix, key); ok {
		r.res.Manifest = m
		r.res.Cached = true
		r.log.Info("cache hit, skipping configure, build and install", "prefix", prefix)
		r.advance(stage.Installed)
		return nil
	}
	if err := install.Invalidate(prefix); err != nil {
		return stage.Wrap(stage.ErrInstall, err)
	}

	buildDir, err := p.store.BuildDir(req.Spec.Key(), co.Commit, key.ConfigHash)
	if err != nil {
		return stage.Wrap(stage.ErrConfiguration, err)
	}
	bs := p.newBuild(buildsys.Paths{Source: co.Dir, Build: buildDir, Install: prefix}, frozen)

	steps := []struct {
		do   func(context.Context) error
		kind error
	}{
		{bs.Configure, stage.ErrConfiguration},
		{bs.Build, stage.ErrBuild},
	}
	for _, step := range steps {
		sctx, cancel := r.stageCtx(ctx)
		err := r.deadline(sctx, step.kind, step.do(sctx))
		cancel()
		if err != nil {
			return err
		}
		r.advance(r.res.State.Next())
		if r.res.State == stage.Configured {
			r.log.Debug("build configuration", "config", frozen.Summary(), "hash", frozen.Hash()[:12])
		}
	}

	sctx, cancel = r.stageCtx(ctx)
	m, err := p.resolver.Install(sctx, bs, key)
	err = r.deadline(sctx, stage.ErrInstall, err)
	cancel()
	if err != nil {
		return err
	}
	r.res.Manifest = m
	r.advance(stage.Installed)
	return nil
}

// resolve takes the run from Installed to Resolved.
func (r *run) resolve(ctx context.Context, req Request) error {
	reqs := req.Link
	if len(reqs) == 0 {
		reqs = AllLibraries(r.res.Manifest)
	}
	r.res.Link = reqs
	d, err := r.p.assembler.Descriptor(ctx, reqs, localDeps(reqs, req.Deps), r.res.Manifest)
	if err != nil {
		return err
	}
	r.res.Descriptor = d
	r.advance(stage.Resolved)
	return nil
}

// AllLibraries requests every library in m once, by name.
func AllLibraries(m *install.Manifest) []link.Request {
	var names []string
	for _, a := range slices.Concat(m.Static, m.Shared) {
		if !slices.Contains(names, a.Name) {
			names = append(names, a.Name)
		}
	}
	reqs := make([]link.Request, len(names))
	for i, n := range names {
		reqs[i] = link.Request{Name: n}
	}
	return reqs
}

// localDeps drops dependency edges that leave reqs. Such edges point into
// other repositories and are checked by Descriptor.
func localDeps(reqs []link.Request, deps map[string][]string) map[string][]string {
	if len(deps) == 0 {
		return nil
	}
	known := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		known[r.Name] = true
	}
	out := make(map[string][]string, len(deps))
	for name, ds := range deps {
		if !known[name] {
			continue
		}
		for _, d := range ds {
			if known[d] {
				out[name] = append(out[name], d)
			}
		}
	}
	return out
}
