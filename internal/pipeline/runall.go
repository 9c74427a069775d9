package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/goplus/nativebind/internal/install"
	"github.com/goplus/nativebind/internal/link"
	"github.com/goplus/nativebind/internal/par"
	"github.com/goplus/nativebind/internal/stage"
)

// RunAll processes reqs with at most Jobs runs at a time. A request starts
// only after every request it uses has finished. Results are returned in
// the order of reqs.
func (p *Pipeline) RunAll(ctx context.Context, reqs []Request) []*Result {
	results := make([]*Result, len(reqs))
	index := make(map[string]int, len(reqs))
	var (
		mu   sync.Mutex
		work par.Work[string]
	)

	for i, req := range reqs {
		name := req.Spec.Name
		if _, dup := index[name]; dup || name == "" {
			results[i] = failed(req, stage.Errorf(stage.ErrConfiguration, "repository %q listed twice or unnamed", name))
			continue
		}
		index[name] = i
	}
	for name, i := range index {
		work.Add(name, reqs[i].Uses...)
	}

	work.Do(p.jobs, func(name string) {
		i := index[name]
		mu.Lock()
		var uses []*Result
		for _, u := range reqs[i].Uses {
			uses = append(uses, results[index[u]])
		}
		mu.Unlock()

		res := p.run(ctx, reqs[i], uses)

		mu.Lock()
		results[i] = res
		mu.Unlock()
	})

	blocked := work.Blocked()
	sort.Strings(blocked)
	for _, name := range blocked {
		i := index[name]
		var missing []string
		for _, u := range reqs[i].Uses {
			if _, ok := index[u]; !ok || slices.Contains(blocked, u) {
				missing = append(missing, u)
			}
		}
		results[i] = failed(reqs[i], stage.Errorf(stage.ErrConfiguration,
			"uses %s, which cannot be built first (unknown or cyclic)", strings.Join(missing, ", ")))
	}
	return results
}

func failed(req Request, err error) *Result {
	return &Result{
		Spec:  req.Spec,
		State: stage.Errored,
		Err:   stage.Tag(err, stage.ErrConfiguration, req.Spec.Name, stage.Uncloned),
	}
}

// Errors joins the errors of failed results.
func Errors(results []*Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// Descriptor assembles one descriptor over all results: the link requests
// of every repository, resolved against every manifest. Targets of a
// repository are ordered before the targets of the repositories it uses.
func (p *Pipeline) Descriptor(ctx context.Context, reqs []Request, results []*Result) (*link.Descriptor, error) {
	if len(reqs) != len(results) {
		return nil, fmt.Errorf("pipeline: %d requests, %d results", len(reqs), len(results))
	}
	if err := Errors(results); err != nil {
		return nil, err
	}

	var (
		all       []link.Request
		manifests []*install.Manifest
	)
	deps := make(map[string][]string)
	byRepo := make(map[string][]link.Request, len(results))
	for _, res := range results {
		manifests = append(manifests, res.Manifest)
		all = append(all, res.Link...)
		byRepo[res.Spec.Name] = res.Link
	}
	for i, req := range reqs {
		for name, ds := range req.Deps {
			deps[name] = appendNew(deps[name], ds...)
		}
		for _, u := range req.Uses {
			for _, from := range results[i].Link {
				if from.Origin != link.Local {
					continue
				}
				for _, to := range byRepo[u] {
					if to.Origin == link.Local {
						deps[from.Name] = appendNew(deps[from.Name], to.Name)
					}
				}
			}
		}
	}
	return p.assembler.Descriptor(ctx, all, deps, manifests...)
}

func appendNew(list []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(list, it) {
			list = append(list, it)
		}
	}
	return list
}
