package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/goplus/nativebind/internal/config"
	"github.com/goplus/nativebind/internal/link"
	"github.com/goplus/nativebind/internal/pipeline"
)

var (
	buildRepos      []string
	buildJSON       bool
	buildOutput     string
	buildCopyShared string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the repositories of a project and print link flags",
	Long: `Build acquires, configures, builds and installs every repository of the
project file, then prints the compiler and linker flags for the requested
libraries. Unchanged repositories are served from the cache.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringSliceVar(&buildRepos, "repo", nil, "build only these repositories and the ones they use")
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "print the link descriptor as JSON")
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "export the install prefixes (directory, .zip or .tar.xz)")
	buildCmd.Flags().StringVar(&buildCopyShared, "copy-shared", "", "copy local shared libraries into this directory")
	rootCmd.AddCommand(buildCmd)
}

// outcome is a successful build of a project.
type outcome struct {
	project    *config.Project
	results    []*pipeline.Result
	descriptor *link.Descriptor
}

// build runs the pipeline over the project file.
func (a *app) build(ctx context.Context, only []string) (*outcome, error) {
	p, err := config.LoadProject(projectFile)
	if err != nil {
		return nil, err
	}
	reqs, err := requests(p, a.baseConfig(), only)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	results := a.pipeline.RunAll(ctx, reqs)
	if err := pipeline.Errors(results); err != nil {
		return nil, err
	}
	d, err := a.pipeline.Descriptor(ctx, reqs, results)
	if err != nil {
		return nil, err
	}
	a.logger.Info("done", "repositories", len(results), "targets", len(d.Targets),
		"took", time.Since(start).Round(time.Millisecond))
	return &outcome{project: p, results: results, descriptor: d}, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	// Resolve output paths before the build.
	if buildOutput != "" {
		if buildOutput, err = filepath.Abs(buildOutput); err != nil {
			return fmt.Errorf("failed to resolve output path: %w", err)
		}
	}

	out, err := a.build(cmd.Context(), buildRepos)
	if err != nil {
		return err
	}

	if buildOutput != "" {
		dirs := make(map[string]string, len(out.results))
		for _, r := range out.results {
			dirs[r.Spec.Name] = r.Manifest.Prefix
		}
		if err := outputResult(dirs, buildOutput); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		a.logger.Info("exported", "to", buildOutput)
	}
	if buildCopyShared != "" {
		copied, err := out.descriptor.CopyShared(buildCopyShared)
		if err != nil {
			return fmt.Errorf("failed to copy shared libraries: %w", err)
		}
		a.logger.Info("copied shared libraries", "dir", buildCopyShared, "files", len(copied))
	}

	w := cmd.OutOrStdout()
	if buildJSON {
		return writeJSON(w, out)
	}
	writeText(w, out)
	return nil
}

// repoReport summarizes one repository in JSON output.
type repoReport struct {
	Name     string `json:"name"`
	Revision string `json:"revision"`
	Commit   string `json:"commit"`
	Prefix   string `json:"prefix"`
	Cached   bool   `json:"cached"`
	Config   string `json:"config"`
	Duration string `json:"duration"`
}

type buildReport struct {
	Repositories []repoReport     `json:"repositories"`
	Descriptor   *link.Descriptor `json:"descriptor"`
	CFlags       []string         `json:"cflags"`
	LDFlags      []string         `json:"ldflags"`
}

func newBuildReport(out *outcome) buildReport {
	r := buildReport{
		Descriptor: out.descriptor,
		CFlags:     out.descriptor.CFlags(),
		LDFlags:    out.descriptor.LDFlags(),
	}
	for _, res := range out.results {
		r.Repositories = append(r.Repositories, repoReport{
			Name:     res.Spec.Name,
			Revision: res.Spec.Revision,
			Commit:   res.Checkout.Commit,
			Prefix:   res.Manifest.Prefix,
			Cached:   res.Cached,
			Config:   res.Config.Hash(),
			Duration: res.Duration.Round(time.Millisecond).String(),
		})
	}
	return r
}

func writeJSON(w io.Writer, out *outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newBuildReport(out))
}

func writeText(w io.Writer, out *outcome) {
	for _, res := range out.results {
		state := "built"
		if res.Cached {
			state = "cached"
		}
		fmt.Fprintf(w, "# %s %s (%s) %s\n", res.Spec, shortHash(res.Checkout.Commit), state, res.Manifest.Prefix)
	}
	d := out.descriptor
	for _, t := range d.Targets {
		fmt.Fprintf(w, "# %s\n", t)
	}
	fmt.Fprintf(w, "CFLAGS=%s\n", strings.Join(d.CFlags(), " "))
	fmt.Fprintf(w, "LDFLAGS=%s\n", strings.Join(d.LDFlags(), " "))
}

func shortHash(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
