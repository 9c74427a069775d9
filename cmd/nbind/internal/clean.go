package internal

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/goplus/nativebind/internal/config"
	"github.com/goplus/nativebind/internal/store"
)

var cleanAll bool

var cleanCmd = &cobra.Command{
	Use:   "clean [repository...]",
	Short: "Remove cached builds and installs",
	Long: `Clean removes the build and install directories of the named repositories,
or of every repository in the project file. With --all the checkouts are
removed too.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "also remove source checkouts")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	p, err := config.LoadProject(projectFile)
	if err != nil {
		return err
	}
	names := args
	if len(names) == 0 {
		for _, r := range p.Repositories {
			names = append(names, r.Name)
		}
	}
	for _, name := range names {
		r, ok := p.Lookup(name)
		if !ok {
			return fmt.Errorf("unknown repository %q", name)
		}
		n, err := a.clean(cmd, r.Spec.Key())
		if err != nil {
			return fmt.Errorf("clean %s: %w", name, err)
		}
		a.logger.Info("cleaned", "repo", name, "removed", n)
	}
	return nil
}

// clean removes the variants of k and, with --all, its checkout. It holds
// the checkout lock so no run of k is in progress.
func (a *app) clean(cmd *cobra.Command, k store.Key) (int, error) {
	src, err := a.store.SourceDir(k)
	if err != nil {
		return 0, err
	}
	unlock, err := a.store.Lock(cmd.Context(), src)
	if err != nil {
		return 0, err
	}
	defer unlock()

	dirs, err := a.store.Variants(k)
	if err != nil {
		return 0, err
	}
	if cleanAll {
		if err := store.RemoveStamp(src); err != nil {
			return 0, err
		}
		dirs = append(dirs, src)
	}
	n := 0
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return n, err
		}
		a.logger.Debug("removed", "dir", dir)
		n++
	}
	return n, nil
}
