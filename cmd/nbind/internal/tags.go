package internal

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goplus/nativebind/internal/config"
	"github.com/goplus/nativebind/internal/vcs"
)

var tagsLatest bool

var tagsCmd = &cobra.Command{
	Use:   "tags repository",
	Short: "List the release tags of a repository",
	Long: `Tags lists the tags of a repository's remote, newest version first, to
help pick a revision for the project file. With --latest it prints the
commit the remote's HEAD points to instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runTags,
}

func init() {
	tagsCmd.Flags().BoolVar(&tagsLatest, "latest", false, "print the commit of the remote HEAD")
	rootCmd.AddCommand(tagsCmd)
}

func runTags(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	p, err := config.LoadProject(projectFile)
	if err != nil {
		return err
	}
	r, ok := p.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown repository %q", args[0])
	}

	w := cmd.OutOrStdout()
	if tagsLatest {
		hash, err := a.vcs.Latest(cmd.Context(), r.URL)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, hash)
		return nil
	}
	tags, err := a.vcs.Tags(cmd.Context(), r.URL)
	if err != nil {
		return err
	}
	vcs.SortTags(tags)
	for _, tag := range tags {
		fmt.Fprintln(w, tag)
	}
	return nil
}
