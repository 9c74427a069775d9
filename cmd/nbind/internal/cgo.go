package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	cgoOutput     string
	cgoPackage    string
	cgoTags       []string
	cgoRepos      []string
	cgoCopyShared bool
)

var cgoCmd = &cobra.Command{
	Use:   "cgo",
	Short: "Build a project and write its cgo directives to a Go file",
	Long: `Cgo builds the project like "nbind build" and renders the link descriptor
as a Go file holding #cgo CFLAGS and LDFLAGS directives. Flags override the
cgo section of the project file.`,
	Args: cobra.NoArgs,
	RunE: runCgo,
}

func init() {
	cgoCmd.Flags().StringVarP(&cgoOutput, "output", "o", "", "Go file to write (default: the project's cgo.output, or stdout)")
	cgoCmd.Flags().StringVar(&cgoPackage, "package", "", "package clause of the generated file")
	cgoCmd.Flags().StringSliceVar(&cgoTags, "tags", nil, "build constraint terms, joined with &&")
	cgoCmd.Flags().StringSliceVar(&cgoRepos, "repo", nil, "only these repositories and the ones they use")
	cgoCmd.Flags().BoolVar(&cgoCopyShared, "copy-shared", false, "copy local shared libraries next to the output")
	rootCmd.AddCommand(cgoCmd)
}

func runCgo(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	out, err := a.build(cmd.Context(), cgoRepos)
	if err != nil {
		return err
	}

	opts := out.project.Cgo
	if cmd.Flags().Changed("output") {
		opts.Output = cgoOutput
	}
	if cmd.Flags().Changed("package") {
		opts.Package = cgoPackage
	}
	if cmd.Flags().Changed("tags") {
		opts.Tags = cgoTags
	}
	if cmd.Flags().Changed("copy-shared") {
		opts.CopyShared = cgoCopyShared
	}
	if opts.Package == "" {
		return fmt.Errorf("no package name: set cgo.package in %s or pass --package", projectFile)
	}

	src, err := out.descriptor.Cgo(opts.Package, opts.Tags...)
	if err != nil {
		return err
	}
	if opts.Output == "" {
		_, err := cmd.OutOrStdout().Write(src)
		return err
	}
	if err := os.WriteFile(opts.Output, src, 0o644); err != nil {
		return err
	}
	a.logger.Info("wrote", "file", opts.Output)

	if opts.CopyShared {
		dir := filepath.Dir(opts.Output)
		copied, err := out.descriptor.CopyShared(dir)
		if err != nil {
			return fmt.Errorf("failed to copy shared libraries: %w", err)
		}
		a.logger.Info("copied shared libraries", "dir", dir, "files", len(copied))
	}
	return nil
}
