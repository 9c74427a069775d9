package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/goplus/nativebind/internal/config"
	"github.com/goplus/nativebind/internal/stage"
)

var (
	cfgFile     string
	projectFile string
)

var rootCmd = &cobra.Command{
	Use:   "nbind",
	Short: "nbind builds native libraries for Go bindings",
	Long: `nbind fetches native CMake projects at pinned revisions, builds and
installs them into a private cache and reports how to link against them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "settings file (default is <user config dir>/nativebind/config.yaml)")
	flags.StringVarP(&projectFile, "file", "f", config.ProjectFile, "project file")
	flags.BoolP("verbose", "v", false, "stream tool output and log debug messages")
	flags.DurationP("timeout", "t", 0, "bound every stage of a repository (0 means no bound)")
	flags.IntP("jobs", "j", 0, "repositories to process at once (default: number of CPUs)")
	flags.String("cache-dir", "", "cache root for checkouts, builds and installs")
	flags.String("generator", "", "default CMake generator")
	flags.String("build-type", "", "default CMake build type")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// An interrupt cancels running tools.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		report(err)
		os.Exit(1)
	}
}

// report prints err and, for stage errors, the captured tool output.
func report(err error) {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "nbind"})
	for _, e := range unjoin(err) {
		var se *stage.Error
		if !errors.As(e, &se) {
			logger.Error(e)
			continue
		}
		logger.Error(se.Kind, "repo", se.Repo, "stage", se.Stage, "err", se.Err)
		if se.Tail != "" {
			fmt.Fprintln(os.Stderr, strings.TrimRight(se.Tail, "\n"))
		}
	}
}

func unjoin(err error) []error {
	var se *stage.Error
	if errors.As(err, &se) && error(se) == err {
		return []error{err}
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
