// Package cli implements the larder command-line interface.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values shared by all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	verbose   bool
}

// NewRootCmd creates the top-level "larder" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "larder",
		Short: "Merge detached entity graphs into a local store",
		Long: "Larder keeps entity graphs in SQLite backed by JSONL files. Graphs edited\n" +
			"outside a session are merged back, and children dropped from an\n" +
			"orphan-removal collection are deleted.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default: ./.larder-db)")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output in JSON format")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(flags),
		newKindsCmd(flags),
		newGetCmd(flags),
		newListCmd(flags),
		newSaveCmd(flags),
		newMergeCmd(flags),
		newDeleteCmd(flags),
	)
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode maps errors caused by input to exitUserError and everything else
// to exitSysError.
func exitCode(err error) int {
	for _, target := range []error{
		types.ErrEntityNotFound,
		types.ErrStaleState,
		types.ErrConstraintViolation,
		types.ErrUnknownKind,
		types.ErrUnknownRelationship,
		types.ErrInvalidEntity,
		types.ErrTransientEntity,
		errUsage,
	} {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	return exitSysError
}

var errUsage = errors.New("usage")
