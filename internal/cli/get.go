package cli

import (
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/session"
	"github.com/mesh-intelligence/larder/pkg/types"
)

func newGetCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print an entity and its owned graph",
		Long: "Print an entity with every collection loaded. The JSON form can be\n" +
			"edited and passed back to merge.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, func(_ *env, s *session.Session) error {
				e, err := s.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := resolveGraph(e, make(map[*types.Entity]bool)); err != nil {
					return err
				}
				if flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), e)
				}
				return writeEntity(cmd.OutOrStdout(), e)
			})
		},
	}
}
