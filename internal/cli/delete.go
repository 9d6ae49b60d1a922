package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/session"
)

func newDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity",
		Long: "Delete an entity together with its children under orphan_removal\n" +
			"relationships, and unlink it from its owners.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, func(_ *env, s *session.Session) error {
				e, err := s.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := s.Delete(cmd.Context(), e); err != nil {
					return err
				}
				pending, err := s.Pending(cmd.Context())
				if err != nil {
					return err
				}
				if flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), mergeOutput{ID: e.ID, Kind: e.Kind, Version: e.Version, Actions: pending})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s: %s\n", e.Kind, e.ID, formatPending(pending))
				return nil
			})
		},
	}
}
