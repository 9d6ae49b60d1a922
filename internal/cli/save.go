package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/session"
)

func newSaveCmd(flags *rootFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "save -f <file|->",
		Short: "Insert a new entity graph",
		Long: "Insert an entity graph read as JSON. Entities without an id are given\n" +
			"one; children are saved through relationships with cascade_on_save.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := readGraph(cmd, file)
			if err != nil {
				return err
			}
			return run(cmd.Context(), flags, func(_ *env, s *session.Session) error {
				if err := s.Save(cmd.Context(), e); err != nil {
					return err
				}
				if err := s.Flush(cmd.Context()); err != nil {
					return err
				}
				if flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), e)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s %s\n", e.Kind, e.ID)
				return nil
			})
		},
	}
	addFileFlag(cmd, &file)
	return cmd
}
