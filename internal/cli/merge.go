package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/session"
	"github.com/mesh-intelligence/larder/pkg/types"
)

func newMergeCmd(flags *rootFlags) *cobra.Command {
	var (
		file string
		dry  bool
	)
	cmd := &cobra.Command{
		Use:   "merge -f <file|->",
		Short: "Merge a detached entity graph into the store",
		Long: "Merge an entity graph read as JSON, typically one printed by get and\n" +
			"edited since. Collections present in the input replace stored\n" +
			"membership; children dropped from an orphan_removal collection are\n" +
			"deleted. Collections absent from the input are left alone.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := readGraph(cmd, file)
			if err != nil {
				return err
			}
			if dry {
				return runMergeDry(cmd, flags, d)
			}
			return run(cmd.Context(), flags, func(_ *env, s *session.Session) error {
				managed, err := s.Merge(cmd.Context(), d)
				if err != nil {
					return err
				}
				pending, err := s.Pending(cmd.Context())
				if err != nil {
					return err
				}
				if err := s.Flush(cmd.Context()); err != nil {
					return err
				}
				if flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), mergeOutput{ID: managed.ID, Kind: managed.Kind, Version: managed.Version, Actions: pending})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %s %s (v%d): %s\n", managed.Kind, managed.ID, managed.Version, formatPending(pending))
				return nil
			})
		},
	}
	addFileFlag(cmd, &file)
	cmd.Flags().BoolVar(&dry, "dry-run", false, "report the storage actions without writing them")
	return cmd
}

type mergeOutput struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Version int64           `json:"version"`
	DryRun  bool            `json:"dry_run,omitempty"`
	Actions session.Pending `json:"actions"`
}

func runMergeDry(cmd *cobra.Command, flags *rootFlags, d *types.Entity) error {
	return dryRun(cmd.Context(), flags, func(_ *env, s *session.Session) error {
		managed, err := s.Merge(cmd.Context(), d)
		if err != nil {
			return err
		}
		pending, err := s.Pending(cmd.Context())
		if err != nil {
			return err
		}
		if flags.jsonMode {
			return writeJSON(cmd.OutOrStdout(), mergeOutput{ID: managed.ID, Kind: managed.Kind, Version: managed.Version, DryRun: true, Actions: pending})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Would merge %s %s: %s\n", managed.Kind, managed.ID, formatPending(pending))
		return nil
	})
}

func formatPending(p session.Pending) string {
	if p.Total() == 0 {
		return "no changes"
	}
	return fmt.Sprintf("%d unlinks, %d deletes, %d inserts, %d updates, %d links",
		p.Unlinks, p.Deletes, p.Inserts, p.Updates, p.Links)
}
