package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func newKindsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List configured entity kinds and their relationships",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadSettings(flags)
			if err != nil {
				return err
			}
			mm, err := st.metamodel()
			if err != nil {
				return err
			}

			mappings := make([]types.Mapping, 0, len(mm.Kinds()))
			for _, kind := range mm.Kinds() {
				m, _ := mm.Lookup(kind)
				mappings = append(mappings, m)
			}

			out := cmd.OutOrStdout()
			if flags.jsonMode {
				return writeJSON(out, mappings)
			}
			for _, m := range mappings {
				fmt.Fprintln(out, m.Kind)
				for _, r := range m.Relationships {
					fmt.Fprintf(out, "  %s -> %s cascade=%t orphan_removal=%t fetch=%s\n",
						r.Name, r.Target, r.CascadeOnSave, r.OrphanRemoval, r.EffectiveFetch())
				}
			}
			return nil
		},
	}
}
