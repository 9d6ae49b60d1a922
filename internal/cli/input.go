package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// addFileFlag registers the -f flag naming a JSON graph file, or - for
// stdin.
func addFileFlag(cmd *cobra.Command, file *string) {
	cmd.Flags().StringVarP(file, "file", "f", "", "JSON entity graph to read, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
}

// readGraph decodes one detached entity graph.
func readGraph(cmd *cobra.Command, file string) (*types.Entity, error) {
	var r io.Reader
	if file == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var e types.Entity
	dec := json.NewDecoder(r)
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", errUsage, file, err)
	}
	return &e, nil
}
