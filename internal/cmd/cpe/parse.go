package cpe

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/turbolytics/cpemirror/pkg/cpe"
)

func newParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <identifier>...",
		Short: "Normalizes CPE identifiers (2.3 formatted strings or 2.2 URIs) and prints the records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			var failed int
			for _, id := range args {
				rec, err := cpe.Normalize(id)
				if err != nil {
					failed++
					fmt.Fprintln(cmd.ErrOrStderr(), err)
					continue
				}
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d identifiers could not be parsed", failed, len(args))
			}
			return nil
		},
	}
}
