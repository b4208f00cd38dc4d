package cpe

import (
	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "cpe",
		Short: "Offline tools for CPE names and feed files",
	}
	cmd.AddCommand(newParseCommand())
	cmd.AddCommand(newScanCommand())
	return cmd
}
