package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/turbolytics/cpemirror/internal/cmd/cpe"
	"github.com/turbolytics/cpemirror/internal/cmd/ingest"
)

func NewRootCommand() *cobra.Command {
	v := viper.New()

	var cmd = &cobra.Command{
		Use:   "cpemirror",
		Short: "Mirrors the NVD CPE dictionary into a lookup store and a change stream",
		Long: `cpemirror downloads the NVD CPE feeds, normalizes every entry to its
canonical CPE 2.3 name, upserts the records into MongoDB or PostgreSQL and
publishes a change event for every created or updated record to Kafka.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to a cpemirror yaml config file")
	v.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.AddCommand(ingest.NewCommand(v))
	cmd.AddCommand(cpe.NewCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		stop()
		os.Exit(1)
	}
}
