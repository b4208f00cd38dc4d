package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/turbolytics/cpemirror/internal/config"
	"github.com/turbolytics/cpemirror/pkg/feed"
	"go.uber.org/zap"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	var variants []string

	var cmd = &cobra.Command{
		Use:   "run",
		Short: "Runs a single ingestion of one or more feed variants and exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, l, err := load(v)
			if err != nil {
				return err
			}
			defer l.Sync()

			selected := make([]feed.Variant, 0, len(variants))
			for _, s := range variants {
				variant, err := feed.ParseVariant(s)
				if err != nil {
					return err
				}
				selected = append(selected, variant)
			}

			app, err := config.InitializeApp(cmd.Context(), c, l)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := app.Close(ctx); err != nil {
					l.Error("closing", zap.Error(err))
				}
			}()

			if len(selected) == 0 {
				selected = app.Ingester.Variants()
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for _, variant := range selected {
				runErr := app.Ingester.Run(cmd.Context(), variant)
				enc.Encode(app.Ingester.Stats())
				if runErr != nil {
					return fmt.Errorf("ingesting %s: %w", variant, runErr)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&variants, "variant", "v", nil, "Feed variants to ingest (default: every configured variant)")
	return cmd
}
