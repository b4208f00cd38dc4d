package ingest

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/turbolytics/cpemirror/internal/config"
	"github.com/turbolytics/cpemirror/internal/server"
	"go.uber.org/zap"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	var updateOnStart bool

	var cmd = &cobra.Command{
		Use:   "serve",
		Short: "Serves the http api that triggers and reports on ingestion runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, l, err := load(v)
			if err != nil {
				return err
			}
			defer l.Sync()

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

			s := server.New(
				server.WithLogger(l.Named("server")),
				server.WithRunner(app.Ingester),
				server.WithLookup(app.Store),
				server.WithChecker(app.Checker),
				server.WithVersionFile(c.Server.VersionFile),
				server.WithReadmeFile(c.Server.ReadmeFile),
			)

			if updateOnStart {
				for _, variant := range app.Ingester.Variants() {
					done, err := app.Ingester.Start(cmd.Context(), variant)
					if err != nil {
						return err
					}
					go func() {
						if err := <-done; err != nil {
							l.Error("startup update failed", zap.Error(err))
						}
					}()
				}
			}

			return s.Start(cmd.Context(), c.Server.Addr)
		},
	}

	cmd.Flags().String("addr", "", "Address the http server listens on")
	cmd.Flags().BoolVar(&updateOnStart, "update-on-start", false, "Start an ingestion of every configured variant on startup")
	v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}
