package cpe

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/turbolytics/cpemirror/internal/extract"
	"github.com/turbolytics/cpemirror/pkg/feed"
	"go.uber.org/zap"
)

func newScanCommand() *cobra.Command {
	var variant string
	var batchSize int
	var records bool

	var cmd = &cobra.Command{
		Use:   "scan <feed file>",
		Short: "Parses a local feed file or archive and reports what it contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewDevelopment()
			defer logger.Sync()
			l := logger.Named("cpemirror.scan")

			v, err := feed.ParseVariant(variant)
			if err != nil {
				return err
			}

			tmp, err := os.MkdirTemp("", "cpemirror-scan")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			path, err := extract.New(extract.WithLogger(l)).Extract(args[0], filepath.Join(tmp, "extracted"))
			if err != nil {
				return err
			}

			r, err := feed.Open(path, v,
				feed.WithBatchSize(batchSize),
				feed.WithLogger(l),
				feed.WithEntryErrorHandler(func(err error) {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}),
			)
			if err != nil {
				return err
			}
			defer r.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				batch, err := r.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if !records {
					continue
				}
				for _, rec := range batch {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
			}

			stats := r.Stats()
			l.Info("scan complete",
				zap.String("variant", string(v)),
				zap.Int64("entries", stats.Entries),
				zap.Int64("records", stats.Records),
				zap.Int64("skipped", stats.Skipped),
				zap.Int64("invalid", stats.Invalid),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&variant, "variant", string(feed.VariantXMLDictionary), "Feed variant of the file")
	cmd.Flags().IntVar(&batchSize, "batch-size", feed.DefaultBatchSize, "Records per batch")
	cmd.Flags().BoolVar(&records, "records", false, "Print every record as a json line")
	return cmd
}
