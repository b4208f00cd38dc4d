package ingest

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/turbolytics/cpemirror/internal/config"
	"go.uber.org/zap"
)

func NewCommand(v *viper.Viper) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "ingest",
		Short: "Runs and serves CPE feed ingestion",
	}

	cmd.PersistentFlags().String("database-type", "", "Store backend: mongo or postgres")
	cmd.PersistentFlags().String("database-url", "", "Store connection string")
	cmd.PersistentFlags().String("kafka", "", "Kafka bootstrap servers")
	cmd.PersistentFlags().String("topic", "", "Kafka topic change events are published to")
	cmd.PersistentFlags().String("files-base-dir", "", "Directory feeds are downloaded and extracted into")
	cmd.PersistentFlags().Bool("keep-files", false, "Keep downloaded and extracted files after a run")
	v.BindPFlag("database.type", cmd.PersistentFlags().Lookup("database-type"))
	v.BindPFlag("database.url", cmd.PersistentFlags().Lookup("database-url"))
	v.BindPFlag("kafka.bootstrap_servers", cmd.PersistentFlags().Lookup("kafka"))
	v.BindPFlag("kafka.topic", cmd.PersistentFlags().Lookup("topic"))
	v.BindPFlag("ingest.files_base_dir", cmd.PersistentFlags().Lookup("files-base-dir"))
	v.BindPFlag("ingest.keep_files", cmd.PersistentFlags().Lookup("keep-files"))

	cmd.AddCommand(newRunCommand(v))
	cmd.AddCommand(newServeCommand(v))
	return cmd
}

func load(v *viper.Viper) (*config.CPEMirror, *zap.Logger, error) {
	c, err := config.Load(v.GetString("config"), v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(c.Global.Logger)
	if err != nil {
		return nil, nil, err
	}
	return c, logger.Named("cpemirror"), nil
}
