package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/turbolytics/cpemirror/internal"
	"github.com/turbolytics/cpemirror/internal/catalog"
	"github.com/turbolytics/cpemirror/internal/extract"
	"github.com/turbolytics/cpemirror/internal/fetch"
	"github.com/turbolytics/cpemirror/internal/health"
	"github.com/turbolytics/cpemirror/internal/integrations/kafka"
	"github.com/turbolytics/cpemirror/internal/integrations/mongo"
	"github.com/turbolytics/cpemirror/internal/integrations/postgres"
	"github.com/turbolytics/cpemirror/internal/local"
	"github.com/turbolytics/cpemirror/internal/preserver"
	"github.com/turbolytics/cpemirror/internal/s3"
	"github.com/turbolytics/cpemirror/pkg/feed"
	"github.com/turbolytics/cpemirror/pkg/ingest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Store is what the process needs from either database backend.
type Store interface {
	ingest.Store
	ingest.Lookup
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Publisher is what the process needs from a change event sink.
type Publisher interface {
	ingest.Publisher
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// App holds the wired components of a running process.
type App struct {
	Ingester  *ingest.Ingester
	Store     Store
	Publisher Publisher
	Checker   *health.Checker
}

// Close flushes the publisher and disconnects from the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close(ctx))
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close(ctx))
	}
	return errors.Join(errs...)
}

func NewLogger(cfg Logger) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func InitializeStore(ctx context.Context, cfg Database, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "mongo":
		s, err := mongo.NewStore(ctx, cfg.URL, cfg.Name,
			mongo.WithLogger(logger),
			mongo.WithCollection(cfg.Collection),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.NewStore(ctx, cfg.URL,
			postgres.WithLogger(logger),
			postgres.WithTable(cfg.Collection),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %q", cfg.Type)
	}
}

// InitializeRepository returns nil when archiving is disabled.
func InitializeRepository(cfg Repository, logger *zap.Logger) (internal.Repository, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "local":
		return local.New(cfg.Local.Path, local.WithLogger(logger)), nil
	case "s3":
		repo, err := s3.New(
			s3.WithBucket(cfg.S3.Bucket),
			s3.WithRegion(cfg.S3.Region),
			s3.WithPrefix(cfg.S3.Prefix),
			s3.WithEndpoint(cfg.S3.Endpoint),
			s3.WithForcePathStyle(cfg.S3.ForcePathStyle),
			s3.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported repository type: %q", cfg.Type)
	}
}

func InitializeHealth(c *CPEMirror, store Store, pub Publisher, logger *zap.Logger) *health.Checker {
	client := health.NewHTTPClient(logger)
	checker := health.New(health.WithLogger(logger.Named("health")))
	checker.Register(c.Database.Type, store.Ping)
	checker.Register(c.Ingest.Publisher, pub.Ping)
	if f, ok := c.Feed(feed.VariantXMLDictionary); ok {
		checker.Register("cpe_url", health.URLProbe(client, f.URL))
	}
	if c.Server.InternetCheckURL != "" {
		checker.Register("internet", health.URLProbe(client, c.Server.InternetCheckURL))
	}
	return checker
}

func InitializePublisher(c *CPEMirror, logger *zap.Logger, onDeliveryError func(error)) (Publisher, error) {
	switch c.Ingest.Publisher {
	case "stdout":
		return preserver.NewStdout(os.Stdout), nil
	case "kafka":
		pub, err := kafka.NewPublisher(
			kafka.Config{
				Brokers: c.Kafka.BootstrapServers,
				Topic:   c.Kafka.Topic,
				Extra:   c.Kafka.Config,
			},
			kafka.WithLogger(logger.Named("kafka")),
			kafka.WithQueueSize(c.Kafka.QueueSize),
			kafka.WithFlushInterval(c.Kafka.FlushInterval),
			kafka.WithDeliveryErrorHandler(onDeliveryError),
		)
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported publisher: %q", c.Ingest.Publisher)
	}
}

// InitializeApp connects to the store and the stream and wires the
// ingester around them.
func InitializeApp(ctx context.Context, c *CPEMirror, logger *zap.Logger) (*App, error) {
	loc, err := time.LoadLocation(c.Global.Timezone)
	if err != nil {
		return nil, err
	}

	store, err := InitializeStore(ctx, c.Database, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.Database.Type, err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close(ctx)
		return nil, fmt.Errorf("preparing %s schema: %w", c.Database.Type, err)
	}

	// delivery failures are reported back to the ingester once it exists
	var ing *ingest.Ingester
	pub, err := InitializePublisher(c, logger, func(err error) {
		if ing != nil {
			ing.ReportDeliveryError(err)
		}
	})
	if err != nil {
		store.Close(ctx)
		return nil, err
	}

	app := &App{Store: store, Publisher: pub}

	repo, err := InitializeRepository(c.Repository, logger.Named("repository"))
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	opts := []ingest.Option{
		ingest.WithFetcher(fetch.New(
			fetch.WithLogger(logger.Named("fetch")),
			fetch.WithInsecureSkipVerify(c.Ingest.Fetch.InsecureSkipVerify),
			fetch.WithPolicy(fetch.Policy{
				MaxAttempts:     c.Ingest.Fetch.MaxAttempts,
				InitialInterval: c.Ingest.Fetch.InitialInterval,
				MaxInterval:     c.Ingest.Fetch.MaxInterval,
				Multiplier:      fetch.DefaultPolicy().Multiplier,
			}),
		)),
		ingest.WithExtractor(extract.New(extract.WithLogger(logger.Named("extract")))),
		ingest.WithStore(store),
		ingest.WithPublisher(pub),
		ingest.WithWorkDir(c.Ingest.FilesBaseDir),
		ingest.WithBatchSize(c.Ingest.BatchSize),
		ingest.WithConcurrency(c.Ingest.Concurrency),
		ingest.WithEmitBatchSize(c.Ingest.EmitBatchSize),
		ingest.WithKeepFiles(c.Ingest.KeepFiles),
		ingest.WithLocation(loc),
		ingest.WithLogger(logger.Named("ingest")),
	}
	if repo != nil {
		opts = append(opts, ingest.WithArchiver(catalog.NewArchiver(repo, catalog.WithLogger(logger.Named("catalog")))))
	}
	for _, f := range c.Ingest.Feeds {
		variant, err := feed.ParseVariant(f.Variant)
		if err != nil {
			app.Close(ctx)
			return nil, err
		}
		opts = append(opts, ingest.WithSource(ingest.Source{
			Variant:     variant,
			URL:         f.URL,
			ArchiveName: f.ArchiveName,
		}))
	}

	ing, err = ingest.New(opts...)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.Ingester = ing
	app.Checker = InitializeHealth(c, store, pub, logger)
	return app, nil
}
