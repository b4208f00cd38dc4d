package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/turbolytics/cpemirror/pkg/feed"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "CPEMIRROR"

type Logger struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Global struct {
	Logger   Logger `yaml:"logger"`
	Timezone string `yaml:"timezone"`
}

type Database struct {
	// Type is mongo or postgres.
	Type       string `yaml:"type"`
	URL        string `yaml:"url"`
	Name       string `yaml:"name"`
	Collection string `yaml:"collection"`
}

type Kafka struct {
	BootstrapServers string            `yaml:"bootstrap_servers"`
	Topic            string            `yaml:"topic"`
	QueueSize        int               `yaml:"queue_size"`
	FlushInterval    time.Duration     `yaml:"flush_interval"`
	Config           map[string]string `yaml:"config"`
}

type Feed struct {
	Variant     string `yaml:"variant"`
	URL         string `yaml:"url"`
	ArchiveName string `yaml:"archive_name"`
}

type Fetch struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialInterval    time.Duration `yaml:"initial_interval"`
	MaxInterval        time.Duration `yaml:"max_interval"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

type Ingest struct {
	FilesBaseDir  string `yaml:"files_base_dir"`
	BatchSize     int    `yaml:"batch_size"`
	Concurrency   int    `yaml:"concurrency"`
	EmitBatchSize int    `yaml:"emit_batch_size"`
	KeepFiles     bool   `yaml:"keep_files"`
	// Publisher is kafka or stdout.
	Publisher     string `yaml:"publisher"`
	Fetch         Fetch  `yaml:"fetch"`
	Feeds         []Feed `yaml:"feeds"`
}

type Local struct {
	Path string `yaml:"path"`
}

type S3 struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// Repository configures where downloaded feeds are archived. An empty type
// disables archiving.
type Repository struct {
	Type  string `yaml:"type"`
	Local Local  `yaml:"local"`
	S3    S3     `yaml:"s3"`
}

type Server struct {
	Addr             string `yaml:"addr"`
	VersionFile      string `yaml:"version_file"`
	ReadmeFile       string `yaml:"readme_file"`
	InternetCheckURL string `yaml:"internet_check_url"`
}

type CPEMirror struct {
	Global     Global     `yaml:"global"`
	Database   Database   `yaml:"database"`
	Kafka      Kafka      `yaml:"kafka"`
	Ingest     Ingest     `yaml:"ingest"`
	Repository Repository `yaml:"repository"`
	Server     Server     `yaml:"server"`
}

func Default() *CPEMirror {
	return &CPEMirror{
		Global: Global{
			Logger:   Logger{Level: "info"},
			Timezone: "UTC",
		},
		Database: Database{
			Type:       "mongo",
			URL:        "mongodb://localhost:27017",
			Name:       "cpemirror",
			Collection: "cpe",
		},
		Kafka: Kafka{
			BootstrapServers: "localhost:9092",
			Topic:            "cpe",
			QueueSize:        10000,
			FlushInterval:    time.Second,
		},
		Ingest: Ingest{
			FilesBaseDir:  "data",
			BatchSize:     feed.DefaultBatchSize,
			Concurrency:   10,
			EmitBatchSize: 100,
			Publisher:     "kafka",
			Fetch: Fetch{
				MaxAttempts:        5,
				InitialInterval:    4 * time.Second,
				MaxInterval:        10 * time.Second,
				InsecureSkipVerify: true,
			},
			Feeds: []Feed{
				{
					Variant:     string(feed.VariantXMLDictionary),
					URL:         "https://nvd.nist.gov/feeds/xml/cpe/dictionary/official-cpe-dictionary_v2.3.xml.zip",
					ArchiveName: "official-cpe-dictionary_v2.3.xml.zip",
				},
				{
					Variant:     string(feed.VariantJSONMatches),
					URL:         "https://nvd.nist.gov/feeds/json/cpematch/1.0/nvdcpematch-1.0.json.zip",
					ArchiveName: "nvdcpematch-1.0.json.zip",
				},
				{
					Variant:     string(feed.VariantJSONCVE),
					URL:         "https://nvd.nist.gov/feeds/json/cve/1.1/nvdcve-1.1-recent.json.zip",
					ArchiveName: "nvdcve-1.1-recent.json.zip",
				},
			},
		},
		Server: Server{
			Addr:             ":8080",
			VersionFile:      "version.txt",
			ReadmeFile:       "README.md",
			InternetCheckURL: "https://www.google.com",
		},
	}
}

// NewCPEMirrorFromFile reads a yaml file over the defaults.
func NewCPEMirrorFromFile(fpath string) (*CPEMirror, error) {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}

	c := Default()
	if err := yaml.Unmarshal(bs, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Load builds the configuration from defaults, the optional file at fpath
// and finally the environment and any flags bound to v.
func Load(fpath string, v *viper.Viper) (*CPEMirror, error) {
	c := Default()
	if fpath != "" {
		var err error
		if c, err = NewCPEMirrorFromFile(fpath); err != nil {
			return nil, err
		}
	}
	if v == nil {
		v = viper.New()
	}
	c.applyOverrides(v)
	return c, c.Validate()
}

// env names kept from the original deployment; every other key is read from
// CPEMIRROR_<KEY> with dots replaced by underscores.
var legacyEnv = map[string]string{
	"database.url":             "DATABASE_URL",
	"database.name":            "DATABASE_NAME",
	"kafka.bootstrap_servers":  "KAFKA_BOOTSTRAP_SERVER",
	"kafka.topic":              "KAFKA_TOPIC",
	"ingest.files_base_dir":    "FILES_BASE_DIR",
	"feeds.xml_dictionary.url": "CPE_V23_URL",
}

func (c *CPEMirror) applyOverrides(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	setString("global.logger.level", &c.Global.Logger.Level)
	setBool("global.logger.development", &c.Global.Logger.Development)
	setString("global.timezone", &c.Global.Timezone)

	setString("database.type", &c.Database.Type)
	setString("database.url", &c.Database.URL)
	setString("database.name", &c.Database.Name)
	setString("database.collection", &c.Database.Collection)

	setString("kafka.bootstrap_servers", &c.Kafka.BootstrapServers)
	setString("kafka.topic", &c.Kafka.Topic)
	setInt("kafka.queue_size", &c.Kafka.QueueSize)
	setDuration("kafka.flush_interval", &c.Kafka.FlushInterval)

	setString("ingest.files_base_dir", &c.Ingest.FilesBaseDir)
	setInt("ingest.batch_size", &c.Ingest.BatchSize)
	setInt("ingest.concurrency", &c.Ingest.Concurrency)
	setInt("ingest.emit_batch_size", &c.Ingest.EmitBatchSize)
	setBool("ingest.keep_files", &c.Ingest.KeepFiles)
	setString("ingest.publisher", &c.Ingest.Publisher)
	setInt("ingest.fetch.max_attempts", &c.Ingest.Fetch.MaxAttempts)
	setDuration("ingest.fetch.initial_interval", &c.Ingest.Fetch.InitialInterval)
	setDuration("ingest.fetch.max_interval", &c.Ingest.Fetch.MaxInterval)
	setBool("ingest.fetch.insecure_skip_verify", &c.Ingest.Fetch.InsecureSkipVerify)

	for i := range c.Ingest.Feeds {
		key := "feeds." + strings.ReplaceAll(c.Ingest.Feeds[i].Variant, "-", "_") + ".url"
		setString(key, &c.Ingest.Feeds[i].URL)
	}

	setString("repository.type", &c.Repository.Type)
	setString("repository.local.path", &c.Repository.Local.Path)
	setString("repository.s3.bucket", &c.Repository.S3.Bucket)
	setString("repository.s3.region", &c.Repository.S3.Region)
	setString("repository.s3.prefix", &c.Repository.S3.Prefix)
	setString("repository.s3.endpoint", &c.Repository.S3.Endpoint)
	setBool("repository.s3.force_path_style", &c.Repository.S3.ForcePathStyle)

	setString("server.addr", &c.Server.Addr)
	setString("server.version_file", &c.Server.VersionFile)
	setString("server.readme_file", &c.Server.ReadmeFile)
	setString("server.internet_check_url", &c.Server.InternetCheckURL)
}

func (c *CPEMirror) Validate() error {
	switch c.Database.Type {
	case "mongo", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %q", c.Database.Type)
	}
	switch c.Repository.Type {
	case "", "local", "s3":
	default:
		return fmt.Errorf("unsupported repository type: %q", c.Repository.Type)
	}
	switch c.Ingest.Publisher {
	case "kafka", "stdout":
	default:
		return fmt.Errorf("unsupported publisher: %q", c.Ingest.Publisher)
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic must be specified")
	}
	if len(c.Ingest.Feeds) == 0 {
		return fmt.Errorf("at least one feed must be configured")
	}
	for _, f := range c.Ingest.Feeds {
		if _, err := feed.ParseVariant(f.Variant); err != nil {
			return err
		}
		if f.URL == "" {
			return fmt.Errorf("feed %s has no url", f.Variant)
		}
	}
	if _, err := time.LoadLocation(c.Global.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Global.Timezone, err)
	}
	return nil
}

// Feed returns the configuration of variant.
func (c *CPEMirror) Feed(variant feed.Variant) (Feed, bool) {
	for _, f := range c.Ingest.Feeds {
		if f.Variant == string(variant) {
			return f, true
		}
	}
	return Feed{}, false
}
