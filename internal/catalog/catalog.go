package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/turbolytics/cpemirror/internal"
	"github.com/turbolytics/cpemirror/pkg/ingest"
	"go.uber.org/zap"
)

/*
The catalog is a record of what has been processed.
The catalog is a primitive for verifying, inventorying and auditing
data operations.
*/

const FileName = "catalog.json"

// Catalog represents the catalog of a single ingestion run
type Catalog struct {
	RunID               string    `json:"run_id"`
	Variant             string    `json:"variant"`
	Source              string    `json:"source"`
	Archive             string    `json:"archive"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	NumSourceRecords    int64     `json:"num_source_records"`
	NumRecordsProcessed int64     `json:"num_records_processed"`
	NumSkipped          int64     `json:"num_skipped"`
	NumInvalid          int64     `json:"num_invalid"`
	Inserted            int64     `json:"inserted"`
	Updated             int64     `json:"updated"`
	Errors              int64     `json:"errors"`
	Completed           bool      `json:"completed"`
	Error               string    `json:"error,omitempty"`
}

func New(run ingest.RunSummary, archive string) Catalog {
	c := Catalog{
		RunID:               run.ID,
		Variant:             string(run.Variant),
		Source:              run.Source,
		Archive:             archive,
		StartTime:           run.StartedAt,
		EndTime:             run.EndedAt,
		NumSourceRecords:    run.Feed.Entries,
		NumRecordsProcessed: run.Feed.Records,
		NumSkipped:          run.Feed.Skipped,
		NumInvalid:          run.Feed.Invalid,
		Inserted:            run.Inserted,
		Updated:             run.Updated,
		Errors:              run.Errors,
		Completed:           run.Err == nil,
	}
	if run.Err != nil {
		c.Error = run.Err.Error()
	}
	return c
}

type Option func(*Archiver)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

// Archiver copies downloaded feeds and their catalog into a repository,
// one directory per run: <variant>/<start time>-<run id>/.
type Archiver struct {
	repository internal.Repository
	logger     *zap.Logger
}

func NewArchiver(repo internal.Repository, opts ...Option) *Archiver {
	a := &Archiver{
		repository: repo,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func Prefix(run ingest.RunSummary) string {
	return path.Join(
		string(run.Variant),
		run.StartedAt.UTC().Format("20060102T150405Z")+"-"+run.ID,
	)
}

func (a *Archiver) Archive(ctx context.Context, run ingest.RunSummary, archivePath string) error {
	prefix := Prefix(run)
	archiveKey := path.Join(prefix, filepath.Base(archivePath))

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := a.repository.Write(ctx, archiveKey, f); err != nil {
		return fmt.Errorf("writing %s: %w", archiveKey, err)
	}

	b, err := json.MarshalIndent(New(run, archiveKey), "", "  ")
	if err != nil {
		return err
	}
	catalogKey := path.Join(prefix, FileName)
	if err := a.repository.Write(ctx, catalogKey, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("writing %s: %w", catalogKey, err)
	}

	a.logger.Info("feed archived",
		zap.String("run_id", run.ID),
		zap.String("archive", archiveKey),
		zap.String("catalog", catalogKey),
	)
	return nil
}
