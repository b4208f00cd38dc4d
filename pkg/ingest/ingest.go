package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turbolytics/cpemirror/pkg/cpe"
	"github.com/turbolytics/cpemirror/pkg/feed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency   = 10
	DefaultEmitBatchSize = 100
)

// ApplyResult classifies the names of an applied batch.
type ApplyResult struct {
	Created []string
	Updated []string
}

type Store interface {
	// Apply upserts batch keyed by record name. A partially applied batch
	// returns a *BulkWriteError carrying what was applied.
	Apply(ctx context.Context, batch []cpe.Record) (ApplyResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
	// Flush returns once every event published before the call has been
	// acknowledged or has failed.
	Flush(ctx context.Context) error
}

type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

type Extractor interface {
	Extract(archivePath, destDir string) (string, error)
}

// Archiver keeps a copy of a downloaded feed together with a record of the run.
type Archiver interface {
	Archive(ctx context.Context, run RunSummary, archivePath string) error
}

// Source describes where a feed variant is published.
type Source struct {
	Variant     feed.Variant
	URL         string
	ArchiveName string
}

type RunSummary struct {
	ID        string
	Variant   feed.Variant
	Source    string
	StartedAt time.Time
	EndedAt   time.Time
	Feed      feed.Stats
	Inserted  int64
	Updated   int64
	Errors    int64
	Err       error
}

type Option func(*Ingester)

// WithSource registers where variant is downloaded from. The archive name
// defaults to the last element of the URL path.
func WithSource(src Source) Option {
	return func(i *Ingester) {
		if src.ArchiveName == "" {
			src.ArchiveName = archiveName(src.URL)
		}
		i.sources[src.Variant] = src
	}
}

func archiveName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return "feed.archive"
}

func WithFetcher(f Fetcher) Option {
	return func(i *Ingester) {
		i.fetcher = f
	}
}

func WithExtractor(e Extractor) Option {
	return func(i *Ingester) {
		i.extractor = e
	}
}

func WithStore(s Store) Option {
	return func(i *Ingester) {
		i.store = s
	}
}

func WithPublisher(p Publisher) Option {
	return func(i *Ingester) {
		i.publisher = p
	}
}

func WithArchiver(a Archiver) Option {
	return func(i *Ingester) {
		i.archiver = a
	}
}

func WithWorkDir(dir string) Option {
	return func(i *Ingester) {
		i.workDir = dir
	}
}

func WithBatchSize(n int) Option {
	return func(i *Ingester) {
		i.batchSize = n
	}
}

func WithConcurrency(n int) Option {
	return func(i *Ingester) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

func WithEmitBatchSize(n int) Option {
	return func(i *Ingester) {
		if n > 0 {
			i.emitBatchSize = n
		}
	}
}

// WithKeepFiles leaves downloaded and extracted files in place after a run.
func WithKeepFiles(keep bool) Option {
	return func(i *Ingester) {
		i.keepFiles = keep
	}
}

func WithLocation(loc *time.Location) Option {
	return func(i *Ingester) {
		i.location = loc
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(i *Ingester) {
		i.logger = logger
	}
}

// Ingester drives runs of the download, extract, parse, store and publish
// pipeline.
type Ingester struct {
	sources       map[feed.Variant]Source
	fetcher       Fetcher
	extractor     Extractor
	store         Store
	publisher     Publisher
	archiver      Archiver
	workDir       string
	batchSize     int
	concurrency   int
	emitBatchSize int
	keepFiles     bool
	location      *time.Location
	logger        *zap.Logger

	mu     sync.Mutex
	guards map[feed.Variant]*sync.Mutex
	states map[feed.Variant]*FSM
	stats  map[feed.Variant]*Stats
	// latest holds the stats of the most recently started run.
	latest *Stats
}

func New(opts ...Option) (*Ingester, error) {
	i := &Ingester{
		sources:       make(map[feed.Variant]Source),
		workDir:       filepath.Join(os.TempDir(), "cpemirror"),
		batchSize:     feed.DefaultBatchSize,
		concurrency:   DefaultConcurrency,
		emitBatchSize: DefaultEmitBatchSize,
		location:      time.UTC,
		logger:        zap.NewNop(),
		guards:        make(map[feed.Variant]*sync.Mutex),
		states:        make(map[feed.Variant]*FSM),
		stats:         make(map[feed.Variant]*Stats),
	}
	for _, opt := range opts {
		opt(i)
	}

	switch {
	case i.fetcher == nil:
		return nil, errors.New("ingest: fetcher is required")
	case i.extractor == nil:
		return nil, errors.New("ingest: extractor is required")
	case i.store == nil:
		return nil, errors.New("ingest: store is required")
	case i.publisher == nil:
		return nil, errors.New("ingest: publisher is required")
	}

	i.latest = NewStats(i.location)
	for v := range i.sources {
		i.stats[v] = NewStats(i.location)
	}
	return i, nil
}

// Variants lists the variants that have a configured source.
func (i *Ingester) Variants() []feed.Variant {
	var out []feed.Variant
	for _, v := range feed.Variants() {
		if _, ok := i.sources[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (i *Ingester) guard(variant feed.Variant) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()
	g, ok := i.guards[variant]
	if !ok {
		g = &sync.Mutex{}
		i.guards[variant] = g
	}
	return g
}

func (i *Ingester) setState(variant feed.Variant, fsm *FSM) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.states[variant] = fsm
}

// State returns the phase of the latest run of variant.
func (i *Ingester) State(variant feed.Variant) State {
	i.mu.Lock()
	fsm, ok := i.states[variant]
	i.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return fsm.Current()
}

func (i *Ingester) statsFor(variant feed.Variant) *Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.statsLocked(variant)
}

func (i *Ingester) statsLocked(variant feed.Variant) *Stats {
	st, ok := i.stats[variant]
	if !ok {
		st = NewStats(i.location)
		i.stats[variant] = st
	}
	return st
}

// startStats resets the counters of variant and makes them the latest.
func (i *Ingester) startStats(variant feed.Variant) *Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := i.statsLocked(variant)
	st.Reset()
	i.latest = st
	return st
}

func (i *Ingester) latestStats() *Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.latest
}

func (i *Ingester) snapshot(st *Stats) StatsSnapshot {
	snap := st.Snapshot()
	snap.State = i.State(feed.Variant(snap.Variant))
	return snap
}

// Stats reports the most recently started run.
func (i *Ingester) Stats() StatsSnapshot {
	return i.snapshot(i.latestStats())
}

// VariantStats reports the latest run of variant.
func (i *Ingester) VariantStats(variant feed.Variant) (StatsSnapshot, bool) {
	i.mu.Lock()
	st, ok := i.stats[variant]
	i.mu.Unlock()
	if !ok {
		return StatsSnapshot{}, false
	}
	snap := st.Snapshot()
	snap.Variant = string(variant)
	snap.State = i.State(variant)
	return snap, true
}

func (i *Ingester) ResetStats() {
	i.mu.Lock()
	all := make([]*Stats, 0, len(i.stats)+1)
	all = append(all, i.latest)
	for _, st := range i.stats {
		all = append(all, st)
	}
	i.mu.Unlock()

	for _, st := range all {
		st.Reset()
	}
	i.logger.Info("Stats reset")
}

// ReportDeliveryError counts an event the stream failed to acknowledge.
// Acknowledgements arrive asynchronously so the error is charged to the
// most recently started run.
func (i *Ingester) ReportDeliveryError(err error) {
	i.countError(i.latestStats(), "delivery")
	i.logger.Error("event delivery failed", zap.Error(err))
}

func (i *Ingester) countError(st *Stats, kind string) {
	st.AddErrors(1)
	CounterErrors.WithLabelValues(kind).Inc()
}

// errorKind labels a failed phase, separating cancellation from real
// failures.
func errorKind(err error, kind string) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancel"
	}
	return kind
}

// Run executes one complete run of variant and blocks until it finishes.
func (i *Ingester) Run(ctx context.Context, variant feed.Variant) error {
	src, ok := i.sources[variant]
	if !ok {
		return fmt.Errorf("ingest: no source configured for variant %q", variant)
	}

	g := i.guard(variant)
	if !g.TryLock() {
		return ErrRunInProgress
	}
	defer g.Unlock()

	return i.run(ctx, src)
}

// Start begins a run of variant in the background. It fails immediately
// with ErrRunInProgress when variant is already running. The returned
// channel receives the outcome of the run.
func (i *Ingester) Start(ctx context.Context, variant feed.Variant) (<-chan error, error) {
	src, ok := i.sources[variant]
	if !ok {
		return nil, fmt.Errorf("ingest: no source configured for variant %q", variant)
	}

	g := i.guard(variant)
	if !g.TryLock() {
		return nil, ErrRunInProgress
	}

	done := make(chan error, 1)
	go func() {
		defer g.Unlock()
		defer func() {
			if r := recover(); r != nil {
				i.countError(i.statsFor(variant), "panic")
				i.logger.Error("ingestion run panicked", zap.Any("panic", r))
				done <- fmt.Errorf("ingest: run panicked: %v", r)
			}
			close(done)
		}()
		done <- i.run(ctx, src)
	}()
	return done, nil
}

func (i *Ingester) run(ctx context.Context, src Source) (err error) {
	runID := uuid.NewString()
	variant := src.Variant
	logger := i.logger.With(
		zap.String("run_id", runID),
		zap.String("variant", string(variant)),
	)

	fsm := NewFSM(FSMWithLogger(logger.Named("fsm")))
	i.setState(variant, fsm)
	if err := fsm.Transition(StateStatsReset); err != nil {
		return err
	}

	st := i.startStats(variant)
	started := time.Now()
	st.begin(runID, variant, started)

	summary := RunSummary{
		ID:        runID,
		Variant:   variant,
		Source:    src.URL,
		StartedAt: started,
	}
	dir := filepath.Join(i.workDir, string(variant))
	archivePath := filepath.Join(dir, src.ArchiveName)
	downloaded := false

	logger.Info("Starting ingestion run", zap.String("url", src.URL), zap.String("dir", dir))

	defer func() {
		elapsed := time.Since(started)
		st.finish(elapsed, err)
		GaugeRunDuration.WithLabelValues(string(variant)).Set(elapsed.Seconds())

		outcome, next := "success", StateDone
		if err != nil {
			outcome, next = "error", StateError
		}
		fsm.Transition(next)
		CounterRuns.WithLabelValues(string(variant), outcome).Inc()

		if downloaded && i.archiver != nil {
			snap := st.Snapshot()
			summary.EndedAt = started.Add(elapsed)
			summary.Inserted = snap.Inserted
			summary.Updated = snap.Updated
			summary.Errors = snap.Errors
			summary.Err = err
			if aerr := i.archiver.Archive(context.WithoutCancel(ctx), summary, archivePath); aerr != nil {
				i.countError(st, "archive")
				logger.Error("archiving feed failed", zap.Error(aerr))
			}
		}

		if !i.keepFiles {
			if rerr := os.RemoveAll(dir); rerr != nil {
				logger.Warn("removing working files failed", zap.Error(rerr))
			}
		}

		snap := st.Snapshot()
		logger.Info("Ingestion run finished",
			zap.String("state", string(fsm.Current())),
			zap.Int64("inserted", snap.Inserted),
			zap.Int64("updated", snap.Updated),
			zap.Int64("errors", snap.Errors),
			zap.String("duration", snap.LastRunDuration),
			zap.Error(err),
		)
	}()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		i.countError(st, "io")
		return fmt.Errorf("preparing working directory: %w", err)
	}

	fsm.Transition(StateDownloading)
	if err := i.fetcher.Fetch(ctx, src.URL, archivePath); err != nil {
		i.countError(st, errorKind(err, "fetch"))
		return fmt.Errorf("downloading %s: %w", src.URL, err)
	}
	downloaded = true

	fsm.Transition(StateExtracting)
	feedPath, err := i.extractor.Extract(archivePath, filepath.Join(dir, "extracted"))
	if err != nil {
		i.countError(st, "extract")
		return fmt.Errorf("extracting %s: %w", archivePath, err)
	}

	fsm.Transition(StateProcessing)
	fstats, err := i.process(ctx, logger, st, variant, feedPath)
	summary.Feed = fstats
	if err != nil {
		i.countError(st, errorKind(err, "parse"))
		return fmt.Errorf("processing %s: %w", feedPath, err)
	}
	return nil
}

// process streams the feed into a bounded pool of batch workers. The pool
// blocks the parser once all workers are busy.
func (i *Ingester) process(ctx context.Context, logger *zap.Logger, st *Stats, variant feed.Variant, path string) (feed.Stats, error) {
	r, err := feed.Open(path, variant,
		feed.WithBatchSize(i.batchSize),
		feed.WithLogger(logger.Named("feed")),
		feed.WithEntryErrorHandler(func(error) {
			i.countError(st, "entry")
		}),
	)
	if err != nil {
		return feed.Stats{}, err
	}
	defer r.Close()

	var g errgroup.Group
	g.SetLimit(i.concurrency)

	var perr error
	for seq := 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			perr = err
			break
		}
		batch, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			perr = err
			break
		}

		seq := seq
		g.Go(func() error {
			i.processBatch(ctx, logger.With(zap.Int("batch", seq)), st, variant, batch)
			return nil
		})
	}
	g.Wait()

	return r.Stats(), perr
}

// processBatch never fails: store and publish errors are counted and the
// run moves on to the next batch.
func (i *Ingester) processBatch(ctx context.Context, logger *zap.Logger, st *Stats, variant feed.Variant, batch []cpe.Record) {
	defer func() {
		if r := recover(); r != nil {
			i.countError(st, "panic")
			logger.Error("batch worker panicked", zap.Any("panic", r))
		}
	}()

	res, err := i.store.Apply(ctx, batch)
	if err != nil {
		i.countError(st, "store")
		logger.Error("applying batch failed", zap.Int("size", len(batch)), zap.Error(err))

		var bwe *BulkWriteError
		if !errors.As(err, &bwe) {
			return
		}
		res = bwe.Result
	}

	st.AddInserted(len(res.Created))
	st.AddUpdated(len(res.Updated))
	CounterRecordsInserted.WithLabelValues(string(variant)).Add(float64(len(res.Created)))
	CounterRecordsUpdated.WithLabelValues(string(variant)).Add(float64(len(res.Updated)))

	byName := make(map[string]cpe.Record, len(batch))
	for _, rec := range batch {
		byName[rec.Name] = rec
	}

	i.emit(ctx, logger, st, KindCreated, res.Created, byName)
	i.emit(ctx, logger, st, KindUpdated, res.Updated, byName)
}

// emit publishes one event per name in sub-batches, waiting for every
// sub-batch to be acknowledged before starting the next.
func (i *Ingester) emit(ctx context.Context, logger *zap.Logger, st *Stats, kind Kind, names []string, byName map[string]cpe.Record) {
	for start := 0; start < len(names); start += i.emitBatchSize {
		end := min(start+i.emitBatchSize, len(names))
		for _, name := range names[start:end] {
			rec, ok := byName[name]
			if !ok {
				continue
			}
			if err := i.publisher.Publish(ctx, NewChangeEvent(kind, rec)); err != nil {
				i.countError(st, "publish")
				logger.Error("publishing event failed", zap.String("key", name), zap.Error(err))
			}
		}
		if err := i.publisher.Flush(ctx); err != nil {
			i.countError(st, "publish")
			logger.Error("flushing events failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}

// Dedupe collapses records sharing a name to the last occurrence, keeping
// the position of the first.
func Dedupe(batch []cpe.Record) []cpe.Record {
	pos := make(map[string]int, len(batch))
	out := make([]cpe.Record, 0, len(batch))
	for _, rec := range batch {
		if j, ok := pos[rec.Name]; ok {
			out[j] = rec
			continue
		}
		pos[rec.Name] = len(out)
		out = append(out, rec)
	}
	return out
}
