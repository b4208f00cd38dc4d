package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/cpemirror/internal/extract"
	"github.com/turbolytics/cpemirror/internal/fetch"
	"github.com/turbolytics/cpemirror/pkg/cpe"
	"github.com/turbolytics/cpemirror/pkg/feed"
)

const matchesFeed = `{"matches": [
	{"cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"},
	{"cpe23Uri": ""},
	{"cpe23Uri": "cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*"},
	{"cpe23Uri": "cpe:2.3:a:Acme:Widget:1.0:*:*:*:*:*:*:*"}
]}`

type memStore struct {
	mu      sync.Mutex
	records map[string]cpe.Record
	applied int
	fail    func(rec cpe.Record) bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]cpe.Record)}
}

func (s *memStore) Apply(ctx context.Context, batch []cpe.Record) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++

	var res ApplyResult
	failed := 0
	for _, rec := range Dedupe(batch) {
		if s.fail != nil && s.fail(rec) {
			failed++
			continue
		}
		if _, ok := s.records[rec.Name]; ok {
			res.Updated = append(res.Updated, rec.Name)
		} else {
			res.Created = append(res.Created, rec.Name)
		}
		s.records[rec.Name] = rec
	}
	if failed > 0 {
		return res, &BulkWriteError{Result: res, Failed: failed, Err: errors.New("duplicate key")}
	}
	return res, nil
}

func (s *memStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memPublisher struct {
	mu      sync.Mutex
	events  []ChangeEvent
	flushes int
}

func (p *memPublisher) Publish(ctx context.Context, e ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *memPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *memPublisher) keys(kind Kind) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e.Key)
		}
	}
	sort.Strings(out)
	return out
}

type gatedFetcher struct {
	entered chan struct{}
	release chan struct{}
	body    string
}

func (f *gatedFetcher) Fetch(ctx context.Context, url, dest string) error {
	close(f.entered)
	<-f.release
	return os.WriteFile(dest, []byte(f.body), 0644)
}

// routedFetcher serves bodies by url and holds the gated url until released.
type routedFetcher struct {
	gated   string
	entered chan struct{}
	release chan struct{}
	bodies  map[string]string
}

func (f *routedFetcher) Fetch(ctx context.Context, url, dest string) error {
	if url == f.gated {
		close(f.entered)
		<-f.release
	}
	return os.WriteFile(dest, []byte(f.bodies[url]), 0644)
}

// cancellingFetcher delivers the feed and then cancels the run.
type cancellingFetcher struct {
	cancel context.CancelFunc
	body   string
}

func (f *cancellingFetcher) Fetch(ctx context.Context, url, dest string) error {
	defer f.cancel()
	return os.WriteFile(dest, []byte(f.body), 0644)
}

type recordingArchiver struct {
	runs []RunSummary
}

func (a *recordingArchiver) Archive(ctx context.Context, run RunSummary, archivePath string) error {
	if _, err := os.Stat(archivePath); err != nil {
		return err
	}
	a.runs = append(a.runs, run)
	return nil
}

func fastPolicy() fetch.Policy {
	return fetch.Policy{
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

// feedServer fails the first n requests with 503 and then serves body.
func feedServer(t *testing.T, n int32, body string) *httptest.Server {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newIngester(t *testing.T, url string, store Store, pub Publisher, opts ...Option) *Ingester {
	t.Helper()
	base := []Option{
		WithSource(Source{Variant: feed.VariantJSONMatches, URL: url, ArchiveName: "nvdcpematch-1.0.json"}),
		WithFetcher(fetch.New(fetch.WithPolicy(fastPolicy()))),
		WithExtractor(extract.New()),
		WithStore(store),
		WithPublisher(pub),
		WithWorkDir(t.TempDir()),
		WithBatchSize(2),
		WithConcurrency(2),
	}
	i, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return i
}

func TestRunIngestsFeed(t *testing.T) {
	srv := feedServer(t, 0, matchesFeed)
	store := newMemStore()
	pub := &memPublisher{}
	i := newIngester(t, srv.URL, store, pub)

	require.NoError(t, i.Run(context.Background(), feed.VariantJSONMatches))

	// the two spellings of the widget collapse to one key
	assert.Equal(t, 2, store.size())
	stats := i.Stats()
	assert.Equal(t, int64(0), stats.Errors)
	assert.Equal(t, StateDone, stats.State)
	assert.NotEmpty(t, stats.LastRunStartedAt)
	assert.Contains(t, stats.LastRunDuration, "seconds")
	assert.Equal(t, string(feed.VariantJSONMatches), stats.Variant)
	assert.Equal(t, int64(2), stats.Inserted)
	assert.Equal(t, int64(1), stats.Updated)
	assert.Equal(t, []string{
		"cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*",
		"cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*",
	}, pub.keys(KindCreated))
	assert.Equal(t, []string{"cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"}, pub.keys(KindUpdated))

	// a second run resets the counters and only updates
	require.NoError(t, i.Run(context.Background(), feed.VariantJSONMatches))
	stats = i.Stats()
	assert.Equal(t, int64(0), stats.Inserted)
	assert.Equal(t, int64(3), stats.Updated)
	assert.Equal(t, 2, store.size())
}

func TestRunRetriesTransientDownloadFailures(t *testing.T) {
	srv := feedServer(t, 4, matchesFeed)
	i := newIngester(t, srv.URL, newMemStore(), &memPublisher{})

	require.NoError(t, i.Run(context.Background(), feed.VariantJSONMatches))
	assert.Equal(t, int64(0), i.Stats().Errors)
	assert.Equal(t, StateDone, i.State(feed.VariantJSONMatches))
}

func TestRunAbortsWhenDownloadFails(t *testing.T) {
	srv := feedServer(t, 5, matchesFeed)
	store := newMemStore()
	archiver := &recordingArchiver{}
	i := newIngester(t, srv.URL, store, &memPublisher{}, WithArchiver(archiver))

	err := i.Run(context.Background(), feed.VariantJSONMatches)
	require.Error(t, err)

	var te *fetch.TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 5, te.Attempts)

	stats := i.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, StateError, stats.State)
	assert.Contains(t, stats.LastError, "downloading")
	assert.Equal(t, 0, store.applied)
	assert.Empty(t, archiver.runs)
}

func TestRunRejectsConcurrentRunOfSameVariant(t *testing.T) {
	fetcher := &gatedFetcher{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		body:    matchesFeed,
	}
	i, err := New(
		WithSource(Source{Variant: feed.VariantJSONMatches, URL: "http://feed.invalid", ArchiveName: "feed.json"}),
		WithFetcher(fetcher),
		WithExtractor(extract.New()),
		WithStore(newMemStore()),
		WithPublisher(&memPublisher{}),
		WithWorkDir(t.TempDir()),
	)
	require.NoError(t, err)

	done, err := i.Start(context.Background(), feed.VariantJSONMatches)
	require.NoError(t, err)
	<-fetcher.entered
	assert.Equal(t, StateDownloading, i.State(feed.VariantJSONMatches))

	assert.ErrorIs(t, i.Run(context.Background(), feed.VariantJSONMatches), ErrRunInProgress)
	_, err = i.Start(context.Background(), feed.VariantJSONMatches)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(fetcher.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateDone, i.State(feed.VariantJSONMatches))
}

func TestRunKeepsStatsPerVariant(t *testing.T) {
	const cveFeed = `{"CVE_Items": [
		{"configurations": {"nodes": [
			{"operator": "OR", "cpe_match": [
				{"vulnerable": true, "cpe23Uri": "cpe:2.3:h:acme:router:3:*:*:*:*:*:*:*"},
				{"vulnerable": true, "cpe23Uri": "cpe:2.3:a:other:tool:1:*:*:*:*:*:*:*"},
				{"vulnerable": true, "cpe23Uri": "cpe:2.3:a:other:agent:7:*:*:*:*:*:*:*"}
			]}
		]}}
	]}`
	fetcher := &routedFetcher{
		gated:   "http://matches.invalid/nvdcpematch-1.0.json",
		entered: make(chan struct{}),
		release: make(chan struct{}),
		bodies: map[string]string{
			"http://matches.invalid/nvdcpematch-1.0.json": matchesFeed,
			"http://cve.invalid/nvdcve-1.1-recent.json":   cveFeed,
		},
	}
	i, err := New(
		WithSource(Source{Variant: feed.VariantJSONMatches, URL: "http://matches.invalid/nvdcpematch-1.0.json"}),
		WithSource(Source{Variant: feed.VariantJSONCVE, URL: "http://cve.invalid/nvdcve-1.1-recent.json"}),
		WithFetcher(fetcher),
		WithExtractor(extract.New()),
		WithStore(newMemStore()),
		WithPublisher(&memPublisher{}),
		WithWorkDir(t.TempDir()),
		WithBatchSize(2),
	)
	require.NoError(t, err)

	done, err := i.Start(context.Background(), feed.VariantJSONMatches)
	require.NoError(t, err)
	<-fetcher.entered

	require.NoError(t, i.Run(context.Background(), feed.VariantJSONCVE))
	close(fetcher.release)
	require.NoError(t, <-done)

	matches, ok := i.VariantStats(feed.VariantJSONMatches)
	require.True(t, ok)
	assert.Equal(t, "json-matches", matches.Variant)
	assert.Equal(t, int64(2), matches.Inserted)
	assert.Equal(t, int64(1), matches.Updated)
	assert.Zero(t, matches.Errors)
	assert.Equal(t, StateDone, matches.State)

	cve, ok := i.VariantStats(feed.VariantJSONCVE)
	require.True(t, ok)
	assert.Equal(t, "json-cve", cve.Variant)
	assert.Equal(t, int64(3), cve.Inserted)
	assert.Zero(t, cve.Updated)
	assert.Zero(t, cve.Errors)
	assert.NotEqual(t, matches.RunID, cve.RunID)

	// the cve run started last
	latest := i.Stats()
	assert.Equal(t, "json-cve", latest.Variant)
	assert.Equal(t, int64(3), latest.Inserted)

	_, ok = i.VariantStats(feed.VariantXMLDictionary)
	assert.False(t, ok)

	i.ResetStats()
	matches, _ = i.VariantStats(feed.VariantJSONMatches)
	assert.Zero(t, matches.Inserted)
}

func TestRunCountsCancellationSeparately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	i, err := New(
		WithSource(Source{Variant: feed.VariantJSONMatches, URL: "http://feed.invalid/feed.json"}),
		WithFetcher(&cancellingFetcher{cancel: cancel, body: matchesFeed}),
		WithExtractor(extract.New()),
		WithStore(newMemStore()),
		WithPublisher(&memPublisher{}),
		WithWorkDir(t.TempDir()),
	)
	require.NoError(t, err)

	cancelled := testutil.ToFloat64(CounterErrors.WithLabelValues("cancel"))
	parse := testutil.ToFloat64(CounterErrors.WithLabelValues("parse"))

	err = i.Run(ctx, feed.VariantJSONMatches)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, cancelled+1, testutil.ToFloat64(CounterErrors.WithLabelValues("cancel")))
	assert.Equal(t, parse, testutil.ToFloat64(CounterErrors.WithLabelValues("parse")))

	stats := i.Stats()
	assert.Equal(t, StateError, stats.State)
	assert.Equal(t, int64(1), stats.Errors)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "cancel", errorKind(fmt.Errorf("reading: %w", context.Canceled), "parse"))
	assert.Equal(t, "cancel", errorKind(context.DeadlineExceeded, "fetch"))
	assert.Equal(t, "parse", errorKind(errors.New("unexpected token"), "parse"))
}

func TestRunCountsPartiallyFailedBatch(t *testing.T) {
	srv := feedServer(t, 0, `{"matches": [
		{"cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"},
		{"cpe23Uri": "cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*"}
	]}`)
	store := newMemStore()
	store.fail = func(rec cpe.Record) bool { return rec.Type == cpe.TypeOperatingSystem }
	pub := &memPublisher{}
	i := newIngester(t, srv.URL, store, pub)

	require.NoError(t, i.Run(context.Background(), feed.VariantJSONMatches))

	stats := i.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.Inserted)
	assert.Equal(t, StateDone, stats.State)
	assert.Equal(t, []string{"cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"}, pub.keys(KindCreated))
}

func TestRunCountsInvalidEntries(t *testing.T) {
	srv := feedServer(t, 0, `{"matches": [
		{"cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"},
		{"cpe23Uri": "cpe:2.3:x:broken"}
	]}`)
	i := newIngester(t, srv.URL, newMemStore(), &memPublisher{})

	require.NoError(t, i.Run(context.Background(), feed.VariantJSONMatches))
	assert.Equal(t, int64(1), i.Stats().Errors)
	assert.Equal(t, int64(1), i.Stats().Inserted)
}

func TestRunAbortsOnMalformedFeed(t *testing.T) {
	srv := feedServer(t, 0, `{"CVE_Items": []}`)
	archiver := &recordingArchiver{}
	i := newIngester(t, srv.URL, newMemStore(), &memPublisher{}, WithArchiver(archiver))

	err := i.Run(context.Background(), feed.VariantJSONMatches)
	require.Error(t, err)
	assert.True(t, feed.IsStructural(err))
	assert.Equal(t, int64(1), i.Stats().Errors)
	assert.Equal(t, StateError, i.State(feed.VariantJSONMatches))

	// the download itself succeeded and is still archived
	require.Len(t, archiver.runs, 1)
	assert.Error(t, archiver.runs[0].Err)
}

func TestRunEmitsInSubBatches(t *testing.T) {
	srv := feedServer(t, 0, `{"matches": [
		{"cpe23Uri": "cpe:2.3:a:acme:a:1:*:*:*:*:*:*:*"},
		{"cpe23Uri": "cpe:2.3:a:acme:b:1:*:*:*:*:*:*:*"},
		{"cpe23Uri": "cpe:2.3:a:acme:c:1:*:*:*:*:*:*:*"}
	]}`)
	pub := &memPublisher{}
	i := newIngester(t, srv.URL, newMemStore(), pub, WithBatchSize(10), WithEmitBatchSize(2))

	require.NoError(t, i.Run(context.Background(), feed.VariantJSONMatches))
	assert.Len(t, pub.events, 3)
	assert.Equal(t, 2, pub.flushes)
}

func TestRunPurgesWorkingFiles(t *testing.T) {
	srv := feedServer(t, 0, matchesFeed)
	dir := t.TempDir()
	i := newIngester(t, srv.URL, newMemStore(), &memPublisher{}, WithWorkDir(dir))
	require.NoError(t, i.Run(context.Background(), feed.VariantJSONMatches))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	i = newIngester(t, srv.URL, newMemStore(), &memPublisher{}, WithWorkDir(dir), WithKeepFiles(true))
	require.NoError(t, i.Run(context.Background(), feed.VariantJSONMatches))
	_, err = os.Stat(dir + "/json-matches/nvdcpematch-1.0.json")
	assert.NoError(t, err)
}

func TestRunUnknownVariant(t *testing.T) {
	i := newIngester(t, "http://feed.invalid", newMemStore(), &memPublisher{})
	assert.Error(t, i.Run(context.Background(), feed.VariantJSONCVE))
	assert.Equal(t, []feed.Variant{feed.VariantJSONMatches}, i.Variants())
}

func TestReportDeliveryError(t *testing.T) {
	i := newIngester(t, "http://feed.invalid", newMemStore(), &memPublisher{})
	i.ReportDeliveryError(&DeliveryError{Key: "k", Topic: "cpe", Err: errors.New("broker down")})
	assert.Equal(t, int64(1), i.Stats().Errors)

	i.ResetStats()
	assert.Equal(t, int64(0), i.Stats().Errors)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestDedupe(t *testing.T) {
	a1 := cpe.Record{Name: "a", Version: "1"}
	b := cpe.Record{Name: "b"}
	a2 := cpe.Record{Name: "a", Version: "2"}

	out := Dedupe([]cpe.Record{a1, b, a2})
	assert.Equal(t, []cpe.Record{a2, b}, out)
}

func TestArchiveNameDefaultsToURLPath(t *testing.T) {
	assert.Equal(t, "official-cpe-dictionary_v2.3.xml.zip",
		archiveName("https://nvd.nist.gov/feeds/xml/cpe/dictionary/official-cpe-dictionary_v2.3.xml.zip?x=1"))
	assert.Equal(t, "feed.archive", archiveName("https://nvd.nist.gov"))
	assert.Equal(t, "feed.archive", archiveName("https://nvd.nist.gov/"))
}
