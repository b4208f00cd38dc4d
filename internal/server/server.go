package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turbolytics/cpemirror/internal/health"
	"github.com/turbolytics/cpemirror/pkg/cpe"
	"github.com/turbolytics/cpemirror/pkg/feed"
	"github.com/turbolytics/cpemirror/pkg/ingest"
	"go.uber.org/zap"
)

// Runner is the part of the ingester the server drives.
type Runner interface {
	Variants() []feed.Variant
	Start(ctx context.Context, variant feed.Variant) (<-chan error, error)
	Stats() ingest.StatsSnapshot
	VariantStats(variant feed.Variant) (ingest.StatsSnapshot, bool)
	ResetStats()
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithRunner(r Runner) Option {
	return func(s *Server) {
		s.runner = r
	}
}

func WithLookup(l ingest.Lookup) Option {
	return func(s *Server) {
		s.lookup = l
	}
}

func WithChecker(c *health.Checker) Option {
	return func(s *Server) {
		s.checker = c
	}
}

// WithVersionFile serves the trimmed content of path on /version.
func WithVersionFile(path string) Option {
	return func(s *Server) {
		s.versionFile = path
	}
}

// WithReadmeFile serves path verbatim on /readme.
func WithReadmeFile(path string) Option {
	return func(s *Server) {
		s.readmeFile = path
	}
}

type Server struct {
	logger      *zap.Logger
	runner      Runner
	lookup      ingest.Lookup
	checker     *health.Checker
	versionFile string
	readmeFile  string

	// runs started over http outlive the request that triggered them
	baseCtx context.Context
}

func New(opts ...Option) *Server {
	s := &Server{
		logger:  zap.NewNop(),
		checker: health.New(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				zap.String("from", r.RemoteAddr),
				zap.String("protocol", r.Proto),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.logMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/update", s.update)
	r.Get("/stats", s.stats)
	r.Post("/stats/reset", s.resetStats)
	r.Get("/detail/*", s.detail)
	r.Get("/health_check", s.healthCheck)
	r.Get("/version", s.version)
	r.Get("/readme", s.readme)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeMessage(w, http.StatusServiceUnavailable, "ingestion is not configured")
		return
	}

	variant, err := s.variant(r.URL.Query().Get("variant"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	done, err := s.runner.Start(s.baseCtx, variant)
	if errors.Is(err, ingest.ErrRunInProgress) {
		writeMessage(w, http.StatusConflict, fmt.Sprintf("an update of %s is already running", variant))
		return
	}
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	go func() {
		if err := <-done; err != nil {
			s.logger.Error("background update failed", zap.String("variant", string(variant)), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Started updating CPEs in the background!",
		"variant": string(variant),
	})
}

// variant resolves the query value, defaulting to the first configured
// variant.
func (s *Server) variant(q string) (feed.Variant, error) {
	if q != "" {
		return feed.ParseVariant(q)
	}
	variants := s.runner.Variants()
	if len(variants) == 0 {
		return "", errors.New("no feed variants configured")
	}
	return variants[0], nil
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeJSON(w, http.StatusOK, ingest.StatsSnapshot{})
		return
	}
	q := r.URL.Query().Get("variant")
	if q == "" {
		writeJSON(w, http.StatusOK, s.runner.Stats())
		return
	}

	variant, err := feed.ParseVariant(q)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := s.runner.VariantStats(variant)
	if !ok {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("variant %s is not configured", variant))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) resetStats(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeMessage(w, http.StatusServiceUnavailable, "ingestion is not configured")
		return
	}
	s.runner.ResetStats()
	writeJSON(w, http.StatusOK, s.runner.Stats())
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	if s.lookup == nil {
		writeMessage(w, http.StatusServiceUnavailable, "store is not configured")
		return
	}

	name := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "" {
		writeMessage(w, http.StatusBadRequest, "a cpe name is required")
		return
	}

	key := name
	if rec, err := cpe.Normalize(name); err == nil {
		key = rec.Name
	}

	doc, err := s.lookup.Get(r.Context(), key)
	if errors.Is(err, ingest.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("%s not found", name))
		return
	}
	if err != nil {
		s.logger.Error("lookup failed", zap.String("name", key), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Run(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	bs, err := os.ReadFile(s.versionFile)
	if err != nil {
		s.logger.Error("reading version file", zap.String("path", s.versionFile), zap.Error(err))
		writeMessage(w, http.StatusNotFound, "version file not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": strings.TrimSpace(string(bs))})
}

func (s *Server) readme(w http.ResponseWriter, r *http.Request) {
	bs, err := os.ReadFile(s.readmeFile)
	if err != nil {
		s.logger.Error("reading readme", zap.String("path", s.readmeFile), zap.Error(err))
		writeMessage(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(bs)
}

func (s *Server) Start(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	s.logger.Info("starting cpemirror server", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down cpemirror server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
