package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/turbolytics/cpemirror/pkg/cpe"
	"github.com/turbolytics/cpemirror/pkg/ingest"
	"go.uber.org/zap"
)

const DefaultTable = "cpe"

// columns in the order of recordValues.
var columns = []string{
	"name", "type", "cpe_version", "part", "vendor", "product", "version",
	"update", "edition", "language", "sw_edition", "target_sw", "target_hw", "other",
}

func recordValues(r cpe.Record) []string {
	return []string{
		r.Name, string(r.Type), r.CPEVersion, r.Part, r.Vendor, r.Product, r.Version,
		r.Update, r.Edition, r.Language, r.SWEdition, r.TargetSW, r.TargetHW, r.Other,
	}
}

func quoted(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return out
}

type StoreOption func(*Store)

func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithTable(table string) StoreOption {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// Store keeps canonical records in a table with a unique name column. A
// batch is written by a single statement, so it is applied entirely or not
// at all.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger

	upsertSQL string
	selectSQL string
}

func NewStore(ctx context.Context, connString string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		table:  DefaultTable,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	s.prepareSQL()

	s.logger.Info("Postgres store connected", zap.String("table", s.table))
	return s, nil
}

func (s *Store) prepareSQL() {
	table := pgx.Identifier{s.table}.Sanitize()
	cols := quoted(columns)

	casts := make([]string, len(cols))
	sets := make([]string, 0, len(cols))
	for i, c := range cols {
		casts[i] = "$" + strconv.Itoa(i+1) + "::text[]"
		if i > 0 {
			sets = append(sets, c+" = EXCLUDED."+c)
		}
	}
	sets = append(sets, "updated_at = now()")

	s.upsertSQL = fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT * FROM unnest(%s) ON CONFLICT (name) DO UPDATE SET %s RETURNING name, (xmax = 0) AS inserted",
		table, strings.Join(cols, ", "), strings.Join(casts, ", "), strings.Join(sets, ", "),
	)
	s.selectSQL = fmt.Sprintf("SELECT id, %s FROM %s WHERE name = $1", strings.Join(cols, ", "), table)
}

// EnsureSchema creates the table and its unique constraint on name.
func (s *Store) EnsureSchema(ctx context.Context) error {
	defs := make([]string, 0, len(columns))
	for _, c := range quoted(columns) {
		defs = append(defs, c+" TEXT NOT NULL DEFAULT ''")
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	%s,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT %s UNIQUE (name)
)`, pgx.Identifier{s.table}.Sanitize(), strings.Join(defs, ",\n\t"), pgx.Identifier{s.table + "_name_key"}.Sanitize())

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *Store) Apply(ctx context.Context, batch []cpe.Record) (ingest.ApplyResult, error) {
	batch = ingest.Dedupe(batch)
	if len(batch) == 0 {
		return ingest.ApplyResult{}, nil
	}

	args := make([][]string, len(columns))
	for i := range args {
		args[i] = make([]string, len(batch))
	}
	for j, rec := range batch {
		for i, v := range recordValues(rec) {
			args[i][j] = v
		}
	}
	params := make([]any, len(args))
	for i := range args {
		params[i] = args[i]
	}

	rows, err := s.pool.Query(ctx, s.upsertSQL, params...)
	if err != nil {
		return ingest.ApplyResult{}, fmt.Errorf("upsert: %w", err)
	}

	inserted := make(map[string]bool, len(batch))
	var (
		name string
		ins  bool
	)
	_, err = pgx.ForEachRow(rows, []any{&name, &ins}, func() error {
		inserted[name] = ins
		return nil
	})
	if err != nil {
		return ingest.ApplyResult{}, fmt.Errorf("upsert: %w", err)
	}

	var out ingest.ApplyResult
	for _, rec := range batch {
		ins, ok := inserted[rec.Name]
		switch {
		case !ok:
		case ins:
			out.Created = append(out.Created, rec.Name)
		default:
			out.Updated = append(out.Updated, rec.Name)
		}
	}

	s.logger.Debug("batch applied",
		zap.Int("size", len(batch)),
		zap.Int("created", len(out.Created)),
		zap.Int("updated", len(out.Updated)))
	return out, nil
}

func (s *Store) Get(ctx context.Context, name string) (ingest.Document, error) {
	var (
		id  int64
		typ string
		r   cpe.Record
	)
	err := s.pool.QueryRow(ctx, s.selectSQL, name).Scan(
		&id, &r.Name, &typ, &r.CPEVersion, &r.Part, &r.Vendor, &r.Product, &r.Version,
		&r.Update, &r.Edition, &r.Language, &r.SWEdition, &r.TargetSW, &r.TargetHW, &r.Other,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Document{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Document{}, err
	}
	r.Type = cpe.Type(typ)
	return ingest.Document{ID: strconv.FormatInt(id, 10), Record: r}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}
