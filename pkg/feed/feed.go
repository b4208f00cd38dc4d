package feed

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/turbolytics/cpemirror/pkg/cpe"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of records per batch when none is configured.
const DefaultBatchSize = 2000

// Variant names one of the supported feed document shapes.
type Variant string

const (
	// VariantXMLDictionary is the official CPE 2.3 dictionary:
	// cpe-list/cpe-item/cpe23-item@name.
	VariantXMLDictionary Variant = "xml-dictionary"

	// VariantJSONMatches is a flat list: {"matches": [{"cpe23Uri": ...}]}.
	VariantJSONMatches Variant = "json-matches"

	// VariantJSONCVE is a CVE feed whose configuration node trees hold the
	// match entries: CVE_Items[].configurations.nodes[].cpe_match[].cpe23Uri.
	VariantJSONCVE Variant = "json-cve"
)

// Variants returns every supported variant.
func Variants() []Variant {
	return []Variant{VariantXMLDictionary, VariantJSONMatches, VariantJSONCVE}
}

func ParseVariant(s string) (Variant, error) {
	for _, v := range Variants() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unsupported feed variant: %q", s)
}

func (v Variant) newSource(r io.Reader) (entrySource, error) {
	switch v {
	case VariantXMLDictionary:
		return newXMLDictionarySource(r), nil
	case VariantJSONMatches:
		return newJSONMatchesSource(r), nil
	case VariantJSONCVE:
		return newJSONCVESource(r), nil
	default:
		return nil, fmt.Errorf("unsupported feed variant: %q", v)
	}
}

// StructuralError reports a document that does not have the shape of its
// variant. It terminates the batch sequence.
type StructuralError struct {
	Variant Variant
	Reason  string
	Err     error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed: %s document is malformed: %s: %v", e.Variant, e.Reason, e.Err)
	}
	return fmt.Sprintf("feed: %s document is malformed: %s", e.Variant, e.Reason)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// entrySource yields the raw identifier of each feed entry in document order.
// An entry without an identifier yields "". io.EOF marks the end.
type entrySource interface {
	next() (string, error)
}

// Stats counts entries seen by a Reader.
type Stats struct {
	Entries int64 `json:"entries"`
	Records int64 `json:"records"`
	Skipped int64 `json:"skipped"`
	Invalid int64 `json:"invalid"`
	Batches int64 `json:"batches"`
}

type Option func(*Reader)

func WithBatchSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// WithEntryErrorHandler is called once for every entry whose identifier
// cannot be normalized.
func WithEntryErrorHandler(fn func(error)) Option {
	return func(r *Reader) {
		r.onEntryError = fn
	}
}

// Reader produces batches of canonical records from a feed document without
// holding more than one batch in memory.
type Reader struct {
	closer       io.Closer
	src          entrySource
	variant      Variant
	batchSize    int
	logger       *zap.Logger
	onEntryError func(error)

	done  bool
	stats Stats
}

// Open opens the extracted feed file at path. Each call starts from the
// beginning of the file.
func Open(path string, variant Variant, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(f, variant, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

func NewReader(rd io.Reader, variant Variant, opts ...Option) (*Reader, error) {
	src, err := variant.newSource(rd)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		src:       src,
		variant:   variant,
		batchSize: DefaultBatchSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Next returns the next batch of at most the configured batch size, in file
// order. It returns io.EOF once the document is exhausted and a
// *StructuralError if the document does not match its variant.
func (r *Reader) Next() ([]cpe.Record, error) {
	if r.done {
		return nil, io.EOF
	}

	batch := make([]cpe.Record, 0, r.batchSize)
	for len(batch) < r.batchSize {
		id, err := r.src.next()
		if err == io.EOF {
			r.done = true
			r.logger.Info("feed parsing completed",
				zap.String("variant", string(r.variant)),
				zap.Int64("entries", r.stats.Entries),
				zap.Int64("invalid", r.stats.Invalid),
			)
			break
		}
		if err != nil {
			r.done = true
			r.logger.Error("feed parsing aborted",
				zap.String("variant", string(r.variant)),
				zap.Error(err),
			)
			return nil, err
		}

		r.stats.Entries++
		if id == "" {
			r.stats.Skipped++
			continue
		}

		rec, err := cpe.Normalize(id)
		if err != nil {
			r.stats.Invalid++
			r.logger.Warn("skipping invalid identifier", zap.Error(err))
			if r.onEntryError != nil {
				r.onEntryError(err)
			}
			continue
		}
		batch = append(batch, rec)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}

	r.stats.Records += int64(len(batch))
	r.stats.Batches++
	return batch, nil
}

func (r *Reader) Stats() Stats {
	return r.stats
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// IsStructural reports whether err terminated a feed because of its shape.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}
