package local

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

type Option func(*Repository)

// Repository writes objects below a directory on the local filesystem.
type Repository struct {
	basePath string
	prefix   string
	logger   *zap.Logger
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

func New(basePath string, opts ...Option) *Repository {
	r := &Repository{
		basePath: basePath,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the file a key is written to.
func (r *Repository) Path(key string) string {
	return filepath.Join(r.basePath, r.prefix, filepath.FromSlash(key))
}

func (r *Repository) Write(ctx context.Context, key string, reader io.Reader) error {
	fullPath := r.Path(key)
	r.logger.Info("writing file", zap.String("path", fullPath))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
