package extract

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// ExtractionError reports an archive that could not be unpacked.
type ExtractionError struct {
	Archive string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

type Option func(*Extractor)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// Extractor unpacks a downloaded feed. Zip and gzip archives are detected
// by their magic bytes; anything else is treated as an uncompressed feed.
type Extractor struct {
	logger *zap.Logger
}

func New(opts ...Option) *Extractor {
	e := &Extractor{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract unpacks archivePath into destDir and returns the path of the feed
// document.
func (e *Extractor) Extract(archivePath, destDir string) (string, error) {
	head, err := peek(archivePath, 4)
	if err != nil {
		return "", &ExtractionError{Archive: archivePath, Err: err}
	}

	var out string
	switch {
	case bytes.HasPrefix(head, zipMagic):
		out, err = e.unzip(archivePath, destDir)
	case bytes.HasPrefix(head, gzipMagic):
		out, err = e.gunzip(archivePath, destDir)
	default:
		e.logger.Info("archive is not compressed, using it as is", zap.String("path", archivePath))
		return archivePath, nil
	}
	if err != nil {
		return "", &ExtractionError{Archive: archivePath, Err: err}
	}

	e.logger.Info("archive extracted", zap.String("archive", archivePath), zap.String("feed", out))
	return out, nil
}

func peek(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := bufio.NewReader(f).Peek(n)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return b, nil
}

// stem returns the base name of p without its last extension.
func stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// unzip writes every regular file of the archive below destDir. The file
// named after the archive stem is the feed; otherwise the first file is.
func (e *Extractor) unzip(archivePath, destDir string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	want := stem(archivePath)
	var first, named string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return "", err
		}
		if err := writeEntry(f, target); err != nil {
			return "", fmt.Errorf("%s: %w", f.Name, err)
		}
		if first == "" {
			first = target
		}
		if filepath.Base(f.Name) == want {
			named = target
		}
	}

	switch {
	case named != "":
		return named, nil
	case first != "":
		return first, nil
	default:
		return "", fmt.Errorf("archive contains no files")
	}
}

func writeEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin rejects entry names that would land outside dir.
func safeJoin(dir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("illegal file path in archive: %q", name)
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal file path in archive: %q", name)
	}
	return target, nil
}

func (e *Extractor) gunzip(archivePath, destDir string) (string, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(destDir, stem(archivePath))
	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		return "", err
	}
	return target, out.Close()
}
