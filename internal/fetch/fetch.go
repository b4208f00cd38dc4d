package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// Policy controls how often and how patiently a download is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 4 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// StatusError is returned for a non 2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status: %s", e.Status)
}

// Temporary reports whether the server may answer differently later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// TransferError is returned once a download has failed for good.
type TransferError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("fetching %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is a transient network failure. Request
// construction, scheme and certificate failures are permanent.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var (
		verr *tls.CertificateVerificationError
		rerr tls.RecordHeaderError
		aerr x509.UnknownAuthorityError
		herr x509.HostnameError
		cerr x509.CertificateInvalidError
	)
	if errors.As(err, &verr) || errors.As(err, &rerr) || errors.As(err, &aerr) ||
		errors.As(err, &herr) || errors.As(err, &cerr) {
		return false
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

type Option func(*Fetcher)

func WithPolicy(p Policy) Option {
	return func(f *Fetcher) {
		f.policy = p
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. The upstream
// feed host has been known to serve incomplete chains.
func WithInsecureSkipVerify(skip bool) Option {
	return func(f *Fetcher) {
		f.insecure = skip
	}
}

type Fetcher struct {
	client   *http.Client
	policy   Policy
	insecure bool
	logger   *zap.Logger
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		policy: DefaultPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if f.insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		f.client = &http.Client{Transport: transport}
	}
	return f
}

// Fetch downloads url into dest. Transient failures are retried according to
// the policy; dest is only replaced once a transfer completes.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	attempts := 0
	op := func() error {
		attempts++
		err := f.download(ctx, url, dest)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		f.logger.Warn("download attempt failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	start := time.Now()
	if err := backoff.RetryNotify(op, f.policy.backOff(ctx), notify); err != nil {
		f.logger.Error("download failed",
			zap.String("url", url),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return &TransferError{URL: url, Attempts: attempts, Err: err}
	}

	f.logger.Info("download completed",
		zap.String("url", url),
		zap.String("dest", dest),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (f *Fetcher) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
