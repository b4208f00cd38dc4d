package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"

	DefaultTimeout = 5 * time.Second
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

type Check struct {
	Name  string
	Probe Probe
}

type Result struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

type Report struct {
	Status string            `json:"status"`
	Checks map[string]Result `json:"checks"`
}

func (r Report) Healthy() bool {
	return r.Status == StatusOK
}

type Option func(*Checker)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithCheck(name string, p Probe) Option {
	return func(c *Checker) {
		c.Register(name, p)
	}
}

type Checker struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks []Check
}

func New(opts ...Option) *Checker {
	c := &Checker{
		logger:  zap.NewNop(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, Check{Name: name, Probe: p})
}

// Run executes every probe concurrently, each bounded by the checker timeout.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]Result, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = c.probe(ctx, check)
			return nil
		})
	}
	g.Wait()

	report := Report{
		Status: StatusOK,
		Checks: make(map[string]Result, len(checks)),
	}
	for i, check := range checks {
		if results[i].Status != StatusOK {
			report.Status = StatusDegraded
		}
		report.Checks[check.Name] = results[i]
	}
	return report
}

func (c *Checker) probe(ctx context.Context, check Check) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: StatusError, Error: fmt.Sprintf("panic: %v", r)}
		}
		res.Duration = time.Since(start).String()
	}()

	if err := check.Probe(ctx); err != nil {
		c.logger.Warn("health check failed", zap.String("check", check.Name), zap.Error(err))
		return Result{Status: StatusError, Error: err.Error()}
	}
	return Result{Status: StatusOK}
}

// NewHTTPClient returns the client used by URL probes. It retries
// connection failures and 5xx responses a couple of times.
func NewHTTPClient(logger *zap.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = nil
	if logger != nil {
		c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.Debug("retrying probe", zap.String("url", req.URL.String()), zap.Int("attempt", attempt))
			}
		}
	}
	return c
}

// URLProbe succeeds when url answers a HEAD request with a non 5xx status.
func URLProbe(client *retryablehttp.Client, url string) Probe {
	return func(ctx context.Context) error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s returned %s", url, resp.Status)
		}
		return nil
	}
}
