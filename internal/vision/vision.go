// Package vision sends an image and a prompt to a vision language model and
// returns the raw text answer. Local Ollama and OpenAI-compatible endpoints
// sit behind the same Client interface.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	ollapi "github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"scenegrouper/internal/metrics"
)

var (
	// ErrModelTimeout is returned when one call exceeds its timeout
	ErrModelTimeout = errors.New("model request timed out")
	// ErrModelAuth is returned when the endpoint rejects the credentials
	ErrModelAuth = errors.New("model authentication failed")
	// ErrModelUnavailable is returned while the circuit breaker is open
	ErrModelUnavailable = errors.New("model endpoint unavailable")
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	DefaultLocalTimeout = 30 * time.Second
	DefaultCloudTimeout = 180 * time.Second

	DefaultEndpoint = "http://localhost:11434"
	DefaultModel    = "llava:latest"
)

// Client answers a prompt about one JPEG image
type Client interface {
	Analyze(ctx context.Context, prompt string, image []byte) (string, error)
	Provider() string
	Model() string
}

// Config selects and tunes a Client
type Config struct {
	Provider string
	Endpoint string
	Model    string
	APIKey   string
	// Timeout per call; zero picks the provider default
	Timeout time.Duration
	// Attempts including the first; values below 1 mean 1
	Attempts int
}

// DefaultTimeout returns the per-call timeout of a provider
func DefaultTimeout(provider string) time.Duration {
	if provider == ProviderOpenAI {
		return DefaultCloudTimeout
	}
	return DefaultLocalTimeout
}

// Option configures New
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Collector
	retryDelay time.Duration
}

// WithHTTPClient sets the HTTP client used by the provider
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records every call outcome
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRetryDelay sets the base delay between attempts
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		o.retryDelay = d
	}
}

// New builds the provider client named by cfg, wrapped with timeout, retry
// and circuit breaking.
func New(cfg Config, opts ...Option) (Client, error) {
	o := &options{
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	var inner Client
	var err error
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOllama:
		if cfg.Endpoint == "" {
			cfg.Endpoint = DefaultEndpoint
		}
		inner, err = NewOllama(cfg.Endpoint, cfg.Model, o.httpClient)
	case ProviderOpenAI:
		inner = NewOpenAI(cfg.Endpoint, cfg.APIKey, cfg.Model, o.httpClient)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return Wrap(inner, cfg.Timeout, cfg.Attempts, opts...), nil
}

// Resilient decorates a Client with a per-call timeout, retries for
// transient failures and a circuit breaker.
type Resilient struct {
	inner    Client
	timeout  time.Duration
	attempts uint
	breaker  *gobreaker.CircuitBreaker
	opts     *options
}

// Wrap decorates inner. A zero timeout picks the provider default.
func Wrap(inner Client, timeout time.Duration, attempts int, opts ...Option) *Resilient {
	o := &options{
		logger:     zap.NewNop(),
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout(inner.Provider())
	}
	if attempts < 1 {
		attempts = 1
	}

	logger := o.logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Provider(),
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("model circuit breaker state changed",
				zap.String("provider", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Resilient{
		inner:    inner,
		timeout:  timeout,
		attempts: uint(attempts),
		breaker:  breaker,
		opts:     o,
	}
}

func (r *Resilient) Provider() string { return r.inner.Provider() }
func (r *Resilient) Model() string    { return r.inner.Model() }

// Timeout returns the per-call timeout
func (r *Resilient) Timeout() time.Duration { return r.timeout }

// Analyze runs one call through the breaker. Timeouts and auth failures are
// not retried.
func (r *Resilient) Analyze(ctx context.Context, prompt string, image []byte) (string, error) {
	start := time.Now()

	var answer string
	err := retry.Do(
		func() error {
			out, err := r.breaker.Execute(func() (interface{}, error) {
				return r.once(ctx, prompt, image)
			})
			if err != nil {
				return err
			}
			answer = out.(string)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.opts.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	r.opts.metrics.ModelRequest(r.Provider(), outcome(err), time.Since(start))
	if err != nil {
		r.opts.logger.Debug("model request failed",
			zap.String("provider", r.Provider()), zap.String("model", r.Model()), zap.Error(err))
		return "", err
	}
	return answer, nil
}

func (r *Resilient) once(ctx context.Context, prompt string, image []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	answer, err := r.inner.Analyze(callCtx, prompt, image)
	if err == nil {
		return answer, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s: %w", ErrModelTimeout, r.timeout, err)
	}
	if code := statusCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
		return "", fmt.Errorf("%w: %w", ErrModelAuth, err)
	}
	return "", err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrModelTimeout),
		errors.Is(err, ErrModelAuth),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	}
	code := statusCode(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrModelTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrModelAuth):
		return metrics.OutcomeAuth
	default:
		return metrics.OutcomeError
	}
}

// statusCode digs the HTTP status out of provider errors, 0 when unknown
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var statusErr ollapi.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
