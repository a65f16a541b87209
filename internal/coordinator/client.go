package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"

	"github.com/nmxmxh/computeshare/internal/core"
	"github.com/nmxmxh/computeshare/internal/metrics"
)

// Endpoint paths of the coordinator API.
const (
	PathRegister = "/register"
	PathGetTask  = "/get_task"
	PathSubmit   = "/submit_result"
	PathBalance  = "/balance"

	HeaderWorkerID = "X-Worker-Id"
)

// Config holds coordinator client configuration
type Config struct {
	BaseURL        string        `json:"base_url"`
	RequestTimeout time.Duration `json:"request_timeout"` // Per attempt
	Retry          struct {
		MaxRetries      uint64        `json:"max_retries"`
		InitialInterval time.Duration `json:"initial_interval"`
		MaxInterval     time.Duration `json:"max_interval"`
	} `json:"retry"`
	Breaker struct {
		FailureThreshold uint32        `json:"failure_threshold"` // Consecutive failures before opening
		OpenTimeout      time.Duration `json:"open_timeout"`      // Time spent open before half-open
	} `json:"breaker"`
}

// DefaultConfig returns defaults for the given coordinator URL
func DefaultConfig(baseURL string) Config {
	cfg := Config{
		BaseURL:        baseURL,
		RequestTimeout: 10 * time.Second,
	}
	cfg.Retry.MaxRetries = 4
	cfg.Retry.InitialInterval = 500 * time.Millisecond
	cfg.Retry.MaxInterval = 10 * time.Second
	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.OpenTimeout = 30 * time.Second
	return cfg
}

// Client talks to the coordinator. Each call is retried with bounded
// exponential backoff. Every attempt passes through the circuit breaker of
// its endpoint, so a failing balance query never trips task submission.
type Client struct {
	baseURL  string
	config   Config
	http     *fasthttp.Client
	breakers map[string]*gobreaker.CircuitBreaker // Keyed by endpoint
	logger   *slog.Logger
}

// Endpoint names used for breakers, metrics and logs.
const (
	EndpointRegister = "register"
	EndpointGetTask  = "get_task"
	EndpointSubmit   = "submit_result"
	EndpointBalance  = "balance"
)

// response is a fully read coordinator reply.
type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool {
	return r.status/100 == 2
}

// statusError marks a reply the breaker should count as a failure.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("coordinator returned %d", e.status)
}

// New creates a coordinator client
func New(config Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid coordinator url %q", config.BaseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		config:  config,
		http: &fasthttp.Client{
			Name:                "computeshare-worker",
			ReadTimeout:         config.RequestTimeout,
			WriteTimeout:        config.RequestTimeout,
			MaxIdleConnDuration: time.Minute,
		},
		logger: logger.With("component", "coordinator", "url", config.BaseURL),
	}

	c.breakers = make(map[string]*gobreaker.CircuitBreaker, 4)
	for _, endpoint := range []string{EndpointRegister, EndpointGetTask, EndpointSubmit, EndpointBalance} {
		c.breakers[endpoint] = c.newBreaker(endpoint)
	}

	return c, nil
}

func (c *Client) newBreaker(endpoint string) *gobreaker.CircuitBreaker {
	threshold := c.config.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     c.config.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			c.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// Register announces the worker and its public key. A non-2xx reply is a
// rejection.
func (c *Client) Register(ctx context.Context, reg core.Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return core.WrapError(core.ErrCodeCoordinatorIO, "failed to encode registration", err)
	}
	resp, err := c.do(ctx, EndpointRegister, fasthttp.MethodPost, PathRegister, body, nil)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return core.ErrRegistrationRejected(resp.status, strings.TrimSpace(string(resp.body)))
	}
	return nil
}

// FetchTask asks for the next task. It returns nil, nil when none is
// available: an empty body, 204, or any other non-2xx reply.
func (c *Client) FetchTask(ctx context.Context, workerID string) (*core.Task, error) {
	headers := map[string]string{HeaderWorkerID: workerID}
	resp, err := c.do(ctx, EndpointGetTask, fasthttp.MethodGet, PathGetTask, nil, headers)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		c.logger.Debug("no task", "status", resp.status, "body", strings.TrimSpace(string(resp.body)))
		return nil, nil
	}
	if len(bytes.TrimSpace(resp.body)) == 0 {
		return nil, nil
	}
	return core.DecodeTask(resp.body)
}

// SubmitResult posts a signed result.
func (c *Client) SubmitResult(ctx context.Context, sub core.Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return core.WrapError(core.ErrCodeCoordinatorIO, "failed to encode submission", err).
			WithField("task_id", sub.ID)
	}
	resp, err := c.do(ctx, EndpointSubmit, fasthttp.MethodPost, PathSubmit, body, nil)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return core.ErrSubmissionRejected(sub.ID, resp.status, strings.TrimSpace(string(resp.body)))
	}
	return nil
}

// Balance queries the worker's trust and token balance.
func (c *Client) Balance(ctx context.Context, workerID string) (core.Balance, error) {
	path := PathBalance + "?worker=" + url.QueryEscape(workerID)
	resp, err := c.do(ctx, EndpointBalance, fasthttp.MethodGet, path, nil, nil)
	if err != nil {
		return core.Balance{}, err
	}
	if !resp.ok() {
		return core.Balance{}, core.NewWorkerError(core.ErrCodeCoordinatorStatus, "balance query failed").
			WithField("status", resp.status)
	}
	var balance core.Balance
	if err := json.Unmarshal(resp.body, &balance); err != nil {
		return core.Balance{}, core.WrapError(core.ErrCodeCoordinatorIO, "failed to decode balance", err)
	}
	return balance, nil
}

// State reports the circuit breaker state of an endpoint.
func (c *Client) State(endpoint string) gobreaker.State {
	if b, ok := c.breakers[endpoint]; ok {
		return b.State()
	}
	return gobreaker.StateClosed
}

// do performs a request under the retry policy. Replies with status 5xx or
// 429 are retried; once retries are exhausted the last reply is returned as
// is so callers can classify it. err is only set when no reply was obtained.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body []byte, headers map[string]string) (*response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.Retry.InitialInterval
	policy.MaxInterval = c.config.Retry.MaxInterval
	policy.MaxElapsedTime = 0 // Bounded by MaxRetries instead
	policy.Reset()

	breaker := c.breakers[endpoint]
	var last *response
	attempt := 0
	operation := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		result, err := breaker.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, endpoint, method, path, body, headers)
		})
		if resp, ok := result.(*response); ok && resp != nil {
			last = resp
		}

		var se *statusError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &se):
			c.logger.Debug("transient coordinator status", "endpoint", endpoint, "status", se.status, "attempt", attempt)
			return err
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.logger.Debug("circuit breaker rejected request", "endpoint", endpoint, "attempt", attempt)
			return err
		default:
			c.logger.Debug("coordinator request failed", "endpoint", endpoint, "attempt", attempt, "error", err)
			return err
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.config.Retry.MaxRetries), ctx))
	if err == nil {
		return last, nil
	}

	var se *statusError
	if errors.As(err, &se) && last != nil {
		return last, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, core.WrapError(core.ErrCodeCircuitOpen, "coordinator circuit open", err).
			WithField("endpoint", endpoint).
			WithField("attempts", attempt)
	}
	return nil, core.WrapError(core.ErrCodeCoordinatorIO, "coordinator request failed", err).
		WithField("endpoint", endpoint).
		WithField("attempts", attempt)
}

// roundTrip performs one HTTP exchange. The returned error is non-nil for
// transport failures and for statuses that indicate the coordinator itself
// is struggling.
func (c *Client) roundTrip(ctx context.Context, endpoint, method, path string, body []byte, headers map[string]string) (*response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	timeout := c.config.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = DefaultConfig(c.baseURL).RequestTimeout
	}

	start := time.Now()
	err := c.http.DoTimeout(req, resp, timeout)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.CoordinatorRequestSeconds.WithLabelValues(endpoint, "error").Observe(elapsed)
		return nil, err
	}

	out := &response{
		status: resp.StatusCode(),
		body:   append([]byte(nil), resp.Body()...),
	}
	metrics.CoordinatorRequestSeconds.WithLabelValues(endpoint, fmt.Sprintf("%dxx", out.status/100)).Observe(elapsed)

	if out.status >= 500 || out.status == fasthttp.StatusTooManyRequests {
		return out, &statusError{status: out.status}
	}
	return out, nil
}
