package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/apicore/internal/client/credentials"
	"github.com/dmitrijs2005/apicore/internal/client/interceptor"
	"github.com/dmitrijs2005/apicore/internal/client/models"
	"github.com/dmitrijs2005/apicore/internal/client/pinning"
	"github.com/dmitrijs2005/apicore/internal/logging"
	"github.com/dmitrijs2005/apicore/internal/metrics"
	"github.com/dmitrijs2005/apicore/internal/netx"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultRefreshPath = "/api/v1/auth/refresh"
	maxResponseBytes   = 10 << 20
)

// OfflineQueue is the connectivity gate consulted before every call.
type OfflineQueue interface {
	IsOnline() bool
	ShouldQueueRequest(endpoint string) bool
	QueueRequest(ctx context.Context, endpoint string, method models.Method, body []byte) error
}

// Options configure a Client. BaseURL and Tokens are required.
type Options struct {
	BaseURL          string
	Timeout          time.Duration
	MaxRetryAttempts int
	RefreshPath      string
	// RefreshLeeway refreshes a JWT access token this long before its exp.
	RefreshLeeway time.Duration

	Tokens    credentials.Store
	Offline   OfflineQueue
	Validator *pinning.Validator
	// HTTPClient overrides the transport. When nil one is built with the
	// validator's TLS config.
	HTTPClient *http.Client

	Logger  logging.Logger
	Metrics *metrics.Metrics

	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64
	Now    func() time.Time
}

type Client struct {
	baseURL     string
	timeout     time.Duration
	maxRetries  int
	refreshPath string
	leeway      time.Duration

	http        *http.Client
	tokens      credentials.Store
	offline     OfflineQueue
	interceptor *interceptor.Interceptor
	refresh     singleflight.Group

	log     logging.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
	now     func() time.Time
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Tokens == nil {
		return nil, errors.New("client: token store is required")
	}
	if opts.MaxRetryAttempts < 0 {
		return nil, fmt.Errorf("client: negative retry budget %d", opts.MaxRetryAttempts)
	}

	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		timeout:     opts.Timeout,
		maxRetries:  opts.MaxRetryAttempts,
		refreshPath: opts.RefreshPath,
		leeway:      opts.RefreshLeeway,
		http:        opts.HTTPClient,
		tokens:      opts.Tokens,
		offline:     opts.Offline,
		interceptor: interceptor.New(opts.Tokens),
		log:         opts.Logger,
		metrics:     opts.Metrics,
		sleep:       opts.Sleep,
		jitter:      opts.Jitter,
		now:         opts.Now,
	}

	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.refreshPath == "" {
		c.refreshPath = defaultRefreshPath
	}
	if c.log == nil {
		c.log = logging.NewNop()
	}
	c.log = c.log.With("module", "api_client")
	if c.metrics == nil {
		c.metrics = metrics.NewNop()
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if c.jitter == nil {
		c.jitter = rand.Float64
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.http == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Validator != nil {
			transport.TLSClientConfig = opts.Validator.TLSConfig(u.Hostname())
		}
		c.http = &http.Client{Transport: transport}
	}

	return c, nil
}

// Do executes a call and decodes a 2xx body into out (which may be nil).
// body is JSON-encoded unless it is already []byte or json.RawMessage.
func (c *Client) Do(ctx context.Context, ep models.Endpoint, body any, out any) (err error) {
	defer func() { c.metrics.Requests.WithLabelValues(outcome(err)).Inc() }()

	if !ep.Method.Valid() {
		return fmt.Errorf("unsupported method %q", ep.Method)
	}

	payload, err := encodeBody(ep.Method, body)
	if err != nil {
		return err
	}

	if c.offline != nil && !c.offline.IsOnline() {
		if !c.offline.ShouldQueueRequest(ep.Path) {
			return &OfflineError{Queued: false}
		}
		if err := c.offline.QueueRequest(ctx, ep.Path, ep.Method, payload); err != nil {
			return fmt.Errorf("queue offline request: %w", err)
		}
		c.log.Info(ctx, "request deferred until online", "path", ep.Path, "method", string(ep.Method))
		return &OfflineError{Queued: true}
	}

	return c.execute(ctx, ep, payload, out)
}

// Request is the typed form of Client.Do.
func Request[T any](ctx context.Context, c *Client, ep models.Endpoint, body any) (T, error) {
	var out T
	err := c.Do(ctx, ep, body, &out)
	return out, err
}

// Replay sends a queued request through the authenticated path, skipping
// the connectivity gate so it can never be queued again.
func (c *Client) Replay(ctx context.Context, q models.QueuedRequest) error {
	ep := models.Endpoint{Path: q.Endpoint, Method: q.Method, RequiresAuth: true}
	payload := q.Body
	if payload == nil && q.Method.NeedsBody() {
		payload = []byte("{}")
	}
	return c.execute(ctx, ep, payload, nil)
}

// Reach sends ep once, without the connectivity gate, auth or retries,
// and reports whether the server answered with a 2xx. It is how
// connectivity is measured, so it must work while offline.
func (c *Client) Reach(ctx context.Context, ep models.Endpoint) error {
	ep.RequiresAuth = false
	status, body, _, err := c.send(ctx, ep, nil)
	var prep *prepareError
	switch {
	case errors.As(err, &prep):
		return prep.err
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrTrustFailure):
		return err
	case err != nil && netx.IsCertificateError(err):
		return fmt.Errorf("%w: %w", ErrTrustFailure, err)
	case err != nil:
		return &NetworkError{Attempts: 1, Err: err}
	case !successStatus(status):
		return statusError(status, body)
	}
	return nil
}

func (c *Client) execute(ctx context.Context, ep models.Endpoint, payload []byte, out any) error {
	if ep.RequiresAuth {
		if err := c.refreshIfStale(ctx); err != nil {
			return err
		}
	}

	refreshed := false
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, body, token, err := c.send(ctx, ep, payload)
		if err != nil {
			var prep *prepareError
			switch {
			case errors.As(err, &prep):
				return prep.err
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, ErrTrustFailure):
				return err
			case netx.IsCertificateError(err):
				return fmt.Errorf("%w: %w", ErrTrustFailure, err)
			case netx.IsTransient(err) && attempt < c.maxRetries:
				if err := c.backoff(ctx, attempt, "network", err); err != nil {
					return err
				}
				attempt++
				continue
			default:
				return &NetworkError{Attempts: attempt + 1, Err: err}
			}
		}

		switch {
		case successStatus(status):
			return decode(body, out)

		case status == http.StatusUnauthorized && ep.RequiresAuth:
			if refreshed {
				return fmt.Errorf("%w: rejected after refresh", ErrTokenExpired)
			}
			if err := c.refreshAfter(ctx, token); err != nil {
				return err
			}
			refreshed = true
			attempt = 0

		case retryableStatus(status) && attempt < c.maxRetries:
			if err := c.backoff(ctx, attempt, "server", fmt.Errorf("status %d", status)); err != nil {
				return err
			}
			attempt++

		default:
			return statusError(status, body)
		}
	}
}

// prepareError marks a failure that happened before anything was sent,
// such as an unreadable credential store. It is never retried.
type prepareError struct {
	err error
}

func (e *prepareError) Error() string { return e.err.Error() }
func (e *prepareError) Unwrap() error { return e.err }

// send performs one attempt under the per-attempt timeout and returns the
// status, the fully read body and the access token that was attached.
func (c *Client) send(ctx context.Context, ep models.Endpoint, payload []byte) (int, []byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, string(ep.Method), c.url(ep.Path), rd)
	if err != nil {
		return 0, nil, "", &prepareError{err: err}
	}

	token, err := c.interceptor.Intercept(ctx, req, ep.RequiresAuth)
	if err != nil {
		return 0, nil, "", &prepareError{err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, token, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, token, err
	}
	return resp.StatusCode, body, token, nil
}

func (c *Client) backoff(ctx context.Context, attempt int, reason string, cause error) error {
	d := Backoff(attempt, c.jitter())
	c.metrics.Retries.WithLabelValues(reason).Inc()
	c.log.Warn(ctx, "retry scheduled", "attempt", attempt+1, "delay", d, "reason", reason, "cause", cause.Error())
	return c.sleep(ctx, d)
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimPrefix(path, "/")
}

func encodeBody(m models.Method, body any) ([]byte, error) {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	case json.RawMessage:
		payload = b
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = raw
	}

	if payload == nil && m.NeedsBody() {
		payload = []byte("{}")
	}
	return payload, nil
}
