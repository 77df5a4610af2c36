// Package transport executes single request descriptors against a SharePoint
// deployment with retry, backoff, rate-limit cooperation and form digest signing.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/brettbedarf/spattach"
	"github.com/brettbedarf/spattach/config"
	"github.com/brettbedarf/spattach/internal/util"
	"github.com/brettbedarf/spattach/metrics"
)

const (
	// errorBodyLimit caps how much of a rejected response body is kept for diagnostics
	errorBodyLimit = 512

	// uncappedBackoff bounds the exponential term when MaxBackoff is 0
	uncappedBackoff = 24 * time.Hour

	// staleDigestCode is the SPException code SharePoint returns when the
	// X-RequestDigest is expired or belongs to another site
	staleDigestCode = "-2130575251"
)

// Response is a completed 2xx call. Body is fully read; it may be empty (e.g. 204).
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ContentType returns the response Content-Type header
func (r *Response) ContentType() string {
	return r.Header.Get(spattach.HeaderContentType)
}

// Sleeper waits for d or until ctx ends, returning ctx.Err() in the latter case
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs [spattach.RequestDescriptor]s through an [spattach.HTTPClient].
// It holds no per-call state and is safe for concurrent use.
type Executor struct {
	client      spattach.HTTPClient
	tokens      spattach.TokenSource
	headers     map[string]string
	maxAttempts int
	backoffBase time.Duration
	maxBackoff  time.Duration
	lowWater    int
	limiter     *rate.Limiter
	sleep       Sleeper
	now         func() time.Time
	metrics     *metrics.Metrics
}

// Option customises an [Executor]
type Option func(*Executor)

// WithTokenSource signs mutating calls with digests from ts
func WithTokenSource(ts spattach.TokenSource) Option {
	return func(e *Executor) { e.tokens = ts }
}

// WithSleeper replaces the real timer based sleep, for simulated time in tests
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithClock replaces time.Now used to resolve Retry-After dates
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithMetrics records calls, retries and throttling on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor sending through client with the retry policy from cfg.
// cfg.MaxRequestsPerSecond > 0 enables client-side pacing shared by all calls.
func New(client spattach.HTTPClient, cfg *config.Config, opts ...Option) *Executor {
	headers := make(map[string]string, len(cfg.Headers)+1)
	maps.Copy(headers, cfg.Headers)
	if cfg.UserAgent != "" {
		headers["User-Agent"] = cfg.UserAgent
	}
	e := &Executor{
		client:      client,
		headers:     headers,
		maxAttempts: max(cfg.MaxAttempts, 1),
		backoffBase: cfg.BackoffBase,
		maxBackoff:  cfg.MaxBackoff,
		lowWater:    cfg.RateLimitLowWater,
		sleep:       SleepContext,
		now:         time.Now,
	}
	if cfg.MaxRequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs desc, retrying 429/503 responses and network failures with
// exponential backoff. It returns:
//   - the response for any 2xx status
//   - [*spattach.HTTPStatusError] for other statuses, without retrying
//   - [*spattach.TransientFailureExhausted] once the attempt budget is spent
//   - [*spattach.TokenAcquisitionError] if a mutating call cannot be signed
//   - ctx.Err() if ctx ends before or between attempts
func (e *Executor) Execute(ctx context.Context, desc spattach.RequestDescriptor) (*Response, error) {
	logger := util.GetLogger("Executor")

	unsigned := desc
	desc, signed, err := e.sign(ctx, unsigned)
	if err != nil {
		return nil, err
	}

	var (
		lastStatus int
		lastErr    error
		resigned   bool
	)
	b := e.newBackOff()
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := e.roundTrip(ctx, desc)
		var retryAfter time.Duration
		reason := "network"
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastStatus, lastErr = 0, err
			logger.Debug().Err(err).Str("method", desc.Method).Str("url", desc.URL).Int("attempt", attempt+1).Msg("Request failed without response")
		} else {
			switch {
			case resp.Status >= 200 && resp.Status <= 299:
				if err := e.cooperate(ctx, resp.Header); err != nil {
					return nil, err
				}
				return resp, nil
			case resp.Status == http.StatusTooManyRequests || resp.Status == http.StatusServiceUnavailable:
				lastStatus, lastErr = resp.Status, nil
				retryAfter = ParseRetryAfter(resp.Header, e.now())
				reason = strconv.Itoa(resp.Status)
				logger.Debug().Str("method", desc.Method).Str("url", desc.URL).Int("status", resp.Status).
					Int("attempt", attempt+1).Dur("retryAfter", retryAfter).Msg("Transient status")
			default:
				if signed && !resigned && resp.Status == http.StatusForbidden && staleDigest(resp.Body) {
					logger.Debug().Str("method", desc.Method).Str("url", desc.URL).Msg("Digest rejected as stale, re-acquiring")
					e.tokens.Invalidate(unsigned.BaseURL())
					if desc, _, err = e.sign(ctx, unsigned); err != nil {
						return nil, err
					}
					resigned = true
					attempt-- // the rejected call does not count against the budget
					continue
				}
				if err := e.cooperate(ctx, resp.Header); err != nil {
					return nil, err
				}
				return nil, &spattach.HTTPStatusError{
					Status: resp.Status,
					Method: desc.Method,
					URL:    desc.URL,
					Body:   snippet(resp.Body),
				}
			}
		}

		if attempt == e.maxAttempts-1 {
			break
		}
		delay := retryAfter + b.NextBackOff()
		e.metrics.Retry(reason)
		logger.Debug().Str("method", desc.Method).Str("url", desc.URL).Dur("delay", delay).
			Int("nextAttempt", attempt+2).Msg("Backing off before retry")
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	logger.Warn().Str("method", desc.Method).Str("url", desc.URL).Int("attempts", e.maxAttempts).
		Int("lastStatus", lastStatus).Msg("Retry budget exhausted")
	return nil, &spattach.TransientFailureExhausted{
		Method:     desc.Method,
		URL:        desc.URL,
		Attempts:   e.maxAttempts,
		LastStatus: lastStatus,
		Err:        lastErr,
	}
}

// newBackOff returns the exponential schedule for one Execute call:
// BackoffBase * 2^retry, capped at MaxBackoff, without jitter
func (e *Executor) newBackOff() backoff.BackOff {
	if e.backoffBase <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = e.maxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = uncappedBackoff
	}
	b.InitialInterval = min(e.backoffBase, b.MaxInterval)
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// staleDigest reports whether a 403 body is SharePoint's security validation
// failure rather than a permission or verb block
func staleDigest(body []byte) bool {
	s := string(body)
	return strings.Contains(s, staleDigestCode) ||
		strings.Contains(strings.ToLower(s), "security validation for this page is invalid")
}

// cooperate pauses when the server says the request budget is nearly spent
func (e *Executor) cooperate(ctx context.Context, h http.Header) error {
	hint, ok := ParseRateLimitHint(h)
	if !ok || hint.Remaining >= e.lowWater || hint.ResetAfter <= 0 {
		return nil
	}
	logger := util.GetLogger("Executor")
	logger.Info().Int("remaining", hint.Remaining).Dur("resetAfter", hint.ResetAfter).Msg("Rate limit budget low, pausing")
	e.metrics.Throttled()
	return e.sleep(ctx, hint.ResetAfter)
}

// sign attaches a form digest to mutating calls that do not already carry one
func (e *Executor) sign(ctx context.Context, desc spattach.RequestDescriptor) (spattach.RequestDescriptor, bool, error) {
	if !desc.Mutating() {
		return desc, false, nil
	}
	if _, ok := desc.Header(spattach.HeaderRequestDigest); ok {
		return desc, false, nil
	}
	baseURL := desc.BaseURL()
	if e.tokens == nil {
		return desc, false, &spattach.TokenAcquisitionError{BaseURL: baseURL, Err: errors.New("no token source configured")}
	}
	digest, err := e.tokens.Acquire(ctx, baseURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return desc, false, ctxErr
		}
		var tokenErr *spattach.TokenAcquisitionError
		if !errors.As(err, &tokenErr) {
			err = &spattach.TokenAcquisitionError{BaseURL: baseURL, Err: err}
		}
		return desc, false, err
	}
	return desc.WithHeader(spattach.HeaderRequestDigest, digest), true, nil
}

func (e *Executor) newRequest(ctx context.Context, desc spattach.RequestDescriptor) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if desc.Body != nil {
		body = bytes.NewReader(desc.Body)
	}
	req, err := http.NewRequestWithContext(ctx, desc.Method, desc.URL, body)
	if err != nil {
		return nil, err
	}

	// Descriptor headers override client-wide ones
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	for k, v := range desc.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (e *Executor) roundTrip(ctx context.Context, desc spattach.RequestDescriptor) (*Response, error) {
	req, err := e.newRequest(ctx, desc)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.metrics.ObserveRequest(desc.Method, 0, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	e.metrics.ObserveRequest(desc.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, err
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// SleepContext is the default [Sleeper]
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snippet(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) > errorBodyLimit {
		body = body[:errorBodyLimit]
	}
	return string(body)
}
