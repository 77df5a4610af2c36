// Package token caches SharePoint form digests (X-RequestDigest values) per
// site root. Issuance is coalesced so concurrent callers for one site share a
// single contextinfo request.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/brettbedarf/spattach"
	"github.com/brettbedarf/spattach/config"
	"github.com/brettbedarf/spattach/internal/util"
	"github.com/brettbedarf/spattach/metrics"
)

// ContextInfoPath is appended to the site root to issue a digest
const ContextInfoPath = "/_api/contextinfo"

// Entry is a cached digest. It is usable while now < ExpiresAt - safety margin.
type Entry struct {
	Value     string
	ExpiresAt time.Time
}

// Cache implements [spattach.TokenSource]. The zero value is not usable; use [New].
// Safe for concurrent use.
type Cache struct {
	client     spattach.HTTPClient
	entries    *xsync.Map[string, Entry] // key = site root without trailing slash
	flights    singleflight.Group        // one in-flight issuance per key
	margin     time.Duration
	defaultTTL time.Duration
	headers    map[string]string
	now        func() time.Time
	metrics    *metrics.Metrics
}

// Option customises a [Cache]
type Option func(*Cache)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records issuance results on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates an empty cache issuing digests through client.
// Margin, default TTL and the extra headers sent to contextinfo come from cfg.
func New(client spattach.HTTPClient, cfg *config.Config, opts ...Option) *Cache {
	headers := make(map[string]string, len(cfg.Headers)+1)
	maps.Copy(headers, cfg.Headers)
	if cfg.UserAgent != "" {
		headers["User-Agent"] = cfg.UserAgent
	}
	c := &Cache{
		client:     client,
		entries:    xsync.NewMap[string, Entry](),
		margin:     cfg.TokenSafetyMargin,
		defaultTTL: cfg.DefaultTokenTTL,
		headers:    headers,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns a cached digest for baseURL or issues a new one.
// Concurrent callers for the same baseURL wait on a single issuance; a caller
// whose ctx ends while waiting returns ctx.Err() without aborting the others.
func (c *Cache) Acquire(ctx context.Context, baseURL string) (string, error) {
	key := cacheKey(baseURL)
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	// The issuance outlives any single waiter; it is bounded by the HTTP client timeout.
	issueCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		// a flight that finished just before this one may already have stored a digest
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		return c.issue(issueCtx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached digest for baseURL
func (c *Cache) Invalidate(baseURL string) {
	logger := util.GetLogger("TokenCache")
	key := cacheKey(baseURL)
	if _, ok := c.entries.LoadAndDelete(key); ok {
		logger.Debug().Str("baseURL", key).Msg("Invalidated cached digest")
	}
}

// Expiry returns the server-side expiry of the cached digest, or the zero time
func (c *Cache) Expiry(baseURL string) time.Time {
	if e, ok := c.entries.Load(cacheKey(baseURL)); ok {
		return e.ExpiresAt
	}
	return time.Time{}
}

// HasValid reports whether Acquire would be served from cache right now
func (c *Cache) HasValid(baseURL string) bool {
	_, ok := c.lookup(cacheKey(baseURL))
	return ok
}

func (c *Cache) lookup(key string) (string, bool) {
	e, ok := c.entries.Load(key)
	if !ok || !c.now().Before(e.ExpiresAt.Add(-c.margin)) {
		return "", false
	}
	return e.Value, true
}

// contextInfo accepts both the nometadata and the verbose contextinfo payloads
type contextInfo struct {
	FormDigestValue          string `json:"FormDigestValue"`
	FormDigestTimeoutSeconds int    `json:"FormDigestTimeoutSeconds"`
	D                        *struct {
		GetContextWebInformation *struct {
			FormDigestValue          string `json:"FormDigestValue"`
			FormDigestTimeoutSeconds int    `json:"FormDigestTimeoutSeconds"`
		} `json:"GetContextWebInformation"`
	} `json:"d"`
}

func (ci contextInfo) digest() (string, int) {
	if ci.FormDigestValue != "" {
		return ci.FormDigestValue, ci.FormDigestTimeoutSeconds
	}
	if ci.D != nil && ci.D.GetContextWebInformation != nil {
		return ci.D.GetContextWebInformation.FormDigestValue, ci.D.GetContextWebInformation.FormDigestTimeoutSeconds
	}
	return "", 0
}

func (c *Cache) issue(ctx context.Context, key string) (string, error) {
	logger := util.GetLogger("TokenCache")
	logger.Debug().Str("baseURL", key).Msg("Issuing form digest")

	value, ttl, err := c.request(ctx, key)
	if err != nil {
		c.metrics.TokenIssued("error")
		logger.Error().Err(err).Str("baseURL", key).Msg("Failed to issue form digest")
		return "", err
	}
	c.metrics.TokenIssued("ok")

	c.entries.Store(key, Entry{Value: value, ExpiresAt: c.now().Add(ttl)})
	logger.Debug().Str("baseURL", key).Dur("ttl", ttl).Msg("Cached form digest")
	return value, nil
}

func (c *Cache) request(ctx context.Context, key string) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, key+ContextInfoPath, http.NoBody)
	if err != nil {
		return "", 0, &spattach.TokenAcquisitionError{BaseURL: key, Err: err}
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(spattach.HeaderAccept, spattach.AcceptNoMetadata)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, &spattach.TokenAcquisitionError{BaseURL: key, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &spattach.TokenAcquisitionError{BaseURL: key, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &spattach.TokenAcquisitionError{BaseURL: key, Status: resp.StatusCode}
	}

	var info contextInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", 0, &spattach.TokenAcquisitionError{
			BaseURL: key, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode contextinfo: %w", err),
		}
	}
	value, seconds := info.digest()
	if value == "" {
		return "", 0, &spattach.TokenAcquisitionError{
			BaseURL: key, Status: resp.StatusCode, Err: fmt.Errorf("contextinfo response carried no digest"),
		}
	}

	ttl := c.defaultTTL
	if seconds > 0 {
		ttl = time.Duration(seconds) * time.Second
	}
	return value, ttl, nil
}

func cacheKey(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

var _ spattach.TokenSource = (*Cache)(nil)
