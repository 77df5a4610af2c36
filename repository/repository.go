// Package repository lists and deletes list-item attachments by walking the
// endpoint candidates for an operation until one succeeds.
package repository

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/brettbedarf/spattach"
	"github.com/brettbedarf/spattach/config"
	"github.com/brettbedarf/spattach/endpoints"
	"github.com/brettbedarf/spattach/internal/util"
	"github.com/brettbedarf/spattach/metrics"
	"github.com/brettbedarf/spattach/normalize"
	"github.com/brettbedarf/spattach/token"
	"github.com/brettbedarf/spattach/transport"
)

// Repository is the caller-facing attachment access layer.
// Candidates are tried strictly one after another; the only state shared
// between concurrent operations is the token cache.
type Repository struct {
	resolver endpoints.Resolver
	executor *transport.Executor
	metrics  *metrics.Metrics
}

type options struct {
	resolver endpoints.Resolver
	client   spattach.HTTPClient
	tokens   spattach.TokenSource
	metrics  *metrics.Metrics
	execOpts []transport.Option
}

// Option customises a [Repository]
type Option func(*options)

// WithResolver routes operations through r, e.g. one built on a
// [endpoints.Registry] with extra or reordered candidate builders
func WithResolver(r endpoints.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithHTTPClient sends every call, digest issuance included, through client
func WithHTTPClient(client spattach.HTTPClient) Option {
	return func(o *options) { o.client = client }
}

// WithTokenSource replaces the built-in [token.Cache]
func WithTokenSource(ts spattach.TokenSource) Option {
	return func(o *options) { o.tokens = ts }
}

// WithMetrics records on m from every layer
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithExecutorOptions passes extra options to the underlying [transport.Executor]
func WithExecutorOptions(opts ...transport.Option) Option {
	return func(o *options) { o.execOpts = append(o.execOpts, opts...) }
}

// New wires a token cache, resolver and executor from cfg.
// Without [WithHTTPClient] an *http.Client with cfg.RequestTimeout is used.
func New(cfg *config.Config, opts ...Option) *Repository {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if o.tokens == nil {
		o.tokens = token.New(o.client, cfg, token.WithMetrics(o.metrics))
	}

	execOpts := append([]transport.Option{
		transport.WithTokenSource(o.tokens),
		transport.WithMetrics(o.metrics),
	}, o.execOpts...)

	return &Repository{
		resolver: o.resolver,
		executor: transport.New(o.client, cfg, execOpts...),
		metrics:  o.metrics,
	}
}

// List returns the attachments of the item identified by oc.
//
// Recoverable per-candidate failures move on to the next candidate. A token
// failure or cancellation aborts at once. When every candidate fails the
// result is [*spattach.AllCandidatesFailed] wrapping the last failure.
func (r *Repository) List(ctx context.Context, oc spattach.OperationContext) ([]spattach.AttachmentRecord, error) {
	op := spattach.OpListAttachments
	logger := opLogger(op, oc)

	candidates, err := r.resolver.Resolve(op, oc)
	if err != nil {
		logger.Debug().Err(err).Msg("Cannot route operation")
		return nil, r.finish(op, err)
	}

	var (
		lastErr  error
		attempts int
	)
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, r.finish(op, err)
		}
		attempts++
		logger.Debug().Int("candidate", i+1).Str("label", c.Label).Str("url", c.Primary.URL).Msg("Trying candidate")

		records, err := r.list(ctx, c.Primary)
		if err == nil {
			logger.Debug().Str("label", c.Label).Int("count", len(records)).Msg("Candidate succeeded")
			r.finish(op, nil)
			return records, nil
		}
		if !spattach.Recoverable(err) {
			logger.Debug().Err(err).Str("label", c.Label).Msg("Aborting operation")
			return nil, r.finish(op, err)
		}

		lastErr = err
		if i < len(candidates)-1 {
			r.metrics.Fallback(string(op))
			logger.Debug().Err(err).Str("label", c.Label).Msg("Candidate failed, trying next")
		}
	}

	logger.Warn().Err(lastErr).Int("attempts", attempts).Msg("All candidates failed")
	return nil, r.finish(op, &spattach.AllCandidatesFailed{Operation: op, Attempts: attempts, LastError: lastErr})
}

func (r *Repository) list(ctx context.Context, desc spattach.RequestDescriptor) ([]spattach.AttachmentRecord, error) {
	resp, err := r.executor.Execute(ctx, desc)
	if err != nil {
		return nil, err
	}
	return normalize.Attachments(resp.Body, resp.ContentType())
}

// Delete removes oc.FileName from the item identified by oc.
//
// Each candidate's primary DELETE is followed by its POST method-override
// fallback against the same URL before the next candidate is tried.
// A missing attachment surfaces as a 404 [*spattach.HTTPStatusError] inside
// [*spattach.AllCandidatesFailed]; see [spattach.IsNotFound].
func (r *Repository) Delete(ctx context.Context, oc spattach.OperationContext) error {
	op := spattach.OpDeleteAttachment
	logger := opLogger(op, oc)

	candidates, err := r.resolver.Resolve(op, oc)
	if err != nil {
		logger.Debug().Err(err).Msg("Cannot route operation")
		return r.finish(op, err)
	}

	var (
		lastErr  error
		attempts int
	)
	for i, c := range candidates {
		descs := []spattach.RequestDescriptor{c.Primary}
		if c.Fallback != nil {
			descs = append(descs, *c.Fallback)
		}

		for j, desc := range descs {
			if err := ctx.Err(); err != nil {
				return r.finish(op, err)
			}
			attempts++
			logger.Debug().Int("candidate", i+1).Str("label", c.Label).Str("method", desc.Method).
				Str("url", desc.URL).Msg("Trying candidate")

			_, err := r.executor.Execute(ctx, desc)
			if err == nil {
				logger.Debug().Str("label", c.Label).Str("method", desc.Method).Msg("Attachment deleted")
				r.finish(op, nil)
				return nil
			}
			if !spattach.Recoverable(err) {
				logger.Debug().Err(err).Str("label", c.Label).Msg("Aborting operation")
				return r.finish(op, err)
			}

			lastErr = err
			if j < len(descs)-1 || i < len(candidates)-1 {
				r.metrics.Fallback(string(op))
				logger.Debug().Err(err).Str("label", c.Label).Str("method", desc.Method).Msg("Candidate failed, trying next")
			}
		}
	}

	logger.Warn().Err(lastErr).Int("attempts", attempts).Msg("All candidates failed")
	return r.finish(op, &spattach.AllCandidatesFailed{Operation: op, Attempts: attempts, LastError: lastErr})
}

// ListAttachments is [Repository.List] wrapped in the caller-facing envelope
func (r *Repository) ListAttachments(ctx context.Context, oc spattach.OperationContext) spattach.Outcome {
	records, err := r.List(ctx, oc)
	return spattach.NewOutcome(records, err)
}

// DeleteAttachment is [Repository.Delete] wrapped in the caller-facing envelope
func (r *Repository) DeleteAttachment(ctx context.Context, oc spattach.OperationContext) spattach.Outcome {
	return spattach.NewOutcome(nil, r.Delete(ctx, oc))
}

// finish records the operation result and passes err through
func (r *Repository) finish(op spattach.Operation, err error) error {
	result := "ok"
	if err != nil {
		result = string(spattach.KindOf(err))
	}
	r.metrics.Operation(string(op), result)
	return err
}

// opLogger tags every line of one operation with a correlation id
func opLogger(op spattach.Operation, oc spattach.OperationContext) util.Logger {
	return util.GetLogger("Repository").With().
		Str("operation", string(op)).
		Str("operationID", uuid.NewString()).
		Str("baseURL", oc.BaseURL).
		Int("itemID", oc.ItemID).
		Logger()
}
