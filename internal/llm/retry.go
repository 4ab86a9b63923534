package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/retry"
)

// Recorder counts LLM calls by provider and outcome.
type Recorder interface {
	LLMRequest(provider, status string)
}

// Retrying wraps a Provider with backoff on transient failures and wraps
// every final failure as an Error.
type Retrying struct {
	inner    Provider
	cfg      retry.Config
	timeout  time.Duration
	recorder Recorder
	logger   zerolog.Logger
}

// NewRetrying wraps inner. A zero timeout leaves the caller's deadline alone.
func NewRetrying(inner Provider, cfg retry.Config, timeout time.Duration, recorder Recorder, logger zerolog.Logger) *Retrying {
	r := &Retrying{
		inner:    inner,
		cfg:      cfg,
		timeout:  timeout,
		recorder: recorder,
		logger:   logger.With().Str("component", "llm.retry").Str("provider", inner.Name()).Logger(),
	}
	if r.cfg.OnRetry == nil {
		r.cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			r.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying llm request")
		}
	}
	return r
}

func (r *Retrying) Name() string    { return r.inner.Name() }
func (r *Retrying) ModelID() string { return r.inner.ModelID() }

// Complete forwards req with retries.
func (r *Retrying) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := retry.DoValue(ctx, r.cfg, func(ctx context.Context) (*CompletionResponse, error) {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		resp, err := r.inner.Complete(ctx, req)
		r.record(err)
		return resp, err
	})
	if err != nil {
		if IsLLMError(err) {
			return nil, err
		}
		return nil, &Error{Provider: r.inner.Name(), Err: err}
	}
	return resp, nil
}

func (r *Retrying) record(err error) {
	if r.recorder == nil {
		return
	}
	r.recorder.LLMRequest(r.inner.Name(), outcome(err))
}

func outcome(err error) string {
	var apiErr *perrors.APIError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &apiErr) && apiErr.StatusCode == 429:
		return "rate_limited"
	case errors.Is(err, perrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// Disabled is the provider used when no API key is configured. Every call
// fails with an Error, so callers fall back the same way they do when the
// backend is unreachable.
type Disabled struct{}

func (Disabled) Name() string    { return "disabled" }
func (Disabled) ModelID() string { return "" }

func (Disabled) Complete(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return nil, &Error{Provider: "disabled", Err: errors.New("no LLM API key configured")}
}
