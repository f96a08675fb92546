// SPDX-License-Identifier: MIT

// Package llm is the model-call boundary: a Provider turns a named prompt
// plus input text into output text, and Client adds rate limiting, retries,
// and JSON repair on top.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/ratelimit"
)

// Prompt names understood by every provider.
const (
	PromptOutline    = "outline"
	PromptTimeline   = "timeline"
	PromptScoring    = "scoring"
	PromptTitle      = "title"
	PromptClustering = "clustering"
)

// Provider executes one model call.
type Provider interface {
	Call(ctx context.Context, prompt, input string) (string, error)
}

const (
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 8 * time.Second
)

// Client wraps a Provider with the call policy: every attempt first acquires
// the rate limiter; Transient failures are retried up to three times with
// exponential backoff and jitter, honoring any server-provided delay.
type Client struct {
	provider Provider
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
	base     time.Duration
	cap      time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewClient builds a client; limiter may be nil for unthrottled providers
// such as the stub.
func NewClient(p Provider, limiter *ratelimit.Limiter) *Client {
	return &Client{
		provider: p,
		limiter:  limiter,
		logger:   log.WithComponent("llm"),
		base:     baseBackoff,
		cap:      maxBackoff,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

// Call runs one prompt with the retry policy and returns the raw output.
func (c *Client) Call(ctx context.Context, prompt, input string) (string, error) {
	logger := log.WithContext(ctx, c.logger)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", apperr.Wrap(apperr.Cancelled, err, "llm limiter wait")
			}
		}

		out, err := c.provider.Call(ctx, prompt, input)
		if err == nil {
			metrics.IncLLMAttempt(prompt, "ok")
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			metrics.IncLLMAttempt(prompt, "cancelled")
			return "", apperr.Wrap(apperr.Cancelled, ctx.Err(), "llm call")
		}
		if !apperr.Retryable(err) {
			metrics.IncLLMAttempt(prompt, "permanent")
			return "", err
		}
		metrics.IncLLMAttempt(prompt, "retry")
		if attempt == maxAttempts {
			break
		}

		wait := c.backoffFor(attempt)
		if after, ok := retryAfter(err); ok && after > wait {
			wait = after
		}
		logger.Warn().Err(err).
			Str("prompt", prompt).
			Int(log.FieldAttempt, attempt).
			Dur(log.FieldDuration, wait).
			Str(log.FieldEvent, "llm.retry").
			Msg("model call failed, backing off")
		if err := sleepWithContext(ctx, wait); err != nil {
			return "", apperr.Wrap(apperr.Cancelled, err, "llm backoff")
		}
	}
	return "", apperr.Wrap(apperr.Transient, lastErr, "llm call exhausted retries")
}

// CallJSON calls and decodes the output into v. An output that is not valid
// JSON gets one repair pass (stripping fences and surrounding prose); if it
// still does not decode, the failure is Unrecoverable.
func (c *Client) CallJSON(ctx context.Context, prompt, input string, v any) error {
	out, err := c.Call(ctx, prompt, input)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(out), v); err == nil {
		return nil
	}
	repaired, ok := RepairJSON(out)
	if !ok {
		return apperr.Newf(apperr.Unrecoverable, "llm %s output is not JSON", prompt)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return apperr.Wrap(apperr.Unrecoverable, err, "llm output after repair")
	}
	return nil
}

func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.base * time.Duration(1<<(attempt-1))
	if wait > c.cap {
		wait = c.cap
	}
	c.mu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(wait/5 + 1)))
	c.mu.Unlock()
	return wait + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryHint carries a server-provided delay alongside a transient error.
type retryHint struct {
	err   error
	after time.Duration
}

func (e *retryHint) Error() string { return e.err.Error() }
func (e *retryHint) Unwrap() error { return e.err }

func withRetryAfter(err error, after time.Duration) error {
	if after <= 0 {
		return err
	}
	return &retryHint{err: err, after: after}
}

func retryAfter(err error) (time.Duration, bool) {
	var hint *retryHint
	if errors.As(err, &hint) {
		return hint.after, true
	}
	return 0, false
}

// RepairJSON extracts the JSON document from model output that wrapped it in
// code fences or prose. Returns the candidate and whether it is valid JSON.
func RepairJSON(s string) (string, bool) {
	t := strings.TrimSpace(s)

	// Fenced block: take the content between the first pair of fences.
	if start := strings.Index(t, "```"); start >= 0 {
		rest := t[start+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			inner := strings.TrimSpace(rest[:end])
			inner = strings.TrimPrefix(inner, "json")
			inner = strings.TrimSpace(inner)
			if json.Valid([]byte(inner)) {
				return inner, true
			}
			t = inner
		}
	}

	// Prose around the document: first opener to last matching closer.
	objStart := strings.IndexAny(t, "{[")
	if objStart < 0 {
		return "", false
	}
	var closer string
	if t[objStart] == '{' {
		closer = "}"
	} else {
		closer = "]"
	}
	objEnd := strings.LastIndex(t, closer)
	if objEnd <= objStart {
		return "", false
	}
	candidate := t[objStart : objEnd+1]
	return candidate, json.Valid([]byte(candidate))
}
