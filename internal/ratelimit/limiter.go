// SPDX-License-Identifier: MIT

// Package ratelimit bounds the request rate against external providers.
package ratelimit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var throttleWaits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clipforge_ratelimit_waits_total",
	Help: "Calls that had to wait for a rate-limit token",
}, []string{"limiter"})

// Limiter wraps a token bucket with wait-time accounting.
type Limiter struct {
	name    string
	limiter *rate.Limiter
}

// New creates a limiter allowing perSecond sustained requests with the given
// burst. A non-positive perSecond disables limiting.
func New(name string, perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return &Limiter{name: name, limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{name: name, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.limiter.Allow() {
		return nil
	}
	throttleWaits.WithLabelValues(l.name).Inc()
	return l.limiter.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
