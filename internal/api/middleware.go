// SPDX-License-Identifier: MIT

package api

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
)

const requestIDHeader = "X-Request-ID"

// requestID tags every request for log correlation. An inbound header is
// kept when it looks sane so callers can trace across services.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx := log.ContextWithRequestID(r.Context(), id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// realIP rewrites RemoteAddr from X-Forwarded-For, but only when the direct
// peer is a trusted proxy. Rate limiting keys on the result, so an untrusted
// peer must not be able to spoof its way to a fresh budget.
func realIP(cidrs []string, logger zerolog.Logger) func(http.Handler) http.Handler {
	var nets []*net.IPNet
	for _, raw := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil {
			logger.Warn().
				Str("cidr", raw).
				Str(log.FieldEvent, "api.bad_trusted_proxy").
				Msg("trusted proxy entry ignored")
			continue
		}
		nets = append(nets, n)
	}
	return func(next http.Handler) http.Handler {
		if len(nets) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peerTrusted(r.RemoteAddr, nets) {
				if ip := forwardedClient(r.Header.Get("X-Forwarded-For")); ip != "" {
					r.RemoteAddr = net.JoinHostPort(ip, "0")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerTrusted(remoteAddr string, nets []*net.IPNet) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// forwardedClient picks the first syntactically valid address in the chain,
// the one closest to the client.
func forwardedClient(header string) string {
	for _, part := range strings.Split(header, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			return ip.String()
		}
	}
	return ""
}

// requestLogger emits one structured line per completed request. Probe and
// scrape endpoints are skipped; they would drown everything else.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return
			}
			evt := logger.Info()
			if ww.Status() >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.
				Str("method", r.Method).
				Str(log.FieldPath, r.URL.Path).
				Int("status", ww.Status()).
				Int(log.FieldBytes, ww.BytesWritten()).
				Dur(log.FieldDuration, time.Since(start)).
				Str("remote", r.RemoteAddr).
				Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
				Str(log.FieldEvent, "api.request").
				Msg("request served")
		})
	}
}

// recoverer converts handler panics into a JSON 500 and keeps the server up.
func recoverer(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str(log.FieldPath, r.URL.Path).
					Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
					Str(log.FieldEvent, "api.panic").
					Msg("handler panicked")
				writeError(w, r, apperr.New(apperr.Internal, "internal error"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
