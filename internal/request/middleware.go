// Package request injects a stable request identifier onto every inbound
// request and opens a per-request structured logger in context, the C7
// request accessor.
package request

import (
	"context"
	"crypto/rand"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	iplog "github.com/uktrade/ip-filter/internal/log"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newRandomID returns an 8-character token drawn from idAlphabet, the
// fallback used when no X-B3-TraceId header is present.
func newRandomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, a fixed fallback still yields a non-empty id.
		copy(buf, "00000000")
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}

// Middleware assigns the request id (§3: X-B3-TraceId if present and
// non-empty, else a random 8-character token) and attaches a child logger
// carrying it, generalizing opencloudmesh-go's loggingMiddleware +
// appctx.WithLogger/LoggerFromContext pattern onto chi.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-B3-TraceId")
		if id == "" {
			id = newRandomID()
		}

		logger := iplog.Base().With().Str("request_id", id).Logger()

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = context.WithValue(ctx, loggerKey, &logger)
		ctx = context.WithValue(ctx, middleware.RequestIDKey, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IDFromContext returns the request id assigned by Middleware.
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// LoggerFromContext returns the per-request logger Middleware attached, or
// the base logger if called outside a request (e.g. in a unit test).
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return logger
	}
	return iplog.Base()
}
