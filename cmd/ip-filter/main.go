// Command ip-filter runs the access-control reverse proxy: one HTTP
// listener in front of a single upstream origin, gated by IP allowlists,
// basic-auth realms, and shared tokens assembled from remote policy
// profiles.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/uktrade/ip-filter/config"
	iplog "github.com/uktrade/ip-filter/internal/log"
	"github.com/uktrade/ip-filter/internal/policy"
	"github.com/uktrade/ip-filter/internal/proxy"
	"github.com/uktrade/ip-filter/internal/request"
	"github.com/uktrade/ip-filter/internal/server"
)

// policyCacheTTL bounds how long an effective policy is reused across
// enforced requests targeting the same profile set before a fresh
// fetch-and-merge runs (§3: "implementations may add a short-TTL cache").
const policyCacheTTL = 10 * time.Second

func main() {
	settings, err := config.Load(os.LookupEnv)
	if err != nil {
		iplog.Base().Fatal().Err(err).Msg("startup configuration error")
	}

	iplog.Configure(settings.LogLevel, settings.Debug)

	for _, warning := range settings.ConflictWarnings {
		iplog.Base().Warn().Msg(warning)
	}

	fetcher := policy.NewFetcher(settings.AppConfigURL)
	merger := policy.NewCachingMerger(fetcher.AsFetchFunc(), policyCacheTTL)

	srv := server.New(settings, merger, proxy.New(settings.ServerScheme, settings.ServerHostPort))

	router := chi.NewRouter()
	router.Use(request.Middleware)
	router.Use(middleware.Recoverer)
	router.Handle("/*", srv)

	httpServer := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: router,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			iplog.Base().Error().Err(err).Msg("graceful shutdown failed")
		}
		close(idleConnsClosed)
	}()

	iplog.Base().Info().Str("addr", httpServer.Addr).Msg("listening")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		iplog.Base().Fatal().Err(err).Msg("server error")
	}

	<-idleConnsClosed
}
