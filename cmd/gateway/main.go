// Command gateway runs the LMS API gateway.
//
// @title       LMS API Gateway
// @version     1.0
// @description Single entry point for the LMS backend services. Routes, authenticates, rate-limits, caches and proxies requests.
// @BasePath    /
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/lms-api-gateway/internal/auth"
	"github.com/tbourn/lms-api-gateway/internal/cache"
	"github.com/tbourn/lms-api-gateway/internal/config"
	"github.com/tbourn/lms-api-gateway/internal/gateway"
	httpapi "github.com/tbourn/lms-api-gateway/internal/http"
	"github.com/tbourn/lms-api-gateway/internal/observability"
	"github.com/tbourn/lms-api-gateway/internal/proxy"
	"github.com/tbourn/lms-api-gateway/internal/ratelimit"
	"github.com/tbourn/lms-api-gateway/internal/registry"
	"github.com/tbourn/lms-api-gateway/internal/store"
	"github.com/tbourn/lms-api-gateway/internal/sysutil"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	sysutil.ConfigureLogger(cfg.LogPretty, cfg.OTEL.ServiceName, cfg.GatewayVersion)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, cfg.GatewayVersion)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	kv, err := store.Open(ctx, cfg.Store, cfg.OTEL.Enabled)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Warn().Err(err).Msg("store close")
		}
	}()

	var revocations store.Store
	if cfg.AuthRevocation {
		revocations = kv
	}
	guard := auth.NewGuard(cfg.JWTSecret, revocations)

	strategy, err := registry.StrategyByName(cfg.LBStrategy)
	if err != nil {
		return err
	}
	reg, err := registry.New(cfg.Routes.Services, strategy)
	if err != nil {
		return err
	}

	proberCtx, stopProber := context.WithCancel(ctx)
	defer stopProber()
	prober := registry.NewProber(reg, registry.ProberOptions{
		Interval:           cfg.Health.Interval,
		Timeout:            cfg.Health.Timeout,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		HealthyThreshold:   cfg.Health.HealthyThreshold,
	})
	go prober.Run(proberCtx)

	d, err := gateway.New(gateway.Options{
		Routes:    cfg.Routes.Routes,
		Registry:  reg,
		Forwarder: proxy.New(proxy.NewTransport(proxy.DefaultTransportOptions()), cfg.UpstreamTimeout, cfg.GatewayVersion),
		Guard:     guard,
		Limiter:   ratelimit.New(kv, cfg.Routes.RateClasses),
		Cache:     cache.New(kv, int64(cfg.CacheMaxBodyBytes)),
	})
	if err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return err
	}
	httpapi.RegisterRoutes(r, httpapi.Deps{Dispatcher: d, Health: reg}, cfg)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("env", cfg.Env).
			Str("store", cfg.Store.Driver).
			Str("lb", strategy.Name()).
			Int("routes", len(cfg.Routes.Routes)).
			Int("services", len(cfg.Routes.Services)).
			Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Dur("budget", cfg.ShutdownTimeout).Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	stopProber()
	log.Info().Msg("gateway stopped cleanly")
	return nil
}
