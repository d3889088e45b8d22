// Command scimgate runs the multi-tenant SCIM 2.0 provisioning server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/store"
	"github.com/dhawalhost/scimgate/internal/tenant"
	"github.com/dhawalhost/scimgate/pkg/database"
	"github.com/dhawalhost/scimgate/pkg/logger"
	"github.com/dhawalhost/scimgate/pkg/middleware"
	"github.com/dhawalhost/scimgate/pkg/observability"
	"github.com/dhawalhost/scimgate/pkg/secrets"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logger.Must(cfg.Server.Development)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		Engine:         cfg.Backend.Type,
		URL:            cfg.Backend.Database.URL,
		MaxConnections: cfg.Backend.Database.MaxConnections,
		ConnectTimeout: cfg.Server.AcquireTimeout,
	})
	if err != nil {
		return err
	}
	st, err := store.New(db, cfg.Backend.Type)
	if err != nil {
		return err
	}
	defer st.Close()

	// Provision every configured tenant up front so the first request does
	// not pay for DDL.
	for _, t := range cfg.Tenants {
		if err := st.EnsureTenant(ctx, t.ID); err != nil {
			return err
		}
	}

	hasher, err := secrets.New(cfg.Server.PasswordScheme)
	if err != nil {
		return err
	}

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    "scimgate",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Server.OTLPEndpoint,
	}, log)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	metrics := observability.NewMetrics()
	svc := scim.NewService(st, hasher, log, cfg.Server.MaxResults)
	handler := scim.NewHTTPHandler(svc, tenant.NewResolver(cfg.Tenants), cfg.Compatibility, log, metrics)

	if cfg.Server.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SecurityHeaders())
	engine.Use(otelgin.Middleware("scimgate"))
	engine.Use(observability.PrometheusMiddleware(metrics))
	if cfg.Server.RateLimitPerSec > 0 {
		burst := cfg.Server.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.Server.RateLimitPerSec)
		}
		engine.Use(middleware.RateLimit(rate.Limit(cfg.Server.RateLimitPerSec), burst))
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.Server.CORSOrigins
		corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}
		corsCfg.AllowHeaders = []string{"Authorization", "Content-Type", "If-Match", "If-None-Match"}
		engine.Use(cors.New(corsCfg))
	}
	handler.Register(engine)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.RequestTimeout,
		WriteTimeout:      cfg.Server.RequestTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("backend", cfg.Backend.Type),
			zap.Int("tenants", len(cfg.Tenants)))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
