package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/startup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API and the job scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.serve(cmd.Context())
	},
}

func (a *app) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker(a.cfg.Version)
	e := echo.New()
	e.HideBanner = true

	s := startup.New(a.logger, a.cfg.StartupMaxAttempts)
	a.dependencies(s)
	s.Add(startup.Func{
		Name:     "scheduler",
		Requires: []string{"components"},
		OnStart: func(ctx context.Context) error {
			if !a.cfg.SchedulerEnabled {
				a.logger.Info("Scheduler is disabled: jobs only run when triggered")
				return nil
			}
			return a.scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return a.scheduler.Stop(ctx)
		},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}
	routed := false
	s.Add(startup.Func{
		Name:     "http",
		Requires: []string{"components"},
		OnStart: func(ctx context.Context) error {
			if !routed {
				if err := a.routes(ctx, e, checker); err != nil {
					return err
				}
				routed = true
			}
			go func() {
				a.logger.Infof("Listening on %s", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.WithError(err).Error("HTTP server failed")
					stop()
				}
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})

	if err := s.Start(ctx); err != nil {
		shutdownCtx, cancel := a.shutdownContext()
		defer cancel()
		_ = s.Stop(shutdownCtx)
		return err
	}
	checker.SetReady(true)
	a.logger.Infof("%s %s started", a.cfg.AppName, a.cfg.Version)

	<-ctx.Done()
	checker.SetReady(false)
	a.logger.Info("Shutting down")

	shutdownCtx, cancel := a.shutdownContext()
	defer cancel()
	return s.Stop(shutdownCtx)
}

func (a *app) routes(ctx context.Context, e *echo.Echo, checker *health.Checker) error {
	e.HTTPErrorHandler = middleware.Error(a.logger)
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))

	checker.Require("database", health.PingFunc(a.db.PingContext))
	if a.redis != nil {
		checker.Require("redis", a.redis)
	}
	if a.producer != nil {
		checker.Optional("kafka", a.producer)
	}
	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	auth := middleware.HeaderIdentity()
	if a.cfg.AuthEnabled {
		verifier, err := middleware.OIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return err
		}
		auth = middleware.Authentication(a.logger, verifier, a.cfg.AuthRequiredRole)
	}

	nitro := handlers.NewNitroHandler(a.refresher, a.scheduler, a.content, a.schedules, a.factory, a.channels, a.logger)
	nitro.RegisterRoutes(e.Group("/system/nitro", auth))
	return nil
}
