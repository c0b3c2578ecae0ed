package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/taskmgr818/credit-ledger/internal/config"
	"github.com/taskmgr818/credit-ledger/internal/handler"
	"github.com/taskmgr818/credit-ledger/internal/reconcile"
	"github.com/taskmgr818/credit-ledger/internal/ws"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the observer hub and the job scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	hub := ws.NewHub(a.metrics, a.log)

	checks := map[string]handler.Check{
		"database": a.store.Ping,
		"redis": func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		},
	}

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := handler.NewRouter(handler.Routes{
		Handler:     handler.NewHandler(a.processor, hub, checks, a.metrics.Handler(), a.log),
		Cron:        handler.NewCronHandler(a.runner),
		Admin:       handler.NewAdminHandler(a.users, a.balance, a.ledger, a.plans, a.processor, a.store),
		User:        handler.NewUserHandler(a.balance, a.ledger),
		Users:       a.users,
		CronSecret:  a.cfg.CronSecret,
		CORSOrigins: a.cfg.CORSOrigins,
		Logger:      a.log,
	})

	srv := &http.Server{
		Addr:              a.cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.WithField("addr", a.cfg.ServerAddr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ── Graceful Shutdown ──
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return a.notifier.Run(ctx) })

	g.Go(func() error {
		err := hub.Listen(ctx, a.rdb)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	if a.cfg.CronEnabled {
		c := reconcile.NewCron()
		if err := a.runner.Schedule(ctx, c, a.cfg.CronSpecs); err != nil {
			return err
		}
		c.Start()
		g.Go(func() error {
			<-ctx.Done()
			// Wait for running jobs; their context is already cancelled.
			<-c.Stop().Done()
			return nil
		})
	} else {
		a.log.Info("in-process scheduler disabled, jobs run through /api/cron only")
	}

	err := g.Wait()
	a.log.Info("server exited")
	return err
}
