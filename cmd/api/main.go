package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/config"
	"call-signaling/internal/exchange"
	"call-signaling/internal/httpapi"
	"call-signaling/internal/push"
	"call-signaling/internal/reporting"
	"call-signaling/internal/signaling"
	"call-signaling/internal/turn"
	"call-signaling/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	issuer, err := turn.NewIssuer(turn.Config{
		SharedSecret:   cfg.TURN.SharedSecret,
		TURNURLs:       cfg.TURN.TURNURLs,
		STUNURLs:       cfg.TURN.STUNURLs,
		UsernamePrefix: cfg.TURN.UsernamePrefix,
	})
	if err != nil {
		log.Error("turn issuer init failed", "err", err)
		os.Exit(1)
	}

	be, err := openBackends(rootCtx, cfg, log)
	if err != nil {
		log.Error("backend init failed", "err", err)
		os.Exit(1)
	}
	defer be.Close()

	mgr, err := signaling.NewManager(signaling.Options{
		Store:           be.Sessions,
		Issuer:          issuer,
		Cache:           exchange.New(exchange.Options{MaxICE: cfg.Session.ICEQueueMax}),
		Publisher:       be.Broker,
		Recorder:        be.Audit,
		Logger:          log,
		Conflict:        be.Conflict,
		DefaultTTL:      cfg.Session.DefaultTTL,
		MaxTTL:          cfg.Session.MaxTTL,
		PersistRetries:  cfg.Store.Retries,
		PersistInterval: cfg.Store.RetryInterval,
	})
	if err != nil {
		log.Error("signaling init failed", "err", err)
		os.Exit(1)
	}

	ws, err := push.NewHandler(mgr, be.Broker, push.Options{
		CheckOrigin: originChecker(cfg.App.CORSOrigins),
		Logger:      log,
	})
	if err != nil {
		log.Error("push init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	if len(cfg.App.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(cfg.App.CORSOrigins)))
	}

	registerRoutes(r, cfg, httpapi.Handlers{
		Auth:    authManager,
		Calls:   mgr,
		Reports: reporting.NewService(be.Sessions),
		Audit:   be.Audit,
	}, ws.Serve, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Websocket writes manage their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		signaling.Sweeper{
			Manager:  mgr,
			Interval: cfg.Session.SweepInterval,
			Lease:    be.SweepLease,
			Logger:   log,
		}.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped", "err", err)
		be.Close()
		os.Exit(1)
	}
	log.Info("api stopped")
}
