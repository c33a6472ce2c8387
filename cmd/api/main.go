package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"campus-calls/internal/audit"
	"campus-calls/internal/auth"
	"campus-calls/internal/calls"
	"campus-calls/internal/callstack"
	"campus-calls/internal/config"
	"campus-calls/internal/dispatch"
	"campus-calls/internal/httpapi"
	"campus-calls/internal/notify"
	"campus-calls/internal/realtime"
	"campus-calls/internal/recording"
	"campus-calls/internal/reporting"
	"campus-calls/internal/signaling"
	"campus-calls/internal/storage"
	"campus-calls/pkg/logger"
	"campus-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.Migrate(rootCtx, db); err != nil {
		log.Error("schema migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	blobs, err := recording.NewFSStore(cfg.Recordings.Dir, cfg.RecordingsBaseURL())
	if err != nil {
		log.Error("recording store init failed", "err", err)
		os.Exit(1)
	}

	bus := realtime.NewRedisBus(rdb, log)
	notifier := notify.NewService(bus, log)
	stack := callstack.New(callstack.Stores{
		Calls:    calls.NewPostgresRepo(db),
		Audit:    audit.NewPostgresRepo(db),
		Settings: dispatch.NewPostgresSettings(db),
		Busy:     dispatch.NewRedisBusy(rdb, cfg.Calls.BusyTTL),
	}, bus, notifier, log,
		calls.WithAnswerTimeout(cfg.Calls.AnswerTimeout),
		calls.WithTitleMaxLen(cfg.Calls.TitleMaxLen),
	)
	callSvc := stack.Calls

	// Calls left pending by a previous process still need their timeouts.
	if n, err := callSvc.ResumePending(rootCtx); err != nil {
		log.Error("resume pending calls failed", "err", err)
	} else if n > 0 {
		log.Info("overdue calls marked missed", "count", n)
	}

	h := httpapi.Handlers{
		Auth:     authManager,
		Calls:    callSvc,
		Signals:  signaling.NewTransport(signaling.NewPostgresStore(db), bus, log),
		Bus:      bus,
		Dispatch: stack.Dispatch,
		Reports:  reporting.NewService(callSvc),
		Audit:    stack.Audit,
		Blobs:    blobs,
		Log:      log,
		DevLogin: !cfg.IsProduction(),
	}
	if !slices.Contains(cfg.App.CORSAllowedOrigins, "*") {
		h.AllowedOrigins = cfg.App.CORSAllowedOrigins
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(httpapi.ClientIP())

	registerRoutes(r, h, auth.RequireAccessToken(authManager), db, blobs.Dir())

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.App.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Websocket streams manage their own write deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	_ = callSvc.Close()
	_ = notifier.Close()
}
