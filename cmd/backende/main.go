package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/dom-kom12/backende/internal/activity"
	"github.com/dom-kom12/backende/internal/api"
	"github.com/dom-kom12/backende/internal/auth"
	"github.com/dom-kom12/backende/internal/config"
	"github.com/dom-kom12/backende/internal/mailbox"
	"github.com/dom-kom12/backende/internal/smtpserver"
	"github.com/dom-kom12/backende/internal/sse"
	"github.com/dom-kom12/backende/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			logger.Error("create database directory", "error", err)
			os.Exit(1)
		}
	}
	db, err := store.Open(ctx, cfg.DBDriver, cfg.DBPath, cfg.StoreTimeout)
	if err != nil {
		logger.Error("open database", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if cfg.DBPath == "" && cfg.DBDriver == "sqlite" {
		logger.Warn("DB_PATH not set; messages are kept in memory only")
	}

	loc, err := time.LoadLocation(cfg.LogTimezone)
	if err != nil {
		logger.Warn("unknown LOG_TIMEZONE, using UTC", "timezone", cfg.LogTimezone, "error", err)
		loc = time.UTC
	}
	journal, err := activity.NewFileJournal(cfg.LogDir, loc, cfg.LogMaxMB)
	if err != nil {
		logger.Error("init activity log", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	authManager, err := auth.New(cfg.AuthSecret, cfg.SessionMaxAge)
	if err != nil {
		logger.Error("init auth", "error", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	hub := sse.NewHub()
	engine := mailbox.New(db, journal, logger,
		mailbox.WithNotifier(hub),
		mailbox.WithBcryptCost(cfg.BcryptCost),
	)

	sweeper := mailbox.NewSweeper(engine, cfg.RetentionWindow, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	apiServer := api.NewServer(cfg, engine, db, authManager, hub, logger)
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var smtpSrv *smtpserver.Server
	if cfg.SMTPEnabled {
		if !cfg.SMTPAuthEnabled {
			logger.Warn("smtp auth disabled; server accepts unauthenticated connections")
		}
		smtpAddr := fmt.Sprintf(":%d", cfg.SMTPPort)
		smtpSrv = smtpserver.New(engine, logger, smtpAddr, cfg.SMTPDomain, cfg.SMTPAuthEnabled)
		go func() {
			if err := smtpSrv.ListenAndServe(); err != nil {
				logger.Error("smtp server stopped", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if smtpSrv != nil {
		if err := smtpSrv.Close(); err != nil {
			logger.Error("shutdown smtp", "error", err)
		}
	}
}
