package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consultchat/internal/ably"
	"consultchat/internal/api"
	"consultchat/internal/auth"
	"consultchat/internal/config"
	"consultchat/internal/mail"
	"consultchat/internal/redis"
	"consultchat/internal/service/account"
	"consultchat/internal/service/chat"
	"consultchat/internal/storage"
	"consultchat/internal/worker"

	"github.com/mama165/sdk-go/logs"
)

func main() {
	bootLog := logs.GetLoggerFromString("INFO")

	cfgPath := os.Getenv("CONSULTCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logs.GetLoggerFromString(cfg.BasicConfig.LogLevel)

	dbType := os.Getenv("CONSULTCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create necessary tables: users, chat_messages, conversations
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		logger.Error("create redis client", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	relay, err := ably.NewAblyClient(cfg, logger)
	if err != nil {
		logger.Error("create ably client", "error", err)
		os.Exit(1)
	}
	issuer, err := ably.NewTokenIssuer(cfg.Ably)
	if err != nil {
		logger.Error("create ably token issuer", "error", err)
		os.Exit(1)
	}

	var sender mail.Sender
	if cfg.Email.Host == "" {
		logger.Warn("smtp host not configured, codes are written to the log")
		sender = mail.LogSender{Log: logger}
	} else {
		smtpSender, err := mail.NewSMTPSender(cfg.Email)
		if err != nil {
			logger.Error("create smtp sender", "error", err)
			os.Exit(1)
		}
		sender = smtpSender
	}

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})
	defer dispatcher.Close()

	accounts := account.NewService(db, rdb, sender, dispatcher, account.Options{
		ConsultantEmails: cfg.BasicConfig.ConsultantEmails,
		CodeTTL:          time.Duration(cfg.BasicConfig.CodeTTL) * time.Minute,
		Logger:           logger,
	})
	chatService := chat.NewService(db, relay, issuer, rdb, dispatcher, chat.Options{
		Driver:          dbType,
		HistoryCacheTTL: time.Duration(cfg.BasicConfig.HistoryCacheTTL) * time.Second,
		Logger:          logger,
	})
	authService := auth.NewService(cfg.JWT, rdb)

	handlers := api.NewHandler(accounts, chatService, authService, logger)
	router := api.NewRouter(handlers, cfg.BasicConfig.AllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
}
