package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hongminglow/edu-session/internal/authstub"
	"github.com/hongminglow/edu-session/internal/config"
	"github.com/hongminglow/edu-session/internal/logging"
)

func main() {
	loadLocalEnv()

	cfg, err := config.LoadStub()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	stub := authstub.New(authstub.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL()), logger)
	stub.AllowedOrigins = cfg.AllowedOrigins()
	if cfg.Seed {
		users, err := stub.SeedTestUsers()
		if err != nil {
			logger.Fatal("seed test users", zap.Error(err))
		}
		for _, u := range users {
			logger.Info("seeded test user", zap.String("email", u.Email), zap.String("role", u.Role))
		}
	}

	srv := authstub.NewServer(cfg, stub)

	go func() {
		logger.Info("auth stub listening",
			zap.String("addr", cfg.HTTPAddress()),
			zap.String("base_url", "http://127.0.0.1"+cfg.HTTPAddress()+authstub.APIPrefix),
		)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error("graceful shutdown error", zap.Error(err))
	}
}

func loadLocalEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found; relying on existing environment")
	}
}
