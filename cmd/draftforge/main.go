package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/server"
	"github.com/draftforge/draftforge/internal/storage"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Load env if it exists
	godotenv.Load()

	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load("config.json")
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	var redis *storage.RedisClient
	if addr := cfg.Redis.Addr(); addr != "" {
		redis, err = storage.NewRedis(addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// Counters degrade to the in-memory store; quota stays on
			// postgres. Not fatal.
			log.WithError(err).Warn("redis unavailable, using in-memory counters")
			redis = nil
		} else {
			defer redis.Close()
			log.Info("connected to redis")
		}
	}

	postgres, err := storage.NewPostgres(cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer postgres.Close()

	if err := postgres.AutoMigrate(); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	srv, err := server.New(cfg, redis, postgres)
	if err != nil {
		log.WithError(err).Fatal("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Server.Port
		if err := srv.Run(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server exited")
}
