package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/carscout/carscout/internal/api"
	"github.com/carscout/carscout/internal/config"
	"github.com/carscout/carscout/internal/database"
	"github.com/carscout/carscout/internal/logger"
	"github.com/carscout/carscout/internal/monitor"
	"github.com/carscout/carscout/internal/queue"
	"github.com/carscout/carscout/internal/repository"
	"github.com/carscout/carscout/internal/sheets"
	"github.com/carscout/carscout/internal/telegram"
	"github.com/carscout/carscout/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Msg("starting channel monitor")

	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		log.Fatal().Msg("TG_API_ID and TG_API_HASH are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db.Pool); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// downstream task queue; the monitor runs without it, tasks are just
	// not enqueued
	var taskQueue monitor.TaskQueue
	nc, err := queue.New(ctx, cfg.NatsURL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to nats, task publishing disabled")
	} else {
		defer nc.Close()
		if err := nc.EnsureStream(ctx, queue.StreamName, queue.StreamSubjects); err != nil {
			log.Warn().Err(err).Msg("failed to ensure jetstream stream")
		}
		taskQueue = queue.NewPublisher(nc)
	}

	// config spreadsheet
	if cfg.SheetsCSVURL == "" {
		log.Warn().Msg("SHEETS_CSV_URL not set, channel list comes from the database only")
	}
	sheetsClient := sheets.NewClient(cfg.SheetsCSVURL, cfg.SheetsCacheTTL)

	// repositories
	channelsRepo := repository.NewChannelsRepository(db.Pool)
	postsRepo := repository.NewPostsRepository(db.Pool)

	// telegram
	limiterCfg := telegram.DefaultRateLimiterConfig()
	limiterCfg.MaxRequests = cfg.RateMaxRequests
	limiterCfg.Window = cfg.RateWindow
	limiter := telegram.NewRateLimiter(limiterCfg)

	tgManager := telegram.NewManager(cfg, db.GORM)
	tgClient := telegram.NewClient(tgManager, limiter)
	defer tgClient.Close()

	// monitor
	mon := monitor.New(cfg, tgManager, tgClient, channelsRepo, postsRepo, sheetsClient, taskQueue)
	if err := mon.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("monitor failed to start")
	}

	// ops endpoints
	handler := api.NewHandler(mon, tgClient, channelsRepo)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("starting http server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	mon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	log.Info().Msg("shutdown complete")
}
