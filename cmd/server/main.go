package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"regradar/internal/assess"
	openaiprovider "regradar/internal/assess/openai"
	"regradar/internal/assess/worker"
	"regradar/internal/detector"
	"regradar/internal/ledger"
	"regradar/internal/platform/config"
	"regradar/internal/platform/httpserver"
	"regradar/internal/platform/logger"
	"regradar/internal/platform/metrics"
	platformredis "regradar/internal/platform/redis"
	httptransport "regradar/internal/transport/http"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		ledgerStore ledger.Store
		assessStore assess.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Error("open database", "error", err.Error())
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Error("ping database", "error", err.Error())
			os.Exit(1)
		}
		ledgerStore = ledger.NewPostgres(db)
		assessStore = assess.NewPostgresStore(db)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory stores")
		ledgerStore = ledger.NewInMemory()
		assessStore = assess.NewInMemoryStore()
	}

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("connect redis", "error", err.Error())
		os.Exit(1)
	}
	var fingerprints detector.FingerprintCache
	if redisClient != nil {
		defer redisClient.Close()
		fingerprints = detector.NewRedisCache(redisClient)
	}

	var provider assess.Provider
	if cfg.OpenAIAPIKey != "" {
		provider, err = openaiprovider.NewProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			log.Error("configure generation provider", "error", err.Error())
			os.Exit(1)
		}
	} else {
		log.Warn("OPENAI_API_KEY not set, using heuristic assessments")
		provider = assess.NewHeuristicProvider()
	}

	m := metrics.New()

	assessSvc := assess.NewService(assessStore, ledgerStore, provider, log, m,
		cfg.AssessMaxAttempts, cfg.AssessBackoffBase)
	queue := worker.NewQueue(cfg.AssessQueueSize, log)
	w := worker.NewWorker(assessSvc, queue.Jobs(), log)
	sweeper := worker.NewSweeper(ledgerStore, assessStore, queue, log, cfg.AssessSweepInterval)
	det := detector.New(ledgerStore, fingerprints, queue, log, m, cfg.IngestMaxAttempts)

	handler := httptransport.New(ledgerStore, assessStore, assessSvc, det, log, cfg.APIKey)
	router := chi.NewRouter()
	handler.Register(router)

	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting regradar", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := w.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := sweeper.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
