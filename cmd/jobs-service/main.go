package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/jobs/pkg/common/config"
	"github.com/synaptica-ai/jobs/pkg/common/database"
	"github.com/synaptica-ai/jobs/pkg/common/kafka"
	"github.com/synaptica-ai/jobs/pkg/common/logger"
	"github.com/synaptica-ai/jobs/pkg/common/middleware"
	"github.com/synaptica-ai/jobs/pkg/jobs"
	"github.com/synaptica-ai/jobs/pkg/observability/metrics"
)

func main() {
	logger.Init("jobs-service")
	cfg := config.Load()

	db, err := database.Open(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close(db)

	repo := jobs.NewRepository(db)
	if err := repo.Migrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate job store")
	}

	registry := jobs.DefaultRegistry()
	if cfg.JobTypesFile != "" {
		registry, err = jobs.LoadRegistry(cfg.JobTypesFile)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to load job types")
		}
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
	defer producer.Close()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	service := jobs.NewService(repo, registry, producer, m, logger.Component("gateway"))

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.Actor)
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	jobs.NewHandler(service).Register(apiRouter)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Jobs Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Jobs Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Jobs Service stopped")
}
