package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/jobs/pkg/cancellation"
	"github.com/synaptica-ai/jobs/pkg/common/config"
	"github.com/synaptica-ai/jobs/pkg/common/database"
	"github.com/synaptica-ai/jobs/pkg/common/httpclient"
	"github.com/synaptica-ai/jobs/pkg/common/kafka"
	"github.com/synaptica-ai/jobs/pkg/common/logger"
	"github.com/synaptica-ai/jobs/pkg/common/loop"
	"github.com/synaptica-ai/jobs/pkg/common/models"
	"github.com/synaptica-ai/jobs/pkg/credits"
	"github.com/synaptica-ai/jobs/pkg/execution"
	"github.com/synaptica-ai/jobs/pkg/jobs"
	"github.com/synaptica-ai/jobs/pkg/observability/metrics"
	"github.com/synaptica-ai/jobs/pkg/resources"
	"github.com/synaptica-ai/jobs/pkg/scheduler"
	"github.com/synaptica-ai/jobs/pkg/workflow/flyteadmin"
)

func main() {
	logger.Init("jobs-scheduler")
	cfg := config.Load()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

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

	oauthCfg := httpclient.OAuthConfig{
		TokenURL:     cfg.OAuthTokenURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
	}
	outbound := httpclient.NewWithOAuth(ctx, cfg.CallTimeout, oauthCfg)

	executor := flyteadmin.New(flyteadmin.Config{
		BaseURL: cfg.ExecutorURL,
		Project: cfg.ExecutorProject,
		Domain:  cfg.ExecutorDomain,
	}, outbound)
	adapter := execution.NewAdapter(repo, executor, registry, cfg.OrganizationID, m, logger.Component("execution"))

	var cc credits.Client = credits.Nop{}
	if cfg.CreditsURL != "" {
		cc = credits.NewHTTPClient(cfg.CreditsURL, outbound)
	} else {
		logger.Log.Warn("CREDITS_URL not set, credit leases are not enforced")
	}

	var pool resources.Pool = resources.NewMemoryPool(cfg.GPUCapacity)
	if cfg.UseRedisGPUPool {
		rdb, err := database.NewRedis(ctx, cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		pool = resources.NewRedisPool(rdb, cfg.GPUCapacity)
	} else {
		logger.Log.Warn("USE_REDIS_GPU_POOL not set, gpu bookings are local to this replica")
	}

	sched := scheduler.New(repo, adapter, pool, cc, producer, m, logger.Component("scheduler"), scheduler.Config{
		MaxStartRetries:   cfg.MaxStartRetries,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		StaleLockTimeout:  cfg.StaleLockTimeout,
		CallTimeout:       cfg.CallTimeout,
	})
	if _, err := sched.RestoreReservations(ctx); err != nil {
		logger.Log.WithError(err).Fatal("Failed to restore gpu reservations")
	}
	reconciler := execution.NewReconciler(repo, adapter, producer, m, logger.Component("reconciler"), cfg.CallTimeout)
	canceller := cancellation.New(repo, adapter, producer, m, logger.Component("cancellation"), cancellation.Config{
		MaxCancelRetries: cfg.MaxCancelRetries,
		MaxRevertRetries: cfg.MaxRevertRetries,
		StaleLockTimeout: cfg.StaleLockTimeout,
		CallTimeout:      cfg.CallTimeout,
	})

	schedLoop := loop.New("scheduler", cfg.SchedulerInterval, logger.Component("scheduler"),
		func(ctx context.Context) { sched.RunPass(ctx) })
	reconcileLoop := loop.New("reconciler", cfg.ReconcileInterval, logger.Component("reconciler"),
		func(ctx context.Context) { reconciler.RunPass(ctx) })
	cancelLoop := loop.New("cancellation", cfg.CancellationInterval, logger.Component("cancellation"),
		func(ctx context.Context) { canceller.RunPass(ctx) })

	var wg sync.WaitGroup
	for _, l := range []*loop.Loop{schedLoop, reconcileLoop, cancelLoop} {
		wg.Add(1)
		go func(l *loop.Loop) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}

	// Events only shorten the wait for the next pass; the loops find all
	// work by polling the job store.
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaGroupID)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := consumer.Consume(ctx, func(_ context.Context, event models.Event) error {
			switch event.Type {
			case jobs.EventJobSubmitted:
				schedLoop.Wakeup()
			case jobs.EventJobCancelRequested:
				cancelLoop.Wakeup()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Error("Event consumer stopped")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.MetricsPort),
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.MetricsPort,
		}).Info("Jobs Scheduler started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start metrics server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Jobs Scheduler...")
	stop()
	if err := consumer.Close(); err != nil {
		logger.Log.WithError(err).Warn("Failed to close event consumer")
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Jobs Scheduler stopped")
}
