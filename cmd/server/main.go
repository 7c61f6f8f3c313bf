package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"PulseRelay/internal/api"
	"PulseRelay/internal/config"
	"PulseRelay/internal/db"
	"PulseRelay/internal/delivery"
	"PulseRelay/internal/dispatcher"
	"PulseRelay/internal/escalation"
	"PulseRelay/internal/feed"
	"PulseRelay/internal/metrics"
	"PulseRelay/internal/models"
	"PulseRelay/internal/outbox"
	"PulseRelay/internal/provider/smsgw"
	"PulseRelay/internal/provider/smtp"
	"PulseRelay/internal/queue"
	"PulseRelay/internal/render"
	"PulseRelay/internal/retry"
	"PulseRelay/internal/status"
	"PulseRelay/internal/sweeper"
	"PulseRelay/internal/worker"
)

const scheduledScanLimit = 100

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------
	// Outbox Store
	// ------------------------------------------------
	var (
		store     queue.Store
		changeLog queue.ChangeLog
		leaser    queue.Leaser
		pingStore func(context.Context) error
	)

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pg, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()

		if cfg.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("database migration failed", zap.Error(err))
			}
		}
		store, changeLog, leaser, pingStore = pg, pg, pg, pg.Ping

	case config.StoreDriverMemory:
		mem := queue.NewMemoryStore()
		store, changeLog, leaser = mem, mem, mem
		pingStore = func(context.Context) error { return nil }
		logger.Warn("using in-memory store, queued entries do not survive a restart")
	}

	// ------------------------------------------------
	// Change Feed (Redis streams)
	// ------------------------------------------------
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}

	streamConfig := func(stream, group string) feed.StreamConfig {
		return feed.StreamConfig{
			Stream:      stream,
			Group:       group,
			BatchSize:   cfg.BatchSize,
			Block:       cfg.StreamBlock,
			ReclaimIdle: cfg.StreamReclaimIdle,
			MaxLen:      cfg.StreamMaxLen,
		}
	}

	dispatchFeed := feed.NewStream(rdb, streamConfig(cfg.ChangeStream, cfg.DispatchGroup))
	escalationFeed := feed.NewStream(rdb, streamConfig(cfg.ChangeStream, cfg.EscalationGroup))
	dlqFeed := feed.NewStream(rdb, streamConfig(cfg.DLQStream, cfg.EscalationGroup))

	for _, s := range []*feed.Stream{dispatchFeed, escalationFeed, dlqFeed} {
		if err := s.EnsureGroup(ctx); err != nil {
			logger.Fatal("consumer group setup failed", zap.String("stream", s.Name()), zap.Error(err))
		}
	}

	relay := feed.NewRelay(changeLog, dispatchFeed, cfg.RelayBatchSize, cfg.RelayInterval, logger,
		feed.WithLeaser(leaser),
	)

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	recorder := metrics.New(prometheus.DefaultRegisterer)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ------------------------------------------------
	// Providers
	// ------------------------------------------------
	emailSender := &delivery.EmailDelivery{
		Provider: smtp.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword),
		From:     cfg.SMTPFrom,
	}

	var smsSender delivery.Sender
	if cfg.SMSGatewayURL != "" {
		smsSender = &delivery.SmsDelivery{
			Provider:    smsgw.New(cfg.SMSGatewayURL, cfg.SMSGatewayKey, &http.Client{Timeout: cfg.SMSGatewayTimeout}),
			SenderID:    cfg.SMSSenderID,
			MessageType: cfg.SMSMessageType,
		}
	} else {
		logger.Warn("SMS_GATEWAY_URL not set, sms entries will fail permanently")
	}

	breaker := delivery.BreakerConfig{
		ConsecutiveFailures: cfg.BreakerFailures,
		Timeout:             cfg.BreakerTimeout,
		MaxRequests:         cfg.BreakerHalfOpenReqs,
	}

	executor := delivery.NewExecutor(emailSender, smsSender, logger,
		delivery.WithRateLimit(models.ChannelEmail, cfg.EmailRateLimit, cfg.EmailRateBurst),
		delivery.WithRateLimit(models.ChannelSMS, cfg.SMSRateLimit, cfg.SMSRateBurst),
		delivery.WithBreaker(models.ChannelEmail, breaker),
		delivery.WithBreaker(models.ChannelSMS, breaker),
	)

	// ------------------------------------------------
	// Dispatcher + Escalation
	// ------------------------------------------------
	storePolicy := dispatcher.DefaultStorePolicy
	storePolicy.MaxAttempts = cfg.StoreRetryAttempts

	dispatch := dispatcher.New(store, executor, recorder, logger,
		dispatcher.WithStorePolicy(storePolicy),
	)

	processor := escalation.NewProcessor(store, executor, recorder, logger,
		escalation.WithPolicy(retry.Policy{
			MaxAttempts: cfg.EscalationAttempts,
			BaseDelay:   cfg.EscalationBaseDelay,
			MaxDelay:    cfg.EscalationMaxDelay,
			Factor:      cfg.EscalationFactor,
			Jitter:      cfg.EscalationJitter,
		}),
		escalation.WithStorePolicy(storePolicy),
	)

	scheduler := dispatcher.NewScheduler(store, dispatch, cfg.SchedulerInterval, scheduledScanLimit, logger,
		dispatcher.WithSchedulerLeaser(leaser),
	)
	sweep := sweeper.New(store, cfg.TerminalRetention, cfg.SweepInterval, logger,
		sweeper.WithChangeRetention(cfg.ChangeRetention),
		// dispatchFeed and escalationFeed share the change stream
		sweeper.WithTrimmers(dispatchFeed, dlqFeed),
	)

	// ------------------------------------------------
	// HTTP API
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Outbox: outbox.NewService(store, render.New(cfg.TemplatesDir), recorder, logger,
			outbox.WithExpiry(cfg.EntryExpiry),
		),
		Status: status.NewService(store),
		Health: func(ctx context.Context) error {
			if err := pingStore(ctx); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
		BulkMaxRows: cfg.BulkMaxRows,
		Log:         logger,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ------------------------------------------------
	// Run
	// ------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	host, _ := os.Hostname()
	if host == "" {
		host = "pulserelay"
	}

	var wg sync.WaitGroup

	worker.StartPool(gctx, &wg,
		worker.PoolConfig{Name: host + "-dispatch", Workers: cfg.WorkerCount, Idle: cfg.WorkerIdle},
		dispatchFeed, dispatch, logger,
	)
	worker.StartPool(gctx, &wg,
		worker.PoolConfig{Name: host + "-escalation", Workers: cfg.EscalationWorkerCount, Idle: cfg.WorkerIdle},
		escalationFeed, escalation.NewMessageHandler(processor, "change_feed", logger), logger,
	)
	worker.StartPool(gctx, &wg,
		worker.PoolConfig{Name: host + "-dlq", Workers: cfg.EscalationWorkerCount, Idle: cfg.WorkerIdle},
		dlqFeed, escalation.NewMessageHandler(processor, "dlq", logger), logger,
	)

	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return sweep.Run(gctx) })

	g.Go(func() error {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down services...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
	}

	// Wait workers to finish their current batch
	wg.Wait()

	logger.Info("application shutdown complete")
}
