package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatpilot/internal/breaker"
	"chatpilot/internal/config"
	"chatpilot/internal/models"
	"chatpilot/internal/providers"
	"chatpilot/internal/queue"
	"chatpilot/internal/scheduler"
	"chatpilot/internal/store"
	"chatpilot/internal/telemetry"
	"chatpilot/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	q := queue.New(rdb, st, cfg.VisibilityTimeout, cfg.ScheduledBatchSize, logger)
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
	}, logger)

	aiClient := providers.NewAIService(cfg.AIServiceURL)
	sender := providers.NewSendGateway(cfg.SendGatewayURL)
	events := worker.NewRedisPublisher(rdb, cfg.EventChannelPrefix)

	var uploader worker.ObjectUploader
	if cfg.S3Enabled {
		u, err := worker.NewS3Uploader(ctx, cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			logger.Fatal("init s3 uploader", zap.Error(err))
		}
		uploader = u
	}

	pools := []*worker.Pool{
		worker.NewPool(models.KindAIProcessing, q,
			worker.NewAIHandler(aiClient, breakers, st, q, logger),
			cfg.WorkerPollInterval, logger),
		worker.NewPool(models.KindRAGIndexing, q,
			worker.NewRAGHandler(st, uploader, logger),
			cfg.WorkerPollInterval, logger),
		worker.NewPool(models.KindReminder, q,
			worker.NewReminderHandler(st, q, logger),
			cfg.WorkerPollInterval, logger),
		worker.NewPool(models.KindOutboundSend, q,
			worker.NewSendHandler(sender, st, events, logger),
			cfg.WorkerPollInterval, logger),
	}

	sched := scheduler.New(st, q, cfg.SchedulerInterval, cfg.ReminderLookaheads, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("start scheduler", zap.Error(err))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Duration("scheduler_interval", cfg.SchedulerInterval))

	var wg sync.WaitGroup
	for _, pool := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			_ = p.Run(ctx)
		}(pool)
	}
	wg.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	sched.Stop(stopCtx)
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	return logger
}
