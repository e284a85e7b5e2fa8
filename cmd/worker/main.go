package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"courtside.app/coach/common/id"
	"courtside.app/coach/common/llm"
	"courtside.app/coach/common/logger"
	"courtside.app/coach/common/otel"
	"courtside.app/coach/core/config"
	"courtside.app/coach/core/db"
	"courtside.app/coach/internal/pipeline"
	"courtside.app/coach/internal/queue"
	"courtside.app/coach/internal/store"
	"courtside.app/coach/internal/vision"
	"courtside.app/coach/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "coach worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.TaskGroup,
		"consumer_name", cfg.Queue.ConsumerName)

	// Different node ID than the server so ids never collide.
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.TaskStream)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.TaskStream,
		Group:        cfg.Queue.TaskGroup,
		Consumer:     cfg.Queue.ConsumerName,
		DLQStream:    cfg.Queue.TaskDLQ,
		BatchSize:    1, // one analysis at a time, they are long-running
		Block:        5 * time.Second,
		MaxAttempts:  3,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	stores := store.NewStores(database)

	var visionClient *vision.Client
	if cfg.Vision.Enabled() {
		visionClient = vision.NewClient(cfg.Vision.BaseURL)
	}

	// Structured statistics output goes through the OpenAI client; fall back
	// to the title model's config when the analysis model is Anthropic.
	chatCfg := cfg.AnalysisLLM
	if chatCfg.Provider != llm.ProviderOpenAI {
		chatCfg = cfg.TitleLLM
	}
	var chatClient llm.Client
	if chatCfg.Enabled() && chatCfg.Provider == llm.ProviderOpenAI {
		chatClient, err = llm.NewOpenAIChatClient(llm.Config(chatCfg))
		if err != nil {
			slog.WarnContext(ctx, "statistics analysis disabled", "error", err)
		}
	}

	processor := worker.NewTaskProcessor(
		stores.Tasks(),
		stores.Messages(),
		pipeline.NewRedisProgressPublisher(redisClient),
		visionClient,
		chatClient,
		id.New,
	)

	w := worker.New(consumer, stores.Tasks(), processor, worker.Config{
		MaxAttempts: 3,
	})

	reclaimer := worker.NewReclaimer(redisClient, worker.ReclaimerConfig{
		Stream:    cfg.Queue.TaskStream,
		Group:     cfg.Queue.TaskGroup,
		Consumer:  cfg.Queue.ConsumerName + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, processor.Process)

	errCh := make(chan error, 2)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop reclaimer first (quick), then the worker (may be mid-task).
	reclaimer.Stop()
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}
