package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"courtside.app/coach/common/id"
	"courtside.app/coach/common/llm"
	"courtside.app/coach/common/logger"
	"courtside.app/coach/common/otel"
	"courtside.app/coach/core/config"
	"courtside.app/coach/core/db"
	coachhttp "courtside.app/coach/internal/http"
	"courtside.app/coach/internal/media"
	"courtside.app/coach/internal/pipeline"
	"courtside.app/coach/internal/queue"
	"courtside.app/coach/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "coach server starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
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
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.TaskStream)

	streamClient, err := llm.NewStreamClient(llm.Config(cfg.AnalysisLLM))
	if err != nil {
		slog.ErrorContext(ctx, "failed to create analysis client", "error", err)
		os.Exit(1)
	}

	stores := store.NewStores(database)

	var titler pipeline.Titler
	if cfg.TitleLLM.Enabled() && cfg.TitleLLM.Provider == llm.ProviderOpenAI {
		titleClient, err := llm.NewOpenAIChatClient(llm.Config(cfg.TitleLLM))
		if err != nil {
			slog.WarnContext(ctx, "title generation disabled", "error", err)
		} else {
			titler = pipeline.NewTitleGenerator(stores.Conversations(), titleClient)
		}
	}

	var converter *media.Converter
	if cfg.Storage.ConversionEnabled() {
		converter = media.NewConverter(cfg.Storage.ConvertURL)
	}
	mediaService := media.NewService(media.NewUploader(cfg.Storage.BaseURL), converter)

	producer := queue.NewRedisProducer(redisClient, cfg.Queue.TaskStream, slog.Default())
	defer producer.Close()

	sessions := pipeline.NewRedisSessionSource(redisClient)

	orchestrator, err := pipeline.New(pipeline.Deps{
		Messages:      stores.Messages(),
		Conversations: stores.Conversations(),
		Tasks:         stores.Tasks(),
		Producer:      producer,
		Progress:      pipeline.NewRedisProgressPublisher(redisClient),
		Sessions:      sessions,
		Media:         mediaService,
		Stream:        streamClient,
		Titles:        titler,
		NewID:         id.New,
	}, cfg.Pipeline)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := coachhttp.NewHandler(orchestrator, stores.Messages(), stores.Conversations(), stores.Tasks(), sessions, id.New)
	router := coachhttp.NewRouter(cfg.OTel.ServiceName, handler)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute, // large multipart uploads
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}
