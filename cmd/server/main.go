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

	"github.com/redis/go-redis/v9"

	"github.com/ignite/capi-uploader/internal/api"
	"github.com/ignite/capi-uploader/internal/archive"
	"github.com/ignite/capi-uploader/internal/capi"
	"github.com/ignite/capi-uploader/internal/config"
	"github.com/ignite/capi-uploader/internal/job"
	"github.com/ignite/capi-uploader/internal/pkg/distlock"
	"github.com/ignite/capi-uploader/internal/pkg/logger"
	"github.com/ignite/capi-uploader/internal/progress"
	"github.com/ignite/capi-uploader/internal/transform"
)

// drainTimeout bounds how long shutdown waits for in-flight jobs to record
// their cancelled status.
const drainTimeout = 30 * time.Second

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if cfg.Meta.AccessToken == "" {
		log.Println("Warning: META_ACCESS_TOKEN is not set; uploads will be refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	var store progress.Store
	switch cfg.Storage.Type {
	case "redis":
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("Redis connection failed: %v", err)
		}
		pingCancel()
		store = progress.NewRedisStore(redisClient, distlock.NewFactory(redisClient, cfg.Storage.LockTTL()))
		log.Printf("Progress store: redis (%s)", opts.Addr)
	default:
		fs, err := progress.NewFileStore(cfg.Storage.UploadsDir)
		if err != nil {
			log.Fatalf("Failed to initialize uploads dir: %v", err)
		}
		store = fs
		log.Printf("Progress store: local files (%s)", cfg.Storage.UploadsDir)
	}

	// Uploaded CSVs always live on local disk; the store only holds progress.
	layout := progress.Layout{Dir: cfg.Storage.UploadsDir}
	if err := os.MkdirAll(layout.Dir, 0755); err != nil {
		log.Fatalf("Failed to create uploads dir: %v", err)
	}

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		log.Fatalf("Failed to initialize archive: %v", err)
	}
	if cfg.Archive.Enabled {
		log.Printf("Archiving finished jobs (s3_bucket=%q, dynamodb_table=%q)", cfg.Archive.S3Bucket, cfg.Archive.DynamoDBTable)
	}

	clientOpts := capi.OptionsFromConfig(cfg.Meta, cfg.Pipeline)
	runner := job.NewRunner(job.RunnerDeps{
		Store:       store,
		NewSender:   func() job.Sender { return capi.NewClient(clientOpts) },
		Archiver:    archiver,
		Locks:       distlock.NewFactory(redisClient, cfg.Storage.LockTTL()),
		BatchSize:   cfg.Pipeline.BatchSize,
		LockRefresh: cfg.Storage.LockTTL() / 3,
	})
	service := job.NewService(store, layout, runner, job.Defaults{
		EventName:     cfg.Pipeline.EventName,
		Timezone:      cfg.Pipeline.TimezoneDefault,
		DefaultRegion: cfg.Pipeline.DefaultRegion,
		Columns:       transform.DefaultColumns(),
	})

	handlers := api.NewHandlers(service, cfg.Meta.AccessToken != "")
	server := api.NewServer(cfg.Server, handlers, api.NewHealthChecker(redisClient, layout.Dir))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := cfg.Server.Addr()
		log.Printf("Starting server on %s (graph %s, batch_size=%d)", addr, cfg.Meta.GraphAPIVersion, cfg.Pipeline.BatchSize)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Printf("Job drain incomplete: %v", err)
	}

	log.Println("Server stopped")
}
