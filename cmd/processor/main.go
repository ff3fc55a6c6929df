package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smukkama/ecostress-pipeline/internal/appeears"
	"github.com/smukkama/ecostress-pipeline/internal/claim"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/logging"
	"github.com/smukkama/ecostress-pipeline/internal/metrics"
	"github.com/smukkama/ecostress-pipeline/internal/pipeline"
	"github.com/smukkama/ecostress-pipeline/internal/queue"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/storage"
	"github.com/smukkama/ecostress-pipeline/pkg/config"
)

const retryDelay = 2 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logging.New(cfg.Logging, "processor")
	log.Info().Int("workers", cfg.Kafka.Workers).Msg("starting processor service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, log)

	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	catalog, err := regions.Load(cfg.Pipeline.RegionsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load regions")
	}

	store, err := storage.New(cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create storage client")
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatal().Err(err).Str("bucket", cfg.Storage.Bucket).Msg("failed to ensure bucket")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	claims := claim.NewClaimer(redisClient, cfg.Redis.ClaimTTL)

	if err := os.MkdirAll(cfg.Pipeline.WorkDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create work dir")
	}

	client := appeears.New(cfg.AppEEARS, log)
	proc := pipeline.NewSceneProcessor(cfg.Pipeline.WorkDir, client, db, store, claims, catalog, log)

	consumers := make([]*queue.Consumer, cfg.Kafka.Workers)
	pool := pipeline.NewPool(cfg.Kafka.Workers, func(id int) pipeline.Source {
		consumers[id] = queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicScenes, cfg.Kafka.GroupID)
		return consumers[id]
	}, proc, retryDelay, log)
	pool.Start(ctx)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, c := range consumers {
					stats := c.Stats()
					log.Info().
						Int("worker_id", i).
						Int64("messages", stats.Messages).
						Str("bytes", humanize.Bytes(uint64(stats.Bytes))).
						Int64("errors", stats.Errors).
						Int64("lag", stats.Lag).
						Msg("consumer stats")
				}
			}
		}
	}()

	log.Info().
		Str("topic", cfg.Kafka.TopicScenes).
		Str("group", cfg.Kafka.GroupID).
		Str("work_dir", cfg.Pipeline.WorkDir).
		Msg("processor running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	pool.Wait()
	for _, c := range consumers {
		c.Close()
	}
	log.Info().Msg("processor stopped")
}
