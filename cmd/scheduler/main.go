package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/ecostress-pipeline/internal/appeears"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/logging"
	"github.com/smukkama/ecostress-pipeline/internal/metrics"
	"github.com/smukkama/ecostress-pipeline/internal/pipeline"
	"github.com/smukkama/ecostress-pipeline/internal/queue"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/timer"
	"github.com/smukkama/ecostress-pipeline/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logging.New(cfg.Logging, "scheduler")
	log.Info().Msg("starting scheduler service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, log)

	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx, cfg.Pipeline.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	catalog, err := regions.Load(cfg.Pipeline.RegionsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load regions")
	}
	log.Info().Int("regions", catalog.Len()).Str("path", cfg.Pipeline.RegionsPath).Msg("regions loaded")

	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicScenes, cfg.Kafka.NumPartitions, 1, log); err != nil {
		log.Fatal().Err(err).Msg("failed to create scenes topic")
	}
	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicScenes)
	defer producer.Close()

	timers := timer.NewManager()
	timers.Start()
	defer timers.Stop()

	client := appeears.New(cfg.AppEEARS, log)
	orch := pipeline.NewOrchestrator(cfg, client, db, producer, timers, catalog, log)

	hour, minute, err := config.ParseClock(cfg.Pipeline.SubmitTime)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid submit time")
	}
	scheduleDailyRun(ctx, timers, orch, hour, minute, cfg.Pipeline.WindowDays, log)
	schedulePendingPoll(ctx, timers, orch, cfg.Pipeline.PendingPollInterval, log)

	log.Info().
		Str("submit_time", cfg.Pipeline.SubmitTime).
		Dur("pending_poll_interval", cfg.Pipeline.PendingPollInterval).
		Msg("scheduler running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
}

// scheduleDailyRun runs one full pipeline pass every day at hour:minute and
// reschedules itself after each run
func scheduleDailyRun(ctx context.Context, tm *timer.Manager, orch *pipeline.Orchestrator,
	hour, minute, days int, log zerolog.Logger) {
	const taskID = "daily-run"

	var scheduleNext func()
	scheduleNext = func() {
		next := timer.NextDaily(time.Now(), hour, minute)
		log.Info().Time("next_run", next).Msg("daily run scheduled")

		tm.Schedule(taskID, next, func() {
			defer scheduleNext()
			if ctx.Err() != nil {
				return
			}
			start, end := pipeline.Window(time.Now(), days)
			report, err := orch.Run(ctx, pipeline.SubmitRequest{
				Trigger: database.TriggerScheduled,
				Start:   start,
				End:     end,
			})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).
					Str("request_id", report.RequestID).
					Str("task_id", report.TaskID).
					Str("code", report.Code).
					Msg("daily run aborted")
				return
			}
			log.Info().
				Str("request_id", report.RequestID).
				Str("task_id", report.TaskID).
				Str("state", string(report.State)).
				Int("scenes", report.Scenes).
				Msg("daily run finished")
		})
	}

	scheduleNext()
}

// schedulePendingPoll picks up tasks that a run stopped waiting for
func schedulePendingPoll(ctx context.Context, tm *timer.Manager, orch *pipeline.Orchestrator,
	interval time.Duration, log zerolog.Logger) {
	const taskID = "pending-poll"

	var scheduleNext func()
	scheduleNext = func() {
		tm.After(taskID, interval, func() {
			defer scheduleNext()
			if ctx.Err() != nil {
				return
			}
			report, err := orch.PollPending(ctx)
			if err != nil {
				log.Error().Err(err).Msg("pending poll failed")
				return
			}
			if report.Pending > 0 {
				log.Info().
					Int("pending", report.Pending).
					Int("dispatched", report.Dispatched).
					Int("failed", report.Failed).
					Int("waiting", report.Waiting).
					Int("missing", report.Missing).
					Msg("pending poll finished")
			}
		})
	}

	scheduleNext()
}
