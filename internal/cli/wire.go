package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smukkama/ecostress-pipeline/internal/appeears"
	"github.com/smukkama/ecostress-pipeline/internal/claim"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/logging"
	"github.com/smukkama/ecostress-pipeline/internal/pipeline"
	"github.com/smukkama/ecostress-pipeline/internal/queue"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/storage"
	"github.com/smukkama/ecostress-pipeline/internal/timer"
	"github.com/smukkama/ecostress-pipeline/pkg/config"
)

// env holds the collaborators a command needs. Everything is opened on
// demand and released by close.
type env struct {
	cfg *config.Config
	log zerolog.Logger

	db       *database.DB
	catalog  *regions.Catalog
	producer *queue.Producer
	timers   *timer.Manager
	redis    *redis.Client

	closers []func()
}

func newEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logCfg := cfg.Logging
	logCfg.Format = "console"
	return &env{cfg: cfg, log: logging.NewWithWriter(logCfg, "ecoctl", os.Stderr)}, nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *env) database(ctx context.Context) (*database.DB, error) {
	if e.db != nil {
		return e.db, nil
	}
	db, err := database.Connect(ctx, e.cfg.Database.ConnectionString(), e.log)
	if err != nil {
		return nil, err
	}
	e.db = db
	e.closers = append(e.closers, func() { db.Close() })
	return db, nil
}

func (e *env) regions() (*regions.Catalog, error) {
	if e.catalog != nil {
		return e.catalog, nil
	}
	c, err := regions.Load(e.cfg.Pipeline.RegionsPath)
	if err != nil {
		return nil, err
	}
	e.catalog = c
	return c, nil
}

// orchestrator wires an orchestrator publishing to the scenes topic
func (e *env) orchestrator(ctx context.Context) (*pipeline.Orchestrator, error) {
	db, err := e.database(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := e.regions()
	if err != nil {
		return nil, err
	}
	if e.producer == nil {
		e.producer = queue.NewProducer(e.cfg.Kafka.Brokers, e.cfg.Kafka.TopicScenes)
		p := e.producer
		e.closers = append(e.closers, func() { p.Close() })
	}
	if e.timers == nil {
		e.timers = timer.NewManager()
		e.timers.Start()
		e.closers = append(e.closers, e.timers.Stop)
	}
	client := appeears.New(e.cfg.AppEEARS, e.log)
	return pipeline.NewOrchestrator(e.cfg, client, db, e.producer, e.timers, catalog, e.log), nil
}

func (e *env) store(ctx context.Context) (*storage.Store, error) {
	store, err := storage.New(e.cfg.Storage, e.log)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// processor wires a scene processor for in-process runs
func (e *env) processor(ctx context.Context) (*pipeline.SceneProcessor, error) {
	db, err := e.database(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := e.regions()
	if err != nil {
		return nil, err
	}
	store, err := e.store(ctx)
	if err != nil {
		return nil, err
	}
	if e.redis == nil {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     e.cfg.Redis.Addr,
			Password: e.cfg.Redis.Password,
			DB:       e.cfg.Redis.DB,
		})
		r := e.redis
		e.closers = append(e.closers, func() { r.Close() })
	}
	claims := claim.NewClaimer(e.redis, e.cfg.Redis.ClaimTTL)
	client := appeears.New(e.cfg.AppEEARS, e.log)
	if err := os.MkdirAll(e.cfg.Pipeline.WorkDir, 0o755); err != nil {
		return nil, err
	}
	return pipeline.NewSceneProcessor(e.cfg.Pipeline.WorkDir, client, db, store, claims, catalog, e.log), nil
}
