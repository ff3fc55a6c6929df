package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/smukkama/ecostress-pipeline/internal/protocol"
)

// Source delivers queue messages; a message is redelivered until committed
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Worker consumes scene messages and commits each one once it is handled
type Worker struct {
	id         int
	source     Source
	handler    SceneHandler
	retryDelay time.Duration
	maxDelay   time.Duration
	log        zerolog.Logger
}

// NewWorker creates a worker. Messages whose handling fails on
// infrastructure errors are retried after retryDelay, doubling up to 16x.
func NewWorker(id int, source Source, handler SceneHandler, retryDelay time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		id:         id,
		source:     source,
		handler:    handler,
		retryDelay: retryDelay,
		maxDelay:   16 * retryDelay,
		log:        log.With().Str("component", "worker").Int("worker_id", id).Logger(),
	}
}

// Run consumes until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	defer w.log.Info().Msg("worker stopped")

	for {
		msg, err := w.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error().Err(err).Msg("fetch failed")
			if err := sleepContext(ctx, w.retryDelay); err != nil {
				return nil
			}
			continue
		}

		if err := w.handle(ctx, msg); err != nil {
			// shutting down mid-scene: leave the message uncommitted
			return nil
		}

		if err := w.source.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

// handle processes one message, retrying until it is resolved. It only
// returns an error when ctx is cancelled.
func (w *Worker) handle(ctx context.Context, msg kafka.Message) error {
	log := w.log.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	sm, err := protocol.DecodeSceneMessage(msg.Value)
	if err != nil {
		log.Error().Err(err).Str("key", string(msg.Key)).Msg("dropping undecodable message")
		return nil
	}

	delay := w.retryDelay
	for {
		outcome, err := w.handler.Handle(ctx, sm)
		if err == nil {
			log.Debug().Str("scene_id", sm.SceneID).Str("outcome", string(outcome)).Msg("message handled")
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		log.Error().Err(err).Str("scene_id", sm.SceneID).Dur("retry_in", delay).Msg("scene handling failed")
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > w.maxDelay {
			delay = w.maxDelay
		}
	}
}

// Pool runs a set of workers
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates a pool of n workers, each with its own source
func NewPool(n int, newSource func(id int) Source, handler SceneHandler, retryDelay time.Duration, log zerolog.Logger) *Pool {
	p := &Pool{}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, NewWorker(i, newSource(i), handler, retryDelay, log))
	}
	return p
}

// Start launches every worker
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has stopped
func (p *Pool) Wait() {
	p.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
