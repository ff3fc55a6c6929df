package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/ecostress-pipeline/internal/appeears"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/metrics"
	"github.com/smukkama/ecostress-pipeline/internal/protocol"
	"github.com/smukkama/ecostress-pipeline/internal/queue"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/scene"
	"github.com/smukkama/ecostress-pipeline/pkg/config"
)

// TaskName is the name given to every submitted task
const TaskName = "ECOStress_Request"

// RunState is the stage a run has reached
type RunState string

const (
	StateSubmitted     RunState = "submitted"
	StatePolling       RunState = "polling"
	StateManifestReady RunState = "manifest_ready"
	StateDispatched    RunState = "dispatched"
	StateCompleted     RunState = "completed"
	StateAbortedEarly  RunState = "aborted_early"
)

// SubmitRequest asks for one task over a date window
type SubmitRequest struct {
	RequestID string // generated when empty
	Trigger   string // scheduled when empty
	Start     time.Time
	End       time.Time
}

// RunReport describes how far a run got
type RunReport struct {
	RequestID string
	TaskID    string
	State     RunState
	Scenes    int
	Outcomes  map[Outcome]int // only filled when scenes are processed in-process
	Code      string
}

// PollReport summarizes one pass over pending tasks
type PollReport struct {
	Pending    int
	Dispatched int
	Failed     int
	Waiting    int
	Missing    int
}

// Orchestrator drives a task from submission to scene dispatch
type Orchestrator struct {
	provider  Provider
	ledger    Ledger
	publisher Publisher
	timers    Scheduler
	catalog   *regions.Catalog

	product     string
	layers      []string
	interval    time.Duration
	maxInterval time.Duration
	maxAttempts int

	local        SceneHandler
	localWorkers int

	log zerolog.Logger
}

// NewOrchestrator creates an orchestrator. publisher may be nil when scenes
// are processed in-process via WithLocalProcessing.
func NewOrchestrator(cfg *config.Config, provider Provider, ledger Ledger, publisher Publisher,
	timers Scheduler, catalog *regions.Catalog, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		provider:    provider,
		ledger:      ledger,
		publisher:   publisher,
		timers:      timers,
		catalog:     catalog,
		product:     cfg.AppEEARS.Product,
		layers:      cfg.AppEEARS.Layers,
		interval:    cfg.Pipeline.PollInterval,
		maxInterval: cfg.Pipeline.PollMaxInterval,
		maxAttempts: cfg.Pipeline.PollMaxAttempts,
		log:         log.With().Str("component", "orchestrator").Logger(),
	}
}

// WithLocalProcessing makes dispatch hand scenes to h directly instead of
// publishing them to the queue
func (o *Orchestrator) WithLocalProcessing(h SceneHandler, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	o.local = h
	o.localWorkers = workers
	return o
}

// Window returns the default submission window: the given number of days
// ending yesterday
func Window(now time.Time, days int) (start, end time.Time) {
	if days < 1 {
		days = 1
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end = today.AddDate(0, 0, -1)
	start = end.AddDate(0, 0, -days)
	return start, end
}

type submission struct {
	requestID string
	taskID    string
	scrape    *database.JobHandle
}

// Submit authenticates, submits the area task and records the request. A
// failed submission is recorded against the request and returned.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	sub, err := o.submit(ctx, req)
	if err != nil {
		return "", err
	}
	return sub.taskID, nil
}

func (o *Orchestrator) submit(ctx context.Context, req SubmitRequest) (*submission, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Trigger == "" {
		req.Trigger = database.TriggerScheduled
	}
	if req.End.Before(req.Start) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidWindow,
			req.Start.Format("2006-01-02"), req.End.Format("2006-01-02"))
	}

	start := time.Now()
	log := o.log.With().Str("request_id", req.RequestID).Logger()
	rec := &database.EcostressRequest{
		RequestID: req.RequestID,
		Trigger:   req.Trigger,
		StartDate: req.Start,
		EndDate:   req.End,
	}

	if _, err := o.provider.Login(ctx); err != nil {
		return nil, o.abortSubmit(ctx, log, rec, start, err)
	}

	task := appeears.NewAreaTask(TaskName, o.product, o.layers, o.catalog.GeoJSON(), req.Start, req.End)
	taskID, err := o.provider.SubmitTask(ctx, task)
	if err != nil {
		return nil, o.abortSubmit(ctx, log, rec, start, err)
	}

	rec.TaskID = &taskID
	if err := o.ledger.RecordRequest(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record request for task %s: %w", taskID, err)
	}
	h, err := o.ledger.StartJob(ctx, database.JobSpec{
		JobType:  database.JobScrape,
		TaskID:   taskID,
		Metadata: map[string]string{"request_id": req.RequestID, "trigger": rec.Trigger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start scrape job for task %s: %w", taskID, err)
	}

	log.Info().
		Str("task_id", taskID).
		Str("start", req.Start.Format("2006-01-02")).
		Str("end", req.End.Format("2006-01-02")).
		Int("regions", o.catalog.Len()).
		Msg("task submitted")
	return &submission{requestID: req.RequestID, taskID: taskID, scrape: h}, nil
}

func (o *Orchestrator) abortSubmit(ctx context.Context, log zerolog.Logger, rec *database.EcostressRequest,
	start time.Time, cause error) error {
	code := CodeOf(cause)
	msg := cause.Error()
	rec.ErrorCode = &code
	rec.ErrorMessage = &msg

	lctx := context.WithoutCancel(ctx)
	if err := o.ledger.RecordRequest(lctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to record failed request")
	}

	// no task exists yet, so the attempt is keyed by the request id
	h, err := o.ledger.StartJob(lctx, database.JobSpec{
		JobType:  database.JobScrape,
		TaskID:   rec.RequestID,
		Metadata: map[string]string{"request_id": rec.RequestID, "trigger": rec.Trigger},
	})
	if err == nil {
		err = o.ledger.CompleteJob(lctx, h, database.JobResult{
			Status:   database.JobFailed,
			Duration: time.Since(start),
			Code:     code,
			Message:  msg,
		})
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to record failed scrape job")
	}

	log.Error().Err(cause).Str("code", code).Msg("task submission aborted")
	return cause
}

// WaitForTask polls the task status until it is done. Checks are scheduled
// on the timer manager with a delay doubling up to the max interval; the
// number of checks is bounded. Cancelling ctx cancels the pending check.
func (o *Orchestrator) WaitForTask(ctx context.Context, taskID string) error {
	start := time.Now()
	defer metrics.ObserveStage("poll", start)

	timerID := "poll:" + taskID
	result := make(chan error, 1)
	finish := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	attempt := 0
	delay := o.interval
	var check func()
	check = func() {
		if ctx.Err() != nil {
			finish(ctx.Err())
			return
		}
		attempt++
		status, err := o.provider.TaskStatus(ctx, taskID)
		switch {
		case err != nil && errors.Is(err, appeears.ErrAuthentication):
			finish(err)
			return
		case err != nil:
			o.log.Warn().Err(err).Str("task_id", taskID).Int("attempt", attempt).Msg("status check failed")
		case status == appeears.StatusDone:
			finish(nil)
			return
		case status == appeears.StatusError:
			finish(fmt.Errorf("%w: task %s", ErrTaskReportedError, taskID))
			return
		default:
			o.log.Debug().Str("task_id", taskID).Str("status", status).Int("attempt", attempt).Msg("task not ready")
		}

		if o.maxAttempts > 0 && attempt >= o.maxAttempts {
			finish(fmt.Errorf("%w: task %s after %d checks", ErrPollExhausted, taskID, attempt))
			return
		}
		next := delay
		delay *= 2
		if o.maxInterval > 0 && delay > o.maxInterval {
			delay = o.maxInterval
		}
		if err := o.timers.Schedule(timerID, time.Now().Add(next), check); err != nil {
			finish(err)
		}
	}

	if err := o.timers.Schedule(timerID, time.Now(), check); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		o.timers.Cancel(timerID)
		return ctx.Err()
	}
}

// DispatchManifest fetches the task's file manifest, groups it into scenes
// and hands every scene on as one message. It returns the scene count.
func (o *Orchestrator) DispatchManifest(ctx context.Context, taskID string) (int, error) {
	n, _, err := o.dispatch(ctx, taskID)
	return n, err
}

func (o *Orchestrator) dispatch(ctx context.Context, taskID string) (int, map[Outcome]int, error) {
	start := time.Now()
	defer metrics.ObserveStage("manifest", start)
	log := o.log.With().Str("task_id", taskID).Logger()

	h, err := o.ledger.StartJob(ctx, database.JobSpec{JobType: database.JobManifest, TaskID: taskID})
	if err != nil {
		return 0, nil, err
	}
	fail := func(cause error, markRequest bool) error {
		code := CodeOf(cause)
		lctx := context.WithoutCancel(ctx)
		if err := o.ledger.CompleteJob(lctx, h, database.JobResult{
			Status:   database.JobFailed,
			Duration: time.Since(start),
			Code:     code,
			Message:  cause.Error(),
		}); err != nil {
			log.Error().Err(err).Msg("failed to record manifest failure")
		}
		if markRequest {
			if err := o.ledger.MarkRequestError(lctx, taskID, code, cause.Error()); err != nil {
				log.Error().Err(err).Msg("failed to mark request failed")
			}
		}
		log.Error().Err(cause).Str("code", code).Msg("manifest dispatch failed")
		return cause
	}

	bundle, err := o.provider.Bundle(ctx, taskID)
	if err != nil {
		return 0, nil, fail(fmt.Errorf("%w: %v", ErrManifestFetch, err), true)
	}

	entries := make([]scene.ManifestEntry, len(bundle.Files))
	for i, f := range bundle.Files {
		entries[i] = scene.ManifestEntry{FileID: f.FileID, FileName: f.FileName}
	}
	groups := scene.Group(entries)
	msgs := make([]*protocol.SceneMessage, 0, groups.Len())
	for _, b := range groups.Buckets() {
		msgs = append(msgs, protocol.NewSceneMessage(taskID, b))
	}
	log.Info().
		Int("files", len(entries)).
		Int("scenes", len(msgs)).
		Int("skipped", groups.Skipped).
		Msg("manifest grouped")

	var outcomes map[Outcome]int
	if o.local != nil {
		outcomes, err = o.processLocal(ctx, msgs)
	} else {
		err = o.publish(ctx, msgs)
	}
	if err != nil {
		// the request stays pending so the next poll pass dispatches again
		return 0, nil, fail(fmt.Errorf("%w: %v", ErrDispatch, err), false)
	}
	metrics.ScenesDispatched.Add(float64(len(msgs)))

	if err := o.ledger.MarkRequestDispatched(ctx, taskID, len(msgs)); err != nil {
		return len(msgs), outcomes, err
	}
	if err := o.ledger.CompleteJob(ctx, h, database.JobResult{
		Status:   database.JobSuccess,
		Duration: time.Since(start),
	}); err != nil {
		return len(msgs), outcomes, err
	}
	return len(msgs), outcomes, nil
}

func (o *Orchestrator) publish(ctx context.Context, msgs []*protocol.SceneMessage) error {
	if o.publisher == nil {
		return errors.New("no queue publisher configured")
	}
	batch := make([]queue.Message, 0, len(msgs))
	for _, m := range msgs {
		data, err := protocol.EncodeSceneMessage(m)
		if err != nil {
			return err
		}
		batch = append(batch, queue.Message{Key: m.SceneID, Value: data})
	}
	return o.publisher.PublishBatch(ctx, batch)
}

// processLocal runs every scene through the local handler. Scene failures
// are counted, not returned.
func (o *Orchestrator) processLocal(ctx context.Context, msgs []*protocol.SceneMessage) (map[Outcome]int, error) {
	var mu sync.Mutex
	outcomes := make(map[Outcome]int)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.localWorkers)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			outcome, err := o.local.Handle(gctx, m)
			if err != nil {
				return fmt.Errorf("scene %s: %w", m.SceneID, err)
			}
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// PollPending makes one pass over submitted tasks that are neither
// dispatched nor failed, using a single status listing. Done tasks get
// their scrape job resolved and their manifest dispatched; tasks in error
// get their request and every started job failed; others are left for the
// next pass.
func (o *Orchestrator) PollPending(ctx context.Context) (*PollReport, error) {
	ids, err := o.ledger.PendingTaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	report := &PollReport{Pending: len(ids)}
	if len(ids) == 0 {
		o.log.Debug().Msg("no pending tasks")
		return report, nil
	}

	statuses, err := o.provider.TaskStatuses(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list task statuses: %w", err)
	}

	for _, taskID := range ids {
		log := o.log.With().Str("task_id", taskID).Logger()
		status, ok := statuses[taskID]
		if !ok {
			log.Warn().Msg("task not found upstream")
			report.Missing++
			continue
		}

		switch status {
		case appeears.StatusDone:
			if _, err := o.ledger.ResolveJobs(ctx, database.JobSpec{JobType: database.JobScrape, TaskID: taskID},
				database.JobResult{Status: database.JobSuccess}); err != nil {
				return report, err
			}
			n, err := o.DispatchManifest(ctx, taskID)
			if err != nil {
				if errors.Is(err, ErrManifestFetch) || errors.Is(err, ErrDispatch) {
					report.Failed++
					continue
				}
				return report, err
			}
			log.Info().Int("scenes", n).Msg("task dispatched")
			report.Dispatched++

		case appeears.StatusError:
			if err := o.failTask(ctx, taskID); err != nil {
				return report, err
			}
			report.Failed++

		default:
			log.Debug().Str("status", status).Msg("task still running")
			report.Waiting++
		}
	}
	return report, nil
}

// failTask records a provider-reported task error on the request and on
// every job of the task still started
func (o *Orchestrator) failTask(ctx context.Context, taskID string) error {
	cause := fmt.Errorf("%w: task %s", ErrTaskReportedError, taskID)
	if err := o.ledger.MarkRequestError(ctx, taskID, CodeTaskReportedError, cause.Error()); err != nil {
		return err
	}
	n, err := o.ledger.FailStartedJobs(ctx, taskID, CodeTaskReportedError, cause.Error())
	if err != nil {
		return err
	}
	o.log.Error().Str("task_id", taskID).Int64("jobs_failed", n).Msg("task reported error")
	return nil
}

// Run submits a task, waits for it and dispatches its scenes. With local
// processing the run also processes every scene and ends Completed;
// otherwise it ends Dispatched and the processor service takes over.
func (o *Orchestrator) Run(ctx context.Context, req SubmitRequest) (*RunReport, error) {
	report := &RunReport{RequestID: req.RequestID}
	if report.RequestID == "" {
		report.RequestID = uuid.NewString()
		req.RequestID = report.RequestID
	}
	abort := func(err error) (*RunReport, error) {
		report.State = StateAbortedEarly
		report.Code = CodeOf(err)
		return report, err
	}

	sub, err := o.submit(ctx, req)
	if err != nil {
		return abort(err)
	}
	report.TaskID = sub.taskID
	report.State = StatePolling
	if err := o.WaitForTask(ctx, sub.taskID); err != nil {
		switch {
		case errors.Is(err, ErrTaskReportedError):
			if ferr := o.failTask(context.WithoutCancel(ctx), sub.taskID); ferr != nil {
				o.log.Error().Err(ferr).Str("task_id", sub.taskID).Msg("failed to record task error")
			}
		default:
			// still running upstream: the scrape job stays started and the
			// pending poll picks the task up later
			o.log.Warn().Err(err).Str("task_id", sub.taskID).Msg("stopped waiting for task")
		}
		return abort(err)
	}

	if err := o.ledger.CompleteJob(ctx, sub.scrape, database.JobResult{
		Status:   database.JobSuccess,
		Duration: time.Since(sub.scrape.StartedAt),
	}); err != nil {
		return abort(err)
	}
	report.State = StateManifestReady

	n, outcomes, err := o.dispatch(ctx, sub.taskID)
	if err != nil {
		return abort(err)
	}
	report.Scenes = n
	report.State = StateDispatched
	if o.local != nil {
		report.Outcomes = outcomes
		report.State = StateCompleted
	}
	return report, nil
}
