package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/ecostress-pipeline/internal/claim"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/filter"
	"github.com/smukkama/ecostress-pipeline/internal/metrics"
	"github.com/smukkama/ecostress-pipeline/internal/protocol"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/scene"
	"github.com/smukkama/ecostress-pipeline/internal/storage"
)

// Outcome is how a scene message was resolved
type Outcome string

const (
	OutcomePublished        Outcome = "published"
	OutcomeAlreadyPublished Outcome = "already_published"
	OutcomeInProgress       Outcome = "in_progress" // claimed by another worker
	OutcomeFailed           Outcome = "failed"
	OutcomeInvalid          Outcome = "invalid"
)

// SceneState is the stage a scene is in
type SceneState string

const (
	SceneDownloading SceneState = "downloading"
	SceneFiltering   SceneState = "filtering"
	ScenePublishing  SceneState = "publishing"
	ScenePublished   SceneState = "published"
	SceneFailed      SceneState = "failed"
)

// infraError marks a failure of a collaborator the scene depends on rather
// than of the scene itself. The message is retried instead of recorded.
type infraError struct {
	err error
}

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

// Downloader fetches bundle files
type Downloader interface {
	DownloadFile(ctx context.Context, taskID, fileID, dest string) (int64, error)
}

// SceneProcessor turns one scene message into published outputs
type SceneProcessor struct {
	downloader Downloader
	ledger     Ledger
	store      ObjectStore
	claims     Claimer
	engine     *filter.Engine
	catalog    *regions.Catalog
	workDir    string
	log        zerolog.Logger

	dirMu sync.Mutex // guards task directory creation and removal
}

// NewSceneProcessor creates a scene processor working below workDir
func NewSceneProcessor(workDir string, downloader Downloader, ledger Ledger, store ObjectStore,
	claims Claimer, catalog *regions.Catalog, log zerolog.Logger) *SceneProcessor {
	return &SceneProcessor{
		downloader: downloader,
		ledger:     ledger,
		store:      store,
		claims:     claims,
		engine:     filter.NewEngine(log),
		catalog:    catalog,
		workDir:    workDir,
		log:        log.With().Str("component", "processor").Logger(),
	}
}

// Handle processes one scene. Scene-local failures are recorded in the
// ledger and reported as OutcomeFailed with a nil error; a non-nil error
// means the message must be retried.
func (p *SceneProcessor) Handle(ctx context.Context, msg *protocol.SceneMessage) (Outcome, error) {
	if err := msg.Validate(); err != nil {
		p.log.Error().Err(err).Msg("dropping invalid scene message")
		metrics.SceneOutcomes.WithLabelValues(string(OutcomeInvalid), "").Inc()
		return OutcomeInvalid, nil
	}
	key, _ := msg.Key()

	log := p.log.With().
		Str("task_id", msg.TaskID).
		Str("scene_id", msg.SceneID).
		Int("region_id", key.RegionID).
		Str("date", key.Date).
		Logger()

	cl, ok, err := p.claims.Acquire(ctx, msg.TaskID, msg.SceneID)
	if err != nil {
		return "", &infraError{fmt.Errorf("claim scene %s: %w", msg.SceneID, err)}
	}
	if !ok {
		log.Info().Msg("scene claimed by another worker")
		metrics.SceneOutcomes.WithLabelValues(string(OutcomeInProgress), "").Inc()
		return OutcomeInProgress, nil
	}
	defer p.release(log, cl)

	region, ok := p.catalog.Lookup(key.RegionID)
	if !ok {
		return p.rejectUnmapped(ctx, log, msg, key)
	}
	log = log.With().Str("feature_id", region.FeatureID()).Logger()

	spec := database.JobSpec{
		JobType:   database.JobProcess,
		TaskID:    msg.TaskID,
		FeatureID: region.FeatureID(),
		SceneDate: key.Date,
		Metadata: map[string]string{
			"scene_id": msg.SceneID,
			"files":    strconv.Itoa(len(msg.Files)),
		},
	}

	publishedAt, err := p.publishedKey(ctx, region, key.Date)
	if err != nil {
		return "", &infraError{err}
	}
	if publishedAt != "" {
		// redelivery: resolve a row left started by an attempt that died
		// after publishing
		n, err := p.ledger.ResolveJobs(ctx, spec, database.JobResult{
			Status:  database.JobSuccess,
			Message: "outputs already published",
		})
		if err != nil {
			return "", &infraError{err}
		}
		log.Info().Str("key", publishedAt).Int64("resolved", n).Msg("scene already published")
		metrics.SceneOutcomes.WithLabelValues(string(OutcomeAlreadyPublished), "").Inc()
		return OutcomeAlreadyPublished, nil
	}

	start := time.Now()
	h, err := p.ledger.StartJob(ctx, spec)
	if err != nil {
		return "", &infraError{err}
	}

	metrics.ActiveScenes.Inc()
	defer metrics.ActiveScenes.Dec()

	sceneDir := filepath.Join(p.workDir, msg.TaskID, msg.SceneID)
	defer p.cleanup(log, sceneDir)

	runErr := p.run(ctx, log, msg, key, region, sceneDir)

	var infra *infraError
	if errors.As(runErr, &infra) {
		return "", runErr
	}
	if runErr != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}

	// record the result even if the caller is shutting down
	ledgerCtx := context.WithoutCancel(ctx)
	if runErr == nil {
		if err := p.ledger.CompleteJob(ledgerCtx, h, database.JobResult{
			Status:   database.JobSuccess,
			Duration: time.Since(start),
		}); err != nil {
			return "", &infraError{err}
		}
		log.Info().Str("state", string(ScenePublished)).Dur("duration", time.Since(start)).Msg("scene published")
		metrics.SceneOutcomes.WithLabelValues(string(OutcomePublished), "").Inc()
		return OutcomePublished, nil
	}

	code := CodeOf(runErr)
	if err := p.ledger.CompleteJob(ledgerCtx, h, database.JobResult{
		Status:   database.JobFailed,
		Duration: time.Since(start),
		Code:     code,
		Message:  runErr.Error(),
	}); err != nil {
		return "", &infraError{err}
	}
	log.Warn().Err(runErr).Str("state", string(SceneFailed)).Str("code", code).Msg("scene failed")
	metrics.SceneOutcomes.WithLabelValues(string(OutcomeFailed), code).Inc()
	return OutcomeFailed, nil
}

// rejectUnmapped records a scene whose region id has no region
func (p *SceneProcessor) rejectUnmapped(ctx context.Context, log zerolog.Logger, msg *protocol.SceneMessage, key scene.Key) (Outcome, error) {
	spec := database.JobSpec{
		JobType:   database.JobProcess,
		TaskID:    msg.TaskID,
		FeatureID: fmt.Sprintf("aid%04d", key.RegionID),
		SceneDate: key.Date,
		Metadata:  map[string]string{"scene_id": msg.SceneID},
	}
	h, err := p.ledger.StartJob(ctx, spec)
	if err != nil {
		return "", &infraError{err}
	}
	err = fmt.Errorf("%w: %d (%d regions loaded)", ErrUnmappedRegion, key.RegionID, p.catalog.Len())
	if cerr := p.ledger.CompleteJob(ctx, h, database.JobResult{
		Status:  database.JobFailed,
		Code:    CodeUnknownRegion,
		Message: err.Error(),
	}); cerr != nil {
		return "", &infraError{cerr}
	}
	log.Warn().Err(err).Msg("scene failed")
	metrics.SceneOutcomes.WithLabelValues(string(OutcomeFailed), CodeUnknownRegion).Inc()
	return OutcomeFailed, nil
}

func (p *SceneProcessor) run(ctx context.Context, log zerolog.Logger, msg *protocol.SceneMessage,
	key scene.Key, region regions.Region, sceneDir string) error {
	log.Debug().Str("state", string(SceneDownloading)).Msg("scene state")
	files, err := p.download(ctx, log, msg, sceneDir)
	if err != nil {
		return err
	}

	log.Debug().Str("state", string(SceneFiltering)).Msg("scene state")
	start := time.Now()
	res, out, err := p.engine.Process(filter.Input{Key: key, Region: region, Files: files}, filepath.Join(sceneDir, "out"))
	metrics.ObserveStage("filter", start)
	if err != nil {
		return err
	}

	log.Debug().Str("state", string(ScenePublishing)).Str("base_name", res.BaseName).Msg("scene state")
	return p.publish(ctx, log, region, res, out)
}

// download fetches the band files of a scene. Files already present from an
// earlier attempt are reused.
func (p *SceneProcessor) download(ctx context.Context, log zerolog.Logger, msg *protocol.SceneMessage, sceneDir string) ([]string, error) {
	start := time.Now()
	defer metrics.ObserveStage("download", start)

	p.dirMu.Lock()
	err := os.MkdirAll(sceneDir, 0o755)
	p.dirMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create scene dir: %w", err)
	}

	var paths []string
	reused := 0
	for _, f := range msg.Files {
		name := filepath.Base(f.FileName)
		if _, ok := scene.MatchBand(name); !ok {
			log.Debug().Str("file", name).Msg("skipping non-band file")
			continue
		}
		dest := filepath.Join(sceneDir, name)
		if st, err := os.Stat(dest); err == nil && st.Size() > 0 {
			reused++
			paths = append(paths, dest)
			continue
		}
		if _, err := p.downloader.DownloadFile(ctx, msg.TaskID, f.FileID, dest); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrDownload, name, err)
		}
		paths = append(paths, dest)
	}
	if reused > 0 {
		log.Info().Int("reused", reused).Msg("reusing downloaded files")
	}
	return paths, nil
}

type upload struct {
	key  string
	path string
}

// publish stores the raster and CSV, writes the ledger rows and stores the
// metadata document last, since its presence marks the scene as published.
// Objects written by this call are removed again when a later step fails.
func (p *SceneProcessor) publish(ctx context.Context, log zerolog.Logger, region regions.Region,
	res *filter.Result, out *filter.Outputs) error {
	start := time.Now()
	defer metrics.ObserveStage("publish", start)

	tifKey := p.store.ObjectKey(region, out.TIFPath)
	csvKey := p.store.ObjectKey(region, out.CSVPath)
	metaKey := p.store.MetadataKey(region, out.MetadataPath)

	var written []string
	rollback := func() {
		rctx := context.WithoutCancel(ctx)
		for _, k := range written {
			if err := p.store.Remove(rctx, k); err != nil {
				log.Error().Err(err).Str("key", k).Msg("failed to roll back object")
			}
		}
	}

	for _, u := range []upload{{tifKey, out.TIFPath}, {csvKey, out.CSVPath}} {
		obj, err := p.store.PutFile(ctx, u.key, u.path, storage.ContentType(u.path))
		if err != nil {
			rollback()
			return err
		}
		if !obj.Skipped {
			written = append(written, u.key)
		}
	}

	meta := res.Metadata()
	feature, row, err := ledgerRows(&meta, tifKey, csvKey, metaKey)
	if err != nil {
		rollback()
		return err
	}
	if err := p.ledger.UpsertFeature(ctx, feature); err != nil {
		rollback()
		return &infraError{err}
	}
	if err := p.ledger.UpsertMetadata(ctx, row); err != nil {
		rollback()
		if errors.Is(err, database.ErrFeatureMissing) {
			return err
		}
		return &infraError{err}
	}

	if _, err := p.store.PutFile(ctx, metaKey, out.MetadataPath, storage.ContentType(out.MetadataPath)); err != nil {
		rollback()
		return err
	}
	return nil
}

// publishedKey returns the metadata key of an already published scene under
// either naming variant, or "" when none exists
func (p *SceneProcessor) publishedKey(ctx context.Context, region regions.Region, date string) (string, error) {
	for _, base := range filter.CandidateBaseNames(region, date) {
		k := p.store.MetadataKey(region, filter.MetadataName(base))
		ok, err := p.store.Exists(ctx, k)
		if err != nil {
			return "", err
		}
		if ok {
			return k, nil
		}
	}
	return "", nil
}

// cleanup removes the scene's working directory, and the task directory
// once no other scene of the task is using it
func (p *SceneProcessor) cleanup(log zerolog.Logger, sceneDir string) {
	p.dirMu.Lock()
	defer p.dirMu.Unlock()

	if err := os.RemoveAll(sceneDir); err != nil {
		log.Warn().Err(err).Str("dir", sceneDir).Msg("failed to remove scene dir")
	}
	taskDir := filepath.Dir(sceneDir)
	if entries, err := os.ReadDir(taskDir); err == nil && len(entries) == 0 {
		if err := os.Remove(taskDir); err != nil {
			log.Warn().Err(err).Str("dir", taskDir).Msg("failed to remove task dir")
		}
	}
}

func (p *SceneProcessor) release(log zerolog.Logger, cl *claim.Claim) {
	if err := p.claims.Release(context.Background(), cl); err != nil {
		log.Warn().Err(err).Msg("failed to release scene claim")
	}
}
