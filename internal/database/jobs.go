package database

import (
	"context"
	"database/sql"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// StartJob records the start of a stage. Any row of the same stage still in
// started state is failed as superseded first, in the same transaction.
func (db *DB) StartJob(ctx context.Context, spec JobSpec) (*JobHandle, error) {
	var meta []byte
	if len(spec.Metadata) > 0 {
		var err error
		if meta, err = jsoniter.Marshal(spec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to encode job metadata: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'failed',
		    completed_at = CURRENT_TIMESTAMP,
		    duration_ms = (EXTRACT(EPOCH FROM (CURRENT_TIMESTAMP - started_at)) * 1000)::BIGINT,
		    error_code = $5,
		    error_message = 'superseded by a newer attempt'
		WHERE task_id = $1 AND job_type = $2
		  AND COALESCE(feature_id, '') = $3 AND COALESCE(scene_date, '') = $4
		  AND status = 'started'
	`, spec.TaskID, spec.JobType, spec.FeatureID, spec.SceneDate, CodeSuperseded)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede started jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.log.Warn().Str("task_id", spec.TaskID).Str("job_type", string(spec.JobType)).
			Str("feature_id", spec.FeatureID).Str("date", spec.SceneDate).
			Int64("rows", n).Msg("superseded started job")
	}

	h := &JobHandle{JobType: spec.JobType, TaskID: spec.TaskID}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO processing_jobs (job_type, task_id, feature_id, scene_date, status, metadata)
		VALUES ($1, $2, $3, $4, 'started', $5)
		RETURNING id, started_at
	`, spec.JobType, spec.TaskID, nullString(spec.FeatureID), nullString(spec.SceneDate), nullJSON(meta),
	).Scan(&h.ID, &h.StartedAt)
	if err != nil {
		if pqCode(err) == pgUniqueViolation {
			return nil, fmt.Errorf("%w: %s %s", ErrJobConflict, spec.JobType, spec.TaskID)
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if pqCode(err) == pgUniqueViolation {
			return nil, fmt.Errorf("%w: %s %s", ErrJobConflict, spec.JobType, spec.TaskID)
		}
		return nil, fmt.Errorf("failed to commit job start: %w", err)
	}
	return h, nil
}

// CompleteJob transitions the handle's row out of started. It fails with
// ErrJobNotStarted when the row was already resolved.
func (db *DB) CompleteJob(ctx context.Context, h *JobHandle, result JobResult) error {
	res, err := db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = $2,
		    completed_at = CURRENT_TIMESTAMP,
		    duration_ms = $3,
		    error_code = $4,
		    error_message = $5
		WHERE id = $1 AND status = 'started'
	`, h.ID, result.Status, result.Duration.Milliseconds(), nullString(result.Code), nullString(result.Message))
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", h.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", h.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %d", ErrJobNotStarted, h.ID)
	}
	return nil
}

// ResolveJobs moves the started rows of one stage to a terminal state and
// returns how many it resolved. Used when the handle of the attempt that
// started them is gone, e.g. after a restart.
func (db *DB) ResolveJobs(ctx context.Context, spec JobSpec, result JobResult) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = $5,
		    completed_at = CURRENT_TIMESTAMP,
		    duration_ms = (EXTRACT(EPOCH FROM (CURRENT_TIMESTAMP - started_at)) * 1000)::BIGINT,
		    error_code = $6,
		    error_message = $7
		WHERE task_id = $1 AND job_type = $2
		  AND COALESCE(feature_id, '') = $3 AND COALESCE(scene_date, '') = $4
		  AND status = 'started'
	`, spec.TaskID, spec.JobType, spec.FeatureID, spec.SceneDate,
		result.Status, nullString(result.Code), nullString(result.Message))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s jobs of %s: %w", spec.JobType, spec.TaskID, err)
	}
	return res.RowsAffected()
}

// FailStartedJobs fails every started job of a task and returns how many
// rows it resolved
func (db *DB) FailStartedJobs(ctx context.Context, taskID, code, message string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'failed',
		    completed_at = CURRENT_TIMESTAMP,
		    duration_ms = (EXTRACT(EPOCH FROM (CURRENT_TIMESTAMP - started_at)) * 1000)::BIGINT,
		    error_code = $2,
		    error_message = $3
		WHERE task_id = $1 AND status = 'started'
	`, taskID, nullString(code), nullString(message))
	if err != nil {
		return 0, fmt.Errorf("failed to fail started jobs of %s: %w", taskID, err)
	}
	return res.RowsAffected()
}

// ListJobs returns the jobs of a task in start order
func (db *DB) ListJobs(ctx context.Context, taskID string) ([]*ProcessingJob, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, job_type, task_id, feature_id, scene_date, status, started_at,
		       completed_at, duration_ms, error_code, error_message, metadata
		FROM processing_jobs
		WHERE task_id = $1
		ORDER BY started_at, id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ProcessingJob
	for rows.Next() {
		var j ProcessingJob
		var featureID, sceneDate, code, message sql.NullString
		var completedAt sql.NullTime
		var duration sql.NullInt64
		if err := rows.Scan(
			&j.ID,
			&j.JobType,
			&j.TaskID,
			&featureID,
			&sceneDate,
			&j.Status,
			&j.StartedAt,
			&completedAt,
			&duration,
			&code,
			&message,
			&j.Metadata,
		); err != nil {
			return nil, err
		}
		j.FeatureID = stringPtr(featureID)
		j.SceneDate = stringPtr(sceneDate)
		j.ErrorCode = stringPtr(code)
		j.ErrorMessage = stringPtr(message)
		if completedAt.Valid {
			t := completedAt.Time
			j.CompletedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			j.DurationMs = &d
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
