package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordRequest inserts a request or updates the row created earlier under
// the same request id, as a manual trigger does. The original trigger is kept.
func (db *DB) RecordRequest(ctx context.Context, r *EcostressRequest) error {
	var taskID sql.NullString
	if r.TaskID != nil {
		taskID = nullString(*r.TaskID)
	}
	var code, message sql.NullString
	if r.ErrorCode != nil {
		code = nullString(*r.ErrorCode)
	}
	if r.ErrorMessage != nil {
		message = nullString(*r.ErrorMessage)
	}

	query := `
		INSERT INTO ecostress_requests (
			request_id, task_id, trigger, start_date, end_date, error_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO UPDATE
		SET task_id = COALESCE(EXCLUDED.task_id, ecostress_requests.task_id),
		    start_date = EXCLUDED.start_date,
		    end_date = EXCLUDED.end_date,
		    error_code = EXCLUDED.error_code,
		    error_message = EXCLUDED.error_message,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING trigger, created_at, updated_at
	`
	return db.QueryRowContext(ctx, query,
		r.RequestID,
		taskID,
		r.Trigger,
		r.StartDate,
		r.EndDate,
		code,
		message,
	).Scan(&r.Trigger, &r.CreatedAt, &r.UpdatedAt)
}

// MarkRequestDispatched records the scene count of a task whose scenes were
// queued
func (db *DB) MarkRequestDispatched(ctx context.Context, taskID string, scenes int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE ecostress_requests
		SET scenes_count = $2, dispatched_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE task_id = $1
	`, taskID, scenes)
	if err != nil {
		return fmt.Errorf("failed to mark %s dispatched: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		db.log.Warn().Str("task_id", taskID).Msg("no request row for dispatched task")
	}
	return nil
}

// MarkRequestError records a terminal failure against a task's request
func (db *DB) MarkRequestError(ctx context.Context, taskID, code, message string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE ecostress_requests
		SET error_code = $2, error_message = $3, updated_at = CURRENT_TIMESTAMP
		WHERE task_id = $1
	`, taskID, nullString(code), nullString(message))
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", taskID, err)
	}
	return nil
}

// PendingTaskIDs returns submitted tasks that were neither dispatched nor
// failed yet
func (db *DB) PendingTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT task_id FROM ecostress_requests
		WHERE task_id IS NOT NULL
		  AND scenes_count IS NULL
		  AND dispatched_at IS NULL
		  AND error_message IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRequestByTask retrieves the request of a task
func (db *DB) GetRequestByTask(ctx context.Context, taskID string) (*EcostressRequest, error) {
	query := `
		SELECT request_id, task_id, trigger, start_date, end_date, scenes_count,
		       dispatched_at, error_code, error_message, created_at, updated_at
		FROM ecostress_requests
		WHERE task_id = $1
	`

	var r EcostressRequest
	var task, code, message sql.NullString
	var scenes sql.NullInt64
	var dispatched sql.NullTime
	err := db.QueryRowContext(ctx, query, taskID).Scan(
		&r.RequestID,
		&task,
		&r.Trigger,
		&r.StartDate,
		&r.EndDate,
		&scenes,
		&dispatched,
		&code,
		&message,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	r.TaskID = stringPtr(task)
	r.ErrorCode = stringPtr(code)
	r.ErrorMessage = stringPtr(message)
	if scenes.Valid {
		n := int(scenes.Int64)
		r.ScenesCount = &n
	}
	if dispatched.Valid {
		t := dispatched.Time
		r.DispatchedAt = &t
	}
	return &r, nil
}
