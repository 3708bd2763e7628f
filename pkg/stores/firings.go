package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/trigger"
)

// FiringTable is a durable trigger.FiringLog.
type FiringTable struct {
	db *sql.DB
}

// Record inserts one firing.
func (t *FiringTable) Record(ctx context.Context, run trigger.TriggerRun) error {
	firingCtx, err := marshalBlob(run.Context)
	if err != nil {
		return engine.NewStoreError("failed to encode firing context", err).WithEntity(run.TriggerID).WithOperation("record_firing")
	}
	details, err := marshalBlob(run.Details)
	if err != nil {
		return engine.NewStoreError("failed to encode firing details", err).WithEntity(run.TriggerID).WithOperation("record_firing")
	}

	query := `
		INSERT INTO trigger_runs (id, trigger_id, trigger_key, project, actuator, status, run_id, error, context, details, fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = t.db.ExecContext(ctx, query,
		run.ID, run.TriggerID, run.TriggerKey, run.Project, run.Actuator, string(run.Status),
		run.RunID, run.Error, firingCtx, details, formatTime(run.FiredAt),
	)
	if err != nil {
		return engine.NewStoreError("failed to record firing", err).WithEntity(run.TriggerID).WithOperation("record_firing")
	}
	return nil
}

// List returns the newest firings of a trigger first.
func (t *FiringTable) List(ctx context.Context, triggerID string, limit int) ([]trigger.TriggerRun, error) {
	query := `
		SELECT id, trigger_id, trigger_key, project, actuator, status, run_id, error, context, details, fired_at
		FROM trigger_runs
		WHERE trigger_id = ?
		ORDER BY fired_at DESC, id ASC
	`
	args := []interface{}{triggerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewStoreError("failed to list firings", err).WithEntity(triggerID).WithOperation("list_firings")
	}
	defer rows.Close()

	out := []trigger.TriggerRun{}
	for rows.Next() {
		run, err := scanFiring(rows)
		if err != nil {
			return nil, engine.NewStoreError("failed to scan firing", err).WithEntity(triggerID).WithOperation("list_firings")
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewStoreError("error iterating firings", err).WithEntity(triggerID).WithOperation("list_firings")
	}
	return out, nil
}

func scanFiring(row rowScanner) (trigger.TriggerRun, error) {
	var (
		run              trigger.TriggerRun
		status, firedAt  string
		firingCtx, extra []byte
	)
	err := row.Scan(&run.ID, &run.TriggerID, &run.TriggerKey, &run.Project, &run.Actuator, &status,
		&run.RunID, &run.Error, &firingCtx, &extra, &firedAt)
	if err != nil {
		return run, err
	}
	run.Status = trigger.TriggerRunStatus(status)
	if err := unmarshalBlob(firingCtx, &run.Context); err != nil {
		return run, fmt.Errorf("failed to decode firing context: %w", err)
	}
	if err := unmarshalBlob(extra, &run.Details); err != nil {
		return run, fmt.Errorf("failed to decode firing details: %w", err)
	}
	if run.FiredAt, err = parseTime(firedAt); err != nil {
		return run, err
	}
	return run, nil
}
