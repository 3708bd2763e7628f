package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/runplane/runplane/pkg/engine"
)

// RunnableTable is a durable engine.RunnableStore. The runnable is kept as a
// JSON document; project, framework and state are copied into indexed
// columns for List.
type RunnableTable struct {
	db *sql.DB
}

// Store upserts the runnable under id.
func (t *RunnableTable) Store(ctx context.Context, id string, r *engine.Runnable) error {
	body, err := json.Marshal(r)
	if err != nil {
		return engine.NewStoreError("failed to encode runnable", err).WithEntity(id).WithOperation("store")
	}

	query := `
		INSERT INTO runnables (id, project, framework, state, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			framework = excluded.framework,
			state = excluded.state,
			body = excluded.body,
			updated_at = excluded.updated_at
	`
	_, err = t.db.ExecContext(ctx, query, id, r.Project, r.Framework, string(r.State), body, formatTime(r.UpdatedAt))
	if err != nil {
		return engine.NewStoreError("failed to store runnable", err).WithEntity(id).WithOperation("store")
	}
	return nil
}

// Get returns the runnable stored under id.
func (t *RunnableTable) Get(ctx context.Context, id string) (*engine.Runnable, bool, error) {
	var body []byte
	err := t.db.QueryRowContext(ctx, `SELECT body FROM runnables WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engine.NewStoreError("failed to get runnable", err).WithEntity(id).WithOperation("get")
	}

	r := &engine.Runnable{}
	if err := json.Unmarshal(body, r); err != nil {
		return nil, false, engine.NewStoreError("failed to decode runnable", err).WithEntity(id).WithOperation("get")
	}
	return r, true, nil
}

// Remove deletes the runnable stored under id. A missing id is not an error.
func (t *RunnableTable) Remove(ctx context.Context, id string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM runnables WHERE id = ?`, id); err != nil {
		return engine.NewStoreError("failed to remove runnable", err).WithEntity(id).WithOperation("remove")
	}
	return nil
}

// List returns runnables matching filter, most recently updated first.
func (t *RunnableTable) List(ctx context.Context, filter engine.RunnableFilter) ([]*engine.Runnable, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.Framework != "" {
		where = append(where, "framework = ?")
		args = append(args, filter.Framework)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT id, body FROM runnables`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewStoreError("failed to list runnables", err).WithOperation("list")
	}
	defer rows.Close()

	out := []*engine.Runnable{}
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, engine.NewStoreError("failed to scan runnable", err).WithOperation("list")
		}
		r := &engine.Runnable{}
		if err := json.Unmarshal(body, r); err != nil {
			return nil, engine.NewStoreError("failed to decode runnable", fmt.Errorf("runnable %s: %w", id, err)).WithOperation("list")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewStoreError("error iterating runnables", err).WithOperation("list")
	}
	return out, nil
}
