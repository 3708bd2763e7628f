package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/lifecycle"
)

// EntityTable is a durable lifecycle.Repository. Spec, status and
// relationships are stored as opaque JSON blobs.
type EntityTable struct {
	db *sql.DB
}

const entityColumns = `id, kind, project, name, state, created_by, updated_by, spec, status, relationships, created_at, updated_at`

// Create inserts a new entity.
func (t *EntityTable) Create(ctx context.Context, e *lifecycle.Entity) error {
	spec, status, rels, err := encodeEntityBlobs(e)
	if err != nil {
		return engine.NewStoreError("failed to encode entity", err).WithEntity(e.ID).WithOperation("create")
	}

	query := `INSERT INTO entities (` + entityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = t.db.ExecContext(ctx, query,
		e.ID, e.Kind, e.Project, e.Name, e.State, e.CreatedBy, e.UpdatedBy,
		spec, status, rels,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return engine.NewStoreError("entity already exists", err).WithEntity(e.ID).WithCode(engine.ErrCodeAlreadyExists)
		}
		return engine.NewStoreError("failed to create entity", err).WithEntity(e.ID).WithOperation("create")
	}
	return nil
}

// Get returns the entity with id.
func (t *EntityTable) Get(ctx context.Context, id string) (*lifecycle.Entity, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewStoreError("entity not found", nil).WithEntity(id).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, engine.NewStoreError("failed to get entity", err).WithEntity(id).WithOperation("get")
	}
	return e, nil
}

// UpdateState moves id from expected to next inside a transaction, merging
// status into the stored status.
func (t *EntityTable) UpdateState(ctx context.Context, id, expected, next, actor string, status map[string]interface{}) (*lifecycle.Entity, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, engine.NewStoreError("failed to begin transaction", err).WithEntity(id).WithOperation("update_state")
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewStoreError("entity not found", nil).WithEntity(id).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, engine.NewStoreError("failed to read entity", err).WithEntity(id).WithOperation("update_state")
	}
	if cur.State != expected {
		return nil, engine.NewStoreError("entity changed concurrently", nil).
			WithEntity(id).
			WithCode(engine.ErrCodeConcurrentUpdate).
			WithDetail("expected", expected).
			WithDetail("actual", cur.State)
	}

	cur.State = next
	if actor != "" {
		cur.UpdatedBy = actor
	}
	if len(status) > 0 {
		if cur.Status == nil {
			cur.Status = make(map[string]interface{}, len(status))
		}
		for k, v := range engine.CloneMap(status) {
			cur.Status[k] = v
		}
	}
	cur.UpdatedAt = time.Now().UTC()

	statusBlob, err := marshalBlob(cur.Status)
	if err != nil {
		return nil, engine.NewStoreError("failed to encode status", err).WithEntity(id).WithOperation("update_state")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE entities SET state = ?, updated_by = ?, status = ?, updated_at = ? WHERE id = ? AND state = ?`,
		cur.State, cur.UpdatedBy, statusBlob, formatTime(cur.UpdatedAt), id, expected,
	)
	if err != nil {
		return nil, engine.NewStoreError("failed to update entity state", err).WithEntity(id).WithOperation("update_state")
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, engine.NewStoreError("entity changed concurrently", err).WithEntity(id).WithCode(engine.ErrCodeConcurrentUpdate)
	}
	if err := tx.Commit(); err != nil {
		return nil, engine.NewStoreError("failed to commit entity state", err).WithEntity(id).WithOperation("update_state")
	}
	return cur, nil
}

// Delete removes the entity. A missing id is not an error.
func (t *EntityTable) Delete(ctx context.Context, id string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return engine.NewStoreError("failed to delete entity", err).WithEntity(id).WithOperation("delete")
	}
	return nil
}

// List returns entities matching filter ordered by creation time.
func (t *EntityTable) List(ctx context.Context, filter lifecycle.Filter) ([]*lifecycle.Entity, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}

	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewStoreError("failed to list entities", err).WithOperation("list")
	}
	defer rows.Close()

	out := []*lifecycle.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, engine.NewStoreError("failed to scan entity", err).WithOperation("list")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewStoreError("error iterating entities", err).WithOperation("list")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*lifecycle.Entity, error) {
	var (
		e                    lifecycle.Entity
		spec, status, rels   []byte
		createdAt, updatedAt string
	)
	err := row.Scan(
		&e.ID, &e.Kind, &e.Project, &e.Name, &e.State, &e.CreatedBy, &e.UpdatedBy,
		&spec, &status, &rels,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalBlob(spec, &e.Spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}
	if err := unmarshalBlob(status, &e.Status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if err := unmarshalBlob(rels, &e.Relationships); err != nil {
		return nil, fmt.Errorf("failed to decode relationships: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeEntityBlobs(e *lifecycle.Entity) (spec, status, rels []byte, err error) {
	if spec, err = marshalBlob(e.Spec); err != nil {
		return nil, nil, nil, err
	}
	if status, err = marshalBlob(e.Status); err != nil {
		return nil, nil, nil, err
	}
	if len(e.Relationships) > 0 {
		if rels, err = json.Marshal(e.Relationships); err != nil {
			return nil, nil, nil, err
		}
	}
	return spec, status, rels, nil
}

func marshalBlob(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalBlob(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
