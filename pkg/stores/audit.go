package stores

import (
	"context"
	"database/sql"

	"github.com/runplane/runplane/pkg/engine"
)

// AuditTable is a durable engine.AuditLog. Records are only ever inserted.
type AuditTable struct {
	db *sql.DB
}

// Append inserts a transition record.
func (t *AuditTable) Append(ctx context.Context, rec engine.TransitionRecord) error {
	query := `
		INSERT INTO transitions (id, entity_id, entity_kind, event, from_state, to_state, actor, observed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	observed := 0
	if rec.Observed {
		observed = 1
	}
	_, err := t.db.ExecContext(ctx, query,
		rec.ID, rec.EntityID, rec.EntityKind, rec.Event, rec.From, rec.To, rec.Actor, observed,
		formatTime(rec.Timestamp),
	)
	if err != nil {
		return engine.NewStoreError("failed to append transition", err).WithEntity(rec.EntityID).WithOperation("append")
	}
	return nil
}

// History returns the records of one entity in append order.
func (t *AuditTable) History(ctx context.Context, entityID string) ([]engine.TransitionRecord, error) {
	query := `
		SELECT id, entity_id, entity_kind, event, from_state, to_state, actor, observed, created_at
		FROM transitions
		WHERE entity_id = ?
		ORDER BY seq ASC
	`
	rows, err := t.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, engine.NewStoreError("failed to read history", err).WithEntity(entityID).WithOperation("history")
	}
	defer rows.Close()

	out := []engine.TransitionRecord{}
	for rows.Next() {
		var (
			rec       engine.TransitionRecord
			observed  int
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.EntityKind, &rec.Event, &rec.From, &rec.To, &rec.Actor, &observed, &createdAt); err != nil {
			return nil, engine.NewStoreError("failed to scan transition", err).WithEntity(entityID).WithOperation("history")
		}
		rec.Observed = observed == 1
		if rec.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, engine.NewStoreError("failed to decode transition", err).WithEntity(entityID).WithOperation("history")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewStoreError("error iterating history", err).WithEntity(entityID).WithOperation("history")
	}
	return out, nil
}
