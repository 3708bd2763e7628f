package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/runplane/runplane/pkg/trigger"
)

// setupTestStore creates a migrated SQLite store in a temp directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "runplane.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "lifecycle.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runnables", "entities", "transitions", "trigger_runs"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func testRunnable(id, framework string, state engine.State) *engine.Runnable {
	now := time.Now().UTC()
	return &engine.Runnable{
		ID:        id,
		Project:   "demo",
		Runtime:   "container",
		Task:      "container+job",
		Framework: framework,
		State:     state,
		Image:     "python:3.12",
		Args:      []string{"main.py"},
		Envs:      map[string]string{"MODE": "train"},
		Spec:      map[string]interface{}{"image": "python:3.12"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRunnableTable(t *testing.T) {
	store := setupTestStore(t)
	runnables := store.Runnables()
	ctx := context.Background()

	if _, ok, err := runnables.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want absent", ok, err)
	}

	r := testRunnable("run-1", "local", engine.StateReady)
	if err := runnables.Store(ctx, r.ID, r); err != nil {
		t.Fatalf("failed to store runnable: %v", err)
	}

	got, ok, err := runnables.Get(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("Get(run-1) = ok %v, err %v", ok, err)
	}
	if got.State != engine.StateReady || got.Image != "python:3.12" || got.Envs["MODE"] != "train" {
		t.Errorf("unexpected runnable: %+v", got)
	}

	// Store replaces the entry.
	r.State = engine.StateError
	r.Error = &engine.RunnableError{Kind: engine.ErrorKindFramework, Message: "boom"}
	if err := runnables.Store(ctx, r.ID, r); err != nil {
		t.Fatalf("failed to update runnable: %v", err)
	}
	got, _, _ = runnables.Get(ctx, "run-1")
	if got.State != engine.StateError || got.Error == nil || got.Error.Message != "boom" {
		t.Errorf("update not applied: %+v", got)
	}

	if err := runnables.Store(ctx, "run-2", testRunnable("run-2", "k8s", engine.StateRunning)); err != nil {
		t.Fatalf("failed to store runnable: %v", err)
	}

	all, err := runnables.List(ctx, engine.RunnableFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 runnables, got %d", len(all))
	}

	k8s, err := runnables.List(ctx, engine.RunnableFilter{Framework: "k8s", State: engine.StateRunning})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(k8s) != 1 || k8s[0].ID != "run-2" {
		t.Errorf("filtered list = %v", k8s)
	}

	if err := runnables.Remove(ctx, "run-1"); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	if err := runnables.Remove(ctx, "run-1"); err != nil {
		t.Fatalf("removing an absent id must not fail: %v", err)
	}
	if _, ok, _ := runnables.Get(ctx, "run-1"); ok {
		t.Error("runnable still present after Remove")
	}
}

func testEntity(id string) *lifecycle.Entity {
	now := time.Now().UTC()
	return &lifecycle.Entity{
		ID:        id,
		Kind:      lifecycle.KindArtifact,
		Project:   "demo",
		Name:      "model",
		State:     "CREATED",
		CreatedBy: "alice",
		UpdatedBy: "alice",
		Spec:      map[string]interface{}{"path": "s3://bucket/model.pkl"},
		Relationships: []lifecycle.Relationship{
			{Type: lifecycle.RelProducedBy, Dest: "store://demo/run/train"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestEntityTable(t *testing.T) {
	store := setupTestStore(t)
	entities := store.Entities()
	ctx := context.Background()

	e := testEntity("a-1")
	if err := entities.Create(ctx, e); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if err := entities.Create(ctx, e); !engine.IsStore(err) {
		t.Fatalf("duplicate create: got %v, want store error", err)
	}

	got, err := entities.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if got.Spec["path"] != "s3://bucket/model.pkl" {
		t.Errorf("spec not round-tripped: %v", got.Spec)
	}
	if len(got.Relationships) != 1 || got.Relationships[0].Dest != "store://demo/run/train" {
		t.Errorf("relationships not round-tripped: %v", got.Relationships)
	}
	if got.Key() != "store://demo/artifact/model:a-1" {
		t.Errorf("unexpected key %s", got.Key())
	}

	if _, err := entities.Get(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("Get(missing) = %v, want not found", err)
	}

	updated, err := entities.UpdateState(ctx, "a-1", "CREATED", "UPLOADING", "bob", map[string]interface{}{"progress": 10})
	if err != nil {
		t.Fatalf("failed to update state: %v", err)
	}
	if updated.State != "UPLOADING" || updated.UpdatedBy != "bob" || updated.CreatedBy != "alice" {
		t.Errorf("unexpected entity after update: %+v", updated)
	}

	// Stale expected state is rejected and leaves the row alone.
	if _, err := entities.UpdateState(ctx, "a-1", "CREATED", "READY", "bob", nil); err == nil {
		t.Fatal("expected concurrent update error")
	}
	got, _ = entities.Get(ctx, "a-1")
	if got.State != "UPLOADING" {
		t.Errorf("state = %s, want UPLOADING", got.State)
	}

	if _, err := entities.UpdateState(ctx, "a-1", "UPLOADING", "READY", "", map[string]interface{}{"size": 42}); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}
	got, _ = entities.Get(ctx, "a-1")
	if got.Status["progress"] == nil || got.Status["size"] == nil {
		t.Errorf("status not merged: %v", got.Status)
	}

	if err := entities.Create(ctx, &lifecycle.Entity{ID: "r-1", Kind: lifecycle.KindRun, Project: "demo", State: "READY", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("failed to create run entity: %v", err)
	}
	ready, err := entities.List(ctx, lifecycle.Filter{State: "READY"})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(ready) != 2 {
		t.Errorf("expected 2 READY entities, got %d", len(ready))
	}
	runs, _ := entities.List(ctx, lifecycle.Filter{Kind: lifecycle.KindRun})
	if len(runs) != 1 {
		t.Errorf("expected 1 run entity, got %d", len(runs))
	}

	if err := entities.Delete(ctx, "a-1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := entities.Get(ctx, "a-1"); !engine.IsNotFound(err) {
		t.Errorf("entity still present after delete: %v", err)
	}
}

func TestAuditTable(t *testing.T) {
	store := setupTestStore(t)
	audit := store.Audit()
	ctx := context.Background()

	events := []string{"BUILD", "READY", "EXECUTE"}
	for i, ev := range events {
		rec := engine.TransitionRecord{
			ID:         fmt.Sprintf("rec-%d", i),
			EntityID:   "run-1",
			EntityKind: lifecycle.KindRun,
			Event:      ev,
			To:         ev,
			Observed:   i == 2,
			Timestamp:  time.Now(),
		}
		if err := audit.Append(ctx, rec); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}

	history, err := audit.History(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(history) != len(events) {
		t.Fatalf("expected %d records, got %d", len(events), len(history))
	}
	for i, rec := range history {
		if rec.Event != events[i] {
			t.Errorf("record %d event = %s, want %s", i, rec.Event, events[i])
		}
	}
	if !history[2].Observed || history[0].Observed {
		t.Error("observed flag not persisted")
	}

	other, _ := audit.History(ctx, "run-2")
	if len(other) != 0 {
		t.Errorf("expected empty history, got %d", len(other))
	}
}

func TestFiringTable(t *testing.T) {
	store := setupTestStore(t)
	firings := store.Firings()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		run := trigger.TriggerRun{
			ID:         fmt.Sprintf("f-%d", i),
			TriggerID:  "t-1",
			TriggerKey: "store://demo/trigger/nightly:t-1",
			Project:    "demo",
			Actuator:   "scheduler",
			Status:     trigger.RunStatusSubmitted,
			RunID:      fmt.Sprintf("run-%d", i),
			Context:    map[string]interface{}{"tick": i},
			FiredAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if i == 2 {
			run.Status = trigger.RunStatusFailed
			run.RunID = ""
			run.Error = "template invalid"
		}
		if err := firings.Record(ctx, run); err != nil {
			t.Fatalf("failed to record firing: %v", err)
		}
	}

	list, err := firings.List(ctx, "t-1", 0)
	if err != nil {
		t.Fatalf("failed to list firings: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 firings, got %d", len(list))
	}
	if list[0].ID != "f-2" || list[0].Status != trigger.RunStatusFailed || list[0].Error == "" {
		t.Errorf("newest firing = %+v", list[0])
	}

	limited, _ := firings.List(ctx, "t-1", 1)
	if len(limited) != 1 {
		t.Errorf("limit not applied: %d", len(limited))
	}
}

func TestManagerOverSQLite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	manager := lifecycle.NewManager(lifecycle.KindArtifact, lifecycle.ArtifactCreated, lifecycle.ArtifactMachine(), store.Entities(), lifecycle.Options{
		Audit: store.Audit(),
	})

	e, err := manager.Create(ctx, &lifecycle.Entity{Project: "demo", Name: "dataset", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if _, err := manager.Perform(ctx, e, lifecycle.ArtifactUpload); err != nil {
		t.Fatalf("failed to perform: %v", err)
	}
	if _, err := manager.Handle(ctx, e, lifecycle.ArtifactCreated); !engine.IsInvalidTransition(err) {
		t.Fatalf("Handle(CREATED) = %v, want invalid transition", err)
	}

	history, _ := store.Audit().History(ctx, e.ID)
	if len(history) != 2 {
		t.Fatalf("expected CREATE and UPLOAD records, got %d", len(history))
	}
}

func TestMemoryRunnableStoreConcurrent(t *testing.T) {
	store := NewMemoryRunnableStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", i%10)
			_ = store.Store(ctx, id, testRunnable(id, "local", engine.StateRunning))
			if i%5 == 0 {
				_ = store.Remove(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	if store.Len() > 10 {
		t.Errorf("expected at most 10 entries, got %d", store.Len())
	}

	r := testRunnable("run-x", "local", engine.StateReady)
	_ = store.Store(ctx, r.ID, r)
	r.Envs["MODE"] = "mutated"
	got, ok, _ := store.Get(ctx, "run-x")
	if !ok || got.Envs["MODE"] != "train" {
		t.Error("store must keep its own copy")
	}
}
