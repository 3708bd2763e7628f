package kernel

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/runplane/runplane/pkg/catalog"
	"github.com/runplane/runplane/pkg/config"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/runplane/runplane/pkg/reconcile"
	"github.com/runplane/runplane/pkg/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 10 * time.Second

// manualScheduler fires registered callbacks only on Tick.
type manualScheduler struct {
	mu   sync.Mutex
	jobs map[string]func()
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{jobs: make(map[string]func())}
}

func (m *manualScheduler) Schedule(key, spec string, fn func()) error {
	if err := trigger.ParseSchedule(spec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[key] = fn
	return nil
}

func (m *manualScheduler) Unschedule(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[key]
	delete(m.jobs, key)
	return ok
}

func (m *manualScheduler) Start()                     {}
func (m *manualScheduler) Stop(context.Context) error { return nil }

func (m *manualScheduler) Tick() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.jobs))
	for _, fn := range m.jobs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = "memory"
	cfg.Database.Path = ""
	cfg.Frameworks.Local.Workdir = t.TempDir()
	cfg.Frameworks.Local.GracePeriod = 2 * time.Second
	return cfg
}

func newTestKernel(t *testing.T, cfg *config.Config, opts Options) *Kernel {
	t.Helper()
	k, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = k.Close(ctx)
	})
	require.NoError(t, k.Start(context.Background()))
	return k
}

func echoRequest(command string) SubmitRequest {
	return SubmitRequest{
		Project:      "demo",
		Task:         "container+job",
		FunctionSpec: map[string]interface{}{"image": "busybox:1.36", "command": command},
		TaskSpec:     map[string]interface{}{},
		Actor:        "alice",
	}
}

func waitFor(t *testing.T, k *Kernel, id string) *lifecycle.Entity {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	e, err := k.Wait(ctx, id)
	require.NoError(t, err)
	return e
}

func requireState(t *testing.T, k *Kernel, id string, state engine.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, err := k.Runs().Get(context.Background(), id)
		return err == nil && e.State == string(state)
	}, eventually, 10*time.Millisecond)
}

func TestSubmitRunCompletes(t *testing.T) {
	k := newTestKernel(t, testConfig(t), Options{})
	ctx := context.Background()

	e, err := k.Submit(ctx, echoRequest("echo hello"))
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateReady), e.State)
	assert.Equal(t, "alice", e.CreatedBy)
	assert.Equal(t, "local", e.Status["framework"])

	done := waitFor(t, k, e.ID)
	require.Equal(t, string(engine.StateCompleted), done.State)
	assert.Equal(t, string(engine.StateCompleted), done.Status["runnable_state"])

	run, err := k.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, run.Runnable)
	assert.Equal(t, engine.StateCompleted, run.Runnable.State)
	assert.Contains(t, run.Runnable.Results["stdout"], "hello")

	require.Eventually(t, func() bool {
		history, err := k.History(ctx, e.ID)
		if err != nil || len(history) != 5 {
			return false
		}
		events := make([]string, len(history))
		for i, rec := range history {
			events[i] = rec.Event
		}
		// The observed RUNNING may be audited before the READY intent.
		sort.Strings(events)
		return assert.ObjectsAreEqual([]string{"BUILD", "COMPLETE", "CREATE", "EXECUTE", "READY"}, events)
	}, eventually, 10*time.Millisecond)
}

func TestSubmitFailureMovesRunToError(t *testing.T) {
	k := newTestKernel(t, testConfig(t), Options{})

	e, err := k.Submit(context.Background(), echoRequest("exit 3"))
	require.NoError(t, err)

	done := waitFor(t, k, e.ID)
	require.Equal(t, string(engine.StateError), done.State)
	errStatus, ok := done.Status["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(engine.ErrorKindFramework), errStatus["kind"])
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	k := newTestKernel(t, testConfig(t), Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		code string
	}{
		{
			name: "policy denial",
			req: func() SubmitRequest {
				r := echoRequest("true")
				r.Project = "Bad_Project"
				return r
			}(),
			code: engine.ErrCodePolicyDenied,
		},
		{
			name: "schema mismatch",
			req: func() SubmitRequest {
				r := echoRequest("true")
				r.TaskSpec = map[string]interface{}{"replicas": -1}
				return r
			}(),
			code: engine.ErrCodeInvalidSpec,
		},
		{
			name: "unknown function",
			req:  SubmitRequest{Project: "demo", Task: "container+job", Function: "missing"},
			code: engine.ErrCodeNotFound,
		},
		{
			name: "unknown framework",
			req: func() SubmitRequest {
				r := echoRequest("true")
				r.TaskSpec = map[string]interface{}{"framework": "k8s"}
				return r
			}(),
			code: engine.ErrCodeUnknownFramework,
		},
		{
			name: "missing task",
			req:  SubmitRequest{Project: "demo"},
			code: engine.ErrCodeInvalidSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := k.Submit(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, engine.IsConfiguration(err), "got %v", err)
			var ee *engine.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.code, ee.Code)
		})
	}

	runs, err := k.List(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestConfiguredSchemaReplacesBuiltin(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "container.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
#Spec: {
	image: string & =~"^trusted/"
	...
}
`), 0o644))
	cfg.Catalog.Schemas = map[string]string{"container": path}

	k := newTestKernel(t, cfg, Options{})
	ctx := context.Background()

	_, err := k.Submit(ctx, echoRequest("true"))
	require.Error(t, err)
	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.ErrCodeInvalidSpec, ee.Code)

	req := echoRequest("true")
	req.FunctionSpec["image"] = "trusted/busybox:1.36"
	_, err = k.Submit(ctx, req)
	require.NoError(t, err)

	cfg = testConfig(t)
	cfg.Catalog.Schemas = map[string]string{"container": filepath.Join(t.TempDir(), "missing.cue")}
	_, err = New(ctx, cfg, Options{})
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestSubmitResolvesCatalog(t *testing.T) {
	k := newTestKernel(t, testConfig(t), Options{})
	ctx := context.Background()

	require.NoError(t, k.Catalog().PutFunction(catalog.Function{
		Name:    "hello",
		Project: "demo",
		Spec:    map[string]interface{}{"image": "busybox:1.36", "command": "echo catalog"},
	}))
	require.NoError(t, k.Catalog().PutTask(catalog.Task{Task: "container+job"}))

	e, err := k.Submit(ctx, SubmitRequest{Project: "demo", Task: "container+job", Function: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", e.Name)
	require.Len(t, e.Relationships, 1)
	assert.Equal(t, lifecycle.RelRunOf, e.Relationships[0].Type)
	assert.Equal(t, "store://demo/function/hello", e.Relationships[0].Dest)

	done := waitFor(t, k, e.ID)
	assert.Equal(t, string(engine.StateCompleted), done.State)
	assert.Equal(t, "hello", done.Spec["function"])
}

func TestStopResumeDelete(t *testing.T) {
	k := newTestKernel(t, testConfig(t), Options{})
	ctx := context.Background()

	e, err := k.Submit(ctx, echoRequest("sleep 30"))
	require.NoError(t, err)
	requireState(t, k, e.ID, engine.StateRunning)

	_, err = k.Stop(ctx, e.ID, "bob")
	require.NoError(t, err)
	stopped := waitFor(t, k, e.ID)
	require.Equal(t, string(engine.StateStopped), stopped.State)
	assert.Equal(t, "bob", stopped.UpdatedBy)

	_, err = k.Resume(ctx, e.ID, "bob")
	require.NoError(t, err)
	requireState(t, k, e.ID, engine.StateRunning)

	_, err = k.Delete(ctx, e.ID, "bob")
	require.NoError(t, err)
	requireState(t, k, e.ID, engine.StateDeleted)

	run, err := k.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, run.Runnable)

	_, err = k.Resume(ctx, e.ID, "bob")
	assert.True(t, engine.IsInvalidTransition(err))
}

func TestStopWithoutReconcilerMovesRunToError(t *testing.T) {
	k := newTestKernel(t, testConfig(t), Options{})
	ctx := context.Background()

	e, err := k.Submit(ctx, echoRequest("sleep 30"))
	require.NoError(t, err)
	requireState(t, k, e.ID, engine.StateRunning)

	closeCtx, cancel := context.WithTimeout(ctx, eventually)
	defer cancel()
	require.NoError(t, k.Router().Close(closeCtx))

	got, err := k.Stop(ctx, e.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateError), got.State)
	assert.Contains(t, got.Status["error"], reconcile.ErrClosed.Error())

	stored, err := k.Runs().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateError), stored.State)

	history, err := k.History(ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, "ERROR", last.Event)
	assert.Equal(t, string(engine.StateStop), last.From)
	assert.Equal(t, "bob", last.Actor)
}

func TestScheduledTriggerSubmitsRun(t *testing.T) {
	sched := newManualScheduler()
	k := newTestKernel(t, testConfig(t), Options{Scheduler: sched})
	ctx := context.Background()

	require.NoError(t, k.Catalog().PutFunction(catalog.Function{
		Name:    "nightly",
		Project: "demo",
		Spec:    map[string]interface{}{"image": "busybox:1.36", "command": "echo nightly"},
	}))
	require.NoError(t, k.Catalog().PutTask(catalog.Task{Task: "container+job"}))

	te, err := k.Triggers().Create(ctx, &trigger.Trigger{
		Project:   "demo",
		Name:      "nightly",
		Task:      "container+job",
		Function:  "nightly",
		Condition: trigger.Condition{Schedule: "0 2 * * *"},
		CreatedBy: "scheduler",
	})
	require.NoError(t, err)
	require.Len(t, k.TriggerJobs(), 1)

	sched.Tick()

	var firings []trigger.TriggerRun
	require.Eventually(t, func() bool {
		firings, err = k.Triggers().Firings(ctx, te.ID, 0)
		return err == nil && len(firings) == 1
	}, eventually, 10*time.Millisecond)
	require.Equal(t, trigger.RunStatusSubmitted, firings[0].Status)

	done := waitFor(t, k, firings[0].RunID)
	assert.Equal(t, string(engine.StateCompleted), done.State)
	assert.Equal(t, "scheduler", done.CreatedBy)
	assert.Equal(t, firings[0].TriggerKey, done.Status["origin"])
}

func TestLifecycleTriggerChainsRuns(t *testing.T) {
	k := newTestKernel(t, testConfig(t), Options{})
	ctx := context.Background()

	for name, cmd := range map[string]string{"extract": "echo extract", "report": "echo report"} {
		require.NoError(t, k.Catalog().PutFunction(catalog.Function{
			Name:    name,
			Project: "demo",
			Spec:    map[string]interface{}{"image": "busybox:1.36", "command": cmd},
		}))
	}
	require.NoError(t, k.Catalog().PutTask(catalog.Task{Task: "container+job"}))

	_, err := k.Triggers().Create(ctx, &trigger.Trigger{
		Project:  "demo",
		Name:     "after-extract",
		Task:     "container+job",
		Function: "report",
		Condition: trigger.Condition{Lifecycle: &trigger.LifecycleCondition{
			Key:    "store://demo/run/extract",
			States: []string{string(engine.StateCompleted)},
			Filter: `entity["status"]["framework"] == "local"`,
		}},
	})
	require.NoError(t, err)

	first, err := k.Submit(ctx, SubmitRequest{Project: "demo", Task: "container+job", Function: "extract"})
	require.NoError(t, err)
	waitFor(t, k, first.ID)

	var report *lifecycle.Entity
	require.Eventually(t, func() bool {
		runs, err := k.List(ctx, "demo", "")
		if err != nil {
			return false
		}
		for _, r := range runs {
			if r.Name == "report" {
				report = r
				return true
			}
		}
		return false
	}, eventually, 10*time.Millisecond)

	done := waitFor(t, k, report.ID)
	assert.Equal(t, string(engine.StateCompleted), done.State)
	params, ok := done.Spec["parameters"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(engine.StateCompleted), params["trigger_state"])
}

func TestSQLiteKernelSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	catalogFile := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogFile, []byte(`
functions:
  - name: hello
    project: demo
    spec:
      image: busybox:1.36
      command: echo persisted
tasks:
  - task: container+job
triggers:
  - project: demo
    name: hourly
    task: container+job
    function: hello
    condition:
      schedule: "0 * * * *"
`), 0o644))

	cfg := testConfig(t)
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dir, "runplane.db")
	cfg.Catalog.Paths = []string{catalogFile}
	ctx := context.Background()

	k, err := New(ctx, cfg, Options{Scheduler: newManualScheduler()})
	require.NoError(t, err)
	require.NoError(t, k.Start(ctx))

	e, err := k.Submit(ctx, SubmitRequest{Project: "demo", Task: "container+job", Function: "hello"})
	require.NoError(t, err)
	waitFor(t, k, e.ID)
	triggers, err := k.Triggers().List(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	require.NoError(t, k.Close(ctx))

	k2 := newTestKernel(t, cfg, Options{Scheduler: newManualScheduler()})
	run, err := k2.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateCompleted), run.Entity.State)
	require.NotNil(t, run.Runnable)
	assert.Contains(t, run.Runnable.Results["stdout"], "persisted")

	triggers, err = k2.Triggers().List(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Len(t, k2.TriggerJobs(), 1)
}

func TestArtifactUploadFiresRelationshipTrigger(t *testing.T) {
	k := newTestKernel(t, testConfig(t), Options{})
	ctx := context.Background()

	for name, cmd := range map[string]string{"extract": "echo extract", "publish": "echo publish"} {
		require.NoError(t, k.Catalog().PutFunction(catalog.Function{
			Name:    name,
			Project: "demo",
			Spec:    map[string]interface{}{"image": "busybox:1.36", "command": cmd},
		}))
	}
	require.NoError(t, k.Catalog().PutTask(catalog.Task{Task: "container+job"}))

	_, err := k.Triggers().Create(ctx, &trigger.Trigger{
		Project:  "demo",
		Name:     "on-extract-output",
		Task:     "container+job",
		Function: "publish",
		Condition: trigger.Condition{Lifecycle: &trigger.LifecycleCondition{
			Key:          "store://demo/run/extract",
			Relationship: lifecycle.RelProducedBy,
			States:       []string{string(lifecycle.ArtifactUploading)},
		}},
	})
	require.NoError(t, err)

	run, err := k.Submit(ctx, SubmitRequest{Project: "demo", Task: "container+job", Function: "extract"})
	require.NoError(t, err)
	waitFor(t, k, run.ID)

	_, err = k.RegisterArtifact(ctx, ArtifactRequest{Project: "demo", Name: "dataset", ProducedBy: "missing"})
	require.Error(t, err)

	artifact, err := k.RegisterArtifact(ctx, ArtifactRequest{
		Project:    "demo",
		Name:       "dataset",
		ProducedBy: run.ID,
		Actor:      "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.ArtifactCreated), artifact.State)
	require.Len(t, artifact.Relationships, 1)

	uploading, err := k.UpdateArtifact(ctx, artifact.ID, "alice", lifecycle.ArtifactUpload, nil)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.ArtifactUploading), uploading.State)

	var published *lifecycle.Entity
	require.Eventually(t, func() bool {
		runs, err := k.List(ctx, "demo", "")
		if err != nil {
			return false
		}
		for _, r := range runs {
			if r.Name == "publish" {
				published = r
				return true
			}
		}
		return false
	}, eventually, 10*time.Millisecond)

	done := waitFor(t, k, published.ID)
	assert.Equal(t, string(engine.StateCompleted), done.State)
	params, ok := done.Spec["parameters"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, uploading.Key(), params["trigger_entity"])

	_, err = k.UpdateArtifact(ctx, artifact.ID, "alice", lifecycle.ArtifactMark, map[string]interface{}{"size": 42})
	require.NoError(t, err)
	history, err := k.History(ctx, artifact.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "READY", history[2].Event)
}

func TestArtifactBurstFiresEveryTrigger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.QueueSize = 4
	k := newTestKernel(t, cfg, Options{})
	ctx := context.Background()

	require.NoError(t, k.Catalog().PutFunction(catalog.Function{
		Name:    "index",
		Project: "demo",
		Spec:    map[string]interface{}{"image": "busybox:1.36", "command": "true"},
	}))
	require.NoError(t, k.Catalog().PutTask(catalog.Task{Task: "container+job"}))

	trig, err := k.Triggers().Create(ctx, &trigger.Trigger{
		Project:  "demo",
		Name:     "on-new-artifact",
		Task:     "container+job",
		Function: "index",
		Condition: trigger.Condition{Lifecycle: &trigger.LifecycleCondition{
			Key:    "store://demo/artifact/a",
			States: []string{string(lifecycle.ArtifactCreated)},
		}},
	})
	require.NoError(t, err)

	const burst = 40
	registerCtx, cancel := context.WithTimeout(ctx, eventually)
	defer cancel()
	for i := 0; i < burst; i++ {
		_, err := k.RegisterArtifact(registerCtx, ArtifactRequest{Project: "demo", Name: "a"})
		require.NoError(t, err, "artifact %d", i)
	}

	require.Eventually(t, func() bool {
		firings, err := k.Triggers().Firings(ctx, trig.ID, 2*burst)
		return err == nil && len(firings) == burst
	}, eventually, 20*time.Millisecond)

	runs, err := k.List(ctx, "demo", "")
	require.NoError(t, err)
	assert.Len(t, runs, burst)
}
