package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type fixture struct {
	repo     *MemoryRepository
	audit    *MemoryAuditLog
	notifier *recordingNotifier
	bus      *bus.Bus
	manager  *Manager[engine.State, RunEvent]
}

func newFixture(t *testing.T, listeners ...Listener) *fixture {
	t.Helper()
	f := &fixture{
		repo:     NewMemoryRepository(),
		audit:    NewMemoryAuditLog(),
		notifier: &recordingNotifier{},
		bus:      bus.New(bus.Config{}, nil),
	}
	t.Cleanup(func() { _ = f.bus.Close(context.Background()) })
	f.manager = NewManager(KindRun, engine.StateCreated, RunMachine(), f.repo, Options{
		Listeners: listeners,
		Audit:     f.audit,
		Notifier:  f.notifier,
		Bus:       f.bus,
	})
	return f
}

func (f *fixture) seed(t *testing.T, state engine.State) *Entity {
	t.Helper()
	e := &Entity{ID: "run-" + string(state), Kind: KindRun, Project: "p", State: string(state), CreatedBy: "alice", UpdatedBy: "alice"}
	require.NoError(t, f.repo.Create(context.Background(), e))
	return e
}

var allRunEvents = []RunEvent{
	RunBuild, RunReady, RunExecute, RunComplete, RunError,
	RunStop, RunStopped, RunResume, RunDelete, RunDeleted,
}

func TestPerformFollowsRunTable(t *testing.T) {
	machine := RunMachine()

	for _, state := range machine.States() {
		for _, event := range allRunEvents {
			t.Run(string(state)+"/"+string(event), func(t *testing.T) {
				f := newFixture(t)
				e := f.seed(t, state)

				got, err := f.manager.Perform(context.Background(), e, event)

				want, tableErr := machine.Transition(state, event)
				stored, getErr := f.repo.Get(context.Background(), e.ID)
				require.NoError(t, getErr)

				if tableErr == nil {
					require.NoError(t, err)
					assert.Equal(t, string(want), got.State)
					assert.Equal(t, string(want), stored.State)
					return
				}
				require.Error(t, err)
				assert.True(t, engine.IsInvalidTransition(err))
				assert.Equal(t, string(state), stored.State, "rejected transitions must not mutate state")
			})
		}
	}
}

func TestListenersRunBeforeAuditAndFailuresAreIsolated(t *testing.T) {
	var f *fixture
	var auditSeenByListener int
	var secondCalled bool

	failing := ListenerFunc{ListenerName: "failing", Fn: func(context.Context, Transition) error {
		return errors.New("side effect failed")
	}}
	panicking := ListenerFunc{ListenerName: "panicking", Fn: func(context.Context, Transition) error {
		panic("listener bug")
	}}
	observer := ListenerFunc{ListenerName: "observer", Fn: func(ctx context.Context, tr Transition) error {
		secondCalled = true
		history, _ := f.audit.History(ctx, tr.Entity.ID)
		auditSeenByListener = len(history)
		return nil
	}}

	f = newFixture(t, failing, panicking, observer)
	e := f.seed(t, engine.StateCreated)

	got, err := f.manager.Perform(context.Background(), e, RunBuild)
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateBuilt), got.State)
	assert.True(t, secondCalled, "a failing listener must not stop the others")
	assert.Equal(t, 0, auditSeenByListener, "audit is appended after listeners")

	history, err := f.audit.History(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "BUILD", history[0].Event)
	assert.Equal(t, "BUILT", history[0].To)
	assert.Equal(t, "CREATED", history[0].From)
}

func TestEscalationAppliesEventAfterTransitionIsRecorded(t *testing.T) {
	escalating := ListenerFunc{ListenerName: "dispatch", Fn: func(_ context.Context, tr Transition) error {
		if tr.To != string(engine.StateReady) {
			return nil
		}
		return Escalate(RunError, errors.New("listener closed"))
	}}
	f := newFixture(t, escalating)
	e := f.seed(t, engine.StateBuilt)

	got, err := f.manager.Perform(context.Background(), &Entity{ID: e.ID, UpdatedBy: "bob"}, RunReady)
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateError), got.State)
	assert.Equal(t, "listener closed", got.Status["error"])

	history, err := f.audit.History(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "READY", history[0].Event)
	assert.Equal(t, "ERROR", history[1].Event)
	assert.Equal(t, "READY", history[1].From)
	assert.Equal(t, "bob", history[1].Actor)
}

func TestRejectedEscalationKeepsTransition(t *testing.T) {
	escalating := ListenerFunc{ListenerName: "dispatch", Fn: func(context.Context, Transition) error {
		return Escalate(RunBuild, errors.New("boom"))
	}}
	f := newFixture(t, escalating)
	e := f.seed(t, engine.StateBuilt)

	got, err := f.manager.Perform(context.Background(), e, RunReady)
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateReady), got.State)

	var esc *Escalation
	require.ErrorAs(t, Escalate(RunError, context.Canceled), &esc)
	assert.ErrorIs(t, esc, context.Canceled)
}

func TestHandleValidatesReachability(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, engine.StateReady)

	got, err := f.manager.Handle(context.Background(), e, engine.StateRunning)
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateRunning), got.State)

	history, _ := f.audit.History(context.Background(), e.ID)
	require.Len(t, history, 1)
	assert.Equal(t, "EXECUTE", history[0].Event)
	assert.True(t, history[0].Observed)

	_, err = f.manager.Handle(context.Background(), e, engine.StateBuilt)
	require.Error(t, err)
	assert.True(t, engine.IsInvalidTransition(err))

	stored, _ := f.repo.Get(context.Background(), e.ID)
	assert.Equal(t, string(engine.StateRunning), stored.State)
}

func TestHandleSameStateIsNoop(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, engine.StateRunning)

	got, err := f.manager.Handle(context.Background(), e, engine.StateRunning)
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateRunning), got.State)

	history, _ := f.audit.History(context.Background(), e.ID)
	assert.Empty(t, history)
	assert.Empty(t, f.notifier.all())
}

func TestHandleMergesStatus(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, engine.StateReady)

	req := e.Clone()
	req.Status = map[string]interface{}{"error": map[string]interface{}{"message": "image pull failed"}}
	got, err := f.manager.Handle(context.Background(), req, engine.StateError)
	require.NoError(t, err)
	assert.Equal(t, "image pull failed", got.Status["error"].(map[string]interface{})["message"])
}

func TestNotificationsDependOnActor(t *testing.T) {
	t.Run("owner acting", func(t *testing.T) {
		f := newFixture(t)
		e := f.seed(t, engine.StateCreated)

		_, err := f.manager.Perform(context.Background(), e, RunBuild)
		require.NoError(t, err)

		sent := f.notifier.all()
		require.Len(t, sent, 1)
		assert.Equal(t, "alice", sent[0].Recipient)
		assert.Equal(t, RoleOwner, sent[0].Role)
	})

	t.Run("someone else acting", func(t *testing.T) {
		f := newFixture(t)
		e := f.seed(t, engine.StateCreated)

		req := e.Clone()
		req.UpdatedBy = "bob"
		got, err := f.manager.Perform(context.Background(), req, RunBuild)
		require.NoError(t, err)
		assert.Equal(t, "bob", got.UpdatedBy)

		sent := f.notifier.all()
		require.Len(t, sent, 2)
		assert.Equal(t, "bob", sent[0].Recipient)
		assert.Equal(t, RoleActor, sent[0].Role)
		assert.Equal(t, "alice", sent[1].Recipient)
		assert.Equal(t, RoleOwner, sent[1].Role)
	})
}

func TestTransitionsAreBroadcast(t *testing.T) {
	f := newFixture(t)

	events := make(chan EntityEvent, 4)
	bus.Subscribe(f.bus, EntityTopic, "test", func(_ context.Context, ev EntityEvent) error {
		events <- ev
		return nil
	})

	created, err := f.manager.Create(context.Background(), &Entity{Project: "p", Name: "train", CreatedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateCreated), created.State)
	assert.NotEmpty(t, created.ID)

	_, err = f.manager.Perform(context.Background(), created, RunBuild)
	require.NoError(t, err)

	var got []EntityEvent
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			got = append(got, ev)
		default:
		}
		return len(got) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, ActionCreate, got[0].Action)
	assert.Nil(t, got[0].Previous)
	assert.Equal(t, ActionUpdate, got[1].Action)
	assert.Equal(t, "BUILD", got[1].Event)
	assert.Equal(t, string(engine.StateCreated), got[1].Previous.State)
	assert.Equal(t, string(engine.StateBuilt), got[1].Current.State)
}

func TestPerformUnknownEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Perform(context.Background(), &Entity{ID: "missing"}, RunBuild)
	require.Error(t, err)
	assert.True(t, engine.IsStore(err))
	assert.True(t, engine.IsNotFound(err))
}

func TestEntityKeyMatching(t *testing.T) {
	e := &Entity{ID: "123", Kind: KindArtifact, Project: "p", Name: "model"}
	assert.Equal(t, "store://p/artifact/model:123", e.Key())
	assert.True(t, e.MatchesKey("store://p/artifact/model:123"))
	assert.True(t, e.MatchesKey("store://p/artifact/model"))
	assert.False(t, e.MatchesKey("store://p/artifact/model:456"))
	assert.False(t, e.MatchesKey("store://p/artifact/mod"))
}

func TestArtifactAndTriggerTables(t *testing.T) {
	artifacts := ArtifactMachine()
	next, err := artifacts.Transition(ArtifactCreated, ArtifactUpload)
	require.NoError(t, err)
	assert.Equal(t, ArtifactUploading, next)
	assert.True(t, artifacts.IsTerminal(ArtifactDeleted))

	triggers := TriggerMachine()
	_, err = triggers.Transition(TriggerDeleted, TriggerRun)
	assert.True(t, engine.IsInvalidTransition(err))
	ev, err := triggers.EventFor(TriggerRunning, TriggerStopped)
	require.NoError(t, err)
	assert.Equal(t, TriggerStop, ev)
}
