package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/pkg/engine"
)

func newRunnable(id, command string, args ...string) *engine.Runnable {
	return &engine.Runnable{
		ID:        id,
		Project:   "data",
		Runtime:   "container",
		Task:      "container+job",
		Framework: Framework,
		State:     engine.StateReady,
		Command:   command,
		Args:      args,
	}
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, <-chan *engine.Runnable) {
	t.Helper()
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	a := NewAdapter(cfg, nil)
	exits := make(chan *engine.Runnable, 8)
	a.OnExit(func(_ context.Context, r *engine.Runnable) { exits <- r })
	return a, exits
}

func awaitExit(t *testing.T, exits <-chan *engine.Runnable) *engine.Runnable {
	t.Helper()
	select {
	case r := <-exits:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
		return nil
	}
}

func TestRunCompletes(t *testing.T) {
	a, exits := newTestAdapter(t, Config{})
	r := newRunnable("run-1", `echo "hello $GREETING"`)
	r.Envs = map[string]string{"GREETING": "world"}

	out, err := a.Run(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, out.State)
	assert.Contains(t, out.Results, "pid")
	assert.Equal(t, engine.StateReady, r.State, "input must not be mutated")

	final := awaitExit(t, exits)
	assert.Equal(t, engine.StateCompleted, final.State)
	assert.Equal(t, "hello world\n", final.Results["stdout"])
	assert.Equal(t, 0, final.Results["exit_code"])
	assert.Nil(t, final.Error)
	assert.Empty(t, a.Running())
}

func TestRunWithArgs(t *testing.T) {
	a, exits := newTestAdapter(t, Config{})

	_, err := a.Run(context.Background(), newRunnable("run-args", "/bin/echo", "a", "b c"))
	require.NoError(t, err)

	final := awaitExit(t, exits)
	assert.Equal(t, "a b c\n", final.Results["stdout"])
}

func TestRunFailure(t *testing.T) {
	a, exits := newTestAdapter(t, Config{})

	_, err := a.Run(context.Background(), newRunnable("run-fail", "echo oops >&2; exit 3"))
	require.NoError(t, err)

	final := awaitExit(t, exits)
	assert.Equal(t, engine.StateError, final.State)
	assert.Equal(t, 3, final.Results["exit_code"])
	assert.Equal(t, "oops\n", final.Results["stderr"])
	require.NotNil(t, final.Error)
	assert.Equal(t, engine.ErrorKindFramework, final.Error.Kind)
	assert.Equal(t, 3, final.Error.Cause["exit_code"])
}

func TestRunErrors(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})

	_, err := a.Run(context.Background(), newRunnable("no-cmd", ""))
	require.Error(t, err)
	assert.True(t, engine.IsFramework(err))

	_, err = a.Run(context.Background(), newRunnable("missing-bin", "/nonexistent/bin", "x"))
	require.Error(t, err)
	assert.True(t, engine.IsFramework(err))
	assert.Empty(t, a.Running())
}

func TestRunIsIdempotentWhileRunning(t *testing.T) {
	a, exits := newTestAdapter(t, Config{})
	ctx := context.Background()
	r := newRunnable("run-twice", "sleep 30")

	first, err := a.Run(ctx, r)
	require.NoError(t, err)
	second, err := a.Run(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, first.Results["pid"], second.Results["pid"])
	assert.Equal(t, []string{"run-twice"}, a.Running())

	stopped, err := a.Stop(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, engine.StateStopped, stopped.State)
	assert.Empty(t, a.Running())
	assert.Empty(t, exits)
}

func TestStop(t *testing.T) {
	a, exits := newTestAdapter(t, Config{GracePeriod: 500 * time.Millisecond})
	ctx := context.Background()
	r := newRunnable("run-stop", "trap '' TERM; sleep 30")

	_, err := a.Run(ctx, r)
	require.NoError(t, err)

	start := time.Now()
	out, err := a.Stop(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, engine.StateStopped, out.State)
	assert.Less(t, time.Since(start), 10*time.Second, "ignored SIGTERM must be followed by a kill")

	select {
	case final := <-exits:
		t.Fatalf("stopped process reported through OnExit: %s", final.State)
	case <-time.After(200 * time.Millisecond):
	}

	again, err := a.Stop(ctx, r)
	require.NoError(t, err, "stop is idempotent")
	assert.Equal(t, engine.StateStopped, again.State)
}

func TestStopAfterExitKeepsExitOutcome(t *testing.T) {
	a, exits := newTestAdapter(t, Config{})
	ctx := context.Background()

	tests := []struct {
		id      string
		command string
		state   engine.State
	}{
		{"exit-ok", "echo done", engine.StateCompleted},
		{"exit-fail", "exit 4", engine.StateError},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			r := newRunnable(tt.id, tt.command)
			_, err := a.Run(ctx, r)
			require.NoError(t, err)

			final := awaitExit(t, exits)
			require.Equal(t, tt.state, final.State)

			out, err := a.Stop(ctx, r)
			require.NoError(t, err)
			assert.Equal(t, final.State, out.State, "stop must agree with the exit handler")
			assert.Equal(t, final.Results["exit_code"], out.Results["exit_code"])
			assert.Empty(t, exits)
		})
	}
}

func TestRunRestartsExitedProcess(t *testing.T) {
	a, exits := newTestAdapter(t, Config{})
	ctx := context.Background()
	r := newRunnable("run-again", "echo again")

	_, err := a.Run(ctx, r)
	require.NoError(t, err)
	awaitExit(t, exits)
	assert.Empty(t, a.Running())

	second, err := a.Run(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, second.State)
	assert.Equal(t, engine.StateCompleted, awaitExit(t, exits).State)
}

func TestDelete(t *testing.T) {
	root := t.TempDir()
	a, exits := newTestAdapter(t, Config{Workdir: root})
	ctx := context.Background()
	r := newRunnable("run-del", "echo data > out.txt")

	out, err := a.Run(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run-del"), out.Results["workdir"])

	final := awaitExit(t, exits)
	require.Equal(t, engine.StateCompleted, final.State)
	_, err = os.Stat(filepath.Join(root, "run-del", "out.txt"))
	require.NoError(t, err)

	deleted, err := a.Delete(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, engine.StateDeleted, deleted.State)
	_, err = os.Stat(filepath.Join(root, "run-del"))
	assert.True(t, os.IsNotExist(err))

	_, err = a.Delete(ctx, r)
	assert.NoError(t, err, "delete is idempotent")
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())

	_, _ = b.Write([]byte("def"))
	assert.Equal(t, "...bcdef", b.String())

	n, err := b.Write([]byte(strings.Repeat("x", 10) + "12345"))
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, "...12345", b.String())
}
