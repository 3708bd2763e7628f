// Package local runs runnables as processes on the kernel's own host.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/telemetry"
)

// Framework is the name runnables select this adapter with.
const Framework = "local"

// DefaultOutputLimit is the number of trailing stdout/stderr bytes kept per run.
const DefaultOutputLimit = 64 << 10

// Config configures the adapter.
type Config struct {
	// Shell runs the command when no args are given. Defaults to /bin/sh.
	Shell string

	// Workdir, when set, gets one directory per run, removed on delete.
	Workdir string

	// GracePeriod is how long Stop waits after SIGTERM before killing.
	GracePeriod time.Duration

	// OutputLimit bounds the captured output of each stream.
	OutputLimit int
}

// ExitFunc receives the final runnable when a process exits on its own.
type ExitFunc func(ctx context.Context, r *engine.Runnable)

// Adapter executes the runnable command as a child process. Run returns
// once the process has started; completion is reported through the exit
// handler. An exited process is kept until the next Run or Delete so that a
// late Stop sees its outcome.
type Adapter struct {
	cfg    Config
	logger *telemetry.Logger

	mu     sync.Mutex
	procs  map[string]*process
	onExit ExitFunc
}

type process struct {
	cmd     *exec.Cmd
	stdout  *tailBuffer
	stderr  *tailBuffer
	dir     string
	started time.Time
	done    chan struct{}

	// mu guards the outcome. Whichever of Stop and the exit claims it
	// first decides it: stopped, or exited with final set.
	mu      sync.Mutex
	stopped bool
	exited  bool
	final   *engine.Runnable
}

// NewAdapter creates a local process adapter.
func NewAdapter(cfg Config, logger *telemetry.Logger) *Adapter {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.NewComponentLogger("framework.local"),
		procs:  make(map[string]*process),
	}
}

// OnExit installs the exit handler. It must be set before the first Run.
func (a *Adapter) OnExit(fn ExitFunc) {
	a.mu.Lock()
	a.onExit = fn
	a.mu.Unlock()
}

// Framework returns "local".
func (a *Adapter) Framework() string { return Framework }

// Run starts the runnable's command. A runnable that is already running is
// returned as is.
func (a *Adapter) Run(_ context.Context, r *engine.Runnable) (*engine.Runnable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.procs[r.ID]; ok && p.live() {
		return running(r, p), nil
	}
	if r.Command == "" {
		return nil, engine.NewFrameworkError("command is required", nil).
			WithEntity(r.ID).
			WithOperation("run")
	}

	dir, err := a.workdir(r.ID)
	if err != nil {
		return nil, engine.NewFrameworkError("failed to prepare workdir", err).
			WithEntity(r.ID).
			WithOperation("run")
	}

	var cmd *exec.Cmd
	if len(r.Args) > 0 {
		cmd = exec.Command(r.Command, r.Args...)
	} else {
		cmd = exec.Command(a.cfg.Shell, "-c", r.Command)
	}
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range r.Envs {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "RUNPLANE_RUN_ID="+r.ID, "RUNPLANE_PROJECT="+r.Project)

	p := &process{
		cmd:    cmd,
		stdout: newTailBuffer(a.cfg.OutputLimit),
		stderr: newTailBuffer(a.cfg.OutputLimit),
		dir:    dir,
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.WaitDelay = a.cfg.GracePeriod

	if err := cmd.Start(); err != nil {
		return nil, engine.NewFrameworkError("failed to start command", err).
			WithEntity(r.ID).
			WithOperation("run")
	}
	p.started = time.Now()
	a.procs[r.ID] = p

	a.logger.WithRunnable(r.ID, Framework).
		WithField("pid", cmd.Process.Pid).
		Info("process started")

	go a.wait(r.Clone(), p)

	return running(r, p), nil
}

// Stop terminates the process with SIGTERM, then SIGKILL after the grace
// period. Stopping a runnable with no process is a no-op. A process that
// exited before Stop reached it keeps its own outcome.
func (a *Adapter) Stop(ctx context.Context, r *engine.Runnable) (*engine.Runnable, error) {
	a.mu.Lock()
	p, ok := a.procs[r.ID]
	a.mu.Unlock()

	out := r.Clone()
	out.State = engine.StateStopped
	out.Error = nil
	if !ok {
		out.Message = "no process"
		return out, nil
	}

	p.mu.Lock()
	if p.exited {
		final := p.final.Clone()
		p.mu.Unlock()
		return final, nil
	}
	p.stopped = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return nil, engine.NewFrameworkError("failed to signal process", err).
			WithEntity(r.ID).
			WithOperation("stop")
	}

	timer := time.NewTimer(a.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		_ = p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		return nil, engine.NewFrameworkError("stop interrupted", ctx.Err()).
			WithEntity(r.ID).
			WithOperation("stop")
	}

	out.Message = "stopped"
	out.Results = results(out.Results, p)
	return out, nil
}

// Delete stops the process if needed and removes the run's workdir.
func (a *Adapter) Delete(ctx context.Context, r *engine.Runnable) (*engine.Runnable, error) {
	if _, err := a.Stop(ctx, r); err != nil {
		return nil, err
	}
	a.mu.Lock()
	delete(a.procs, r.ID)
	a.mu.Unlock()

	if a.cfg.Workdir != "" {
		if err := os.RemoveAll(filepath.Join(a.cfg.Workdir, r.ID)); err != nil {
			return nil, engine.NewFrameworkError("failed to remove workdir", err).
				WithEntity(r.ID).
				WithOperation("delete")
		}
	}

	out := r.Clone()
	out.State = engine.StateDeleted
	out.Error = nil
	out.Message = "deleted"
	return out, nil
}

// Running returns the ids with a live process.
func (a *Adapter) Running() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.procs))
	for id, p := range a.procs {
		if p.live() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *process) live() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (a *Adapter) workdir(id string) (string, error) {
	if a.cfg.Workdir == "" {
		return "", nil
	}
	dir := filepath.Join(a.cfg.Workdir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (a *Adapter) wait(r *engine.Runnable, p *process) {
	err := p.cmd.Wait()

	a.mu.Lock()
	onExit := a.onExit
	a.mu.Unlock()

	p.mu.Lock()
	stopped := p.stopped
	p.exited = !stopped

	out := r
	out.Results = results(out.Results, p)
	exitCode := p.cmd.ProcessState.ExitCode()
	out.Results["exit_code"] = exitCode

	log := a.logger.WithRunnable(r.ID, Framework).WithField("exit_code", exitCode)
	switch {
	case stopped:
		out.State = engine.StateStopped
		out.Message = "stopped"
		log.Info("process stopped")
	case err == nil:
		out.State = engine.StateCompleted
		out.Message = "completed"
		log.Info("process completed")
	default:
		out.State = engine.StateError
		out.Message = err.Error()
		out.Error = engine.NewRunnableError(
			engine.NewFrameworkError(fmt.Sprintf("process exited: %v", err), nil).
				WithDetail("exit_code", exitCode))
		log.WithError(err).Warn("process failed")
	}
	out.UpdatedAt = time.Now().UTC()
	p.final = out
	p.mu.Unlock()
	close(p.done)

	// Stop reports the outcome of exits it caused.
	if onExit != nil && !stopped {
		onExit(context.Background(), out.Clone())
	}
}

func running(r *engine.Runnable, p *process) *engine.Runnable {
	out := r.Clone()
	out.State = engine.StateRunning
	out.Error = nil
	out.Message = fmt.Sprintf("started pid %d", p.cmd.Process.Pid)
	if out.Results == nil {
		out.Results = make(map[string]interface{})
	}
	out.Results["pid"] = p.cmd.Process.Pid
	if p.dir != "" {
		out.Results["workdir"] = p.dir
	}
	return out
}

func results(base map[string]interface{}, p *process) map[string]interface{} {
	out := engine.CloneMap(base)
	if out == nil {
		out = make(map[string]interface{})
	}
	out["stdout"] = p.stdout.String()
	out["stderr"] = p.stderr.String()
	out["duration"] = time.Since(p.started).Round(time.Millisecond).String()
	return out
}
