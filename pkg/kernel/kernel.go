// Package kernel assembles the orchestration kernel from configuration: the
// event bus, the stores, the runtime registry and composer, one reconcile
// listener per framework, the run lifecycle manager and the trigger service.
//
// Runs flow through it as follows. Submit composes the spec layers into a
// READY runnable and creates the run entity. Every intent applied to the run
// (READY, STOP, DELETING) is handed to the reconcile loop, and every runnable
// change the loop publishes is folded back into the run entity with Handle.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/catalog"
	"github.com/runplane/runplane/pkg/config"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/frameworks/local"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/runplane/runplane/pkg/policy"
	"github.com/runplane/runplane/pkg/reconcile"
	"github.com/runplane/runplane/pkg/runtime"
	"github.com/runplane/runplane/pkg/stores"
	"github.com/runplane/runplane/pkg/telemetry"
	"github.com/runplane/runplane/pkg/trigger"
)

// RunManager is the lifecycle manager of run entities.
type RunManager = lifecycle.Manager[engine.State, lifecycle.RunEvent]

// Options carries collaborators that are not built from configuration.
type Options struct {
	Telemetry *telemetry.Telemetry

	// Adapters are registered next to the local adapter. An adapter for the
	// "local" framework replaces the built-in one.
	Adapters []engine.FrameworkAdapter

	// Scheduler replaces the cron scheduler behind scheduled triggers.
	Scheduler trigger.Scheduler

	Notifier lifecycle.Notifier
}

// Kernel is an assembled orchestration kernel.
type Kernel struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	bus       *bus.Bus
	db        *stores.SQLiteStore
	entities  lifecycle.Repository
	runnables engine.RunnableStore
	audit     engine.AuditLog
	firings   trigger.FiringLog

	schemas   *config.SchemaRegistry
	policies  *policy.Engine
	watcher   *policy.Loader
	composer  *runtime.Composer
	catalog   *catalog.Catalog
	router    *reconcile.Router
	local     *local.Adapter
	runs      *RunManager
	artifacts *ArtifactManager

	scheduler trigger.Scheduler
	scheduled *trigger.SchedulerActuator
	watches   *trigger.LifecycleActuator
	triggers  *trigger.Service

	changes  *bus.Subscription
	validate *validator.Validate
}

// New builds a kernel from cfg. Nothing is scheduled until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tel := telemetry.OrNop(opts.Telemetry)
	k := &Kernel{
		cfg:      cfg,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("kernel"),
		validate: validator.New(),
	}
	if err := k.openStores(ctx); err != nil {
		return nil, err
	}
	k.bus = bus.New(cfg.Bus, tel)

	if err := k.buildComposer(ctx); err != nil {
		_ = k.closeStores()
		return nil, err
	}

	k.catalog = catalog.New(tel.Logger)
	if err := k.catalog.Load(ctx, cfg.Catalog.Paths); err != nil {
		_ = k.closeStores()
		return nil, err
	}

	if err := k.buildReconcile(opts.Adapters); err != nil {
		_ = k.closeStores()
		return nil, err
	}

	k.runs = lifecycle.NewManager(lifecycle.KindRun, engine.StateCreated, lifecycle.RunMachine(), k.entities, lifecycle.Options{
		Listeners: []lifecycle.Listener{lifecycle.ListenerFunc{ListenerName: "dispatch", Fn: k.onRunTransition}},
		Audit:     k.audit,
		Notifier:  opts.Notifier,
		Bus:       k.bus,
		Telemetry: tel,
	})
	k.artifacts = lifecycle.NewManager(lifecycle.KindArtifact, lifecycle.ArtifactCreated, lifecycle.ArtifactMachine(), k.entities, lifecycle.Options{
		Audit:     k.audit,
		Notifier:  opts.Notifier,
		Bus:       k.bus,
		Telemetry: tel,
	})
	k.changes = bus.Subscribe(k.bus, reconcile.ChangedTopic, "kernel.runs", k.onRunnableChanged)

	if err := k.buildTriggers(opts.Scheduler, opts.Notifier); err != nil {
		k.changes.Unsubscribe()
		_ = k.closeStores()
		return nil, err
	}

	k.logger.WithFields(map[string]interface{}{
		"database":   cfg.Database.Driver,
		"frameworks": k.router.Frameworks(),
		"schemas":    k.schemas.ListSchemas(),
	}).Info("kernel assembled")
	return k, nil
}

func (k *Kernel) openStores(ctx context.Context) error {
	switch k.cfg.Database.Driver {
	case "sqlite":
		db, err := stores.Open(ctx, stores.Config{Path: k.cfg.Database.Path})
		if err != nil {
			return engine.NewStoreError("failed to open database", err).WithDetail("path", k.cfg.Database.Path)
		}
		k.db = db
		k.entities = db.Entities()
		k.runnables = db.Runnables()
		k.audit = db.Audit()
		k.firings = db.Firings()
	default:
		k.entities = lifecycle.NewMemoryRepository()
		k.runnables = stores.NewMemoryRunnableStore()
		k.audit = lifecycle.NewMemoryAuditLog()
		k.firings = trigger.NewMemoryFiringLog()
	}
	return nil
}

func (k *Kernel) buildComposer(ctx context.Context) error {
	k.schemas = config.NewSchemaRegistry()
	runtimes := make([]string, 0, len(k.cfg.Catalog.Schemas))
	for rt := range k.cfg.Catalog.Schemas {
		runtimes = append(runtimes, rt)
	}
	sort.Strings(runtimes)
	for _, rt := range runtimes {
		if err := k.schemas.RegisterSchemaFile(rt, k.cfg.Catalog.Schemas[rt]); err != nil {
			return engine.NewConfigurationError("failed to load runtime schema", err).WithDetail("runtime", rt)
		}
	}

	// A nil *policy.Engine must not reach the composer as a non-nil Admitter.
	var admission runtime.Admitter
	if k.cfg.Policy.Enabled {
		pe, err := policy.NewEngine(k.tel.Logger.NewComponentLogger("policy").Zerolog())
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(k.cfg.Policy.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, k.cfg.Policy.Paths); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
		}
		k.policies = pe
		admission = pe
	}

	k.composer = runtime.NewComposer(runtime.NewDefaultRegistry(), runtime.ComposerOptions{
		Schemas:          k.schemas,
		Admission:        admission,
		DefaultFramework: k.cfg.Frameworks.Default,
		Telemetry:        k.tel,
	})
	return nil
}

func (k *Kernel) buildReconcile(adapters []engine.FrameworkAdapter) error {
	k.router = reconcile.NewRouter(k.runnables, k.bus, k.cfg.Reconcile, k.tel)

	custom := false
	for _, a := range adapters {
		if a.Framework() == local.Framework {
			custom = true
		}
	}
	if !custom {
		lc := k.cfg.Frameworks.Local
		k.local = local.NewAdapter(local.Config{
			Shell:       lc.Shell,
			Workdir:     lc.Workdir,
			GracePeriod: lc.GracePeriod,
		}, k.tel.Logger)
		k.local.OnExit(func(ctx context.Context, r *engine.Runnable) {
			if err := k.router.Observe(ctx, r); err != nil {
				k.logger.WithRunnable(r.ID, r.Framework).WithError(err).Warn("failed to record process exit")
			}
		})
		adapters = append([]engine.FrameworkAdapter{k.local}, adapters...)
	}

	for _, a := range adapters {
		if _, err := k.router.Register(a); err != nil {
			return engine.NewConfigurationError("failed to register framework adapter", err).
				WithDetail("framework", a.Framework())
		}
	}
	if _, err := k.router.Listener(k.cfg.Frameworks.Default); err != nil {
		return err
	}
	return nil
}

func (k *Kernel) buildTriggers(scheduler trigger.Scheduler, notifier lifecycle.Notifier) error {
	if scheduler == nil {
		loc, err := k.cfg.Triggers.Location()
		if err != nil {
			return engine.NewConfigurationError("invalid trigger timezone", err)
		}
		scheduler = trigger.NewCronScheduler(loc, k.tel.Logger)
	}
	k.scheduler = scheduler

	// Filters and template scripts share one sandbox configuration.
	starlark := config.NewStarlarkEvaluator(k.cfg.Triggers.FilterTimeout)
	dispatcher := trigger.NewDispatcher(k, k.firings, k.tel).WithScripts(starlark)
	k.scheduled = trigger.NewSchedulerActuator(scheduler, k.bus, dispatcher, k.tel)
	k.watches = trigger.NewLifecycleActuator(k.bus, dispatcher, starlark, k.tel)

	svc, err := trigger.NewService(k.entities, k.bus, trigger.ServiceOptions{
		Firings:   k.firings,
		Audit:     k.audit,
		Notifier:  notifier,
		Telemetry: k.tel,
	},
		k.scheduled,
		k.watches,
	)
	if err != nil {
		k.watches.Close()
		return err
	}
	k.triggers = svc
	return nil
}

// Start restores running triggers, installs the catalog triggers that do not
// exist yet, starts the scheduler and, when configured, watches the policy
// paths for changes.
func (k *Kernel) Start(ctx context.Context) error {
	restored, err := k.triggers.Restore(ctx)
	if err != nil {
		return err
	}
	installed := k.installCatalogTriggers(ctx)
	k.scheduler.Start()

	if k.policies != nil && k.cfg.Policy.Watch && len(k.cfg.Policy.Paths) > 0 {
		w, err := k.policies.Watch(ctx, k.cfg.Policy.Paths)
		if err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
		k.watcher = w
	}

	k.logger.WithFields(map[string]interface{}{
		"restored_triggers":  restored,
		"installed_triggers": installed,
	}).Info("kernel started")
	return nil
}

// installCatalogTriggers creates catalog triggers that have no live entity
// with the same project and name.
func (k *Kernel) installCatalogTriggers(ctx context.Context) int {
	n := 0
	for _, t := range k.catalog.Triggers() {
		t := t
		log := k.logger.WithFields(map[string]interface{}{"project": t.Project, "trigger": t.Name})
		existing, err := k.triggers.List(ctx, t.Project)
		if err != nil {
			log.WithError(err).Warn("failed to list triggers")
			continue
		}
		if hasLiveTrigger(existing, t.Name) {
			continue
		}
		if t.CreatedBy == "" {
			t.CreatedBy = "catalog"
		}
		if _, err := k.triggers.Create(ctx, &t); err != nil {
			log.WithError(err).Warn("failed to install catalog trigger")
			continue
		}
		n++
	}
	return n
}

func hasLiveTrigger(entities []*lifecycle.Entity, name string) bool {
	for _, e := range entities {
		if e.Name == name && e.State != string(lifecycle.TriggerDeleted) {
			return true
		}
	}
	return false
}

// Close stops the scheduler and the trigger service, drains the reconcile
// listeners and the bus, and closes the database.
func (k *Kernel) Close(ctx context.Context) error {
	var errs []error
	if err := k.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
	}
	k.triggers.Close()
	k.watches.Close()
	if k.watcher != nil {
		if err := k.watcher.StopWatching(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop policy watcher: %w", err))
		}
	}
	if err := k.router.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close reconcile listeners: %w", err))
	}
	if err := k.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close bus: %w", err))
	}
	k.changes.Unsubscribe()
	if err := k.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (k *Kernel) closeStores() error {
	if k.db == nil {
		return nil
	}
	if err := k.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Config returns the configuration the kernel was built from.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Telemetry returns the kernel telemetry.
func (k *Kernel) Telemetry() *telemetry.Telemetry { return k.tel }

// Bus returns the event bus.
func (k *Kernel) Bus() *bus.Bus { return k.bus }

// Composer returns the spec composer.
func (k *Kernel) Composer() *runtime.Composer { return k.composer }

// Schemas returns the runtime schema registry.
func (k *Kernel) Schemas() *config.SchemaRegistry { return k.schemas }

// Policies returns the admission policy engine, or nil when disabled.
func (k *Kernel) Policies() *policy.Engine { return k.policies }

// Catalog returns the function and task catalog.
func (k *Kernel) Catalog() *catalog.Catalog { return k.catalog }

// Router returns the reconcile router.
func (k *Kernel) Router() *reconcile.Router { return k.router }

// Runs returns the run lifecycle manager.
func (k *Kernel) Runs() *RunManager { return k.runs }

// Artifacts returns the artifact lifecycle manager.
func (k *Kernel) Artifacts() *ArtifactManager { return k.artifacts }

// Triggers returns the trigger service.
func (k *Kernel) Triggers() *trigger.Service { return k.triggers }

// Graph returns the entity relationship graph built from the broadcast stream.
func (k *Kernel) Graph() *lifecycle.RelationshipGraph { return k.watches.Graph() }

// TriggerJobs returns the active registrations of every actuator.
func (k *Kernel) TriggerJobs() []trigger.TriggerJob {
	return append(k.scheduled.Jobs(), k.watches.Jobs()...)
}
