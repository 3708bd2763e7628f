// Package catalog holds the Function and Task specs runs are composed from.
//
// Entries are scoped to a project or global (empty project); lookups try the
// project first. Documents are YAML or CUE:
//
//	functions:
//	  - name: etl
//	    spec: {image: "etl:1.4", command: "python main.py"}
//	tasks:
//	  - task: container+job
//	    project: data
//	    spec: {backoff_limit: 2, framework: local}
//	triggers:
//	  - project: data
//	    name: nightly
//	    task: container+job
//	    function: etl
//	    condition: {schedule: "0 2 * * *"}
//	    script: |
//	      day = fired_at[:10]
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/runplane/runplane/pkg/config"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/telemetry"
	"github.com/runplane/runplane/pkg/trigger"
	"gopkg.in/yaml.v3"
)

// Function is a reusable function spec.
type Function struct {
	Name        string                 `json:"name" yaml:"name" validate:"required"`
	Project     string                 `json:"project,omitempty" yaml:"project,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Spec        map[string]interface{} `json:"spec" yaml:"spec" validate:"required"`
}

// Task is the task spec applied to every run of a task key.
type Task struct {
	// Task is the task key, "<runtime>+<kind>".
	Task    string                 `json:"task" yaml:"task" validate:"required,contains=+"`
	Project string                 `json:"project,omitempty" yaml:"project,omitempty"`
	Spec    map[string]interface{} `json:"spec" yaml:"spec"`
}

// Document is the on-disk catalog format.
type Document struct {
	Functions []Function        `json:"functions,omitempty" yaml:"functions,omitempty"`
	Tasks     []Task            `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Triggers  []trigger.Trigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

type key struct {
	project string
	name    string
}

// Catalog is a concurrency-safe in-memory catalog.
type Catalog struct {
	mu        sync.RWMutex
	functions map[key]Function
	tasks     map[key]Task
	triggers  []trigger.Trigger

	cue      *config.CUEParser
	validate *validator.Validate
	logger   *telemetry.Logger
}

// New creates an empty catalog.
func New(logger *telemetry.Logger) *Catalog {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Catalog{
		functions: make(map[key]Function),
		tasks:     make(map[key]Task),
		cue:       config.NewCUEParser(),
		validate:  validator.New(),
		logger:    logger.NewComponentLogger("catalog"),
	}
}

// PutFunction adds or replaces a function.
func (c *Catalog) PutFunction(f Function) error {
	if err := c.validate.Struct(f); err != nil {
		return engine.NewConfigurationError("invalid function", err).WithEntity(f.Name)
	}
	f.Spec = engine.CloneMap(f.Spec)

	c.mu.Lock()
	c.functions[key{f.Project, f.Name}] = f
	c.mu.Unlock()
	return nil
}

// PutTask adds or replaces a task spec.
func (c *Catalog) PutTask(t Task) error {
	if err := c.validate.Struct(t); err != nil {
		return engine.NewConfigurationError("invalid task", err).WithEntity(t.Task)
	}
	t.Spec = engine.CloneMap(t.Spec)

	c.mu.Lock()
	c.tasks[key{t.Project, t.Task}] = t
	c.mu.Unlock()
	return nil
}

// Function looks up a function in project, then globally.
func (c *Catalog) Function(project, name string) (Function, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if f, ok := c.functions[key{project, name}]; ok {
		return f, true
	}
	f, ok := c.functions[key{"", name}]
	return f, ok
}

// Task looks up a task spec in project, then globally.
func (c *Catalog) Task(project, task string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.tasks[key{project, task}]; ok {
		return t, true
	}
	t, ok := c.tasks[key{"", task}]
	return t, ok
}

// Resolve returns copies of the function and task layers of a run. An empty
// function name yields a nil function layer; an unknown one is an error.
// A missing task spec yields nil and is left for composition to judge.
func (c *Catalog) Resolve(project, task, function string) (fn, ts map[string]interface{}, err error) {
	if function != "" {
		f, ok := c.Function(project, function)
		if !ok {
			return nil, nil, engine.NewConfigurationError(
				fmt.Sprintf("function %q not found in project %q", function, project), nil).
				WithCode(engine.ErrCodeNotFound).
				WithEntity(function)
		}
		fn = engine.CloneMap(f.Spec)
	}
	if t, ok := c.Task(project, task); ok {
		ts = engine.CloneMap(t.Spec)
		if ts == nil {
			ts = map[string]interface{}{}
		}
	}
	return fn, ts, nil
}

// Functions lists all functions by project and name.
func (c *Catalog) Functions() []Function {
	c.mu.RLock()
	out := make([]Function, 0, len(c.functions))
	for _, f := range c.functions {
		out = append(out, f)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Tasks lists all task specs by project and key.
func (c *Catalog) Tasks() []Task {
	c.mu.RLock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Task < out[j].Task
	})
	return out
}

// Triggers returns the trigger definitions found in loaded documents.
func (c *Catalog) Triggers() []trigger.Trigger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]trigger.Trigger(nil), c.triggers...)
}

// Add merges a document into the catalog. Nothing is added when any entry
// is invalid.
func (c *Catalog) Add(doc Document) error {
	for _, f := range doc.Functions {
		if err := c.validate.Struct(f); err != nil {
			return engine.NewConfigurationError("invalid function", err).WithEntity(f.Name)
		}
	}
	for _, t := range doc.Tasks {
		if err := c.validate.Struct(t); err != nil {
			return engine.NewConfigurationError("invalid task", err).WithEntity(t.Task)
		}
	}
	for i := range doc.Triggers {
		if err := doc.Triggers[i].Validate(); err != nil {
			return err
		}
	}

	for _, f := range doc.Functions {
		_ = c.PutFunction(f)
	}
	for _, t := range doc.Tasks {
		_ = c.PutTask(t)
	}
	c.mu.Lock()
	c.triggers = append(c.triggers, doc.Triggers...)
	c.mu.Unlock()
	return nil
}

// Load reads catalog documents from files and directories.
func (c *Catalog) Load(ctx context.Context, paths []string) error {
	for _, path := range paths {
		files, err := documentFiles(path)
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := c.read(ctx, file)
			if err != nil {
				return fmt.Errorf("failed to load catalog %s: %w", file, err)
			}
			if err := c.Add(*doc); err != nil {
				return fmt.Errorf("failed to load catalog %s: %w", file, err)
			}
			c.logger.WithFields(map[string]interface{}{
				"file":      file,
				"functions": len(doc.Functions),
				"tasks":     len(doc.Tasks),
				"triggers":  len(doc.Triggers),
			}).Info("catalog document loaded")
		}
	}
	return nil
}

func (c *Catalog) read(ctx context.Context, file string) (*Document, error) {
	var doc Document
	switch filepath.Ext(file) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case ".cue":
		parsed, err := c.cue.Parse(ctx, []string{file})
		if err != nil {
			return nil, err
		}
		// JSON is valid YAML, so the yaml tags decode it.
		data, err := config.ExportJSON(parsed)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode cue document: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog file: %s", file)
	}
	return &doc, nil
}

func documentFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(p) {
		case ".yaml", ".yml", ".cue":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}
