package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/runplane/runplane/pkg/engine"
)

// SpecDefinition is the definition every runtime schema must declare.
const SpecDefinition = "#Spec"

// SchemaRegistry holds one CUE schema per runtime and validates composed
// specs against its #Spec definition.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	// cue values are not safe for concurrent use; mu also serializes evaluation.
	mu sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, schema := range builtinSchemas {
		if err := sr.RegisterSchema(name, schema); err != nil {
			panic(fmt.Sprintf("builtin schema %s: %v", name, err))
		}
	}

	return sr
}

// RegisterSchema compiles schema and registers it for runtime, replacing
// the previous one. The source must declare #Spec.
func (sr *SchemaRegistry) RegisterSchema(runtime, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(runtime+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", runtime, err)
	}
	if !val.LookupPath(cue.ParsePath(SpecDefinition)).Exists() {
		return fmt.Errorf("schema %s does not declare %s", runtime, SpecDefinition)
	}

	sr.schemas[runtime] = val
	return nil
}

// RegisterSchemaFile registers the schema stored at path.
func (sr *SchemaRegistry) RegisterSchemaFile(runtime, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return sr.RegisterSchema(runtime, string(data))
}

// GetSchema retrieves the #Spec definition registered for runtime.
func (sr *SchemaRegistry) GetSchema(runtime string) (cue.Value, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val, ok := sr.schemas[runtime]
	if !ok {
		return cue.Value{}, false
	}
	return val.LookupPath(cue.ParsePath(SpecDefinition)), true
}

// ValidateSpec checks a composed spec against the schema of its runtime.
// Runtimes without a schema accept anything. Mismatches are returned as
// configuration errors listing every CUE error.
func (sr *SchemaRegistry) ValidateSpec(_ context.Context, runtime string, data map[string]interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[runtime]
	if !ok {
		return nil
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return engine.NewConfigurationError("failed to encode spec", err).
			WithDetail("runtime", runtime)
	}

	unified := schema.LookupPath(cue.ParsePath(SpecDefinition)).Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		details := make([]string, 0)
		for _, ve := range convertCUEErrors(err) {
			details = append(details, ve.Message)
		}
		return engine.NewConfigurationError(
			fmt.Sprintf("spec does not match the %s schema", runtime), err).
			WithDetail("runtime", runtime).
			WithDetail("errors", details)
	}

	return nil
}

// ListSchemas returns the runtimes with a registered schema, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var builtinSchemas = map[string]string{
	"container": containerSchema,
	"transform": transformSchema,
	"workflow":  workflowSchema,
}

const containerSchema = `
#Port: {
	port:      number & >0 & <65536
	protocol?: "TCP" | "UDP"
	...
}

#Spec: {
	image:          string & !=""
	command?:       string
	args?:          [...string]
	envs?:          [string]: string
	resources?:     [string]: string
	volumes?:       [...{...}]
	secrets?:       [...string & !=""]
	replicas?:      int & >=0
	backoff_limit?: int & >=0
	schedule?:      string
	service_ports?: [...#Port]
	service_type?:  "ClusterIP" | "NodePort" | "LoadBalancer"
	...
}
`

const transformSchema = `
#Spec: {
	source?:  {...}
	query?:   string & !=""
	inputs?:  {...}
	outputs?: {...}
	envs?:    [string]: string
	...
}
`

const workflowSchema = `
#Spec: {
	workflow?:   string & !=""
	entrypoint?: string & !=""
	parameters?: {...}
	image?:      string
	...
}
`
