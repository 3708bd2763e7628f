package spec

// Keys under which composed specs are attached to a run spec.
const (
	KeyFunctionSpec = "function_spec"
	KeyTaskSpec     = "task_spec"
)

// RunSpec is the caller-submitted run layer, and after composition the
// authoritative run spec. Backend fields live in Extra until a runtime
// configures its typed backend spec from the composed map.
type RunSpec struct {
	Task           string
	Function       string
	Inputs         map[string]interface{}
	Parameters     map[string]interface{}
	LocalExecution bool
	FunctionSpec   map[string]interface{}
	TaskSpec       map[string]interface{}
	Extra          Extra

	empty declared
}

// Configure populates the spec from data.
func (s *RunSpec) Configure(data map[string]interface{}) error {
	*s = RunSpec{}
	d := newDecoder(data)
	d.String("task", &s.Task)
	d.String("function", &s.Function)
	d.Map("inputs", &s.Inputs)
	d.Map("parameters", &s.Parameters)
	d.Bool("local_execution", &s.LocalExecution)
	d.Map(KeyFunctionSpec, &s.FunctionSpec)
	d.Map(KeyTaskSpec, &s.TaskSpec)
	extra, empty, err := d.finish()
	s.Extra, s.empty = extra, empty
	return err
}

// ToMap returns the spec as a map, including extra keys.
func (s *RunSpec) ToMap() map[string]interface{} {
	e := newEncoder(s.Extra, s.empty)
	e.String("task", s.Task)
	e.String("function", s.Function)
	e.Map("inputs", s.Inputs)
	e.Map("parameters", s.Parameters)
	e.Bool("local_execution", s.LocalExecution)
	e.Map(KeyFunctionSpec, s.FunctionSpec)
	e.Map(KeyTaskSpec, s.TaskSpec)
	return e
}
