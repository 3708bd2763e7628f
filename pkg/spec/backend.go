package spec

// ContainerSpec is the typed view of a composed container run.
type ContainerSpec struct {
	Image        string
	Command      string
	Args         []string
	Envs         map[string]string
	Resources    map[string]string
	Volumes      []map[string]interface{}
	Secrets      []string
	Replicas     int
	BackoffLimit int
	Schedule     string
	ServicePorts []map[string]interface{}
	ServiceType  string
	Extra        Extra

	empty declared
}

// Configure populates the spec from data.
func (s *ContainerSpec) Configure(data map[string]interface{}) error {
	*s = ContainerSpec{}
	d := newDecoder(data)
	d.String("image", &s.Image)
	d.String("command", &s.Command)
	d.Strings("args", &s.Args)
	d.StringMap("envs", &s.Envs)
	d.StringMap("resources", &s.Resources)
	d.Maps("volumes", &s.Volumes)
	d.Strings("secrets", &s.Secrets)
	d.Int("replicas", &s.Replicas)
	d.Int("backoff_limit", &s.BackoffLimit)
	d.String("schedule", &s.Schedule)
	d.Maps("service_ports", &s.ServicePorts)
	d.String("service_type", &s.ServiceType)
	extra, empty, err := d.finish()
	s.Extra, s.empty = extra, empty
	return err
}

// ToMap returns the spec as a map, including extra keys.
func (s *ContainerSpec) ToMap() map[string]interface{} {
	e := newEncoder(s.Extra, s.empty)
	e.String("image", s.Image)
	e.String("command", s.Command)
	e.Strings("args", s.Args)
	e.StringMap("envs", s.Envs)
	e.StringMap("resources", s.Resources)
	e.Maps("volumes", s.Volumes)
	e.Strings("secrets", s.Secrets)
	e.Int("replicas", s.Replicas)
	e.Int("backoff_limit", s.BackoffLimit)
	e.String("schedule", s.Schedule)
	e.Maps("service_ports", s.ServicePorts)
	e.String("service_type", s.ServiceType)
	return e
}

// TransformSpec is the typed view of a composed data-transform run.
type TransformSpec struct {
	Source  map[string]interface{}
	Query   string
	Inputs  map[string]interface{}
	Outputs map[string]interface{}
	Envs    map[string]string
	Extra   Extra

	empty declared
}

// Configure populates the spec from data.
func (s *TransformSpec) Configure(data map[string]interface{}) error {
	*s = TransformSpec{}
	d := newDecoder(data)
	d.Map("source", &s.Source)
	d.String("query", &s.Query)
	d.Map("inputs", &s.Inputs)
	d.Map("outputs", &s.Outputs)
	d.StringMap("envs", &s.Envs)
	extra, empty, err := d.finish()
	s.Extra, s.empty = extra, empty
	return err
}

// ToMap returns the spec as a map, including extra keys.
func (s *TransformSpec) ToMap() map[string]interface{} {
	e := newEncoder(s.Extra, s.empty)
	e.Map("source", s.Source)
	e.String("query", s.Query)
	e.Map("inputs", s.Inputs)
	e.Map("outputs", s.Outputs)
	e.StringMap("envs", s.Envs)
	return e
}

// WorkflowSpec is the typed view of a composed workflow run.
type WorkflowSpec struct {
	Workflow   string
	Entrypoint string
	Parameters map[string]interface{}
	Image      string
	Extra      Extra

	empty declared
}

// Configure populates the spec from data.
func (s *WorkflowSpec) Configure(data map[string]interface{}) error {
	*s = WorkflowSpec{}
	d := newDecoder(data)
	d.String("workflow", &s.Workflow)
	d.String("entrypoint", &s.Entrypoint)
	d.Map("parameters", &s.Parameters)
	d.String("image", &s.Image)
	extra, empty, err := d.finish()
	s.Extra, s.empty = extra, empty
	return err
}

// ToMap returns the spec as a map, including extra keys.
func (s *WorkflowSpec) ToMap() map[string]interface{} {
	e := newEncoder(s.Extra, s.empty)
	e.String("workflow", s.Workflow)
	e.String("entrypoint", s.Entrypoint)
	e.Map("parameters", s.Parameters)
	e.String("image", s.Image)
	return e
}
