package spec

// TaskSpec is the task configuration layer: infrastructure knobs for one
// kind of execution. In a flattened merge its values only fill gaps.
type TaskSpec struct {
	Function     string
	Framework    string
	Image        string
	Resources    map[string]string
	Envs         map[string]string
	Volumes      []map[string]interface{}
	Secrets      []string
	NodeSelector map[string]string
	Replicas     int
	BackoffLimit int
	Schedule     string
	ServicePorts []map[string]interface{}
	ServiceType  string
	Extra        Extra

	empty declared
}

// Configure populates the spec from data.
func (s *TaskSpec) Configure(data map[string]interface{}) error {
	*s = TaskSpec{}
	d := newDecoder(data)
	d.String("function", &s.Function)
	d.String("framework", &s.Framework)
	d.String("image", &s.Image)
	d.StringMap("resources", &s.Resources)
	d.StringMap("envs", &s.Envs)
	d.Maps("volumes", &s.Volumes)
	d.Strings("secrets", &s.Secrets)
	d.StringMap("node_selector", &s.NodeSelector)
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
func (s *TaskSpec) ToMap() map[string]interface{} {
	e := newEncoder(s.Extra, s.empty)
	e.String("function", s.Function)
	e.String("framework", s.Framework)
	e.String("image", s.Image)
	e.StringMap("resources", s.Resources)
	e.StringMap("envs", s.Envs)
	e.Maps("volumes", s.Volumes)
	e.Strings("secrets", s.Secrets)
	e.StringMap("node_selector", s.NodeSelector)
	e.Int("replicas", s.Replicas)
	e.Int("backoff_limit", s.BackoffLimit)
	e.String("schedule", s.Schedule)
	e.Maps("service_ports", s.ServicePorts)
	e.String("service_type", s.ServiceType)
	return e
}
