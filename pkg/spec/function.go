package spec

// FunctionSpec is the function template layer. Keys declared here win over
// run-submitted values during a flattened merge.
type FunctionSpec struct {
	Image        string
	BaseImage    string
	Command      string
	Args         []string
	Source       map[string]interface{}
	Requirements []string
	Envs         map[string]string
	Extra        Extra

	empty declared
}

// Configure populates the spec from data.
func (s *FunctionSpec) Configure(data map[string]interface{}) error {
	*s = FunctionSpec{}
	d := newDecoder(data)
	d.String("image", &s.Image)
	d.String("base_image", &s.BaseImage)
	d.String("command", &s.Command)
	d.Strings("args", &s.Args)
	d.Map("source", &s.Source)
	d.Strings("requirements", &s.Requirements)
	d.StringMap("envs", &s.Envs)
	extra, empty, err := d.finish()
	s.Extra, s.empty = extra, empty
	return err
}

// ToMap returns the spec as a map, including extra keys.
func (s *FunctionSpec) ToMap() map[string]interface{} {
	e := newEncoder(s.Extra, s.empty)
	e.String("image", s.Image)
	e.String("base_image", s.BaseImage)
	e.String("command", s.Command)
	e.Strings("args", s.Args)
	e.Map("source", s.Source)
	e.Strings("requirements", s.Requirements)
	e.StringMap("envs", s.Envs)
	return e
}
