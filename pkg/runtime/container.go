package runtime

import (
	"context"
	"strconv"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/spec"
)

// ContainerRuntime runs container images. Jobs are flattened; deploy and
// serve tasks carry large structured task specs and are composed structured.
type ContainerRuntime struct{}

// NewContainerRuntime creates the container runtime.
func NewContainerRuntime() *ContainerRuntime {
	return &ContainerRuntime{}
}

// Name returns "container".
func (c *ContainerRuntime) Name() string { return "container" }

// Kinds returns deploy, job and serve.
func (c *ContainerRuntime) Kinds() []Kind {
	return []Kind{
		{Name: "deploy", Mode: ModeStructured, RequiresFunction: true, RequiresTask: true},
		{Name: "job", Mode: ModeFlatten, RequiresFunction: true, RequiresTask: true},
		{Name: "serve", Mode: ModeStructured, RequiresFunction: true, RequiresTask: true},
	}
}

// Build fills the container payload.
func (c *ContainerRuntime) Build(_ context.Context, in BuildInput, r *engine.Runnable) (spec.Spec, error) {
	cs, err := spec.FromMap(&spec.ContainerSpec{}, in.Backend)
	if err != nil {
		return nil, err
	}
	if cs.Image == "" {
		return nil, engine.NewConfigurationError("container image is required", nil).
			WithCode(engine.ErrCodeMissingSpec).
			WithDetail("field", "image")
	}
	if in.Kind.Name == "serve" && len(cs.ServicePorts) == 0 {
		return nil, engine.NewConfigurationError("serve task requires service ports", nil).
			WithCode(engine.ErrCodeMissingSpec).
			WithDetail("field", "service_ports")
	}

	r.Image = cs.Image
	r.Command = cs.Command
	r.Args = cs.Args
	r.Envs = cs.Envs
	r.Resources = cs.Resources
	r.Volumes = cs.Volumes
	r.Secrets = cs.Secrets
	if cs.Replicas > 0 {
		if r.Resources == nil {
			r.Resources = make(map[string]string, 1)
		}
		r.Resources["replicas"] = strconv.Itoa(cs.Replicas)
	}
	return cs, nil
}
