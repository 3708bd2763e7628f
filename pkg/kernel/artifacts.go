package kernel

import (
	"context"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/lifecycle"
)

// ArtifactManager is the lifecycle manager of artifact entities.
type ArtifactManager = lifecycle.Manager[lifecycle.ArtifactState, lifecycle.ArtifactEvent]

// ArtifactRequest registers an artifact, optionally produced by a run.
type ArtifactRequest struct {
	ID      string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Project string                 `json:"project" yaml:"project" validate:"required"`
	Name    string                 `json:"name" yaml:"name" validate:"required"`
	Spec    map[string]interface{} `json:"spec,omitempty" yaml:"spec,omitempty"`

	// ProducedBy is the id of the producing run.
	ProducedBy string `json:"produced_by,omitempty" yaml:"produced_by,omitempty"`

	Actor string `json:"actor,omitempty" yaml:"actor,omitempty"`
}

// RegisterArtifact creates an artifact entity. When ProducedBy names a run,
// the artifact gets a produced_by edge to it, so lifecycle triggers watching
// the run can follow the artifact.
func (k *Kernel) RegisterArtifact(ctx context.Context, req ArtifactRequest) (*lifecycle.Entity, error) {
	if err := k.validate.Struct(req); err != nil {
		return nil, engine.NewConfigurationError("invalid artifact request", err)
	}
	e := &lifecycle.Entity{
		ID:        req.ID,
		Project:   req.Project,
		Name:      req.Name,
		CreatedBy: req.Actor,
		Spec:      engine.CloneMap(req.Spec),
	}
	if req.ProducedBy != "" {
		run, err := k.runs.Get(ctx, req.ProducedBy)
		if err != nil {
			return nil, err
		}
		e.Relationships = []lifecycle.Relationship{{Type: lifecycle.RelProducedBy, Dest: run.Key()}}
	}
	return k.artifacts.Create(ctx, e)
}

// UpdateArtifact applies an artifact event such as UPLOAD or READY.
func (k *Kernel) UpdateArtifact(ctx context.Context, id, actor string, event lifecycle.ArtifactEvent, status map[string]interface{}) (*lifecycle.Entity, error) {
	return k.artifacts.Perform(ctx, &lifecycle.Entity{ID: id, UpdatedBy: actor, Status: status}, event)
}
