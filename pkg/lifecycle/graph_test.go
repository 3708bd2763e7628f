package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func graphEntity(kind, name, id string, rels ...Relationship) *Entity {
	return &Entity{ID: id, Kind: kind, Project: "p", Name: name, Relationships: rels}
}

func TestRelationshipGraphPath(t *testing.T) {
	g := NewRelationshipGraph()

	dataset := graphEntity(KindArtifact, "dataset", "a1")
	model := graphEntity(KindArtifact, "model", "a2",
		Relationship{Type: RelProducedBy, Dest: "store://p/run/train:r1"})
	train := graphEntity(KindRun, "train", "r1",
		Relationship{Type: RelConsumes, Dest: "store://p/artifact/dataset"})
	for _, e := range []*Entity{dataset, model, train} {
		g.Observe(e)
	}

	t.Run("direct match", func(t *testing.T) {
		assert.Equal(t, []string{model.Key()}, g.Path(model.Key(), "store://p/artifact/model", ""))
	})

	t.Run("any relationship", func(t *testing.T) {
		path := g.Path(model.Key(), "store://p/artifact/dataset", "")
		assert.Equal(t, []string{model.Key(), train.Key(), dataset.Key()}, path)
	})

	t.Run("typed relationship", func(t *testing.T) {
		assert.Equal(t, []string{model.Key(), train.Key()}, g.Path(model.Key(), "store://p/run/train", RelProducedBy))
		assert.Nil(t, g.Path(model.Key(), "store://p/artifact/dataset", RelProducedBy))
	})

	t.Run("no path", func(t *testing.T) {
		assert.Nil(t, g.Path(dataset.Key(), "store://p/artifact/model", ""))
	})

	t.Run("forget", func(t *testing.T) {
		g.Apply(EntityEvent{Action: ActionDelete, Previous: train})
		assert.Nil(t, g.Path(model.Key(), "store://p/artifact/dataset", ""))
	})
}

func TestRelationshipGraphCycles(t *testing.T) {
	g := NewRelationshipGraph()
	a := graphEntity(KindRun, "a", "1", Relationship{Type: RelConsumes, Dest: "store://p/run/b"})
	b := graphEntity(KindRun, "b", "2", Relationship{Type: RelConsumes, Dest: "store://p/run/a"})
	g.Apply(EntityEvent{Action: ActionCreate, Current: a})
	g.Apply(EntityEvent{Action: ActionCreate, Current: b})

	assert.Nil(t, g.Path(a.Key(), "store://p/run/c", ""))
	assert.Equal(t, []string{a.Key(), b.Key()}, g.Path(a.Key(), "store://p/run/b", ""))
}

func TestKeyMatches(t *testing.T) {
	assert.True(t, KeyMatches("store://p/run/a", "store://p/run/a:1"))
	assert.True(t, KeyMatches("store://p/run/a:1", "store://p/run/a:1"))
	assert.False(t, KeyMatches("store://p/run/a:2", "store://p/run/a:1"))
	assert.False(t, KeyMatches("store://p/run/ab", "store://p/run/a:1"))
	assert.Equal(t, "store://p/run/a", unversioned("store://p/run/a:1"))
}
