package lifecycle

import (
	"sync"
)

// RelationshipGraph tracks the typed edges between entities, keyed by
// entity key. It is fed from the entity broadcast stream.
type RelationshipGraph struct {
	mu     sync.RWMutex
	edges  map[string][]Relationship
	latest map[string]string
}

// NewRelationshipGraph creates an empty graph.
func NewRelationshipGraph() *RelationshipGraph {
	return &RelationshipGraph{
		edges:  make(map[string][]Relationship),
		latest: make(map[string]string),
	}
}

// Observe records the outgoing edges of e, replacing earlier ones.
func (g *RelationshipGraph) Observe(e *Entity) {
	key := e.Key()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[key] = append([]Relationship(nil), e.Relationships...)
	g.latest[unversioned(key)] = key
}

// Forget drops e and its outgoing edges.
func (g *RelationshipGraph) Forget(e *Entity) {
	key := e.Key()
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, key)
	if g.latest[unversioned(key)] == key {
		delete(g.latest, unversioned(key))
	}
}

// Apply updates the graph from a broadcast.
func (g *RelationshipGraph) Apply(ev EntityEvent) {
	switch {
	case ev.Action == ActionDelete && ev.Previous != nil:
		g.Forget(ev.Previous)
	case ev.Current != nil:
		g.Observe(ev.Current)
	}
}

// Path finds the shortest chain of rel edges leading from the entity with
// key from to an entity matching the pattern to. An empty rel follows edges
// of any type. The returned keys start with from and end with the matched
// key; nil means no path exists.
func (g *RelationshipGraph) Path(from, to, rel string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if KeyMatches(to, from) {
		return []string{from}
	}

	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		for _, edge := range g.outgoing(node) {
			if rel != "" && edge.Type != rel {
				continue
			}
			next := g.resolve(edge.Dest)
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = node
			if KeyMatches(to, next) || edge.Dest == to {
				return walkBack(parent, next)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func (g *RelationshipGraph) outgoing(key string) []Relationship {
	if edges, ok := g.edges[key]; ok {
		return edges
	}
	if full, ok := g.latest[key]; ok {
		return g.edges[full]
	}
	return nil
}

// resolve maps an unversioned destination to the latest known version.
func (g *RelationshipGraph) resolve(dest string) string {
	if _, ok := g.edges[dest]; ok {
		return dest
	}
	if full, ok := g.latest[dest]; ok {
		return full
	}
	return dest
}

func walkBack(parent map[string]string, end string) []string {
	var path []string
	for node := end; node != ""; node = parent[node] {
		path = append(path, node)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
