// Package fsm provides a generic finite state machine over a static
// transition table.
//
// A Machine is built once per entity type with a Builder and never mutated
// afterwards, so it is safe for concurrent use:
//
//	m := fsm.NewBuilder[State, Event]("artifact").
//		From(Created).On(Upload, Uploading).On(Delete, Deleted).
//		From(Uploading).On(MarkReady, Ready).
//		Build()
//	next, err := m.Transition(Created, Upload)
//
// States with no outgoing edges are terminal.
package fsm

import (
	"fmt"
	"sort"

	"github.com/runplane/runplane/pkg/engine"
)

// Machine is an immutable transition table.
type Machine[S ~string, E ~string] struct {
	name  string
	table map[S]map[E]S
}

// Builder assembles a Machine.
type Builder[S ~string, E ~string] struct {
	name    string
	table   map[S]map[E]S
	current S
	err     error
}

// NewBuilder starts a transition table for the named entity type.
func NewBuilder[S ~string, E ~string](name string) *Builder[S, E] {
	return &Builder[S, E]{name: name, table: make(map[S]map[E]S)}
}

// From declares a state and makes it the source of the following On calls.
func (b *Builder[S, E]) From(state S) *Builder[S, E] {
	if _, ok := b.table[state]; !ok {
		b.table[state] = make(map[E]S)
	}
	b.current = state
	return b
}

// On adds an edge from the current state.
func (b *Builder[S, E]) On(event E, to S) *Builder[S, E] {
	edges, ok := b.table[b.current]
	if !ok {
		if b.err == nil {
			b.err = fmt.Errorf("fsm %s: On(%s) called before From", b.name, event)
		}
		return b
	}
	if prev, dup := edges[event]; dup && prev != to && b.err == nil {
		b.err = fmt.Errorf("fsm %s: event %s from %s declared twice", b.name, event, b.current)
	}
	edges[event] = to
	if _, ok := b.table[to]; !ok {
		b.table[to] = make(map[E]S)
	}
	return b
}

// Build returns the machine. It panics on a malformed table, which is a
// programming error caught at startup.
func (b *Builder[S, E]) Build() *Machine[S, E] {
	if b.err != nil {
		panic(b.err)
	}
	table := make(map[S]map[E]S, len(b.table))
	for s, edges := range b.table {
		cp := make(map[E]S, len(edges))
		for e, to := range edges {
			cp[e] = to
		}
		table[s] = cp
	}
	return &Machine[S, E]{name: b.name, table: table}
}

// Name returns the entity type the machine governs.
func (m *Machine[S, E]) Name() string {
	return m.name
}

// Transition returns the state reached from cur by event. It fails with an
// invalid transition error when cur does not declare the event.
func (m *Machine[S, E]) Transition(cur S, event E) (S, error) {
	edges, ok := m.table[cur]
	if !ok {
		var zero S
		return zero, engine.NewInvalidTransitionError(string(cur), "").
			WithEvent(string(event)).
			WithDetail("reason", "unknown state")
	}
	next, ok := edges[event]
	if !ok {
		var zero S
		return zero, engine.NewInvalidTransitionError(string(cur), "").WithEvent(string(event))
	}
	return next, nil
}

// EventFor returns an event that moves cur to target. It fails when target
// is not directly reachable from cur.
func (m *Machine[S, E]) EventFor(cur, target S) (E, error) {
	events := m.Events(cur)
	for _, e := range events {
		if m.table[cur][e] == target {
			return e, nil
		}
	}
	var zero E
	return zero, engine.NewInvalidTransitionError(string(cur), string(target)).
		WithCode(engine.ErrCodeUnreachableState)
}

// CanTransition reports whether event is declared for cur.
func (m *Machine[S, E]) CanTransition(cur S, event E) bool {
	_, ok := m.table[cur][event]
	return ok
}

// Events returns the events declared for state, sorted.
func (m *Machine[S, E]) Events(state S) []E {
	edges := m.table[state]
	out := make([]E, 0, len(edges))
	for e := range edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// States returns every declared state, sorted.
func (m *Machine[S, E]) States() []S {
	out := make([]S, 0, len(m.table))
	for s := range m.table {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasState reports whether state is part of the table.
func (m *Machine[S, E]) HasState(state S) bool {
	_, ok := m.table[state]
	return ok
}

// IsTerminal reports whether state has no outgoing edges.
func (m *Machine[S, E]) IsTerminal(state S) bool {
	return len(m.table[state]) == 0
}

// Edge is one row of the transition table.
type Edge[S ~string, E ~string] struct {
	From  S
	Event E
	To    S
}

// Edges returns every declared edge, sorted by source state then event.
func (m *Machine[S, E]) Edges() []Edge[S, E] {
	var out []Edge[S, E]
	for _, s := range m.States() {
		for _, e := range m.Events(s) {
			out = append(out, Edge[S, E]{From: s, Event: e, To: m.table[s][e]})
		}
	}
	return out
}
