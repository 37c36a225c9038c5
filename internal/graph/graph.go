// Package graph validates task dependency edges before they enter the
// store: blocking edges must form a DAG over known tasks.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/opensprint/opensprint/pkg/models"
)

// ErrCycle indicates the blocking edges contain a circular dependency.
var ErrCycle = errors.New("circular dependency detected")

// Graph is a directed graph of blocking dependencies. Edges point from
// a task to the tasks it is blocked by.
type Graph struct {
	nodes map[string]*models.Task
	edges map[string][]string
}

// Build constructs a graph from tasks and their dependency edges.
// Only blocking edges participate; provenance edges are ignored.
// Edges referencing unknown tasks are an error.
func Build(tasks []*models.Task, deps []models.Dependency) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*models.Task, len(tasks)),
		edges: make(map[string][]string),
	}
	for _, t := range tasks {
		if _, ok := g.nodes[t.ID]; ok {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		g.nodes[t.ID] = t
	}
	for _, d := range deps {
		if d.Type == models.DepDiscoveredFrom {
			continue
		}
		if _, ok := g.nodes[d.TaskID]; !ok {
			return nil, fmt.Errorf("dependency for unknown task %q", d.TaskID)
		}
		if _, ok := g.nodes[d.DependsOn]; !ok {
			return nil, fmt.Errorf("task %q depends on unknown task %q", d.TaskID, d.DependsOn)
		}
		g.edges[d.TaskID] = append(g.edges[d.TaskID], d.DependsOn)
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrCycle, cycle)
	}
	return g, nil
}

// Blockers returns the direct blockers of a task.
func (g *Graph) Blockers(taskID string) []string {
	return append([]string(nil), g.edges[taskID]...)
}

// TopoOrder returns the task ids so that every task comes after its
// blockers. Ties break on id for a stable order.
func (g *Graph) TopoOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)
	for id := range g.nodes {
		indegree[id] = len(g.edges[id])
		for _, dep := range g.edges[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []string
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var freed []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Strings(freed)
		frontier = append(frontier, freed...)
	}
	return order
}

// findCycle returns one cycle as a list of task ids, or nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch state[dep] {
			case visiting:
				// Slice the stack from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}
