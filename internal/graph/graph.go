// Package graph provides a dependency graph for workflow step scheduling.
package graph

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCycleDetected indicates a circular dependency was found in the step graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// Node is a vertex in the graph with the IDs it depends on.
type Node struct {
	ID        string
	DependsOn []string
}

// DependencyGraph represents a directed acyclic graph of step dependencies.
// Steps are nodes, and edges represent "blocked by" relationships.
// Iteration follows declaration order so every derived ordering is stable.
type DependencyGraph struct {
	mu sync.RWMutex
	// order holds node IDs in declaration order.
	order []string
	// edges maps node ID to IDs of nodes it depends on (is blocked by).
	edges map[string][]string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		edges: make(map[string][]string),
	}
}

// Build constructs the dependency graph from nodes.
// Returns an error if a node is duplicated, depends on an unknown node,
// or if a cycle is detected.
func (g *DependencyGraph) Build(nodes []Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range nodes {
		if _, exists := g.edges[n.ID]; exists {
			return fmt.Errorf("duplicate node %s", n.ID)
		}
		g.order = append(g.order, n.ID)
		g.edges[n.ID] = nil
	}

	for _, n := range nodes {
		seen := make(map[string]bool, len(n.DependsOn))
		for _, depID := range n.DependsOn {
			if _, exists := g.edges[depID]; !exists {
				return fmt.Errorf("node %s depends on unknown node %s", n.ID, depID)
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.edges[n.ID] = append(g.edges[n.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.order))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns node IDs in an order where all dependencies
// come before the nodes that depend on them.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	batches, err := g.Batches()
	if err != nil {
		return nil, err
	}
	var result []string
	for _, b := range batches {
		result = append(result, b...)
	}
	return result, nil
}

// Batches groups nodes into dependency levels. Every node in batch i
// depends only on nodes in batches before i, so nodes inside one batch
// may run in parallel. Within a batch, declaration order is preserved.
func (g *DependencyGraph) Batches() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	level := make(map[string]int, len(g.order))
	var depth func(id string) int
	depth = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		l := 0
		for _, depID := range g.edges[id] {
			if d := depth(depID) + 1; d > l {
				l = d
			}
		}
		level[id] = l
		return l
	}

	var batches [][]string
	for _, id := range g.order {
		l := depth(id)
		for len(batches) <= l {
			batches = append(batches, nil)
		}
		batches[l] = append(batches[l], id)
	}
	return batches, nil
}
