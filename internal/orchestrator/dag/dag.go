// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dag validates that workflow graphs stay acyclic. It is called on
// every edge mutation and again, defensively, when a workflow run is created.
package dag

import "errors"

// ErrCycleDetected is returned when adding an edge would close a cycle.
var ErrCycleDetected = errors.New("cycle detected in workflow graph")

// Graph is a small directed graph over node identifiers. Nodes are added
// implicitly by AddEdge; isolated nodes can be added with AddNode so that
// indegree queries see them.
type Graph struct {
	nodes map[uint]struct{}
	succ  map[uint][]uint
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[uint]struct{}),
		succ:  make(map[uint][]uint),
	}
}

// AddNode registers a vertex without edges.
func (g *Graph) AddNode(id uint) {
	g.nodes[id] = struct{}{}
}

// AddEdge registers the directed edge from -> to, adding both endpoints.
// Parallel edges are tolerated; they do not affect acyclicity.
func (g *Graph) AddEdge(from, to uint) {
	g.AddNode(from)
	g.AddNode(to)
	g.succ[from] = append(g.succ[from], to)
}

// Indegrees returns the indegree of every node.
func (g *Graph) Indegrees() map[uint]int {
	in := make(map[uint]int, len(g.nodes))
	for id := range g.nodes {
		in[id] = 0
	}
	for _, targets := range g.succ {
		for _, t := range targets {
			in[t]++
		}
	}
	return in
}

// Roots returns the nodes with indegree zero.
func (g *Graph) Roots() []uint {
	var roots []uint
	for id, deg := range g.Indegrees() {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// IsAcyclic runs Kahn's topological sort and reports whether every node was
// ordered, i.e. the graph contains no directed cycle.
func (g *Graph) IsAcyclic() bool {
	in := g.Indegrees()

	queue := make([]uint, 0, len(g.nodes))
	for id, deg := range in {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range g.succ[id] {
			in[t]--
			if in[t] == 0 {
				queue = append(queue, t)
			}
		}
	}

	return visited == len(g.nodes)
}

// Validate returns ErrCycleDetected when the graph is cyclic.
func (g *Graph) Validate() error {
	if !g.IsAcyclic() {
		return ErrCycleDetected
	}
	return nil
}
