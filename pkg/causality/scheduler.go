// Package causality computes execution epochs from a set of nodes
// annotated with (id, before, after) dependency declarations, adapted
// from the teacher's DAGBuilder level computation but built around
// symmetric before/after edges instead of a single dependency list.
package causality

import (
	"fmt"
	"sort"

	"github.com/loamhq/loam/pkg/corerr"
)

// Node is one schedulable unit: a unique id plus the ids it must run
// before and after.
type Node struct {
	ID     string
	Before []string
	After  []string
}

// Scheduler computes epochs from a collection of Nodes.
type Scheduler struct{}

// New creates a Scheduler.
func New() *Scheduler { return &Scheduler{} }

// Schedule builds the dependency DAG (x -> y for x.Before ∋ y, y -> x for
// x.After ∋ y) and runs Kahn's algorithm, taking every node with zero
// remaining indegree as one epoch per round. Insertion order breaks ties
// within an epoch for determinism.
func (s *Scheduler) Schedule(nodes []Node) ([][]string, error) {
	order := make([]string, 0, len(nodes))
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, exists := index[n.ID]; exists {
			return nil, corerr.New(corerr.KindCausality, fmt.Sprintf("duplicate id %q", n.ID), nil)
		}
		index[n.ID] = i
		order = append(order, n.ID)
	}

	edges := make(map[string]map[string]bool, len(nodes)) // from -> set(to)
	indegree := make(map[string]int, len(nodes))
	for _, id := range order {
		edges[id] = map[string]bool{}
		indegree[id] = 0
	}

	addEdge := func(from, to string) error {
		for _, id := range []string{from, to} {
			if _, ok := index[id]; !ok {
				return corerr.New(corerr.KindCausality, fmt.Sprintf("unknown dependency %q", id), nil)
			}
		}
		if !edges[from][to] {
			edges[from][to] = true
			indegree[to]++
		}
		return nil
	}

	for _, n := range nodes {
		for _, b := range n.Before {
			if err := addEdge(n.ID, b); err != nil {
				return nil, err
			}
		}
		for _, a := range n.After {
			if err := addEdge(a, n.ID); err != nil {
				return nil, err
			}
		}
	}

	remaining := map[string]int{}
	for id, d := range indegree {
		remaining[id] = d
	}
	done := map[string]bool{}

	var epochs [][]string
	processed := 0
	for processed < len(order) {
		var current []string
		for _, id := range order {
			if !done[id] && remaining[id] == 0 {
				current = append(current, id)
			}
		}
		if len(current) == 0 {
			return nil, cycleError(order, done)
		}
		sort.SliceStable(current, func(i, j int) bool { return index[current[i]] < index[current[j]] })
		epochs = append(epochs, current)
		processed += len(current)

		for _, id := range current {
			done[id] = true
			for to := range edges[id] {
				remaining[to]--
			}
		}
	}

	return epochs, nil
}

func cycleError(order []string, done map[string]bool) error {
	var stuck []string
	for _, id := range order {
		if !done[id] {
			stuck = append(stuck, id)
		}
	}
	return corerr.New(corerr.KindCausality, fmt.Sprintf("cycle detected among: %v", stuck), nil)
}
