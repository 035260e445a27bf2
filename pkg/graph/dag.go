package graph

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
)

// TopologicalOrder returns the nodes in an order where every node comes after
// the producers of its inputs. Among nodes that become ready together the
// original order is kept, so the result is deterministic.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	producers := make(map[string]*Node)
	for _, node := range g.Nodes {
		for _, out := range node.Outputs {
			if previous, found := producers[out]; found {
				return nil, fmt.Errorf("tensor %q is produced by both %q and %q", out, previous.Name, node.Name)
			}
			producers[out] = node
		}
	}

	available := make(map[string]bool)
	for _, name := range g.Inputs {
		available[name] = true
	}
	for name := range g.Params {
		available[name] = true
	}
	for _, v := range g.Vars {
		if v.Persistable {
			available[v.Name] = true
		}
	}

	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			if !available[in] && producers[in] == nil {
				return nil, fmt.Errorf("node %q reads tensor %q, which is never produced", node.Name, in)
			}
		}
	}

	order := make([]*Node, 0, len(g.Nodes))
	done := make(map[*Node]bool)

	for {
		progress := false
		for _, node := range g.Nodes {
			if done[node] {
				continue
			}

			ready := true
			for _, in := range node.Inputs {
				if !available[in] {
					ready = false
					break
				}
			}
			if ready {
				done[node] = true
				order = append(order, node)
				for _, out := range node.Outputs {
					available[out] = true
				}
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, &errdefs.CyclicGraphError{Nodes: g.findCycle(producers, done)}
	}

	return order, nil
}

// findCycle walks the unscheduled nodes depth-first and returns the names
// of the nodes on the first cycle found.
func (g *Graph) findCycle(producers map[string]*Node, scheduled map[*Node]bool) []string {
	const (
		unvisited = iota
		onStack
		finished
	)
	state := make(map[*Node]int)
	var stack []*Node
	var cycle []string

	var visit func(node *Node) bool
	visit = func(node *Node) bool {
		state[node] = onStack
		stack = append(stack, node)
		for _, in := range node.Inputs {
			dep := producers[in]
			if dep == nil || scheduled[dep] {
				continue
			}
			switch state[dep] {
			case onStack:
				start := len(stack) - 1
				for stack[start] != dep {
					start--
				}
				for _, n := range stack[start:] {
					cycle = append(cycle, n.Name)
				}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = finished
		return false
	}

	for _, node := range g.Nodes {
		if scheduled[node] || state[node] != unvisited {
			continue
		}
		if visit(node) {
			return cycle
		}
	}

	// Not reachable when the progress loop stalled, but report the stuck nodes anyway.
	var stuck []string
	for _, node := range g.Nodes {
		if !scheduled[node] {
			stuck = append(stuck, node.Name)
		}
	}
	return stuck
}
