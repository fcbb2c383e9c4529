package validator

import (
	"slices"

	"github.com/roach88/complyflow/internal/workflow"
)

// Cycles reports the cycles formed by edges and requires dependencies.
//
// Cycles are warnings, not validation issues: an approval loop that sends a
// filing back for rework is a legitimate workflow shape.
//
// Each strongly connected group of steps is reported once as a closed path
// that starts and ends at its earliest step, e.g. ["a", "b", "a"]. A step
// that depends on itself yields ["a", "a"]. Edges and requires naming
// unknown steps are ignored; checkIntegrity reports those.
func Cycles(g *workflow.Graph) [][]string {
	graph, order := dependencyGraph(g)

	var cycles [][]string
	for _, scc := range tarjanSCC(graph, order) {
		if len(scc) == 1 && !hasSelfLoop(scc[0], graph) {
			continue
		}
		cycles = append(cycles, cyclePath(scc, graph, order))
	}
	slices.SortFunc(cycles, func(a, b []string) int {
		return slices.Index(order, a[0]) - slices.Index(order, b[0])
	})
	return cycles
}

// dependencyGraph maps each step id to the steps that follow it, in edge
// order. order lists step ids as they appear in the graph.
func dependencyGraph(g *workflow.Graph) (map[string][]string, []string) {
	graph := make(map[string][]string, len(g.Steps))
	var order []string
	for _, s := range g.Steps {
		if _, dup := graph[s.ID]; dup {
			continue
		}
		graph[s.ID] = nil
		order = append(order, s.ID)
	}

	link := func(from, to string) {
		_, okFrom := graph[from]
		_, okTo := graph[to]
		if okFrom && okTo {
			graph[from] = append(graph[from], to)
		}
	}
	for _, e := range g.Edges {
		link(e.From, e.To)
	}
	for _, s := range g.Steps {
		for _, req := range s.Requires {
			link(req, s.ID)
		}
	}
	return graph, order
}

func hasSelfLoop(node string, graph map[string][]string) bool {
	for _, next := range graph[node] {
		if next == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm,
// visiting roots in step order so results are stable.
func tarjanSCC(graph map[string][]string, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root: pop its component
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath returns the shortest loop through the component's earliest
// step, found breadth-first in edge order.
func cyclePath(scc []string, graph map[string][]string, order []string) []string {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}
	var start string
	for _, id := range order {
		if members[id] {
			start = id
			break
		}
	}

	prev := map[string]string{start: start}
	queue := []string{start}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range graph[v] {
			if w == start {
				var back []string
				for n := v; n != start; n = prev[n] {
					back = append(back, n)
				}
				path := []string{start}
				for i := len(back) - 1; i >= 0; i-- {
					path = append(path, back[i])
				}
				return append(path, start)
			}
			if _, seen := prev[w]; members[w] && !seen {
				prev[w] = v
				queue = append(queue, w)
			}
		}
	}
	return []string{start}
}
