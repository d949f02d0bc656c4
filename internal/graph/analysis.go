package graph

import (
	"slices"

	"github.com/ZanzyTHEbar/dragonflow"
)

// Stats summarises the graph.
type Stats struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int

	// Fan-in is the number of declared dependencies per live node.
	AvgFanIn float64
	MaxFanIn int

	Cycles [][]string
}

type frame struct {
	id   string
	next int
}

// DetectCycles returns every cycle found by a depth-first walk along
// dependency edges. Each cycle is listed in execution direction.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.detectCyclesLocked()
}

func (g *Graph) detectCyclesLocked() [][]string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	var cycles [][]string

	for _, start := range g.order {
		if color[start] != white {
			continue
		}
		color[start] = gray
		stack := []frame{{id: start}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := g.nodes[top.id]
			if top.next >= len(n.dependents) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := n.dependents[top.next]
			top.next++

			switch color[child] {
			case white:
				color[child] = gray
				stack = append(stack, frame{id: child})
			case gray:
				at := slices.IndexFunc(stack, func(f frame) bool { return f.id == child })
				cycle := make([]string, 0, len(stack)-at)
				for _, f := range stack[at:] {
					cycle = append(cycle, f.id)
				}
				cycles = append(cycles, cycle)
			}
		}
	}
	return cycles
}

// TopologicalSort returns an order in which every task follows its
// dependencies, or nil if the graph contains a cycle.
func (g *Graph) TopologicalSort() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoLocked()
}

func (g *Graph) topoLocked() []string {
	if len(g.detectCyclesLocked()) > 0 {
		return nil
	}

	visited := make(map[string]struct{}, len(g.nodes))
	post := make([]string, 0, len(g.nodes))

	// Walking roots and children in reverse keeps independent tasks in
	// insertion order once the post-order is reversed.
	for i := len(g.order) - 1; i >= 0; i-- {
		start := g.order[i]
		if _, ok := visited[start]; ok {
			continue
		}
		visited[start] = struct{}{}
		stack := []frame{{id: start, next: len(g.nodes[start].dependents) - 1}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < 0 {
				post = append(post, top.id)
				stack = stack[:len(stack)-1]
				continue
			}
			child := g.nodes[top.id].dependents[top.next]
			top.next--
			if _, ok := visited[child]; ok {
				continue
			}
			visited[child] = struct{}{}
			stack = append(stack, frame{id: child, next: len(g.nodes[child].dependents) - 1})
		}
	}

	slices.Reverse(post)
	return post
}

// FindCriticalPath returns the longest source-to-sink path by hop count. Ties
// go to the first path found, enumerating sources in insertion order. Returns
// nil for an empty or cyclic graph.
func (g *Graph) FindCriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 || len(g.detectCyclesLocked()) > 0 {
		return nil
	}

	var best []string
	for _, src := range g.order {
		if !g.isSourceLocked(g.nodes[src]) {
			continue
		}
		stack := []frame{{id: src}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := g.nodes[top.id]
			if len(n.dependents) == 0 {
				if len(stack) > len(best) {
					best = best[:0]
					for _, f := range stack {
						best = append(best, f.id)
					}
				}
				stack = stack[:len(stack)-1]
				continue
			}
			if top.next >= len(n.dependents) {
				stack = stack[:len(stack)-1]
				continue
			}
			child := n.dependents[top.next]
			top.next++
			stack = append(stack, frame{id: child})
		}
	}
	return best
}

// Levels groups tasks into execution waves. Every task in wave i depends only
// on completed tasks or tasks in earlier waves. Returns nil if cyclic.
func (g *Graph) Levels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order := g.topoLocked()
	if order == nil {
		return nil
	}

	level := make(map[string]int, len(order))
	depth := 0
	for _, id := range order {
		lvl := 0
		for _, dep := range g.nodes[id].dependencies {
			if l, ok := level[dep]; ok && l+1 > lvl {
				lvl = l + 1
			}
		}
		level[id] = lvl
		if lvl+1 > depth {
			depth = lvl + 1
		}
	}

	waves := make([][]string, depth)
	for _, id := range g.order {
		waves[level[id]] = append(waves[level[id]], id)
	}
	return waves
}

// GetStats returns counts by status, dependency fan-in and the cycle list.
func (g *Graph) GetStats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Stats{
		Total:     len(g.nodes) + len(g.completed),
		Completed: len(g.completed),
		Cycles:    g.detectCyclesLocked(),
	}
	fanIn := 0
	for _, n := range g.nodes {
		switch n.status {
		case dragonflow.TaskStatusPending:
			s.Pending++
		case dragonflow.TaskStatusReady:
			s.Ready++
		case dragonflow.TaskStatusRunning:
			s.Running++
		case dragonflow.TaskStatusFailed:
			s.Failed++
		}
		fanIn += len(n.dependencies)
		if len(n.dependencies) > s.MaxFanIn {
			s.MaxFanIn = len(n.dependencies)
		}
	}
	if len(g.nodes) > 0 {
		s.AvgFanIn = float64(fanIn) / float64(len(g.nodes))
	}
	return s
}

// isSourceLocked reports whether n has no live dependency.
func (g *Graph) isSourceLocked(n *node) bool {
	for _, dep := range n.dependencies {
		if _, ok := g.nodes[dep]; ok {
			return false
		}
	}
	return true
}
