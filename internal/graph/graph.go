// Package graph tracks task dependencies and readiness for the scheduler.
package graph

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/ZanzyTHEbar/dragonflow"
)

type node struct {
	id           string
	dependencies []string // insertion order, may reference completed ids
	dependents   []string // live nodes only
	status       dragonflow.TaskStatus
}

// Graph is a concurrency-safe dependency graph. All readiness propagation
// happens under a single mutex.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]*node
	order     []string
	completed map[string]struct{}
	logger    *slog.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger used for no-op and diagnostic messages.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:     make(map[string]*node),
		completed: make(map[string]struct{}),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("subsystem", "graph"))
	return g
}

// TaskSpec is one entry of a batch passed to AddTasks.
type TaskSpec struct {
	ID           string
	Dependencies []string
}

// AddTask inserts id with the given dependencies. Every dependency must be a
// known node or already completed. Adding an existing id is a logged no-op.
func (g *Graph) AddTask(id string, deps []string) error {
	if id == "" {
		return dragonflow.NewValidationError("graph", "task id cannot be empty", nil)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.knownLocked(id) {
		g.logger.Debug("task already present, ignoring", slog.String("task_id", id))
		return nil
	}

	deps = dedupe(deps)
	var missing []string
	for _, dep := range deps {
		if dep == id {
			return &dragonflow.DependencyError{TaskID: id, Cycles: [][]string{{id}}}
		}
		if !g.knownLocked(dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &dragonflow.DependencyError{TaskID: id, Missing: missing}
	}

	g.insertLocked(id, deps)
	return nil
}

// AddTasks inserts a batch atomically. Dependencies may reference other
// members of the batch. The batch is rejected if it would introduce a cycle.
func (g *Graph) AddTasks(batch []TaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	inBatch := make(map[string]struct{}, len(batch))
	fresh := make([]TaskSpec, 0, len(batch))
	for _, spec := range batch {
		if spec.ID == "" {
			return dragonflow.NewValidationError("graph", "task id cannot be empty", nil)
		}
		if _, dup := inBatch[spec.ID]; dup || g.knownLocked(spec.ID) {
			g.logger.Debug("task already present, ignoring", slog.String("task_id", spec.ID))
			continue
		}
		inBatch[spec.ID] = struct{}{}
		fresh = append(fresh, TaskSpec{ID: spec.ID, Dependencies: dedupe(spec.Dependencies)})
	}

	for _, spec := range fresh {
		var missing []string
		for _, dep := range spec.Dependencies {
			if _, ok := inBatch[dep]; ok {
				continue
			}
			if !g.knownLocked(dep) {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			return &dragonflow.DependencyError{TaskID: spec.ID, Missing: missing}
		}
	}

	// Insert nodes first so intra-batch edges resolve in either order.
	for _, spec := range fresh {
		g.nodes[spec.ID] = &node{id: spec.ID, status: dragonflow.TaskStatusPending}
		g.order = append(g.order, spec.ID)
	}
	for _, spec := range fresh {
		n := g.nodes[spec.ID]
		n.dependencies = spec.Dependencies
		for _, dep := range spec.Dependencies {
			if d, ok := g.nodes[dep]; ok {
				d.dependents = append(d.dependents, spec.ID)
			}
		}
	}

	if cycles := g.detectCyclesLocked(); len(cycles) > 0 {
		for i := len(fresh) - 1; i >= 0; i-- {
			g.removeLocked(fresh[i].ID)
		}
		taskID := ""
		if len(fresh) > 0 {
			taskID = fresh[0].ID
		}
		return &dragonflow.DependencyError{TaskID: taskID, Cycles: cycles}
	}
	return nil
}

// AddDependency adds the edge dep -> id. Edges that would close a cycle are rejected.
func (g *Graph) AddDependency(id, dep string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return &dragonflow.DependencyError{TaskID: id, Missing: []string{id}}
	}
	if !g.knownLocked(dep) {
		return &dragonflow.DependencyError{TaskID: id, Missing: []string{dep}}
	}
	if slices.Contains(n.dependencies, dep) {
		return nil
	}
	if path := g.pathLocked(id, dep); path != nil {
		return &dragonflow.DependencyError{TaskID: id, Cycles: [][]string{path}}
	}

	n.dependencies = append(n.dependencies, dep)
	if d, ok := g.nodes[dep]; ok {
		d.dependents = append(d.dependents, id)
		if n.status == dragonflow.TaskStatusReady {
			n.status = dragonflow.TaskStatusPending
		}
	}
	return nil
}

// RemoveTask detaches id from the graph and returns the pending dependents
// whose dependencies are all satisfied once id is gone.
func (g *Graph) RemoveTask(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		g.logger.Debug("remove of unknown task ignored", slog.String("task_id", id))
		return nil
	}
	dependents := slices.Clone(n.dependents)
	g.removeLocked(id)

	var ready []string
	for _, depID := range dependents {
		d, ok := g.nodes[depID]
		if !ok {
			continue
		}
		d.dependencies = slices.DeleteFunc(d.dependencies, func(s string) bool { return s == id })
		if d.status == dragonflow.TaskStatusPending && g.satisfiedLocked(d) {
			ready = append(ready, depID)
		}
	}
	return ready
}

// MarkRunning records that id has been handed to the executor.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return dragonflow.NewValidationError("graph", "unknown task '"+id+"'", nil)
	}
	n.status = dragonflow.TaskStatusRunning
	return nil
}

// MarkCompleted moves id to the completed set, removes its node and returns
// exactly the dependents made ready by this completion. Returned ids are not
// promoted; GetReadyTasks claims them.
func (g *Graph) MarkCompleted(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, done := g.completed[id]; done {
		return nil
	}
	n, ok := g.nodes[id]
	g.completed[id] = struct{}{}
	if !ok {
		return nil
	}
	dependents := slices.Clone(n.dependents)
	g.removeLocked(id)

	var ready []string
	for _, depID := range dependents {
		d, ok := g.nodes[depID]
		if !ok || d.status != dragonflow.TaskStatusPending {
			continue
		}
		if g.satisfiedLocked(d) {
			ready = append(ready, depID)
		}
	}
	return ready
}

// MarkFailed marks id failed and returns the transitive closure of its
// dependents in breadth-first order, each id at most once.
func (g *Graph) MarkFailed(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	n.status = dragonflow.TaskStatusFailed

	seen := map[string]struct{}{id: {}}
	queue := slices.Clone(n.dependents)
	var closure []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, dup := seen[cur]; dup {
			continue
		}
		seen[cur] = struct{}{}
		closure = append(closure, cur)
		if c, ok := g.nodes[cur]; ok {
			queue = append(queue, c.dependents...)
		}
	}
	return closure
}

// IsTaskReady reports whether every dependency of id has completed.
func (g *Graph) IsTaskReady(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	if n.status != dragonflow.TaskStatusPending && n.status != dragonflow.TaskStatusReady {
		return false
	}
	return g.satisfiedLocked(n)
}

// GetReadyTasks returns pending tasks whose dependencies are satisfied and
// promotes them to ready. Each task is returned once.
func (g *Graph) GetReadyTasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.status == dragonflow.TaskStatusPending && g.satisfiedLocked(n) {
			n.status = dragonflow.TaskStatusReady
			ready = append(ready, id)
		}
	}
	return ready
}

// PeekReadyTasks is GetReadyTasks without the promotion.
func (g *Graph) PeekReadyTasks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.status == dragonflow.TaskStatusPending && g.satisfiedLocked(n) {
			ready = append(ready, id)
		}
	}
	return ready
}

// Status returns the status of id. Completed tasks no longer have a node but
// still report TaskStatusCompleted.
func (g *Graph) Status(id string) (dragonflow.TaskStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if n, ok := g.nodes[id]; ok {
		return n.status, true
	}
	if _, ok := g.completed[id]; ok {
		return dragonflow.TaskStatusCompleted, true
	}
	return "", false
}

// Dependencies returns a copy of the dependency list of id.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if n, ok := g.nodes[id]; ok {
		return slices.Clone(n.dependencies)
	}
	return nil
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) knownLocked(id string) bool {
	if _, ok := g.nodes[id]; ok {
		return true
	}
	_, ok := g.completed[id]
	return ok
}

func (g *Graph) satisfiedLocked(n *node) bool {
	for _, dep := range n.dependencies {
		if _, ok := g.completed[dep]; !ok {
			return false
		}
	}
	return true
}

func (g *Graph) insertLocked(id string, deps []string) {
	g.nodes[id] = &node{id: id, dependencies: deps, status: dragonflow.TaskStatusPending}
	g.order = append(g.order, id)
	for _, dep := range deps {
		if d, ok := g.nodes[dep]; ok {
			d.dependents = append(d.dependents, id)
		}
	}
}

// removeLocked drops the node and every edge that points at it from live nodes.
func (g *Graph) removeLocked(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, dep := range n.dependencies {
		if d, ok := g.nodes[dep]; ok {
			d.dependents = slices.DeleteFunc(d.dependents, func(s string) bool { return s == id })
		}
	}
	delete(g.nodes, id)
	g.order = slices.DeleteFunc(g.order, func(s string) bool { return s == id })
}

// pathLocked returns a dependents-path from -> ... -> to, or nil.
func (g *Graph) pathLocked(from, to string) []string {
	if from == to {
		return []string{from}
	}
	type frame struct {
		id   string
		next int
	}
	visited := map[string]struct{}{from: {}}
	stack := []frame{{id: from}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n := g.nodes[top.id]
		if top.next >= len(n.dependents) {
			stack = stack[:len(stack)-1]
			continue
		}
		child := n.dependents[top.next]
		top.next++
		if child == to {
			path := make([]string, 0, len(stack)+1)
			for _, f := range stack {
				path = append(path, f.id)
			}
			return append(path, child)
		}
		if _, seen := visited[child]; seen {
			continue
		}
		visited[child] = struct{}{}
		stack = append(stack, frame{id: child})
	}
	return nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
