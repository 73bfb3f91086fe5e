// Package depgraph implements C4, the DependencyEngine: a task DAG with
// typed edges, cycle detection, topological layering, and readiness
// evaluation against a resource budget.
//
// Grounded on the teacher's services/orchestrator/dag_engine.go (Kahn's
// algorithm + worker-ready queue) and original_source's
// src/core/dependency_manager.py (DFS cycle detection, priority-ordered
// ready set), generalized from workflow-internal steps to cross-task
// scheduling per spec.md §4.1.
package depgraph

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskcore/internal/model"
	"github.com/swarmguard/taskcore/internal/resources"
)

// Engine owns the task DAG under a single lock (L_dag) and exposes safe
// mutation plus readiness queries.
type Engine struct {
	mu sync.Mutex

	nodes map[string]*model.TaskNode
	// edges[taskID] are the DependencyEdges owned by taskID (its deps).
	edges map[string][]model.DependencyEdge

	executing map[string]bool
	completed map[string]bool
	failed    map[string]bool

	results map[string]*model.Result

	budget *resources.Budget
}

// New constructs an empty Engine bound to a resource budget used for
// readiness evaluation.
func New(budget *resources.Budget) *Engine {
	return &Engine{
		nodes:     make(map[string]*model.TaskNode),
		edges:     make(map[string][]model.DependencyEdge),
		executing: make(map[string]bool),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		results:   make(map[string]*model.Result),
		budget:    budget,
	}
}

// AddTask admits a task definition into the graph. Rejects duplicates and
// self-loop dependencies.
func (e *Engine) AddTask(def model.TaskDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[def.TaskID]; exists {
		return model.ErrDuplicateTask
	}
	for _, dep := range def.Dependencies {
		if dep.FromTaskID == def.TaskID {
			return model.ErrSelfLoop
		}
	}

	e.nodes[def.TaskID] = &model.TaskNode{
		Def:        def,
		Status:     model.StatusPending,
		AdmittedAt: time.Now(),
	}
	e.edges[def.TaskID] = append([]model.DependencyEdge(nil), def.Dependencies...)
	e.rebuildReverseEdgesLocked()
	return nil
}

// RemoveTask deletes a task and its incoming/outgoing edges.
func (e *Engine) RemoveTask(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[id]; !exists {
		return model.ErrUnknownTask
	}
	delete(e.nodes, id)
	delete(e.edges, id)
	for owner, deps := range e.edges {
		filtered := deps[:0]
		for _, d := range deps {
			if d.FromTaskID != id {
				filtered = append(filtered, d)
			}
		}
		e.edges[owner] = filtered
	}
	e.rebuildReverseEdgesLocked()
	return nil
}

// AddEdge adds a dependency edge from -> to. Rejected if it would
// introduce a cycle, per I1.
func (e *Engine) AddEdge(from, to string, kind model.EdgeKind, predicate model.Predicate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.nodes[from]; !ok {
		return model.ErrUnknownTask
	}
	if _, ok := e.nodes[to]; !ok {
		return model.ErrUnknownTask
	}
	if from == to {
		return model.ErrSelfLoop
	}

	trial := cloneEdgeMap(e.edges)
	trial[to] = append(trial[to], model.DependencyEdge{FromTaskID: from, Kind: kind, Predicate: predicate})
	if cycles := detectCycles(trial); len(cycles) > 0 {
		return model.ErrWouldCycle
	}

	e.edges[to] = append(e.edges[to], model.DependencyEdge{FromTaskID: from, Kind: kind, Predicate: predicate})
	e.nodes[to].Def.Dependencies = e.edges[to]
	e.rebuildReverseEdgesLocked()
	return nil
}

func cloneEdgeMap(edges map[string][]model.DependencyEdge) map[string][]model.DependencyEdge {
	out := make(map[string][]model.DependencyEdge, len(edges))
	for k, v := range edges {
		out[k] = append([]model.DependencyEdge(nil), v...)
	}
	return out
}

func (e *Engine) rebuildReverseEdgesLocked() {
	for _, n := range e.nodes {
		n.Dependents = nil
	}
	for owner, deps := range e.edges {
		for _, d := range deps {
			if parent, ok := e.nodes[d.FromTaskID]; ok {
				parent.Dependents = append(parent.Dependents, owner)
			}
		}
	}
}

// Cycle is an ordered list of task ids forming one representative cycle.
type Cycle []string

// CheckCycles runs DFS with a recursion stack and reports the cycle closed
// by each back edge it finds. Every strongly-connected component of size > 1
// yields at least one cycle; a component with several back edges yields
// one cycle per back edge, so cycles are not deduplicated per component.
func (e *Engine) CheckCycles() []Cycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return detectCycles(e.edges)
}

func detectCycles(edges map[string][]model.DependencyEdge) []Cycle {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var cycles []Cycle

	// adjacency from task -> its dependency sources (owner depends on FromTaskID)
	var dfs func(node string, path []string)
	dfs = func(node string, path []string) {
		if onStack[node] {
			idx := 0
			for i, p := range path {
				if p == node {
					idx = i
					break
				}
			}
			cyc := append([]string(nil), path[idx:]...)
			cyc = append(cyc, node)
			cycles = append(cycles, cyc)
			return
		}
		if visited[node] {
			return
		}
		visited[node] = true
		onStack[node] = true
		path = append(path, node)
		for _, dep := range edges[node] {
			dfs(dep.FromTaskID, append([]string(nil), path...))
		}
		onStack[node] = false
	}

	// Collect all node ids referenced either as owners or as sources.
	seen := make(map[string]bool)
	for owner, deps := range edges {
		seen[owner] = true
		for _, d := range deps {
			seen[d.FromTaskID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !visited[id] {
			dfs(id, nil)
		}
	}
	return cycles
}

// Layer is one topological layer: a set of mutually independent tasks.
type Layer []string

// ExecutionLayers returns Kahn's-algorithm layers over REQUIRED and
// CONDITIONAL edges (OPTIONAL edges never gate ordering), ordered within a
// layer by descending priority then insertion order.
func (e *Engine) ExecutionLayers() ([]Layer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cycles := detectCycles(e.edges); len(cycles) > 0 {
		return nil, model.NewError(model.ErrCycle, "execution_layers", model.ErrGraphHasCycle)
	}

	inDegree := make(map[string]int, len(e.nodes))
	order := make(map[string]int, len(e.nodes))
	i := 0
	for id := range e.nodes {
		order[id] = i
		i++
	}
	for id, deps := range e.edges {
		for _, d := range deps {
			if d.Kind != model.EdgeOptional {
				inDegree[id]++
			}
		}
	}

	remaining := make(map[string]bool, len(e.nodes))
	for id := range e.nodes {
		remaining[id] = true
	}

	var layers []Layer
	for len(remaining) > 0 {
		var layer []string
		for id := range remaining {
			if inDegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Non-optional cycle slipped past detectCycles (shouldn't happen).
			return nil, model.NewError(model.ErrCycle, "execution_layers", model.ErrGraphHasCycle)
		}
		sort.Slice(layer, func(a, b int) bool {
			pa, pb := e.nodes[layer[a]].Def.Priority, e.nodes[layer[b]].Def.Priority
			if pa != pb {
				return pa > pb
			}
			return e.nodes[layer[a]].AdmittedAt.Before(e.nodes[layer[b]].AdmittedAt)
		})
		layers = append(layers, Layer(layer))
		for _, id := range layer {
			delete(remaining, id)
			for _, dependent := range e.nodes[id].Dependents {
				for _, d := range e.edges[dependent] {
					if d.FromTaskID == id && d.Kind != model.EdgeOptional {
						inDegree[dependent]--
					}
				}
			}
		}
	}
	return layers, nil
}

// IsReady reports whether id exists, is not already executing/terminal,
// every REQUIRED/CONDITIONAL dependency is satisfied, and the resource
// budget can currently satisfy its requirements.
func (e *Engine) IsReady(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isReadyLocked(id)
}

func (e *Engine) isReadyLocked(id string) bool {
	node, ok := e.nodes[id]
	if !ok {
		return false
	}
	if e.executing[id] || e.completed[id] || e.failed[id] {
		return false
	}
	for _, dep := range e.edges[id] {
		if dep.Kind == model.EdgeOptional {
			continue
		}
		if !e.completed[dep.FromTaskID] {
			return false
		}
		if dep.Predicate != nil {
			if !dep.Predicate(e.results) {
				return false
			}
		}
	}
	if e.budget != nil && !e.budget.CanAllocate(node.Def.ResourceRequirements) {
		return false
	}
	return true
}

// ReadySet returns every ready task id, sorted by descending priority
// then earliest admission timestamp.
func (e *Engine) ReadySet() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ready []string
	for id := range e.nodes {
		if e.isReadyLocked(id) {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ni, nj := e.nodes[ready[i]], e.nodes[ready[j]]
		if ni.Def.Priority != nj.Def.Priority {
			return ni.Def.Priority > nj.Def.Priority
		}
		return ni.AdmittedAt.Before(nj.AdmittedAt)
	})
	return ready
}

// MarkRunning transitions id into the executing set.
func (e *Engine) MarkRunning(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executing[id] = true
	if n, ok := e.nodes[id]; ok {
		n.Status = model.StatusRunning
		n.LastExecutionTS = time.Now()
	}
}

// TryReserve atomically checks readiness and reserves both the single
// running slot (I6) and the resource budget for id under one hold of
// L_dag, so two concurrent admissions for the same id can never both
// observe the slot free. Returns false, with no side effects, if id is
// not ready or the budget cannot satisfy its requirements.
func (e *Engine) TryReserve(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isReadyLocked(id) {
		return false
	}
	node := e.nodes[id]
	if e.budget != nil {
		if err := e.budget.Allocate(id, node.Def.ResourceRequirements); err != nil {
			return false
		}
	}
	e.executing[id] = true
	node.Status = model.StatusRunning
	node.LastExecutionTS = time.Now()
	return true
}

// Unreserve rolls back a TryReserve that was never followed by execution
// (the worker pool rejected the submission), freeing the running slot and
// any resources reserved for id.
func (e *Engine) Unreserve(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executing, id)
	if n, ok := e.nodes[id]; ok {
		n.Status = model.StatusPending
	}
	if e.budget != nil {
		e.budget.Release(id)
	}
}

// MarkCompleted moves id into the completed set and records its result,
// unblocking any dependents whose predicates now evaluate true.
func (e *Engine) MarkCompleted(id string, result *model.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executing, id)
	e.completed[id] = true
	e.results[id] = result
	if n, ok := e.nodes[id]; ok {
		n.Status = model.StatusCompleted
		n.LastResult = result
	}
}

// MarkFailed moves id into the failed set.
func (e *Engine) MarkFailed(id string, result *model.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executing, id)
	e.failed[id] = true
	e.results[id] = result
	if n, ok := e.nodes[id]; ok {
		n.Status = model.StatusFailed
		n.LastResult = result
	}
}

// Reset clears id's membership in executing/completed/failed, allowing it
// to be retried (used by the worker pool's PENDING-after-retry path).
func (e *Engine) Reset(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executing, id)
	delete(e.completed, id)
	delete(e.failed, id)
	if n, ok := e.nodes[id]; ok {
		n.Status = model.StatusPending
	}
}

// Node returns a copy of the node's current status fields, or false if id
// is unknown.
func (e *Engine) Node(id string) (model.TaskNode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[id]
	if !ok {
		return model.TaskNode{}, false
	}
	cp := *n
	return cp, true
}

// Snapshot returns a shallow copy of node ids to statuses, for the
// dep_graph_snapshot control-surface operation.
func (e *Engine) Snapshot() map[string]model.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.Status, len(e.nodes))
	for id, n := range e.nodes {
		out[id] = n.Status
	}
	return out
}
