package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// CyclicDependencyError reports one or more dependency cycles found while
// resolving a batch. Each cycle is the ordered list of task IDs around the
// loop.
type CyclicDependencyError struct {
	Cycles [][]string
}

func (e *CyclicDependencyError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, cycle := range e.Cycles {
		parts[i] = strings.Join(cycle, " -> ")
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, "; "))
}

// Validate checks batch-level invariants before resolution: non-empty unique
// IDs, dependency references that stay inside the batch, and estimates within
// the size threshold. Cycles are reported separately by the resolution
// functions.
func Validate(tasks []*Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task %q has no id", t.Name)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
		if t.EstimatedMinutes > MaxEstimatedMinutes {
			return fmt.Errorf("task %q estimated at %d minutes, above the %d minute limit", t.ID, t.EstimatedMinutes, MaxEstimatedMinutes)
		}
	}
	return nil
}

const (
	colorWhite = iota // not yet visited
	colorGray         // on the current DFS stack
	colorBlack        // fully explored
)

// DetectCycles walks the dependency graph depth-first and returns every
// back-edge loop it finds, each as the ordered list of task IDs around the
// cycle. Traversal order is sorted by ID so results are deterministic.
// An empty result means the graph is acyclic.
func DetectCycles(tasks []*Task) [][]string {
	byID, ids := index(tasks)

	color := make(map[string]int, len(tasks))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = colorGray
		stack = append(stack, id)
		deps := append([]string(nil), byID[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				continue // unknown reference, Validate reports it
			}
			switch color[dep] {
			case colorWhite:
				visit(dep)
			case colorGray:
				// Back edge: the cycle is the stack segment from dep onward.
				for i, v := range stack {
					if v == dep {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorBlack
	}

	for _, id := range ids {
		if color[id] == colorWhite {
			visit(id)
		}
	}
	return cycles
}

// TopologicalSort returns the task IDs in dependency order using Kahn's
// algorithm. Ties break by ascending ID so the same batch always yields the
// same order. Returns a CyclicDependencyError when no complete ordering
// exists.
func TopologicalSort(tasks []*Task) ([]string, error) {
	byID, ids := index(tasks)

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, id := range ids {
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(tasks) {
		return nil, &CyclicDependencyError{Cycles: DetectCycles(tasks)}
	}
	return order, nil
}

// CalculateWaves assigns every task to a wave: tasks with no dependencies
// land in wave 0 and every other task lands one wave after its latest
// dependency. Tasks are annotated in place with their wave number, then
// returned grouped by wave in execution order, sorted by ID within each
// wave. A wave's estimate is its longest member since members run
// concurrently.
func CalculateWaves(tasks []*Task) ([]Wave, error) {
	if err := Validate(tasks); err != nil {
		return nil, err
	}
	order, err := TopologicalSort(tasks)
	if err != nil {
		return nil, err
	}

	byID, _ := index(tasks)
	waveOf := make(map[string]int, len(tasks))
	maxWave := -1
	for _, id := range order {
		t := byID[id]
		wave := 0
		for _, dep := range t.DependsOn {
			if w := waveOf[dep] + 1; w > wave {
				wave = w
			}
		}
		waveOf[id] = wave
		t.WaveID = wave
		if wave > maxWave {
			maxWave = wave
		}
	}

	waves := make([]Wave, maxWave+1)
	for i := range waves {
		waves[i].ID = i
	}
	for _, id := range order {
		t := byID[id]
		waves[t.WaveID].Tasks = append(waves[t.WaveID].Tasks, t)
	}
	for i := range waves {
		w := &waves[i]
		sort.Slice(w.Tasks, func(a, b int) bool { return w.Tasks[a].ID < w.Tasks[b].ID })
		for _, t := range w.Tasks {
			if t.EstimatedMinutes > w.EstimatedMinutes {
				w.EstimatedMinutes = t.EstimatedMinutes
			}
		}
	}
	return waves, nil
}

// CriticalPath returns the dependency chain with the largest total estimate,
// in execution order, together with that total in minutes. This is the lower
// bound on batch wall time no matter how many agents run. Ties break toward
// the lexically smallest IDs.
func CriticalPath(tasks []*Task) ([]string, int, error) {
	order, err := TopologicalSort(tasks)
	if err != nil {
		return nil, 0, err
	}
	if len(order) == 0 {
		return nil, 0, nil
	}

	byID, ids := index(tasks)
	dist := make(map[string]int, len(tasks))
	prev := make(map[string]string, len(tasks))
	for _, id := range order {
		t := byID[id]
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; ok {
				deps = append(deps, dep)
			}
		}
		sort.Strings(deps)
		best, bestDep := 0, ""
		for i, dep := range deps {
			if i == 0 || dist[dep] > best {
				best = dist[dep]
				bestDep = dep
			}
		}
		dist[id] = t.EstimatedMinutes + best
		prev[id] = bestDep
	}

	endID, total := "", -1
	for _, id := range ids {
		if dist[id] > total {
			total = dist[id]
			endID = id
		}
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, total, nil
}

// index maps tasks by ID and returns the IDs in ascending order.
func index(tasks []*Task) (map[string]*Task, []string) {
	byID := make(map[string]*Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return byID, ids
}
