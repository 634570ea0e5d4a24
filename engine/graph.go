package engine

import (
	"fmt"
	"sort"

	"github.com/taskforge/taskforge/core"
)

// topologicalOrder runs Kahn's algorithm over a task graph whose values
// are dependency lists. Ties break alphabetically so the order is
// deterministic. A cycle fails with ErrCycleDetected.
func topologicalOrder(taskGraph map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(taskGraph))
	dependents := make(map[string][]string, len(taskGraph))
	for taskID, deps := range taskGraph {
		if _, present := inDegree[taskID]; !present {
			inDegree[taskID] = 0
		}
		seen := make(map[string]struct{}, len(deps))
		for _, dep := range deps {
			if _, duplicate := seen[dep]; duplicate {
				continue
			}
			seen[dep] = struct{}{}
			inDegree[taskID]++
			dependents[dep] = append(dependents[dep], taskID)
		}
	}

	var ready []string
	for taskID, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, taskID)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(taskGraph))
	for len(ready) > 0 {
		taskID := ready[0]
		ready = ready[1:]
		order = append(order, taskID)

		var unlocked []string
		for _, dependent := range dependents[taskID] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		if len(unlocked) > 0 {
			sort.Strings(unlocked)
			ready = mergeSorted(ready, unlocked)
		}
	}

	if len(order) != len(taskGraph) {
		return nil, &core.EngineError{Op: "engine.ScheduleTaskGraph", Code: core.CodeCycleDetected,
			Err: fmt.Errorf("%d of %d tasks are on a cycle: %w", len(taskGraph)-len(order), len(taskGraph), core.ErrCycleDetected)}
	}
	return order, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
