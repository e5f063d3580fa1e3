package validation

import (
	"fmt"

	"github.com/rendis/sagaflow/pkg/schema"
)

// Node is one step of a workflow graph with the step IDs it may continue to.
type Node struct {
	ID         string
	Successors []string
}

// CheckGraph validates a step graph whose execution starts at nodes[0]:
// duplicate IDs and dangling successor references are errors, cycles are
// errors (a run never revisits a step), and steps unreachable from the entry
// are warnings.
func CheckGraph(nodes []Node) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(nodes) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "workflow has no steps")
		return result
	}

	ids := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		path := fmt.Sprintf("steps[%d]", i)
		switch {
		case n.ID == "":
			result.AddError(path+".id", schema.ErrCodeValidation, "step id is empty")
		case ids[n.ID]:
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", n.ID))
		}
		ids[n.ID] = true
	}

	for i, n := range nodes {
		for _, succ := range n.Successors {
			if !ids[succ] {
				result.AddError(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("step %q references non-existent step %q", n.ID, succ))
			}
		}
	}
	if !result.Valid() {
		return result
	}

	// succ[id] = distinct successors, inDegree counts distinct predecessors.
	succ := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		seen := make(map[string]bool, len(n.Successors))
		for _, s := range n.Successors {
			if seen[s] {
				continue
			}
			seen[s] = true
			succ[n.ID] = append(succ[n.ID], s)
			inDegree[s]++
		}
	}

	// Kahn's algorithm; declared order keeps the traversal deterministic.
	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, s := range succ[node] {
			inDegree[s]--
			if inDegree[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if visited != len(nodes) {
		result.AddError("steps", schema.ErrCodeCycleDetected, "workflow graph contains a cycle")
		return result
	}

	// Reachability from the entry step.
	reachable := map[string]bool{nodes[0].ID: true}
	bfs := []string{nodes[0].ID}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, s := range succ[node] {
			if !reachable[s] {
				reachable[s] = true
				bfs = append(bfs, s)
			}
		}
	}
	for i, n := range nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from entry step %q", n.ID, nodes[0].ID))
		}
	}

	return result
}
