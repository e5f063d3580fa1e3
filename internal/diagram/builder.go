package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/sagaflow/internal/engine"
	"github.com/rendis/sagaflow/internal/operations"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// Overlay statuses.
const (
	StatusCompleted          = "completed"
	StatusCompensated        = "compensated"
	StatusCompensationFailed = "compensation_failed"
	StatusRunning            = "running"
	StatusSuspended          = "suspended"
	StatusFailed             = "failed"
)

// Build constructs a DiagramModel from a workflow definition. When run is not
// nil its progress is overlaid on the nodes.
func Build(def *engine.WorkflowDefinition, run *store.Run) (*DiagramModel, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: workflow has no steps")
	}

	model := &DiagramModel{Title: title(def, run)}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		model.Nodes = append(model.Nodes, stepToNode(&def.Steps[i]))
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(def)
	model.Levels = buildLevels(model)

	if run != nil {
		overlayRun(model, run)
	}
	return model, nil
}

func stepToNode(s *engine.StepDefinition) *Node {
	n := &Node{
		ID:          s.ID,
		Label:       s.ID,
		Kind:        NodeKindStep,
		Compensable: s.Compensate != nil || len(s.Subscribers) > 0,
	}
	if s.Operation != "" {
		n.Kind = NodeKindOperation
		n.Label = fmt.Sprintf("%s\n(%s)", s.ID, s.Operation)
	}
	switch {
	case s.Async != nil:
		n.Kind = NodeKindAsync
	case s.Operation == operations.TypeCondition || len(s.Branches) > 0:
		n.Kind = NodeKindCondition
	}
	return n
}

// buildEdges mirrors the runner's cursor rules: branches, then Next, then
// declared order. A step with nowhere to go ends the run.
func buildEdges(def *engine.WorkflowDefinition) []Edge {
	edges := []Edge{{From: StartID, To: def.Steps[0].ID}}
	target := func(id string) string {
		if id == engine.End {
			return EndID
		}
		return id
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		switch {
		case len(s.Branches) > 0:
			names := make([]string, 0, len(s.Branches))
			for name := range s.Branches {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				edges = append(edges, Edge{From: s.ID, To: target(s.Branches[name]), Label: name})
			}
		case s.Next != "":
			edges = append(edges, Edge{From: s.ID, To: target(s.Next)})
		case i+1 < len(def.Steps):
			edges = append(edges, Edge{From: s.ID, To: def.Steps[i+1].ID})
		default:
			edges = append(edges, Edge{From: s.ID, To: EndID})
		}
	}
	return edges
}

// buildLevels assigns each node its longest distance from the start node.
// Registered workflows are acyclic; unreachable steps land on level 1.
func buildLevels(model *DiagramModel) [][]string {
	indegree := make(map[string]int, len(model.Nodes))
	out := make(map[string][]string, len(model.Nodes))
	for _, n := range model.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range model.Edges {
		out[e.From] = append(out[e.From], e.To)
		indegree[e.To]++
	}

	level := make(map[string]int, len(model.Nodes))
	var queue []string
	for _, n := range model.Nodes {
		if indegree[n.ID] == 0 {
			if n.ID != StartID {
				level[n.ID] = 1
			}
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range out[id] {
			if level[id]+1 > level[next] {
				level[next] = level[id] + 1
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	// End always sits alone at the bottom.
	maxLevel := 0
	for id, l := range level {
		if id != EndID && l > maxLevel {
			maxLevel = l
		}
	}
	level[EndID] = maxLevel + 1

	levels := make([][]string, maxLevel+2)
	for _, n := range model.Nodes {
		l := level[n.ID]
		levels[l] = append(levels[l], n.ID)
	}
	return levels
}

func overlayRun(model *DiagramModel, run *store.Run) {
	for _, c := range run.Completed {
		n := model.node(c.StepID)
		if n == nil {
			continue
		}
		ov := &StatusOverlay{Status: StatusCompleted, Compensation: string(c.Compensation), Error: c.CompensationError}
		switch c.Compensation {
		case schema.CompensationDone:
			ov.Status = StatusCompensated
		case schema.CompensationFailedState:
			ov.Status = StatusCompensationFailed
		}
		n.Status = ov
	}

	if run.Cursor != "" {
		if n := model.node(run.Cursor); n != nil && n.Status == nil {
			switch run.Status {
			case schema.RunStatusSuspended:
				n.Status = &StatusOverlay{Status: StatusSuspended}
			case schema.RunStatusRunning:
				n.Status = &StatusOverlay{Status: StatusRunning}
			}
		}
	}

	if run.Error != nil && run.Error.StepID != "" {
		if n := model.node(run.Error.StepID); n != nil && n.Status == nil {
			n.Status = &StatusOverlay{Status: StatusFailed, Error: run.Error.Message}
		}
	}
}

func title(def *engine.WorkflowDefinition, run *store.Run) string {
	if run == nil {
		return def.Name
	}
	return fmt.Sprintf("%s (run %s: %s)", def.Name, run.ID, run.Status)
}
