package diagram

// NodeKind classifies a diagram node by the kind of step it draws.
type NodeKind string

const (
	NodeKindStep      NodeKind = "step"      // code forward action
	NodeKindOperation NodeKind = "operation" // registry operation
	NodeKindCondition NodeKind = "condition" // step that selects a branch
	NodeKindAsync     NodeKind = "async"     // step that suspends for a signal
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels groups node ids by their longest distance from the start node.
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
	// Compensable marks steps with a compensating action or subscribers.
	Compensable bool
	Status      *StatusOverlay
}

// StatusOverlay carries a run's view of a node.
type StatusOverlay struct {
	// Status is one of completed, compensated, compensation_failed,
	// running, suspended or failed.
	Status string
	// Compensation is the raw unwind marker of a completed step.
	Compensation string
	Error        string
}

// Edge is a possible transition between two nodes. Label names the branch
// that selects it, if any.
type Edge struct {
	From  string
	To    string
	Label string
}

// node looks a node up by id.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
